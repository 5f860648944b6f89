package webrtc

import (
	"context"
	"fmt"
	"sort"

	"proctornet/internal/core/domain"
	"proctornet/pkg/utils"

	"go.uber.org/zap"
)

const (
	SideBroadcaster = "broadcaster"
	SideViewer      = "viewer"
	SideVoiceAdmin  = "voice_admin"
	SideVoiceListen = "voice_student"

	fullDisplaySurface = "monitor"
)

// BroadcastSupervisor runs the student's outbound broadcast: one offerer session
// per viewer registration under the student's namespace.
type BroadcastSupervisor struct {
	*supervisor

	tracks  []localAttachment
	viewers map[domain.ViewerID]struct{}
}

func NewBroadcastSupervisor(identity domain.Identity, cfg SupervisorConfig, deps Dependencies) *BroadcastSupervisor {
	return &BroadcastSupervisor{
		supervisor: newSupervisor(SideBroadcaster, identity, cfg, deps),
		viewers:    make(map[domain.ViewerID]struct{}),
	}
}

// Start acquires the capture tracks, announces the broadcast and begins serving viewers.
// Capability failures are returned as *errors.AppError and never retried.
func (b *BroadcastSupervisor) Start(ctx context.Context) error {
	if err := b.begin(); err != nil {
		return err
	}

	tracks, err := b.acquire()
	if err != nil {
		return err
	}
	if err := b.loop.Call(ctx, func() { b.tracks = tracks }); err != nil {
		stopTracks(tracks, b.logger)
		return err
	}

	if err := b.registration.Announce(ctx, b.identity.ExamID, b.identity.ParticipantID); err != nil {
		b.abortStart(tracks)
		return fmt.Errorf("announce broadcast: %w", err)
	}

	unsub, err := b.presence.WatchViewers(ctx, b.identity.ExamID, b.identity.ParticipantID, func(viewers []domain.ViewerID) {
		b.loop.Post(func() { b.reconcile(viewers) })
	})
	if err != nil {
		b.abortStart(tracks)
		return fmt.Errorf("watch viewers: %w", err)
	}
	b.track(unsub)

	b.logger.Infow("broadcast started", "tracks", len(tracks))
	return nil
}

// abortStart withdraws a partially started broadcast and releases its tracks.
// Start may be called again afterwards.
func (b *BroadcastSupervisor) abortStart(tracks []localAttachment) {
	ctx, cancel := context.WithTimeout(context.Background(), channelOpTimeout)
	defer cancel()
	if err := b.loop.Call(ctx, func() { b.tracks = nil }); err != nil {
		b.logger.Debugw("broadcast loop unavailable while aborting start", "error", err)
	}
	if err := b.registration.Withdraw(ctx, b.identity.ExamID, b.identity.ParticipantID); err != nil {
		b.logger.Warnw("failed to withdraw broadcast after failed start", "error", err)
	}
	stopTracks(tracks, b.logger)
	b.abandon()
}

func (b *BroadcastSupervisor) acquire() ([]localAttachment, error) {
	camera, err := b.deps.Capture.Acquire(domain.CaptureCamera)
	if err != nil {
		return nil, b.capabilityError(domain.CaptureCamera, err)
	}
	tracks := []localAttachment{{track: camera, role: domain.TrackRoleCamera}}

	screen, err := b.deps.Capture.Acquire(domain.CaptureScreen)
	if err == nil && screen.DisplaySurface() != "" && screen.DisplaySurface() != fullDisplaySurface {
		stopTracks([]localAttachment{{track: screen}}, b.logger)
		err = fmt.Errorf("%w: got %q", domain.ErrScreenScope, screen.DisplaySurface())
	}
	if err != nil {
		if b.cfg.RequireScreen {
			stopTracks(tracks, b.logger)
			return nil, b.capabilityError(domain.CaptureScreen, err)
		}
		b.logger.Warnw("broadcasting camera only", "error", err)
		return tracks, nil
	}
	return append(tracks, localAttachment{track: screen, role: domain.TrackRoleScreen}), nil
}

// reconcile makes the running sessions match the viewer registrations.
func (b *BroadcastSupervisor) reconcile(viewers []domain.ViewerID) {
	if b.halted {
		return
	}
	current := make(map[domain.ViewerID]struct{}, len(viewers))
	for _, viewer := range viewers {
		current[viewer] = struct{}{}
	}

	for viewer := range b.viewers {
		if _, ok := current[viewer]; ok {
			continue
		}
		b.logger.Infow("viewer left", "viewer_id", viewer)
		b.closeSession(string(viewer), "viewer registration removed")
		b.resetRetry(string(viewer))
		b.deletePairPaths(b.exchange(viewer))
	}
	b.viewers = current

	for viewer := range current {
		if b.live(string(viewer)) || b.pending(string(viewer)) {
			continue
		}
		b.connect(viewer)
	}
}

func (b *BroadcastSupervisor) exchange(viewer domain.ViewerID) domain.Exchange {
	return domain.BroadcastExchange(b.identity.ExamID, b.identity.ParticipantID, viewer, domain.RoleOfferer)
}

func (b *BroadcastSupervisor) connect(viewer domain.ViewerID) {
	ex := b.exchange(viewer)
	b.closeSession(string(viewer), "replaced by a fresh session")
	b.deletePairPaths(ex)

	_, err := b.startSession(sessionConfig{
		RemoteID:    string(viewer),
		Role:        domain.RoleOfferer,
		Exchange:    ex,
		LocalTracks: b.tracks,
	}, b.hooks(b.onExhausted, nil))
	if err != nil {
		b.logger.Warnw("failed to start viewer session", "viewer_id", viewer, "error", err)
		b.scheduleRetry(string(viewer), func() { b.reconnect(viewer) })
		return
	}
	b.logger.Infow("viewer session started", "viewer_id", viewer)
}

func (b *BroadcastSupervisor) reconnect(viewer domain.ViewerID) {
	if _, ok := b.viewers[viewer]; !ok || b.live(string(viewer)) {
		return
	}
	b.connect(viewer)
}

func (b *BroadcastSupervisor) onExhausted(s *PeerSession) {
	viewer := domain.ViewerID(s.RemoteID())
	b.scheduleRetry(s.RemoteID(), func() { b.reconnect(viewer) })
}

// Retry resets the attempt counter of an exhausted viewer and reconnects it.
func (b *BroadcastSupervisor) Retry(ctx context.Context, viewerID string) error {
	return b.retryNow(ctx, viewerID, func(id string) bool {
		_, ok := b.viewers[domain.ViewerID(id)]
		return ok
	}, func(id string) { b.reconnect(domain.ViewerID(id)) })
}

// Stop closes every session, withdraws the broadcast and releases the capture tracks.
// It is safe to call more than once.
func (b *BroadcastSupervisor) Stop(ctx context.Context) error {
	if !b.end() {
		return nil
	}

	var tracks []localAttachment
	err := b.halt(ctx, func() {
		tracks = b.tracks
		b.tracks = nil
		b.viewers = make(map[domain.ViewerID]struct{})
	})

	withdrawCtx, cancel := context.WithTimeout(context.Background(), channelOpTimeout)
	defer cancel()
	if werr := b.registration.Withdraw(withdrawCtx, b.identity.ExamID, b.identity.ParticipantID); werr != nil {
		b.logger.Warnw("failed to withdraw broadcast", "error", werr)
		if err == nil {
			err = werr
		}
	}

	stopTracks(tracks, b.logger)
	b.logger.Infow("broadcast stopped")
	return err
}

// ViewerSupervisor runs the admin dashboard: one answerer session per watched live
// broadcaster, each under a freshly minted viewer id.
type ViewerSupervisor struct {
	*supervisor

	watched map[domain.ParticipantID]*watchState
	// newViewerID mints the registration id of every fresh session.
	newViewerID func() domain.ViewerID
}

type watchState struct {
	active bool
	viewer domain.ViewerID
	unsub  func()
	auto   bool
}

func NewViewerSupervisor(identity domain.Identity, cfg SupervisorConfig, deps Dependencies) *ViewerSupervisor {
	return &ViewerSupervisor{
		supervisor:  newSupervisor(SideViewer, identity, cfg, deps),
		watched:     make(map[domain.ParticipantID]*watchState),
		newViewerID: func() domain.ViewerID { return domain.ViewerID(utils.GenerateViewerID()) },
	}
}

func (v *ViewerSupervisor) Start(ctx context.Context) error {
	if err := v.begin(); err != nil {
		return err
	}
	if !v.cfg.AutoWatch {
		return nil
	}

	unsub, err := v.presence.WatchBroadcasters(ctx, v.identity.ExamID, func(live []domain.ParticipantID) {
		v.loop.Post(func() { v.follow(live) })
	})
	if err != nil {
		return fmt.Errorf("watch broadcasters: %w", err)
	}
	v.track(unsub)
	return nil
}

// follow keeps the automatic watch set equal to the live broadcasters.
func (v *ViewerSupervisor) follow(live []domain.ParticipantID) {
	if v.halted {
		return
	}
	current := make(map[domain.ParticipantID]struct{}, len(live))
	for _, id := range live {
		current[id] = struct{}{}
		if _, ok := v.watched[id]; !ok {
			if err := v.watch(id, true); err != nil {
				v.logger.Warnw("failed to watch broadcaster", "broadcaster_id", id, "error", err)
			}
		}
	}
	for id, state := range v.watched {
		if _, ok := current[id]; !ok && state.auto {
			v.unwatch(id)
		}
	}
}

// Watch starts following a broadcaster. A session is opened whenever it is live.
func (v *ViewerSupervisor) Watch(ctx context.Context, broadcaster domain.ParticipantID) error {
	var err error
	if callErr := v.loop.Call(ctx, func() {
		if v.halted {
			err = domain.ErrSupervisorStopped
			return
		}
		err = v.watch(broadcaster, false)
	}); callErr != nil {
		return callErr
	}
	return err
}

func (v *ViewerSupervisor) watch(broadcaster domain.ParticipantID, auto bool) error {
	if state, ok := v.watched[broadcaster]; ok {
		state.auto = state.auto && auto
		return nil
	}
	state := &watchState{auto: auto}
	v.watched[broadcaster] = state

	ctx, cancel := v.opContext()
	defer cancel()
	unsub, err := v.presence.WatchBroadcaster(ctx, v.identity.ExamID, broadcaster, func(active bool) {
		v.loop.Post(func() {
			if v.watched[broadcaster] != state {
				return
			}
			v.onBroadcaster(broadcaster, state, active)
		})
	})
	if err != nil {
		delete(v.watched, broadcaster)
		return fmt.Errorf("watch broadcaster %s: %w", broadcaster, err)
	}
	state.unsub = unsub
	v.logger.Infow("watching broadcaster", "broadcaster_id", broadcaster)
	return nil
}

// Unwatch stops following a broadcaster and withdraws the viewer registration.
func (v *ViewerSupervisor) Unwatch(ctx context.Context, broadcaster domain.ParticipantID) error {
	var err error
	if callErr := v.loop.Call(ctx, func() {
		if _, ok := v.watched[broadcaster]; !ok {
			err = fmt.Errorf("%w: %s", domain.ErrNotWatching, broadcaster)
			return
		}
		v.unwatch(broadcaster)
	}); callErr != nil {
		return callErr
	}
	return err
}

func (v *ViewerSupervisor) unwatch(broadcaster domain.ParticipantID) {
	state := v.watched[broadcaster]
	delete(v.watched, broadcaster)
	if state.unsub != nil {
		state.unsub()
	}
	v.disconnect(broadcaster, state, "broadcaster unwatched")
	v.resetRetry(string(broadcaster))
	v.logger.Infow("stopped watching broadcaster", "broadcaster_id", broadcaster)
}

func (v *ViewerSupervisor) onBroadcaster(broadcaster domain.ParticipantID, state *watchState, active bool) {
	state.active = active
	if !active {
		v.logger.Infow("broadcaster offline", "broadcaster_id", broadcaster)
		v.disconnect(broadcaster, state, "broadcaster offline")
		v.resetRetry(string(broadcaster))
		return
	}
	if v.live(string(broadcaster)) || v.pending(string(broadcaster)) {
		return
	}
	v.connect(broadcaster, state, v.newViewerID())
}

// connect opens an answerer session for the broadcaster under viewer and registers it.
func (v *ViewerSupervisor) connect(broadcaster domain.ParticipantID, state *watchState, viewer domain.ViewerID) {
	state.viewer = viewer
	_, err := v.startSession(sessionConfig{
		RemoteID: string(broadcaster),
		Role:     domain.RoleAnswerer,
		Exchange: domain.BroadcastExchange(v.identity.ExamID, broadcaster, viewer, domain.RoleAnswerer),
		Router:   NewTrackRouter(string(broadcaster), v.deps.Renderer, v.logger),
	}, v.hooks(v.onExhausted, v.onReplaced))
	if err == nil {
		ctx, cancel := v.opContext()
		err = v.presence.RegisterViewer(ctx, v.identity.ExamID, broadcaster, viewer)
		cancel()
		if err != nil {
			v.closeSession(string(broadcaster), "viewer registration failed")
		}
	}
	if err != nil {
		v.logger.Warnw("failed to open broadcaster session", "broadcaster_id", broadcaster, "viewer_id", viewer, "error", err)
		v.withdrawViewer(broadcaster, viewer)
		state.viewer = ""
		v.scheduleRetry(string(broadcaster), func() { v.reconnect(broadcaster) })
		return
	}
	v.logger.Infow("viewer registered", "broadcaster_id", broadcaster, "viewer_id", viewer)
}

func (v *ViewerSupervisor) reconnect(broadcaster domain.ParticipantID) {
	state, ok := v.watched[broadcaster]
	if !ok || !state.active || v.live(string(broadcaster)) {
		return
	}
	v.connect(broadcaster, state, v.newViewerID())
}

func (v *ViewerSupervisor) disconnect(broadcaster domain.ParticipantID, state *watchState, reason string) {
	v.closeSession(string(broadcaster), reason)
	if state.viewer != "" {
		v.withdrawViewer(broadcaster, state.viewer)
		state.viewer = ""
	}
}

func (v *ViewerSupervisor) withdrawViewer(broadcaster domain.ParticipantID, viewer domain.ViewerID) {
	ctx, cancel := v.opContext()
	defer cancel()
	if err := v.presence.WithdrawViewer(ctx, v.identity.ExamID, broadcaster, viewer); err != nil {
		v.deps.Metrics.ChannelError("delete")
		v.logger.Warnw("failed to withdraw viewer registration", "broadcaster_id", broadcaster, "viewer_id", viewer, "error", err)
	}
}

// onExhausted drops the spent registration; the retry registers a fresh viewer id.
func (v *ViewerSupervisor) onExhausted(s *PeerSession) {
	broadcaster := domain.ParticipantID(s.RemoteID())
	if state, ok := v.watched[broadcaster]; ok && state.viewer != "" {
		v.withdrawViewer(broadcaster, state.viewer)
		state.viewer = ""
	}
	v.scheduleRetry(s.RemoteID(), func() { v.reconnect(broadcaster) })
}

// onReplaced answers a new offerer instance under the same registration.
func (v *ViewerSupervisor) onReplaced(s *PeerSession, generation string) {
	broadcaster := domain.ParticipantID(s.RemoteID())
	state, ok := v.watched[broadcaster]
	if !ok || state.viewer == "" {
		return
	}
	v.logger.Infow("broadcaster session replaced", "broadcaster_id", broadcaster, "generation", generation)
	_, err := v.startSession(sessionConfig{
		RemoteID: s.RemoteID(),
		Role:     domain.RoleAnswerer,
		Exchange: s.Exchange(),
		Router:   NewTrackRouter(s.RemoteID(), v.deps.Renderer, v.logger),
	}, v.hooks(v.onExhausted, v.onReplaced))
	if err != nil {
		v.logger.Warnw("failed to answer replaced broadcaster session", "broadcaster_id", broadcaster, "error", err)
		v.withdrawViewer(broadcaster, state.viewer)
		state.viewer = ""
		v.scheduleRetry(s.RemoteID(), func() { v.reconnect(broadcaster) })
	}
}

// Retry resets an exhausted broadcaster and reconnects it with a fresh viewer id.
func (v *ViewerSupervisor) Retry(ctx context.Context, broadcaster string) error {
	return v.retryNow(ctx, broadcaster, func(id string) bool {
		_, ok := v.watched[domain.ParticipantID(id)]
		return ok
	}, func(id string) { v.reconnect(domain.ParticipantID(id)) })
}

// Watched lists the broadcasters being followed.
func (v *ViewerSupervisor) Watched(ctx context.Context) ([]domain.ParticipantID, error) {
	var out []domain.ParticipantID
	err := v.loop.Call(ctx, func() {
		for id := range v.watched {
			out = append(out, id)
		}
	})
	sortParticipants(out)
	return out, err
}

// Stop closes every session and withdraws every viewer registration.
func (v *ViewerSupervisor) Stop(ctx context.Context) error {
	if !v.end() {
		return nil
	}
	err := v.halt(ctx, func() {
		for id, state := range v.watched {
			if state.unsub != nil {
				state.unsub()
			}
			if state.viewer != "" {
				v.withdrawViewer(id, state.viewer)
			}
			delete(v.watched, id)
		}
	})
	v.logger.Infow("viewer supervisor stopped")
	return err
}

func stopTracks(tracks []localAttachment, logger *zap.SugaredLogger) {
	for _, local := range tracks {
		if err := local.track.Stop(); err != nil {
			logger.Warnw("failed to stop capture track", "kind", local.track.Kind(), "error", err)
		}
	}
}

func sortParticipants(ids []domain.ParticipantID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
