package webrtc

import (
	"context"
	"fmt"
	"time"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/ports"
	"proctornet/pkg/tracing"
	"proctornet/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const channelOpTimeout = 10 * time.Second

type localAttachment struct {
	track ports.LocalTrack
	role  domain.TrackRole
}

// sessionHooks are invoked from inside the owning supervisor's event loop.
type sessionHooks struct {
	onStateChange func(*PeerSession, domain.SessionState)
	onTrack       func(*PeerSession, domain.TrackAssignment)
	// onExhausted fires after the session closed itself because in-place recovery failed.
	onExhausted func(*PeerSession)
	// onReplaced fires on an answerer that saw an offer from a different offerer instance.
	onReplaced func(*PeerSession, string)
}

type sessionConfig struct {
	Exam         domain.ExamID
	LocalID      domain.ParticipantID
	RemoteID     string
	Side         string
	Role         domain.NegotiationRole
	Exchange     domain.Exchange
	Attempt      int
	GracePeriod  time.Duration
	RecoveryWait time.Duration
	LocalTracks  []localAttachment
	Router       *TrackRouter
}

type pendingWrite struct {
	path   string
	value  []byte
	delete bool
}

// PeerSession is one negotiated media connection to one remote partner. All of its
// methods must run inside the owning supervisor's event loop.
type PeerSession struct {
	cfg     sessionConfig
	ctx     context.Context
	channel ports.SignalingChannel
	factory ports.PeerConnectionFactory
	metrics ports.SessionMetrics
	loop    *eventLoop
	hooks   sessionHooks
	logger  *zap.SugaredLogger

	pc             ports.PeerConnection
	state          domain.SessionState
	iceState       webrtc.ICEConnectionState
	gatheringState webrtc.ICEGathererState
	generation     string

	// offerTimestamp is the last offer this session published (offerer) or applied (answerer).
	offerTimestamp int64
	remoteDescSet  bool
	// remoteUfrag and localUfrag are the ICE credentials of the descriptions in
	// place. Empty means the description did not name one.
	remoteUfrag string
	localUfrag  string
	// retired holds remote ufrags replaced by an ICE restart.
	retired          map[string]struct{}
	restartAttempted bool
	everConnected    bool
	closed           bool

	descriptionsPublished int
	candidatesSent        int
	candidatesReceived    int

	pending candidateQueue
	seen    map[string]struct{}
	outbox  []pendingWrite
	unsubs  []func()

	graceTimer    *time.Timer
	recoveryTimer *time.Timer
	stamp         utils.MonotonicStamp

	createdAt time.Time
	updatedAt time.Time
}

func newPeerSession(
	ctx context.Context,
	cfg sessionConfig,
	channel ports.SignalingChannel,
	factory ports.PeerConnectionFactory,
	metrics ports.SessionMetrics,
	loop *eventLoop,
	hooks sessionHooks,
	logger *zap.SugaredLogger,
) *PeerSession {
	s := &PeerSession{
		cfg:            cfg,
		ctx:            ctx,
		channel:        channel,
		factory:        factory,
		metrics:        metrics,
		loop:           loop,
		hooks:          hooks,
		state:          domain.StateNew,
		iceState:       webrtc.ICEConnectionStateNew,
		gatheringState: webrtc.ICEGathererStateNew,
		seen:           make(map[string]struct{}),
		retired:        make(map[string]struct{}),
		createdAt:      time.Now(),
		updatedAt:      time.Now(),
		logger: logger.With(
			"remote_id", cfg.RemoteID,
			"side", cfg.Side,
			"attempt", cfg.Attempt,
		),
	}
	if cfg.Role == domain.RoleOfferer {
		s.generation = utils.GenerateGeneration()
	}
	return s
}

func (s *PeerSession) RemoteID() string             { return s.cfg.RemoteID }
func (s *PeerSession) State() domain.SessionState   { return s.state }
func (s *PeerSession) Closed() bool                 { return s.closed }
func (s *PeerSession) Generation() string           { return s.generation }
func (s *PeerSession) Exchange() domain.Exchange    { return s.cfg.Exchange }
func (s *PeerSession) EverConnected() bool          { return s.everConnected }
func (s *PeerSession) Role() domain.NegotiationRole { return s.cfg.Role }

// Start creates the peer connection, attaches local tracks, subscribes to the
// counterpart's records and, for the offerer, publishes the first offer.
func (s *PeerSession) Start() error {
	pc, err := s.factory.NewPeerConnection()
	if err != nil {
		s.Close("peer connection unavailable")
		return fmt.Errorf("create peer connection: %w", err)
	}
	s.pc = pc
	s.wireCallbacks()
	s.metrics.SessionCreated(s.cfg.Side)

	for _, local := range s.cfg.LocalTracks {
		if _, err := pc.AddTrack(local.track.Track()); err != nil {
			s.Close("attach local track failed")
			return fmt.Errorf("add %s track: %w", local.role, err)
		}
	}

	ex := s.cfg.Exchange
	if ex.PresencePath != "" {
		if err := s.subscribe(ex.PresencePath, domain.DepthValue, s.onPresence); err != nil {
			s.Close("subscribe failed")
			return err
		}
	}
	if err := s.subscribe(ex.RemoteICEPath, domain.DepthChildren, s.onRemoteCandidates); err != nil {
		s.Close("subscribe failed")
		return err
	}

	if s.cfg.Role == domain.RoleAnswerer {
		if err := s.subscribe(ex.OfferPath, domain.DepthValue, s.onOffer); err != nil {
			s.Close("subscribe failed")
			return err
		}
		return nil
	}

	if err := s.subscribe(ex.AnswerPath, domain.DepthValue, s.onAnswer); err != nil {
		s.Close("subscribe failed")
		return err
	}
	if err := s.offer(false); err != nil {
		s.Close("offer failed")
		return err
	}
	return nil
}

func (s *PeerSession) wireCallbacks() {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		s.post(func() { s.onLocalCandidate(c) })
	})
	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.post(func() { s.onConnectionState(state) })
	})
	s.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.post(func() {
			s.iceState = state
			s.updatedAt = time.Now()
		})
	})
	s.pc.OnICEGatheringStateChange(func(state webrtc.ICEGathererState) {
		s.post(func() {
			s.gatheringState = state
			s.updatedAt = time.Now()
		})
	})
	s.pc.OnTrack(func(track ports.RemoteTrack) {
		s.post(func() { s.onRemoteTrack(track) })
	})
}

// post runs fn in the loop unless the session has closed by then.
func (s *PeerSession) post(fn func()) {
	s.loop.Post(func() {
		if s.closed {
			return
		}
		fn()
	})
}

func (s *PeerSession) subscribe(path string, depth domain.Depth, handle func(domain.Snapshot)) error {
	ctx, cancel := context.WithTimeout(s.ctx, channelOpTimeout)
	defer cancel()

	unsub, err := s.channel.Subscribe(ctx, path, func(snap domain.Snapshot) {
		s.post(func() { handle(snap) })
	}, domain.WithDepth(depth))
	if err != nil {
		s.metrics.ChannelError("subscribe")
		return fmt.Errorf("subscribe %s: %w", path, err)
	}
	s.unsubs = append(s.unsubs, unsub)
	return nil
}

func (s *PeerSession) offer(restart bool) error {
	ctx, span := tracing.TraceNegotiation(s.ctx, "offer", s.cfg.Side, s.cfg.RemoteID)
	defer span.End()

	var options *webrtc.OfferOptions
	if restart {
		options = &webrtc.OfferOptions{ICERestart: true}
	}
	desc, err := s.pc.CreateOffer(options)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(desc); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("set local offer: %w", err)
	}
	s.localUfrag = iceUfrag(desc.SDP)
	// Candidates for the new credentials wait for the matching answer.
	s.remoteDescSet = false

	record := domain.OfferRecord{Description: domain.Description{
		SDP:        desc.SDP,
		Type:       desc.Type.String(),
		Timestamp:  s.stamp.Next(),
		Generation: s.generation,
		Restart:    restart,
		TrackRoles: s.trackRoles(),
	}}
	value, err := domain.Encode(record)
	if err != nil {
		return err
	}
	s.offerTimestamp = record.Timestamp
	if s.state == domain.StateNew {
		s.setState(domain.StateNegotiating)
	}

	s.write(s.cfg.Exchange.OfferPath, value)
	s.descriptionsPublished++
	s.logger.Infow("offer published", "generation", s.generation, "restart", restart)
	return nil
}

func (s *PeerSession) trackRoles() map[string]domain.TrackRole {
	if len(s.cfg.LocalTracks) == 0 {
		return nil
	}
	roles := make(map[string]domain.TrackRole, len(s.cfg.LocalTracks))
	for _, local := range s.cfg.LocalTracks {
		roles[local.track.Track().ID()] = local.role
	}
	return roles
}

func (s *PeerSession) onAnswer(snap domain.Snapshot) {
	raw, ok := snap.Value()
	if !ok {
		return
	}
	answer, err := domain.Decode[domain.AnswerRecord](raw)
	if err != nil {
		s.logger.Warnw("dropping malformed answer", "error", err)
		return
	}
	if answer.Generation != s.generation || answer.Timestamp != s.offerTimestamp {
		s.logger.Debugw("ignoring stale answer", "generation", answer.Generation, "timestamp", answer.Timestamp)
		return
	}
	if state := s.pc.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		s.logger.Debugw("ignoring answer outside have-local-offer", "signaling_state", state.String())
		return
	}

	ctx, span := tracing.TraceNegotiation(s.ctx, "apply_answer", s.cfg.Side, s.cfg.RemoteID)
	defer span.End()

	err = s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
	if err != nil {
		tracing.RecordError(ctx, err)
		s.logger.Warnw("failed to apply answer", "error", fmt.Errorf("%w: %v", domain.ErrStaleDescription, err))
		return
	}
	s.setRemoteUfrag(iceUfrag(answer.SDP))
	s.remoteDescSet = true
	s.drainCandidates()
}

// setRemoteUfrag retires the previous remote credentials when a restart replaced them.
func (s *PeerSession) setRemoteUfrag(ufrag string) {
	if s.remoteUfrag != "" && s.remoteUfrag != ufrag {
		s.retired[s.remoteUfrag] = struct{}{}
	}
	s.remoteUfrag = ufrag
}

func (s *PeerSession) onOffer(snap domain.Snapshot) {
	raw, ok := snap.Value()
	if !ok {
		return
	}
	offer, err := domain.Decode[domain.OfferRecord](raw)
	if err != nil {
		s.logger.Warnw("dropping malformed offer", "error", err)
		return
	}

	if s.generation != "" && offer.Generation != s.generation {
		s.logger.Infow("offer from a new offerer instance", "generation", offer.Generation, "previous_generation", s.generation)
		if s.hooks.onReplaced != nil {
			s.hooks.onReplaced(s, offer.Generation)
		}
		return
	}
	if offer.Timestamp <= s.offerTimestamp {
		return
	}
	if state := s.pc.SignalingState(); state != webrtc.SignalingStateStable {
		s.logger.Warnw("dropping offer", "error", domain.ErrGlare, "signaling_state", state.String())
		return
	}

	ctx, span := tracing.TraceNegotiation(s.ctx, "answer", s.cfg.Side, s.cfg.RemoteID)
	defer span.End()

	if s.cfg.Router != nil {
		s.cfg.Router.SetRoleTags(offer.TrackRoles)
	}
	err = s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP})
	if err != nil {
		tracing.RecordError(ctx, err)
		s.logger.Warnw("failed to apply offer", "error", err)
		return
	}

	desc, err := s.pc.CreateAnswer(nil)
	if err != nil {
		err = fmt.Errorf("create answer: %w", err)
	} else if err = s.pc.SetLocalDescription(desc); err != nil {
		err = fmt.Errorf("set local answer: %w", err)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		s.rollbackOffer(err)
		return
	}

	// Nothing about the offer is recorded until it is answered.
	s.generation = offer.Generation
	s.offerTimestamp = offer.Timestamp
	s.localUfrag = iceUfrag(desc.SDP)
	s.setRemoteUfrag(iceUfrag(offer.SDP))
	s.remoteDescSet = true
	s.drainCandidates()

	value, err := domain.Encode(domain.AnswerRecord{Description: domain.Description{
		SDP:        desc.SDP,
		Type:       desc.Type.String(),
		Timestamp:  offer.Timestamp,
		Generation: s.generation,
	}})
	if err != nil {
		s.logger.Warnw("failed to encode answer", "error", err)
		return
	}
	if s.state == domain.StateNew {
		s.setState(domain.StateNegotiating)
	}
	s.write(s.cfg.Exchange.AnswerPath, value)
	s.descriptionsPublished++
	s.logger.Infow("answer published", "generation", s.generation, "restart", offer.Restart)
}

// rollbackOffer returns the connection to stable after an offer could not be
// answered. A session that has never answered has nothing to return to.
func (s *PeerSession) rollbackOffer(cause error) {
	s.logger.Warnw("failed to answer offer", "error", cause)
	if s.offerTimestamp == 0 {
		s.exhaust("answer failed")
		return
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		s.logger.Warnw("failed to roll back offer", "error", err)
		s.exhaust("answer rollback failed")
	}
}

// onRemoteCandidates walks the counterpart's ICE log in key order, which is publish order.
func (s *PeerSession) onRemoteCandidates(snap domain.Snapshot) {
	present := make(map[string]struct{})
	for _, key := range snap.Children() {
		present[key] = struct{}{}
		if _, done := s.seen[key]; done {
			continue
		}
		raw, ok := snap.Child(key).Value()
		if !ok {
			continue
		}
		s.seen[key] = struct{}{}

		record, err := domain.Decode[domain.CandidateRecord](raw)
		if err != nil {
			s.logger.Warnw("dropping malformed candidate", "key", key, "error", err)
			continue
		}
		if s.generation != "" && record.Generation != s.generation {
			s.logger.Debugw("ignoring candidate from another generation", "key", key, "generation", record.Generation)
			continue
		}

		if s.isRetired(record) {
			s.logger.Debugw("dropping candidate of replaced credentials", "key", key)
			s.remove(domain.JoinPath(s.cfg.Exchange.RemoteICEPath, key))
			continue
		}

		s.candidatesReceived++
		s.metrics.CandidateReceived(s.cfg.Side)
		if !s.matchesRemote(record) {
			s.pending.Push(key, record)
			continue
		}
		s.applyCandidate(key, record)
	}

	// Applied entries are deleted from the log; forget them once they are gone.
	for key := range s.seen {
		if _, ok := present[key]; !ok {
			delete(s.seen, key)
		}
	}
}

// matchesRemote reports whether a candidate belongs to the remote description in
// place. Restart candidates can arrive before the restart offer or answer.
func (s *PeerSession) matchesRemote(record domain.CandidateRecord) bool {
	if !s.remoteDescSet {
		return false
	}
	ufrag := candidateUfrag(record)
	return ufrag == "" || s.remoteUfrag == "" || ufrag == s.remoteUfrag
}

func (s *PeerSession) isRetired(record domain.CandidateRecord) bool {
	_, ok := s.retired[candidateUfrag(record)]
	return ok
}

// drainCandidates applies what the new remote description accepts and keeps
// candidates of credentials not yet seen.
func (s *PeerSession) drainCandidates() {
	for _, p := range s.pending.Drain() {
		switch {
		case p.record.Generation != s.generation:
		case s.isRetired(p.record):
			s.remove(domain.JoinPath(s.cfg.Exchange.RemoteICEPath, p.key))
		case s.matchesRemote(p.record):
			s.applyCandidate(p.key, p.record)
		default:
			s.pending.Push(p.key, p.record)
		}
	}
}

func (s *PeerSession) applyCandidate(key string, record domain.CandidateRecord) {
	err := s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        record.Candidate,
		SDPMid:           record.SDPMid,
		SDPMLineIndex:    record.SDPMLineIndex,
		UsernameFragment: record.UsernameFragment,
	})
	if err != nil {
		s.logger.Warnw("failed to add remote candidate", "key", key, "error", err)
	}
	s.remove(domain.JoinPath(s.cfg.Exchange.RemoteICEPath, key))
}

func (s *PeerSession) onLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	if (init.UsernameFragment == nil || *init.UsernameFragment == "") && s.localUfrag != "" {
		ufrag := s.localUfrag
		init.UsernameFragment = &ufrag
	}
	value, err := domain.Encode(domain.CandidateRecord{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
		Generation:       s.generation,
	})
	if err != nil {
		s.logger.Warnw("dropping local candidate", "error", err)
		return
	}
	s.candidatesSent++
	s.metrics.CandidateSent(s.cfg.Side)
	s.write(domain.JoinPath(s.cfg.Exchange.LocalICEPath, domain.CandidateKey(s.stamp.Next())), value)
}

func (s *PeerSession) onRemoteTrack(track ports.RemoteTrack) {
	if s.cfg.Router == nil {
		s.logger.Warnw("ignoring inbound track on send-only session", "track_id", track.ID())
		return
	}
	assignment, err := s.cfg.Router.Route(s.ctx, track)
	if err != nil {
		s.logger.Warnw("failed to bind track", "track_id", track.ID(), "error", err)
	}
	s.logger.Infow("track routed", "track_id", track.ID(), "kind", track.Kind(), "role", assignment.Role)
	if s.hooks.onTrack != nil {
		s.hooks.onTrack(s, assignment)
	}
}

func (s *PeerSession) onConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		stopTimer(&s.graceTimer)
		stopTimer(&s.recoveryTimer)
		if !s.everConnected {
			s.everConnected = true
			s.metrics.SessionConnected(s.cfg.Side, time.Since(s.createdAt).Seconds())
		}
		s.setState(domain.StateConnected)

	case webrtc.PeerConnectionStateDisconnected:
		if s.state != domain.StateConnected {
			return
		}
		s.setState(domain.StateDisconnected)
		s.graceTimer = s.loop.AfterFunc(s.cfg.GracePeriod, func() {
			if !s.closed && s.state == domain.StateDisconnected {
				s.fail()
			}
		})

	case webrtc.PeerConnectionStateFailed:
		s.fail()
	}
}

// fail moves the session to FAILED and spends its single in-place recovery: the
// offerer restarts ICE, the answerer waits for that restart offer.
func (s *PeerSession) fail() {
	if s.closed || s.state == domain.StateFailed {
		return
	}
	stopTimer(&s.graceTimer)
	s.setState(domain.StateFailed)
	s.metrics.SessionFailed(s.cfg.Side)

	if s.restartAttempted {
		s.exhaust("recovery already attempted")
		return
	}
	s.restartAttempted = true
	s.recoveryTimer = s.loop.AfterFunc(s.cfg.RecoveryWait, func() {
		if !s.closed && s.state != domain.StateConnected {
			s.exhaust("recovery wait elapsed")
		}
	})

	if s.cfg.Role == domain.RoleOfferer {
		s.metrics.ICERestart(s.cfg.Side)
		if err := s.offer(true); err != nil {
			s.logger.Warnw("ice restart failed", "error", err)
			s.exhaust("ice restart failed")
		}
	}
}

func (s *PeerSession) exhaust(reason string) {
	if s.closed {
		return
	}
	s.Close(reason)
	if s.hooks.onExhausted != nil {
		s.hooks.onExhausted(s)
	}
}

func (s *PeerSession) onPresence(snap domain.Snapshot) {
	raw, ok := snap.Value()
	if !ok {
		s.Close("counterpart presence removed")
		return
	}

	var active bool
	var err error
	switch s.cfg.Exchange.PresenceKind {
	case domain.KindBroadcaster:
		var record domain.BroadcasterRecord
		record, err = domain.Decode[domain.BroadcasterRecord](raw)
		active = record.Active
	case domain.KindVoice:
		var record domain.VoiceRecord
		record, err = domain.Decode[domain.VoiceRecord](raw)
		active = record.Active
	default:
		_, err = domain.Decode[domain.ViewerRecord](raw)
		active = true
	}
	if err != nil {
		s.logger.Warnw("ignoring malformed presence record", "error", err)
		return
	}
	if !active {
		s.Close("counterpart inactive")
	}
}

// write publishes a value. Failed writes wait in the outbox and are retried, in
// order, before the next mutation.
func (s *PeerSession) write(path string, value []byte) {
	s.enqueue(pendingWrite{path: path, value: value})
}

func (s *PeerSession) remove(path string) {
	s.enqueue(pendingWrite{path: path, delete: true})
}

func (s *PeerSession) enqueue(w pendingWrite) {
	s.outbox = append(s.outbox, w)
	s.flushOutbox()
}

func (s *PeerSession) flushOutbox() {
	for len(s.outbox) > 0 {
		w := s.outbox[0]
		ctx, cancel := context.WithTimeout(s.ctx, channelOpTimeout)
		var err error
		if w.delete {
			err = s.channel.Delete(ctx, w.path)
		} else {
			err = s.channel.Write(ctx, w.path, w.value)
		}
		cancel()

		if err != nil {
			op := "write"
			if w.delete {
				op = "delete"
			}
			s.metrics.ChannelError(op)
			s.logger.Warnw("signaling operation failed, will retry", "operation", op, "path", w.path, "pending", len(s.outbox), "error", err)
			return
		}
		s.outbox[0] = pendingWrite{}
		s.outbox = s.outbox[1:]
	}
}

// Close is terminal and idempotent. Subscriptions are released before any local
// state is torn down so no late notification can observe a half-closed session.
func (s *PeerSession) Close(reason string) {
	if s.closed {
		return
	}
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	stopTimer(&s.graceTimer)
	stopTimer(&s.recoveryTimer)

	s.closed = true
	s.pending.Drain()
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.logger.Debugw("peer connection close error", "error", err)
		}
	}
	if s.cfg.Router != nil {
		s.cfg.Router.ReleaseAll()
	}
	if s.pc != nil {
		s.metrics.SessionClosed(s.cfg.Side, s.everConnected)
	}
	s.logger.Infow("peer session closed", "reason", reason, "state", s.state)
	s.setState(domain.StateClosed)
}

func (s *PeerSession) setState(state domain.SessionState) {
	if s.state == state {
		return
	}
	s.state = state
	s.updatedAt = time.Now()
	if s.hooks.onStateChange != nil {
		s.hooks.onStateChange(s, state)
	}
}

func (s *PeerSession) Diagnostics() domain.SessionDiagnostics {
	signaling := webrtc.SignalingStateClosed.String()
	if s.pc != nil && !s.closed {
		signaling = s.pc.SignalingState().String()
	}
	return domain.SessionDiagnostics{
		RemoteID:              s.cfg.RemoteID,
		Role:                  s.cfg.Role,
		State:                 s.state,
		ICEState:              s.iceState.String(),
		GatheringState:        s.gatheringState.String(),
		SignalingState:        signaling,
		DescriptionsPublished: s.descriptionsPublished,
		CandidatesSent:        s.candidatesSent,
		CandidatesReceived:    s.candidatesReceived,
		RestartAttempted:      s.restartAttempted,
		Attempt:               s.cfg.Attempt,
		Generation:            s.generation,
		UpdatedAt:             s.updatedAt,
	}
}

func stopTimer(timer **time.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}
