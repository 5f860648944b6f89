package webrtc

import (
	"context"
	"fmt"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/ports"
)

// VoiceAdminSupervisor lets an admin speak to students. One microphone track is
// shared by every session and is owned here.
type VoiceAdminSupervisor struct {
	*supervisor

	mic      ports.LocalTrack
	speaking map[domain.ParticipantID]struct{}
}

func NewVoiceAdminSupervisor(identity domain.Identity, cfg SupervisorConfig, deps Dependencies) *VoiceAdminSupervisor {
	return &VoiceAdminSupervisor{
		supervisor: newSupervisor(SideVoiceAdmin, identity, cfg, deps),
		speaking:   make(map[domain.ParticipantID]struct{}),
	}
}

func (a *VoiceAdminSupervisor) Start(ctx context.Context) error {
	return a.begin()
}

// Speak registers the admin on the student's voice namespace and opens an offerer
// session carrying the microphone. Speaking to a student twice is a no-op.
func (a *VoiceAdminSupervisor) Speak(ctx context.Context, student domain.ParticipantID) error {
	var err error
	if callErr := a.loop.Call(ctx, func() {
		if a.halted {
			err = domain.ErrSupervisorStopped
			return
		}
		err = a.speak(student)
	}); callErr != nil {
		return callErr
	}
	return err
}

func (a *VoiceAdminSupervisor) speak(student domain.ParticipantID) error {
	if _, ok := a.speaking[student]; ok {
		return nil
	}
	if a.mic == nil {
		mic, err := a.deps.Capture.Acquire(domain.CaptureMicrophone)
		if err != nil {
			return a.capabilityError(domain.CaptureMicrophone, err)
		}
		a.mic = mic
	}

	ctx, cancel := a.opContext()
	err := a.presence.RegisterVoice(ctx, a.identity.ExamID, student, a.identity.ParticipantID)
	cancel()
	if err != nil {
		a.releaseMicIfIdle()
		return fmt.Errorf("register voice for %s: %w", student, err)
	}

	a.speaking[student] = struct{}{}
	a.logger.Infow("speaking to student", "student_id", student)
	a.connect(student)
	return nil
}

func (a *VoiceAdminSupervisor) exchange(student domain.ParticipantID) domain.Exchange {
	return domain.VoiceExchange(a.identity.ExamID, student, a.identity.ParticipantID, domain.RoleOfferer)
}

func (a *VoiceAdminSupervisor) connect(student domain.ParticipantID) {
	ex := a.exchange(student)
	a.closeSession(string(student), "replaced by a fresh session")
	a.deletePairPaths(ex)

	_, err := a.startSession(sessionConfig{
		RemoteID:    string(student),
		Role:        domain.RoleOfferer,
		Exchange:    ex,
		LocalTracks: []localAttachment{{track: a.mic, role: domain.TrackRoleVoice}},
	}, a.hooks(a.onExhausted, nil))
	if err != nil {
		a.logger.Warnw("failed to start voice session", "student_id", student, "error", err)
		a.scheduleRetry(string(student), func() { a.reconnect(student) })
	}
}

func (a *VoiceAdminSupervisor) reconnect(student domain.ParticipantID) {
	if _, ok := a.speaking[student]; !ok || a.live(string(student)) {
		return
	}
	a.connect(student)
}

func (a *VoiceAdminSupervisor) onExhausted(s *PeerSession) {
	student := domain.ParticipantID(s.RemoteID())
	a.scheduleRetry(s.RemoteID(), func() { a.reconnect(student) })
}

// Mute closes the session to the student and deletes the admin's registration and
// every signaling sub-path of the pair.
func (a *VoiceAdminSupervisor) Mute(ctx context.Context, student domain.ParticipantID) error {
	var err error
	if callErr := a.loop.Call(ctx, func() {
		if _, ok := a.speaking[student]; !ok {
			err = fmt.Errorf("%w: %s", domain.ErrNotWatching, student)
			return
		}
		err = a.mute(student)
	}); callErr != nil {
		return callErr
	}
	return err
}

func (a *VoiceAdminSupervisor) mute(student domain.ParticipantID) error {
	delete(a.speaking, student)
	a.closeSession(string(student), "muted")
	a.resetRetry(string(student))
	a.releaseMicIfIdle()

	ctx, cancel := a.opContext()
	defer cancel()
	if err := a.presence.WithdrawVoice(ctx, a.identity.ExamID, student, a.identity.ParticipantID); err != nil {
		a.deps.Metrics.ChannelError("delete")
		return fmt.Errorf("withdraw voice for %s: %w", student, err)
	}
	a.logger.Infow("muted student", "student_id", student)
	return nil
}

// releaseMicIfIdle stops the microphone once no student is being spoken to.
func (a *VoiceAdminSupervisor) releaseMicIfIdle() {
	if len(a.speaking) > 0 || a.mic == nil {
		return
	}
	stopTracks([]localAttachment{{track: a.mic, role: domain.TrackRoleVoice}}, a.logger)
	a.mic = nil
}

// Speaking lists the students the admin is currently speaking to.
func (a *VoiceAdminSupervisor) Speaking(ctx context.Context) ([]domain.ParticipantID, error) {
	var out []domain.ParticipantID
	err := a.loop.Call(ctx, func() {
		for id := range a.speaking {
			out = append(out, id)
		}
	})
	sortParticipants(out)
	return out, err
}

func (a *VoiceAdminSupervisor) Retry(ctx context.Context, student string) error {
	return a.retryNow(ctx, student, func(id string) bool {
		_, ok := a.speaking[domain.ParticipantID(id)]
		return ok
	}, func(id string) { a.reconnect(domain.ParticipantID(id)) })
}

// Stop mutes every student and stops the microphone.
func (a *VoiceAdminSupervisor) Stop(ctx context.Context) error {
	if !a.end() {
		return nil
	}
	err := a.halt(ctx, func() {
		for student := range a.speaking {
			if merr := a.mute(student); merr != nil {
				a.logger.Warnw("failed to mute on stop", "student_id", student, "error", merr)
			}
		}
		a.releaseMicIfIdle()
	})
	a.logger.Infow("voice admin supervisor stopped")
	return err
}

// VoiceStudentSupervisor plays every admin that speaks to the student. Each admin
// gets its own answerer session and all of them feed the one playback renderer.
type VoiceStudentSupervisor struct {
	*supervisor

	admins map[domain.ParticipantID]struct{}
}

func NewVoiceStudentSupervisor(identity domain.Identity, cfg SupervisorConfig, deps Dependencies) *VoiceStudentSupervisor {
	return &VoiceStudentSupervisor{
		supervisor: newSupervisor(SideVoiceListen, identity, cfg, deps),
		admins:     make(map[domain.ParticipantID]struct{}),
	}
}

func (st *VoiceStudentSupervisor) Start(ctx context.Context) error {
	if err := st.begin(); err != nil {
		return err
	}
	unsub, err := st.presence.WatchVoiceAdmins(ctx, st.identity.ExamID, st.identity.ParticipantID, func(admins []domain.ParticipantID) {
		st.loop.Post(func() { st.reconcile(admins) })
	})
	if err != nil {
		return fmt.Errorf("watch voice admins: %w", err)
	}
	st.track(unsub)
	return nil
}

func (st *VoiceStudentSupervisor) reconcile(admins []domain.ParticipantID) {
	if st.halted {
		return
	}
	current := make(map[domain.ParticipantID]struct{}, len(admins))
	for _, admin := range admins {
		current[admin] = struct{}{}
	}

	for admin := range st.admins {
		if _, ok := current[admin]; ok {
			continue
		}
		st.logger.Infow("admin stopped speaking", "admin_id", admin)
		st.closeSession(string(admin), "admin muted")
		st.resetRetry(string(admin))
	}
	st.admins = current

	for admin := range current {
		if st.live(string(admin)) || st.pending(string(admin)) {
			continue
		}
		st.connect(admin)
	}
}

func (st *VoiceStudentSupervisor) connect(admin domain.ParticipantID) {
	st.startAnswerer(admin, domain.VoiceExchange(st.identity.ExamID, st.identity.ParticipantID, admin, domain.RoleAnswerer))
}

func (st *VoiceStudentSupervisor) startAnswerer(admin domain.ParticipantID, ex domain.Exchange) {
	_, err := st.startSession(sessionConfig{
		RemoteID: string(admin),
		Role:     domain.RoleAnswerer,
		Exchange: ex,
		Router:   NewTrackRouter(string(admin), st.deps.Renderer, st.logger),
	}, st.hooks(st.onExhausted, st.onReplaced))
	if err != nil {
		st.logger.Warnw("failed to start voice session", "admin_id", admin, "error", err)
		st.scheduleRetry(string(admin), func() { st.reconnect(admin) })
		return
	}
	st.logger.Infow("listening to admin", "admin_id", admin)
}

func (st *VoiceStudentSupervisor) reconnect(admin domain.ParticipantID) {
	if _, ok := st.admins[admin]; !ok || st.live(string(admin)) {
		return
	}
	st.connect(admin)
}

func (st *VoiceStudentSupervisor) onExhausted(s *PeerSession) {
	admin := domain.ParticipantID(s.RemoteID())
	st.scheduleRetry(s.RemoteID(), func() { st.reconnect(admin) })
}

func (st *VoiceStudentSupervisor) onReplaced(s *PeerSession, generation string) {
	admin := domain.ParticipantID(s.RemoteID())
	if _, ok := st.admins[admin]; !ok {
		return
	}
	st.logger.Infow("admin session replaced", "admin_id", admin, "generation", generation)
	st.startAnswerer(admin, s.Exchange())
}

func (st *VoiceStudentSupervisor) Retry(ctx context.Context, admin string) error {
	return st.retryNow(ctx, admin, func(id string) bool {
		_, ok := st.admins[domain.ParticipantID(id)]
		return ok
	}, func(id string) { st.reconnect(domain.ParticipantID(id)) })
}

func (st *VoiceStudentSupervisor) Stop(ctx context.Context) error {
	if !st.end() {
		return nil
	}
	err := st.halt(ctx, func() {
		st.admins = make(map[domain.ParticipantID]struct{})
	})
	st.logger.Infow("voice student supervisor stopped")
	return err
}
