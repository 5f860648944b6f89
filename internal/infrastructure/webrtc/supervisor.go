package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/ports"
	"proctornet/internal/core/services"
	apperrors "proctornet/pkg/errors"
	"proctornet/pkg/retry"

	"go.uber.org/zap"
)

// SupervisorConfig holds the session lifecycle knobs shared by every supervisor.
type SupervisorConfig struct {
	GracePeriod   time.Duration
	RecoveryWait  time.Duration
	Retry         retry.Config
	RequireScreen bool
	// AutoWatch makes a viewer supervisor follow every live broadcaster of the exam.
	AutoWatch bool
}

func DefaultSupervisorConfig() SupervisorConfig {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 5
	return SupervisorConfig{
		GracePeriod:  5 * time.Second,
		RecoveryWait: 10 * time.Second,
		Retry:        cfg,
	}
}

// Dependencies are the collaborators a supervisor drives. Observer, Journal and
// Renderer are optional.
type Dependencies struct {
	Channel  ports.SignalingChannel
	Factory  ports.PeerConnectionFactory
	Capture  ports.CaptureSource
	Renderer ports.Renderer
	Observer ports.SessionObserver
	Metrics  ports.SessionMetrics
	Journal  ports.SessionJournal
	Logger   *zap.SugaredLogger
}

type noopMetrics struct{}

func (noopMetrics) SessionCreated(string)            {}
func (noopMetrics) SessionClosed(string, bool)       {}
func (noopMetrics) SessionFailed(string)             {}
func (noopMetrics) SessionConnected(string, float64) {}
func (noopMetrics) ICERestart(string)                {}
func (noopMetrics) RetryScheduled(string)            {}
func (noopMetrics) CandidateSent(string)             {}
func (noopMetrics) CandidateReceived(string)         {}
func (noopMetrics) ChannelError(string)              {}

// supervisor is the state every concrete supervisor shares. Fields below the
// lifecycle block are owned by the event loop.
type supervisor struct {
	side     string
	identity domain.Identity
	cfg      SupervisorConfig
	deps     Dependencies
	logger   *zap.SugaredLogger

	// presence does single attempts and is used from inside the loop, where a
	// failure is handled by the retry schedule. registration retries in place and
	// is used on Start.
	presence     *services.PresenceService
	registration *services.PresenceService

	loop   *eventLoop
	ctx    context.Context
	cancel context.CancelFunc

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	unsubs    []func()

	halted      bool
	sessions    map[string]*PeerSession
	attempts    map[string]int
	retryTimers map[string]*time.Timer
	exhausted   map[string]bool
}

func newSupervisor(side string, identity domain.Identity, cfg SupervisorConfig, deps Dependencies) *supervisor {
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	logger := deps.Logger.With(
		"supervisor", side,
		"exam_id", identity.ExamID,
		"participant_id", identity.ParticipantID,
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &supervisor{
		side:         side,
		identity:     identity,
		cfg:          cfg,
		deps:         deps,
		logger:       logger,
		presence:     services.NewPresenceService(deps.Channel, retry.Config{}, logger),
		registration: services.NewPresenceService(deps.Channel, cfg.Retry, logger),
		loop:         newEventLoop(),
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[string]*PeerSession),
		attempts:     make(map[string]int),
		retryTimers:  make(map[string]*time.Timer),
		exhausted:    make(map[string]bool),
	}
}

func (sup *supervisor) begin() error {
	sup.lifecycle.Lock()
	defer sup.lifecycle.Unlock()
	if sup.stopped {
		return domain.ErrSupervisorStopped
	}
	if sup.started {
		return domain.ErrAlreadyStarted
	}
	sup.started = true
	return nil
}

// abandon undoes begin after a failed Start.
func (sup *supervisor) abandon() {
	sup.lifecycle.Lock()
	defer sup.lifecycle.Unlock()
	for _, unsub := range sup.unsubs {
		unsub()
	}
	sup.unsubs = nil
	sup.started = false
}

// end reports whether this call is the one that stops the supervisor.
func (sup *supervisor) end() bool {
	sup.lifecycle.Lock()
	defer sup.lifecycle.Unlock()
	if sup.stopped {
		return false
	}
	sup.stopped = true
	for _, unsub := range sup.unsubs {
		unsub()
	}
	sup.unsubs = nil
	return true
}

func (sup *supervisor) track(unsub func()) {
	sup.lifecycle.Lock()
	defer sup.lifecycle.Unlock()
	if sup.stopped {
		unsub()
		return
	}
	sup.unsubs = append(sup.unsubs, unsub)
}

// halt closes every session and cancels pending retries, then stops the loop.
// cleanup runs inside the loop after the sessions are gone.
func (sup *supervisor) halt(ctx context.Context, cleanup func()) error {
	err := sup.loop.Call(ctx, func() {
		sup.halted = true
		for remoteID, timer := range sup.retryTimers {
			timer.Stop()
			delete(sup.retryTimers, remoteID)
		}
		for remoteID, s := range sup.sessions {
			s.Close("supervisor stopped")
			delete(sup.sessions, remoteID)
		}
		if cleanup != nil {
			cleanup()
		}
	})
	sup.cancel()
	sup.loop.Stop()
	if errors.Is(err, domain.ErrSupervisorStopped) {
		return nil
	}
	return err
}

func (sup *supervisor) hooks(onExhausted func(*PeerSession), onReplaced func(*PeerSession, string)) sessionHooks {
	return sessionHooks{
		onStateChange: func(s *PeerSession, state domain.SessionState) {
			if state == domain.StateConnected && sup.sessions[s.RemoteID()] == s {
				delete(sup.attempts, s.RemoteID())
			}
			sup.emit(domain.EventStateChanged, s.Diagnostics(), nil, nil)
		},
		onTrack: func(s *PeerSession, assignment domain.TrackAssignment) {
			sup.emit(domain.EventTrackRouted, s.Diagnostics(), &assignment, nil)
		},
		onExhausted: func(s *PeerSession) {
			if sup.sessions[s.RemoteID()] != s {
				return
			}
			delete(sup.sessions, s.RemoteID())
			if onExhausted != nil {
				onExhausted(s)
			}
		},
		onReplaced: func(s *PeerSession, generation string) {
			if sup.sessions[s.RemoteID()] != s || onReplaced == nil {
				return
			}
			onReplaced(s, generation)
		},
	}
}

// startSession runs a fresh session instance for cfg.RemoteID. Any session it
// replaces is closed first.
func (sup *supervisor) startSession(cfg sessionConfig, hooks sessionHooks) (*PeerSession, error) {
	if previous, ok := sup.sessions[cfg.RemoteID]; ok {
		previous.Close("replaced by a fresh session")
	}
	cfg.Side = sup.side
	cfg.Exam = sup.identity.ExamID
	cfg.LocalID = sup.identity.ParticipantID
	cfg.Attempt = sup.attempts[cfg.RemoteID]
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = sup.cfg.GracePeriod
	}
	if cfg.RecoveryWait == 0 {
		cfg.RecoveryWait = sup.cfg.RecoveryWait
	}

	s := newPeerSession(sup.ctx, cfg, sup.deps.Channel, sup.deps.Factory, sup.deps.Metrics, sup.loop, hooks, sup.logger)
	sup.sessions[cfg.RemoteID] = s
	if err := s.Start(); err != nil {
		if sup.sessions[cfg.RemoteID] == s {
			delete(sup.sessions, cfg.RemoteID)
		}
		return nil, err
	}
	return s, nil
}

func (sup *supervisor) closeSession(remoteID, reason string) {
	if s, ok := sup.sessions[remoteID]; ok {
		delete(sup.sessions, remoteID)
		s.Close(reason)
	}
}

// live reports whether remoteID is backed by a session that is not FAILED or CLOSED.
func (sup *supervisor) live(remoteID string) bool {
	s, ok := sup.sessions[remoteID]
	return ok && s.State().Live()
}

// pending reports whether remoteID is waiting on a retry or gave up.
func (sup *supervisor) pending(remoteID string) bool {
	_, waiting := sup.retryTimers[remoteID]
	return waiting || sup.exhausted[remoteID]
}

// scheduleRetry runs reconnect after an exponential backoff, or reports the
// counterpart exhausted once the attempt ceiling is reached.
func (sup *supervisor) scheduleRetry(remoteID string, reconnect func()) {
	if sup.halted || sup.pending(remoteID) {
		return
	}
	attempt := sup.attempts[remoteID]
	if attempt >= sup.cfg.Retry.MaxAttempts {
		sup.exhausted[remoteID] = true
		sup.logger.Warnw("giving up on counterpart", "remote_id", remoteID, "attempts", attempt)
		sup.emit(domain.EventExhausted, domain.SessionDiagnostics{
			RemoteID: remoteID,
			State:    domain.StateClosed,
			Attempt:  attempt,
		}, nil, nil)
		return
	}

	delay := retry.Backoff(sup.cfg.Retry, attempt)
	sup.attempts[remoteID] = attempt + 1
	sup.deps.Metrics.RetryScheduled(sup.side)
	sup.logger.Infow("scheduling fresh session", "remote_id", remoteID, "attempt", attempt+1, "delay", delay)

	sup.retryTimers[remoteID] = sup.loop.AfterFunc(delay, func() {
		delete(sup.retryTimers, remoteID)
		if sup.halted {
			return
		}
		reconnect()
	})
}

// resetRetry forgets the retry history of remoteID.
func (sup *supervisor) resetRetry(remoteID string) {
	if timer, ok := sup.retryTimers[remoteID]; ok {
		timer.Stop()
		delete(sup.retryTimers, remoteID)
	}
	delete(sup.attempts, remoteID)
	delete(sup.exhausted, remoteID)
}

// retryNow resets an exhausted counterpart and reconnects it immediately.
func (sup *supervisor) retryNow(ctx context.Context, remoteID string, known func(string) bool, reconnect func(string)) error {
	var err error
	callErr := sup.loop.Call(ctx, func() {
		if sup.halted {
			err = domain.ErrSupervisorStopped
			return
		}
		if !known(remoteID) {
			err = fmt.Errorf("%w: %s", domain.ErrNotWatching, remoteID)
			return
		}
		sup.resetRetry(remoteID)
		if !sup.live(remoteID) {
			reconnect(remoteID)
		}
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// deletePairPaths clears offer, answer and ICE logs a previous session of the
// pair may have left behind.
func (sup *supervisor) deletePairPaths(ex domain.Exchange) {
	for _, path := range ex.PairPaths() {
		ctx, cancel := context.WithTimeout(sup.ctx, channelOpTimeout)
		if err := sup.deps.Channel.Delete(ctx, path); err != nil {
			sup.deps.Metrics.ChannelError("delete")
			sup.logger.Warnw("failed to clear stale pair path", "path", path, "error", err)
		}
		cancel()
	}
}

func (sup *supervisor) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(sup.ctx, channelOpTimeout)
}

// emit reports an event to the observer, the journal and the log.
func (sup *supervisor) emit(eventType domain.SessionEventType, diag domain.SessionDiagnostics, track *domain.TrackAssignment, cause error) {
	event := domain.SessionEvent{
		Type:        eventType,
		ExamID:      sup.identity.ExamID,
		LocalID:     sup.identity.ParticipantID,
		Diagnostics: diag,
		Track:       track,
		At:          time.Now(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}

	if sup.deps.Observer != nil {
		sup.deps.Observer.OnSessionEvent(event)
	}
	if sup.deps.Journal != nil {
		if err := sup.deps.Journal.Record(sup.ctx, event); err != nil {
			sup.logger.Debugw("failed to journal session event", "type", eventType, "error", err)
		}
	}
	sup.logger.Debugw("session event",
		"type", eventType,
		"remote_id", diag.RemoteID,
		"state", diag.State,
		"candidates_sent", diag.CandidatesSent,
		"candidates_received", diag.CandidatesReceived,
	)
}

// capabilityError turns a capture failure into the error surfaced to the user.
func (sup *supervisor) capabilityError(kind domain.CaptureKind, err error) error {
	if !domain.IsCapabilityError(err) {
		return fmt.Errorf("acquire %s: %w", kind, err)
	}

	var appErr *apperrors.AppError
	switch {
	case errors.Is(err, domain.ErrNoCamera):
		appErr = apperrors.NewCapabilityError(apperrors.ErrCodeCameraUnavailable,
			"Connect a camera and allow the browser to use it, then retry.", err)
	case errors.Is(err, domain.ErrNoMicrophone):
		appErr = apperrors.NewCapabilityError(apperrors.ErrCodeMicrophoneUnavailable,
			"Connect a microphone and allow access to it, then retry.", err)
	case errors.Is(err, domain.ErrScreenDenied):
		appErr = apperrors.NewCapabilityError(apperrors.ErrCodeScreenShareDenied,
			"Allow screen sharing to continue the exam.", err)
	default:
		appErr = apperrors.NewCapabilityError(apperrors.ErrCodeScreenShareScope,
			"Share your entire screen, not a window or a browser tab.", err)
	}

	sup.emit(domain.EventCapabilityError, domain.SessionDiagnostics{
		RemoteID: string(sup.identity.ParticipantID),
		State:    domain.StateClosed,
	}, nil, appErr)
	return appErr
}

// Diagnostics returns the counters of every session, ordered by remote id.
func (sup *supervisor) Diagnostics(ctx context.Context) ([]domain.SessionDiagnostics, error) {
	var out []domain.SessionDiagnostics
	err := sup.loop.Call(ctx, func() {
		out = make([]domain.SessionDiagnostics, 0, len(sup.sessions))
		for _, s := range sup.sessions {
			out = append(out, s.Diagnostics())
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out, nil
}

// Exhausted lists the counterparts that ran out of retries and wait for Retry.
func (sup *supervisor) Exhausted(ctx context.Context) ([]string, error) {
	var out []string
	err := sup.loop.Call(ctx, func() {
		for remoteID, done := range sup.exhausted {
			if done {
				out = append(out, remoteID)
			}
		}
	})
	sort.Strings(out)
	return out, err
}
