package ports

import (
	"context"

	"proctornet/internal/core/domain"
)

// Binding is one renderer attached to one role of one session.
type Binding interface {
	Release()
}

// Renderer accepts (role, track) bindings for display or playback.
type Renderer interface {
	Bind(ctx context.Context, remoteID string, role domain.TrackRole, track RemoteTrack) (Binding, error)
}

// SessionObserver receives every session event a supervisor emits.
type SessionObserver interface {
	OnSessionEvent(event domain.SessionEvent)
}

// SessionMetrics records supervisor and session activity.
type SessionMetrics interface {
	SessionCreated(side string)
	SessionClosed(side string, reachedConnected bool)
	SessionFailed(side string)
	SessionConnected(side string, elapsedSeconds float64)
	ICERestart(side string)
	RetryScheduled(side string)
	CandidateSent(side string)
	CandidateReceived(side string)
	ChannelError(operation string)
}

// SessionJournal persists session events.
type SessionJournal interface {
	Record(ctx context.Context, event domain.SessionEvent) error
	Close() error
}
