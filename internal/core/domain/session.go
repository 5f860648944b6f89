package domain

import "time"

type SessionState string

const (
	StateNew          SessionState = "new"
	StateNegotiating  SessionState = "negotiating"
	StateConnected    SessionState = "connected"
	StateDisconnected SessionState = "disconnected"
	StateFailed       SessionState = "failed"
	StateClosed       SessionState = "closed"
)

// Live reports whether a session in this state still counts as backing its registration.
func (s SessionState) Live() bool {
	return s != StateFailed && s != StateClosed
}

type NegotiationRole string

const (
	RoleOfferer  NegotiationRole = "offerer"
	RoleAnswerer NegotiationRole = "answerer"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

type TrackRole string

const (
	TrackRoleCamera TrackRole = "camera"
	TrackRoleScreen TrackRole = "screen"
	TrackRoleVoice  TrackRole = "voice"
)

func (r TrackRole) Valid() bool {
	switch r {
	case TrackRoleCamera, TrackRoleScreen, TrackRoleVoice:
		return true
	}
	return false
}

type TrackAssignment struct {
	TrackID  string
	Kind     TrackKind
	Role     TrackRole
	RemoteID string
}

// SessionDiagnostics is the per-session line shown next to every feed.
type SessionDiagnostics struct {
	RemoteID              string          `json:"remote_id"`
	Role                  NegotiationRole `json:"role"`
	State                 SessionState    `json:"state"`
	ICEState              string          `json:"ice_state"`
	GatheringState        string          `json:"gathering_state"`
	SignalingState        string          `json:"signaling_state"`
	DescriptionsPublished int             `json:"descriptions_published"`
	CandidatesSent        int             `json:"candidates_sent"`
	CandidatesReceived    int             `json:"candidates_received"`
	RestartAttempted      bool            `json:"restart_attempted"`
	Attempt               int             `json:"attempt"`
	Generation            string          `json:"generation"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

type SessionEventType string

const (
	EventStateChanged    SessionEventType = "state_changed"
	EventTrackRouted     SessionEventType = "track_routed"
	EventExhausted       SessionEventType = "exhausted"
	EventCapabilityError SessionEventType = "capability_error"
)

// SessionEvent is what supervisors report to the presentation layer and the journal.
type SessionEvent struct {
	Type        SessionEventType   `json:"type"`
	ExamID      ExamID             `json:"exam_id"`
	LocalID     ParticipantID      `json:"local_id"`
	Diagnostics SessionDiagnostics `json:"diagnostics"`
	Track       *TrackAssignment   `json:"track,omitempty"`
	Error       string             `json:"error,omitempty"`
	At          time.Time          `json:"at"`
}
