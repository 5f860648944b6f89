package ports

import (
	"proctornet/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// PeerConnection is the subset of *webrtc.PeerConnection a peer session drives.
// OnTrack hands over the track already wrapped as a RemoteTrack.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	SignalingState() webrtc.SignalingState

	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(RemoteTrack))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnICEGatheringStateChange(f func(webrtc.ICEGathererState))

	Close() error
}

// PeerConnectionFactory creates one fresh connection per peer session instance.
type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() domain.TrackKind
	// MimeType is the negotiated codec, e.g. "video/VP8".
	MimeType() string
	// Label is the sender's track label when known, otherwise the track id.
	Label() string
	// DisplaySurface is non-empty when the sender advertised a display capture.
	DisplaySurface() string
	ReadRTP() ([]byte, error)
	RequestKeyframe() error
}

// LocalTrack is a capture track owned by a supervisor. Sessions only attach it.
type LocalTrack interface {
	Track() webrtc.TrackLocal
	Kind() domain.CaptureKind
	DisplaySurface() string
	Stop() error
}

// CaptureSource acquires local capture tracks.
type CaptureSource interface {
	Acquire(kind domain.CaptureKind) (LocalTrack, error)
}
