package domain

import (
	"encoding/json"
	"fmt"

	"proctornet/pkg/validation"
)

// MessageKind tags every value written to the signaling channel.
type MessageKind string

const (
	KindBroadcaster MessageKind = "broadcaster"
	KindViewer      MessageKind = "viewer"
	KindVoice       MessageKind = "voice"
	KindOffer       MessageKind = "offer"
	KindAnswer      MessageKind = "answer"
	KindCandidate   MessageKind = "candidate"
)

// Message is the closed set of signaling payloads.
type Message interface {
	Kind() MessageKind
	Validate() error
	tag() MessageKind
}

type stamper interface {
	Message
	stamp()
}

type BroadcasterRecord struct {
	Tag         MessageKind `json:"kind"`
	Active      bool        `json:"active"`
	AnnouncedAt int64       `json:"announcedAt"`
}

func (BroadcasterRecord) Kind() MessageKind  { return KindBroadcaster }
func (r BroadcasterRecord) tag() MessageKind { return r.Tag }
func (r *BroadcasterRecord) stamp()          { r.Tag = KindBroadcaster }
func (r BroadcasterRecord) Validate() error {
	if r.AnnouncedAt <= 0 {
		return fmt.Errorf("%w: broadcaster announcedAt missing", ErrMalformedMessage)
	}
	return nil
}

type ViewerRecord struct {
	Tag         MessageKind `json:"kind"`
	ConnectedAt int64       `json:"connectedAt"`
}

func (ViewerRecord) Kind() MessageKind  { return KindViewer }
func (r ViewerRecord) tag() MessageKind { return r.Tag }
func (r *ViewerRecord) stamp()          { r.Tag = KindViewer }
func (r ViewerRecord) Validate() error {
	if r.ConnectedAt <= 0 {
		return fmt.Errorf("%w: viewer connectedAt missing", ErrMalformedMessage)
	}
	return nil
}

type VoiceRecord struct {
	Tag       MessageKind `json:"kind"`
	Active    bool        `json:"active"`
	Timestamp int64       `json:"timestamp"`
}

func (VoiceRecord) Kind() MessageKind  { return KindVoice }
func (r VoiceRecord) tag() MessageKind { return r.Tag }
func (r *VoiceRecord) stamp()          { r.Tag = KindVoice }
func (r VoiceRecord) Validate() error {
	if r.Timestamp <= 0 {
		return fmt.Errorf("%w: voice timestamp missing", ErrMalformedMessage)
	}
	return nil
}

// Description is the shared shape of offers and answers. Generation identifies the
// offering session instance and Restart marks an in-place ICE restart of it. An answer
// carries the Timestamp of the offer it answers.
type Description struct {
	SDP        string               `json:"sdp"`
	Type       string               `json:"type"`
	Timestamp  int64                `json:"timestamp"`
	Generation string               `json:"generation"`
	Restart    bool                 `json:"restart,omitempty"`
	TrackRoles map[string]TrackRole `json:"trackRoles,omitempty"`
}

func (d Description) validate(sdpType string) error {
	if d.Type != sdpType {
		return fmt.Errorf("%w: description type %q, expected %q", ErrMalformedMessage, d.Type, sdpType)
	}
	if err := validation.ValidateSDP(d.SDP); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if d.Generation == "" {
		return fmt.Errorf("%w: description generation missing", ErrMalformedMessage)
	}
	if d.Timestamp <= 0 {
		return fmt.Errorf("%w: description timestamp missing", ErrMalformedMessage)
	}
	for trackID, role := range d.TrackRoles {
		if !role.Valid() {
			return fmt.Errorf("%w: unknown role %q for track %s", ErrMalformedMessage, role, trackID)
		}
	}
	return nil
}

type OfferRecord struct {
	Tag MessageKind `json:"kind"`
	Description
}

func (OfferRecord) Kind() MessageKind  { return KindOffer }
func (r OfferRecord) tag() MessageKind { return r.Tag }
func (r *OfferRecord) stamp()          { r.Tag = KindOffer }
func (r OfferRecord) Validate() error  { return r.Description.validate("offer") }

type AnswerRecord struct {
	Tag MessageKind `json:"kind"`
	Description
}

func (AnswerRecord) Kind() MessageKind  { return KindAnswer }
func (r AnswerRecord) tag() MessageKind { return r.Tag }
func (r *AnswerRecord) stamp()          { r.Tag = KindAnswer }
func (r AnswerRecord) Validate() error  { return r.Description.validate("answer") }

type CandidateRecord struct {
	Tag              MessageKind `json:"kind"`
	Candidate        string      `json:"candidate"`
	SDPMid           *string     `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16     `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string     `json:"usernameFragment,omitempty"`
	Generation       string      `json:"generation"`
}

func (CandidateRecord) Kind() MessageKind  { return KindCandidate }
func (r CandidateRecord) tag() MessageKind { return r.Tag }
func (r *CandidateRecord) stamp()          { r.Tag = KindCandidate }
func (r CandidateRecord) Validate() error {
	if r.Candidate == "" {
		return fmt.Errorf("%w: empty candidate", ErrMalformedMessage)
	}
	if r.Generation == "" {
		return fmt.Errorf("%w: candidate generation missing", ErrMalformedMessage)
	}
	return nil
}

// Encode stamps the kind tag, validates and marshals a signaling payload.
func Encode[T any, PT interface {
	*T
	stamper
}](msg T) ([]byte, error) {
	p := PT(&msg)
	p.stamp()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", p.Kind(), err)
	}
	return data, nil
}

// Decode parses raw and rejects anything that is not a valid T.
func Decode[T any, PT interface {
	*T
	Message
}](raw []byte) (T, error) {
	var msg T
	p := PT(&msg)
	if err := json.Unmarshal(raw, p); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if p.tag() != p.Kind() {
		return msg, fmt.Errorf("%w: got %q, expected %q", ErrUnexpectedKind, p.tag(), p.Kind())
	}
	if err := p.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}
