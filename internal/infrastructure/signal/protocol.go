package signal

import (
	"fmt"

	"proctornet/internal/core/domain"
)

// Op is a signaling channel operation carried over the hub websocket.
type Op string

const (
	OpWrite              Op = "write"
	OpRead               Op = "read"
	OpDelete             Op = "delete"
	OpSubscribe          Op = "subscribe"
	OpUnsubscribe        Op = "unsubscribe"
	OpOnDisconnectDelete Op = "on_disconnect_delete"
)

// Request is a client frame. ID is echoed in the matching Response.
type Request struct {
	ID    uint64 `json:"id"`
	Op    Op     `json:"op"`
	Path  string `json:"path,omitempty"`
	Value []byte `json:"value,omitempty"`
	SubID uint64 `json:"sub_id,omitempty"`
	// Depth applies to subscribe only.
	Depth domain.Depth `json:"depth,omitempty"`
}

func (r Request) Validate() error {
	switch r.Op {
	case OpWrite:
		if len(r.Value) == 0 {
			return fmt.Errorf("%w: write without value", domain.ErrMalformedMessage)
		}
	case OpSubscribe:
		if !r.Depth.Valid() {
			return fmt.Errorf("%w: unknown depth %d", domain.ErrMalformedMessage, r.Depth)
		}
	case OpRead, OpDelete, OpOnDisconnectDelete:
	case OpUnsubscribe:
		if r.SubID == 0 {
			return fmt.Errorf("%w: unsubscribe without sub_id", domain.ErrMalformedMessage)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown op %q", domain.ErrMalformedMessage, r.Op)
	}
	return domain.ValidatePath(r.Path)
}

type FrameType string

const (
	FrameResult   FrameType = "result"
	FrameError    FrameType = "error"
	FrameSnapshot FrameType = "snapshot"
)

// Response is a hub frame: the result of a Request, or a snapshot pushed for a
// subscription.
type Response struct {
	Type  FrameType `json:"type"`
	ID    uint64    `json:"id,omitempty"`
	SubID uint64    `json:"sub_id,omitempty"`
	Value []byte    `json:"value,omitempty"`
	Found bool      `json:"found,omitempty"`
	Error string    `json:"error,omitempty"`

	Path    string            `json:"path,omitempty"`
	Entries map[string][]byte `json:"entries,omitempty"`
}

func (r Response) Snapshot() domain.Snapshot {
	entries := r.Entries
	if entries == nil {
		entries = make(map[string][]byte)
	}
	return domain.Snapshot{Path: r.Path, Entries: entries}
}
