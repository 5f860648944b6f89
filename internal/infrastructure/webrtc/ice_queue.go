package webrtc

import (
	"proctornet/internal/core/domain"

	"github.com/pion/sdp/v3"
)

// pendingCandidate is a remote candidate observed before the remote description
// it belongs to was set.
type pendingCandidate struct {
	key    string
	record domain.CandidateRecord
}

// candidateQueue buffers remote candidates in arrival order until the remote
// description they belong to is applied.
type candidateQueue struct {
	items []pendingCandidate
}

func (q *candidateQueue) Push(key string, record domain.CandidateRecord) {
	q.items = append(q.items, pendingCandidate{key: key, record: record})
}

func (q *candidateQueue) Len() int {
	return len(q.items)
}

// Drain hands back every buffered candidate in arrival order and empties the queue.
func (q *candidateQueue) Drain() []pendingCandidate {
	items := q.items
	q.items = nil
	return items
}

const attrICEUfrag = "ice-ufrag"

// iceUfrag returns the ICE username fragment of a description, or "" when it
// carries none or does not parse.
func iceUfrag(raw string) string {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return ""
	}
	if ufrag, ok := desc.Attribute(attrICEUfrag); ok {
		return ufrag
	}
	for _, media := range desc.MediaDescriptions {
		if ufrag, ok := media.Attribute(attrICEUfrag); ok {
			return ufrag
		}
	}
	return ""
}

func candidateUfrag(record domain.CandidateRecord) string {
	if record.UsernameFragment == nil {
		return ""
	}
	return *record.UsernameFragment
}
