package utils

import (
	"sync"
	"time"
)

// Now returns current time (useful for mocking in tests)
var Now = time.Now

// NowMillis is the wall clock in Unix milliseconds
func NowMillis() int64 {
	return Now().UnixMilli()
}

// MonotonicStamp hands out millisecond timestamps that strictly increase even when
// the wall clock stalls or steps backwards.
type MonotonicStamp struct {
	mu   sync.Mutex
	last int64
}

func (m *MonotonicStamp) Next() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := NowMillis()
	if next <= m.last {
		next = m.last + 1
	}
	m.last = next
	return next
}
