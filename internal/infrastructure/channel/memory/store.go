// Package memory is an in-process signaling store with per-client disconnect hooks.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/ports"
	"proctornet/internal/infrastructure/channel/dispatch"
)

type subscription struct {
	path  string
	depth domain.Depth
	queue *dispatch.Queue
}

// Store holds the whole path tree. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	values map[string][]byte
	subs   map[uint64]*subscription
	nextID uint64
}

func NewStore() *Store {
	return &Store{
		values: make(map[string][]byte),
		subs:   make(map[uint64]*subscription),
	}
}

var _ ports.SignalingStore = (*Store)(nil)

func (s *Store) Write(ctx context.Context, path string, value []byte) error {
	if err := domain.ValidatePath(path); err != nil {
		return err
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[path] = stored
	s.notifyLocked(path)
	return nil
}

func (s *Store) ReadOnce(ctx context.Context, path string) ([]byte, bool, error) {
	if err := domain.ValidatePath(path); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[path]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if err := domain.ValidatePath(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := path + "/"
	removed := false
	for key := range s.values {
		if key == path || strings.HasPrefix(key, prefix) {
			delete(s.values, key)
			removed = true
		}
	}
	if removed {
		s.notifyLocked(path)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, path string, onChange func(domain.Snapshot), opts ...domain.SubscribeOption) (func(), error) {
	if err := domain.ValidatePath(path); err != nil {
		return nil, err
	}
	options := domain.NewSubscribeOptions(opts...)
	sub := &subscription{path: path, depth: options.Depth, queue: dispatch.NewQueue(onChange)}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = sub
	sub.queue.Push(domain.Subtree(path, s.values).Trim(sub.depth))
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		sub.queue.Cancel()
	}, nil
}

// Paths lists every stored path at or below prefix, sorted.
func (s *Store) Paths(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for key := range s.values {
		if key == prefix || strings.HasPrefix(key, prefix+"/") {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// notifyLocked snapshots every affected subscription while the write lock is held,
// which is what keeps per-path delivery in write order.
func (s *Store) notifyLocked(changed string) {
	for _, sub := range s.subs {
		if sub.depth.Sees(sub.path, changed) {
			sub.queue.Push(domain.Subtree(sub.path, s.values).Trim(sub.depth))
		}
	}
}
