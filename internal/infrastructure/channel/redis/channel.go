package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/ports"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Channel is one client connection. It holds a lease that is renewed at a third
// of its TTL; if the process dies the lease expires and the Reaper runs the
// disconnect hooks instead of Close.
type Channel struct {
	store *Store
	id    string
	ttl   time.Duration

	mu      sync.Mutex
	closed  bool
	unsubs  map[int]func()
	nextSub int
	stop    chan struct{}
}

var _ ports.SignalingChannel = (*Channel)(nil)

// Connect registers a new client with a lease of ttl.
func (s *Store) Connect(ctx context.Context, ttl time.Duration) (*Channel, error) {
	c := &Channel{
		store:  s,
		id:     uuid.NewString(),
		ttl:    ttl,
		unsubs: make(map[int]func()),
		stop:   make(chan struct{}),
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keys.Lease(c.id), 1, ttl)
		pipe.SAdd(ctx, s.keys.Clients(), c.id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("register client lease: %w", err)
	}

	go c.renew()
	s.logger.Debugw("signaling client connected", "client_id", c.id, "lease_ttl", ttl)
	return c, nil
}

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) renew() {
	ticker := time.NewTicker(c.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.ttl/3)
			err := c.store.client.PExpire(ctx, c.store.keys.Lease(c.id), c.ttl).Err()
			cancel()
			if err != nil {
				c.store.logger.Warnw("failed to renew client lease", "client_id", c.id, "error", err)
			}
		}
	}
}

func (c *Channel) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelClosed
	}
	return nil
}

func (c *Channel) Write(ctx context.Context, path string, value []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.store.Write(ctx, path, value)
}

func (c *Channel) ReadOnce(ctx context.Context, path string) ([]byte, bool, error) {
	if err := c.check(); err != nil {
		return nil, false, err
	}
	return c.store.ReadOnce(ctx, path)
}

func (c *Channel) Delete(ctx context.Context, path string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.store.Delete(ctx, path)
}

func (c *Channel) Subscribe(ctx context.Context, path string, onChange func(domain.Snapshot), opts ...domain.SubscribeOption) (func(), error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	unsub, err := c.store.Subscribe(ctx, path, onChange, opts...)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.unsubs[id] = unsub
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.unsubs, id)
			c.mu.Unlock()
			unsub()
		})
	}, nil
}

func (c *Channel) OnDisconnectDelete(ctx context.Context, path string) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := domain.ValidatePath(path); err != nil {
		return err
	}
	if err := c.store.client.SAdd(ctx, c.store.keys.Hooks(c.id), path).Err(); err != nil {
		return fmt.Errorf("install disconnect hook on %s: %w", path, err)
	}
	return nil
}

// Close ends the connection the way a dropped socket does: subscriptions stop and
// the disconnect hooks run. It is safe to call more than once.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = make(map[int]func())
	close(c.stop)
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	return c.store.runHooks(ctx, c.id)
}

// runHooks deletes every path clientID registered and forgets the client.
func (s *Store) runHooks(ctx context.Context, clientID string) error {
	paths, err := s.client.SMembers(ctx, s.keys.Hooks(clientID)).Result()
	if err != nil {
		return fmt.Errorf("list disconnect hooks of %s: %w", clientID, err)
	}
	for _, path := range paths {
		if err := s.Delete(ctx, path); err != nil {
			return fmt.Errorf("run disconnect hook of %s: %w", clientID, err)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keys.Hooks(clientID), s.keys.Lease(clientID))
		pipe.SRem(ctx, s.keys.Clients(), clientID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("forget client %s: %w", clientID, err)
	}
	s.logger.Debugw("disconnect hooks executed", "client_id", clientID, "paths", len(paths))
	return nil
}
