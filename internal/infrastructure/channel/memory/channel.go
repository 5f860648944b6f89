package memory

import (
	"context"
	"sync"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/ports"
)

// FaultFunc lets tests inject transient failures; a non-nil return fails the operation.
type FaultFunc func(op, path string) error

// Channel is one client's connection to a Store.
type Channel struct {
	store *Store

	mu           sync.Mutex
	onDisconnect []string
	unsubs       map[int]func()
	nextSub      int
	closed       bool
	fault        FaultFunc
}

var _ ports.SignalingChannel = (*Channel)(nil)

// Connect opens a client connection whose disconnect hooks run on Disconnect.
func (s *Store) Connect() *Channel {
	return &Channel{store: s, unsubs: make(map[int]func())}
}

func (c *Channel) SetFault(fault FaultFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fault = fault
}

func (c *Channel) check(op, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelClosed
	}
	if c.fault != nil {
		return c.fault(op, path)
	}
	return nil
}

func (c *Channel) Write(ctx context.Context, path string, value []byte) error {
	if err := c.check("write", path); err != nil {
		return err
	}
	return c.store.Write(ctx, path, value)
}

func (c *Channel) ReadOnce(ctx context.Context, path string) ([]byte, bool, error) {
	if err := c.check("read", path); err != nil {
		return nil, false, err
	}
	return c.store.ReadOnce(ctx, path)
}

func (c *Channel) Delete(ctx context.Context, path string) error {
	if err := c.check("delete", path); err != nil {
		return err
	}
	return c.store.Delete(ctx, path)
}

func (c *Channel) Subscribe(ctx context.Context, path string, onChange func(domain.Snapshot), opts ...domain.SubscribeOption) (func(), error) {
	if err := c.check("subscribe", path); err != nil {
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
	if err := c.check("on_disconnect", path); err != nil {
		return err
	}
	if err := domain.ValidatePath(path); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.onDisconnect {
		if p == path {
			return nil
		}
	}
	c.onDisconnect = append(c.onDisconnect, path)
	return nil
}

// Disconnect simulates the connection dropping: subscriptions end and every
// registered disconnect hook is executed by the store.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hooks := c.onDisconnect
	c.onDisconnect = nil
	unsubs := c.unsubs
	c.unsubs = make(map[int]func())
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, path := range hooks {
		_ = c.store.Delete(context.Background(), path)
	}
}
