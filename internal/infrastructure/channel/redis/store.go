package redis

import (
	"context"
	"fmt"
	"sync"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/ports"
	"proctornet/internal/infrastructure/channel/dispatch"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// deleteScript removes a node and its subtree atomically and returns how many
// paths were removed.
var deleteScript = redis.NewScript(`
local removed = redis.call("hdel", KEYS[1], ARGV[1])
redis.call("zrem", KEYS[2], ARGV[1])
local children = redis.call("zrangebylex", KEYS[2], ARGV[2], ARGV[3])
for _, child in ipairs(children) do
	redis.call("hdel", KEYS[1], child)
	redis.call("zrem", KEYS[2], child)
	removed = removed + 1
end
return removed
`)

type subscription struct {
	path  string
	depth domain.Depth
	queue *dispatch.Queue
	// mu orders read-then-push so snapshots never go back in time.
	mu sync.Mutex
}

// Store is a ports.SignalingStore on Redis. One pub/sub connection per Store feeds
// every local subscription.
type Store struct {
	client redis.UniversalClient
	keys   Keys
	logger *zap.SugaredLogger

	pubsub *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
}

var _ ports.SignalingStore = (*Store)(nil)

// NewStore subscribes to the change channel before returning, so no change
// published after NewStore is missed.
func NewStore(ctx context.Context, client redis.UniversalClient, keys Keys, logger *zap.SugaredLogger) (*Store, error) {
	pubsub := client.Subscribe(ctx, keys.Changes())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", keys.Changes(), err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		client: client,
		keys:   keys,
		logger: logger,
		pubsub: pubsub,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[uint64]*subscription),
	}
	go s.run()
	return s, nil
}

func (s *Store) Write(ctx context.Context, path string, value []byte) error {
	if err := domain.ValidatePath(path); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.keys.Values(), path, value)
		pipe.ZAdd(ctx, s.keys.Index(), redis.Z{Score: 0, Member: path})
		return nil
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return s.publish(ctx, path)
}

func (s *Store) ReadOnce(ctx context.Context, path string) ([]byte, bool, error) {
	if err := domain.ValidatePath(path); err != nil {
		return nil, false, err
	}
	value, err := s.client.HGet(ctx, s.keys.Values(), path).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	return value, true, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if err := domain.ValidatePath(path); err != nil {
		return err
	}
	from, to := SubtreeRange(path)
	removed, err := deleteScript.Run(ctx, s.client, []string{s.keys.Values(), s.keys.Index()}, path, from, to).Int64()
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	if removed == 0 {
		return nil
	}
	return s.publish(ctx, path)
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
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		sub.queue.Cancel()
	}

	// Registered before the first read: a concurrent change is delivered twice
	// at worst, never lost.
	if err := s.refresh(ctx, sub); err != nil {
		unsubscribe()
		return nil, err
	}
	return unsubscribe, nil
}

// Subtree reads everything at or below path.
func (s *Store) Subtree(ctx context.Context, path string) (domain.Snapshot, error) {
	return s.read(ctx, path, domain.DepthSubtree)
}

// read fetches only what a subscription of the given depth sees. A value read
// skips the index; a children read filters the index range before loading values.
func (s *Store) read(ctx context.Context, path string, depth domain.Depth) (domain.Snapshot, error) {
	fields := []string{path}
	if depth != domain.DepthValue {
		from, to := SubtreeRange(path)
		children, err := s.client.ZRangeByLex(ctx, s.keys.Index(), &redis.ZRangeBy{Min: from, Max: to}).Result()
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("list %s: %w", path, err)
		}
		for _, child := range children {
			if depth.Sees(path, child) {
				fields = append(fields, child)
			}
		}
	}

	values, err := s.client.HMGet(ctx, s.keys.Values(), fields...).Result()
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("read subtree %s: %w", path, err)
	}

	flat := make(map[string][]byte, len(fields))
	for i, value := range values {
		if str, ok := value.(string); ok {
			flat[fields[i]] = []byte(str)
		}
	}
	return domain.Subtree(path, flat), nil
}

func (s *Store) refresh(ctx context.Context, sub *subscription) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.queue.Cancelled() {
		return nil
	}
	snap, err := s.read(ctx, sub.path, sub.depth)
	if err != nil {
		return err
	}
	sub.queue.Push(snap)
	return nil
}

func (s *Store) publish(ctx context.Context, path string) error {
	if err := s.client.Publish(ctx, s.keys.Changes(), path).Err(); err != nil {
		return fmt.Errorf("publish change of %s: %w", path, err)
	}
	return nil
}

func (s *Store) run() {
	defer close(s.done)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.notify(msg.Payload)
		}
	}
}

func (s *Store) notify(changed string) {
	s.mu.Lock()
	affected := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.depth.Sees(sub.path, changed) {
			affected = append(affected, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range affected {
		if err := s.refresh(s.ctx, sub); err != nil {
			s.logger.Warnw("failed to refresh subscription", "path", sub.path, "changed", changed, "error", err)
		}
	}
}

// Close stops change delivery. Open subscriptions receive nothing further.
func (s *Store) Close() error {
	s.cancel()
	err := s.pubsub.Close()
	<-s.done

	s.mu.Lock()
	for id, sub := range s.subs {
		sub.queue.Cancel()
		delete(s.subs, id)
	}
	s.mu.Unlock()
	return err
}
