// Package redis is the signaling store shared by every hub instance. Paths live in
// one hash plus a lexically sorted index, changes fan out over pub/sub and each
// client connection holds a lease whose expiry triggers its disconnect hooks.
package redis

import (
	"context"
	"fmt"
	"time"

	"proctornet/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewClient connects to Redis with connection pooling and brings the key layout up to date.
func NewClient(cfg *config.Config, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if err := Migrate(ctx, client, NewKeys(cfg.Redis.KeyPrefix), logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Infow("connected to Redis",
		"address", cfg.Redis.Address,
		"db", cfg.Redis.DB,
		"pool_size", cfg.Redis.PoolSize,
	)
	return client, nil
}

// Keys names every Redis key the store uses under one prefix.
type Keys struct {
	prefix string
}

func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = "proctornet"
	}
	return Keys{prefix: prefix}
}

// Values is the hash of path -> value.
func (k Keys) Values() string { return k.prefix + ":values" }

// Index is the sorted set of every stored path, scored 0 so ranges are lexical.
func (k Keys) Index() string { return k.prefix + ":index" }

// Changes is the pub/sub channel every mutated path is published on.
func (k Keys) Changes() string { return k.prefix + ":changes" }

func (k Keys) Clients() string { return k.prefix + ":clients" }

func (k Keys) Lease(clientID string) string { return k.prefix + ":lease:" + clientID }

func (k Keys) Hooks(clientID string) string { return k.prefix + ":hooks:" + clientID }

func (k Keys) ReaperLock() string { return k.prefix + ":lock:reaper" }

func (k Keys) SchemaVersion() string { return k.prefix + ":schema:version" }

// SubtreeRange returns the ZRANGEBYLEX bounds of every path strictly below path.
// '0' is the byte after '/', so the half-open range covers exactly "path/...".
func SubtreeRange(path string) (from, to string) {
	return "[" + path + "/", "(" + path + "0"
}
