package monitoring

import (
	"context"
	"time"

	"proctornet/internal/core/ports"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddPostgresCheck covers the session journal database.
func (h *HealthChecker) AddPostgresCheck(pool *pgxpool.Pool, interval, timeout time.Duration) {
	h.AddCheck("postgres", func(ctx context.Context) (bool, error) {
		if err := pool.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddChannelCheck reads checkPath through the signaling channel; any answer,
// found or not, means the channel is usable.
func (h *HealthChecker) AddChannelCheck(channel ports.SignalingStore, checkPath string, interval, timeout time.Duration) {
	h.AddCheck("signaling", func(ctx context.Context) (bool, error) {
		if _, _, err := channel.ReadOnce(ctx, checkPath); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
