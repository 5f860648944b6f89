package redis

import (
	"context"
	"time"

	"proctornet/pkg/distributed"

	"go.uber.org/zap"
)

// Reaper executes the disconnect hooks of clients whose lease expired. Every hub
// instance runs one; the distributed lock lets only one of them sweep at a time.
type Reaper struct {
	store    *Store
	lock     *distributed.DistributedLock
	interval time.Duration
	logger   *zap.SugaredLogger
}

func NewReaper(store *Store, interval time.Duration, logger *zap.SugaredLogger) *Reaper {
	return &Reaper{
		store:    store,
		lock:     distributed.NewDistributedLock(store.client, store.keys.ReaperLock(), 2*interval),
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Warnw("reaper sweep failed", "error", err)
			}
		}
	}
}

// Sweep reaps expired clients once and returns how many were reaped. It does
// nothing when another instance holds the lock.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	held, err := r.lock.TryLock(ctx)
	if err != nil || !held {
		return 0, err
	}
	defer func() {
		if err := r.lock.Unlock(context.Background()); err != nil {
			r.logger.Debugw("failed to release reaper lock", "error", err)
		}
	}()

	clients, err := r.store.client.SMembers(ctx, r.store.keys.Clients()).Result()
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, clientID := range clients {
		alive, err := r.store.client.Exists(ctx, r.store.keys.Lease(clientID)).Result()
		if err != nil {
			return reaped, err
		}
		if alive > 0 {
			continue
		}
		if err := r.store.runHooks(ctx, clientID); err != nil {
			r.logger.Warnw("failed to reap client", "client_id", clientID, "error", err)
			continue
		}
		reaped++
		r.logger.Infow("reaped expired signaling client", "client_id", clientID)
	}
	return reaped, nil
}
