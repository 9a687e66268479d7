// Package worker contains the background loops the daemon runs: periodic
// sync cycles and cache snapshot generation.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// Syncer is the engine surface the coordinator drives. Sync reports cycle
// outcomes through the status bus rather than a return value.
type Syncer interface {
	Sync(ctx context.Context)
}

// SyncCoordinator triggers a sync cycle on a fixed interval. A cycle already
// in flight simply causes the tick to be skipped; the engine rejects
// overlapping cycles itself.
type SyncCoordinator struct {
	engine   Syncer
	interval time.Duration
}

// NewSyncCoordinator creates a coordinator with the given engine and interval.
func NewSyncCoordinator(engine Syncer, interval time.Duration) *SyncCoordinator {
	return &SyncCoordinator{
		engine:   engine,
		interval: interval,
	}
}

// Run starts the coordinator loop. Syncs immediately on start, then on each
// interval. Respects context cancellation for graceful shutdown.
func (c *SyncCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync-coordinator",
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.syncOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.syncOnce(ctx)
		}
	}
}

func (c *SyncCoordinator) syncOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.engine.Sync(ctx)
}
