package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/clearledger/syncd/internal/snapshot"
)

// SnapshotCapableStore represents a store that can produce cache snapshots.
type SnapshotCapableStore interface {
	Snapshot(ctx context.Context) (string, error)
}

// SnapshotCoordinator periodically snapshots the local cache and uploads the
// result to S3-compatible storage.
type SnapshotCoordinator struct {
	store    SnapshotCapableStore
	uploader snapshot.Uploader
	userID   string
	interval time.Duration
}

// NewSnapshotCoordinator creates a coordinator for the given store.
// The uploader parameter is optional; if nil, no upload is attempted.
func NewSnapshotCoordinator(
	store SnapshotCapableStore,
	uploader snapshot.Uploader,
	userID string,
	interval time.Duration,
) *SnapshotCoordinator {
	return &SnapshotCoordinator{
		store:    store,
		uploader: uploader,
		userID:   userID,
		interval: interval,
	}
}

// Run starts the coordinator loop. Generates a snapshot immediately on
// start, then on each interval. Respects context cancellation for graceful
// shutdown.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot-coordinator",
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.generateSnapshot(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.generateSnapshot(ctx)
		}
	}
}

// generateSnapshot produces a snapshot and uploads it if configured.
// Upload failures are logged as warnings but are NOT fatal; the local
// snapshot remains valid.
func (c *SnapshotCoordinator) generateSnapshot(ctx context.Context) {
	slog.Info("snapshot generation started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_start",
	)

	path, err := c.store.Snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_failed",
			"error", err,
		)
		return
	}

	if c.uploader == nil {
		return
	}

	if err := c.uploader.Upload(ctx, c.userID, path); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("snapshot upload failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	slog.Info("snapshot uploaded",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_uploaded",
	)
}
