package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clearledger/syncd/internal/remote"
	"github.com/clearledger/syncd/internal/store"
	"github.com/clearledger/syncd/internal/types"
)

// pushAll pushes every pending record, table by table in dependency order,
// then the settings singleton. Only a forbidden session aborts the phase;
// any other table failure is tracked and the next table proceeds.
func (e *Engine) pushAll(ctx context.Context, userID string) error {
	for _, table := range types.AllTables {
		if err := e.pushTable(ctx, table, userID); err != nil {
			if errors.Is(err, remote.ErrForbidden) {
				return err
			}
			slog.Error("push failed for table",
				"component", "sync",
				"action", "push_table_failed",
				"table", table,
				"error", err,
			)
		}
	}
	if err := e.pushSettings(ctx, userID); err != nil {
		if errors.Is(err, remote.ErrForbidden) {
			return err
		}
		slog.Error("settings push failed",
			"component", "sync",
			"error", err,
		)
	}
	e.broadcast(ctx)
	return nil
}

func (e *Engine) pushTable(ctx context.Context, table types.Table, userID string) error {
	pending, err := e.local.ListPending(ctx, table)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	if table.Spec().Hierarchical {
		pending = orderByParent(table, pending)
	}
	pending = filterSentinelRefs(table, pending)

	for start := 0; start < len(pending); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		sent, err := e.pushBatch(ctx, table, userID, batch)
		if err != nil {
			if errors.Is(err, remote.ErrForbidden) {
				return err
			}
			// Only records that made it into the upload accumulate the
			// exhausted attempts; transform failures were tracked already.
			for _, rec := range sent {
				e.tracker.record(table, rec.ID, err.Error(), e.cfg.MaxRetries, e.now())
			}
			e.broadcast(ctx)
		}
	}
	return nil
}

// filterSentinelRefs drops records that are, or reference, the local-only
// uncategorized placeholder. They stay pending until the user resolves them.
func filterSentinelRefs(table types.Table, recs []*types.Record) []*types.Record {
	out := recs[:0:len(recs)]
	for _, rec := range recs {
		if rec.ID == types.UncategorizedID {
			continue
		}
		held := false
		for _, field := range table.Spec().RefFields {
			if rec.StringField(field) == types.UncategorizedID {
				held = true
				break
			}
		}
		if held {
			slog.Debug("record references local placeholder, holding back",
				"component", "sync",
				"table", table,
				"record_id", rec.ID,
			)
			continue
		}
		out = append(out, rec)
	}
	return out
}

// pushBatch uploads one batch with exponential-backoff retries, then writes
// the persisted rows back locally with pendingSync cleared. It returns the
// records that were actually part of the upload; records whose field
// transform failed are tracked here and excluded.
func (e *Engine) pushBatch(ctx context.Context, table types.Table, userID string, batch []*types.Record) ([]*types.Record, error) {
	sent := make([]*types.Record, 0, len(batch))
	rows := make([]map[string]any, 0, len(batch))
	for _, rec := range batch {
		fields, err := e.codec.DecryptFields(table, rec.Fields)
		if err != nil {
			// Transform failure is per item: track it, push the rest.
			e.tracker.record(table, rec.ID, err.Error(), 1, e.now())
			continue
		}
		plain := rec.Clone()
		plain.Fields = fields
		sent = append(sent, rec)
		rows = append(rows, plain.Wire(table, userID))
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(e.cfg.RetryBase, e.cfg.RetryCap, attempt-1)
			slog.Debug("retrying push batch",
				"component", "sync",
				"table", table,
				"attempt", attempt+1,
				"delay", delay,
			)
			if err := e.sleep(ctx, delay); err != nil {
				return sent, err
			}
		}

		persisted, err := e.remote.Upsert(ctx, table, rows)
		if err == nil {
			return sent, e.writeBack(ctx, table, batch, persisted)
		}
		if errors.Is(err, remote.ErrForbidden) {
			return sent, err
		}
		lastErr = err
	}

	return sent, fmt.Errorf("push %s batch exhausted %d attempts: %w", table, e.cfg.MaxRetries, lastErr)
}

// writeBack applies the server-persisted rows locally: derived fields are
// recomputed, sensitive fields re-encrypted, pendingSync cleared, and any
// tracked error for the record removed. The whole batch commits atomically.
func (e *Engine) writeBack(ctx context.Context, table types.Table, batch []*types.Record, persisted []map[string]any) error {
	accepted := make([]*types.Record, 0, len(persisted))
	for _, row := range persisted {
		rec, err := types.RecordFromWire(row)
		if err != nil {
			slog.Warn("skipping malformed persisted row",
				"component", "sync",
				"table", table,
				"error", err,
			)
			continue
		}
		types.NormalizeFields(rec.Fields)
		rec.Fields, err = e.codec.EncryptFields(table, rec.Fields)
		if err != nil {
			e.tracker.record(table, rec.ID, err.Error(), 1, e.now())
			continue
		}
		rec.Pending = false
		accepted = append(accepted, rec)
	}

	if err := e.local.PutBatch(ctx, table, accepted); err != nil {
		return fmt.Errorf("write back %s: %w", table, err)
	}

	for _, rec := range accepted {
		e.tracker.clear(errorKey(table, rec.ID))
	}

	slog.Info("pushed batch",
		"component", "sync",
		"action", "push_batch",
		"table", table,
		"count", len(accepted),
	)
	return nil
}

// pushSettings uploads the settings singleton when it carries unconfirmed
// local edits.
func (e *Engine) pushSettings(ctx context.Context, userID string) error {
	settings, err := e.local.GetUserSettings(ctx, userID)
	if errors.Is(err, store.ErrSettingsNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !settings.Pending {
		return nil
	}

	persisted, err := e.remote.UpsertUserSettings(ctx, settings)
	if err != nil {
		return err
	}

	// The cursor never regresses, whatever the server echoed back.
	if persisted.LastSyncToken < settings.LastSyncToken {
		persisted.LastSyncToken = settings.LastSyncToken
	}
	persisted.Pending = false
	return e.local.PutUserSettings(ctx, persisted)
}
