package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clearledger/syncd/internal/store"
	"github.com/clearledger/syncd/internal/types"
)

// ApplyEvent applies one live feed event to the local cache using the same
// conflict rule as pull: locally pending records win; otherwise remote must
// be newer by sync token, falling back to updated_at when the event carries
// no token. Deletes only ever set the tombstone. Implements live.Applier.
func (e *Engine) ApplyEvent(ctx context.Context, ev types.SyncEvent) error {
	if !ev.Table.Valid() {
		return fmt.Errorf("live event for unknown table %q", ev.Table)
	}

	switch ev.Type {
	case types.EventInsert, types.EventUpdate:
		return e.applyLiveUpsert(ctx, ev)
	case types.EventDelete:
		return e.applyLiveDelete(ctx, ev)
	default:
		return fmt.Errorf("live event with unknown type %q", ev.Type)
	}
}

func (e *Engine) applyLiveUpsert(ctx context.Context, ev types.SyncEvent) error {
	rec, err := types.RecordFromWire(ev.New)
	if err != nil {
		return fmt.Errorf("decode live %s event: %w", ev.Type, err)
	}

	return e.local.Apply(ctx, func(tx store.Tx) error {
		existing, err := tx.Get(ev.Table, rec.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if !shouldUpdateLocal(existing, rec) {
			slog.Debug("live event rejected by conflict rule",
				"component", "live",
				"table", ev.Table,
				"record_id", rec.ID,
			)
			return nil
		}

		stored, err := e.transformForStore(ev.Table, rec)
		if err != nil {
			return err
		}
		return tx.Put(ev.Table, stored)
	})
}

// applyLiveDelete soft-deletes: the record gets a tombstone timestamp and is
// never physically removed. Pending local changes are not clobbered.
func (e *Engine) applyLiveDelete(ctx context.Context, ev types.SyncEvent) error {
	row := ev.Old
	if len(row) == 0 {
		row = ev.New
	}
	id, _ := row["id"].(string)
	if id == "" {
		return errors.New("decode live delete event: missing id")
	}

	return e.local.Apply(ctx, func(tx store.Tx) error {
		existing, err := tx.Get(ev.Table, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if existing.Pending || existing.Deleted() {
			return nil
		}

		at := e.now()
		existing.DeletedAt = &at
		existing.UpdatedAt = at
		return tx.Put(ev.Table, existing)
	})
}
