package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clearledger/syncd/internal/remote"
	"github.com/clearledger/syncd/internal/store"
	"github.com/clearledger/syncd/internal/types"
)

// pullAll fetches remote changes for every table. In delta mode only rows
// with sync_token above the global cursor are fetched; full mode refetches
// everything. A failing table stops only its own loop; a forbidden session
// aborts the whole phase. After all tables the cursor advances to the
// highest token seen.
func (e *Engine) pullAll(ctx context.Context, userID string, full bool) error {
	cursor := e.currentCursor(ctx, userID)
	if full {
		cursor = 0
	}

	maxToken := cursor
	var shared []sharedRecord

	for _, table := range types.AllTables {
		tableMax, tableShared, err := e.pullTable(ctx, table, userID, cursor)
		if err != nil {
			if errors.Is(err, remote.ErrForbidden) {
				return err
			}
			e.tracker.record(table, "pull", err.Error(), 1, e.now())
			slog.Error("pull failed for table",
				"component", "sync",
				"action", "pull_table_failed",
				"table", table,
				"error", err,
			)
			continue
		}
		e.tracker.clear(errorKey(table, "pull"))
		if tableMax > maxToken {
			maxToken = tableMax
		}
		shared = append(shared, tableShared...)

		if table == types.TableRecurring {
			e.recomputeRecurring(ctx)
		}
	}

	e.notifyShared(shared)
	e.advanceCursor(ctx, userID, maxToken)
	e.broadcast(ctx)
	return nil
}

// sharedRecord is a newly visible record from a shared group, authored by
// someone else; these are aggregated into one notification per cycle.
type sharedRecord struct {
	table types.Table
	rec   *types.Record
}

// pullTable paginates one table's remote rows and applies each through the
// conflict rule. Per-row failures are isolated; a page fetch failure stops
// this table for the cycle.
func (e *Engine) pullTable(ctx context.Context, table types.Table, userID string, cursor int64) (int64, []sharedRecord, error) {
	var (
		maxToken int64
		shared   []sharedRecord
	)

	for page := 1; ; page++ {
		rows, err := e.remote.Query(ctx, table, cursor, page, e.cfg.PageSize)
		if err != nil {
			return maxToken, shared, fmt.Errorf("page %d: %w", page, err)
		}

		accepted := make([]*types.Record, 0, len(rows))
		for _, row := range rows {
			rec, err := types.RecordFromWire(row)
			if err != nil {
				// One undecodable row must not sink the page.
				slog.Warn("skipping malformed remote row",
					"component", "sync",
					"table", table,
					"error", err,
				)
				continue
			}
			if rec.SyncToken > maxToken {
				maxToken = rec.SyncToken
			}

			existing, err := e.local.Get(ctx, table, rec.ID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				slog.Warn("local lookup failed during pull",
					"component", "sync",
					"table", table,
					"record_id", rec.ID,
					"error", err,
				)
				continue
			}

			if !shouldUpdateLocal(existing, rec) {
				continue
			}

			stored, err := e.transformForStore(table, rec)
			if err != nil {
				e.tracker.record(table, rec.ID, err.Error(), 1, e.now())
				continue
			}
			accepted = append(accepted, stored)

			if existing == nil && isForeignGroupRecord(rec, userID) {
				shared = append(shared, sharedRecord{table: table, rec: rec})
			}
		}

		if err := e.local.PutBatch(ctx, table, accepted); err != nil {
			return maxToken, shared, fmt.Errorf("apply page %d: %w", page, err)
		}

		if len(rows) < e.cfg.PageSize {
			break
		}
	}

	return maxToken, shared, nil
}

// transformForStore prepares an accepted remote record for the local cache:
// normalized field types, re-encrypted sensitive fields, pendingSync clear.
func (e *Engine) transformForStore(table types.Table, rec *types.Record) (*types.Record, error) {
	stored := rec.Clone()
	types.NormalizeFields(stored.Fields)

	fields, err := e.codec.EncryptFields(table, stored.Fields)
	if err != nil {
		return nil, fmt.Errorf("encrypt for store: %w", err)
	}
	stored.Fields = fields
	stored.Pending = false
	return stored, nil
}

// isForeignGroupRecord reports whether the record belongs to a shared group
// and was authored by another user.
func isForeignGroupRecord(rec *types.Record, userID string) bool {
	if rec.Deleted() {
		return false
	}
	if rec.StringField("group_id") == "" {
		return false
	}
	author := rec.StringField("user_id")
	return author != "" && author != userID
}

// notifyShared emits one aggregated notification: detailed for a single new
// shared record, summarized for several.
func (e *Engine) notifyShared(shared []sharedRecord) {
	switch len(shared) {
	case 0:
	case 1:
		item := shared[0]
		body := fmt.Sprintf("A group member added a record to %s.", item.table)
		if desc := item.rec.StringField("description"); desc != "" {
			body = fmt.Sprintf("A group member added %q.", desc)
		}
		e.notify(Notification{Title: "Shared update", Body: body})
	default:
		e.notify(Notification{
			Title: "Shared updates",
			Body:  fmt.Sprintf("%d new records arrived in your shared groups.", len(shared)),
		})
	}
}

// pullSettings reconciles the settings singleton. Preferences follow
// last-write-wins on updated_at with local pending edits winning; the cursor
// merges to the maximum of both sides so it never moves backwards. Only a
// forbidden session surfaces as an error.
func (e *Engine) pullSettings(ctx context.Context, userID string) error {
	remoteSettings, err := e.remote.GetUserSettings(ctx, userID)
	if errors.Is(err, remote.ErrSettingsNotFound) {
		return nil
	}
	if err != nil {
		if errors.Is(err, remote.ErrForbidden) {
			return err
		}
		slog.Error("settings pull failed",
			"component", "sync",
			"error", err,
		)
		return nil
	}

	local, err := e.local.GetUserSettings(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrSettingsNotFound) {
		slog.Error("local settings lookup failed",
			"component", "sync",
			"error", err,
		)
		return nil
	}

	merged := *remoteSettings
	merged.Pending = false
	if local != nil {
		if local.Pending || local.UpdatedAt.After(remoteSettings.UpdatedAt) {
			merged = *local
		}
		if local.LastSyncToken > merged.LastSyncToken {
			merged.LastSyncToken = local.LastSyncToken
		}
	}

	if err := e.local.PutUserSettings(ctx, &merged); err != nil {
		slog.Error("settings write failed",
			"component", "sync",
			"error", err,
		)
	}
	return nil
}

// currentCursor reads the persisted global delta cursor, zero when absent.
func (e *Engine) currentCursor(ctx context.Context, userID string) int64 {
	settings, err := e.local.GetUserSettings(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrSettingsNotFound) {
			slog.Warn("cursor unavailable, pulling from zero",
				"component", "sync",
				"error", err,
			)
		}
		return 0
	}
	return settings.LastSyncToken
}

// advanceCursor moves the global cursor forward to maxToken. The settings
// row is marked pending so the new cursor propagates on the next push.
func (e *Engine) advanceCursor(ctx context.Context, userID string, maxToken int64) {
	settings, err := e.local.GetUserSettings(ctx, userID)
	if errors.Is(err, store.ErrSettingsNotFound) {
		settings = &types.UserSettings{UserID: userID}
	} else if err != nil {
		slog.Error("cursor advance failed",
			"component", "sync",
			"error", err,
		)
		return
	}

	if maxToken <= settings.LastSyncToken {
		return
	}

	settings.LastSyncToken = maxToken
	settings.UpdatedAt = e.now()
	settings.Pending = true
	if err := e.local.PutUserSettings(ctx, settings); err != nil {
		slog.Error("cursor advance failed",
			"component", "sync",
			"error", err,
		)
		return
	}

	slog.Debug("cursor advanced",
		"component", "sync",
		"last_sync_token", maxToken,
	)
}

// recomputeRecurring refreshes the derived next_occurrence field on active
// recurring records. The field is local-only, so the write does not mark the
// record pending.
func (e *Engine) recomputeRecurring(ctx context.Context) {
	recs, err := e.local.ListActive(ctx, types.TableRecurring)
	if err != nil {
		slog.Warn("recurring recompute skipped",
			"component", "sync",
			"error", err,
		)
		return
	}

	now := e.now()
	for _, rec := range recs {
		next, ok := nextOccurrence(rec, now)
		if !ok {
			continue
		}
		if rec.StringField("next_occurrence") == next {
			continue
		}
		rec.Fields["next_occurrence"] = next
		if err := e.local.Put(ctx, types.TableRecurring, rec); err != nil {
			slog.Warn("recurring recompute write failed",
				"component", "sync",
				"record_id", rec.ID,
				"error", err,
			)
		}
	}
}

// nextOccurrence rolls the record's anchor date forward past now according
// to its frequency.
func nextOccurrence(rec *types.Record, now time.Time) (string, bool) {
	anchor := rec.StringField("next_date")
	if anchor == "" {
		return "", false
	}
	t, err := time.Parse("2006-01-02", anchor)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, anchor); err != nil {
			return "", false
		}
	}

	var step func(time.Time) time.Time
	switch rec.StringField("frequency") {
	case "daily":
		step = func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }
	case "weekly":
		step = func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }
	case "monthly":
		step = func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }
	case "yearly":
		step = func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }
	default:
		return "", false
	}

	for !t.After(now) {
		t = step(t)
	}
	return t.Format("2006-01-02"), true
}
