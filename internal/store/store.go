// Package store provides the local offline cache backing the sync engine.
//
// Records are kept in a single SQLite table keyed by (table_name, id) with
// the sync bookkeeping columns promoted out of the JSON payload. The store
// never hard-deletes: tombstones stay so their deletion can propagate.
package store

import (
	"context"

	"github.com/clearledger/syncd/internal/types"
)

// Store is the local persistence contract consumed by the sync engine and
// the live-update channel.
type Store interface {
	Get(ctx context.Context, table types.Table, id string) (*types.Record, error)
	BulkGet(ctx context.Context, table types.Table, ids []string) (map[string]*types.Record, error)

	// ListPending returns records with an unconfirmed local mutation.
	ListPending(ctx context.Context, table types.Table) ([]*types.Record, error)

	// ListActive returns non-tombstoned records.
	ListActive(ctx context.Context, table types.Table) ([]*types.Record, error)

	// CountPending counts pending records across every table, settings row
	// included.
	CountPending(ctx context.Context) (int, error)

	Put(ctx context.Context, table types.Table, rec *types.Record) error
	PutBatch(ctx context.Context, table types.Table, recs []*types.Record) error

	// Apply runs fn inside one transaction spanning any set of tables, so
	// multi-table writes are never visible half-applied.
	Apply(ctx context.Context, fn func(tx Tx) error) error

	GetUserSettings(ctx context.Context, userID string) (*types.UserSettings, error)
	PutUserSettings(ctx context.Context, settings *types.UserSettings) error

	Close() error
}

// Tx exposes record operations scoped to one transaction.
type Tx interface {
	Get(table types.Table, id string) (*types.Record, error)
	Put(table types.Table, rec *types.Record) error
}
