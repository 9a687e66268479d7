package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clearledger/syncd/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed local cache.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the local cache at dbPath.
// It enables WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the filesystem path of the database, for snapshotting.
func (s *SQLiteStore) Path(ctx context.Context) (string, error) {
	var name, path string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, file FROM pragma_database_list WHERE name = 'main'`).Scan(&name, &path)
	if err != nil {
		return "", fmt.Errorf("resolve database path: %w", err)
	}
	return path, nil
}

// Snapshot writes a consistent copy of the database to a sibling file and
// returns its path. The previous snapshot, if any, is replaced.
func (s *SQLiteStore) Snapshot(ctx context.Context) (string, error) {
	path, err := s.Path(ctx)
	if err != nil {
		return "", err
	}

	dest := path + ".snapshot"
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove stale snapshot: %w", err)
	}

	// VACUUM INTO produces a compacted copy without blocking writers in WAL mode.
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return "", fmt.Errorf("generate snapshot: %w", err)
	}
	return dest, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so record operations can
// run standalone or inside Apply.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `id, payload, sync_token, pending_sync, updated_at, deleted_at`

func (s *SQLiteStore) Get(ctx context.Context, table types.Table, id string) (*types.Record, error) {
	return getRecord(ctx, s.db, table, id)
}

func getRecord(ctx context.Context, q querier, table types.Table, id string) (*types.Record, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE table_name = ? AND id = ?`,
		string(table), id)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	return rec, nil
}

func (s *SQLiteStore) BulkGet(ctx context.Context, table types.Table, ids []string) (map[string]*types.Record, error) {
	out := make(map[string]*types.Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(table))
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE table_name = ? AND id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("bulk get %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("bulk get %s: %w", table, err)
		}
		out[rec.ID] = rec
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListPending(ctx context.Context, table types.Table) ([]*types.Record, error) {
	return s.list(ctx, table, `pending_sync = 1`)
}

func (s *SQLiteStore) ListActive(ctx context.Context, table types.Table) ([]*types.Record, error) {
	return s.list(ctx, table, `deleted_at IS NULL`)
}

func (s *SQLiteStore) list(ctx context.Context, table types.Table, where string) ([]*types.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE table_name = ? AND `+where+` ORDER BY id`,
		string(table))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	recs := make([]*types.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", table, err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var records, settings int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE pending_sync = 1`).Scan(&records); err != nil {
		return 0, fmt.Errorf("count pending records: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_settings WHERE pending_sync = 1`).Scan(&settings); err != nil {
		return 0, fmt.Errorf("count pending settings: %w", err)
	}
	return records + settings, nil
}

func (s *SQLiteStore) Put(ctx context.Context, table types.Table, rec *types.Record) error {
	return putRecord(ctx, s.db, table, rec)
}

func (s *SQLiteStore) PutBatch(ctx context.Context, table types.Table, recs []*types.Record) error {
	if len(recs) == 0 {
		return nil
	}
	return s.Apply(ctx, func(tx Tx) error {
		for _, rec := range recs {
			if err := tx.Put(table, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func putRecord(ctx context.Context, q querier, table types.Table, rec *types.Record) error {
	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal payload %s/%s: %w", table, rec.ID, err)
	}

	var deletedAt any
	if rec.DeletedAt != nil {
		deletedAt = rec.DeletedAt.UTC().Format(time.RFC3339Nano)
	}

	var bucket any
	if b := types.MonthBucket(table, rec.Fields); b != "" {
		bucket = b
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO records (table_name, id, payload, sync_token, pending_sync, updated_at, deleted_at, month_bucket)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, id) DO UPDATE SET
			payload = excluded.payload,
			sync_token = excluded.sync_token,
			pending_sync = excluded.pending_sync,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			month_bucket = excluded.month_bucket
	`, string(table), rec.ID, string(payload), rec.SyncToken, boolToInt(rec.Pending),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano), deletedAt, bucket)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", table, rec.ID, err)
	}
	return nil
}

// Apply runs fn in one transaction. Any error rolls the whole batch back.
func (s *SQLiteStore) Apply(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) Get(table types.Table, id string) (*types.Record, error) {
	return getRecord(t.ctx, t.tx, table, id)
}

func (t *sqliteTx) Put(table types.Table, rec *types.Record) error {
	return putRecord(t.ctx, t.tx, table, rec)
}

func (s *SQLiteStore) GetUserSettings(ctx context.Context, userID string) (*types.UserSettings, error) {
	var (
		settings    types.UserSettings
		preferences string
		pending     int
		updatedAt   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, last_sync_token, preferences, pending_sync, updated_at
		FROM user_settings WHERE user_id = ?
	`, userID).Scan(&settings.UserID, &settings.LastSyncToken, &preferences, &pending, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrSettingsNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user settings: %w", err)
	}

	if err := json.Unmarshal([]byte(preferences), &settings.Preferences); err != nil {
		return nil, fmt.Errorf("unmarshal preferences: %w", err)
	}
	settings.Pending = pending == 1
	if settings.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse settings updated_at: %w", err)
	}
	return &settings, nil
}

func (s *SQLiteStore) PutUserSettings(ctx context.Context, settings *types.UserSettings) error {
	preferences, err := json.Marshal(settings.Preferences)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	if settings.Preferences == nil {
		preferences = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, last_sync_token, preferences, pending_sync, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_sync_token = excluded.last_sync_token,
			preferences = excluded.preferences,
			pending_sync = excluded.pending_sync,
			updated_at = excluded.updated_at
	`, settings.UserID, settings.LastSyncToken, string(preferences),
		boolToInt(settings.Pending), settings.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put user settings: %w", err)
	}
	return nil
}

// scanRecord decodes one records row via the provided Scan function.
func scanRecord(scan func(dest ...any) error) (*types.Record, error) {
	var (
		rec       types.Record
		payload   string
		pending   int
		updatedAt string
		deletedAt sql.NullString
	)
	if err := scan(&rec.ID, &payload, &rec.SyncToken, &pending, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &rec.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	rec.Pending = pending == 1

	var err error
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if deletedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse deleted_at: %w", err)
		}
		rec.DeletedAt = &t
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
