// Package e2e exercises the full sync loop: real SQLite caches on both
// sides of an in-process reference server, driven by the public engine API.
package e2e

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clearledger/syncd/internal/api"
	"github.com/clearledger/syncd/internal/codec"
	"github.com/clearledger/syncd/internal/remote"
	"github.com/clearledger/syncd/internal/status"
	"github.com/clearledger/syncd/internal/store"
	syncengine "github.com/clearledger/syncd/internal/sync"
	"github.com/clearledger/syncd/internal/types"
)

const (
	apiKey = "e2e-key"
	userID = "user-1"
)

// flakyServer wraps the reference server so tests can simulate outages.
type flakyServer struct {
	*httptest.Server
	failing atomic.Bool
}

func newServer(t *testing.T) *flakyServer {
	t.Helper()
	router := api.NewRouter(api.NewHandler(api.NewMemoryStore(), nil, apiKey, "e2e"))
	fs := &flakyServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fs.failing.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(fs.Close)
	return fs
}

type client struct {
	db     *store.SQLiteStore
	engine *syncengine.Engine
}

func newClient(t *testing.T, serverURL string) *client {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	rc := remote.NewHTTPClient(serverURL, func(ctx context.Context) (string, error) {
		return apiKey, nil
	})
	cfg := syncengine.Config{
		BatchSize:           50,
		PageSize:            200,
		MaxRetries:          1,
		RetryBase:           time.Millisecond,
		RetryCap:            5 * time.Millisecond,
		QuarantineThreshold: 3,
		PushDebounce:        5 * time.Millisecond,
	}
	engine := syncengine.New(db, rc, codec.Noop{}, status.NewBus(), cfg, syncengine.Options{
		Session: func(ctx context.Context) (string, error) { return userID, nil },
	})
	return &client{db: db, engine: engine}
}

func (c *client) edit(t *testing.T, table types.Table, id string, fields map[string]any) {
	t.Helper()
	ctx := context.Background()
	rec, err := c.db.Get(ctx, table, id)
	if err != nil {
		rec = &types.Record{ID: id, Fields: map[string]any{}}
	}
	for k, v := range fields {
		rec.Fields[k] = v
	}
	rec.Pending = true
	rec.UpdatedAt = time.Now().UTC()
	if err := c.db.Put(ctx, table, rec); err != nil {
		t.Fatalf("local edit: %v", err)
	}
}

func (c *client) tombstone(t *testing.T, table types.Table, id string) {
	t.Helper()
	ctx := context.Background()
	rec, err := c.db.Get(ctx, table, id)
	if err != nil {
		t.Fatalf("tombstone target: %v", err)
	}
	now := time.Now().UTC()
	rec.DeletedAt = &now
	rec.UpdatedAt = now
	rec.Pending = true
	if err := c.db.Put(ctx, table, rec); err != nil {
		t.Fatalf("tombstone: %v", err)
	}
}

func mustGet(t *testing.T, c *client, table types.Table, id string) *types.Record {
	t.Helper()
	rec, err := c.db.Get(context.Background(), table, id)
	if err != nil {
		t.Fatalf("get %s/%s: %v", table, id, err)
	}
	return rec
}

func TestTwoClientsConverge(t *testing.T) {
	srv := newServer(t)
	a := newClient(t, srv.URL)
	b := newClient(t, srv.URL)
	ctx := context.Background()

	a.edit(t, types.TableTransactions, "tx-1", map[string]any{
		"description": "groceries",
		"amount":      "42.00",
		"date":        "2026-08-14",
	})
	a.engine.Sync(ctx)

	got := mustGet(t, a, types.TableTransactions, "tx-1")
	if got.Pending {
		t.Error("pushed record still pending on writer")
	}
	if got.SyncToken == 0 {
		t.Error("pushed record has no server token")
	}

	b.engine.Sync(ctx)
	pulled := mustGet(t, b, types.TableTransactions, "tx-1")
	if pulled.StringField("description") != "groceries" {
		t.Fatalf("record did not propagate: %v", pulled.Fields)
	}
	if pulled.Pending {
		t.Error("pulled record must not be pending")
	}

	// Edit flows back the other way.
	b.edit(t, types.TableTransactions, "tx-1", map[string]any{"description": "farmers market"})
	b.engine.Sync(ctx)
	a.engine.Sync(ctx)

	if got := mustGet(t, a, types.TableTransactions, "tx-1"); got.StringField("description") != "farmers market" {
		t.Errorf("edit did not propagate back, got %q", got.StringField("description"))
	}
}

func TestPendingLocalEditWinsConflict(t *testing.T) {
	srv := newServer(t)
	a := newClient(t, srv.URL)
	b := newClient(t, srv.URL)
	ctx := context.Background()

	a.edit(t, types.TableTransactions, "tx-1", map[string]any{
		"description": "original",
		"date":        "2026-08-14",
	})
	a.engine.Sync(ctx)
	b.engine.Sync(ctx)

	// Both sides edit. A pushes first; B still holds a pending local edit.
	a.edit(t, types.TableTransactions, "tx-1", map[string]any{"description": "from a"})
	a.engine.Sync(ctx)
	b.edit(t, types.TableTransactions, "tx-1", map[string]any{"description": "from b"})

	b.engine.Sync(ctx)
	if got := mustGet(t, b, types.TableTransactions, "tx-1"); got.StringField("description") != "from b" {
		t.Fatalf("pending local edit lost, got %q", got.StringField("description"))
	}

	// A converges to B's later write.
	a.engine.Sync(ctx)
	if got := mustGet(t, a, types.TableTransactions, "tx-1"); got.StringField("description") != "from b" {
		t.Errorf("clients did not converge, got %q", got.StringField("description"))
	}
}

func TestOfflineEditsQueueUntilServerReturns(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()

	srv.failing.Store(true)
	c.edit(t, types.TableTransactions, "tx-1", map[string]any{
		"description": "written offline",
		"date":        "2026-08-14",
	})
	c.engine.Sync(ctx)

	count, err := c.db.CountPending(ctx)
	if err != nil {
		t.Fatalf("CountPending: %v", err)
	}
	if count == 0 {
		t.Fatal("record must stay pending while the server is down")
	}

	srv.failing.Store(false)
	c.engine.Sync(ctx)

	if got := mustGet(t, c, types.TableTransactions, "tx-1"); got.Pending || got.SyncToken == 0 {
		t.Errorf("queued edit not pushed after recovery: %+v", got)
	}
}

func TestTombstonePropagates(t *testing.T) {
	srv := newServer(t)
	a := newClient(t, srv.URL)
	b := newClient(t, srv.URL)
	ctx := context.Background()

	a.edit(t, types.TableTransactions, "tx-1", map[string]any{
		"description": "short lived",
		"date":        "2026-08-14",
	})
	a.engine.Sync(ctx)
	b.engine.Sync(ctx)

	a.tombstone(t, types.TableTransactions, "tx-1")
	a.engine.Sync(ctx)
	b.engine.Sync(ctx)

	got := mustGet(t, b, types.TableTransactions, "tx-1")
	if !got.Deleted() {
		t.Fatal("tombstone did not propagate")
	}

	active, err := b.db.ListActive(ctx, types.TableTransactions)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	for _, rec := range active {
		if rec.ID == "tx-1" {
			t.Error("deleted record still listed as active")
		}
	}
}

func TestCursorAdvancesAndReachesServer(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()

	c.edit(t, types.TableTransactions, "tx-1", map[string]any{
		"description": "first",
		"date":        "2026-08-14",
	})
	c.engine.Sync(ctx)

	settings, err := c.db.GetUserSettings(ctx, userID)
	if err != nil {
		t.Fatalf("local settings: %v", err)
	}
	if settings.LastSyncToken == 0 {
		t.Fatal("cursor did not advance after pull")
	}

	// The advanced cursor is pushed on the following cycle.
	c.engine.Sync(ctx)
	rc := remote.NewHTTPClient(srv.URL, func(ctx context.Context) (string, error) {
		return apiKey, nil
	})
	remoteSettings, err := rc.GetUserSettings(ctx, userID)
	if err != nil {
		t.Fatalf("remote settings: %v", err)
	}
	if remoteSettings.LastSyncToken < settings.LastSyncToken {
		t.Errorf("server cursor %d behind local %d",
			remoteSettings.LastSyncToken, settings.LastSyncToken)
	}
}

func TestCategoriesPushParentsFirst(t *testing.T) {
	srv := newServer(t)
	a := newClient(t, srv.URL)
	b := newClient(t, srv.URL)
	ctx := context.Background()

	// Seed the child before the parent; push order must still satisfy the
	// hierarchy so the server sees parents first.
	a.edit(t, types.TableCategories, "cat-child", map[string]any{
		"name":      "Restaurants",
		"parent_id": "cat-parent",
	})
	a.edit(t, types.TableCategories, "cat-parent", map[string]any{
		"name": "Food",
	})
	a.engine.Sync(ctx)
	b.engine.Sync(ctx)

	parent := mustGet(t, b, types.TableCategories, "cat-parent")
	child := mustGet(t, b, types.TableCategories, "cat-child")
	if parent.SyncToken >= child.SyncToken {
		t.Errorf("parent token %d not before child token %d",
			parent.SyncToken, child.SyncToken)
	}
}
