package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clearledger/syncd/internal/remote"
	"github.com/clearledger/syncd/internal/store"
	"github.com/clearledger/syncd/internal/types"
)

// mockStore is an in-memory store.Store preserving insertion order per table.
type mockStore struct {
	mu       sync.Mutex
	order    map[types.Table][]string
	records  map[types.Table]map[string]*types.Record
	settings map[string]*types.UserSettings

	putErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		order:    make(map[types.Table][]string),
		records:  make(map[types.Table]map[string]*types.Record),
		settings: make(map[string]*types.UserSettings),
	}
}

func (m *mockStore) seed(table types.Table, recs ...*types.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		m.putLocked(table, rec)
	}
}

func (m *mockStore) putLocked(table types.Table, rec *types.Record) {
	if m.records[table] == nil {
		m.records[table] = make(map[string]*types.Record)
	}
	if _, exists := m.records[table][rec.ID]; !exists {
		m.order[table] = append(m.order[table], rec.ID)
	}
	m.records[table][rec.ID] = rec.Clone()
}

func (m *mockStore) get(table types.Table, id string) *types.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[table][id]
	if !ok {
		return nil
	}
	return rec.Clone()
}

func (m *mockStore) Get(ctx context.Context, table types.Table, id string) (*types.Record, error) {
	rec := m.get(table, id)
	if rec == nil {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (m *mockStore) BulkGet(ctx context.Context, table types.Table, ids []string) (map[string]*types.Record, error) {
	out := make(map[string]*types.Record, len(ids))
	for _, id := range ids {
		if rec := m.get(table, id); rec != nil {
			out[id] = rec
		}
	}
	return out, nil
}

func (m *mockStore) ListPending(ctx context.Context, table types.Table) ([]*types.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Record
	for _, id := range m.order[table] {
		if rec := m.records[table][id]; rec.Pending {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (m *mockStore) ListActive(ctx context.Context, table types.Table) ([]*types.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Record
	for _, id := range m.order[table] {
		if rec := m.records[table][id]; !rec.Deleted() {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (m *mockStore) CountPending(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, recs := range m.records {
		for _, rec := range recs {
			if rec.Pending {
				count++
			}
		}
	}
	for _, s := range m.settings {
		if s.Pending {
			count++
		}
	}
	return count, nil
}

func (m *mockStore) Put(ctx context.Context, table types.Table, rec *types.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.putLocked(table, rec)
	return nil
}

func (m *mockStore) PutBatch(ctx context.Context, table types.Table, recs []*types.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	for _, rec := range recs {
		m.putLocked(table, rec)
	}
	return nil
}

type mockTx struct {
	m *mockStore
}

func (t *mockTx) Get(table types.Table, id string) (*types.Record, error) {
	rec, ok := t.m.records[table][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (t *mockTx) Put(table types.Table, rec *types.Record) error {
	t.m.putLocked(table, rec)
	return nil
}

func (m *mockStore) Apply(ctx context.Context, fn func(tx store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&mockTx{m: m})
}

func (m *mockStore) GetUserSettings(ctx context.Context, userID string) (*types.UserSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[userID]
	if !ok {
		return nil, store.ErrSettingsNotFound
	}
	out := *s
	return &out, nil
}

func (m *mockStore) PutUserSettings(ctx context.Context, settings *types.UserSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *settings
	m.settings[settings.UserID] = &s
	return nil
}

func (m *mockStore) Close() error { return nil }

// mockClient is a scriptable remote.Client. Upsert assigns monotonic sync
// tokens unless upsertErrs still has failures queued.
type mockClient struct {
	mu    sync.Mutex
	token int64

	upsertCalls []upsertCall
	upsertErrs  []error
	upsertHold  chan struct{}

	queryCalls []queryCall
	queryRows  map[types.Table][]map[string]any
	queryErr   map[types.Table]error

	remoteSettings *types.UserSettings
	settingsErr    error
	settingsGets   int
}

type upsertCall struct {
	table types.Table
	rows  []map[string]any
}

type queryCall struct {
	table types.Table
	after int64
	page  int
}

func newMockClient() *mockClient {
	return &mockClient{
		queryRows: make(map[types.Table][]map[string]any),
		queryErr:  make(map[types.Table]error),
	}
}

func (m *mockClient) Upsert(ctx context.Context, table types.Table, rows []map[string]any) ([]map[string]any, error) {
	m.mu.Lock()
	m.upsertCalls = append(m.upsertCalls, upsertCall{table: table, rows: rows})
	m.mu.Unlock()

	if m.upsertHold != nil {
		<-m.upsertHold
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.upsertErrs) > 0 {
		err := m.upsertErrs[0]
		m.upsertErrs = m.upsertErrs[1:]
		return nil, err
	}

	persisted := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out := make(map[string]any, len(row)+1)
		for k, v := range row {
			out[k] = v
		}
		m.token++
		out["sync_token"] = m.token
		persisted = append(persisted, out)
	}
	return persisted, nil
}

func (m *mockClient) Query(ctx context.Context, table types.Table, after int64, page, pageSize int) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queryCalls = append(m.queryCalls, queryCall{table: table, after: after, page: page})

	if err := m.queryErr[table]; err != nil {
		return nil, err
	}
	if page > 1 {
		return nil, nil
	}

	var out []map[string]any
	for _, row := range m.queryRows[table] {
		tok, _ := types.Int64FromWire(row["sync_token"])
		if tok > after {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *mockClient) GetUserSettings(ctx context.Context, userID string) (*types.UserSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settingsGets++
	if m.settingsErr != nil {
		return nil, m.settingsErr
	}
	if m.remoteSettings == nil {
		return nil, fmt.Errorf("get settings: %w", remote.ErrSettingsNotFound)
	}
	out := *m.remoteSettings
	return &out, nil
}

func (m *mockClient) UpsertUserSettings(ctx context.Context, settings *types.UserSettings) (*types.UserSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settingsErr != nil {
		return nil, m.settingsErr
	}
	s := *settings
	s.UpdatedAt = time.Now().UTC()
	m.remoteSettings = &s
	out := s
	return &out, nil
}

func (m *mockClient) upserted() []upsertCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]upsertCall, len(m.upsertCalls))
	copy(out, m.upsertCalls)
	return out
}

func (m *mockClient) settingsFetched() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settingsGets
}

func (m *mockClient) queried() []queryCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]queryCall, len(m.queryCalls))
	copy(out, m.queryCalls)
	return out
}
