// Package api implements the reference remote store: per-table upsert with
// server-assigned sync tokens, token-filtered delta queries, the per-user
// settings endpoint, and a websocket feed broadcasting accepted changes.
//
// Production deployments put the authoritative store elsewhere; this server
// exists for development and end-to-end tests of the sync engine.
package api

import (
	"sort"
	"sync"
	"time"

	"github.com/clearledger/syncd/internal/types"
)

// MemoryStore is the in-process backing store for the reference server.
// One monotonically increasing token counter is shared by all tables, so a
// row's sync_token doubles as its position in the global change sequence.
type MemoryStore struct {
	mu       sync.Mutex
	token    int64
	tables   map[types.Table]map[string]map[string]any
	settings map[string]*types.UserSettings
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	tables := make(map[types.Table]map[string]map[string]any, len(types.AllTables))
	for _, t := range types.AllTables {
		tables[t] = make(map[string]map[string]any)
	}
	return &MemoryStore{
		tables:   tables,
		settings: make(map[string]*types.UserSettings),
	}
}

// Upsert persists rows by id, assigning each a fresh sync token and server
// timestamp. It returns the persisted rows and, for the feed, the matching
// change events. Upserting the same content twice is harmless: the row just
// gets a newer token.
func (s *MemoryStore) Upsert(table types.Table, rows []map[string]any) ([]map[string]any, []types.SyncEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	persisted := make([]map[string]any, 0, len(rows))
	events := make([]types.SyncEvent, 0, len(rows))

	for _, row := range rows {
		id, _ := row["id"].(string)
		if id == "" {
			continue
		}

		stored := make(map[string]any, len(row)+2)
		for k, v := range row {
			stored[k] = v
		}
		s.token++
		stored["sync_token"] = s.token
		stored["updated_at"] = now

		old, existed := s.tables[table][id]
		s.tables[table][id] = stored
		persisted = append(persisted, stored)

		events = append(events, changeEvent(table, stored, old, existed))
	}

	return persisted, events
}

// changeEvent classifies an accepted upsert for the feed: new id → insert,
// newly tombstoned → delete, otherwise update.
func changeEvent(table types.Table, stored, old map[string]any, existed bool) types.SyncEvent {
	ev := types.SyncEvent{Table: table, New: stored, Old: old}
	switch {
	case !existed:
		ev.Type = types.EventInsert
	case isTombstoned(stored) && !isTombstoned(old):
		ev.Type = types.EventDelete
	default:
		ev.Type = types.EventUpdate
	}
	return ev
}

func isTombstoned(row map[string]any) bool {
	v, ok := row["deleted_at"].(string)
	return ok && v != ""
}

// Delta returns the table's rows with sync_token > after, ascending, for
// the requested page.
func (s *MemoryStore) Delta(table types.Table, after int64, page, limit int) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]map[string]any, 0)
	for _, row := range s.tables[table] {
		tok, err := types.Int64FromWire(row["sync_token"])
		if err != nil || tok <= after {
			continue
		}
		matched = append(matched, row)
	}
	sort.Slice(matched, func(i, j int) bool {
		ti, _ := types.Int64FromWire(matched[i]["sync_token"])
		tj, _ := types.Int64FromWire(matched[j]["sync_token"])
		return ti < tj
	})

	start := (page - 1) * limit
	if start >= len(matched) {
		return []map[string]any{}
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end]
}

// GetSettings returns the settings row for the user, nil when absent.
func (s *MemoryStore) GetSettings(userID string) *types.UserSettings {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, ok := s.settings[userID]
	if !ok {
		return nil
	}
	out := *settings
	return &out
}

// PutSettings stores the settings row, stamping the server time.
func (s *MemoryStore) PutSettings(settings *types.UserSettings) *types.UserSettings {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *settings
	stored.UpdatedAt = time.Now().UTC()
	s.settings[settings.UserID] = &stored
	out := stored
	return &out
}
