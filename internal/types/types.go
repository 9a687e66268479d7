// Package types defines the syncable table catalog and the record shapes
// shared by the local store, the remote client, and the sync engine.
package types

import (
	"fmt"
	"time"
)

// Table identifies one syncable table. The set is closed: every table the
// engine touches is enumerated here and carries a Spec describing how its
// records are pushed, pulled, and stored.
type Table string

const (
	TableProfiles     Table = "profiles"
	TableGroups       Table = "groups"
	TableGroupMembers Table = "group_members"
	TableContexts     Table = "contexts"
	TableCategories   Table = "categories"
	TableBudgets      Table = "category_budgets"
	TableRecurring    Table = "recurring_transactions"
	TableTransactions Table = "transactions"
)

// AllTables lists every syncable table in push order: referenced entities
// before the entities that reference them, so a batch for a later table can
// assume its foreign rows already reached the remote store.
var AllTables = []Table{
	TableProfiles,
	TableGroups,
	TableGroupMembers,
	TableContexts,
	TableCategories,
	TableBudgets,
	TableRecurring,
	TableTransactions,
}

// UncategorizedID is a local-only placeholder category. It never exists
// remotely, so records referencing it are held back from push until the user
// assigns a real category.
const UncategorizedID = "uncategorized"

// Spec describes per-table sync behavior.
type Spec struct {
	// Hierarchical tables carry a ParentField forming a tree; push batches
	// must order parents before children.
	Hierarchical bool
	ParentField  string

	// GroupScoped tables derive ownership from group membership and are
	// pushed without an attached user id.
	GroupScoped bool

	// Sensitive lists field names the codec encrypts at rest.
	Sensitive []string

	// DateField, when set, is the field the store derives the month bucket
	// index from.
	DateField string

	// RefFields lists fields that may reference the uncategorized sentinel.
	RefFields []string
}

var specs = map[Table]Spec{
	TableProfiles: {
		Sensitive: []string{"display_name"},
	},
	TableGroups: {
		Sensitive: []string{"name"},
	},
	TableGroupMembers: {
		GroupScoped: true,
	},
	TableContexts: {
		Sensitive: []string{"name"},
	},
	TableCategories: {
		Hierarchical: true,
		ParentField:  "parent_id",
		Sensitive:    []string{"name"},
	},
	TableBudgets: {
		Sensitive: []string{"amount"},
		RefFields: []string{"category_id"},
	},
	TableRecurring: {
		Sensitive: []string{"description", "amount"},
		DateField: "next_date",
		RefFields: []string{"category_id"},
	},
	TableTransactions: {
		Sensitive: []string{"description", "amount", "notes"},
		DateField: "date",
		RefFields: []string{"category_id"},
	},
}

// Spec returns the sync behavior for the table.
func (t Table) Spec() Spec {
	return specs[t]
}

// Valid reports whether t names a known syncable table.
func (t Table) Valid() bool {
	_, ok := specs[t]
	return ok
}

// ParseTable converts a wire table name into a Table.
func ParseTable(name string) (Table, error) {
	t := Table(name)
	if !t.Valid() {
		return "", fmt.Errorf("unknown table %q", name)
	}
	return t, nil
}

// Record is one syncable row in its local representation.
//
// SyncToken is assigned only by the remote store and is zero for records that
// were never pushed. Pending marks an unconfirmed local mutation; while set,
// the record wins every conflict against remote state. DeletedAt is a soft
// tombstone: sync never hard-removes a record.
type Record struct {
	ID        string
	SyncToken int64
	UpdatedAt time.Time
	DeletedAt *time.Time
	Pending   bool

	// Fields holds the domain payload minus the promoted columns above.
	// Sensitive fields are encrypted at rest and decrypted before push.
	Fields map[string]any
}

// Deleted reports whether the record carries a tombstone.
func (r *Record) Deleted() bool {
	return r.DeletedAt != nil
}

// Clone returns a deep-enough copy for safe mutation during transforms.
func (r *Record) Clone() *Record {
	out := *r
	out.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	if r.DeletedAt != nil {
		at := *r.DeletedAt
		out.DeletedAt = &at
	}
	return &out
}

// StringField returns a string-typed field, or "" when absent or not a string.
func (r *Record) StringField(name string) string {
	if v, ok := r.Fields[name].(string); ok {
		return v
	}
	return ""
}

// UserSettings is the singleton-per-user settings row. It is keyed by user id
// rather than record id and follows its own last-write-wins rule on UpdatedAt.
// LastSyncToken is the single global delta cursor shared by all tables.
type UserSettings struct {
	UserID        string         `json:"user_id"`
	LastSyncToken int64          `json:"last_sync_token"`
	Preferences   map[string]any `json:"preferences,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`

	// Pending mirrors Record.Pending for local edits awaiting push.
	Pending bool `json:"-"`
}

// SyncEventType enumerates live feed event kinds.
type SyncEventType string

const (
	EventInsert SyncEventType = "insert"
	EventUpdate SyncEventType = "update"
	EventDelete SyncEventType = "delete"
)

// SyncEvent is one record change delivered over the live feed.
type SyncEvent struct {
	Table Table          `json:"table"`
	Type  SyncEventType  `json:"type"`
	New   map[string]any `json:"new,omitempty"`
	Old   map[string]any `json:"old,omitempty"`
}
