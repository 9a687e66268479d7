package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Promoted wire keys. Everything else in a wire row is domain payload.
const (
	wireID        = "id"
	wireSyncToken = "sync_token"
	wireUpdatedAt = "updated_at"
	wireDeletedAt = "deleted_at"
	wireUserID    = "user_id"
)

// localOnlyFields never leave the device; they are stripped before push.
var localOnlyFields = []string{"next_occurrence", "month_bucket"}

// Wire flattens the record into the remote representation. The caller is
// expected to have decrypted sensitive fields first. userID is attached for
// ownership except on group-scoped tables, where membership already carries it.
func (r *Record) Wire(table Table, userID string) map[string]any {
	row := make(map[string]any, len(r.Fields)+4)
	for k, v := range r.Fields {
		row[k] = v
	}
	for _, k := range localOnlyFields {
		delete(row, k)
	}

	row[wireID] = r.ID
	if r.SyncToken > 0 {
		row[wireSyncToken] = r.SyncToken
	}
	row[wireUpdatedAt] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	if r.DeletedAt != nil {
		row[wireDeletedAt] = r.DeletedAt.UTC().Format(time.RFC3339Nano)
	}
	if !table.Spec().GroupScoped && userID != "" {
		row[wireUserID] = userID
	}
	return row
}

// RecordFromWire parses a remote row into a Record. The promoted columns are
// lifted out of the payload; everything else, including user_id, stays in
// Fields so callers can inspect authorship.
func RecordFromWire(row map[string]any) (*Record, error) {
	id, _ := row[wireID].(string)
	if id == "" {
		return nil, fmt.Errorf("wire row missing id")
	}

	rec := &Record{
		ID:     id,
		Fields: make(map[string]any, len(row)),
	}

	for k, v := range row {
		switch k {
		case wireID, wireSyncToken, wireUpdatedAt, wireDeletedAt:
			// promoted below
		default:
			rec.Fields[k] = v
		}
	}

	if v, ok := row[wireSyncToken]; ok {
		tok, err := Int64FromWire(v)
		if err != nil {
			return nil, fmt.Errorf("wire row %s: %w", id, err)
		}
		rec.SyncToken = tok
	}

	if v, ok := row[wireUpdatedAt].(string); ok && v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("wire row %s: parse updated_at: %w", id, err)
		}
		rec.UpdatedAt = t
	}

	if v, ok := row[wireDeletedAt].(string); ok && v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("wire row %s: parse deleted_at: %w", id, err)
		}
		rec.DeletedAt = &t
	}

	return rec, nil
}

// Int64FromWire converts the numeric encodings JSON decoding can produce
// into an int64.
func Int64FromWire(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}

// MonthBucket derives the YYYY-MM index value from the table's date field.
// Returns "" when the table has no date field or the value is absent/invalid.
func MonthBucket(table Table, fields map[string]any) string {
	df := table.Spec().DateField
	if df == "" {
		return ""
	}
	raw, _ := fields[df].(string)
	if raw == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		if t, err = time.Parse("2006-01-02", raw); err != nil {
			return ""
		}
	}
	return t.UTC().Format("2006-01")
}

// NormalizeFields rewrites JSON booleans into 0/1 integers so the values are
// indexable by the local store, mirroring what the remote store persists.
func NormalizeFields(fields map[string]any) {
	for k, v := range fields {
		if b, ok := v.(bool); ok {
			if b {
				fields[k] = int64(1)
			} else {
				fields[k] = int64(0)
			}
		}
	}
}
