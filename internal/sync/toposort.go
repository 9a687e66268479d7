package sync

import (
	"log/slog"

	"github.com/clearledger/syncd/internal/types"
)

// orderByParent reorders a pending batch depth-first so every record whose
// parent is also in the batch comes strictly after that parent. Parents that
// are not pending are assumed to exist remotely already. On a cycle the
// original order is kept for the records involved; the sort logs and
// proceeds rather than deadlocking.
func orderByParent(table types.Table, recs []*types.Record) []*types.Record {
	parentField := table.Spec().ParentField
	if parentField == "" || len(recs) < 2 {
		return recs
	}

	byID := make(map[string]*types.Record, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(recs))
	ordered := make([]*types.Record, 0, len(recs))

	var visit func(rec *types.Record) bool
	visit = func(rec *types.Record) bool {
		switch state[rec.ID] {
		case done:
			return true
		case visiting:
			return false // cycle
		}
		state[rec.ID] = visiting

		if parentID := rec.StringField(parentField); parentID != "" {
			if parent, ok := byID[parentID]; ok {
				if !visit(parent) {
					state[rec.ID] = done
					ordered = append(ordered, rec)
					return false
				}
			}
		}

		state[rec.ID] = done
		ordered = append(ordered, rec)
		return true
	}

	for _, rec := range recs {
		if !visit(rec) {
			slog.Warn("parent cycle detected in pending batch",
				"component", "sync",
				"table", table,
				"record_id", rec.ID,
			)
		}
	}

	return ordered
}
