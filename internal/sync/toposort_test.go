package sync

import (
	"testing"

	"github.com/clearledger/syncd/internal/types"
)

func category(id, parent string) *types.Record {
	fields := map[string]any{"name": id}
	if parent != "" {
		fields["parent_id"] = parent
	}
	return &types.Record{ID: id, Pending: true, Fields: fields}
}

func indexOf(recs []*types.Record, id string) int {
	for i, rec := range recs {
		if rec.ID == id {
			return i
		}
	}
	return -1
}

func TestOrderByParent_ParentsBeforeChildren(t *testing.T) {
	recs := []*types.Record{
		category("snacks", "food"),
		category("drinks", "food"),
		category("food", ""),
		category("coffee", "drinks"),
	}

	ordered := orderByParent(types.TableCategories, recs)

	if len(ordered) != 4 {
		t.Fatalf("expected 4 records, got %d", len(ordered))
	}
	if indexOf(ordered, "food") > indexOf(ordered, "snacks") {
		t.Error("food must precede snacks")
	}
	if indexOf(ordered, "food") > indexOf(ordered, "drinks") {
		t.Error("food must precede drinks")
	}
	if indexOf(ordered, "drinks") > indexOf(ordered, "coffee") {
		t.Error("drinks must precede coffee")
	}
}

func TestOrderByParent_AbsentParentIgnored(t *testing.T) {
	// The parent is not pending, so it already exists remotely.
	recs := []*types.Record{
		category("snacks", "food"),
	}

	ordered := orderByParent(types.TableCategories, recs)
	if len(ordered) != 1 || ordered[0].ID != "snacks" {
		t.Fatalf("expected single record unchanged, got %v", ordered)
	}
}

func TestOrderByParent_CycleKeepsEveryRecord(t *testing.T) {
	recs := []*types.Record{
		category("a", "b"),
		category("b", "a"),
		category("solo", ""),
	}

	ordered := orderByParent(types.TableCategories, recs)

	if len(ordered) != 3 {
		t.Fatalf("cycle must not drop records, got %d of 3", len(ordered))
	}
	seen := make(map[string]int)
	for _, rec := range ordered {
		seen[rec.ID]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("record %s appeared %d times", id, n)
		}
	}
}

func TestOrderByParent_NonHierarchicalUntouched(t *testing.T) {
	recs := []*types.Record{
		{ID: "tx-2", Fields: map[string]any{}},
		{ID: "tx-1", Fields: map[string]any{}},
	}

	ordered := orderByParent(types.TableTransactions, recs)
	if ordered[0].ID != "tx-2" || ordered[1].ID != "tx-1" {
		t.Error("tables without a parent field must keep their order")
	}
}
