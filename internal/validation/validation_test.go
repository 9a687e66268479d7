package validation

import (
	"strings"
	"testing"

	"github.com/clearledger/syncd/internal/types"
)

func TestValidateRow_AcceptsCleanRow(t *testing.T) {
	errs := ValidateRow(0, types.TableCategories, map[string]any{
		"id":         "cat-1",
		"name":       "Groceries",
		"parent_id":  "cat-0",
		"updated_at": "2026-08-01T12:00:00Z",
	})
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestValidateRow_MissingID(t *testing.T) {
	errs := ValidateRow(2, types.TableCategories, map[string]any{"name": "x"})
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}
	if errs[0].Field != "rows[2].id" || errs[0].Message != "is required" {
		t.Errorf("unexpected error: %+v", errs[0])
	}
}

func TestValidateRow_SelfParent(t *testing.T) {
	errs := ValidateRow(0, types.TableCategories, map[string]any{
		"id":        "cat-1",
		"parent_id": "cat-1",
	})
	if len(errs) != 1 || errs[0].Field != "rows[0].parent_id" {
		t.Errorf("expected self-parent error, got %v", errs)
	}

	// Non-hierarchical tables carry no parent rule.
	errs = ValidateRow(0, types.TableTransactions, map[string]any{
		"id":        "tx-1",
		"parent_id": "tx-1",
	})
	if len(errs) != 0 {
		t.Errorf("expected no errors for flat table, got %v", errs)
	}
}

func TestValidateRow_BadTimestamp(t *testing.T) {
	errs := ValidateRow(0, types.TableTransactions, map[string]any{
		"id":         "tx-1",
		"updated_at": "yesterday",
	})
	if len(errs) != 1 || errs[0].Field != "rows[0].updated_at" {
		t.Errorf("expected timestamp error, got %v", errs)
	}
}

func TestValidateRow_NonStringFieldsSkipped(t *testing.T) {
	errs := ValidateRow(0, types.TableTransactions, map[string]any{
		"id":         "tx-1",
		"amount":     125.5,
		"sync_token": float64(9),
		"cleared":    true,
	})
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestValidateRow_CollectsMultiple(t *testing.T) {
	errs := ValidateRow(0, types.TableTransactions, map[string]any{
		"id":          "",
		"description": "bad\x00byte",
		"deleted_at":  "not-a-time",
	})
	if len(errs) != 3 {
		t.Errorf("expected 3 errors, got %v", errs)
	}
}

func TestValidateUTF8(t *testing.T) {
	if err := ValidateUTF8("f", "héllo"); err != nil {
		t.Errorf("valid UTF-8 rejected: %v", err)
	}
	if err := ValidateUTF8("f", string([]byte{0xff, 0xfe})); err == nil {
		t.Error("invalid UTF-8 accepted")
	}
}

func TestValidateNoNullBytes(t *testing.T) {
	if err := ValidateNoNullBytes("f", "clean"); err != nil {
		t.Errorf("clean string rejected: %v", err)
	}
	if err := ValidateNoNullBytes("f", "a\x00b"); err == nil {
		t.Error("null byte accepted")
	}
}

func TestValidateMaxLength_CountsRunes(t *testing.T) {
	// Five runes, fifteen bytes.
	s := strings.Repeat("界", 5)
	if err := ValidateMaxLength("f", s, 5); err != nil {
		t.Errorf("length limit must count runes, not bytes: %v", err)
	}
	if err := ValidateMaxLength("f", s, 4); err == nil {
		t.Error("expected over-length error")
	}
}

func TestValidateRequired_WhitespaceOnly(t *testing.T) {
	if err := ValidateRequired("f", "  \t "); err == nil {
		t.Error("whitespace-only value accepted")
	}
}

func TestValidateTimestamp_AcceptsNanos(t *testing.T) {
	if err := ValidateTimestamp("f", "2026-08-01T12:00:00.123456789Z"); err != nil {
		t.Errorf("nanosecond timestamp rejected: %v", err)
	}
}

func TestCollector(t *testing.T) {
	var c Collector
	if c.HasErrors() {
		t.Error("new collector must be clean")
	}
	c.Add(nil)
	if c.HasErrors() {
		t.Error("nil error must be ignored")
	}
	c.Add(&ValidationError{Field: "a", Message: "bad"})
	c.AddAll([]ValidationError{{Field: "b", Message: "worse"}})
	if got := c.Errors(); len(got) != 2 || got[0].Field != "a" || got[1].Field != "b" {
		t.Errorf("unexpected errors: %v", got)
	}
}
