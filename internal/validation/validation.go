// Package validation checks incoming wire rows before they reach the store.
// Validators return nil on success so callers can collect failures without
// aborting on the first.
package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/clearledger/syncd/internal/types"
)

// MaxFieldLength bounds free-text field values in runes.
const MaxFieldLength = 10000

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// AddAll appends every error in the slice.
func (c *Collector) AddAll(errs []ValidationError) {
	c.errors = append(c.errors, errs...)
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateRow checks one wire row of an upsert request. index identifies the
// row in error messages.
func ValidateRow(index int, table types.Table, row map[string]any) []ValidationError {
	var c Collector
	prefix := fmt.Sprintf("rows[%d]", index)

	id, _ := row["id"].(string)
	c.Add(ValidateRequired(prefix+".id", id))
	c.Add(ValidateMaxLength(prefix+".id", id, 128))

	for name, value := range row {
		s, ok := value.(string)
		if !ok {
			continue
		}
		field := prefix + "." + name
		c.Add(ValidateUTF8(field, s))
		c.Add(ValidateNoNullBytes(field, s))
		c.Add(ValidateMaxLength(field, s, MaxFieldLength))
	}

	for _, name := range []string{"updated_at", "deleted_at"} {
		if raw, ok := row[name].(string); ok && raw != "" {
			c.Add(ValidateTimestamp(prefix+"."+name, raw))
		}
	}

	if parent := table.Spec().ParentField; parent != "" {
		if p, ok := row[parent].(string); ok && p == id && id != "" {
			c.Add(&ValidationError{
				Field:   prefix + "." + parent,
				Message: "must not reference the record itself",
			})
		}
	}

	return c.Errors()
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateTimestamp returns an error if the value is not an RFC 3339 time.
func ValidateTimestamp(field, value string) *ValidationError {
	if _, err := time.Parse(time.RFC3339Nano, value); err != nil {
		return &ValidationError{
			Field:   field,
			Message: "must be an RFC 3339 timestamp",
		}
	}
	return nil
}
