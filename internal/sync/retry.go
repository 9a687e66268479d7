package sync

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/clearledger/syncd/internal/status"
	"github.com/clearledger/syncd/internal/types"
)

// backoffDelay returns the delay before retry attempt n (0-based):
// base * 2^n plus 0-30% jitter, capped.
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d <= 0 || d > cap {
		d = cap
	}
	jitter := time.Duration(rand.Int63n(int64(d)*3/10 + 1))
	if d+jitter > cap {
		return cap
	}
	return d + jitter
}

// errorTracker keeps per-item push and pull errors keyed "table:id".
// Attempt counts accumulate across cycles; reaching the quarantine threshold
// flags severity but never stops future retries.
type errorTracker struct {
	mu        sync.Mutex
	threshold int
	items     map[string]*status.ItemError
}

func newErrorTracker(threshold int) *errorTracker {
	return &errorTracker{
		threshold: threshold,
		items:     make(map[string]*status.ItemError),
	}
}

func errorKey(table types.Table, id string) string {
	return string(table) + ":" + id
}

// record adds attempts to the item's cumulative count and refreshes its
// message. Quarantine latches once the threshold is reached.
func (t *errorTracker) record(table types.Table, id, message string, attempts int, at time.Time) {
	key := errorKey(table, id)

	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.items[key]
	if !ok {
		item = &status.ItemError{
			Key:   key,
			Table: string(table),
			ID:    id,
		}
		t.items[key] = item
	}
	item.Message = message
	item.Attempts += attempts
	item.LastTriedAt = at
	if item.Attempts >= t.threshold {
		item.Quarantined = true
	}
}

func (t *errorTracker) clear(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, key)
}

func (t *errorTracker) clearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = make(map[string]*status.ItemError)
}

func (t *errorTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

func (t *errorTracker) get(table types.Table, id string) (status.ItemError, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[errorKey(table, id)]
	if !ok {
		return status.ItemError{}, false
	}
	return *item, true
}

// list returns a stable snapshot of all tracked errors.
func (t *errorTracker) list() []status.ItemError {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]status.ItemError, 0, len(t.items))
	for _, item := range t.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
