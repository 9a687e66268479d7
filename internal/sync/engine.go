// Package sync implements the bidirectional sync engine: it pushes pending
// local mutations to the remote store, pulls remote deltas by sync token,
// resolves conflicts record-level last-write-wins, and broadcasts state
// transitions on the status bus.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clearledger/syncd/internal/codec"
	"github.com/clearledger/syncd/internal/remote"
	"github.com/clearledger/syncd/internal/status"
	"github.com/clearledger/syncd/internal/store"
	"github.com/clearledger/syncd/internal/types"
)

// Config holds the engine tuning knobs.
type Config struct {
	// BatchSize is the number of records per push batch.
	BatchSize int

	// PageSize is the number of rows per delta pull page.
	PageSize int

	// MaxRetries is the number of attempts per push batch before its items
	// are tracked as errors for the cycle.
	MaxRetries int

	// RetryBase and RetryCap bound the exponential backoff between attempts.
	RetryBase time.Duration
	RetryCap  time.Duration

	// QuarantineThreshold is the cumulative attempt count at which an item
	// error is flagged as quarantined. Quarantine marks severity only; the
	// item is still retried on the next cycle.
	QuarantineThreshold int

	// PushDebounce is the delay armed by SchedulePush.
	PushDebounce time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:           50,
		PageSize:            200,
		MaxRetries:          5,
		RetryBase:           500 * time.Millisecond,
		RetryCap:            30 * time.Second,
		QuarantineThreshold: 15,
		PushDebounce:        100 * time.Millisecond,
	}
}

// SessionFunc resolves the authenticated user id for the current session.
// It must return remote.ErrForbidden when the session is no longer valid.
type SessionFunc func(ctx context.Context) (string, error)

// Notification is a user-facing, non-blocking message emitted by the engine.
type Notification struct {
	Title string
	Body  string
}

// Options carries the optional engine collaborators.
type Options struct {
	// Session resolves the user id per cycle. Required for Sync to run.
	Session SessionFunc

	// OnLogout is invoked when the session is rejected by the remote store.
	OnLogout func()

	// Notify delivers user-facing notifications. May be nil.
	Notify func(Notification)

	// Now and Sleep exist for deterministic tests; nil selects the real
	// clock and a context-aware timer sleep.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine orchestrates push, pull, retry, and status broadcast for one
// user session. Construct one per session with New; it holds no global state.
type Engine struct {
	local  store.Store
	remote remote.Client
	codec  codec.Codec
	bus    *status.Bus
	cfg    Config

	session  SessionFunc
	onLogout func()
	notifyFn func(Notification)
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	// syncing is the boolean-flag mutex: concurrent cycles are rejected,
	// not queued.
	syncing atomic.Bool

	tracker *errorTracker

	mu                  sync.Mutex
	pushTimer           *time.Timer
	lastSyncAt          time.Time
	initialSyncComplete bool
}

// New creates an engine. local, remoteClient, cdc, and bus are required.
func New(local store.Store, remoteClient remote.Client, cdc codec.Codec, bus *status.Bus, cfg Config, opts Options) *Engine {
	if cfg.BatchSize <= 0 {
		cfg = DefaultConfig()
	}

	e := &Engine{
		local:    local,
		remote:   remoteClient,
		codec:    cdc,
		bus:      bus,
		cfg:      cfg,
		session:  opts.Session,
		onLogout: opts.OnLogout,
		notifyFn: opts.Notify,
		now:      opts.Now,
		sleep:    opts.Sleep,
		tracker:  newErrorTracker(cfg.QuarantineThreshold),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.sleep == nil {
		e.sleep = sleepCtx
	}
	return e
}

type cycleMode int

const (
	modeSync cycleMode = iota
	modePushOnly
	modeFull
)

func (m cycleMode) String() string {
	switch m {
	case modePushOnly:
		return "push_only"
	case modeFull:
		return "full"
	default:
		return "delta"
	}
}

// Sync runs a full cycle: push everything pending, then pull the delta for
// all tables and the settings singleton. Errors never escape; the engine
// tracks them, notifies, and always releases the syncing flag.
func (e *Engine) Sync(ctx context.Context) {
	e.runCycle(ctx, modeSync)
}

// PushOnly pushes pending mutations without pulling; used when the live
// channel is expected to deliver remote changes out of band.
func (e *Engine) PushOnly(ctx context.Context) {
	e.runCycle(ctx, modePushOnly)
}

// FullSync runs a cycle whose pull phase ignores the cursor and fetches
// entire remote tables; used for recovery after a cache wipe or drift.
func (e *Engine) FullSync(ctx context.Context) {
	e.runCycle(ctx, modeFull)
}

// SchedulePush arms (or re-arms) the debounced push timer. Only the most
// recent call before the timer fires has effect.
func (e *Engine) SchedulePush() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pushTimer != nil {
		e.pushTimer.Stop()
	}
	e.pushTimer = time.AfterFunc(e.cfg.PushDebounce, func() {
		e.PushOnly(context.Background())
	})
}

// cancelScheduledPush stops any armed debounce timer.
func (e *Engine) cancelScheduledPush() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pushTimer != nil {
		e.pushTimer.Stop()
		e.pushTimer = nil
	}
}

// RetryError clears one tracked error and re-runs a full cycle.
func (e *Engine) RetryError(ctx context.Context, key string) {
	e.tracker.clear(key)
	e.Sync(ctx)
}

// RetryAllErrors clears every tracked error and re-runs a full cycle.
func (e *Engine) RetryAllErrors(ctx context.Context) {
	e.tracker.clearAll()
	e.Sync(ctx)
}

func (e *Engine) runCycle(ctx context.Context, mode cycleMode) {
	if !e.syncing.CompareAndSwap(false, true) {
		slog.Debug("sync already in progress, skipping",
			"component", "sync",
		)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("sync cycle panicked",
				"component", "sync",
				"panic", r,
			)
		}
		e.syncing.Store(false)
		e.broadcast(ctx)
	}()

	e.cancelScheduledPush()
	e.broadcast(ctx)

	start := e.now()
	userID, err := e.resolveSession(ctx)
	if err != nil {
		e.handleCycleError(ctx, err)
		return
	}

	if err := e.pushAll(ctx, userID); err != nil {
		e.handleCycleError(ctx, err)
		return
	}

	if mode != modePushOnly {
		if err := e.pullAll(ctx, userID, mode == modeFull); err != nil {
			e.handleCycleError(ctx, err)
			return
		}
		if err := e.pullSettings(ctx, userID); err != nil {
			e.handleCycleError(ctx, err)
			return
		}
	}

	e.mu.Lock()
	e.lastSyncAt = e.now()
	e.initialSyncComplete = true
	e.mu.Unlock()

	slog.Info("sync cycle completed",
		"component", "sync",
		"action", "cycle_complete",
		"mode", mode,
		"errors", e.tracker.count(),
		"duration_ms", e.now().Sub(start).Milliseconds(),
	)
}

func (e *Engine) resolveSession(ctx context.Context) (string, error) {
	if e.session == nil {
		return "", errors.New("no session configured")
	}
	return e.session(ctx)
}

// handleCycleError is the swallow-all boundary: forbidden sessions trigger
// logout, everything else becomes a log line and a user notification.
func (e *Engine) handleCycleError(ctx context.Context, err error) {
	if errors.Is(err, remote.ErrForbidden) {
		slog.Warn("session rejected by remote store, logging out",
			"component", "sync",
			"action", "session_forbidden",
		)
		if e.onLogout != nil {
			e.onLogout()
		}
		return
	}

	slog.Error("sync cycle failed",
		"component", "sync",
		"action", "cycle_failed",
		"error", err,
	)
	e.notify(Notification{
		Title: "Sync failed",
		Body:  "Your changes are saved locally and will sync when the connection recovers.",
	})
}

func (e *Engine) notify(n Notification) {
	if e.notifyFn != nil {
		e.notifyFn(n)
	}
}

// broadcast publishes a full status snapshot to the bus.
func (e *Engine) broadcast(ctx context.Context) {
	pending, err := e.local.CountPending(ctx)
	if err != nil {
		slog.Warn("pending count unavailable",
			"component", "sync",
			"error", err,
		)
	}

	errs := e.tracker.list()

	e.mu.Lock()
	snap := status.Snapshot{
		IsSyncing:           e.syncing.Load(),
		LastSyncAt:          e.lastSyncAt,
		PendingCount:        pending,
		ErrorCount:          len(errs),
		Errors:              errs,
		InitialSyncComplete: e.initialSyncComplete,
	}
	e.mu.Unlock()

	e.bus.Publish(snap)
}

// shouldUpdateLocal is the single conflict rule shared by pull and the live
// channel: new records are accepted, locally pending records win
// unconditionally, and otherwise the remote side must be strictly newer —
// by sync token when it has one, by updated_at when it does not.
func shouldUpdateLocal(existing, incoming *types.Record) bool {
	if existing == nil {
		return true
	}
	if existing.Pending {
		return false
	}
	if incoming.SyncToken > 0 {
		return incoming.SyncToken > existing.SyncToken
	}
	return incoming.UpdatedAt.After(existing.UpdatedAt)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
