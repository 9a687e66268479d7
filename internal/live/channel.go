// Package live maintains the websocket subscription that delivers remote
// record changes outside the batch sync cycle.
//
// The channel owns only transport concerns: connection lifecycle, reconnect
// backoff, and debounced reconnect triggers. Every decoded event is handed
// to an Applier, which carries the same conflict rule the pull path uses, so
// both paths may write the same tables concurrently without coordination.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/clearledger/syncd/internal/types"
	"github.com/coder/websocket"
)

// State enumerates the connection states.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateBackoff      State = "backoff"
)

// Applier applies decoded feed events to the local cache.
type Applier interface {
	ApplyEvent(ctx context.Context, ev types.SyncEvent) error
}

// Config holds the channel settings.
type Config struct {
	// URL is the websocket feed endpoint.
	URL string

	// Token authenticates the subscription.
	Token string

	// Tables filters the subscription; empty subscribes to every table.
	Tables []types.Table

	// MaxAttempts bounds consecutive reconnect attempts before the channel
	// gives up until the next explicit trigger.
	MaxAttempts int

	// BackoffBase and BackoffCap bound the exponential reconnect delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// ReconnectDebounce coalesces rapid reconnect triggers (connectivity
	// flapping) into one attempt.
	ReconnectDebounce time.Duration
}

// DefaultConfig returns the channel defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       8,
		BackoffBase:       time.Second,
		BackoffCap:        time.Minute,
		ReconnectDebounce: 500 * time.Millisecond,
	}
}

// Channel is a live feed subscription. Create with NewChannel, start with
// Run, stop by cancelling the context or calling Unsubscribe.
type Channel struct {
	cfg     Config
	applier Applier
	onState func(State)

	dial dialFunc

	mu             sync.Mutex
	state          State
	reconnectTimer *time.Timer
	trigger        chan struct{}
	closed         bool
}

// dialFunc abstracts websocket.Dial for tests.
type dialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (conn, error)

// conn is the subset of *websocket.Conn the channel needs.
type conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// NewChannel creates a channel delivering events to applier. onState may be
// nil; when set it observes every connection state transition.
func NewChannel(cfg Config, applier Applier, onState func(State)) *Channel {
	if cfg.MaxAttempts <= 0 {
		def := DefaultConfig()
		def.URL = cfg.URL
		def.Token = cfg.Token
		def.Tables = cfg.Tables
		cfg = def
	}
	return &Channel{
		cfg:     cfg,
		applier: applier,
		onState: onState,
		state:   StateDisconnected,
		trigger: make(chan struct{}, 1),
		dial:    realDial,
	}
}

func realDial(ctx context.Context, url string, opts *websocket.DialOptions) (conn, error) {
	c, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Run connects and processes events until ctx is cancelled. On transport
// failure it retries with exponential backoff up to MaxAttempts, then parks
// disconnected until TriggerReconnect fires.
func (c *Channel) Run(ctx context.Context) {
	for {
		if err := c.connectLoop(ctx); err != nil {
			return
		}

		// Attempts exhausted: wait for an explicit trigger.
		c.setState(StateDisconnected)
		select {
		case <-ctx.Done():
			return
		case <-c.trigger:
		}
	}
}

// connectLoop runs dial/read cycles until the attempt budget is exhausted.
// Returns a non-nil error only when ctx is done.
func (c *Channel) connectLoop(ctx context.Context) error {
	attempt := 0
	for attempt < c.cfg.MaxAttempts {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.setState(StateConnecting)
		wsConn, err := c.dialFeed(ctx)
		if err != nil {
			attempt++
			c.setState(StateBackoff)
			delay := backoff(c.cfg.BackoffBase, c.cfg.BackoffCap, attempt)
			slog.Warn("live feed connect failed",
				"component", "live",
				"action", "connect_failed",
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		c.setState(StateConnected)
		slog.Info("live feed connected",
			"component", "live",
			"action", "connected",
		)
		attempt = 0

		err = c.readLoop(ctx, wsConn)
		wsConn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		c.setState(StateBackoff)
		delay := backoff(c.cfg.BackoffBase, c.cfg.BackoffCap, attempt)
		slog.Warn("live feed dropped",
			"component", "live",
			"action", "disconnected",
			"delay", delay,
			"error", err,
		)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) dialFeed(ctx context.Context) (conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{
		HTTPHeader: http.Header{},
	}
	if c.cfg.Token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return c.dial(dialCtx, c.feedURL(), opts)
}

func (c *Channel) feedURL() string {
	if len(c.cfg.Tables) == 0 {
		return c.cfg.URL
	}
	url := c.cfg.URL + "?tables="
	for i, t := range c.cfg.Tables {
		if i > 0 {
			url += ","
		}
		url += string(t)
	}
	return url
}

// readLoop decodes and applies events until the connection errors out.
func (c *Channel) readLoop(ctx context.Context, wsConn conn) error {
	for {
		_, data, err := wsConn.Read(ctx)
		if err != nil {
			return err
		}

		var ev types.SyncEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("skipping malformed live event",
				"component", "live",
				"error", err,
			)
			continue
		}

		if err := c.applier.ApplyEvent(ctx, ev); err != nil {
			// One bad event must not drop the connection.
			slog.Error("live event apply failed",
				"component", "live",
				"table", ev.Table,
				"error", err,
			)
		}
	}
}

// TriggerReconnect asks a parked channel to reconnect. Rapid calls are
// debounced: each call replaces the previous timer, so only the last one
// within the window fires.
func (c *Channel) TriggerReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectDebounce, func() {
		select {
		case c.trigger <- struct{}{}:
		default:
		}
	})
}

// Unsubscribe permanently stops reconnect triggers. Idempotent and safe to
// call when the transport is already closed.
func (c *Channel) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	onState := c.onState
	c.mu.Unlock()

	if changed && onState != nil {
		onState(s)
	}
}

func backoff(base, cap time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d <= 0 || d > cap {
		return cap
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
