package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/clearledger/syncd/internal/types"
)

const writeTimeout = 5 * time.Second

// feedClient is one websocket subscriber with an optional table filter.
// An empty filter receives every table.
type feedClient struct {
	conn   *websocket.Conn
	tables map[types.Table]bool
}

// Feed broadcasts accepted changes to websocket subscribers. Slow or dead
// clients are dropped rather than allowed to stall the broadcast loop.
type Feed struct {
	clientsMu sync.RWMutex
	clients   map[*feedClient]bool

	broadcast chan types.SyncEvent
	done      chan struct{}
	closeOnce sync.Once
}

// NewFeed creates a feed; Run must be started before events flow.
func NewFeed() *Feed {
	return &Feed{
		clients:   make(map[*feedClient]bool),
		broadcast: make(chan types.SyncEvent, 100),
		done:      make(chan struct{}),
	}
}

// Run delivers broadcast events until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) {
	defer f.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case ev := <-f.broadcast:
			f.deliver(ev)
		}
	}
}

// Broadcast queues an event for delivery. Dropped when the queue is full so
// the HTTP handlers never block on slow subscribers.
func (f *Feed) Broadcast(ev types.SyncEvent) {
	select {
	case f.broadcast <- ev:
	case <-f.done:
	default:
		slog.Warn("feed queue full, dropping event",
			"component", "feed",
			"table", ev.Table,
		)
	}
}

func (f *Feed) deliver(ev types.SyncEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to encode feed event", "component", "feed", "error", err)
		return
	}

	f.clientsMu.RLock()
	targets := make([]*feedClient, 0, len(f.clients))
	for c := range f.clients {
		if len(c.tables) == 0 || c.tables[ev.Table] {
			targets = append(targets, c)
		}
	}
	f.clientsMu.RUnlock()

	for _, c := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			f.remove(c)
		}
	}
}

// Handle upgrades the request to a websocket subscription. The optional
// tables query parameter narrows delivery to a comma-separated table list.
func (f *Feed) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket upgrade failed", "component", "feed", "error", err)
		return
	}

	client := &feedClient{conn: conn, tables: parseTableFilter(r.URL.Query().Get("tables"))}

	f.clientsMu.Lock()
	f.clients[client] = true
	count := len(f.clients)
	f.clientsMu.Unlock()

	slog.Info("feed client connected", "component", "feed", "clients", count)

	go f.readLoop(client)
}

// readLoop drains client frames until disconnect. Subscribers never send
// meaningful messages; reading just detects the close.
func (f *Feed) readLoop(c *feedClient) {
	defer f.remove(c)
	for {
		_, _, err := c.conn.Read(context.Background())
		if err != nil {
			return
		}
	}
}

func (f *Feed) remove(c *feedClient) {
	f.clientsMu.Lock()
	_, exists := f.clients[c]
	delete(f.clients, c)
	count := len(f.clients)
	f.clientsMu.Unlock()

	if exists {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		slog.Info("feed client disconnected", "component", "feed", "clients", count)
	}
}

func (f *Feed) closeAll() {
	f.closeOnce.Do(func() { close(f.done) })

	f.clientsMu.Lock()
	for c := range f.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(f.clients, c)
	}
	f.clientsMu.Unlock()
}

func parseTableFilter(raw string) map[types.Table]bool {
	if raw == "" {
		return nil
	}
	tables := make(map[types.Table]bool)
	for _, name := range strings.Split(raw, ",") {
		table, err := types.ParseTable(strings.TrimSpace(name))
		if err != nil {
			continue
		}
		tables[table] = true
	}
	return tables
}
