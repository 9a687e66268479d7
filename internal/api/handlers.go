package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/clearledger/syncd/internal/types"
	"github.com/clearledger/syncd/internal/validation"
)

// Handler implements the API handlers
type Handler struct {
	store   *MemoryStore
	feed    *Feed
	apiKey  string
	version string
}

// NewHandler creates a new Handler. feed may be nil when the websocket
// endpoint is not mounted.
func NewHandler(s *MemoryStore, feed *Feed, apiKey, version string) *Handler {
	return &Handler{
		store:   s,
		feed:    feed,
		apiKey:  apiKey,
		version: version,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "healthy",
		"version": h.version,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type upsertRequest struct {
	Rows []map[string]any `json:"rows"`
}

type rowsResponse struct {
	Rows []map[string]any `json:"rows"`
}

// Upsert handles POST /api/v1/tables/{table}/upsert
func (h *Handler) Upsert(w http.ResponseWriter, r *http.Request) {
	table, err := types.ParseTable(chi.URLParam(r, "table"))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	var c validation.Collector
	for i, row := range req.Rows {
		c.AddAll(validation.ValidateRow(i, table, row))
	}
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid rows", c.Errors())
		return
	}

	persisted, events := h.store.Upsert(table, req.Rows)
	if h.feed != nil {
		for _, ev := range events {
			h.feed.Broadcast(ev)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rowsResponse{Rows: persisted})
}

// Delta handles GET /api/v1/tables/{table}/delta
func (h *Handler) Delta(w http.ResponseWriter, r *http.Request) {
	table, err := types.ParseTable(chi.URLParam(r, "table"))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	after, err := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	if err != nil || after < 0 {
		WriteProblem(w, r, http.StatusBadRequest, "after must be a non-negative integer")
		return
	}
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 200)
	if page < 1 || limit < 1 || limit > 1000 {
		WriteProblem(w, r, http.StatusBadRequest, "page must be >= 1 and limit between 1 and 1000")
		return
	}

	rows := h.store.Delta(table, after, page, limit)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rowsResponse{Rows: rows})
}

// GetSettings handles GET /api/v1/settings/{user_id}
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	settings := h.store.GetSettings(userID)
	if settings == nil {
		WriteProblem(w, r, http.StatusNotFound, "No settings for user")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(settings)
}

// PutSettings handles PUT /api/v1/settings/{user_id}
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	var settings types.UserSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	settings.UserID = userID

	persisted := h.store.PutSettings(&settings)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(persisted)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return v
}
