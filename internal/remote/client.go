// Package remote is the HTTP client for the authoritative remote store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/clearledger/syncd/internal/types"
)

var (
	// ErrForbidden indicates the session is no longer valid. Callers must
	// abort the cycle and trigger logout rather than retry.
	ErrForbidden = errors.New("remote: session forbidden")

	ErrSettingsNotFound = errors.New("remote: user settings not found")
)

// Client is the remote store contract the sync engine depends on. Every
// accepted upsert returns the persisted rows carrying the server-assigned
// sync_token; upserts are idempotent by record id.
type Client interface {
	Upsert(ctx context.Context, table types.Table, rows []map[string]any) ([]map[string]any, error)
	Query(ctx context.Context, table types.Table, after int64, page, pageSize int) ([]map[string]any, error)
	GetUserSettings(ctx context.Context, userID string) (*types.UserSettings, error)
	UpsertUserSettings(ctx context.Context, settings *types.UserSettings) (*types.UserSettings, error)
}

// TokenFunc resolves the current session token. It is called per request so
// a refreshed session takes effect without rebuilding the client.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPClient talks to the remote store API over HTTP.
type HTTPClient struct {
	baseURL string
	token   TokenFunc
	client  *http.Client
}

// NewHTTPClient creates a client for the store at baseURL.
func NewHTTPClient(baseURL string, token TokenFunc) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type upsertRequest struct {
	Rows []map[string]any `json:"rows"`
}

type rowsResponse struct {
	Rows []map[string]any `json:"rows"`
}

// Upsert writes rows to the table and returns the persisted rows, each
// carrying the server-assigned sync_token and updated_at.
func (c *HTTPClient) Upsert(ctx context.Context, table types.Table, rows []map[string]any) ([]map[string]any, error) {
	var resp rowsResponse
	path := fmt.Sprintf("/api/v1/tables/%s/upsert", table)
	if err := c.do(ctx, http.MethodPost, path, upsertRequest{Rows: rows}, &resp); err != nil {
		return nil, fmt.Errorf("upsert %s: %w", table, err)
	}
	return resp.Rows, nil
}

// Query returns rows with sync_token strictly greater than after, ascending,
// for the given page.
func (c *HTTPClient) Query(ctx context.Context, table types.Table, after int64, page, pageSize int) ([]map[string]any, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(pageSize))

	var resp rowsResponse
	path := fmt.Sprintf("/api/v1/tables/%s/delta?%s", table, q.Encode())
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	return resp.Rows, nil
}

func (c *HTTPClient) GetUserSettings(ctx context.Context, userID string) (*types.UserSettings, error) {
	var settings types.UserSettings
	err := c.do(ctx, http.MethodGet, "/api/v1/settings/"+url.PathEscape(userID), nil, &settings)
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	return &settings, nil
}

func (c *HTTPClient) UpsertUserSettings(ctx context.Context, settings *types.UserSettings) (*types.UserSettings, error) {
	var persisted types.UserSettings
	path := "/api/v1/settings/" + url.PathEscape(settings.UserID)
	if err := c.do(ctx, http.MethodPut, path, settings, &persisted); err != nil {
		return nil, fmt.Errorf("upsert settings: %w", err)
	}
	return &persisted, nil
}

// do sends an authenticated request and decodes the JSON response into out.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}

	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case resp.StatusCode == http.StatusNotFound:
		return ErrSettingsNotFound
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
