// Package api is the REST client for the research orchestrator. Task progress
// never comes from these responses; it arrives on the event stream.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fentz26/deepsearch/internal/log"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// MaxQueryLength mirrors the server's validation limit.
const MaxQueryLength = 1000

// ErrNotFound is returned when the server does not know the search.
var ErrNotFound = errors.New("search not found")

// Error is a non-2xx response from the server.
type Error struct {
	StatusCode int
	Detail     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Detail)
}

// Client wraps HTTP calls to the orchestrator API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// StartResponse acknowledges a started search.
type StartResponse struct {
	SearchID string `json:"search_id"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// StatusResponse is the server's coarse view of a search.
type StatusResponse struct {
	SearchID    string `json:"search_id"`
	Status      string `json:"status"`
	CurrentStep string `json:"current_step,omitempty"`
	Progress    *int   `json:"progress,omitempty"`
}

// HealthResponse matches the server's health response structure.
type HealthResponse struct {
	Status        string    `json:"status"`
	Version       string    `json:"version"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

// StartSearch asks the orchestrator to start a task and returns its search id.
func (c *Client) StartSearch(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", errors.New("query cannot be empty")
	}
	if len(query) > MaxQueryLength {
		return "", fmt.Errorf("query too long (max %d characters)", MaxQueryLength)
	}

	var resp StartResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/search", map[string]string{"query": query}, &resp); err != nil {
		return "", err
	}
	if resp.SearchID == "" {
		return "", errors.New("server returned no search id")
	}
	return resp.SearchID, nil
}

// CancelSearch asks the orchestrator to stop a search.
func (c *Client) CancelSearch(ctx context.Context, searchID, reason string) error {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	return c.do(ctx, http.MethodPost, "/api/v1/search/"+url.PathEscape(searchID)+"/cancel", body, nil)
}

// NewChat clears the server-side session.
func (c *Client) NewChat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/new-chat", nil, nil)
}

// GetStatus fetches the server's status for a search.
func (c *Client) GetStatus(ctx context.Context, searchID string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/search/"+url.PathEscape(searchID)+"/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckHealth returns the server health payload.
func (c *Client) CheckHealth(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn(log.CatAPI, "request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug(log.CatAPI, "request", "method", method, "path", path, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode, Detail: detail(data)}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// detail extracts FastAPI's {"detail": ...} message, falling back to the raw body.
func detail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Detail) > 0 {
		var s string
		if err := json.Unmarshal(payload.Detail, &s); err == nil {
			return s
		}
		return string(payload.Detail)
	}
	return strings.TrimSpace(string(body))
}
