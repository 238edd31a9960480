package simulate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/okian/tutorrisk/internal/domain/model"
)

// Client talks to the tutorrisk HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client with a per-request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Health checks GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	status, body, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	// The body is the Prometheus exposition; any 200 is healthy.
	if status != http.StatusOK {
		return fmt.Errorf("health check failed with HTTP %d: %s", status, body)
	}
	return nil
}

// PutEntity registers a tutor or student profile.
func (c *Client) PutEntity(ctx context.Context, id string, kind model.EntityKind, attrs map[string]any) error {
	payload := map[string]any{"kind": string(kind), "attributes": attrs}
	status, body, err := c.do(ctx, http.MethodPut, "/v1/entities/"+url.PathEscape(id), payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("put entity %s: HTTP %d: %s", id, status, body)
	}
	return nil
}

// PostEvent submits one event. The returned status is the HTTP status code.
func (c *Client) PostEvent(ctx context.Context, e model.EventPayload) (int, Ack, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/v1/events", e)
	if err != nil {
		return 0, Ack{}, err
	}
	var ack Ack
	if status == http.StatusOK || status == http.StatusAccepted {
		if err := json.Unmarshal(body, &ack); err != nil {
			return status, Ack{}, fmt.Errorf("failed to parse ack: %w", err)
		}
	}
	return status, ack, nil
}

// Top fetches GET /v1/risk/top.
func (c *Client) Top(ctx context.Context, limit int) ([]Entry, error) {
	var out []Entry
	if err := c.getJSON(ctx, fmt.Sprintf("/v1/risk/top?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Risk fetches GET /v1/entities/{id}/risk.
func (c *Client) Risk(ctx context.Context, id string) (RiskScore, error) {
	var out RiskScore
	err := c.getJSON(ctx, "/v1/entities/"+url.PathEscape(id)+"/risk", &out)
	return out, err
}

// Settings fetches GET /v1/settings.
func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var out Settings
	err := c.getJSON(ctx, "/v1/settings", &out)
	return out, err
}

// Stats fetches GET /stats.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.getJSON(ctx, "/stats", &out)
	return out, err
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("GET %s: HTTP %d: %s", path, status, body)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}
