package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

// Client calls a provisioner API server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL. A nil httpClient
// uses one with DefaultClientTimeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultClientTimeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// BuildRoot submits a root spec.
func (c *Client) BuildRoot(ctx context.Context, spec engine.RootSpec) (*RootResponse, error) {
	var out RootResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/roots", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Root fetches a root with its tasks.
func (c *Client) Root(ctx context.Context, id string) (*RootResponse, error) {
	var out RootResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/roots/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Roots lists roots newest first.
func (c *Client) Roots(ctx context.Context, filter engine.RootFilter) ([]RootSummary, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(filter.Limit))
	if filter.ActiveOnly {
		q.Set("active", "true")
	}
	var out struct {
		Roots []RootSummary `json:"roots"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/roots?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Roots, nil
}

// Cancel cancels a root. It returns false when the root was already
// cancelled.
func (c *Client) Cancel(ctx context.Context, id string) (bool, error) {
	var out struct {
		AlreadyCancelled bool `json:"already_cancelled"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/roots/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return false, err
	}
	return !out.AlreadyCancelled, nil
}

// Graph fetches the DOT rendering of a root.
func (c *Client) Graph(ctx context.Context, id string) (string, error) {
	body, err := c.raw(ctx, http.MethodGet, "/api/v1/roots/"+url.PathEscape(id)+"/graph", nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Transitions fetches the status history of a task.
func (c *Client) Transitions(ctx context.Context, taskID string) ([]engine.Transition, error) {
	var out struct {
		Transitions []engine.Transition `json:"transitions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID)+"/transitions", nil, &out); err != nil {
		return nil, err
	}
	return out.Transitions, nil
}

// WaitSettled polls a root every interval until it settles or ctx ends.
func (c *Client) WaitSettled(ctx context.Context, id string, interval time.Duration) (*RootResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		root, err := c.Root(ctx, id)
		if err != nil {
			return nil, err
		}
		if root.Settled {
			return root, nil
		}
		select {
		case <-ctx.Done():
			return root, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	data, err := c.raw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) raw(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error.Code != "" {
			apiErr.Code = er.Error.Code
			apiErr.Message = er.Error.Message
		}
		return nil, apiErr
	}
	return data, nil
}
