package platform

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
)

// Status buckets reported for a submitted task. The remote platform has its
// own richer vocabulary; everything it returns is folded into one of these.
const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusUnknown   = "unknown"
)

// SubmitOptions carries per-submission dedup settings.
type SubmitOptions struct {
	IdempotencyKey    string
	IdempotencyKeyTTL time.Duration
}

// Submission is the platform's acknowledgement of a task submission.
type Submission struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// Runner is the surface the orchestration core needs from the execution
// platform. The HTTP client implements it; tests substitute fakes.
type Runner interface {
	Submit(ctx context.Context, taskKind string, payload map[string]any, opts SubmitOptions) (Submission, error)
	GetStatus(ctx context.Context, executionID string) (string, error)
	Cancel(ctx context.Context, executionID string) error
}

// Client is a minimal execution-platform HTTP API client.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit enqueues a task on the platform. When opts.IdempotencyKey is set,
// resubmitting the same key within the TTL returns the original execution.
func (c *Client) Submit(ctx context.Context, taskKind string, payload map[string]any, opts SubmitOptions) (Submission, error) {
	body := map[string]any{
		"task_kind": taskKind,
		"payload":   payload,
	}
	if opts.IdempotencyKey != "" {
		body["idempotency_key"] = opts.IdempotencyKey
		if opts.IdempotencyKeyTTL > 0 {
			body["idempotency_key_ttl_sec"] = int(opts.IdempotencyKeyTTL.Seconds())
		}
	}
	var resp Submission
	err := c.do(ctx, http.MethodPost, "v1/executions", body, &resp)
	return resp, err
}

// GetStatus fetches the platform-side status of an execution, folded into the
// local status buckets.
func (c *Client) GetStatus(ctx context.Context, executionID string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	endpoint := fmt.Sprintf("v1/executions/%s", url.PathEscape(executionID))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return StatusUnknown, err
	}
	return BucketStatus(resp.Status), nil
}

// Cancel asks the platform to stop an execution. Already-finished executions
// are not an error.
func (c *Client) Cancel(ctx context.Context, executionID string) error {
	endpoint := fmt.Sprintf("v1/executions/%s/cancel", url.PathEscape(executionID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return nil
	}
	return err
}

// BucketStatus maps a raw platform status string into the local vocabulary.
func BucketStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "queued", "enqueued", "scheduled":
		return StatusPending
	case "accepted", "claimed", "assigned":
		return StatusAccepted
	case "running", "in_progress", "executing":
		return StatusRunning
	case "completed", "succeeded", "success", "done":
		return StatusCompleted
	case "failed", "error", "errored", "timed_out":
		return StatusFailed
	case "cancelled", "canceled", "aborted":
		return StatusCancelled
	default:
		return StatusUnknown
	}
}

// Started reports whether a bucketed status means the platform picked the
// execution up.
func Started(status string) bool {
	switch status {
	case StatusAccepted, StatusRunning, StatusCompleted:
		return true
	}
	return false
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
