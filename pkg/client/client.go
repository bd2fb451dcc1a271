package client

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

	"github.com/skylarbarrera/whim/pkg/events"
	"github.com/skylarbarrera/whim/pkg/types"
)

// DefaultTimeout bounds a single API call when no custom HTTP client
// is supplied.
const DefaultTimeout = 10 * time.Second

// Client talks to the orchestrator's HTTP/JSON API. It serves both
// sides of the protocol: operator tooling (submit, status, kill) and
// workers reporting back from inside their containers (register,
// heartbeat, complete, fail, stuck, locks).
type Client struct {
	baseURL string
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client entirely.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// New creates a client for the orchestrator at baseURL, e.g.
// "http://localhost:8420".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

// IsNotFound reports whether err is an APIError for a missing resource.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// Status mirrors the /api/v1/status response.
type Status struct {
	Queue   types.QueueStats  `json:"queue"`
	Workers types.WorkerStats `json:"workers"`
	Rate    types.RateStatus  `json:"rate"`
}

// Registration is the server's response to a worker registering
// against its work item.
type Registration struct {
	WorkerID string          `json:"workerId"`
	Worker   *types.Worker   `json:"worker"`
	WorkItem *types.WorkItem `json:"workItem"`
}

// Submit enqueues a new work item.
func (c *Client) Submit(ctx context.Context, req *types.SubmitRequest) (*types.WorkItem, error) {
	var item types.WorkItem
	if err := c.post(ctx, "/api/v1/work-items", req, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetWorkItem fetches a single work item by ID.
func (c *Client) GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	var item types.WorkItem
	if err := c.get(ctx, "/api/v1/work-items/"+url.PathEscape(id), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListWorkItems returns all work items, optionally filtered by type.
func (c *Client) ListWorkItems(ctx context.Context, typeFilter string) ([]*types.WorkItem, error) {
	path := "/api/v1/work-items"
	if typeFilter != "" {
		path += "?type=" + url.QueryEscape(typeFilter)
	}
	var items []*types.WorkItem
	if err := c.get(ctx, path, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Cancel cancels a queued work item.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.post(ctx, "/api/v1/work-items/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// Requeue puts a terminal work item back in the queue.
func (c *Client) Requeue(ctx context.Context, id string) (*types.WorkItem, error) {
	var item types.WorkItem
	if err := c.post(ctx, "/api/v1/work-items/"+url.PathEscape(id)+"/requeue", nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListWorkers returns all known workers.
func (c *Client) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	var workers []*types.Worker
	if err := c.get(ctx, "/api/v1/workers", &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

// Register claims the given work item for a freshly started worker
// process and returns its identity plus the full work item.
func (c *Client) Register(ctx context.Context, workItemID string) (*Registration, error) {
	req := map[string]string{"workItemId": workItemID}
	var reg Registration
	if err := c.post(ctx, "/api/v1/workers/register", req, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// Heartbeat reports liveness and progress for a running worker.
func (c *Client) Heartbeat(ctx context.Context, req *types.HeartbeatRequest) (*types.Worker, error) {
	var worker types.Worker
	if err := c.post(ctx, "/api/v1/workers/heartbeat", req, &worker); err != nil {
		return nil, err
	}
	return &worker, nil
}

// Complete reports successful completion of a worker's work item.
func (c *Client) Complete(ctx context.Context, req *types.CompleteRequest) error {
	return c.post(ctx, "/api/v1/workers/complete", req, nil)
}

// Fail reports a worker failure; the orchestrator decides on retry.
func (c *Client) Fail(ctx context.Context, req *types.FailRequest) error {
	return c.post(ctx, "/api/v1/workers/fail", req, nil)
}

// Stuck flags a worker as needing operator intervention.
func (c *Client) Stuck(ctx context.Context, req *types.StuckRequest) error {
	return c.post(ctx, "/api/v1/workers/stuck", req, nil)
}

// Kill terminates a worker. An empty reason lets the server pick its
// default.
func (c *Client) Kill(ctx context.Context, workerID, reason string) error {
	req := map[string]string{"reason": reason}
	return c.post(ctx, "/api/v1/workers/"+url.PathEscape(workerID)+"/kill", req, nil)
}

// WorkerLogs returns the last n lines of a worker's container log.
func (c *Client) WorkerLogs(ctx context.Context, workerID string, lines int) (string, error) {
	path := "/api/v1/workers/" + url.PathEscape(workerID) + "/logs"
	if lines > 0 {
		path += "?lines=" + strconv.Itoa(lines)
	}
	var out struct {
		Logs string `json:"logs"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return "", err
	}
	return out.Logs, nil
}

// AcquireLocks requests file locks for a worker.
func (c *Client) AcquireLocks(ctx context.Context, req *types.LockRequest) (*types.LockResult, error) {
	var result types.LockResult
	if err := c.post(ctx, "/api/v1/locks/acquire", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReleaseLocks releases the named locks, or all of the worker's locks
// when req.Files is empty.
func (c *Client) ReleaseLocks(ctx context.Context, req *types.LockRequest) error {
	return c.post(ctx, "/api/v1/locks/release", req, nil)
}

// Status returns queue, worker, and rate-limiter state in one call.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var status Status
	if err := c.get(ctx, "/api/v1/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Summary returns the aggregated daily metrics.
func (c *Client) Summary(ctx context.Context) (*types.Summary, error) {
	var summary types.Summary
	if err := c.get(ctx, "/api/v1/metrics/summary", &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// Events returns recent lifecycle events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]*events.Event, error) {
	path := "/api/v1/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var evs []*events.Event
	if err := c.get(ctx, path, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

// Learnings lists recorded learnings, optionally scoped to one repo.
func (c *Client) Learnings(ctx context.Context, repo string) ([]*types.Learning, error) {
	path := "/api/v1/learnings"
	if repo != "" {
		path += "?repo=" + url.QueryEscape(repo)
	}
	var learnings []*types.Learning
	if err := c.get(ctx, path, &learnings); err != nil {
		return nil, err
	}
	return learnings, nil
}

// AddLearning records a learning against a repo.
func (c *Client) AddLearning(ctx context.Context, repo, content string) (*types.Learning, error) {
	req := map[string]string{"repo": repo, "content": content}
	var learning types.Learning
	if err := c.post(ctx, "/api/v1/learnings", req, &learning); err != nil {
		return nil, err
	}
	return &learning, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	var body io.Reader = bytes.NewReader([]byte("{}"))
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach orchestrator at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var body struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &body) == nil {
			apiErr.Code = body.Code
			apiErr.Message = body.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
