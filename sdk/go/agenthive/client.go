package agenthive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Command submission may block until the task finishes,
// so it is longer than a typical API timeout.
const DefaultHTTPTimeout = 90 * time.Second

// Client wraps the HTTP interactions with the AgentHive REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// CommandSubmission represents a natural-language command to route.
type CommandSubmission struct {
	Command string         `json:"command"`
	Context map[string]any `json:"context,omitempty"`
	UserID  string         `json:"user_id,omitempty"`
}

// CommandResult is the synchronous outcome of a routed command. When the
// task outlives the server-side wait window StillRunning is true and the
// caller should poll GetTask with TaskID.
type CommandResult struct {
	Success      bool           `json:"success"`
	TaskID       string         `json:"task_id"`
	StillRunning bool           `json:"still_running,omitempty"`
	Result       *TaskResult    `json:"result,omitempty"`
	Error        *TaskExecError `json:"error,omitempty"`
}

// TaskResult is the structured output of a completed task.
type TaskResult struct {
	Summary  string            `json:"summary,omitempty"`
	Content  string            `json:"content,omitempty"`
	Platform string            `json:"platform,omitempty"`
	URL      string            `json:"url,omitempty"`
	Verified bool              `json:"verified"`
	Evidence map[string]string `json:"evidence,omitempty"`
	Outputs  map[string]any    `json:"outputs,omitempty"`
}

// TaskExecError describes why a task failed.
type TaskExecError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
}

// Task is the full task snapshot returned by the API.
type Task struct {
	ID          string         `json:"id"`
	Command     string         `json:"command"`
	AgentName   string         `json:"agent_name,omitempty"`
	Intent      string         `json:"intent,omitempty"`
	Status      string         `json:"status"`
	Priority    string         `json:"priority"`
	Result      *TaskResult    `json:"result,omitempty"`
	Error       *TaskExecError `json:"error,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
	CompletedAt int64          `json:"completed_at,omitempty"`
}

// Stats aggregates task counts by status and agent.
type Stats struct {
	Total     int                   `json:"total"`
	Active    int                   `json:"active"`
	Completed int                   `json:"completed"`
	Failed    int                   `json:"failed"`
	ByAgent   map[string]AgentStats `json:"by_agent,omitempty"`
}

// AgentStats holds per-agent task counts.
type AgentStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ListFilter narrows down ListTasks results. Zero values are ignored.
type ListFilter struct {
	Status string
	Agent  string
	Limit  int
	Offset int
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agenthive api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agenthive api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentHive API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitCommand routes a natural-language command and waits for its outcome.
func (c *Client) SubmitCommand(ctx context.Context, submission CommandSubmission) (CommandResult, error) {
	var result CommandResult
	if err := c.post(ctx, "/api/v1/commands", submission, &result); err != nil {
		return CommandResult{}, err
	}
	return result, nil
}

// GetTask fetches a task snapshot by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// ListTasks returns task snapshots matching the filter.
func (c *Client) ListTasks(ctx context.Context, filter ListFilter) ([]Task, error) {
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.get(ctx, "/api/v1/tasks", filter.values(), &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// GetStats returns aggregate task statistics.
func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/tasks/stats", nil, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (f ListFilter) values() url.Values {
	values := url.Values{}
	if f.Status != "" {
		values.Set("status", f.Status)
	}
	if f.Agent != "" {
		values.Set("agent", f.Agent)
	}
	if f.Limit > 0 {
		values.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	if f.Offset > 0 {
		values.Set("offset", fmt.Sprintf("%d", f.Offset))
	}
	return values
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
