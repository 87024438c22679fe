package draftlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Draftline HTTP API client.
type Client struct {
	BaseURL     string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL: baseURL,
		ActorID: actorID,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID                 string         `json:"id"`
	Topic              string         `json:"topic"`
	Params             map[string]any `json:"params,omitempty"`
	Status             string         `json:"status"`
	Stage              *string        `json:"stage,omitempty"`
	ProgressPercent    int            `json:"progress_percent"`
	ContentDraft       *string        `json:"content_draft,omitempty"`
	ImageRef           *string        `json:"image_ref,omitempty"`
	QualityScore       *float64       `json:"quality_score,omitempty"`
	QualityFeedback    *string        `json:"quality_feedback,omitempty"`
	RefinementCount    int            `json:"refinement_count"`
	ApprovalStatus     string         `json:"approval_status"`
	ApprovedBy         *string        `json:"approved_by,omitempty"`
	ApprovalTimestamp  *string        `json:"approval_timestamp,omitempty"`
	HumanFeedback      *string        `json:"human_feedback,omitempty"`
	PublishedReference *string        `json:"published_reference,omitempty"`
	CreatedAt          string         `json:"created_at"`
	UpdatedAt          string         `json:"updated_at"`
}

// Transition represents one audit trail entry.
type Transition struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Seq       int64          `json:"seq"`
	OldStatus *string        `json:"old_status,omitempty"`
	NewStatus string         `json:"new_status"`
	Stage     *string        `json:"stage,omitempty"`
	Reason    string         `json:"reason"`
	Actor     string         `json:"actor"`
	TS        string         `json:"ts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Failure represents a recorded validation failure.
type Failure struct {
	ID             int64  `json:"id"`
	TaskID         string `json:"task_id"`
	FromStatus     string `json:"from_status"`
	ToStatus       string `json:"to_status"`
	Severity       string `json:"severity"`
	Cause          string `json:"cause"`
	Recommendation string `json:"recommendation"`
	Actor          string `json:"actor"`
	TS             string `json:"ts"`
}

// Metrics represents the aggregate pipeline metrics.
type Metrics struct {
	Total             int                `json:"total"`
	ByStatus          map[string]int     `json:"by_status"`
	Published         int                `json:"published"`
	Rejected          int                `json:"rejected"`
	Failed            int                `json:"failed"`
	SuccessRate       float64            `json:"success_rate"`
	AvgSecondsInState map[string]float64 `json:"avg_seconds_in_state"`
}

// PaginatedTasks wraps list responses with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, topic string, params map[string]any) (Task, error) {
	body := map[string]any{"topic": topic}
	if len(params) > 0 {
		body["params"] = params
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v1/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, ""), nil, &resp)
	return resp, err
}

// ListTasks returns a page of tasks.
func (c *Client) ListTasks(ctx context.Context, status string, limit int, cursor string) (PaginatedTasks, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v1/tasks"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Start kicks off the pipeline for a pending task. The server runs it in
// the background; poll GetTask for progress.
func (c *Client) Start(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "start"), nil, &resp)
	return resp, err
}

// Resume restarts a held task.
func (c *Client) Resume(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "resume"), nil, &resp)
	return resp, err
}

// Hold pauses a task.
func (c *Client) Hold(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "hold"), nil, &resp)
	return resp, err
}

// Cancel cancels a task.
func (c *Client) Cancel(ctx context.Context, taskID, reason string) (Task, error) {
	body := map[string]any{"reason": reason}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "cancel"), body, &resp)
	return resp, err
}

// Decide records an approval decision for a gated task. decision is
// "approve" or "reject"; reject requires feedback.
func (c *Client) Decide(ctx context.Context, taskID, decision, feedback string) (Task, error) {
	body := map[string]any{"decision": decision, "feedback": feedback}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "decision"), body, &resp)
	return resp, err
}

// Publish publishes an approved task under the given reference.
func (c *Client) Publish(ctx context.Context, taskID, reference string) (Task, error) {
	body := map[string]any{"reference": reference}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "publish"), body, &resp)
	return resp, err
}

// History returns the audit trail for a task. category may be empty or one
// of pipeline, refinement, approval, operator.
func (c *Client) History(ctx context.Context, taskID, category string) ([]Transition, error) {
	endpoint := c.taskPath(taskID, "history")
	if category != "" {
		endpoint += "?category=" + url.QueryEscape(category)
	}
	var resp struct {
		Items []Transition `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Failures returns recorded validation failures for a task.
func (c *Client) Failures(ctx context.Context, taskID string) ([]Failure, error) {
	var resp struct {
		Items []Failure `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, "failures"), nil, &resp)
	return resp.Items, err
}

// Metrics returns aggregate pipeline metrics. Bounds are RFC3339 and may
// be empty.
func (c *Client) Metrics(ctx context.Context, since, until string) (Metrics, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	if until != "" {
		q.Set("until", until)
	}
	endpoint := "v1/metrics"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp Metrics
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
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

func (c *Client) taskPath(taskID, sub string) string {
	p := fmt.Sprintf("v1/tasks/%s", url.PathEscape(taskID))
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
