package sessiongatesdk

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

// Client is a minimal Sessiongate HTTP API client acting as one session role.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL: baseURL,
		ActorID: actorID,
		Timeout: 10 * time.Second,
	}
}

// Role is the orchestrator or a worker of a session.
type Role struct {
	ID          string `json:"id"`
	Kind        string `json:"kind,omitempty"`
	Description string `json:"description,omitempty"`
}

// Task represents the API task model.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Owner       string `json:"owner"`
	Status      string `json:"status"`
	OutputRef   string `json:"output_ref,omitempty"`
	Notes       string `json:"notes,omitempty"`
	LastUpdated string `json:"last_updated,omitempty"`
}

type Snapshot struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	InProgress int `json:"in_progress"`
	NotStarted int `json:"not_started"`
}

type Issue struct {
	Severity  string `json:"severity"`
	FieldPath string `json:"field_path"`
	Message   string `json:"message"`
	RuleID    string `json:"rule_id"`
}

// GateResult is the outcome of a phase gate evaluation.
type GateResult struct {
	Passed         bool     `json:"passed"`
	Score          int      `json:"score"`
	Threshold      int      `json:"threshold"`
	Aggregation    Snapshot `json:"aggregation"`
	BlockingIssues []Issue  `json:"blocking_issues"`
	Issues         []Issue  `json:"issues"`
	EvaluatedAt    string   `json:"evaluated_at"`
}

type Phase struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Sequence    int         `json:"sequence"`
	Status      string      `json:"status"`
	Tasks       []Task      `json:"tasks"`
	GateResult  *GateResult `json:"gate_result"`
	Aggregation *Snapshot   `json:"aggregation,omitempty"`
}

// Session represents the API session document.
type Session struct {
	ID           string    `json:"id"`
	Description  string    `json:"description"`
	Status       string    `json:"status"`
	CreatedAt    string    `json:"created_at"`
	LastUpdated  string    `json:"last_updated"`
	ArchivedAt   *string   `json:"archived_at,omitempty"`
	Orchestrator Role      `json:"orchestrator"`
	Workers      []Role    `json:"workers"`
	Phases       []Phase   `json:"phases"`
	Aggregation  *Snapshot `json:"aggregation,omitempty"`
}

type SessionSummary struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	CreatedAt   string   `json:"created_at"`
	LastUpdated string   `json:"last_updated"`
	Archived    bool     `json:"archived"`
	Progress    Snapshot `json:"progress"`
}

// Workorder is the input decomposed into a session.
type Workorder struct {
	ID           string       `json:"id"`
	Description  string       `json:"description,omitempty"`
	Orchestrator Role         `json:"orchestrator"`
	Workers      []Role       `json:"workers"`
	Phases       []PhaseSpec  `json:"phases,omitempty"`
	Assignments  []Assignment `json:"assignments"`
}

type PhaseSpec struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Sequence int    `json:"sequence"`
}

type Assignment struct {
	Worker string   `json:"worker"`
	Phase  string   `json:"phase"`
	Task   TaskSpec `json:"task"`
}

type TaskSpec struct {
	ID             string   `json:"id"`
	Title          string   `json:"title,omitempty"`
	Instructions   string   `json:"instructions,omitempty"`
	ForbiddenPaths []string `json:"forbidden_paths,omitempty"`
}

// FieldWrite sets one owned field, addressed by path.
type FieldWrite struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// Report carries a worker's task update. Nil fields are left alone.
type Report struct {
	Status    *string `json:"status,omitempty"`
	Notes     *string `json:"notes,omitempty"`
	OutputRef *string `json:"output_ref,omitempty"`
}

// AuditEntry represents a lifecycle event.
type AuditEntry struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	SessionID string         `json:"session_id"`
	EventType string         `json:"event_type"`
	ActorID   string         `json:"actor_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// PaginatedAudit wraps audit listings with cursors.
type PaginatedAudit struct {
	Items      []AuditEntry `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateSession decomposes a workorder into a new session.
func (c *Client) CreateSession(ctx context.Context, wo Workorder) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions", wo, &resp)
	return resp, err
}

// Session fetches a session document.
func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, sessionPath(id, ""), nil, &resp)
	return resp, err
}

// Sessions lists sessions, optionally filtered by status.
func (c *Client) Sessions(ctx context.Context, status string, includeArchived bool) ([]SessionSummary, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if includeArchived {
		q.Set("include_archived", "true")
	}
	endpoint := "v0/sessions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []SessionSummary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Write applies field writes atomically.
func (c *Client) Write(ctx context.Context, id string, writes ...FieldWrite) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPatch, sessionPath(id, ""), map[string]any{"writes": writes}, &resp)
	return resp, err
}

// ReportTask reports progress on a task owned by the client's actor.
func (c *Client) ReportTask(ctx context.Context, id, taskID string, r Report) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, sessionPath(id, "tasks/"+url.PathEscape(taskID)+"/report"), r, &resp)
	return resp, err
}

// OpenPhase opens a phase.
func (c *Client) OpenPhase(ctx context.Context, id, phaseID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, phasePath(id, phaseID, "open"), nil, &resp)
	return resp, err
}

// EvaluatePhase runs the phase gate.
func (c *Client) EvaluatePhase(ctx context.Context, id, phaseID string) (GateResult, Session, error) {
	return c.gate(ctx, phasePath(id, phaseID, "evaluate"))
}

// Advance evaluates a phase and closes it when the gate passes.
func (c *Client) Advance(ctx context.Context, id, phaseID string) (GateResult, Session, error) {
	return c.gate(ctx, phasePath(id, phaseID, "advance"))
}

// ClosePhase closes a phase after a passing evaluation.
func (c *Client) ClosePhase(ctx context.Context, id, phaseID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, phasePath(id, phaseID, "close"), nil, &resp)
	return resp, err
}

// RecoverPhase reopens a blocked phase.
func (c *Client) RecoverPhase(ctx context.Context, id, phaseID, to string, reopenTasks []string) (Session, error) {
	body := map[string]any{"to": to, "reopen_tasks": reopenTasks}
	var resp Session
	err := c.do(ctx, http.MethodPost, phasePath(id, phaseID, "recover"), body, &resp)
	return resp, err
}

// Archive archives a complete session.
func (c *Client) Archive(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, sessionPath(id, "archive"), nil, &resp)
	return resp, err
}

// AuditPage returns a page of audit entries. An empty sessionID lists all sessions.
func (c *Client) AuditPage(ctx context.Context, sessionID string, limit int, cursor string) (PaginatedAudit, error) {
	endpoint := "v0/audit"
	if sessionID != "" {
		endpoint = sessionPath(sessionID, "audit")
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedAudit
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) gate(ctx context.Context, endpoint string) (GateResult, Session, error) {
	var resp struct {
		Result  GateResult `json:"result"`
		Session Session    `json:"session"`
	}
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Result, resp.Session, err
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
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func sessionPath(id, p string) string {
	out := "v0/sessions/" + url.PathEscape(id)
	if p != "" {
		out += "/" + strings.TrimLeft(p, "/")
	}
	return out
}

func phasePath(id, phaseID, action string) string {
	return sessionPath(id, "phases/"+url.PathEscape(phaseID)+"/"+action)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
