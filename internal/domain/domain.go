package domain

import "regexp"

// Status is the shared lifecycle enum of sessions, phases and tasks.
// Tasks never use StatusBlocked.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusBlocked    Status = "blocked"
)

// Statuses lists the session/phase enum in wire order.
var Statuses = []Status{StatusNotStarted, StatusInProgress, StatusComplete, StatusBlocked}

// TaskStatuses lists the task enum in wire order.
var TaskStatuses = []Status{StatusNotStarted, StatusInProgress, StatusComplete}

// Valid reports whether s is one of the four session/phase values.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// ValidForTask reports whether s is one of the three task values.
func (s Status) ValidForTask() bool {
	for _, v := range TaskStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// WorkorderIDPattern is part of the wire contract.
var WorkorderIDPattern = regexp.MustCompile(`^WO-[A-Z0-9-]+-\d{3}$`)

type RoleKind string

const (
	RoleOrchestrator RoleKind = "orchestrator"
	RoleWorker       RoleKind = "worker"
)

type Role struct {
	ID          string   `json:"id" yaml:"id"`
	Kind        RoleKind `json:"kind" yaml:"kind"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

type Session struct {
	ID           string    `json:"id"`
	CreatedAt    string    `json:"created_at" format:"date-time"`
	Description  string    `json:"description"`
	Status       Status    `json:"status" enum:"not_started,in_progress,complete,blocked"`
	Phases       []Phase   `json:"phases"`
	Orchestrator Role      `json:"orchestrator"`
	Workers      []Role    `json:"workers"`
	Aggregation  *Snapshot `json:"aggregation,omitempty"`
	LastUpdated  string    `json:"last_updated" format:"date-time"`
	ArchivedAt   *string   `json:"archived_at,omitempty" format:"date-time"`
}

type Phase struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Sequence    int         `json:"sequence"`
	Tasks       []Task      `json:"tasks"`
	Status      Status      `json:"status" enum:"not_started,in_progress,complete,blocked"`
	GateResult  *GateResult `json:"gate_result"`
	Aggregation *Snapshot   `json:"aggregation,omitempty"`
}

type Task struct {
	ID             string   `json:"id"`
	Title          string   `json:"title,omitempty"`
	Instructions   string   `json:"instructions,omitempty"`
	Owner          string   `json:"owner"`
	Status         Status   `json:"status" enum:"not_started,in_progress,complete"`
	OutputRef      string   `json:"output_ref,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	ForbiddenPaths []string `json:"forbidden_paths,omitempty"`
	LastUpdated    string   `json:"last_updated,omitempty" format:"date-time"`
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityWarning  Severity = "warning"
)

type ValidationIssue struct {
	Severity  Severity `json:"severity" enum:"critical,major,warning"`
	FieldPath string   `json:"field_path"`
	Message   string   `json:"message"`
	RuleID    string   `json:"rule_id"`
}

// Snapshot is the derived progress count for a phase or a session.
type Snapshot struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	InProgress int `json:"in_progress"`
	NotStarted int `json:"not_started"`
}

// Done reports whether every counted task is complete.
func (s Snapshot) Done() bool {
	return s.Completed == s.Total
}

type GateResult struct {
	Passed         bool              `json:"passed"`
	Score          int               `json:"score"`
	Threshold      int               `json:"threshold"`
	Aggregation    Snapshot          `json:"aggregation"`
	BlockingIssues []ValidationIssue `json:"blocking_issues"`
	Issues         []ValidationIssue `json:"issues"`
	EvaluatedAt    string            `json:"evaluated_at" format:"date-time"`
}

// HasCritical reports whether any recorded issue is critical.
func (g GateResult) HasCritical() bool {
	for _, is := range g.Issues {
		if is.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

type EventType string

const (
	EventCreated       EventType = "created"
	EventPhaseClosed   EventType = "phase_closed"
	EventSessionClosed EventType = "session_closed"
	EventGateBlocked   EventType = "gate_blocked"
)

type AuditEntry struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp" format:"date-time"`
	SessionID string         `json:"session_id"`
	EventType EventType      `json:"event_type" enum:"created,phase_closed,session_closed,gate_blocked"`
	ActorID   string         `json:"actor_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// SessionSummary is the listing row for a stored session.
type SessionSummary struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Status      Status   `json:"status"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	LastUpdated string   `json:"last_updated" format:"date-time"`
	Archived    bool     `json:"archived"`
	Progress    Snapshot `json:"progress"`
}

// RoleOf resolves an actor id against the session's declared roles.
func (s *Session) RoleOf(actorID string) (Role, bool) {
	if actorID != "" && s.Orchestrator.ID == actorID {
		return s.Orchestrator, true
	}
	for _, w := range s.Workers {
		if w.ID == actorID {
			return w, true
		}
	}
	return Role{}, false
}

// Archived reports whether the session has been archived.
func (s *Session) Archived() bool {
	return s.ArchivedAt != nil && *s.ArchivedAt != ""
}

// Clone returns a deep copy so a rejected mutation never leaks into the original.
func (s Session) Clone() Session {
	out := s
	out.Workers = append([]Role(nil), s.Workers...)
	if s.Aggregation != nil {
		agg := *s.Aggregation
		out.Aggregation = &agg
	}
	if s.ArchivedAt != nil {
		at := *s.ArchivedAt
		out.ArchivedAt = &at
	}
	out.Phases = make([]Phase, len(s.Phases))
	for i, p := range s.Phases {
		out.Phases[i] = p.clone()
	}
	return out
}

func (p Phase) clone() Phase {
	out := p
	out.Tasks = make([]Task, len(p.Tasks))
	for i, t := range p.Tasks {
		t.ForbiddenPaths = append([]string(nil), t.ForbiddenPaths...)
		out.Tasks[i] = t
	}
	if p.Aggregation != nil {
		agg := *p.Aggregation
		out.Aggregation = &agg
	}
	if p.GateResult != nil {
		gr := *p.GateResult
		gr.BlockingIssues = append([]ValidationIssue(nil), p.GateResult.BlockingIssues...)
		gr.Issues = append([]ValidationIssue(nil), p.GateResult.Issues...)
		out.GateResult = &gr
	}
	return out
}
