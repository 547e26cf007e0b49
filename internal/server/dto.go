package server

import (
	"sessiongate/internal/domain"
	"sessiongate/internal/engine"
	"sessiongate/internal/plan"
)

// Request payloads

type RoleRequest struct {
	ID          string `json:"id"`
	Kind        string `json:"kind,omitempty" enum:"orchestrator,worker"`
	Description string `json:"description,omitempty"`
}

type CreateSessionRequest struct {
	ID           string            `json:"id" example:"WO-BILLING-API-001"`
	Description  string            `json:"description,omitempty"`
	Orchestrator RoleRequest       `json:"orchestrator"`
	Workers      []RoleRequest     `json:"workers"`
	Phases       []plan.PhaseSpec  `json:"phases,omitempty"`
	Assignments  []plan.Assignment `json:"assignments"`
}

func (r CreateSessionRequest) workorder() plan.Workorder {
	wo := plan.Workorder{
		ID:           r.ID,
		Description:  r.Description,
		Orchestrator: r.Orchestrator.role(),
		Phases:       r.Phases,
		Assignments:  r.Assignments,
	}
	for _, w := range r.Workers {
		wo.Workers = append(wo.Workers, w.role())
	}
	return wo
}

func (r RoleRequest) role() domain.Role {
	return domain.Role{ID: r.ID, Kind: domain.RoleKind(r.Kind), Description: r.Description}
}

type WriteFieldsRequest struct {
	Writes []engine.FieldWrite `json:"writes" minItems:"1"`
}

type ReportTaskRequest struct {
	Status    *string `json:"status,omitempty"`
	Notes     *string `json:"notes,omitempty"`
	OutputRef *string `json:"output_ref,omitempty"`
}

func (r ReportTaskRequest) report() engine.TaskReport {
	out := engine.TaskReport{Notes: r.Notes, OutputRef: r.OutputRef}
	if r.Status != nil {
		s := domain.Status(*r.Status)
		out.Status = &s
	}
	return out
}

type RecoverPhaseRequest struct {
	To          string   `json:"to" example:"in_progress"`
	ReopenTasks []string `json:"reopen_tasks,omitempty"`
}

type ValidateDocumentRequest struct {
	Document map[string]any `json:"document"`
}

// Response payloads

type ValidationReportResponse struct {
	Score  int                      `json:"score"`
	Issues []domain.ValidationIssue `json:"issues"`
}

type GateResponse struct {
	Result  domain.GateResult `json:"result"`
	Session domain.Session    `json:"session"`
}

type SessionListResponse struct {
	Items []domain.SessionSummary `json:"items"`
}

type StaleTasksResponse struct {
	Threshold string             `json:"threshold"`
	Items     []engine.StaleTask `json:"items"`
}

type paginatedAudit struct {
	Items      []domain.AuditEntry `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}
