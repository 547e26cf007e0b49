package engine

import (
	"context"
	"fmt"

	"sessiongate/internal/aggregate"
	"sessiongate/internal/audit"
	"sessiongate/internal/domain"
	"sessiongate/internal/ownership"
	"sessiongate/internal/validate"
)

// FieldWrite sets one field of a session document, addressed by id:
// "phases[P1].tasks[T1].status".
type FieldWrite struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// TaskReport is a worker's update of its own task. Nil fields are left alone.
type TaskReport struct {
	Status    *domain.Status `json:"status,omitempty"`
	Notes     *string        `json:"notes,omitempty"`
	OutputRef *string        `json:"output_ref,omitempty"`
}

func ensureTaskTransition(id string, from, to domain.Status) error {
	switch from {
	case domain.StatusNotStarted:
		if to == domain.StatusInProgress {
			return nil
		}
	case domain.StatusInProgress:
		if to == domain.StatusComplete {
			return nil
		}
	}
	reason := ""
	if from == domain.StatusNotStarted && to == domain.StatusComplete {
		reason = "tasks must be started before they complete"
	} else if from == domain.StatusComplete {
		reason = "only recovery of a blocked phase reopens a task"
	}
	return domain.TransitionError{Entity: "task", ID: id, From: from, To: to, Reason: reason}
}

// Apply performs writes as actorID. Either every write is accepted or the
// stored session is left untouched.
func (e Engine) Apply(ctx context.Context, id, actorID string, writes []FieldWrite) (domain.Session, error) {
	if len(writes) == 0 {
		return domain.Session{}, fmt.Errorf("%w: no field writes", domain.ErrSchemaViolation)
	}
	return e.update(ctx, "apply", id, actorID, func(tx *txn) error {
		for _, w := range writes {
			if err := e.applyWrite(tx, w); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReportTask applies a worker's report against its task wherever the task lives.
func (e Engine) ReportTask(ctx context.Context, id, actorID, taskID string, r TaskReport) (domain.Session, error) {
	if r.Status == nil && r.Notes == nil && r.OutputRef == nil {
		return domain.Session{}, fmt.Errorf("%w: empty task report", domain.ErrSchemaViolation)
	}
	return e.update(ctx, "report", id, actorID, func(tx *txn) error {
		pi, _, ok := tx.idx.Task(taskID)
		if !ok {
			return fmt.Errorf("%w: task %s in session %s", domain.ErrNotFound, taskID, id)
		}
		phaseID := tx.doc.Phases[pi].ID
		var writes []FieldWrite
		if r.OutputRef != nil {
			writes = append(writes, FieldWrite{Path: ownership.TaskPath(phaseID, taskID, "output_ref"), Value: *r.OutputRef})
		}
		if r.Notes != nil {
			writes = append(writes, FieldWrite{Path: ownership.TaskPath(phaseID, taskID, "notes"), Value: *r.Notes})
		}
		if r.Status != nil {
			writes = append(writes, FieldWrite{Path: ownership.TaskPath(phaseID, taskID, "status"), Value: string(*r.Status)})
		}
		for _, w := range writes {
			if err := e.applyWrite(tx, w); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e Engine) applyWrite(tx *txn, w FieldWrite) error {
	p, err := ownership.ParsePath(w.Path)
	if err != nil {
		return err
	}
	if err := ownership.Authorize(tx.doc, tx.actor, p); err != nil {
		return err
	}
	switch p.Pattern {
	case "status":
		s, err := statusValue(p, w.Value, false)
		if err != nil {
			return err
		}
		tx.wantStatus = &s
		return nil
	case "phases[*].status":
		s, err := statusValue(p, w.Value, false)
		if err != nil {
			return err
		}
		pi, _ := tx.idx.Phase(p.PhaseID)
		return e.setPhaseStatus(tx, pi, s)
	case "phases[*].gate_result":
		return fmt.Errorf("%w: %s is recorded by phase evaluation", domain.ErrInvalidTransition, p.Raw)
	case "phases[*].tasks[*].status":
		s, err := statusValue(p, w.Value, true)
		if err != nil {
			return err
		}
		pi, ti, _ := tx.idx.Task(p.TaskID)
		return setTaskStatus(tx, pi, ti, s)
	case "phases[*].tasks[*].output_ref", "phases[*].tasks[*].notes":
		text, ok := w.Value.(string)
		if !ok {
			return fmt.Errorf("%w: %s must be a string", domain.ErrSchemaViolation, p.Raw)
		}
		pi, ti, _ := tx.idx.Task(p.TaskID)
		return setTaskText(tx, pi, ti, p.Field, text)
	}
	return domain.PermissionError{ActorID: tx.actor, Path: p.Raw, Reason: "field is not writable"}
}

// statusValue runs the enum rule on a written value.
func statusValue(p ownership.Path, v any, task bool) (domain.Status, error) {
	if issues := validate.CheckStatus(p.Raw, v, task); len(issues) > 0 {
		return "", fmt.Errorf("%w: %s", domain.ErrSchemaViolation, issues[0].Message)
	}
	return domain.Status(v.(string)), nil
}

// writableTaskPhase rejects task writes into phases that cannot take them.
func writableTaskPhase(ph *domain.Phase, t *domain.Task, to domain.Status) error {
	switch ph.Status {
	case domain.StatusComplete:
		return domain.TransitionError{Entity: "task", ID: t.ID, From: t.Status, To: to, Reason: fmt.Sprintf("phase %s is complete", ph.ID)}
	case domain.StatusBlocked:
		return domain.TransitionError{Entity: "task", ID: t.ID, From: t.Status, To: to, Reason: fmt.Sprintf("phase %s is blocked until recovered", ph.ID)}
	}
	return nil
}

func setTaskStatus(tx *txn, pi, ti int, to domain.Status) error {
	ph := &tx.doc.Phases[pi]
	t := &ph.Tasks[ti]
	if t.Status == to {
		return nil
	}
	if err := writableTaskPhase(ph, t, to); err != nil {
		return err
	}
	if err := ensureTaskTransition(t.ID, t.Status, to); err != nil {
		return err
	}
	if ph.Status == domain.StatusNotStarted {
		if err := openPhase(tx, pi); err != nil {
			return err
		}
	}
	tx.move("task", t.ID, t.Status, to)
	t.Status = to
	t.LastUpdated = tx.now
	return nil
}

func setTaskText(tx *txn, pi, ti int, field, text string) error {
	ph := &tx.doc.Phases[pi]
	t := &ph.Tasks[ti]
	cur := &t.Notes
	if field == "output_ref" {
		cur = &t.OutputRef
	}
	if *cur == text {
		return nil
	}
	if ph.Status == domain.StatusComplete {
		return fmt.Errorf("%w: phase %s is complete", domain.ErrInvalidTransition, ph.ID)
	}
	*cur = text
	t.LastUpdated = tx.now
	tx.changed = true
	if field == "output_ref" && ph.GateResult != nil {
		// The gate scored the previous artifact; a close needs a fresh evaluation.
		ph.GateResult = nil
	}
	return nil
}

// setPhaseStatus routes an orchestrator's direct phase write to the matching
// lifecycle step.
func (e Engine) setPhaseStatus(tx *txn, pi int, to domain.Status) error {
	ph := &tx.doc.Phases[pi]
	from := ph.Status
	if from == to {
		return nil
	}
	switch {
	case from == domain.StatusComplete:
		return domain.TransitionError{Entity: "phase", ID: ph.ID, From: from, To: to, Reason: "complete is terminal"}
	case to == domain.StatusBlocked:
		return domain.TransitionError{Entity: "phase", ID: ph.ID, From: from, To: to, Reason: "phases block only on a failed gate evaluation"}
	case from == domain.StatusBlocked:
		return recoverPhase(tx, pi, to, nil)
	case from == domain.StatusNotStarted && to == domain.StatusInProgress:
		return openPhase(tx, pi)
	case from == domain.StatusInProgress && to == domain.StatusComplete:
		return closePhase(tx, pi)
	}
	return domain.TransitionError{Entity: "phase", ID: ph.ID, From: from, To: to}
}

func openPhase(tx *txn, pi int) error {
	ph := &tx.doc.Phases[pi]
	if ph.Status != domain.StatusNotStarted {
		return domain.TransitionError{Entity: "phase", ID: ph.ID, From: ph.Status, To: domain.StatusInProgress}
	}
	if prev := tx.idx.Predecessor(pi); prev >= 0 {
		if p := tx.doc.Phases[prev]; p.Status != domain.StatusComplete {
			return fmt.Errorf("%w: phase %s requires phase %s to be complete, it is %s", domain.ErrMissingDependency, ph.ID, p.ID, p.Status)
		}
	}
	tx.move("phase", ph.ID, ph.Status, domain.StatusInProgress)
	ph.Status = domain.StatusInProgress
	return nil
}

// closePhase completes an open phase whose latest gate result passed and opens
// its successor, or closes the session after the last phase.
func closePhase(tx *txn, pi int) error {
	ph := &tx.doc.Phases[pi]
	to := domain.StatusComplete
	if ph.Status != domain.StatusInProgress {
		return domain.TransitionError{Entity: "phase", ID: ph.ID, From: ph.Status, To: to, Reason: "only an open phase can close"}
	}
	gr := ph.GateResult
	if gr == nil {
		return domain.TransitionError{Entity: "phase", ID: ph.ID, From: ph.Status, To: to, Reason: "phase has not been evaluated"}
	}
	if gr.HasCritical() {
		return fmt.Errorf("%w: gate result of phase %s carries critical issues", domain.ErrSchemaViolation, ph.ID)
	}
	if !gr.Passed {
		return domain.TransitionError{Entity: "phase", ID: ph.ID, From: ph.Status, To: to, Reason: "latest gate evaluation did not pass"}
	}
	if fresh := aggregate.Tasks(ph.Tasks); !fresh.Done() {
		return domain.TransitionError{Entity: "phase", ID: ph.ID, From: ph.Status, To: to,
			Reason: fmt.Sprintf("%d of %d tasks complete", fresh.Completed, fresh.Total)}
	}
	tx.move("phase", ph.ID, ph.Status, to)
	ph.Status = to
	tx.entries = append(tx.entries, entry(tx, domain.EventPhaseClosed, audit.Detail{
		"phase_id":  ph.ID,
		"score":     gr.Score,
		"threshold": gr.Threshold,
	}))
	if pi+1 < len(tx.doc.Phases) {
		next := &tx.doc.Phases[pi+1]
		if next.Status == domain.StatusNotStarted {
			tx.move("phase", next.ID, next.Status, domain.StatusInProgress)
			next.Status = domain.StatusInProgress
		}
		return nil
	}
	tx.entries = append(tx.entries, entry(tx, domain.EventSessionClosed, audit.Detail{
		"phases": len(tx.doc.Phases),
	}))
	return nil
}

// recoverPhase reopens a blocked phase. Listed tasks are reset to match the
// phase's new status so their owners can report them again.
func recoverPhase(tx *txn, pi int, to domain.Status, reopen []string) error {
	ph := &tx.doc.Phases[pi]
	if ph.Status != domain.StatusBlocked {
		return domain.TransitionError{Entity: "phase", ID: ph.ID, From: ph.Status, To: to, Reason: "only a blocked phase can be recovered"}
	}
	if to != domain.StatusNotStarted && to != domain.StatusInProgress {
		return domain.TransitionError{Entity: "phase", ID: ph.ID, From: ph.Status, To: to, Reason: "recovery targets not_started or in_progress"}
	}
	for _, taskID := range reopen {
		ti := -1
		for i := range ph.Tasks {
			if ph.Tasks[i].ID == taskID {
				ti = i
				break
			}
		}
		if ti < 0 {
			return fmt.Errorf("%w: task %s in phase %s", domain.ErrNotFound, taskID, ph.ID)
		}
		t := &ph.Tasks[ti]
		if t.Status != to {
			tx.move("task", t.ID, t.Status, to)
			t.Status = to
			t.LastUpdated = tx.now
		}
	}
	if to == domain.StatusNotStarted {
		for _, t := range ph.Tasks {
			if t.Status != domain.StatusNotStarted {
				return domain.TransitionError{Entity: "phase", ID: ph.ID, From: ph.Status, To: to,
					Reason: fmt.Sprintf("task %s is %s; recover to in_progress or reopen it", t.ID, t.Status)}
			}
		}
	}
	tx.move("phase", ph.ID, ph.Status, to)
	ph.Status = to
	return nil
}

func entry(tx *txn, kind domain.EventType, detail audit.Detail) domain.AuditEntry {
	return domain.AuditEntry{SessionID: tx.doc.ID, EventType: kind, ActorID: tx.actor, Detail: detail}
}
