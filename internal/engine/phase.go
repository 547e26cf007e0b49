package engine

import (
	"context"
	"fmt"
	"time"

	"sessiongate/internal/audit"
	"sessiongate/internal/domain"
	"sessiongate/internal/ownership"
)

// phaseFor authorizes actor against a phase field and returns the phase position.
func phaseFor(tx *txn, phaseID, field string) (int, error) {
	p, err := ownership.ParsePath(ownership.PhasePath(phaseID, field))
	if err != nil {
		return 0, err
	}
	if err := ownership.Authorize(tx.doc, tx.actor, p); err != nil {
		return 0, err
	}
	pi, ok := tx.idx.Phase(phaseID)
	if !ok {
		return 0, fmt.Errorf("%w: phase %s", domain.ErrNotFound, phaseID)
	}
	return pi, nil
}

// OpenPhase moves a not_started phase to in_progress once its predecessor is complete.
func (e Engine) OpenPhase(ctx context.Context, id, actorID, phaseID string) (domain.Session, error) {
	return e.update(ctx, "open", id, actorID, func(tx *txn) error {
		pi, err := phaseFor(tx, phaseID, "status")
		if err != nil {
			return err
		}
		if tx.doc.Phases[pi].Status == domain.StatusInProgress {
			return nil
		}
		return openPhase(tx, pi)
	})
}

// EvaluatePhase runs the gate over an open phase and persists the result. A
// failing result blocks the phase and is returned without error.
func (e Engine) EvaluatePhase(ctx context.Context, id, actorID, phaseID string) (domain.GateResult, domain.Session, error) {
	var res domain.GateResult
	doc, err := e.update(ctx, "evaluate", id, actorID, func(tx *txn) error {
		var err error
		res, err = e.evaluate(ctx, tx, phaseID)
		return err
	})
	if err != nil {
		return domain.GateResult{}, doc, err
	}
	e.logger().Info("gate evaluated", "session", id, "phase", phaseID, "passed", res.Passed, "score", res.Score, "blocking", len(res.BlockingIssues))
	return res, doc, nil
}

func (e Engine) evaluate(ctx context.Context, tx *txn, phaseID string) (domain.GateResult, error) {
	pi, err := phaseFor(tx, phaseID, "gate_result")
	if err != nil {
		return domain.GateResult{}, err
	}
	ph := &tx.doc.Phases[pi]
	if ph.Status != domain.StatusInProgress {
		return domain.GateResult{}, fmt.Errorf("%w: phase %s is %s; only an open phase can be evaluated", domain.ErrInvalidTransition, ph.ID, ph.Status)
	}
	res, err := e.gate().Evaluate(ctx, *ph)
	if err != nil {
		return domain.GateResult{}, err
	}
	ph.GateResult = &res
	tx.changed = true
	tx.gates = append(tx.gates, res)
	if res.Passed {
		return res, nil
	}
	tx.move("phase", ph.ID, ph.Status, domain.StatusBlocked)
	ph.Status = domain.StatusBlocked
	rules := make([]string, 0, len(res.BlockingIssues))
	for _, is := range res.BlockingIssues {
		rules = append(rules, is.RuleID)
	}
	tx.entries = append(tx.entries, entry(tx, domain.EventGateBlocked, audit.Detail{
		"phase_id":       ph.ID,
		"score":          res.Score,
		"threshold":      res.Threshold,
		"blocking_rules": rules,
	}))
	return res, nil
}

// ClosePhase completes a phase whose latest gate result passed and opens the
// next phase, or closes the session after the last one.
func (e Engine) ClosePhase(ctx context.Context, id, actorID, phaseID string) (domain.Session, error) {
	return e.update(ctx, "close", id, actorID, func(tx *txn) error {
		pi, err := phaseFor(tx, phaseID, "status")
		if err != nil {
			return err
		}
		return closePhase(tx, pi)
	})
}

// Advance evaluates the phase and closes it when the gate passes. Both steps
// commit as one write, so the close always sees the result it just scored.
func (e Engine) Advance(ctx context.Context, id, actorID, phaseID string) (domain.GateResult, domain.Session, error) {
	var res domain.GateResult
	doc, err := e.update(ctx, "advance", id, actorID, func(tx *txn) error {
		var err error
		res, err = e.evaluate(ctx, tx, phaseID)
		if err != nil || !res.Passed {
			return err
		}
		pi, err := phaseFor(tx, phaseID, "status")
		if err != nil {
			return err
		}
		return closePhase(tx, pi)
	})
	if err != nil {
		return domain.GateResult{}, doc, err
	}
	e.logger().Info("phase advanced", "session", id, "phase", phaseID, "passed", res.Passed, "score", res.Score)
	return res, doc, nil
}

// RecoverPhase reopens a blocked phase to to, resetting the listed tasks.
func (e Engine) RecoverPhase(ctx context.Context, id, actorID, phaseID string, to domain.Status, reopenTasks []string) (domain.Session, error) {
	doc, err := e.update(ctx, "recover", id, actorID, func(tx *txn) error {
		pi, err := phaseFor(tx, phaseID, "status")
		if err != nil {
			return err
		}
		return recoverPhase(tx, pi, to, reopenTasks)
	})
	if err == nil {
		e.logger().Info("phase recovered", "session", id, "phase", phaseID, "to", string(to), "reopened", len(reopenTasks))
	}
	return doc, err
}

// ArchiveSession freezes a complete session. Archived sessions reject every
// write and drop out of default listings.
func (e Engine) ArchiveSession(ctx context.Context, id, actorID string) (domain.Session, error) {
	return e.update(ctx, "archive", id, actorID, func(tx *txn) error {
		role, ok := tx.doc.RoleOf(actorID)
		if !ok || role.Kind != domain.RoleOrchestrator {
			return domain.PermissionError{ActorID: actorID, Path: "archived_at", Reason: "only the orchestrator archives a session"}
		}
		if tx.doc.Status != domain.StatusComplete {
			return fmt.Errorf("%w: session %s is %s; only complete sessions can be archived", domain.ErrInvalidTransition, tx.doc.ID, tx.doc.Status)
		}
		at := tx.now
		tx.doc.ArchivedAt = &at
		tx.changed = true
		return nil
	})
}

// StaleTask is an unfinished task whose last update is older than the threshold.
type StaleTask struct {
	PhaseID     string        `json:"phase_id"`
	TaskID      string        `json:"task_id"`
	Owner       string        `json:"owner"`
	Status      domain.Status `json:"status"`
	LastUpdated string        `json:"last_updated"`
	Age         time.Duration `json:"age"`
}

// StaleTasks lists unfinished tasks of open phases that have not been touched
// for threshold. Tasks never written fall back to the session's creation time.
// It only reports; nothing acts on staleness.
func StaleTasks(doc domain.Session, threshold time.Duration, now time.Time) []StaleTask {
	if threshold <= 0 {
		return nil
	}
	var out []StaleTask
	for _, ph := range doc.Phases {
		if ph.Status != domain.StatusInProgress && ph.Status != domain.StatusBlocked {
			continue
		}
		for _, t := range ph.Tasks {
			if t.Status == domain.StatusComplete {
				continue
			}
			stamp := t.LastUpdated
			if stamp == "" {
				stamp = doc.CreatedAt
			}
			at, err := time.Parse(time.RFC3339, stamp)
			if err != nil {
				continue
			}
			if age := now.Sub(at); age >= threshold {
				out = append(out, StaleTask{
					PhaseID:     ph.ID,
					TaskID:      t.ID,
					Owner:       t.Owner,
					Status:      t.Status,
					LastUpdated: stamp,
					Age:         age,
				})
			}
		}
	}
	return out
}
