// Package ownership holds the static table mapping every session document
// field to the single role allowed to write it. It is the only
// concurrency-control mechanism of the engine: no locks, only ownership
// checks at the write boundary.
package ownership

import (
	"fmt"

	"sessiongate/internal/domain"
)

type Writer string

const (
	WriterOrchestrator Writer = "orchestrator"
	WriterTaskOwner    Writer = "task_owner"
)

type Access string

const (
	// Mutable fields accept writes from their writer.
	Mutable Access = "mutable"
	// Immutable fields are set once when the session is created.
	Immutable Access = "immutable"
	// Derived fields are recomputed by the engine and never accepted from clients.
	Derived Access = "derived"
)

type Rule struct {
	Pattern string
	Writer  Writer
	Access  Access
}

// Table lists every field path of the session schema exactly once.
var Table = []Rule{
	{"id", WriterOrchestrator, Immutable},
	{"created_at", WriterOrchestrator, Immutable},
	{"description", WriterOrchestrator, Immutable},
	{"orchestrator", WriterOrchestrator, Immutable},
	{"workers", WriterOrchestrator, Immutable},
	{"phases", WriterOrchestrator, Immutable},
	{"status", WriterOrchestrator, Mutable},
	{"aggregation", WriterOrchestrator, Derived},
	{"last_updated", WriterOrchestrator, Derived},
	{"archived_at", WriterOrchestrator, Derived},

	{"phases[*].id", WriterOrchestrator, Immutable},
	{"phases[*].name", WriterOrchestrator, Immutable},
	{"phases[*].sequence", WriterOrchestrator, Immutable},
	{"phases[*].tasks", WriterOrchestrator, Immutable},
	{"phases[*].status", WriterOrchestrator, Mutable},
	{"phases[*].gate_result", WriterOrchestrator, Mutable},
	{"phases[*].aggregation", WriterOrchestrator, Derived},

	{"phases[*].tasks[*].id", WriterOrchestrator, Immutable},
	{"phases[*].tasks[*].title", WriterOrchestrator, Immutable},
	{"phases[*].tasks[*].instructions", WriterOrchestrator, Immutable},
	{"phases[*].tasks[*].owner", WriterOrchestrator, Immutable},
	{"phases[*].tasks[*].forbidden_paths", WriterOrchestrator, Immutable},
	{"phases[*].tasks[*].status", WriterTaskOwner, Mutable},
	{"phases[*].tasks[*].output_ref", WriterTaskOwner, Mutable},
	{"phases[*].tasks[*].notes", WriterTaskOwner, Mutable},
	{"phases[*].tasks[*].last_updated", WriterTaskOwner, Derived},
}

var byPattern = func() map[string]Rule {
	m := make(map[string]Rule, len(Table))
	for _, r := range Table {
		m[r.Pattern] = r
	}
	return m
}()

// Lookup returns the rule for a normalized pattern.
func Lookup(pattern string) (Rule, bool) {
	r, ok := byPattern[pattern]
	return r, ok
}

// Authorize checks that actorID may write the field addressed by p in doc.
// It never mutates doc.
func Authorize(doc *domain.Session, actorID string, p Path) error {
	rule, ok := Lookup(p.Pattern)
	if !ok {
		return domain.PermissionError{ActorID: actorID, Path: p.Raw, Reason: "unknown field"}
	}
	role, ok := doc.RoleOf(actorID)
	if !ok {
		return domain.PermissionError{ActorID: actorID, Path: p.Raw, Reason: "actor is not a session role"}
	}
	switch rule.Access {
	case Immutable:
		return domain.PermissionError{ActorID: actorID, Path: p.Raw, Reason: "field is immutable"}
	case Derived:
		return domain.PermissionError{ActorID: actorID, Path: p.Raw, Reason: "field is derived by the engine"}
	}
	owner, err := WriterOf(doc, p)
	if err != nil {
		return err
	}
	if owner != role.ID {
		return domain.PermissionError{ActorID: actorID, Path: p.Raw}
	}
	return nil
}

// WriterOf resolves the concrete actor id owning the addressed field.
func WriterOf(doc *domain.Session, p Path) (string, error) {
	rule, ok := Lookup(p.Pattern)
	if !ok {
		return "", fmt.Errorf("%w: no ownership rule for %s", domain.ErrPermissionDenied, p.Raw)
	}
	if rule.Writer == WriterOrchestrator {
		if p.PhaseID != "" {
			if _, ok := findPhase(doc, p.PhaseID); !ok {
				return "", fmt.Errorf("%w: phase %s", domain.ErrNotFound, p.PhaseID)
			}
		}
		return doc.Orchestrator.ID, nil
	}
	pi, ok := findPhase(doc, p.PhaseID)
	if !ok {
		return "", fmt.Errorf("%w: phase %s", domain.ErrNotFound, p.PhaseID)
	}
	for _, t := range doc.Phases[pi].Tasks {
		if t.ID == p.TaskID {
			return t.Owner, nil
		}
	}
	return "", fmt.Errorf("%w: task %s in phase %s", domain.ErrNotFound, p.TaskID, p.PhaseID)
}

func findPhase(doc *domain.Session, id string) (int, bool) {
	for i, p := range doc.Phases {
		if p.ID == id {
			return i, true
		}
	}
	return 0, false
}

// Enumerate lists every concrete field path of doc.
func Enumerate(doc *domain.Session) []Path {
	var out []Path
	for _, r := range Table {
		switch countWildcards(r.Pattern) {
		case 0:
			out = append(out, mustParse(r.Pattern))
		case 1:
			for _, ph := range doc.Phases {
				out = append(out, mustParse(fmt.Sprintf("phases[%s].%s", ph.ID, leaf(r.Pattern))))
			}
		case 2:
			for _, ph := range doc.Phases {
				for _, t := range ph.Tasks {
					out = append(out, mustParse(fmt.Sprintf("phases[%s].tasks[%s].%s", ph.ID, t.ID, leaf(r.Pattern))))
				}
			}
		}
	}
	return out
}

func mustParse(raw string) Path {
	p, err := ParsePath(raw)
	if err != nil {
		panic(err)
	}
	return p
}
