// Package plan turns a workorder (worker, phase, task) assignment list into the
// immutable, ordered phase graph a session is created from.
package plan

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sessiongate/internal/aggregate"
	"sessiongate/internal/domain"
)

type PhaseSpec struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Sequence int    `json:"sequence" yaml:"sequence"`
}

type TaskSpec struct {
	ID             string   `json:"id" yaml:"id"`
	Title          string   `json:"title,omitempty" yaml:"title,omitempty"`
	Instructions   string   `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	ForbiddenPaths []string `json:"forbidden_paths,omitempty" yaml:"forbidden_paths,omitempty"`
}

// Assignment gives one task of one phase to one worker.
type Assignment struct {
	Worker string   `json:"worker" yaml:"worker"`
	Phase  string   `json:"phase" yaml:"phase"`
	Task   TaskSpec `json:"task" yaml:"task"`
}

type Workorder struct {
	ID           string        `json:"id" yaml:"id"`
	Description  string        `json:"description" yaml:"description"`
	Orchestrator domain.Role   `json:"orchestrator" yaml:"orchestrator"`
	Workers      []domain.Role `json:"workers" yaml:"workers"`
	// Phases is optional; undeclared phases referenced by assignments are
	// sequenced in order of first appearance after the declared ones.
	Phases      []PhaseSpec  `json:"phases,omitempty" yaml:"phases,omitempty"`
	Assignments []Assignment `json:"assignments" yaml:"assignments"`
}

// Graph is the validated phase ordering of a workorder.
type Graph struct {
	Workorder Workorder
	Phases    []PlannedPhase
}

type PlannedPhase struct {
	PhaseSpec
	Tasks []PlannedTask
}

type PlannedTask struct {
	TaskSpec
	Owner string
}

// LoadWorkorder reads a workorder YAML (or JSON) file.
func LoadWorkorder(path string) (Workorder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Workorder{}, err
	}
	var wo Workorder
	if err := yaml.Unmarshal(data, &wo); err != nil {
		return Workorder{}, fmt.Errorf("%w: parse %s: %v", domain.ErrInvalidWorkorder, path, err)
	}
	return wo, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidWorkorder, fmt.Sprintf(format, args...))
}

// addressable rejects ids a write path like phases[P1].tasks[T1].status
// cannot carry.
func addressable(kind, id string) error {
	if strings.TrimSpace(id) != id {
		return invalid("%s id %q has surrounding whitespace", kind, id)
	}
	if strings.ContainsAny(id, "[]") {
		return invalid("%s id %q contains a bracket", kind, id)
	}
	return nil
}

// Build validates wo and orders its phases. The result is never mutated.
func Build(wo Workorder) (*Graph, error) {
	if !domain.WorkorderIDPattern.MatchString(wo.ID) {
		return nil, invalid("workorder id %q does not match %s", wo.ID, domain.WorkorderIDPattern)
	}
	if strings.TrimSpace(wo.Orchestrator.ID) == "" {
		return nil, invalid("orchestrator id is required")
	}
	if wo.Orchestrator.Kind == "" {
		wo.Orchestrator.Kind = domain.RoleOrchestrator
	}
	if wo.Orchestrator.Kind != domain.RoleOrchestrator {
		return nil, invalid("orchestrator %s has kind %s", wo.Orchestrator.ID, wo.Orchestrator.Kind)
	}
	workers := make(map[string]bool, len(wo.Workers))
	normalized := make([]domain.Role, 0, len(wo.Workers))
	for _, w := range wo.Workers {
		if strings.TrimSpace(w.ID) == "" {
			return nil, invalid("worker id is required")
		}
		if w.ID == wo.Orchestrator.ID {
			return nil, invalid("orchestrator %s is also declared as a worker", w.ID)
		}
		if workers[w.ID] {
			return nil, invalid("duplicate worker %s", w.ID)
		}
		if w.Kind == "" {
			w.Kind = domain.RoleWorker
		}
		if w.Kind != domain.RoleWorker {
			return nil, invalid("worker %s has kind %s", w.ID, w.Kind)
		}
		workers[w.ID] = true
		normalized = append(normalized, w)
	}
	wo.Workers = normalized
	if len(wo.Assignments) == 0 {
		return nil, invalid("workorder has no assignments")
	}

	phases := map[string]*PlannedPhase{}
	var order []*PlannedPhase
	seqs := map[int]string{}
	for _, ps := range wo.Phases {
		if strings.TrimSpace(ps.ID) == "" {
			return nil, invalid("phase id is required")
		}
		if err := addressable("phase", ps.ID); err != nil {
			return nil, err
		}
		if _, ok := phases[ps.ID]; ok {
			return nil, invalid("duplicate phase %s", ps.ID)
		}
		if ps.Sequence <= 0 {
			return nil, invalid("phase %s sequence must be positive", ps.ID)
		}
		if other, ok := seqs[ps.Sequence]; ok {
			return nil, invalid("phases %s and %s share sequence %d", other, ps.ID, ps.Sequence)
		}
		seqs[ps.Sequence] = ps.ID
		pp := &PlannedPhase{PhaseSpec: ps}
		phases[ps.ID] = pp
		order = append(order, pp)
	}
	nextSeq := 0
	for s := range seqs {
		if s > nextSeq {
			nextSeq = s
		}
	}

	taskIDs := map[string]bool{}
	for i, a := range wo.Assignments {
		if strings.TrimSpace(a.Task.ID) == "" {
			return nil, invalid("assignment %d has no task id", i)
		}
		if err := addressable("task", a.Task.ID); err != nil {
			return nil, err
		}
		if taskIDs[a.Task.ID] {
			return nil, invalid("duplicate task id %s", a.Task.ID)
		}
		taskIDs[a.Task.ID] = true
		if !workers[a.Worker] {
			return nil, invalid("task %s owner %q is not a declared worker", a.Task.ID, a.Worker)
		}
		if strings.TrimSpace(a.Phase) == "" {
			return nil, invalid("task %s has no phase", a.Task.ID)
		}
		pp, ok := phases[a.Phase]
		if !ok {
			if err := addressable("phase", a.Phase); err != nil {
				return nil, err
			}
			nextSeq++
			pp = &PlannedPhase{PhaseSpec: PhaseSpec{ID: a.Phase, Sequence: nextSeq}}
			phases[a.Phase] = pp
			order = append(order, pp)
		}
		pp.Tasks = append(pp.Tasks, PlannedTask{TaskSpec: a.Task, Owner: a.Worker})
	}
	for _, pp := range order {
		if len(pp.Tasks) == 0 {
			return nil, invalid("phase %s has no tasks", pp.ID)
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].Sequence < order[j].Sequence })

	g := &Graph{Workorder: wo, Phases: make([]PlannedPhase, len(order))}
	for i, pp := range order {
		g.Phases[i] = *pp
	}
	return g, nil
}

// Session produces the initial session document: every phase and task
// not_started, no gate results, fresh aggregation.
func (g *Graph) Session(now time.Time) domain.Session {
	ts := now.UTC().Format(time.RFC3339)
	doc := domain.Session{
		ID:           g.Workorder.ID,
		CreatedAt:    ts,
		Description:  g.Workorder.Description,
		Status:       domain.StatusNotStarted,
		Orchestrator: g.Workorder.Orchestrator,
		Workers:      append([]domain.Role(nil), g.Workorder.Workers...),
		LastUpdated:  ts,
	}
	for _, pp := range g.Phases {
		ph := domain.Phase{
			ID:       pp.ID,
			Name:     pp.Name,
			Sequence: pp.Sequence,
			Status:   domain.StatusNotStarted,
		}
		for _, t := range pp.Tasks {
			ph.Tasks = append(ph.Tasks, domain.Task{
				ID:             t.ID,
				Title:          t.Title,
				Instructions:   t.Instructions,
				Owner:          t.Owner,
				Status:         domain.StatusNotStarted,
				ForbiddenPaths: append([]string(nil), t.ForbiddenPaths...),
				LastUpdated:    ts,
			})
		}
		doc.Phases = append(doc.Phases, ph)
	}
	aggregate.Refresh(&doc)
	return doc
}

// Index answers structural questions about a stored session document.
type Index struct {
	phaseByTask map[string]int
	taskPos     map[string]int
	phasePos    map[string]int
}

var errUnordered = errors.New("phases are not ordered by sequence")

// FromSession indexes doc. Phases must already be ordered by sequence.
func FromSession(doc *domain.Session) (Index, error) {
	idx := Index{
		phaseByTask: map[string]int{},
		taskPos:     map[string]int{},
		phasePos:    map[string]int{},
	}
	for i, ph := range doc.Phases {
		if i > 0 && doc.Phases[i-1].Sequence >= ph.Sequence {
			return Index{}, fmt.Errorf("%w: %v", domain.ErrSchemaViolation, errUnordered)
		}
		idx.phasePos[ph.ID] = i
		for j, t := range ph.Tasks {
			if _, dup := idx.phaseByTask[t.ID]; dup {
				return Index{}, fmt.Errorf("%w: duplicate task id %s", domain.ErrSchemaViolation, t.ID)
			}
			idx.phaseByTask[t.ID] = i
			idx.taskPos[t.ID] = j
		}
	}
	return idx, nil
}

// Phase returns the position of phase id.
func (x Index) Phase(id string) (int, bool) {
	i, ok := x.phasePos[id]
	return i, ok
}

// Task returns the phase and task positions of task id.
func (x Index) Task(id string) (phase, task int, ok bool) {
	phase, ok = x.phaseByTask[id]
	if !ok {
		return 0, 0, false
	}
	return phase, x.taskPos[id], true
}

// Predecessor returns the position of the phase preceding pos, or -1 for the first.
func (x Index) Predecessor(pos int) int {
	return pos - 1
}
