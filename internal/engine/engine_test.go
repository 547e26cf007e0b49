package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"sessiongate/internal/config"
	"sessiongate/internal/db"
	"sessiongate/internal/domain"
	"sessiongate/internal/engine"
	"sessiongate/internal/gate"
	"sessiongate/internal/migrate"
	"sessiongate/internal/plan"
	"sessiongate/internal/repo"
	"sessiongate/internal/store"
	"sessiongate/internal/validate"
)

const sessionID = "WO-ENGINE-TEST-001"

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Ctx    context.Context
}

func newTestEnv(t *testing.T, artifacts gate.ArtifactSource) testEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "engine.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	eng, err := engine.New(r, r, config.Default(), artifacts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	eng.Sleep = func(context.Context, time.Duration) error { return nil }
	return testEnv{Engine: eng, Repo: r, Ctx: ctx}
}

// workorder has two phases: P1 with T1 (W1) and T2 (W2), P2 with T3 (W1).
func workorder() plan.Workorder {
	return plan.Workorder{
		ID:           sessionID,
		Description:  "engine test",
		Orchestrator: domain.Role{ID: "orch"},
		Workers:      []domain.Role{{ID: "W1"}, {ID: "W2"}},
		Phases:       []plan.PhaseSpec{{ID: "P1", Sequence: 1}, {ID: "P2", Sequence: 2}},
		Assignments: []plan.Assignment{
			{Worker: "W1", Phase: "P1", Task: plan.TaskSpec{ID: "T1"}},
			{Worker: "W2", Phase: "P1", Task: plan.TaskSpec{ID: "T2"}},
			{Worker: "W1", Phase: "P2", Task: plan.TaskSpec{ID: "T3"}},
		},
	}
}

func (env testEnv) create(t *testing.T) domain.Session {
	t.Helper()
	doc, err := env.Engine.CreateSession(env.Ctx, workorder(), "orch")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return doc
}

func status(s domain.Status) *domain.Status { return &s }

func str(s string) *string { return &s }

func (env testEnv) report(t *testing.T, actor, task string, to domain.Status) domain.Session {
	t.Helper()
	doc, err := env.Engine.ReportTask(env.Ctx, sessionID, actor, task, engine.TaskReport{Status: status(to)})
	if err != nil {
		t.Fatalf("%s reports %s %s: %v", actor, task, to, err)
	}
	return doc
}

func (env testEnv) completePhase1(t *testing.T) {
	t.Helper()
	for _, r := range []struct{ actor, task string }{{"W1", "T1"}, {"W2", "T2"}} {
		env.report(t, r.actor, r.task, domain.StatusInProgress)
		env.report(t, r.actor, r.task, domain.StatusComplete)
	}
}

func taskOf(doc domain.Session, id string) domain.Task {
	for _, ph := range doc.Phases {
		for _, task := range ph.Tasks {
			if task.ID == id {
				return task
			}
		}
	}
	return domain.Task{}
}

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t, nil)
	doc := env.create(t)
	if doc.Status != domain.StatusNotStarted || len(doc.Phases) != 2 || doc.Aggregation.Total != 3 {
		t.Fatalf("unexpected document %+v", doc)
	}
	if _, err := env.Engine.CreateSession(env.Ctx, workorder(), "orch"); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	wo := workorder()
	wo.ID = "WO-ENGINE-TEST-002"
	if _, err := env.Engine.CreateSession(env.Ctx, wo, "W1"); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("worker created a session: %v", err)
	}
	wo.ID = "wo-lower"
	if _, err := env.Engine.CreateSession(env.Ctx, wo, ""); !errors.Is(err, domain.ErrInvalidWorkorder) {
		t.Fatalf("expected invalid workorder, got %v", err)
	}
	entries, err := env.Engine.AuditEntries(env.Ctx, store.AuditFilter{SessionID: sessionID})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].EventType != domain.EventCreated || entries[0].ActorID != "orch" {
		t.Fatalf("unexpected audit %+v", entries)
	}
}

func TestTaskTransitions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)

	_, err := env.Engine.ReportTask(env.Ctx, sessionID, "W1", "T1", engine.TaskReport{Status: status(domain.StatusComplete)})
	var te domain.TransitionError
	if !errors.As(err, &te) || te.From != domain.StatusNotStarted {
		t.Fatalf("skipping in_progress should fail, got %v", err)
	}

	doc := env.report(t, "W1", "T1", domain.StatusInProgress)
	if doc.Phases[0].Status != domain.StatusInProgress || doc.Status != domain.StatusInProgress {
		t.Fatalf("first task transition should open phase and session: %s %s", doc.Phases[0].Status, doc.Status)
	}
	if got := taskOf(doc, "T1").LastUpdated; got != "2024-01-01T00:00:00Z" {
		t.Fatalf("task last_updated %q", got)
	}
	_, v1, _ := env.Repo.Get(env.Ctx, sessionID)
	env.report(t, "W1", "T1", domain.StatusInProgress)
	if _, v2, _ := env.Repo.Get(env.Ctx, sessionID); v2 != v1 {
		t.Fatalf("re-reporting the same status should not write: %d -> %d", v1, v2)
	}
	doc = env.report(t, "W1", "T1", domain.StatusComplete)
	if doc.Phases[0].Aggregation.Completed != 1 {
		t.Fatalf("aggregation not refreshed: %+v", doc.Phases[0].Aggregation)
	}
	if _, err := env.Engine.ReportTask(env.Ctx, sessionID, "W1", "T1", engine.TaskReport{Status: status(domain.StatusInProgress)}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("complete -> in_progress should fail, got %v", err)
	}
	if _, err := env.Engine.ReportTask(env.Ctx, sessionID, "W1", "T9", engine.TaskReport{Status: status(domain.StatusInProgress)}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown task: %v", err)
	}
}

func TestOwnershipIsEnforced(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)
	_, before, _ := env.Repo.Get(env.Ctx, sessionID)

	cases := []struct {
		actor string
		write engine.FieldWrite
	}{
		{"W2", engine.FieldWrite{Path: "phases[P1].tasks[T1].status", Value: "in_progress"}},
		{"orch", engine.FieldWrite{Path: "phases[P1].tasks[T1].status", Value: "in_progress"}},
		{"W1", engine.FieldWrite{Path: "phases[P1].status", Value: "in_progress"}},
		{"W1", engine.FieldWrite{Path: "phases[P1].tasks[T1].owner", Value: "W2"}},
		{"orch", engine.FieldWrite{Path: "phases[P1].aggregation", Value: map[string]any{}}},
		{"orch", engine.FieldWrite{Path: "description", Value: "rewritten"}},
		{"stranger", engine.FieldWrite{Path: "phases[P1].tasks[T1].notes", Value: "hi"}},
		{"orch", engine.FieldWrite{Path: "phases[P1].tasks[T1].extra", Value: "x"}},
	}
	for _, tc := range cases {
		_, err := env.Engine.Apply(env.Ctx, sessionID, tc.actor, []engine.FieldWrite{tc.write})
		var perm domain.PermissionError
		if !errors.As(err, &perm) {
			t.Fatalf("%s writing %s: expected permission error, got %v", tc.actor, tc.write.Path, err)
		}
	}
	if _, after, _ := env.Repo.Get(env.Ctx, sessionID); after != before {
		t.Fatalf("denied writes changed the stored version %d -> %d", before, after)
	}
}

func TestApplyIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)
	_, err := env.Engine.Apply(env.Ctx, sessionID, "W1", []engine.FieldWrite{
		{Path: "phases[P1].tasks[T1].notes", Value: "started"},
		{Path: "phases[P1].tasks[T2].status", Value: "in_progress"},
	})
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	doc, err := env.Engine.GetSession(env.Ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if taskOf(doc, "T1").Notes != "" {
		t.Fatalf("partial write leaked: %+v", taskOf(doc, "T1"))
	}

	doc, err = env.Engine.Apply(env.Ctx, sessionID, "W1", []engine.FieldWrite{
		{Path: "phases[P1].tasks[T1].status", Value: "in_progress"},
		{Path: "phases[P1].tasks[T1].output_ref", Value: "t1-report.json"},
		{Path: "phases[P1].tasks[T1].notes", Value: "wip"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := taskOf(doc, "T1"); got.Status != domain.StatusInProgress || got.OutputRef != "t1-report.json" || got.Notes != "wip" {
		t.Fatalf("unexpected task %+v", got)
	}
}

func TestInvalidStatusValuesAreSchemaViolations(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)
	for _, w := range []struct {
		actor, path string
		value       any
	}{
		{"W1", "phases[P1].tasks[T1].status", "completed"},
		{"W1", "phases[P1].tasks[T1].status", "blocked"},
		{"W1", "phases[P1].tasks[T1].status", 3},
		{"orch", "phases[P1].status", "done"},
		{"W1", "phases[P1].tasks[T1].notes", 42},
	} {
		_, err := env.Engine.Apply(env.Ctx, sessionID, w.actor, []engine.FieldWrite{{Path: w.path, Value: w.value}})
		if !errors.Is(err, domain.ErrSchemaViolation) {
			t.Fatalf("%s=%v: expected schema violation, got %v", w.path, w.value, err)
		}
	}
}

func TestSessionStatusWriteMustMatchDerived(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)
	if _, err := env.Engine.Apply(env.Ctx, sessionID, "orch", []engine.FieldWrite{{Path: "status", Value: "complete"}}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := env.Engine.Apply(env.Ctx, sessionID, "orch", []engine.FieldWrite{{Path: "status", Value: "not_started"}}); err != nil {
		t.Fatalf("writing the derived status should be accepted: %v", err)
	}
	if _, err := env.Engine.Apply(env.Ctx, sessionID, "orch", []engine.FieldWrite{
		{Path: "phases[P1].status", Value: "in_progress"},
		{Path: "status", Value: "in_progress"},
	}); err != nil {
		t.Fatalf("status matching the writes in the same batch: %v", err)
	}
}

// Scenario A: both tasks complete with clean artifacts; the gate passes and
// the next phase opens.
func TestScenarioAHappyPath(t *testing.T) {
	artifacts := gate.MapSource{
		"t1-report.json": validate.Document{"summary": "ok"},
		"t2-report.json": validate.Document{"summary": "ok"},
	}
	env := newTestEnv(t, artifacts)
	env.create(t)
	for _, r := range []struct{ actor, task, ref string }{{"W1", "T1", "t1-report.json"}, {"W2", "T2", "t2-report.json"}} {
		env.report(t, r.actor, r.task, domain.StatusInProgress)
		if _, err := env.Engine.ReportTask(env.Ctx, sessionID, r.actor, r.task, engine.TaskReport{
			Status:    status(domain.StatusComplete),
			OutputRef: str(r.ref),
		}); err != nil {
			t.Fatalf("complete %s: %v", r.task, err)
		}
	}
	res, doc, err := env.Engine.Advance(env.Ctx, sessionID, "orch", "P1")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !res.Passed || res.Score != 100 || res.Aggregation.Completed != 2 {
		t.Fatalf("unexpected gate result %+v", res)
	}
	if doc.Phases[0].Status != domain.StatusComplete || doc.Phases[1].Status != domain.StatusInProgress {
		t.Fatalf("phase statuses %s %s", doc.Phases[0].Status, doc.Phases[1].Status)
	}
	if doc.Phases[0].GateResult == nil || !doc.Phases[0].GateResult.Passed {
		t.Fatalf("gate result not persisted: %+v", doc.Phases[0].GateResult)
	}
	entries, err := env.Engine.AuditEntries(env.Ctx, store.AuditFilter{SessionID: sessionID})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[1].EventType != domain.EventPhaseClosed || entries[1].Detail["phase_id"] != "P1" {
		t.Fatalf("unexpected audit %+v", entries)
	}

	env.report(t, "W1", "T3", domain.StatusInProgress)
	env.report(t, "W1", "T3", domain.StatusComplete)
	if _, doc, err = env.Engine.Advance(env.Ctx, sessionID, "orch", "P2"); err != nil {
		t.Fatalf("advance P2: %v", err)
	}
	if doc.Status != domain.StatusComplete {
		t.Fatalf("session should be complete, got %s", doc.Status)
	}
	entries, _ = env.Engine.AuditEntries(env.Ctx, store.AuditFilter{SessionID: sessionID})
	if last := entries[len(entries)-1]; last.EventType != domain.EventSessionClosed {
		t.Fatalf("expected session_closed last, got %+v", last)
	}
	if _, err := env.Engine.ReportTask(env.Ctx, sessionID, "W1", "T3", engine.TaskReport{Notes: str("late")}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("write into completed phase: %v", err)
	}
}

// Scenario B: an artifact with an estimate in hours scores 95 and still passes.
func TestScenarioBMajorDoesNotBlock(t *testing.T) {
	artifacts := gate.MapSource{
		"t1-report.json": validate.Document{"estimate": "about 3 hours"},
	}
	env := newTestEnv(t, artifacts)
	env.create(t)
	env.report(t, "W1", "T1", domain.StatusInProgress)
	if _, err := env.Engine.ReportTask(env.Ctx, sessionID, "W1", "T1", engine.TaskReport{Status: status(domain.StatusComplete), OutputRef: str("t1-report.json")}); err != nil {
		t.Fatal(err)
	}
	env.report(t, "W2", "T2", domain.StatusInProgress)
	env.report(t, "W2", "T2", domain.StatusComplete)
	res, doc, err := env.Engine.Advance(env.Ctx, sessionID, "orch", "P1")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !res.Passed || res.Score != 95 || len(res.Issues) != 1 || res.Issues[0].RuleID != validate.RuleEstimateDenylist {
		t.Fatalf("unexpected gate result %+v", res)
	}
	if doc.Phases[0].Status != domain.StatusComplete {
		t.Fatalf("phase should close, got %s", doc.Phases[0].Status)
	}
}

// Scenario C: a critical artifact issue blocks the phase and is audited.
func TestScenarioCCriticalBlocks(t *testing.T) {
	artifacts := gate.MapSource{
		"t1-report.json": validate.Document{"status": "completed"},
	}
	env := newTestEnv(t, artifacts)
	env.create(t)
	env.report(t, "W1", "T1", domain.StatusInProgress)
	if _, err := env.Engine.ReportTask(env.Ctx, sessionID, "W1", "T1", engine.TaskReport{Status: status(domain.StatusComplete), OutputRef: str("t1-report.json")}); err != nil {
		t.Fatal(err)
	}
	env.report(t, "W2", "T2", domain.StatusInProgress)
	env.report(t, "W2", "T2", domain.StatusComplete)

	res, doc, err := env.Engine.EvaluatePhase(env.Ctx, sessionID, "orch", "P1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Passed || res.Score != 0 || !res.HasCritical() {
		t.Fatalf("expected blocking critical, got %+v", res)
	}
	if doc.Phases[0].Status != domain.StatusBlocked || doc.Status != domain.StatusBlocked {
		t.Fatalf("phase/session should be blocked: %s %s", doc.Phases[0].Status, doc.Status)
	}
	if _, err := env.Engine.ClosePhase(env.Ctx, sessionID, "orch", "P1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("closing a blocked phase: %v", err)
	}
	if _, err := env.Engine.ReportTask(env.Ctx, sessionID, "W1", "T1", engine.TaskReport{Notes: str("retry")}); err != nil {
		t.Fatalf("notes on a blocked phase stay writable: %v", err)
	}
	entries, _ := env.Engine.AuditEntries(env.Ctx, store.AuditFilter{SessionID: sessionID})
	last := entries[len(entries)-1]
	if last.EventType != domain.EventGateBlocked || last.Detail["phase_id"] != "P1" {
		t.Fatalf("expected gate_blocked audit, got %+v", last)
	}
}

// Scenario D: a worker writing another worker's task is denied and nothing changes.
func TestScenarioDCrossWorkerWriteDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)
	before, v1, _ := env.Repo.Get(env.Ctx, sessionID)
	_, err := env.Engine.ReportTask(env.Ctx, sessionID, "W2", "T1", engine.TaskReport{Status: status(domain.StatusInProgress)})
	var perm domain.PermissionError
	if !errors.As(err, &perm) || perm.ActorID != "W2" || perm.Path != "phases[P1].tasks[T1].status" {
		t.Fatalf("expected permission error for W2, got %v", err)
	}
	after, v2, _ := env.Repo.Get(env.Ctx, sessionID)
	if v1 != v2 || after.LastUpdated != before.LastUpdated || taskOf(after, "T1").Status != domain.StatusNotStarted {
		t.Fatalf("denied write changed the document")
	}
}

// Scenario D, top-level field: a worker writing the session status is denied.
func TestScenarioDWorkerCannotWriteSessionStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)
	_, v1, _ := env.Repo.Get(env.Ctx, sessionID)
	_, err := env.Engine.Apply(env.Ctx, sessionID, "W2", []engine.FieldWrite{{Path: "status", Value: "complete"}})
	var perm domain.PermissionError
	if !errors.Is(err, domain.ErrPermissionDenied) || !errors.As(err, &perm) || perm.Path != "status" {
		t.Fatalf("expected permission denied on status, got %v", err)
	}
	after, v2, _ := env.Repo.Get(env.Ctx, sessionID)
	if v1 != v2 || after.Status != domain.StatusNotStarted {
		t.Fatalf("denied write changed the document: version %d -> %d, status %s", v1, v2, after.Status)
	}
}

// Scenario E: opening P2 while P1 is still open fails.
func TestScenarioEPredecessorMustClose(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)
	env.report(t, "W1", "T1", domain.StatusInProgress)
	if _, err := env.Engine.OpenPhase(env.Ctx, sessionID, "orch", "P2"); !errors.Is(err, domain.ErrMissingDependency) {
		t.Fatalf("expected missing dependency, got %v", err)
	}
	if _, err := env.Engine.ReportTask(env.Ctx, sessionID, "W1", "T3", engine.TaskReport{Status: status(domain.StatusInProgress)}); !errors.Is(err, domain.ErrMissingDependency) {
		t.Fatalf("task in a later phase should not open it: %v", err)
	}
	if _, err := env.Engine.OpenPhase(env.Ctx, sessionID, "W1", "P1"); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("worker opened a phase: %v", err)
	}
}

func TestClosePhaseRequiresPassingGate(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)
	env.report(t, "W1", "T1", domain.StatusInProgress)
	if _, err := env.Engine.ClosePhase(env.Ctx, sessionID, "orch", "P1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("close without evaluation: %v", err)
	}
	if _, err := env.Engine.Apply(env.Ctx, sessionID, "orch", []engine.FieldWrite{{Path: "phases[P1].gate_result", Value: map[string]any{"passed": true}}}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("direct gate_result write: %v", err)
	}
	res, doc, err := env.Engine.EvaluatePhase(env.Ctx, sessionID, "orch", "P1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed || doc.Phases[0].Status != domain.StatusBlocked {
		t.Fatalf("incomplete phase should block: %+v", res)
	}
	if len(res.BlockingIssues) == 0 || res.BlockingIssues[0].RuleID != gate.RulePhaseIncomplete {
		t.Fatalf("expected phase-incomplete blocker: %+v", res.BlockingIssues)
	}
	if _, _, err := env.Engine.EvaluatePhase(env.Ctx, sessionID, "orch", "P1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("evaluating a blocked phase: %v", err)
	}
}

func TestOutputChangeInvalidatesGateResult(t *testing.T) {
	artifacts := gate.MapSource{
		"good.yml": validate.Document{"summary": "ok"},
		"bad.yml":  validate.Document{"status": "completed"},
	}
	env := newTestEnv(t, artifacts)
	env.create(t)
	for _, r := range []struct{ actor, task string }{{"W1", "T1"}, {"W2", "T2"}} {
		env.report(t, r.actor, r.task, domain.StatusInProgress)
		if _, err := env.Engine.ReportTask(env.Ctx, sessionID, r.actor, r.task, engine.TaskReport{
			Status:    status(domain.StatusComplete),
			OutputRef: str("good.yml"),
		}); err != nil {
			t.Fatalf("complete %s: %v", r.task, err)
		}
	}
	res, _, err := env.Engine.EvaluatePhase(env.Ctx, sessionID, "orch", "P1")
	if err != nil || !res.Passed {
		t.Fatalf("evaluate: %+v %v", res, err)
	}

	doc, err := env.Engine.ReportTask(env.Ctx, sessionID, "W1", "T1", engine.TaskReport{OutputRef: str("bad.yml")})
	if err != nil {
		t.Fatalf("swap artifact: %v", err)
	}
	if doc.Phases[0].GateResult != nil {
		t.Fatalf("gate result survived an artifact change: %+v", doc.Phases[0].GateResult)
	}
	if _, err := env.Engine.ReportTask(env.Ctx, sessionID, "W2", "T2", engine.TaskReport{Notes: str("reviewed")}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ClosePhase(env.Ctx, sessionID, "orch", "P1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("close with a stale gate result: %v", err)
	}
	stored, _ := env.Engine.GetSession(env.Ctx, sessionID)
	if stored.Phases[0].Status != domain.StatusInProgress {
		t.Fatalf("phase moved to %s", stored.Phases[0].Status)
	}

	res, doc, err = env.Engine.Advance(env.Ctx, sessionID, "orch", "P1")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Passed || !res.HasCritical() || doc.Phases[0].Status != domain.StatusBlocked {
		t.Fatalf("new artifact should block: %+v %s", res, doc.Phases[0].Status)
	}
}

// failingLog rejects every append.
type failingLog struct {
	store.AuditLog
}

func (failingLog) Append(context.Context, domain.AuditEntry) (domain.AuditEntry, error) {
	return domain.AuditEntry{}, errors.New("audit log offline")
}

func TestAuditFailureKeepsCommittedWrite(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)
	env.completePhase1(t)
	_, before, _ := env.Repo.Get(env.Ctx, sessionID)

	eng := env.Engine
	eng.Audit.Log = failingLog{AuditLog: env.Repo}
	_, doc, err := eng.Advance(env.Ctx, sessionID, "orch", "P1")
	if err != nil {
		t.Fatalf("committed write reported as failed: %v", err)
	}
	if doc.Phases[0].Status != domain.StatusComplete {
		t.Fatalf("phase should close, got %s", doc.Phases[0].Status)
	}
	stored, after, _ := env.Repo.Get(env.Ctx, sessionID)
	if after != before+1 || stored.Phases[0].Status != domain.StatusComplete {
		t.Fatalf("expected one stored write, versions %d -> %d", before, after)
	}
	entries, _ := env.Engine.AuditEntries(env.Ctx, store.AuditFilter{SessionID: sessionID})
	if len(entries) != 1 || entries[0].EventType != domain.EventCreated {
		t.Fatalf("unexpected audit %+v", entries)
	}

	wo := workorder()
	wo.ID = "WO-ENGINE-TEST-002"
	if _, err := eng.CreateSession(env.Ctx, wo, "orch"); err != nil {
		t.Fatalf("create with audit offline: %v", err)
	}
	if _, _, err := env.Repo.Get(env.Ctx, wo.ID); err != nil {
		t.Fatalf("created session missing: %v", err)
	}
}

func TestJournaledWriteRollsBackWithAudit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)
	env.completePhase1(t)
	_, before, _ := env.Repo.Get(env.Ctx, sessionID)

	if _, err := env.Repo.DB.ExecContext(env.Ctx, `CREATE TRIGGER audit_offline BEFORE INSERT ON audit_log BEGIN SELECT RAISE(ABORT, 'audit offline'); END`); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.Advance(env.Ctx, sessionID, "orch", "P1"); err == nil {
		t.Fatal("expected the audit failure to abort the write")
	}
	stored, after, _ := env.Repo.Get(env.Ctx, sessionID)
	if after != before || stored.Phases[0].Status != domain.StatusInProgress {
		t.Fatalf("write committed without its audit entry: version %d -> %d, phase %s", before, after, stored.Phases[0].Status)
	}

	wo := workorder()
	wo.ID = "WO-ENGINE-TEST-002"
	if _, err := env.Engine.CreateSession(env.Ctx, wo, "orch"); err == nil {
		t.Fatal("expected create to fail with the audit log")
	}
	if _, _, err := env.Repo.Get(env.Ctx, wo.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("session stored without its creation entry: %v", err)
	}

	if _, err := env.Repo.DB.ExecContext(env.Ctx, `DROP TRIGGER audit_offline`); err != nil {
		t.Fatal(err)
	}
	if _, doc, err := env.Engine.Advance(env.Ctx, sessionID, "orch", "P1"); err != nil || doc.Phases[0].Status != domain.StatusComplete {
		t.Fatalf("advance after recovery: %v", err)
	}
	entries, _ := env.Engine.AuditEntries(env.Ctx, store.AuditFilter{SessionID: sessionID})
	if len(entries) != 2 || entries[1].EventType != domain.EventPhaseClosed {
		t.Fatalf("unexpected audit %+v", entries)
	}
}

func TestRecoverPhase(t *testing.T) {
	artifacts := gate.MapSource{"t1-report.json": validate.Document{"status": "done"}}
	env := newTestEnv(t, artifacts)
	env.create(t)
	env.report(t, "W1", "T1", domain.StatusInProgress)
	if _, err := env.Engine.ReportTask(env.Ctx, sessionID, "W1", "T1", engine.TaskReport{Status: status(domain.StatusComplete), OutputRef: str("t1-report.json")}); err != nil {
		t.Fatal(err)
	}
	env.report(t, "W2", "T2", domain.StatusInProgress)
	env.report(t, "W2", "T2", domain.StatusComplete)
	if res, _, err := env.Engine.EvaluatePhase(env.Ctx, sessionID, "orch", "P1"); err != nil || res.Passed {
		t.Fatalf("expected blocked gate: %+v %v", res, err)
	}

	if _, err := env.Engine.RecoverPhase(env.Ctx, sessionID, "orch", "P1", domain.StatusNotStarted, []string{"T1"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("recovering to not_started with T2 complete: %v", err)
	}
	if _, err := env.Engine.RecoverPhase(env.Ctx, sessionID, "W1", "P1", domain.StatusInProgress, nil); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("worker recovered a phase: %v", err)
	}
	doc, err := env.Engine.RecoverPhase(env.Ctx, sessionID, "orch", "P1", domain.StatusInProgress, []string{"T1"})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if doc.Phases[0].Status != domain.StatusInProgress || taskOf(doc, "T1").Status != domain.StatusInProgress || taskOf(doc, "T2").Status != domain.StatusComplete {
		t.Fatalf("unexpected recovered state %+v", doc.Phases[0])
	}
	if _, err := env.Engine.ClosePhase(env.Ctx, sessionID, "orch", "P1"); !errors.Is(err, domain.ErrSchemaViolation) {
		t.Fatalf("stale failing gate result with criticals should refuse close: %v", err)
	}
	if _, err := env.Engine.RecoverPhase(env.Ctx, sessionID, "orch", "P1", domain.StatusInProgress, nil); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("recovering an open phase: %v", err)
	}
}

func TestArchiveSession(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)
	if _, err := env.Engine.ArchiveSession(env.Ctx, sessionID, "orch"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("archiving an open session: %v", err)
	}
	env.completePhase1(t)
	if _, _, err := env.Engine.Advance(env.Ctx, sessionID, "orch", "P1"); err != nil {
		t.Fatal(err)
	}
	env.report(t, "W1", "T3", domain.StatusInProgress)
	env.report(t, "W1", "T3", domain.StatusComplete)
	if _, _, err := env.Engine.Advance(env.Ctx, sessionID, "orch", "P2"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ArchiveSession(env.Ctx, sessionID, "W1"); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("worker archived: %v", err)
	}
	doc, err := env.Engine.ArchiveSession(env.Ctx, sessionID, "orch")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !doc.Archived() {
		t.Fatal("archived_at not set")
	}
	if _, err := env.Engine.Apply(env.Ctx, sessionID, "orch", []engine.FieldWrite{{Path: "status", Value: "complete"}}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("write to archived session: %v", err)
	}
	list, err := env.Engine.ListSessions(env.Ctx, store.ListFilter{})
	if err != nil || len(list) != 0 {
		t.Fatalf("archived session listed: %+v %v", list, err)
	}
	list, err = env.Engine.ListSessions(env.Ctx, store.ListFilter{IncludeArchived: true})
	if err != nil || len(list) != 1 || !list[0].Archived || list[0].Progress.Completed != 3 {
		t.Fatalf("unexpected listing %+v %v", list, err)
	}
}

// conflictingStore fails the first n Puts with a version conflict.
type conflictingStore struct {
	store.Store
	n     int32
	calls atomic.Int32
}

func (s *conflictingStore) Put(ctx context.Context, doc domain.Session, expected int64) (int64, error) {
	if s.calls.Add(1) <= s.n {
		return 0, store.ErrVersionConflict
	}
	return s.Store.Put(ctx, doc, expected)
}

func TestVersionConflictsRetryWithBackoff(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)
	var delays []time.Duration
	eng := env.Engine
	eng.Sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	eng.Store = &conflictingStore{Store: env.Repo, n: 2}
	doc, err := eng.ReportTask(env.Ctx, sessionID, "W1", "T1", engine.TaskReport{Status: status(domain.StatusInProgress)})
	if err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if taskOf(doc, "T1").Status != domain.StatusInProgress {
		t.Fatalf("write lost after retry")
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected backoff %v", delays)
	}

	eng.Store = &conflictingStore{Store: env.Repo, n: 3}
	_, err = eng.ReportTask(env.Ctx, sessionID, "W1", "T1", engine.TaskReport{Status: status(domain.StatusComplete)})
	if !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	stored, _ := env.Engine.GetSession(env.Ctx, sessionID)
	if taskOf(stored, "T1").Status != domain.StatusInProgress {
		t.Fatalf("failed write leaked")
	}
}

func TestConcurrentWorkersDoNotLoseWrites(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)
	errs := make(chan error, 2)
	for _, w := range []struct{ actor, task string }{{"W1", "T1"}, {"W2", "T2"}} {
		go func(actor, task string) {
			_, err := env.Engine.ReportTask(env.Ctx, sessionID, actor, task, engine.TaskReport{Status: status(domain.StatusInProgress)})
			errs <- err
		}(w.actor, w.task)
	}
	var ok int
	for i := 0; i < 2; i++ {
		err := <-errs
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrConcurrentModification):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	doc, _ := env.Engine.GetSession(env.Ctx, sessionID)
	got := 0
	for _, id := range []string{"T1", "T2"} {
		if taskOf(doc, id).Status == domain.StatusInProgress {
			got++
		}
	}
	if got != ok {
		t.Fatalf("%d writes accepted but %d visible", ok, got)
	}
}

func TestStaleTasks(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)
	doc := env.report(t, "W1", "T1", domain.StatusInProgress)
	now := time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC)
	stale := engine.StaleTasks(doc, 24*time.Hour, now)
	if len(stale) != 2 || stale[0].TaskID != "T1" || stale[1].TaskID != "T2" || stale[0].Age != 30*time.Hour {
		t.Fatalf("unexpected stale tasks %+v", stale)
	}
	if got := engine.StaleTasks(doc, 48*time.Hour, now); len(got) != 0 {
		t.Fatalf("nothing is 48h old: %+v", got)
	}
	if got := engine.StaleTasks(doc, 0, now); got != nil {
		t.Fatalf("zero threshold disables staleness")
	}
}

func TestValidateStoredSession(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)
	rep, err := env.Engine.ValidateSession(env.Ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Score != 100 || len(rep.Issues) != 0 {
		t.Fatalf("fresh session should be clean: %+v", rep)
	}
	if _, err := env.Engine.ValidateSession(env.Ctx, "WO-NOPE-001"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found: %v", err)
	}
}
