package gate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sessiongate/internal/domain"
	"sessiongate/internal/validate"
)

var fixedNow = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

func phaseWith(statuses ...domain.Status) domain.Phase {
	ph := domain.Phase{ID: "P1", Sequence: 1, Status: domain.StatusInProgress}
	owners := []string{"W1", "W2", "W3"}
	for i, s := range statuses {
		ph.Tasks = append(ph.Tasks, domain.Task{
			ID:        string(rune('A' + i)),
			Owner:     owners[i%len(owners)],
			Status:    s,
			OutputRef: "out/" + owners[i%len(owners)] + ".yml",
		})
	}
	return ph
}

func newGate(t *testing.T, src ArtifactSource, opts validate.Options, policy Policy) Gate {
	t.Helper()
	v, err := validate.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return Gate{Validator: v, Artifacts: src, Policy: policy, Now: fixedNow}
}

func TestScenarioAAllCompletePasses(t *testing.T) {
	src := MapSource{
		"out/W1.yml": {"summary": "login", "output_file": "LoginForm.tsx"},
		"out/W2.yml": {"summary": "tokens"},
	}
	g := newGate(t, src, validate.DefaultOptions(), Policy{Threshold: 80})
	res, err := g.Evaluate(context.Background(), phaseWith(domain.StatusComplete, domain.StatusComplete))
	if err != nil {
		t.Fatal(err)
	}
	if res.Aggregation != (domain.Snapshot{Total: 2, Completed: 2}) {
		t.Fatalf("unexpected aggregation %+v", res.Aggregation)
	}
	if !res.Passed || res.Score != 95 || len(res.BlockingIssues) != 0 {
		t.Fatalf("expected pass at 95, got %+v", res)
	}
	if res.EvaluatedAt != "2024-05-01T12:00:00Z" || res.Threshold != 80 {
		t.Fatalf("unexpected metadata %+v", res)
	}
}

func TestScenarioBMajorIsSurfacedButNonBlocking(t *testing.T) {
	src := MapSource{
		"out/W1.yml": {"estimate": "3 hours"},
		"out/W2.yml": {},
	}
	g := newGate(t, src, validate.DefaultOptions(), Policy{Threshold: 80})
	res, err := g.Evaluate(context.Background(), phaseWith(domain.StatusComplete, domain.StatusComplete))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed || res.Score != 95 {
		t.Fatalf("expected pass, got %+v", res)
	}
	if len(res.Issues) != 1 || res.Issues[0].RuleID != validate.RuleEstimateDenylist || res.Issues[0].FieldPath != "out/W1.yml:estimate" {
		t.Fatalf("expected surfaced denylist issue, got %+v", res.Issues)
	}

	opts := validate.DefaultOptions()
	opts.Scoring.Major = 10
	g = newGate(t, src, opts, Policy{Threshold: 80})
	res, err = g.Evaluate(context.Background(), phaseWith(domain.StatusComplete, domain.StatusComplete))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed || res.Score != 90 {
		t.Fatalf("expected pass at 90, got %+v", res)
	}
}

func TestScenarioCCriticalBlocks(t *testing.T) {
	src := MapSource{
		"out/W1.yml": {"status": "completed"},
		"out/W2.yml": {},
	}
	g := newGate(t, src, validate.DefaultOptions(), Policy{Threshold: 80})
	res, err := g.Evaluate(context.Background(), phaseWith(domain.StatusComplete, domain.StatusComplete))
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed || res.Score != 0 || !res.HasCritical() {
		t.Fatalf("expected blocked critical result, got %+v", res)
	}
	if res.BlockingIssues[0].RuleID != validate.RuleStatusEnum {
		t.Fatalf("expected status-enum first, got %+v", res.BlockingIssues)
	}
}

func TestIncompletePhaseFails(t *testing.T) {
	g := newGate(t, MapSource{"out/W1.yml": {}, "out/W2.yml": {}}, validate.DefaultOptions(), Policy{Threshold: 80})
	res, err := g.Evaluate(context.Background(), phaseWith(domain.StatusComplete, domain.StatusInProgress))
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed {
		t.Fatal("expected failure")
	}
	if len(res.BlockingIssues) != 1 || res.BlockingIssues[0].RuleID != RulePhaseIncomplete {
		t.Fatalf("unexpected blocking issues %+v", res.BlockingIssues)
	}
	if res.HasCritical() {
		t.Fatal("incompleteness is not a critical validation issue")
	}
}

func TestMissingArtifactIsCritical(t *testing.T) {
	g := newGate(t, MapSource{"out/W1.yml": {}}, validate.DefaultOptions(), Policy{Threshold: 0})
	res, err := g.Evaluate(context.Background(), phaseWith(domain.StatusComplete, domain.StatusComplete))
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed || len(res.Issues) != 1 || res.Issues[0].RuleID != RuleArtifactMissing {
		t.Fatalf("expected artifact-missing, got %+v", res)
	}
}

type failingSource struct{}

func (failingSource) Load(context.Context, string) (validate.Document, error) {
	return nil, errors.New("disk on fire")
}

func TestSourceErrorsPropagate(t *testing.T) {
	g := newGate(t, failingSource{}, validate.DefaultOptions(), Policy{Threshold: 80})
	if _, err := g.Evaluate(context.Background(), phaseWith(domain.StatusComplete)); err == nil {
		t.Fatal("expected error")
	}
}

func TestMajorsPolicy(t *testing.T) {
	src := MapSource{
		"out/W1.yml": {"estimate": "2 days"},
		"out/W2.yml": {"output_file": "Bad.TXT"},
	}
	phase := phaseWith(domain.StatusComplete, domain.StatusComplete)

	g := newGate(t, src, validate.DefaultOptions(), Policy{Threshold: 80})
	res, _ := g.Evaluate(context.Background(), phase)
	if !res.Passed || res.Score != 90 {
		t.Fatalf("default policy should pass: %+v", res)
	}

	g = newGate(t, src, validate.DefaultOptions(), Policy{Threshold: 80, MajorsBlocking: true})
	res, _ = g.Evaluate(context.Background(), phase)
	if res.Passed || len(res.BlockingIssues) != 2 {
		t.Fatalf("majors_blocking should block on both: %+v", res)
	}

	g = newGate(t, src, validate.DefaultOptions(), Policy{Threshold: 80, EscalateMajorsAfter: 2})
	res, _ = g.Evaluate(context.Background(), phase)
	if res.Passed || res.BlockingIssues[len(res.BlockingIssues)-1].RuleID != RuleMajorsEscalation {
		t.Fatalf("escalation should block: %+v", res)
	}

	g = newGate(t, src, validate.DefaultOptions(), Policy{Threshold: 80, EscalateMajorsAfter: 3})
	res, _ = g.Evaluate(context.Background(), phase)
	if !res.Passed {
		t.Fatalf("below escalation limit should pass: %+v", res)
	}

	g = newGate(t, src, validate.DefaultOptions(), Policy{Threshold: 95})
	res, _ = g.Evaluate(context.Background(), phase)
	if res.Passed || res.BlockingIssues[0].RuleID != RuleScoreBelow {
		t.Fatalf("threshold should block: %+v", res)
	}
}

func TestDirSource(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "out"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "out", "a.json"), []byte(`{"status":"complete"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "out", "b.yml"), []byte("estimate: [broken\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	src := DirSource{Root: root}
	doc, err := src.Load(context.Background(), "out/a.json")
	if err != nil || doc["status"] != "complete" {
		t.Fatalf("load json: %v %v", doc, err)
	}
	if _, err := src.Load(context.Background(), "out/none.yml"); !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := src.Load(context.Background(), "../escape.yml"); !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("expected escape rejection, got %v", err)
	}

	g := newGate(t, src, validate.DefaultOptions(), Policy{Threshold: 80})
	phase := domain.Phase{ID: "P1", Tasks: []domain.Task{{ID: "T1", Owner: "W1", Status: domain.StatusComplete, OutputRef: "out/b.yml"}}}
	res, err := g.Evaluate(context.Background(), phase)
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed || res.Issues[0].RuleID != RuleArtifactParse {
		t.Fatalf("expected parse failure, got %+v", res)
	}
}
