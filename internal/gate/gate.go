// Package gate decides whether a phase may close: every task complete and the
// phase's artifacts scoring at or above the threshold with no critical issue.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sessiongate/internal/aggregate"
	"sessiongate/internal/domain"
	"sessiongate/internal/validate"
)

const (
	RuleArtifactMissing  = "artifact-missing"
	RuleArtifactParse    = "artifact-parse"
	RulePhaseIncomplete  = "phase-incomplete"
	RuleScoreBelow       = "score-threshold"
	RuleMajorsEscalation = "majors-escalated"
)

type Policy struct {
	Threshold int
	// MajorsBlocking makes every major issue block the gate.
	MajorsBlocking bool
	// EscalateMajorsAfter blocks once this many majors accumulate; 0 disables.
	EscalateMajorsAfter int
}

type Gate struct {
	Validator *validate.Validator
	Artifacts ArtifactSource
	Policy    Policy
	Now       func() time.Time
}

func (g Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Evaluate never mutates phase; persisting the result is the caller's job.
func (g Gate) Evaluate(ctx context.Context, phase domain.Phase) (domain.GateResult, error) {
	if g.Validator == nil {
		return domain.GateResult{}, errors.New("gate has no validator")
	}
	res := domain.GateResult{
		Threshold:      g.Policy.Threshold,
		Aggregation:    aggregate.Tasks(phase.Tasks),
		Issues:         []domain.ValidationIssue{},
		BlockingIssues: []domain.ValidationIssue{},
		EvaluatedAt:    g.now().UTC().Format(time.RFC3339),
	}
	for _, t := range phase.Tasks {
		if t.OutputRef == "" {
			continue
		}
		issues, err := g.artifactIssues(ctx, t.OutputRef)
		if err != nil {
			return domain.GateResult{}, fmt.Errorf("phase %s task %s: %w", phase.ID, t.ID, err)
		}
		res.Issues = append(res.Issues, issues...)
	}
	validate.Sort(res.Issues)
	res.Score = g.Validator.Score(res.Issues)

	majors := 0
	for _, is := range res.Issues {
		if is.Severity == domain.SeverityMajor {
			majors++
		}
	}
	escalated := g.Policy.EscalateMajorsAfter > 0 && majors >= g.Policy.EscalateMajorsAfter
	for _, is := range res.Issues {
		switch {
		case is.Severity == domain.SeverityCritical:
			res.BlockingIssues = append(res.BlockingIssues, is)
		case is.Severity == domain.SeverityMajor && (g.Policy.MajorsBlocking || escalated):
			res.BlockingIssues = append(res.BlockingIssues, is)
		}
	}
	if escalated && !g.Policy.MajorsBlocking {
		res.BlockingIssues = append(res.BlockingIssues, domain.ValidationIssue{
			Severity:  domain.SeverityMajor,
			FieldPath: fmt.Sprintf("phases[%s]", phase.ID),
			Message:   fmt.Sprintf("%d major issues reach the escalation limit of %d", majors, g.Policy.EscalateMajorsAfter),
			RuleID:    RuleMajorsEscalation,
		})
	}
	if !res.Aggregation.Done() {
		res.BlockingIssues = append(res.BlockingIssues, domain.ValidationIssue{
			Severity:  domain.SeverityMajor,
			FieldPath: fmt.Sprintf("phases[%s].aggregation", phase.ID),
			Message:   fmt.Sprintf("%d of %d tasks complete", res.Aggregation.Completed, res.Aggregation.Total),
			RuleID:    RulePhaseIncomplete,
		})
	}
	if res.Score < g.Policy.Threshold {
		res.BlockingIssues = append(res.BlockingIssues, domain.ValidationIssue{
			Severity:  domain.SeverityMajor,
			FieldPath: fmt.Sprintf("phases[%s]", phase.ID),
			Message:   fmt.Sprintf("score %d is below threshold %d", res.Score, g.Policy.Threshold),
			RuleID:    RuleScoreBelow,
		})
	}
	res.Passed = len(res.BlockingIssues) == 0
	return res, nil
}

func (g Gate) artifactIssues(ctx context.Context, ref string) ([]domain.ValidationIssue, error) {
	if g.Artifacts == nil {
		return []domain.ValidationIssue{missing(ref, "no artifact source configured")}, nil
	}
	doc, err := g.Artifacts.Load(ctx, ref)
	switch {
	case errors.Is(err, ErrArtifactNotFound):
		return []domain.ValidationIssue{missing(ref, err.Error())}, nil
	case errors.Is(err, domain.ErrSchemaViolation):
		return []domain.ValidationIssue{{
			Severity:  domain.SeverityCritical,
			FieldPath: ref,
			Message:   err.Error(),
			RuleID:    RuleArtifactParse,
		}}, nil
	case err != nil:
		return nil, err
	}
	rep := g.Validator.Validate(doc)
	out := make([]domain.ValidationIssue, len(rep.Issues))
	for i, is := range rep.Issues {
		is.FieldPath = ref + ":" + is.FieldPath
		out[i] = is
	}
	return out, nil
}

func missing(ref, msg string) domain.ValidationIssue {
	return domain.ValidationIssue{
		Severity:  domain.SeverityCritical,
		FieldPath: ref,
		Message:   msg,
		RuleID:    RuleArtifactMissing,
	}
}
