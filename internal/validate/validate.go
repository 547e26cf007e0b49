// Package validate checks session documents and task artifacts against
// structural and semantic rules and scores the result. It has no side effects.
package validate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"sessiongate/internal/domain"
)

// Document is a decoded JSON or YAML object.
type Document = map[string]any

// Rule ids.
const (
	RuleRequiredField          = "required-field"
	RuleTypeMismatch           = "type-mismatch"
	RuleStatusEnum             = "status-enum"
	RuleWorkorderID            = "workorder-id"
	RuleFilenameCase           = "filename-case"
	RuleAggregationConsistency = "aggregation-consistency"
	RuleStatusConsistency      = "status-consistency"
	RuleCountConsistency       = "count-consistency"
	RuleEstimateDenylist       = "estimate-denylist"
)

type Scoring struct {
	Critical       int  `json:"critical"`
	Major          int  `json:"major"`
	Warning        int  `json:"warning"`
	ZeroOnCritical bool `json:"zero_on_critical"`
}

type CountPair struct {
	Field   string `json:"field" yaml:"field"`
	CountOf string `json:"count_of" yaml:"count_of"`
}

type Options struct {
	ArtifactRequiredFields []string
	FilenameFields         []string
	FilenamePattern        string
	CountPairs             []CountPair
	EstimateFields         []string
	DenyPatterns           []string
	AllowTerms             []string
	Scoring                Scoring
}

func DefaultScoring() Scoring {
	return Scoring{Critical: 25, Major: 5, Warning: 1, ZeroOnCritical: true}
}

func DefaultOptions() Options {
	return Options{
		FilenameFields:  []string{"output_ref", "output_file"},
		FilenamePattern: `^[a-z0-9]+([._-][a-z0-9]+)*$`,
		CountPairs: []CountPair{
			{Field: "task_count", CountOf: "tasks"},
			{Field: "file_count", CountOf: "files"},
		},
		EstimateFields: []string{"estimate", "estimated_effort", "estimated_time", "effort", "effort_estimate", "time_estimate", "duration", "eta"},
		DenyPatterns: []string{
			`\b\d+(\.\d+)?\s*(-|to)\s*\d+(\.\d+)?\s*(minutes?|mins?|hours?|hrs?|days?|weeks?|months?|sprints?)\b`,
			`\b\d+(\.\d+)?\s*(minutes?|mins?|hours?|hrs?|h|days?|d|weeks?|wks?|months?|sprints?)\b`,
			`\b(hours?|days?|weeks?|months?|sprints?)\b`,
		},
		AllowTerms: []string{"ttl", "timeout", "cron", "retention", "expiry", "backoff", "rate limit", "sla"},
		Scoring:    DefaultScoring(),
	}
}

// Validator is safe for concurrent use once built.
type Validator struct {
	opts      Options
	filename  *regexp.Regexp
	deny      []*regexp.Regexp
	allow     *regexp.Regexp
	estimates map[string]bool
	fileKeys  map[string]bool
}

// New compiles opts.
func New(opts Options) (*Validator, error) {
	v := &Validator{opts: opts, estimates: map[string]bool{}, fileKeys: map[string]bool{}}
	if opts.FilenamePattern != "" {
		re, err := regexp.Compile(opts.FilenamePattern)
		if err != nil {
			return nil, fmt.Errorf("filename pattern: %w", err)
		}
		v.filename = re
	}
	for _, p := range opts.DenyPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", p, err)
		}
		v.deny = append(v.deny, re)
	}
	if len(opts.AllowTerms) > 0 {
		quoted := make([]string, len(opts.AllowTerms))
		for i, t := range opts.AllowTerms {
			quoted[i] = regexp.QuoteMeta(strings.ToLower(t))
		}
		v.allow = regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
	}
	for _, f := range opts.EstimateFields {
		v.estimates[strings.ToLower(f)] = true
	}
	for _, f := range opts.FilenameFields {
		v.fileKeys[f] = true
	}
	return v, nil
}

// Must is New for options known to compile.
func Must(opts Options) *Validator {
	v, err := New(opts)
	if err != nil {
		panic(err)
	}
	return v
}

type Report struct {
	Score  int                      `json:"score"`
	Issues []domain.ValidationIssue `json:"issues"`
}

// Counts returns the number of issues per severity.
func (r Report) Counts() (critical, major, warning int) {
	return count(r.Issues)
}

// Err wraps ErrSchemaViolation when the report carries a critical issue.
func (r Report) Err() error {
	for _, is := range r.Issues {
		if is.Severity == domain.SeverityCritical {
			return fmt.Errorf("%w: %s: %s", domain.ErrSchemaViolation, is.FieldPath, is.Message)
		}
	}
	return nil
}

func count(issues []domain.ValidationIssue) (critical, major, warning int) {
	for _, is := range issues {
		switch is.Severity {
		case domain.SeverityCritical:
			critical++
		case domain.SeverityMajor:
			major++
		case domain.SeverityWarning:
			warning++
		}
	}
	return
}

// Score applies the configured deductions to issues, floored at 0.
func (v *Validator) Score(issues []domain.ValidationIssue) int {
	return score(v.opts.Scoring, issues)
}

func score(s Scoring, issues []domain.ValidationIssue) int {
	c, m, w := count(issues)
	if c > 0 && s.ZeroOnCritical {
		return 0
	}
	total := 100 - c*s.Critical - m*s.Major - w*s.Warning
	if total < 0 {
		return 0
	}
	return total
}

// Sort orders issues by field path, then rule id, then message.
func Sort(issues []domain.ValidationIssue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.FieldPath != b.FieldPath {
			return a.FieldPath < b.FieldPath
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.Message < b.Message
	})
}

// IsSession reports whether doc is a session document rather than an artifact.
func IsSession(doc Document) bool {
	_, ok := doc["phases"]
	return ok
}

// Validate runs every rule over doc.
func (v *Validator) Validate(doc Document) Report {
	c := &collector{}
	if IsSession(doc) {
		v.sessionStructure(c, doc)
		v.sessionSemantics(c, doc)
	} else {
		for _, f := range v.opts.ArtifactRequiredFields {
			if _, ok := doc[f]; !ok {
				c.add(domain.SeverityCritical, f, RuleRequiredField, "required field is missing")
			}
		}
	}
	v.walk(c, "", doc, false, IsSession(doc))
	issues := c.issues
	if issues == nil {
		issues = []domain.ValidationIssue{}
	}
	Sort(issues)
	return Report{Score: v.Score(issues), Issues: issues}
}

type collector struct {
	issues []domain.ValidationIssue
}

func (c *collector) add(sev domain.Severity, path, rule, msg string) {
	c.issues = append(c.issues, domain.ValidationIssue{Severity: sev, FieldPath: path, Message: msg, RuleID: rule})
}

func join(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func index(parent string, i int) string {
	return fmt.Sprintf("%s[%d]", parent, i)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
