package validate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"sessiongate/internal/aggregate"
	"sessiongate/internal/domain"
)

var (
	sessionRequired = []string{"id", "created_at", "description", "status", "phases", "orchestrator", "workers"}
	phaseRequired   = []string{"id", "sequence", "status", "tasks"}
	taskRequired    = []string{"id", "owner", "status"}
)

var statusHints = map[string]domain.Status{
	"completed":   domain.StatusComplete,
	"done":        domain.StatusComplete,
	"finished":    domain.StatusComplete,
	"closed":      domain.StatusComplete,
	"in-progress": domain.StatusInProgress,
	"inprogress":  domain.StatusInProgress,
	"in progress": domain.StatusInProgress,
	"started":     domain.StatusInProgress,
	"active":      domain.StatusInProgress,
	"wip":         domain.StatusInProgress,
	"todo":        domain.StatusNotStarted,
	"pending":     domain.StatusNotStarted,
	"not-started": domain.StatusNotStarted,
	"notstarted":  domain.StatusNotStarted,
	"new":         domain.StatusNotStarted,
	"failed":      domain.StatusBlocked,
	"stuck":       domain.StatusBlocked,
}

func required(c *collector, path string, obj map[string]any, keys []string) {
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			c.add(domain.SeverityCritical, join(path, k), RuleRequiredField, "required field is missing")
		}
	}
}

func (v *Validator) sessionStructure(c *collector, doc Document) {
	required(c, "", doc, sessionRequired)
	if raw, ok := doc["id"]; ok {
		id, isStr := raw.(string)
		switch {
		case !isStr:
			c.add(domain.SeverityCritical, "id", RuleTypeMismatch, "id must be a string")
		case !domain.WorkorderIDPattern.MatchString(id):
			c.add(domain.SeverityCritical, "id", RuleWorkorderID, fmt.Sprintf("%q does not match %s", id, domain.WorkorderIDPattern))
		}
	}
	if raw, ok := doc["description"]; ok {
		if _, isStr := raw.(string); !isStr {
			c.add(domain.SeverityCritical, "description", RuleTypeMismatch, "description must be a string")
		}
	}
	if raw, ok := doc["workers"]; ok {
		if _, isArr := raw.([]any); !isArr {
			c.add(domain.SeverityCritical, "workers", RuleTypeMismatch, "workers must be an array")
		}
	}
	raw, ok := doc["phases"]
	if !ok {
		return
	}
	phases, isArr := raw.([]any)
	if !isArr {
		c.add(domain.SeverityCritical, "phases", RuleTypeMismatch, "phases must be an array")
		return
	}
	for i, rp := range phases {
		pp := index("phases", i)
		ph, isObj := rp.(map[string]any)
		if !isObj {
			c.add(domain.SeverityCritical, pp, RuleTypeMismatch, "phase must be an object")
			continue
		}
		required(c, pp, ph, phaseRequired)
		if seq, ok := ph["sequence"]; ok {
			if _, isNum := toInt(seq); !isNum {
				c.add(domain.SeverityCritical, join(pp, "sequence"), RuleTypeMismatch, "sequence must be a number")
			}
		}
		rt, ok := ph["tasks"]
		if !ok {
			continue
		}
		tasks, isArr := rt.([]any)
		if !isArr {
			c.add(domain.SeverityCritical, join(pp, "tasks"), RuleTypeMismatch, "tasks must be an array")
			continue
		}
		for j, rtk := range tasks {
			tp := index(join(pp, "tasks"), j)
			tk, isObj := rtk.(map[string]any)
			if !isObj {
				c.add(domain.SeverityCritical, tp, RuleTypeMismatch, "task must be an object")
				continue
			}
			required(c, tp, tk, taskRequired)
		}
	}
}

func (v *Validator) sessionSemantics(c *collector, doc Document) {
	phases, _ := doc["phases"].([]any)
	var total domain.Snapshot
	var statuses []domain.Status
	statusesKnown := true
	for i, rp := range phases {
		ph, ok := rp.(map[string]any)
		if !ok {
			statusesKnown = false
			continue
		}
		var tasks []domain.Task
		rawTasks, _ := ph["tasks"].([]any)
		for _, rt := range rawTasks {
			tk, _ := rt.(map[string]any)
			s, _ := tk["status"].(string)
			tasks = append(tasks, domain.Task{Status: domain.Status(s)})
		}
		snap := aggregate.Tasks(tasks)
		total.Total += snap.Total
		total.Completed += snap.Completed
		total.InProgress += snap.InProgress
		total.NotStarted += snap.NotStarted
		pp := join(index("phases", i), "aggregation")
		if stored, ok := ph["aggregation"].(map[string]any); ok && !snapshotMatches(stored, snap) {
			c.add(domain.SeverityWarning, pp, RuleAggregationConsistency, fmt.Sprintf("stored aggregation differs from recomputed %s", formatSnapshot(snap)))
		}
		s, _ := ph["status"].(string)
		if !domain.Status(s).Valid() {
			statusesKnown = false
		}
		statuses = append(statuses, domain.Status(s))
	}
	if stored, ok := doc["aggregation"].(map[string]any); ok && !snapshotMatches(stored, total) {
		c.add(domain.SeverityWarning, "aggregation", RuleAggregationConsistency, fmt.Sprintf("stored aggregation differs from recomputed %s", formatSnapshot(total)))
	}
	stored, _ := doc["status"].(string)
	if statusesKnown && domain.Status(stored).Valid() {
		if derived := aggregate.SessionStatus(statuses); derived != domain.Status(stored) {
			c.add(domain.SeverityWarning, "status", RuleStatusConsistency, fmt.Sprintf("status %s differs from derived %s", stored, derived))
		}
	}
}

func snapshotMatches(stored map[string]any, want domain.Snapshot) bool {
	for k, n := range map[string]int{
		"total":       want.Total,
		"completed":   want.Completed,
		"in_progress": want.InProgress,
		"not_started": want.NotStarted,
	} {
		got, ok := toInt(stored[k])
		if !ok || got != n {
			return false
		}
	}
	return true
}

func formatSnapshot(s domain.Snapshot) string {
	return fmt.Sprintf("{total:%d completed:%d in_progress:%d not_started:%d}", s.Total, s.Completed, s.InProgress, s.NotStarted)
}

// walk applies the key-driven rules at any depth.
func (v *Validator) walk(c *collector, path string, node any, inTask, session bool) {
	n, ok := node.(map[string]any)
	if !ok {
		return
	}
	for _, k := range sortedKeys(n) {
		val := n[k]
		p := join(path, k)
		switch {
		case k == "status":
			checkStatus(c, p, val, inTask && session)
		case k == "workorder_id":
			if s, ok := val.(string); !ok || !domain.WorkorderIDPattern.MatchString(s) {
				c.add(domain.SeverityCritical, p, RuleWorkorderID, fmt.Sprintf("%v does not match %s", val, domain.WorkorderIDPattern))
			}
		case v.fileKeys[k]:
			v.checkFilenames(c, p, val)
		case v.estimates[strings.ToLower(k)]:
			if terms := v.deniedTerms(val); len(terms) > 0 {
				c.add(domain.SeverityMajor, p, RuleEstimateDenylist, "estimate contains forbidden duration vocabulary: "+strings.Join(terms, ", "))
			}
		}
		for _, pair := range v.opts.CountPairs {
			if k != pair.Field {
				continue
			}
			items, isArr := n[pair.CountOf].([]any)
			if !isArr {
				continue
			}
			if got, ok := toInt(val); !ok || got != len(items) {
				c.add(domain.SeverityWarning, p, RuleCountConsistency, fmt.Sprintf("%s is %v but %s has %d entries", k, val, pair.CountOf, len(items)))
			}
		}
		if arr, ok := val.([]any); ok {
			for i, item := range arr {
				v.walk(c, index(p, i), item, k == "tasks", session)
			}
			continue
		}
		v.walk(c, p, val, false, session)
	}
}

func checkStatus(c *collector, path string, val any, task bool) {
	s, ok := val.(string)
	if !ok {
		c.add(domain.SeverityCritical, path, RuleStatusEnum, fmt.Sprintf("status must be a string, got %v", val))
		return
	}
	st := domain.Status(s)
	if task && st.ValidForTask() || !task && st.Valid() {
		return
	}
	allowed := domain.Statuses
	if task {
		allowed = domain.TaskStatuses
	}
	msg := fmt.Sprintf("status %q is not one of %s", s, joinStatuses(allowed))
	if hint, ok := statusHints[strings.ToLower(strings.TrimSpace(s))]; ok && (!task || hint.ValidForTask()) {
		msg += fmt.Sprintf(" (did you mean %q?)", hint)
	}
	c.add(domain.SeverityCritical, path, RuleStatusEnum, msg)
}

func joinStatuses(ss []domain.Status) string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

func (v *Validator) checkFilenames(c *collector, path string, val any) {
	if v.filename == nil {
		return
	}
	var names []string
	switch x := val.(type) {
	case string:
		names = []string{x}
	case []any:
		for _, item := range x {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
	}
	for _, name := range names {
		base := name
		if i := strings.LastIndexAny(base, `/\`); i >= 0 {
			base = base[i+1:]
		}
		if base == "" || v.filename.MatchString(base) {
			continue
		}
		c.add(domain.SeverityMajor, path, RuleFilenameCase, fmt.Sprintf("file name %q does not match %s", base, v.filename))
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// stringLeaves collects every string leaf of v in a stable order.
func stringLeaves(v any) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case []any:
		var out []string
		for _, item := range x {
			out = append(out, stringLeaves(item)...)
		}
		return out
	case map[string]any:
		var out []string
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, stringLeaves(x[k])...)
		}
		return out
	}
	return nil
}

// CheckStatus runs the status enum rule over a single value.
func CheckStatus(path string, val any, task bool) []domain.ValidationIssue {
	c := &collector{}
	checkStatus(c, path, val, task)
	return c.issues
}
