package validate

import (
	"regexp"
	"sort"
	"strings"
)

var clauseSep = regexp.MustCompile(`[;\n]|[.,!?](\s|$)`)

type span struct {
	start, end int
}

// deniedTerms returns the forbidden duration phrases found in val, in order of
// appearance. Clauses mentioning an allow-listed technical term are skipped.
func (v *Validator) deniedTerms(val any) []string {
	var terms []string
	seen := map[string]bool{}
	for _, text := range stringLeaves(val) {
		for _, clause := range clauseSep.Split(text, -1) {
			if strings.TrimSpace(clause) == "" {
				continue
			}
			if v.allow != nil && v.allow.MatchString(clause) {
				continue
			}
			for _, sp := range v.matchSpans(clause) {
				term := strings.ToLower(strings.TrimSpace(clause[sp.start:sp.end]))
				if !seen[term] {
					seen[term] = true
					terms = append(terms, term)
				}
			}
		}
	}
	return terms
}

// matchSpans merges the matches of every deny pattern, dropping matches
// nested inside a longer one ("hours" inside "3 hours").
func (v *Validator) matchSpans(clause string) []span {
	var all []span
	for _, re := range v.deny {
		for _, loc := range re.FindAllStringIndex(clause, -1) {
			all = append(all, span{loc[0], loc[1]})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].start != all[j].start {
			return all[i].start < all[j].start
		}
		return all[i].end > all[j].end
	})
	var out []span
	for _, sp := range all {
		if len(out) > 0 && sp.end <= out[len(out)-1].end {
			continue
		}
		out = append(out, sp)
	}
	return out
}
