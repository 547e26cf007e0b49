package ownership

import (
	"fmt"
	"strings"

	"sessiongate/internal/domain"
)

// Path is a parsed write address such as "phases[P1].tasks[T1].status".
// Phases and tasks are addressed by id, never by index.
type Path struct {
	Raw     string
	PhaseID string
	TaskID  string
	Field   string
	// Pattern is Raw with ids replaced by "*", the key into Table.
	Pattern string
}

type segment struct {
	name string
	key  string
	keyd bool
}

// ParsePath parses and normalizes a write address.
func ParsePath(raw string) (Path, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Path{}, fmt.Errorf("%w: empty field path", domain.ErrPermissionDenied)
	}
	segs, err := splitSegments(raw)
	if err != nil {
		return Path{}, err
	}
	p := Path{Raw: raw}
	var pattern []string
	for i, s := range segs {
		last := i == len(segs)-1
		switch {
		case s.keyd && s.name == "phases" && i == 0:
			p.PhaseID = s.key
			pattern = append(pattern, "phases[*]")
		case s.keyd && s.name == "tasks" && i == 1 && p.PhaseID != "":
			p.TaskID = s.key
			pattern = append(pattern, "tasks[*]")
		case s.keyd:
			return Path{}, fmt.Errorf("%w: unexpected index in %s", domain.ErrPermissionDenied, raw)
		case last:
			p.Field = s.name
			pattern = append(pattern, s.name)
		default:
			return Path{}, fmt.Errorf("%w: nested field %s not addressable", domain.ErrPermissionDenied, raw)
		}
	}
	if p.Field == "" {
		return Path{}, fmt.Errorf("%w: %s does not name a field", domain.ErrPermissionDenied, raw)
	}
	p.Pattern = strings.Join(pattern, ".")
	return p, nil
}

func splitSegments(raw string) ([]segment, error) {
	var segs []segment
	var cur segment
	var buf strings.Builder
	inKey := false
	flush := func() error {
		if inKey {
			return fmt.Errorf("%w: unterminated index in %s", domain.ErrPermissionDenied, raw)
		}
		if cur.name == "" && buf.Len() == 0 {
			return fmt.Errorf("%w: empty segment in %s", domain.ErrPermissionDenied, raw)
		}
		if !cur.keyd {
			cur.name = buf.String()
		}
		segs = append(segs, cur)
		cur = segment{}
		buf.Reset()
		return nil
	}
	for _, r := range raw {
		switch {
		case r == '[' && !inKey:
			cur.name = buf.String()
			buf.Reset()
			inKey = true
		case r == ']' && inKey:
			cur.key = strings.TrimSpace(buf.String())
			if cur.key == "" {
				return nil, fmt.Errorf("%w: empty index in %s", domain.ErrPermissionDenied, raw)
			}
			cur.keyd = true
			buf.Reset()
			inKey = false
		case r == '.' && !inKey:
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			if cur.keyd && !inKey {
				return nil, fmt.Errorf("%w: malformed path %s", domain.ErrPermissionDenied, raw)
			}
			buf.WriteRune(r)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return segs, nil
}

func countWildcards(pattern string) int {
	return strings.Count(pattern, "[*]")
}

func leaf(pattern string) string {
	if i := strings.LastIndex(pattern, "."); i >= 0 {
		return pattern[i+1:]
	}
	return pattern
}

// PhasePath builds the address of a phase field.
func PhasePath(phaseID, field string) string {
	return fmt.Sprintf("phases[%s].%s", phaseID, field)
}

// TaskPath builds the address of a task field.
func TaskPath(phaseID, taskID, field string) string {
	return fmt.Sprintf("phases[%s].tasks[%s].%s", phaseID, taskID, field)
}
