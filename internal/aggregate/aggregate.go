// Package aggregate derives progress counts from task statuses. Stored
// snapshots are advisory only; callers recompute before trusting them.
package aggregate

import "sessiongate/internal/domain"

// Tasks counts task statuses. Unknown statuses count toward Total only.
func Tasks(tasks []domain.Task) domain.Snapshot {
	s := domain.Snapshot{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case domain.StatusComplete:
			s.Completed++
		case domain.StatusInProgress:
			s.InProgress++
		case domain.StatusNotStarted, "":
			s.NotStarted++
		}
	}
	return s
}

// Phases sums the task snapshots of every phase.
func Phases(phases []domain.Phase) domain.Snapshot {
	var s domain.Snapshot
	for _, p := range phases {
		ps := Tasks(p.Tasks)
		s.Total += ps.Total
		s.Completed += ps.Completed
		s.InProgress += ps.InProgress
		s.NotStarted += ps.NotStarted
	}
	return s
}

// Refresh overwrites the advisory caches on a session document in place.
func Refresh(doc *domain.Session) {
	for i := range doc.Phases {
		ps := Tasks(doc.Phases[i].Tasks)
		doc.Phases[i].Aggregation = &ps
	}
	ss := Phases(doc.Phases)
	doc.Aggregation = &ss
}

// SessionStatus derives the session status from its ordered phase statuses.
func SessionStatus(phases []domain.Status) domain.Status {
	if len(phases) == 0 {
		return domain.StatusNotStarted
	}
	allFresh := true
	for _, s := range phases {
		if s == domain.StatusBlocked {
			return domain.StatusBlocked
		}
		if s != domain.StatusNotStarted {
			allFresh = false
		}
	}
	switch {
	case phases[len(phases)-1] == domain.StatusComplete:
		return domain.StatusComplete
	case allFresh:
		return domain.StatusNotStarted
	default:
		return domain.StatusInProgress
	}
}

// PhaseStatuses lists the phase statuses of doc in order.
func PhaseStatuses(doc *domain.Session) []domain.Status {
	out := make([]domain.Status, len(doc.Phases))
	for i, p := range doc.Phases {
		out[i] = p.Status
	}
	return out
}
