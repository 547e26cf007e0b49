package aggregate

import (
	"testing"

	"sessiongate/internal/domain"
)

func tasks(statuses ...domain.Status) []domain.Task {
	out := make([]domain.Task, len(statuses))
	for i, s := range statuses {
		out[i] = domain.Task{ID: string(rune('a' + i)), Status: s}
	}
	return out
}

func TestTasksCounts(t *testing.T) {
	got := Tasks(tasks(domain.StatusComplete, domain.StatusComplete, domain.StatusInProgress, domain.StatusNotStarted))
	want := domain.Snapshot{Total: 4, Completed: 2, InProgress: 1, NotStarted: 1}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
	if got.Done() {
		t.Fatalf("expected not done")
	}
}

func TestTasksIdempotent(t *testing.T) {
	in := tasks(domain.StatusComplete, domain.StatusInProgress)
	first := Tasks(in)
	second := Tasks(in)
	if first != second {
		t.Fatalf("aggregation not idempotent: %+v vs %+v", first, second)
	}
}

func TestPhasesSums(t *testing.T) {
	phases := []domain.Phase{
		{ID: "P1", Tasks: tasks(domain.StatusComplete, domain.StatusComplete)},
		{ID: "P2", Tasks: tasks(domain.StatusNotStarted)},
	}
	got := Phases(phases)
	want := domain.Snapshot{Total: 3, Completed: 2, NotStarted: 1}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestRefreshOverwritesStaleCache(t *testing.T) {
	stale := domain.Snapshot{Total: 99, Completed: 99}
	doc := domain.Session{
		Aggregation: &stale,
		Phases: []domain.Phase{
			{ID: "P1", Aggregation: &stale, Tasks: tasks(domain.StatusComplete, domain.StatusInProgress)},
		},
	}
	Refresh(&doc)
	if *doc.Aggregation != (domain.Snapshot{Total: 2, Completed: 1, InProgress: 1}) {
		t.Fatalf("session cache not refreshed: %+v", *doc.Aggregation)
	}
	if *doc.Phases[0].Aggregation != *doc.Aggregation {
		t.Fatalf("phase cache not refreshed: %+v", *doc.Phases[0].Aggregation)
	}
}

func TestSessionStatus(t *testing.T) {
	ns, ip, c, b := domain.StatusNotStarted, domain.StatusInProgress, domain.StatusComplete, domain.StatusBlocked
	cases := []struct {
		phases []domain.Status
		want   domain.Status
	}{
		{nil, ns},
		{[]domain.Status{ns, ns}, ns},
		{[]domain.Status{ip, ns}, ip},
		{[]domain.Status{c, ns}, ip},
		{[]domain.Status{c, b}, b},
		{[]domain.Status{c, c}, c},
	}
	for _, tc := range cases {
		if got := SessionStatus(tc.phases); got != tc.want {
			t.Fatalf("%v: got %s want %s", tc.phases, got, tc.want)
		}
	}
}
