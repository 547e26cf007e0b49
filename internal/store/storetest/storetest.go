// Package storetest holds the behaviour every Store and AuditLog backend must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"sessiongate/internal/domain"
	"sessiongate/internal/store"
)

// Session returns a small valid document with the given id.
func Session(id, createdAt string) domain.Session {
	return domain.Session{
		ID:           id,
		CreatedAt:    createdAt,
		Description:  "conformance",
		Status:       domain.StatusNotStarted,
		Orchestrator: domain.Role{ID: "orch", Kind: domain.RoleOrchestrator},
		Workers:      []domain.Role{{ID: "W1", Kind: domain.RoleWorker}},
		Phases: []domain.Phase{{
			ID:       "P1",
			Sequence: 1,
			Status:   domain.StatusNotStarted,
			Tasks:    []domain.Task{{ID: "T1", Owner: "W1", Status: domain.StatusNotStarted}},
		}},
		LastUpdated: createdAt,
	}
}

// RunStore exercises the document contract against a fresh empty store.
func RunStore(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	doc := Session("WO-STORE-TEST-001", "2024-05-01T12:00:00Z")
	if err := s.Create(ctx, doc); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, doc); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if _, _, err := s.Get(ctx, "WO-MISSING-001"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	got, v, err := s.Get(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != 1 || got.ID != doc.ID || got.Phases[0].Tasks[0].Owner != "W1" {
		t.Fatalf("unexpected stored doc v=%d %+v", v, got)
	}

	got.Phases[0].Tasks[0].Status = domain.StatusInProgress
	v2, err := s.Put(ctx, got, v)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if v2 != v+1 {
		t.Fatalf("expected version %d, got %d", v+1, v2)
	}
	stale := got
	stale.Description = "stale"
	if _, err := s.Put(ctx, stale, v); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	again, v3, err := s.Get(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if v3 != v2 || again.Description != "conformance" || again.Phases[0].Tasks[0].Status != domain.StatusInProgress {
		t.Fatalf("conflicting put leaked: v=%d %+v", v3, again)
	}
	missing := Session("WO-MISSING-002", "2024-05-01T12:00:00Z")
	if _, err := s.Put(ctx, missing, 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on put, got %v", err)
	}

	older := Session("WO-STORE-OLDER-001", "2024-04-01T12:00:00Z")
	older.Status = domain.StatusComplete
	at := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	older.ArchivedAt = &at
	if err := s.Create(ctx, older); err != nil {
		t.Fatal(err)
	}
	list, err := s.List(ctx, store.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != doc.ID {
		t.Fatalf("archived session should be hidden: %+v", list)
	}
	list, err = s.List(ctx, store.ListFilter{IncludeArchived: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != doc.ID || list[1].ID != older.ID {
		t.Fatalf("expected newest first: %+v", list)
	}
	list, err = s.List(ctx, store.ListFilter{IncludeArchived: true, Status: domain.StatusComplete})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != older.ID {
		t.Fatalf("status filter: %+v", list)
	}
}

// RunAuditLog exercises the audit contract against a fresh empty log.
func RunAuditLog(t *testing.T, l store.AuditLog) {
	t.Helper()
	ctx := context.Background()
	if seq, err := l.LatestSeq(ctx); err != nil || seq != 0 {
		t.Fatalf("empty log latest seq: %d %v", seq, err)
	}
	var seqs []int64
	for i, sid := range []string{"WO-A-001", "WO-B-001", "WO-A-001"} {
		e, err := l.Append(ctx, domain.AuditEntry{
			ID:        []string{"e1", "e2", "e3"}[i],
			Timestamp: "2024-05-01T12:00:00Z",
			SessionID: sid,
			EventType: domain.EventCreated,
			ActorID:   "orch",
			Detail:    map[string]any{"n": float64(i)},
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		seqs = append(seqs, e.Seq)
	}
	if !(seqs[0] < seqs[1] && seqs[1] < seqs[2]) {
		t.Fatalf("sequence not increasing: %v", seqs)
	}
	all, err := l.Entries(ctx, store.AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "e1" || all[2].ID != "e3" {
		t.Fatalf("unexpected entries %+v", all)
	}
	if all[1].Detail["n"] != float64(1) || all[1].EventType != domain.EventCreated {
		t.Fatalf("detail not preserved: %+v", all[1])
	}
	a, err := l.Entries(ctx, store.AuditFilter{SessionID: "WO-A-001"})
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 2 || a[1].ID != "e3" {
		t.Fatalf("session filter: %+v", a)
	}
	after, err := l.Entries(ctx, store.AuditFilter{AfterSeq: seqs[0], Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 1 || after[0].ID != "e2" {
		t.Fatalf("cursor filter: %+v", after)
	}
	if seq, err := l.LatestSeq(ctx); err != nil || seq != seqs[2] {
		t.Fatalf("latest seq %d %v, want %d", seq, err, seqs[2])
	}
}

// JournalBackend is a backend holding both documents and the audit log.
type JournalBackend interface {
	store.Store
	store.AuditLog
	store.Journal
}

// RunJournal checks that a document write and its entries land together or
// not at all.
func RunJournal(t *testing.T, b JournalBackend) {
	t.Helper()
	ctx := context.Background()
	entry := func(id string, kind domain.EventType) domain.AuditEntry {
		return domain.AuditEntry{ID: id, Timestamp: "2024-05-01T12:00:00Z", SessionID: "WO-JOURNAL-001", EventType: kind, ActorID: "orch"}
	}

	doc := Session("WO-JOURNAL-001", "2024-05-01T12:00:00Z")
	stored, err := b.CreateJournaled(ctx, doc, []domain.AuditEntry{entry("j1", domain.EventCreated)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(stored) != 1 || stored[0].Seq == 0 {
		t.Fatalf("creation entry not sequenced: %+v", stored)
	}
	if _, err := b.CreateJournaled(ctx, doc, []domain.AuditEntry{entry("j2", domain.EventCreated)}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}

	got, v, err := b.Get(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	got.Phases[0].Status = domain.StatusComplete
	next, stored, err := b.PutJournaled(ctx, got, v, []domain.AuditEntry{entry("j3", domain.EventPhaseClosed)})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if next != v+1 || len(stored) != 1 || stored[0].ID != "j3" {
		t.Fatalf("unexpected put result %d %+v", next, stored)
	}
	if _, _, err := b.PutJournaled(ctx, got, v, []domain.AuditEntry{entry("j4", domain.EventPhaseClosed)}); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	all, err := b.Entries(ctx, store.AuditFilter{SessionID: doc.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "j1" || all[1].ID != "j3" {
		t.Fatalf("rejected writes left entries behind: %+v", all)
	}
}
