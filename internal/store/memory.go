package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"sessiongate/internal/domain"
)

type memDoc struct {
	data    []byte
	version int64
}

// Memory is an in-process Store and AuditLog. Documents are kept encoded so
// callers never share memory with the stored copy.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]memDoc
	entries []domain.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{docs: map[string]memDoc{}}
}

func (m *Memory) Create(_ context.Context, doc domain.Session) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[doc.ID]; ok {
		return fmt.Errorf("%w: session %s", domain.ErrAlreadyExists, doc.ID)
	}
	m.docs[doc.ID] = memDoc{data: data, version: 1}
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (domain.Session, int64, error) {
	m.mu.Lock()
	d, ok := m.docs[id]
	m.mu.Unlock()
	if !ok {
		return domain.Session{}, 0, fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
	}
	var doc domain.Session
	if err := json.Unmarshal(d.data, &doc); err != nil {
		return domain.Session{}, 0, err
	}
	return doc, d.version, nil
}

func (m *Memory) Put(_ context.Context, doc domain.Session, expected int64) (int64, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.docs[doc.ID]
	if !ok {
		return 0, fmt.Errorf("%w: session %s", domain.ErrNotFound, doc.ID)
	}
	if cur.version != expected {
		return 0, fmt.Errorf("%w: session %s at version %d, expected %d", ErrVersionConflict, doc.ID, cur.version, expected)
	}
	next := cur.version + 1
	m.docs[doc.ID] = memDoc{data: data, version: next}
	return next, nil
}

func (m *Memory) List(_ context.Context, f ListFilter) ([]domain.Session, error) {
	m.mu.Lock()
	raw := make([][]byte, 0, len(m.docs))
	for _, d := range m.docs {
		raw = append(raw, d.data)
	}
	m.mu.Unlock()
	var out []domain.Session
	for _, data := range raw {
		var doc domain.Session
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		if f.Match(doc) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) Append(_ context.Context, e domain.AuditEntry) (domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Seq = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *Memory) Entries(_ context.Context, f AuditFilter) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if !f.Match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) LatestSeq(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries)), nil
}
