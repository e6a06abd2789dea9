package imaging

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger keeps the audit trail and orphans in process memory. It is
// used when no database is configured.
type MemoryLedger struct {
	mu      sync.Mutex
	audit   []*AuditEntry
	orphans map[uuid.UUID]*Orphan
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{orphans: make(map[uuid.UUID]*Orphan), now: time.Now}
}

func (m *MemoryLedger) RecordAudit(_ context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryLedger) ListAudit(_ context.Context, studyID int64, limit int) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*AuditEntry
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.audit[i]
		if studyID != 0 && e.StudyID != studyID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryLedger) RecordOrphan(_ context.Context, o *Orphan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	cp := *o
	m.orphans[o.ID] = &cp
	return nil
}

func (m *MemoryLedger) ListOrphans(_ context.Context, includeResolved bool) ([]*Orphan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Orphan, 0, len(m.orphans))
	for _, o := range m.orphans {
		if o.ResolvedAt != nil && !includeResolved {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *MemoryLedger) ResolveOrphan(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orphans[id]
	if !ok {
		return &NotFoundError{Entity: "orphan", ID: id.String()}
	}
	if o.ResolvedAt == nil {
		t := m.now().UTC()
		o.ResolvedAt = &t
	}
	return nil
}
