package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/sequence"
)

// Memory is the in-process Store used by tests and by the sync reconciler
// test harness. It clones aggregates on every boundary crossing so callers
// can never alias its internal state.
type Memory struct {
	mu        sync.Mutex
	checks    map[uuid.UUID]*check.Check
	requests  map[string]uuid.UUID
	employees map[string]string
	rangeAt   int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		checks:    make(map[uuid.UUID]*check.Check),
		requests:  make(map[string]uuid.UUID),
		employees: make(map[string]string),
		rangeAt:   1000,
	}
}

func (m *Memory) CreateCheck(_ context.Context, c *check.Check, requestKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if requestKey != "" {
		if prev, ok := m.requests[requestKey]; ok && prev != c.ID {
			return ErrDuplicateRequest
		}
	}
	if _, ok := m.checks[c.ID]; ok {
		return fmt.Errorf("check %s already exists", c.ID)
	}
	m.checks[c.ID] = c.Clone()
	if requestKey != "" {
		m.requests[requestKey] = c.ID
	}
	return nil
}

func (m *Memory) GetCheck(_ context.Context, id uuid.UUID) (*check.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checks[id]
	if !ok {
		return nil, &check.NotFoundError{CheckID: id}
	}
	return c.Clone(), nil
}

func (m *Memory) SaveCheck(_ context.Context, c *check.Check, requestKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if requestKey != "" {
		if prev, ok := m.requests[requestKey]; ok && prev != c.ID {
			return ErrDuplicateRequest
		}
	}
	if _, ok := m.checks[c.ID]; !ok {
		return &check.NotFoundError{CheckID: c.ID}
	}
	m.checks[c.ID] = c.Clone()
	if requestKey != "" {
		m.requests[requestKey] = c.ID
	}
	return nil
}

func (m *Memory) ListOpenChecks(_ context.Context, rvcID string) ([]*check.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*check.Check
	for _, c := range m.checks {
		if c.RVCID != rvcID {
			continue
		}
		if c.Status == check.StatusOpen || c.Status == check.StatusSent {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SeenRequest(_ context.Context, key string) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.requests[key]
	return id, ok, nil
}

func (m *Memory) Credential(_ context.Context, employeeID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.employees[employeeID], nil
}

func (m *Memory) UpsertEmployee(_ context.Context, employeeID, pinHash, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.employees[employeeID] = pinHash
	return nil
}

func (m *Memory) GrantRange(_ context.Context, workstationID string, size int64) (sequence.Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := sequence.Range{
		WorkstationID: workstationID,
		Start:         m.rangeAt,
		End:           m.rangeAt + size - 1,
		Cursor:        m.rangeAt,
	}
	m.rangeAt += size
	return r, nil
}
