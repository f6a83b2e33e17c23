package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryManager is the in-process Manager used by tests and single-node
// deployments. Expiry is evaluated lazily against the injected clock, so
// tests advance time instead of sleeping.
type MemoryManager struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	locks map[uuid.UUID]Lock
}

// MemoryOption configures a MemoryManager.
type MemoryOption func(*MemoryManager)

// WithNow injects the time source.
func WithNow(now func() time.Time) MemoryOption {
	return func(m *MemoryManager) { m.now = now }
}

// NewMemory creates a MemoryManager whose locks expire after ttl.
func NewMemory(ttl time.Duration, opts ...MemoryOption) *MemoryManager {
	m := &MemoryManager{
		ttl:   ttl,
		now:   time.Now,
		locks: make(map[uuid.UUID]Lock),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *MemoryManager) Acquire(_ context.Context, checkID uuid.UUID, workstationID, employeeID string) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.locks[checkID]; ok && cur.ExpiresAt.After(now) && cur.WorkstationID != workstationID {
		return Lock{}, heldBy(checkID, cur)
	}
	l := Lock{
		CheckID:       checkID,
		WorkstationID: workstationID,
		EmployeeID:    employeeID,
		AcquiredAt:    now,
		ExpiresAt:     now.Add(m.ttl),
	}
	m.locks[checkID] = l
	return l, nil
}

func (m *MemoryManager) Refresh(_ context.Context, checkID uuid.UUID, workstationID, employeeID string) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, ok := m.locks[checkID]
	if !ok || !cur.ExpiresAt.After(now) {
		return Lock{}, expired(checkID)
	}
	if cur.WorkstationID != workstationID {
		return Lock{}, heldBy(checkID, cur)
	}
	cur.EmployeeID = employeeID
	cur.ExpiresAt = now.Add(m.ttl)
	m.locks[checkID] = cur
	return cur, nil
}

func (m *MemoryManager) Release(_ context.Context, checkID uuid.UUID, workstationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.locks[checkID]; ok && cur.WorkstationID == workstationID {
		delete(m.locks, checkID)
	}
	return nil
}

func (m *MemoryManager) ReleaseAll(_ context.Context, workstationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, cur := range m.locks {
		if cur.WorkstationID == workstationID {
			delete(m.locks, id)
		}
	}
	return nil
}

func (m *MemoryManager) Holder(_ context.Context, checkID uuid.UUID) (Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[checkID]
	if !ok || !cur.ExpiresAt.After(m.now()) {
		return Lock{}, false, nil
	}
	return cur, true, nil
}
