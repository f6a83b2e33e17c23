// Package loyalty accrues points for closed checks with an attached
// customer. Accrual is fire-and-forget from the close path: a loyalty
// outage must never delay or fail a close.
package loyalty

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tablewire/caps/internal/money"
)

// Earn is one accrual event, derived from a closed check. Points are
// computed on the pre-tax subtotal.
type Earn struct {
	CustomerID string
	CheckID    uuid.UUID
	Subtotal   money.Cents
	Points     int64
}

// Program is the accrual sink. Implementations must tolerate duplicate
// events for the same check id; closes replayed by the sync reconciler
// re-emit accruals.
type Program interface {
	Accrue(ctx context.Context, e Earn) error
}

// Points converts a subtotal to points: one point per whole currency unit,
// floor. Negative subtotals (fully refunded checks) earn nothing.
func Points(subtotal money.Cents) int64 {
	if subtotal <= 0 {
		return 0
	}
	return int64(subtotal) / 100
}

// MemoryProgram records accruals for tests and for single-site deployments
// without an external loyalty provider. Duplicate check ids are dropped.
type MemoryProgram struct {
	mu    sync.Mutex
	seen  map[uuid.UUID]bool
	earns []Earn
}

// NewMemoryProgram creates an empty in-memory program.
func NewMemoryProgram() *MemoryProgram {
	return &MemoryProgram{seen: make(map[uuid.UUID]bool)}
}

func (p *MemoryProgram) Accrue(_ context.Context, e Earn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[e.CheckID] {
		return nil
	}
	p.seen[e.CheckID] = true
	p.earns = append(p.earns, e)
	return nil
}

// Earns returns the recorded accruals in arrival order.
func (p *MemoryProgram) Earns() []Earn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Earn(nil), p.earns...)
}
