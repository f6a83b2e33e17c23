package kitchen

import (
	"context"
	"sync"
)

// Publisher delivers tickets to the kitchen routing fabric. Publish is
// called only after the round has committed; a failed publish is surfaced
// to the caller, never silently dropped.
type Publisher interface {
	Publish(ctx context.Context, t Ticket) error
	Close() error
}

// MemoryPublisher captures tickets for tests and for terminals running
// without a broker (the sync reconciler replays rounds on reconnect).
type MemoryPublisher struct {
	mu      sync.Mutex
	tickets []Ticket
}

// NewMemoryPublisher creates an empty capture publisher.
func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(_ context.Context, t Ticket) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tickets = append(p.tickets, t)
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

// Tickets returns the captured tickets in publish order.
func (p *MemoryPublisher) Tickets() []Ticket {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Ticket(nil), p.tickets...)
}
