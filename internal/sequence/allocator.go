// Package sequence issues display check numbers from per-workstation
// reserved ranges, so terminals never contend on a central sequence and
// never collide while offline.
//
// Check numbers are display-only; every internal join uses the check's
// uuid. That decoupling is what makes the offline overflow path safe.
package sequence

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Range is a block of check numbers reserved for one workstation. Ranges
// granted to different workstations never overlap; the granter enforces
// that with a transactional cursor.
type Range struct {
	WorkstationID string
	Start         int64
	End           int64 // inclusive
	Cursor        int64 // next number to issue
}

// remaining reports how many numbers the range can still issue.
func (r *Range) remaining() int64 {
	if r == nil {
		return 0
	}
	return r.End - r.Cursor + 1
}

// Granter reserves number ranges. The backend store implements this with a
// row-locked grant table; it is unreachable while the terminal is offline.
type Granter interface {
	GrantRange(ctx context.Context, workstationID string, size int64) (Range, error)
}

// State is the allocator's persistable position: the current range and the
// overflow counter. Persisting it keeps overflow numbers unique across a
// terminal restart while still offline.
type State struct {
	WorkstationID string
	Start         int64
	End           int64
	Cursor        int64
	Overflow      int64
}

// Journal persists allocator state between process lifetimes. The terminal
// replica implements this with a per-workstation row.
type Journal interface {
	AllocatorState(ctx context.Context, workstationID string) (State, bool, error)
	SaveAllocatorState(ctx context.Context, st State) error
}

// Number is one issued check number.
type Number struct {
	// Value is the display string, e.g. "1042". Overflow numbers carry
	// the workstation suffix, e.g. "1100+WS03", so they cannot collide
	// with another workstation's range.
	Value string

	// Overflow marks numbers issued past the reserved range while the
	// granter was unreachable; checks carrying one are renumbered on
	// sync.
	Overflow bool
}

// Allocator hands out numbers from the workstation's current range and
// requests a fresh grant at exhaustion. When the grant fails (offline),
// it degrades to suffixed overflow numbers instead of blocking the
// terminal.
type Allocator struct {
	workstationID string
	grantSize     int64
	granter       Granter
	journal       Journal

	mu       sync.Mutex
	restored bool
	cur      *Range
	overflow int64
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithJournal persists the range cursor and overflow counter, so a restart
// resumes where the previous process stopped instead of re-issuing numbers.
func WithJournal(j Journal) Option {
	return func(a *Allocator) { a.journal = j }
}

// NewAllocator creates an allocator that reserves blocks of grantSize.
func NewAllocator(workstationID string, grantSize int64, g Granter, opts ...Option) *Allocator {
	if grantSize <= 0 {
		grantSize = 100
	}
	a := &Allocator{workstationID: workstationID, grantSize: grantSize, granter: g}
	for _, o := range opts {
		o(a)
	}
	return a
}

// restore loads journaled state once, before the first issue. Held under mu.
func (a *Allocator) restore(ctx context.Context) {
	a.restored = true
	if a.journal == nil {
		return
	}
	st, ok, err := a.journal.AllocatorState(ctx, a.workstationID)
	if err != nil || !ok {
		return
	}
	a.overflow = st.Overflow
	if st.Cursor <= st.End {
		a.cur = &Range{WorkstationID: a.workstationID, Start: st.Start, End: st.End, Cursor: st.Cursor}
	}
}

// checkpoint writes the current position. Best effort: a failed write costs
// at most a re-issued number after a crash, never an order.
func (a *Allocator) checkpoint(ctx context.Context) {
	if a.journal == nil {
		return
	}
	st := State{WorkstationID: a.workstationID, Overflow: a.overflow}
	if a.cur != nil {
		st.Start, st.End, st.Cursor = a.cur.Start, a.cur.End, a.cur.Cursor
	}
	_ = a.journal.SaveAllocatorState(ctx, st)
}

// Next issues the next check number. It only reaches for the granter when
// the current range is exhausted.
func (a *Allocator) Next(ctx context.Context) (Number, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.restored {
		a.restore(ctx)
	}
	if a.cur.remaining() == 0 {
		r, err := a.granter.GrantRange(ctx, a.workstationID, a.grantSize)
		if err != nil {
			// Offline or backend failure: keep trading on overflow
			// numbers rather than refusing orders.
			a.overflow++
			v := fmt.Sprintf("%d+%s", a.overflow, a.workstationID)
			a.checkpoint(ctx)
			return Number{Value: v, Overflow: true}, nil
		}
		a.cur = &r
	}
	n := a.cur.Cursor
	a.cur.Cursor++
	a.checkpoint(ctx)
	return Number{Value: strconv.FormatInt(n, 10)}, nil
}

// Remaining reports how many numbers are left in the current range, for
// terminals that pre-fetch a grant before going offline.
func (a *Allocator) Remaining() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur.remaining()
}
