// Package service is the CAPS facade: it serializes access per check,
// enforces editing locks at the mutation boundary, drives the state
// machine, persists the result, and emits the side effects (kitchen
// tickets, loyalty accrual) only after the aggregate has committed.
package service

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/engine"
	"github.com/tablewire/caps/internal/kitchen"
	"github.com/tablewire/caps/internal/lock"
	"github.com/tablewire/caps/internal/logging"
	"github.com/tablewire/caps/internal/loyalty"
	"github.com/tablewire/caps/internal/money"
	"github.com/tablewire/caps/internal/payment"
	"github.com/tablewire/caps/internal/sequence"
	"github.com/tablewire/caps/internal/store"
)

const stripes = 64

// Session identifies the terminal issuing a request. RequestKey is the
// client-generated idempotency key; replays of a key already applied are
// answered from the ledger instead of re-running the operation.
type Session struct {
	WorkstationID string
	EmployeeID    string
	RequestKey    string
}

// Service wires the state machine to storage, locks and side effects.
type Service struct {
	store    store.Store
	engine   *engine.Engine
	locks    lock.Manager
	payments *payment.Orchestrator
	kitchen  kitchen.Publisher
	loyalty  loyalty.Program
	numbers  *sequence.Allocator
	log      *logging.Logger

	// Per-check critical sections. A stripe collision serializes two
	// unrelated checks, which is harmless.
	stripe [stripes]sync.Mutex

	// settling marks checks with a gateway call in flight. The gateway
	// round-trip runs outside the stripe so slow processors cannot stall
	// unrelated edits, but no other mutation may land meanwhile.
	mu       sync.Mutex
	settling map[uuid.UUID]bool

	accrualTimeout time.Duration
}

// Deps carries the service's collaborators.
type Deps struct {
	Store    store.Store
	Engine   *engine.Engine
	Locks    lock.Manager
	Payments *payment.Orchestrator
	Kitchen  kitchen.Publisher
	Loyalty  loyalty.Program
	Numbers  *sequence.Allocator
	Log      *logging.Logger
}

// New assembles the facade.
func New(d Deps) *Service {
	if d.Log == nil {
		d.Log = logging.New("caps")
	}
	return &Service{
		store:          d.Store,
		engine:         d.Engine,
		locks:          d.Locks,
		payments:       d.Payments,
		kitchen:        d.Kitchen,
		loyalty:        d.Loyalty,
		numbers:        d.Numbers,
		log:            d.Log,
		settling:       make(map[uuid.UUID]bool),
		accrualTimeout: 5 * time.Second,
	}
}

func (s *Service) stripeFor(id uuid.UUID) *sync.Mutex {
	return &s.stripe[binary.BigEndian.Uint32(id[:4])%stripes]
}

// stripeForKey serializes create operations, which have no check id yet,
// on their request key instead.
func (s *Service) stripeForKey(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.stripe[h.Sum32()%stripes]
}

// replay answers an operation whose request key was already applied.
func (s *Service) replay(ctx context.Context, key string) (*check.Check, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	id, seen, err := s.store.SeenRequest(ctx, key)
	if err != nil || !seen {
		return nil, false, err
	}
	c, err := s.store.GetCheck(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// requireEditable rejects the mutation when another workstation holds the
// editing lock or a settlement is in flight on the check.
func (s *Service) requireEditable(ctx context.Context, checkID uuid.UUID, sess Session) error {
	s.mu.Lock()
	inFlight := s.settling[checkID]
	s.mu.Unlock()
	if inFlight {
		return check.Conflict(check.CodeSettleInFlight, checkID, "", "payment settlement in flight; retry when it completes")
	}
	holder, ok, err := s.locks.Holder(ctx, checkID)
	if err != nil {
		return err
	}
	if ok && holder.WorkstationID != sess.WorkstationID {
		return &check.ConflictError{
			Code:              check.CodeLockHeld,
			Message:           "check is being edited on another workstation",
			CheckID:           checkID,
			HolderWorkstation: holder.WorkstationID,
			HolderEmployee:    holder.EmployeeID,
		}
	}
	return nil
}

// mutate runs fn on the aggregate inside the check's critical section and
// persists the result together with the request key.
func (s *Service) mutate(ctx context.Context, sess Session, checkID uuid.UUID, fn func(*check.Check) error) (*check.Check, error) {
	if c, seen, err := s.replay(ctx, sess.RequestKey); err != nil || seen {
		return c, err
	}

	m := s.stripeFor(checkID)
	m.Lock()
	defer m.Unlock()

	// A retry racing its original past the unlocked replay check serializes
	// here; the ledger is re-read under the stripe so only one applies.
	if c, seen, err := s.replay(ctx, sess.RequestKey); err != nil || seen {
		return c, err
	}

	if err := s.requireEditable(ctx, checkID, sess); err != nil {
		return nil, err
	}
	c, err := s.store.GetCheck(ctx, checkID)
	if err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	if err := s.store.SaveCheck(ctx, c, sess.RequestKey); err != nil {
		return nil, err
	}
	return c, nil
}

// OpenCheckParams carries the request to open a check.
type OpenCheckParams struct {
	RVCID      string
	OrderType  check.OrderType
	CustomerID string
}

// OpenCheck allocates a display number and creates the aggregate.
func (s *Service) OpenCheck(ctx context.Context, sess Session, p OpenCheckParams) (*check.Check, error) {
	if sess.RequestKey != "" {
		m := s.stripeForKey(sess.RequestKey)
		m.Lock()
		defer m.Unlock()
	}
	if c, seen, err := s.replay(ctx, sess.RequestKey); err != nil || seen {
		return c, err
	}
	num, err := s.numbers.Next(ctx)
	if err != nil {
		return nil, err
	}
	c, err := s.engine.NewCheck(engine.NewCheckParams{
		ID:            uuid.New(),
		Number:        num.Value,
		RVCID:         p.RVCID,
		EmployeeID:    sess.EmployeeID,
		OrderType:     p.OrderType,
		CustomerID:    p.CustomerID,
		NeedsRenumber: num.Overflow,
	})
	if err != nil {
		return nil, err
	}
	c, err = s.createCheck(ctx, c, sess.RequestKey)
	if err != nil {
		return nil, err
	}
	s.log.Info("check_opened", logging.Fields{
		"check_id": c.ID.String(), "number": c.Number, "rvc_id": c.RVCID,
	})
	return c, nil
}

// createCheck inserts the aggregate. When a concurrent duplicate of the
// same request landed first, the ledger answers instead.
func (s *Service) createCheck(ctx context.Context, c *check.Check, key string) (*check.Check, error) {
	err := s.store.CreateCheck(ctx, c, key)
	if err == nil {
		return c, nil
	}
	if errors.Is(err, store.ErrDuplicateRequest) {
		if dup, seen, rerr := s.replay(ctx, key); rerr == nil && seen {
			return dup, nil
		}
	}
	return nil, err
}

// AdoptCheckParams registers a check that was opened offline on a
// terminal and is now replayed against the backend.
type AdoptCheckParams struct {
	ID         uuid.UUID
	Number     string
	Overflow   bool
	RVCID      string
	OrderType  check.OrderType
	CustomerID string
}

// AdoptCheck creates the terminal's offline check under its original id.
// Overflow display numbers are replaced from the backend's range; the id
// is authoritative, so nothing referencing the check moves.
func (s *Service) AdoptCheck(ctx context.Context, sess Session, p AdoptCheckParams) (*check.Check, error) {
	if sess.RequestKey != "" {
		m := s.stripeForKey(sess.RequestKey)
		m.Lock()
		defer m.Unlock()
	}
	if c, seen, err := s.replay(ctx, sess.RequestKey); err != nil || seen {
		return c, err
	}
	number := p.Number
	if p.Overflow {
		num, err := s.numbers.Next(ctx)
		if err != nil {
			return nil, err
		}
		number = num.Value
	}
	c, err := s.engine.NewCheck(engine.NewCheckParams{
		ID:         p.ID,
		Number:     number,
		RVCID:      p.RVCID,
		EmployeeID: sess.EmployeeID,
		OrderType:  p.OrderType,
		CustomerID: p.CustomerID,
	})
	if err != nil {
		return nil, err
	}
	c, err = s.createCheck(ctx, c, sess.RequestKey)
	if err != nil {
		return nil, err
	}
	if p.Overflow {
		s.log.Info("check_renumbered", logging.Fields{
			"check_id": c.ID.String(), "old_number": p.Number, "number": c.Number,
		})
	}
	return c, nil
}

// GetCheck loads a check.
func (s *Service) GetCheck(ctx context.Context, id uuid.UUID) (*check.Check, error) {
	return s.store.GetCheck(ctx, id)
}

// ListOpenChecks returns the revenue center's non-terminal checks.
func (s *Service) ListOpenChecks(ctx context.Context, rvcID string) ([]*check.Check, error) {
	return s.store.ListOpenChecks(ctx, rvcID)
}

// AddItem appends an item to the check.
func (s *Service) AddItem(ctx context.Context, sess Session, checkID uuid.UUID, p engine.ItemParams) (*check.Check, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return s.mutate(ctx, sess, checkID, func(c *check.Check) error {
		_, err := s.engine.AddItem(c, p)
		return err
	})
}

// FinalizeItem activates a pending item with its final modifier set.
func (s *Service) FinalizeItem(ctx context.Context, sess Session, checkID, itemID uuid.UUID, mods []check.Modifier) (*check.Check, error) {
	return s.mutate(ctx, sess, checkID, func(c *check.Check) error {
		return s.engine.FinalizeItem(c, itemID, mods)
	})
}

// VoidItem voids one item; sent items need managerApproved.
func (s *Service) VoidItem(ctx context.Context, sess Session, checkID, itemID uuid.UUID, reason string, managerApproved bool) (*check.Check, error) {
	return s.mutate(ctx, sess, checkID, func(c *check.Check) error {
		return s.engine.VoidItem(c, itemID, reason, managerApproved)
	})
}

// OverridePrice changes an unsent item's unit price.
func (s *Service) OverridePrice(ctx context.Context, sess Session, checkID, itemID uuid.UUID, price money.Cents) (*check.Check, error) {
	return s.mutate(ctx, sess, checkID, func(c *check.Check) error {
		return s.engine.OverridePrice(c, itemID, price)
	})
}

// EditModifiers replaces an unsent item's modifiers.
func (s *Service) EditModifiers(ctx context.Context, sess Session, checkID, itemID uuid.UUID, mods []check.Modifier) (*check.Check, error) {
	return s.mutate(ctx, sess, checkID, func(c *check.Check) error {
		return s.engine.EditModifiers(c, itemID, mods)
	})
}

// CancelOrder voids the unsent batch; sent items are reported back for
// per-item handling.
func (s *Service) CancelOrder(ctx context.Context, sess Session, checkID uuid.UUID, reason string) (c *check.Check, remainingSent int, err error) {
	c, err = s.mutate(ctx, sess, checkID, func(c *check.Check) error {
		_, remainingSent, err = s.engine.CancelOrder(c, reason)
		return err
	})
	return c, remainingSent, err
}

// VoidCheck voids a check with no sent items.
func (s *Service) VoidCheck(ctx context.Context, sess Session, checkID uuid.UUID, reason string) (*check.Check, error) {
	return s.mutate(ctx, sess, checkID, func(c *check.Check) error {
		return s.engine.VoidCheck(c, reason)
	})
}

// AttachCustomer links a loyalty customer to the check.
func (s *Service) AttachCustomer(ctx context.Context, sess Session, checkID uuid.UUID, customerID string) (*check.Check, error) {
	if customerID == "" {
		return nil, check.Invalid("customer_id", "customer id is required")
	}
	return s.mutate(ctx, sess, checkID, func(c *check.Check) error {
		switch c.Status {
		case check.StatusClosed, check.StatusVoided:
			return check.Conflict(check.CodeCheckClosed, c.ID, string(c.Status), "check is no longer open")
		}
		c.CustomerID = customerID
		return nil
	})
}

// DetachCustomer removes the loyalty link.
func (s *Service) DetachCustomer(ctx context.Context, sess Session, checkID uuid.UUID) (*check.Check, error) {
	return s.mutate(ctx, sess, checkID, func(c *check.Check) error {
		switch c.Status {
		case check.StatusClosed, check.StatusVoided:
			return check.Conflict(check.CodeCheckClosed, c.ID, string(c.Status), "check is no longer open")
		}
		c.CustomerID = ""
		return nil
	})
}

// Send commits the round first and publishes the kitchen ticket after.
// Empty rounds (re-send with nothing new) publish nothing.
func (s *Service) Send(ctx context.Context, sess Session, checkID uuid.UUID) (*check.Check, check.Round, error) {
	var round check.Round
	c, err := s.mutate(ctx, sess, checkID, func(c *check.Check) error {
		var err error
		round, err = s.engine.Send(c)
		return err
	})
	if err != nil {
		return nil, check.Round{}, err
	}
	if round.Seq == 0 || s.kitchen == nil {
		return c, round, nil
	}
	if err := s.kitchen.Publish(ctx, kitchen.BuildTicket(c, round)); err != nil {
		// The round is committed; the failed ticket is re-emittable from
		// the round record.
		s.log.Error("kitchen_publish", err, logging.Fields{
			"check_id": c.ID.String(), "round_seq": round.Seq,
		})
		return c, round, err
	}
	s.log.Info("round_sent", logging.Fields{
		"check_id": c.ID.String(), "round_seq": round.Seq, "items": len(round.ItemIDs),
	})
	return c, round, nil
}

// CloseCheck closes a zero-balance check and accrues loyalty points in the
// background. The accrual can never fail or delay the close.
func (s *Service) CloseCheck(ctx context.Context, sess Session, checkID uuid.UUID) (*check.Check, error) {
	c, err := s.mutate(ctx, sess, checkID, func(c *check.Check) error {
		return s.engine.Close(c)
	})
	if err != nil {
		return nil, err
	}
	if c.CustomerID != "" && s.loyalty != nil {
		go s.accrue(c.Clone())
	}
	_ = s.locks.Release(ctx, checkID, sess.WorkstationID)
	s.log.Info("check_closed", logging.Fields{
		"check_id": c.ID.String(), "number": c.Number, "total": c.Total.String(),
	})
	return c, nil
}

func (s *Service) accrue(c *check.Check) {
	ctx, cancel := context.WithTimeout(context.Background(), s.accrualTimeout)
	defer cancel()
	e := loyalty.Earn{
		CustomerID: c.CustomerID,
		CheckID:    c.ID,
		Subtotal:   c.Subtotal,
		Points:     loyalty.Points(c.Subtotal),
	}
	if err := s.loyalty.Accrue(ctx, e); err != nil {
		s.log.Error("loyalty_accrual", err, logging.Fields{
			"check_id": c.ID.String(), "customer_id": c.CustomerID,
		})
	}
}

// AcquireLock claims the editing lock for the session's workstation.
func (s *Service) AcquireLock(ctx context.Context, sess Session, checkID uuid.UUID) (lock.Lock, error) {
	return s.locks.Acquire(ctx, checkID, sess.WorkstationID, sess.EmployeeID)
}

// RefreshLock extends a held lock.
func (s *Service) RefreshLock(ctx context.Context, sess Session, checkID uuid.UUID) (lock.Lock, error) {
	return s.locks.Refresh(ctx, checkID, sess.WorkstationID, sess.EmployeeID)
}

// ReleaseLock gives the lock up.
func (s *Service) ReleaseLock(ctx context.Context, sess Session, checkID uuid.UUID) error {
	return s.locks.Release(ctx, checkID, sess.WorkstationID)
}

// ReleaseWorkstation clears every lock a workstation holds, called on
// disconnect or sign-out.
func (s *Service) ReleaseWorkstation(ctx context.Context, workstationID string) error {
	return s.locks.ReleaseAll(ctx, workstationID)
}
