// Package engine implements the order state machine: the sole authority
// for check, item and payment transitions. Every mutation, whether issued
// by a connected terminal or replayed by the sync reconciler, passes
// through here under the caller's per-check critical section.
//
// The engine mutates aggregates in place and reports illegal transitions
// as *check.ConflictError carrying the current state, so callers can
// distinguish "retry later" from "this operation is moot".
package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/money"
)

// Engine applies transitions to check aggregates. It owns no storage and
// no locks; persistence and serialization are the service layer's job.
type Engine struct {
	totals check.TotalsFunc
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow injects the time source, used by tests for deterministic rounds.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine using the given totals calculator.
func New(totals check.TotalsFunc, opts ...Option) *Engine {
	e := &Engine{totals: totals, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewCheckParams carries the fields needed to open a check.
type NewCheckParams struct {
	ID         uuid.UUID
	Number     string
	RVCID      string
	EmployeeID string
	OrderType  check.OrderType
	CustomerID string

	// NeedsRenumber marks overflow numbers issued past an offline
	// workstation's reserved range.
	NeedsRenumber bool
}

// NewCheck opens a check in the open state with no items.
func (e *Engine) NewCheck(p NewCheckParams) (*check.Check, error) {
	if p.ID == uuid.Nil {
		return nil, check.Invalid("id", "check id is required")
	}
	if p.RVCID == "" {
		return nil, check.Invalid("rvc_id", "revenue center is required")
	}
	if p.EmployeeID == "" {
		return nil, check.Invalid("employee_id", "owner employee is required")
	}
	if !check.ValidOrderType(p.OrderType) {
		return nil, check.Invalid("order_type", "unknown order type")
	}
	now := e.now().UTC()
	return &check.Check{
		ID:            p.ID,
		Number:        p.Number,
		RVCID:         p.RVCID,
		EmployeeID:    p.EmployeeID,
		OrderType:     p.OrderType,
		CustomerID:    p.CustomerID,
		Status:        check.StatusOpen,
		NeedsRenumber: p.NeedsRenumber,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// ItemParams carries the fields for a new check item.
type ItemParams struct {
	ID         uuid.UUID
	MenuItemID uuid.UUID
	Name       string
	UnitPrice  money.Cents
	Quantity   int64
	Modifiers  []check.Modifier
	SeatNumber int

	// Pending opens the item in the pending state for fire-now,
	// finalize-modifiers-later ordering.
	Pending bool
}

// AddItem appends an item to an open or sent check.
func (e *Engine) AddItem(c *check.Check, p ItemParams) (*check.Item, error) {
	if err := e.mutable(c); err != nil {
		return nil, err
	}
	if p.ID == uuid.Nil {
		return nil, check.Invalid("item.id", "item id is required")
	}
	if p.Name == "" {
		return nil, check.Invalid("item.name", "item name is required")
	}
	if p.Quantity <= 0 {
		return nil, check.Invalid("item.quantity", "quantity must be positive")
	}
	if p.UnitPrice.IsNegative() {
		return nil, check.Invalid("item.unit_price", "unit price may not be negative")
	}
	status := check.ItemActive
	if p.Pending {
		status = check.ItemPending
	}
	c.Items = append(c.Items, check.Item{
		ID:         p.ID,
		MenuItemID: p.MenuItemID,
		Name:       p.Name,
		UnitPrice:  p.UnitPrice,
		Quantity:   p.Quantity,
		Modifiers:  p.Modifiers,
		SeatNumber: p.SeatNumber,
		Status:     status,
	})
	e.recompute(c)
	return &c.Items[len(c.Items)-1], nil
}

// FinalizeItem completes a pending item, replacing its modifier set and
// activating it.
func (e *Engine) FinalizeItem(c *check.Check, itemID uuid.UUID, mods []check.Modifier) error {
	if err := e.mutable(c); err != nil {
		return err
	}
	it := c.Item(itemID)
	if it == nil {
		return check.Invalid("item_id", "no such item on check")
	}
	if it.Status != check.ItemPending {
		return check.Conflict(check.CodeItemState, c.ID, string(it.Status), "only pending items can be finalized")
	}
	it.Modifiers = mods
	it.Status = check.ItemActive
	e.recompute(c)
	return nil
}

// VoidItem voids an item. A sent item requires manager approval; an unsent
// item (pending or active) voids freely.
func (e *Engine) VoidItem(c *check.Check, itemID uuid.UUID, reason string, managerApproved bool) error {
	if err := e.mutable(c); err != nil {
		return err
	}
	it := c.Item(itemID)
	if it == nil {
		return check.Invalid("item_id", "no such item on check")
	}
	if it.Status == check.ItemVoided {
		return check.Conflict(check.CodeItemVoided, c.ID, string(it.Status), "item already voided")
	}
	if it.Sent && !managerApproved {
		return check.Conflict(check.CodeApprovalRequired, c.ID, string(it.Status), "voiding a sent item requires manager approval")
	}
	it.Status = check.ItemVoided
	it.VoidReason = reason
	e.recompute(c)
	return nil
}

// OverridePrice changes an item's unit price. Sent items are past the hard
// edit boundary and are rejected outright.
func (e *Engine) OverridePrice(c *check.Check, itemID uuid.UUID, price money.Cents) error {
	if err := e.mutable(c); err != nil {
		return err
	}
	it := c.Item(itemID)
	if it == nil {
		return check.Invalid("item_id", "no such item on check")
	}
	if it.Sent {
		return check.Conflict(check.CodeItemSent, c.ID, string(it.Status), "price override rejected: item already sent")
	}
	if it.Status == check.ItemVoided {
		return check.Conflict(check.CodeItemVoided, c.ID, string(it.Status), "item already voided")
	}
	if price.IsNegative() {
		return check.Invalid("price", "price may not be negative")
	}
	it.UnitPrice = price
	e.recompute(c)
	return nil
}

// EditModifiers replaces an unsent active item's modifier set.
func (e *Engine) EditModifiers(c *check.Check, itemID uuid.UUID, mods []check.Modifier) error {
	if err := e.mutable(c); err != nil {
		return err
	}
	it := c.Item(itemID)
	if it == nil {
		return check.Invalid("item_id", "no such item on check")
	}
	if it.Sent {
		return check.Conflict(check.CodeItemSent, c.ID, string(it.Status), "modifier edit rejected: item already sent")
	}
	if it.Status == check.ItemVoided {
		return check.Conflict(check.CodeItemVoided, c.ID, string(it.Status), "item already voided")
	}
	it.Modifiers = mods
	e.recompute(c)
	return nil
}

// CancelOrder voids every unsent item in one atomic batch (the
// cancel-transaction path). It returns the number voided and the number of
// sent items that remain and require per-item handling.
func (e *Engine) CancelOrder(c *check.Check, reason string) (voided, remainingSent int, err error) {
	if err := e.mutable(c); err != nil {
		return 0, 0, err
	}
	for i := range c.Items {
		it := &c.Items[i]
		switch {
		case it.Status == check.ItemVoided:
		case it.Sent:
			remainingSent++
		default:
			it.Status = check.ItemVoided
			it.VoidReason = reason
			voided++
		}
	}
	if remainingSent == 0 && c.Status == check.StatusOpen {
		c.Status = check.StatusVoided
	}
	e.recompute(c)
	return voided, remainingSent, nil
}

// VoidCheck voids the whole check. Disallowed once any item has been sent;
// send-then-cancel is per-item void, not a check void.
func (e *Engine) VoidCheck(c *check.Check, reason string) error {
	if err := e.mutable(c); err != nil {
		return err
	}
	if c.HasSentItems() {
		return check.Conflict(check.CodeSentItems, c.ID, string(c.Status), "check has sent items; void them individually")
	}
	for i := range c.Items {
		if c.Items[i].Status != check.ItemVoided {
			c.Items[i].Status = check.ItemVoided
			c.Items[i].VoidReason = reason
		}
	}
	c.Status = check.StatusVoided
	e.recompute(c)
	return nil
}

// Close closes the check once the balance is zero.
func (e *Engine) Close(c *check.Check) error {
	if err := e.mutable(c); err != nil {
		return err
	}
	if c.HasPending() {
		return check.Conflict(check.CodePendingItems, c.ID, string(c.Status), "pending items must be finalized or voided")
	}
	if bal := c.Balance(); bal != money.Zero {
		return check.Conflict(check.CodeBalanceDue, c.ID, string(c.Status), "balance of "+bal.String()+" remains")
	}
	c.Status = check.StatusClosed
	e.recompute(c)
	return nil
}

// mutable rejects mutations on checks past their terminal states.
func (e *Engine) mutable(c *check.Check) error {
	switch c.Status {
	case check.StatusClosed:
		return check.Conflict(check.CodeCheckClosed, c.ID, string(c.Status), "check is closed")
	case check.StatusVoided:
		return check.Conflict(check.CodeCheckVoided, c.ID, string(c.Status), "check is voided")
	}
	return nil
}

// recompute refreshes derived totals from active items. Totals are never
// independently mutated, so a partial update cannot desync them.
func (e *Engine) recompute(c *check.Check) {
	t := e.totals(c.ActiveItems())
	c.Subtotal, c.Tax, c.Total = t.Subtotal, t.Tax, t.Total
	c.UpdatedAt = e.now().UTC()
}
