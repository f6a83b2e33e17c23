// Package check defines the CAPS domain aggregate: a check with its items,
// payments and kitchen rounds, plus the error taxonomy shared by the state
// machine, the lock manager and the sync reconciler.
//
// The aggregate is a plain value; every legal mutation goes through
// internal/engine. Stores persist and load whole aggregates so a partial
// update can never desync totals from items.
package check

import (
	"time"

	"github.com/google/uuid"

	"github.com/tablewire/caps/internal/money"
)

// Status is the lifecycle state of a check.
type Status string

const (
	StatusOpen   Status = "open"
	StatusSent   Status = "sent"
	StatusClosed Status = "closed"
	StatusVoided Status = "voided"
)

// ItemStatus is the lifecycle state of a check item.
type ItemStatus string

const (
	// ItemPending items support "fire now, finalize modifiers later"
	// ordering. They must be finalized or voided before send or payment.
	ItemPending ItemStatus = "pending"
	ItemActive  ItemStatus = "active"
	ItemVoided  ItemStatus = "voided"
)

// PaymentStatus is the lifecycle state of a check payment.
type PaymentStatus string

const (
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentCaptured   PaymentStatus = "captured"
	PaymentVoided     PaymentStatus = "voided"
	PaymentRefunded   PaymentStatus = "refunded"
)

// OrderType classifies how the order is fulfilled.
type OrderType string

const (
	DineIn   OrderType = "dine_in"
	TakeOut  OrderType = "take_out"
	Delivery OrderType = "delivery"
	Pickup   OrderType = "pickup"
)

// ValidOrderType reports whether t is one of the known order types.
func ValidOrderType(t OrderType) bool {
	switch t {
	case DineIn, TakeOut, Delivery, Pickup:
		return true
	}
	return false
}

// Modifier is a named price adjustment attached to an item, ordered as
// entered at the terminal.
type Modifier struct {
	Name       string      `json:"name"`
	PriceDelta money.Cents `json:"price_delta"`
}

// Item is one line on a check.
type Item struct {
	ID         uuid.UUID   `json:"id"`
	MenuItemID uuid.UUID   `json:"menu_item_id"`
	Name       string      `json:"name"`
	UnitPrice  money.Cents `json:"unit_price"`
	Quantity   int64       `json:"quantity"`
	Modifiers  []Modifier  `json:"modifiers,omitempty"`
	Status     ItemStatus  `json:"status"`

	// Sent is an irreversible marker set when the item is included in a
	// kitchen round. It is independent of Status: a sent item stays
	// active until voided (with approval).
	Sent     bool `json:"sent"`
	RoundSeq int  `json:"round_seq,omitempty"`

	SeatNumber int    `json:"seat_number,omitempty"`
	VoidReason string `json:"void_reason,omitempty"`
}

// LineTotal is the extended price: (unit price + modifier deltas) * quantity.
func (it *Item) LineTotal() money.Cents {
	unit := it.UnitPrice
	for _, m := range it.Modifiers {
		unit += m.PriceDelta
	}
	return unit.Mul(it.Quantity)
}

// Payment is one tender applied to a check.
type Payment struct {
	ID       uuid.UUID     `json:"id"`
	TenderID string        `json:"tender_id"`
	Status   PaymentStatus `json:"status"`

	// Amount is the authorized amount. Captured holds the final captured
	// value (authorized + tip); it is zero until capture.
	Amount   money.Cents `json:"amount"`
	Tip      money.Cents `json:"tip,omitempty"`
	Captured money.Cents `json:"captured,omitempty"`
	Refunded money.Cents `json:"refunded,omitempty"`

	// GatewayTxnID joins this record to the gateway adapter's session.
	// Empty for tenders that never touch a gateway (cash).
	GatewayTxnID string `json:"gateway_txn_id,omitempty"`

	// RequestKey is the client-generated idempotency key of the request
	// that produced this payment.
	RequestKey string `json:"request_key,omitempty"`
}

// Round records one send-to-kitchen operation: the set of items that
// crossed into kitchen routing together.
type Round struct {
	Seq     int         `json:"seq"`
	SentAt  time.Time   `json:"sent_at"`
	ItemIDs []uuid.UUID `json:"item_ids"`
}

// Check is the aggregate root. Totals are derived fields, recomputed by the
// state machine after every committed mutation, never edited directly.
type Check struct {
	ID     uuid.UUID `json:"id"`
	Number string    `json:"number"`
	RVCID  string    `json:"rvc_id"`

	EmployeeID string    `json:"employee_id"`
	OrderType  OrderType `json:"order_type"`
	Status     Status    `json:"status"`
	CustomerID string    `json:"customer_id,omitempty"`

	Items    []Item    `json:"items"`
	Payments []Payment `json:"payments"`
	Rounds   []Round   `json:"rounds"`

	Subtotal money.Cents `json:"subtotal"`
	Tax      money.Cents `json:"tax"`
	Total    money.Cents `json:"total"`

	// NeedsRenumber marks checks whose display number was issued past the
	// workstation's reserved range while offline.
	NeedsRenumber bool `json:"needs_renumber,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActiveItems returns the non-voided, non-pending items.
func (c *Check) ActiveItems() []Item {
	var out []Item
	for _, it := range c.Items {
		if it.Status == ItemActive {
			out = append(out, it)
		}
	}
	return out
}

// UnsentActive returns items eligible for the next kitchen round.
func (c *Check) UnsentActive() []Item {
	var out []Item
	for _, it := range c.Items {
		if it.Status == ItemActive && !it.Sent {
			out = append(out, it)
		}
	}
	return out
}

// HasPending reports whether any item is still awaiting modifier finalize.
func (c *Check) HasPending() bool {
	for _, it := range c.Items {
		if it.Status == ItemPending {
			return true
		}
	}
	return false
}

// HasSentItems reports whether any item has crossed into kitchen routing.
func (c *Check) HasSentItems() bool {
	for _, it := range c.Items {
		if it.Sent {
			return true
		}
	}
	return false
}

// Item returns a pointer into the aggregate's item slice, or nil.
func (c *Check) Item(id uuid.UUID) *Item {
	for i := range c.Items {
		if c.Items[i].ID == id {
			return &c.Items[i]
		}
	}
	return nil
}

// Payment returns a pointer into the aggregate's payment slice, or nil.
func (c *Check) Payment(id uuid.UUID) *Payment {
	for i := range c.Payments {
		if c.Payments[i].ID == id {
			return &c.Payments[i]
		}
	}
	return nil
}

// CapturedTotal sums the payment value applied against the check total:
// the authorized base of each captured payment. Tips ride on top of the
// total and never count toward the balance. Refunds come out of the tip
// first, then reduce the applied base.
func (c *Check) CapturedTotal() money.Cents {
	var sum money.Cents
	for _, p := range c.Payments {
		if p.Status != PaymentCaptured {
			continue
		}
		applied := p.Amount
		if over := p.Refunded - p.Tip; over > 0 {
			applied -= over
		}
		sum += applied
	}
	return sum
}

// Balance is the amount still owed. Over-tender (cash change) is a
// terminal-side computation and never drives the balance negative here;
// the engine rejects captures past the total outside the cash flow.
func (c *Check) Balance() money.Cents {
	return c.Total - c.CapturedTotal()
}

// Clone deep-copies the aggregate. The memory store and the replica hand
// out clones so callers can never mutate shared state in place.
func (c *Check) Clone() *Check {
	cp := *c
	cp.Items = make([]Item, len(c.Items))
	for i, it := range c.Items {
		cp.Items[i] = it
		if it.Modifiers != nil {
			cp.Items[i].Modifiers = append([]Modifier(nil), it.Modifiers...)
		}
	}
	cp.Payments = append([]Payment(nil), c.Payments...)
	cp.Rounds = make([]Round, len(c.Rounds))
	for i, r := range c.Rounds {
		cp.Rounds[i] = r
		cp.Rounds[i].ItemIDs = append([]uuid.UUID(nil), r.ItemIDs...)
	}
	return &cp
}
