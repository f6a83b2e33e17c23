package syncer

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/engine"
	"github.com/tablewire/caps/internal/money"
	"github.com/tablewire/caps/internal/replica"
	"github.com/tablewire/caps/internal/service"
)

// Queue operation names. The terminal enqueues these while offline; the
// reconciler replays them through the same service facade online requests
// use, so replay obeys every state machine rule.
const (
	OpOpenCheck      = "open_check"
	OpAddItem        = "add_item"
	OpFinalizeItem   = "finalize_item"
	OpVoidItem       = "void_item"
	OpCancelOrder    = "cancel_order"
	OpVoidCheck      = "void_check"
	OpSend           = "send"
	OpPayCash        = "pay_cash"
	OpCloseCheck     = "close_check"
	OpAttachCustomer = "attach_customer"
	OpDetachCustomer = "detach_customer"
)

// Actor identifies who performed the offline mutation; every payload
// embeds it.
type Actor struct {
	WorkstationID string `json:"workstation_id"`
	EmployeeID    string `json:"employee_id"`
}

// OpenCheckPayload replays an offline check open.
type OpenCheckPayload struct {
	Actor
	Number     string          `json:"number"`
	Overflow   bool            `json:"overflow,omitempty"`
	RVCID      string          `json:"rvc_id"`
	OrderType  check.OrderType `json:"order_type"`
	CustomerID string          `json:"customer_id,omitempty"`
}

// AddItemPayload replays an item addition.
type AddItemPayload struct {
	Actor
	ItemID     uuid.UUID        `json:"item_id"`
	MenuItemID uuid.UUID        `json:"menu_item_id"`
	Name       string           `json:"name"`
	UnitPrice  money.Cents      `json:"unit_price"`
	Quantity   int64            `json:"quantity"`
	Modifiers  []check.Modifier `json:"modifiers,omitempty"`
	SeatNumber int              `json:"seat_number,omitempty"`
	Pending    bool             `json:"pending,omitempty"`
}

// ItemActionPayload covers finalize and void, which address one item.
type ItemActionPayload struct {
	Actor
	ItemID          uuid.UUID        `json:"item_id"`
	Modifiers       []check.Modifier `json:"modifiers,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	ManagerApproved bool             `json:"manager_approved,omitempty"`
}

// CheckActionPayload covers whole-check operations.
type CheckActionPayload struct {
	Actor
	Reason     string `json:"reason,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
}

// PayCashPayload replays an offline cash tender.
type PayCashPayload struct {
	Actor
	Amount money.Cents `json:"amount"`
	Tip    money.Cents `json:"tip,omitempty"`
}

// ServiceBackend applies queue entries through the service facade.
type ServiceBackend struct {
	svc *service.Service
}

// NewServiceBackend wraps the facade.
func NewServiceBackend(svc *service.Service) *ServiceBackend {
	return &ServiceBackend{svc: svc}
}

func (b *ServiceBackend) Apply(ctx context.Context, e replica.Entry) error {
	switch e.Op {
	case OpOpenCheck:
		var p OpenCheckPayload
		if err := decode(e.Payload, &p); err != nil {
			return err
		}
		_, err := b.svc.AdoptCheck(ctx, b.session(p.Actor, e), service.AdoptCheckParams{
			ID:         e.CheckID,
			Number:     p.Number,
			Overflow:   p.Overflow,
			RVCID:      p.RVCID,
			OrderType:  p.OrderType,
			CustomerID: p.CustomerID,
		})
		return err

	case OpAddItem:
		var p AddItemPayload
		if err := decode(e.Payload, &p); err != nil {
			return err
		}
		_, err := b.svc.AddItem(ctx, b.session(p.Actor, e), e.CheckID, engine.ItemParams{
			ID:         p.ItemID,
			MenuItemID: p.MenuItemID,
			Name:       p.Name,
			UnitPrice:  p.UnitPrice,
			Quantity:   p.Quantity,
			Modifiers:  p.Modifiers,
			SeatNumber: p.SeatNumber,
			Pending:    p.Pending,
		})
		return err

	case OpFinalizeItem:
		var p ItemActionPayload
		if err := decode(e.Payload, &p); err != nil {
			return err
		}
		_, err := b.svc.FinalizeItem(ctx, b.session(p.Actor, e), e.CheckID, p.ItemID, p.Modifiers)
		return err

	case OpVoidItem:
		var p ItemActionPayload
		if err := decode(e.Payload, &p); err != nil {
			return err
		}
		_, err := b.svc.VoidItem(ctx, b.session(p.Actor, e), e.CheckID, p.ItemID, p.Reason, p.ManagerApproved)
		return err

	case OpCancelOrder:
		var p CheckActionPayload
		if err := decode(e.Payload, &p); err != nil {
			return err
		}
		_, _, err := b.svc.CancelOrder(ctx, b.session(p.Actor, e), e.CheckID, p.Reason)
		return err

	case OpVoidCheck:
		var p CheckActionPayload
		if err := decode(e.Payload, &p); err != nil {
			return err
		}
		_, err := b.svc.VoidCheck(ctx, b.session(p.Actor, e), e.CheckID, p.Reason)
		return err

	case OpSend:
		var p CheckActionPayload
		if err := decode(e.Payload, &p); err != nil {
			return err
		}
		_, _, err := b.svc.Send(ctx, b.session(p.Actor, e), e.CheckID)
		return err

	case OpPayCash:
		var p PayCashPayload
		if err := decode(e.Payload, &p); err != nil {
			return err
		}
		_, err := b.svc.PayCash(ctx, b.session(p.Actor, e), e.CheckID, p.Amount, p.Tip)
		return err

	case OpCloseCheck:
		var p CheckActionPayload
		if err := decode(e.Payload, &p); err != nil {
			return err
		}
		_, err := b.svc.CloseCheck(ctx, b.session(p.Actor, e), e.CheckID)
		return err

	case OpAttachCustomer:
		var p CheckActionPayload
		if err := decode(e.Payload, &p); err != nil {
			return err
		}
		_, err := b.svc.AttachCustomer(ctx, b.session(p.Actor, e), e.CheckID, p.CustomerID)
		return err

	case OpDetachCustomer:
		var p CheckActionPayload
		if err := decode(e.Payload, &p); err != nil {
			return err
		}
		_, err := b.svc.DetachCustomer(ctx, b.session(p.Actor, e), e.CheckID)
		return err
	}
	return check.Invalid("op", "unknown queue operation "+e.Op)
}

func (b *ServiceBackend) session(a Actor, e replica.Entry) service.Session {
	return service.Session{
		WorkstationID: a.WorkstationID,
		EmployeeID:    a.EmployeeID,
		RequestKey:    e.IdempotencyKey,
	}
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return check.Invalid("payload", "malformed queue payload: "+err.Error())
	}
	return nil
}
