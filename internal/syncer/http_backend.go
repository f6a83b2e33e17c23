package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/replica"
)

// Identity headers, mirrored from the HTTP API.
const (
	headerWorkstation    = "X-Workstation-ID"
	headerEmployee       = "X-Employee-ID"
	headerIdempotencyKey = "X-Idempotency-Key"
)

// HTTPBackend replays queue entries against a remote backend over its
// HTTP API. Conflict and validation responses are rebuilt into their
// domain errors so the reconciler's drop/retry classification works the
// same as in-process.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBackend targets the backend at baseURL.
func NewHTTPBackend(baseURL string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPBackend{baseURL: baseURL, client: client}
}

type httpCall struct {
	method string
	path   string
	body   any
}

func (b *HTTPBackend) Apply(ctx context.Context, e replica.Entry) error {
	call, actor, err := route(e)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if call.body != nil {
		if err := json.NewEncoder(&buf).Encode(call.body); err != nil {
			return check.Invalid("payload", "encode replay body: "+err.Error())
		}
	}
	req, err := http.NewRequestWithContext(ctx, call.method, b.baseURL+call.path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerWorkstation, actor.WorkstationID)
	req.Header.Set(headerEmployee, actor.EmployeeID)
	req.Header.Set(headerIdempotencyKey, e.IdempotencyKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("syncer: replay %s: %w", e.Op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		return nil
	}
	return decodeFailure(resp, e.CheckID)
}

// route maps an entry onto its API call. Every payload embeds the Actor,
// which travels as headers rather than body fields.
func route(e replica.Entry) (httpCall, Actor, error) {
	base := "/v1/checks/" + e.CheckID.String()
	switch e.Op {
	case OpOpenCheck:
		var p OpenCheckPayload
		if err := decode(e.Payload, &p); err != nil {
			return httpCall{}, Actor{}, err
		}
		return httpCall{http.MethodPost, base + "/adopt", map[string]any{
			"number": p.Number, "overflow": p.Overflow, "rvc_id": p.RVCID,
			"order_type": p.OrderType, "customer_id": p.CustomerID,
		}}, p.Actor, nil

	case OpAddItem:
		var p AddItemPayload
		if err := decode(e.Payload, &p); err != nil {
			return httpCall{}, Actor{}, err
		}
		return httpCall{http.MethodPost, base + "/items", map[string]any{
			"id": p.ItemID, "menu_item_id": p.MenuItemID, "name": p.Name,
			"unit_price": p.UnitPrice, "quantity": p.Quantity,
			"modifiers": p.Modifiers, "seat_number": p.SeatNumber, "pending": p.Pending,
		}}, p.Actor, nil

	case OpFinalizeItem:
		var p ItemActionPayload
		if err := decode(e.Payload, &p); err != nil {
			return httpCall{}, Actor{}, err
		}
		return httpCall{http.MethodPost, base + "/items/" + p.ItemID.String() + "/finalize",
			map[string]any{"modifiers": p.Modifiers}}, p.Actor, nil

	case OpVoidItem:
		var p ItemActionPayload
		if err := decode(e.Payload, &p); err != nil {
			return httpCall{}, Actor{}, err
		}
		return httpCall{http.MethodPost, base + "/items/" + p.ItemID.String() + "/void",
			map[string]any{"reason": p.Reason, "manager_approved": p.ManagerApproved}}, p.Actor, nil

	case OpCancelOrder:
		var p CheckActionPayload
		if err := decode(e.Payload, &p); err != nil {
			return httpCall{}, Actor{}, err
		}
		return httpCall{http.MethodPost, base + "/cancel", map[string]any{"reason": p.Reason}}, p.Actor, nil

	case OpVoidCheck:
		var p CheckActionPayload
		if err := decode(e.Payload, &p); err != nil {
			return httpCall{}, Actor{}, err
		}
		return httpCall{http.MethodPost, base + "/void", map[string]any{"reason": p.Reason}}, p.Actor, nil

	case OpSend:
		var p CheckActionPayload
		if err := decode(e.Payload, &p); err != nil {
			return httpCall{}, Actor{}, err
		}
		return httpCall{http.MethodPost, base + "/send", nil}, p.Actor, nil

	case OpPayCash:
		var p PayCashPayload
		if err := decode(e.Payload, &p); err != nil {
			return httpCall{}, Actor{}, err
		}
		return httpCall{http.MethodPost, base + "/payments", map[string]any{
			"tender_id": "cash", "amount": p.Amount, "tip": p.Tip,
		}}, p.Actor, nil

	case OpCloseCheck:
		var p CheckActionPayload
		if err := decode(e.Payload, &p); err != nil {
			return httpCall{}, Actor{}, err
		}
		return httpCall{http.MethodPost, base + "/close", nil}, p.Actor, nil

	case OpAttachCustomer:
		var p CheckActionPayload
		if err := decode(e.Payload, &p); err != nil {
			return httpCall{}, Actor{}, err
		}
		return httpCall{http.MethodPut, base + "/customer", map[string]any{"customer_id": p.CustomerID}}, p.Actor, nil

	case OpDetachCustomer:
		var p CheckActionPayload
		if err := decode(e.Payload, &p); err != nil {
			return httpCall{}, Actor{}, err
		}
		return httpCall{http.MethodDelete, base + "/customer", nil}, p.Actor, nil
	}
	return httpCall{}, Actor{}, check.Invalid("op", "unknown queue operation "+e.Op)
}

type wireError struct {
	Error             string `json:"error"`
	Code              string `json:"code"`
	CurrentStatus     string `json:"current_status"`
	HolderWorkstation string `json:"holder_workstation"`
	HolderEmployee    string `json:"holder_employee"`
}

// decodeFailure turns an API error response back into the domain error
// the in-process facade would have returned.
func decodeFailure(resp *http.Response, checkID uuid.UUID) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var we wireError
	_ = json.Unmarshal(body, &we)

	switch resp.StatusCode {
	case http.StatusConflict:
		return &check.ConflictError{
			Code:              check.ConflictCode(we.Code),
			Message:           we.Error,
			CheckID:           checkID,
			CurrentStatus:     we.CurrentStatus,
			HolderWorkstation: we.HolderWorkstation,
			HolderEmployee:    we.HolderEmployee,
		}
	case http.StatusBadRequest:
		return check.Invalid("", we.Error)
	case http.StatusNotFound:
		return &check.NotFoundError{CheckID: checkID}
	}
	return fmt.Errorf("syncer: backend returned %d: %s", resp.StatusCode, we.Error)
}
