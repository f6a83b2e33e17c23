package httpapi

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tablewire/caps/internal/auth"
	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/engine"
	"github.com/tablewire/caps/internal/logging"
	"github.com/tablewire/caps/internal/money"
	"github.com/tablewire/caps/internal/payment"
	"github.com/tablewire/caps/internal/service"
)

type signInRequest struct {
	EmployeeID string `json:"employee_id"`
	PIN        string `json:"pin"`
	Offline    bool   `json:"offline,omitempty"`
}

type signInResponse struct {
	Token      string   `json:"token"`
	Privileges []string `json:"privileges"`
	ExpiresAt  int64    `json:"expires_at"`
}

func (s *Server) signIn(c echo.Context) error {
	var req signInRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, check.Invalid("body", "malformed request body"))
	}
	if req.EmployeeID == "" || req.PIN == "" {
		return s.fail(c, check.Invalid("employee_id", "employee_id and pin are required"))
	}
	token, claims, err := s.auth.SignIn(c.Request().Context(), req.EmployeeID, req.PIN, req.Offline)
	if errors.Is(err, auth.ErrBadPIN) || errors.Is(err, auth.ErrNoCachedCredential) {
		return c.JSON(http.StatusUnauthorized, errorBody{Error: err.Error()})
	}
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, signInResponse{
		Token:      token,
		Privileges: claims.Privileges,
		ExpiresAt:  claims.ExpiresAt.Unix(),
	})
}

type openCheckRequest struct {
	RVCID      string          `json:"rvc_id"`
	OrderType  check.OrderType `json:"order_type"`
	CustomerID string          `json:"customer_id,omitempty"`
}

func (s *Server) openCheck(c echo.Context) error {
	var req openCheckRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, check.Invalid("body", "malformed request body"))
	}
	out, err := s.svc.OpenCheck(c.Request().Context(), session(c), service.OpenCheckParams{
		RVCID:      req.RVCID,
		OrderType:  req.OrderType,
		CustomerID: req.CustomerID,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) getCheck(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	out, err := s.svc.GetCheck(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) listOpenChecks(c echo.Context) error {
	rvcID := c.QueryParam("rvc_id")
	if rvcID == "" {
		return s.fail(c, check.Invalid("rvc_id", "rvc_id query parameter is required"))
	}
	out, err := s.svc.ListOpenChecks(c.Request().Context(), rvcID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

type adoptCheckRequest struct {
	Number     string          `json:"number"`
	Overflow   bool            `json:"overflow,omitempty"`
	RVCID      string          `json:"rvc_id"`
	OrderType  check.OrderType `json:"order_type"`
	CustomerID string          `json:"customer_id,omitempty"`
}

// adoptCheck registers a check a terminal opened offline, keeping its id.
func (s *Server) adoptCheck(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	var req adoptCheckRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, check.Invalid("body", "malformed request body"))
	}
	out, err := s.svc.AdoptCheck(c.Request().Context(), session(c), service.AdoptCheckParams{
		ID:         id,
		Number:     req.Number,
		Overflow:   req.Overflow,
		RVCID:      req.RVCID,
		OrderType:  req.OrderType,
		CustomerID: req.CustomerID,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

type addItemRequest struct {
	ID         uuid.UUID        `json:"id,omitempty"`
	MenuItemID uuid.UUID        `json:"menu_item_id"`
	Name       string           `json:"name"`
	UnitPrice  money.Cents      `json:"unit_price"`
	Quantity   int64            `json:"quantity"`
	Modifiers  []check.Modifier `json:"modifiers,omitempty"`
	SeatNumber int              `json:"seat_number,omitempty"`
	Pending    bool             `json:"pending,omitempty"`
}

func (s *Server) addItem(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	var req addItemRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, check.Invalid("body", "malformed request body"))
	}
	out, err := s.svc.AddItem(c.Request().Context(), session(c), id, engine.ItemParams{
		ID:         req.ID,
		MenuItemID: req.MenuItemID,
		Name:       req.Name,
		UnitPrice:  req.UnitPrice,
		Quantity:   req.Quantity,
		Modifiers:  req.Modifiers,
		SeatNumber: req.SeatNumber,
		Pending:    req.Pending,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

type itemActionRequest struct {
	Modifiers       []check.Modifier `json:"modifiers,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	ManagerApproved bool             `json:"manager_approved,omitempty"`
	UnitPrice       money.Cents      `json:"unit_price,omitempty"`
}

func (s *Server) finalizeItem(c echo.Context) error {
	checkID, itemID, req, err := s.itemAction(c)
	if err != nil {
		return s.fail(c, err)
	}
	out, err := s.svc.FinalizeItem(c.Request().Context(), session(c), checkID, itemID, req.Modifiers)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) voidItem(c echo.Context) error {
	checkID, itemID, req, err := s.itemAction(c)
	if err != nil {
		return s.fail(c, err)
	}
	out, err := s.svc.VoidItem(c.Request().Context(), session(c), checkID, itemID, req.Reason, req.ManagerApproved)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) overridePrice(c echo.Context) error {
	checkID, itemID, req, err := s.itemAction(c)
	if err != nil {
		return s.fail(c, err)
	}
	out, err := s.svc.OverridePrice(c.Request().Context(), session(c), checkID, itemID, req.UnitPrice)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) editModifiers(c echo.Context) error {
	checkID, itemID, req, err := s.itemAction(c)
	if err != nil {
		return s.fail(c, err)
	}
	out, err := s.svc.EditModifiers(c.Request().Context(), session(c), checkID, itemID, req.Modifiers)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) itemAction(c echo.Context) (checkID, itemID uuid.UUID, req itemActionRequest, err error) {
	if checkID, err = pathID(c, "id"); err != nil {
		return
	}
	if itemID, err = pathID(c, "itemID"); err != nil {
		return
	}
	if berr := c.Bind(&req); berr != nil {
		err = check.Invalid("body", "malformed request body")
	}
	return
}

type sendResponse struct {
	Check *check.Check `json:"check"`
	Round check.Round  `json:"round"`
}

func (s *Server) send(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	out, round, err := s.svc.Send(c.Request().Context(), session(c), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, sendResponse{Check: out, Round: round})
}

type paymentRequest struct {
	TenderID string      `json:"tender_id"`
	Amount   money.Cents `json:"amount"`
	Tip      money.Cents `json:"tip,omitempty"`
}

func (s *Server) authorizePayment(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	var req paymentRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, check.Invalid("body", "malformed request body"))
	}
	ctx := c.Request().Context()
	var out *check.Check
	if req.TenderID == service.CashTenderID {
		out, err = s.svc.PayCash(ctx, session(c), id, req.Amount, req.Tip)
	} else {
		out, err = s.svc.AuthorizeCard(ctx, session(c), id, req.TenderID, req.Amount)
	}
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) capturePayment(c echo.Context) error {
	checkID, paymentID, req, err := s.paymentAction(c)
	if err != nil {
		return s.fail(c, err)
	}
	out, err := s.svc.CapturePayment(c.Request().Context(), session(c), checkID, paymentID, req.Tip)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) voidPayment(c echo.Context) error {
	checkID, paymentID, _, err := s.paymentAction(c)
	if err != nil {
		return s.fail(c, err)
	}
	out, err := s.svc.VoidPayment(c.Request().Context(), session(c), checkID, paymentID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) refundPayment(c echo.Context) error {
	checkID, paymentID, req, err := s.paymentAction(c)
	if err != nil {
		return s.fail(c, err)
	}
	out, err := s.svc.RefundPayment(c.Request().Context(), session(c), checkID, paymentID, req.Amount)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) paymentAction(c echo.Context) (checkID, paymentID uuid.UUID, req paymentRequest, err error) {
	if checkID, err = pathID(c, "id"); err != nil {
		return
	}
	if paymentID, err = pathID(c, "paymentID"); err != nil {
		return
	}
	if berr := c.Bind(&req); berr != nil {
		err = check.Invalid("body", "malformed request body")
	}
	return
}

func (s *Server) closeCheck(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	out, err := s.svc.CloseCheck(c.Request().Context(), session(c), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) voidCheck(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, check.Invalid("body", "malformed request body"))
	}
	out, err := s.svc.VoidCheck(c.Request().Context(), session(c), id, req.Reason)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

type cancelResponse struct {
	Check         *check.Check `json:"check"`
	RemainingSent int          `json:"remaining_sent"`
}

func (s *Server) cancelOrder(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, check.Invalid("body", "malformed request body"))
	}
	out, remaining, err := s.svc.CancelOrder(c.Request().Context(), session(c), id, req.Reason)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, cancelResponse{Check: out, RemainingSent: remaining})
}

type customerRequest struct {
	CustomerID string `json:"customer_id"`
}

func (s *Server) attachCustomer(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	var req customerRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, check.Invalid("body", "malformed request body"))
	}
	out, err := s.svc.AttachCustomer(c.Request().Context(), session(c), id, req.CustomerID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) detachCustomer(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	out, err := s.svc.DetachCustomer(c.Request().Context(), session(c), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) acquireLock(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	l, err := s.svc.AcquireLock(c.Request().Context(), session(c), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, l)
}

func (s *Server) refreshLock(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	l, err := s.svc.RefreshLock(c.Request().Context(), session(c), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, l)
}

func (s *Server) releaseLock(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.svc.ReleaseLock(c.Request().Context(), session(c), id); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) releaseWorkstation(c echo.Context) error {
	if err := s.svc.ReleaseWorkstation(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, check.Invalid(name, "malformed uuid")
	}
	return id, nil
}

// errorBody is the wire form of every failure.
type errorBody struct {
	Error             string `json:"error"`
	Code              string `json:"code,omitempty"`
	CurrentStatus     string `json:"current_status,omitempty"`
	HolderWorkstation string `json:"holder_workstation,omitempty"`
	HolderEmployee    string `json:"holder_employee,omitempty"`
}

// fail maps domain errors onto status codes: conflicts are 409 with the
// machine code and current state, validation 400, missing checks 404,
// gateway failures 502.
func (s *Server) fail(c echo.Context, err error) error {
	var cerr *check.ConflictError
	if errors.As(err, &cerr) {
		return c.JSON(http.StatusConflict, errorBody{
			Error:             cerr.Message,
			Code:              string(cerr.Code),
			CurrentStatus:     cerr.CurrentStatus,
			HolderWorkstation: cerr.HolderWorkstation,
			HolderEmployee:    cerr.HolderEmployee,
		})
	}
	var verr *check.ValidationError
	if errors.As(err, &verr) {
		return c.JSON(http.StatusBadRequest, errorBody{Error: verr.Error()})
	}
	var nf *check.NotFoundError
	if errors.As(err, &nf) {
		return c.JSON(http.StatusNotFound, errorBody{Error: nf.Error()})
	}
	var gerr *payment.GatewayError
	if errors.As(err, &gerr) {
		return c.JSON(http.StatusBadGateway, errorBody{Error: gerr.Message, Code: string(gerr.Kind)})
	}
	s.log.Error("http_internal", err, logging.Fields{"path": c.Path()})
	return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error"})
}
