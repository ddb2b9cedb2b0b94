package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory/combo"
	"github.com/odyssey-erp/stockledger/internal/masterdata/units"
	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
)

// ActorHeader carries the acting user id.
const ActorHeader = "X-Actor-ID"

// Handler wires JSON endpoints for the stock ledger.
type Handler struct {
	logger       *slog.Logger
	ledger       *Ledger
	reservations *Reservations
	validator    *Validator
	preparer     *Preparer
	reports      *Reports
	auditor      *Auditor
	validate     *validator.Validate
	now          func() time.Time
}

// HandlerDeps groups the services behind the HTTP surface.
type HandlerDeps struct {
	Ledger       *Ledger
	Reservations *Reservations
	Validator    *Validator
	Preparer     *Preparer
	Reports      *Reports
	Auditor      *Auditor
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, deps HandlerDeps) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:       logger,
		ledger:       deps.Ledger,
		reservations: deps.Reservations,
		validator:    deps.Validator,
		preparer:     deps.Preparer,
		reports:      deps.Reports,
		auditor:      deps.Auditor,
		validate:     validator.New(),
		now:          time.Now,
	}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/validate", h.handleValidate)
	r.Post("/consume", h.handleConsume)
	r.Post("/receipts", h.handleReceive)
	r.Post("/returns", h.handleReturn)
	r.Post("/transfers", h.handleTransfer)
	r.Post("/adjustments", h.handleAdjust)
	r.Route("/reservations", func(r chi.Router) {
		r.Post("/", h.handleReserve)
		r.Post("/consume", h.handleConsumeReservations)
		r.Get("/{id}", h.handleGetReservation)
		r.Post("/{id}/release", h.handleRelease)
		r.Post("/{id}/extend", h.handleExtend)
	})
	r.Get("/movements", h.handleMovements)
	r.Get("/lots/{id}/reconcile", h.handleReconcile)
	r.Get("/reports/low-stock", h.handleLowStock)
	r.Get("/reports/expiring", h.handleExpiring)
}

type lineRequest struct {
	ProductID int64             `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal   `json:"quantity"`
	Unit      string            `json:"unit" validate:"max=16"`
	Selected  []combo.Selection `json:"selected"`
	Meta      map[string]string `json:"meta"`
}

type validateRequest struct {
	WarehouseID int64         `json:"warehouse_id" validate:"required,gt=0"`
	Lines       []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type consumeRequest struct {
	WarehouseID   int64         `json:"warehouse_id" validate:"required,gt=0"`
	ReferenceID   string        `json:"reference_id" validate:"required,max=128"`
	Lines         []lineRequest `json:"lines" validate:"required,min=1,dive"`
	AllowNegative bool          `json:"allow_negative"`
}

type receiveRequest struct {
	WarehouseID int64         `json:"warehouse_id" validate:"required,gt=0"`
	ReferenceID string        `json:"reference_id" validate:"required,max=128"`
	LotCode     string        `json:"lot_code" validate:"max=64"`
	ExpiryDate  string        `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
	Lines       []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type returnRequest struct {
	WarehouseID int64         `json:"warehouse_id" validate:"required,gt=0"`
	ReferenceID string        `json:"reference_id" validate:"required,max=128"`
	Lines       []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type transferRequest struct {
	FromWarehouseID int64         `json:"from_warehouse_id" validate:"required,gt=0"`
	ToWarehouseID   int64         `json:"to_warehouse_id" validate:"required,gt=0,nefield=FromWarehouseID"`
	ReferenceID     string        `json:"reference_id" validate:"required,max=128"`
	Lines           []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type adjustRequest struct {
	LotID       int64           `json:"lot_id" validate:"required,gt=0"`
	Delta       decimal.Decimal `json:"delta"`
	ReferenceID string          `json:"reference_id" validate:"required,max=128"`
	Note        string          `json:"note" validate:"max=255"`
}

type reserveRequest struct {
	LotID       int64           `json:"lot_id" validate:"required,gt=0"`
	Quantity    decimal.Decimal `json:"quantity"`
	ExpiresAt   *time.Time      `json:"expires_at"`
	OwnerRef    string          `json:"owner_ref" validate:"max=128"`
	ReferenceID string          `json:"reference_id" validate:"required,max=128"`
}

type extendRequest struct {
	ExpiresAt time.Time `json:"expires_at" validate:"required"`
}

type consumeReservationsRequest struct {
	ReservationIDs []int64 `json:"reservation_ids" validate:"required,min=1,dive,gt=0"`
	ReferenceID    string  `json:"reference_id" validate:"required,max=128"`
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	op, ok := h.decode(w, r, &req)
	if !ok {
		return
	}
	result, err := h.validator.Validate(r.Context(), op, comboLines(req.Lines), req.WarehouseID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	op, ok := h.decode(w, r, &req)
	if !ok {
		return
	}
	lines, err := h.preparer.Prepare(r.Context(), comboLines(req.Lines))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.ledger.Consume(r.Context(), op, ConsumeInput{
		WarehouseID:   req.WarehouseID,
		ReferenceID:   req.ReferenceID,
		Lines:         lines,
		AllowNegative: req.AllowNegative,
	})
	h.respondResult(w, r, res, err)
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	op, ok := h.decode(w, r, &req)
	if !ok {
		return
	}
	var expiry *time.Time
	if req.ExpiryDate != "" {
		parsed, err := time.Parse("2006-01-02", req.ExpiryDate)
		if err != nil {
			h.respondError(w, r, fmt.Errorf("%w: expiry_date", httpx.ErrValidation))
			return
		}
		expiry = &parsed
	}
	lines, err := h.preparer.Prepare(r.Context(), comboLines(req.Lines))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.ledger.Receive(r.Context(), op, ReceiveInput{
		WarehouseID: req.WarehouseID,
		ReferenceID: req.ReferenceID,
		LotCode:     req.LotCode,
		ExpiryDate:  expiry,
		Lines:       lines,
	})
	h.respondResult(w, r, res, err)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req returnRequest
	op, ok := h.decode(w, r, &req)
	if !ok {
		return
	}
	lines, err := h.preparer.Prepare(r.Context(), comboLines(req.Lines))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.ledger.Return(r.Context(), op, ReturnInput{WarehouseID: req.WarehouseID, ReferenceID: req.ReferenceID, Lines: lines})
	h.respondResult(w, r, res, err)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	op, ok := h.decode(w, r, &req)
	if !ok {
		return
	}
	lines, err := h.preparer.Prepare(r.Context(), comboLines(req.Lines))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.ledger.Transfer(r.Context(), op, TransferInput{
		FromWarehouseID: req.FromWarehouseID,
		ToWarehouseID:   req.ToWarehouseID,
		ReferenceID:     req.ReferenceID,
		Lines:           lines,
	})
	h.respondResult(w, r, res, err)
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	op, ok := h.decode(w, r, &req)
	if !ok {
		return
	}
	res, err := h.ledger.Adjust(r.Context(), op, AdjustInput{LotID: req.LotID, Delta: req.Delta, ReferenceID: req.ReferenceID, Note: req.Note})
	h.respondResult(w, r, res, err)
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	op, ok := h.decode(w, r, &req)
	if !ok {
		return
	}
	in := ReserveInput{LotID: req.LotID, Quantity: req.Quantity, OwnerRef: req.OwnerRef, ReferenceID: req.ReferenceID}
	if req.ExpiresAt != nil {
		in.ExpiresAt = *req.ExpiresAt
	}
	res, err := h.reservations.Reserve(r.Context(), op, in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) handleConsumeReservations(w http.ResponseWriter, r *http.Request) {
	var req consumeReservationsRequest
	op, ok := h.decode(w, r, &req)
	if !ok {
		return
	}
	res, err := h.reservations.Consume(r.Context(), op, ConsumeReservationsInput{ReservationIDs: req.ReservationIDs, ReferenceID: req.ReferenceID})
	h.respondResult(w, r, res, err)
}

func (h *Handler) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	res, err := h.reservations.Get(r.Context(), h.opContext(0), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	actor, err := actorID(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.reservations.Release(r.Context(), h.opContext(actor), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleExtend(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req extendRequest
	op, ok := h.decode(w, r, &req)
	if !ok {
		return
	}
	res, err := h.reservations.Extend(r.Context(), op, id, req.ExpiresAt)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := MovementFilter{ReferenceID: q.Get("reference_id"), Kind: MovementKind(strings.ToUpper(q.Get("kind")))}
	var errs []string
	parseInt := func(name string, dest *int64) {
		if raw := q.Get(name); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				errs = append(errs, name)
				return
			}
			*dest = v
		}
	}
	parseTime := func(name string, dest *time.Time, endOfDay bool) {
		raw := q.Get(name)
		if raw == "" {
			return
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			*dest = t
			return
		}
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			errs = append(errs, name)
			return
		}
		if endOfDay {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		*dest = t
	}
	parseInt("lot_id", &filter.LotID)
	parseInt("product_id", &filter.ProductID)
	parseInt("warehouse_id", &filter.WarehouseID)
	parseTime("from", &filter.From, false)
	parseTime("to", &filter.To, true)
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 || v > 1000 {
			errs = append(errs, "limit")
		}
		filter.Limit = v
	}
	if len(errs) > 0 {
		httpx.ProblemWith(w, http.StatusBadRequest, "Validation Failed", "invalid query parameters", errs)
		return
	}
	movements, err := h.auditor.History(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	httpx.JSON(w, http.StatusOK, movements)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.auditor.Reconcile(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, struct {
		Reconciliation
		Consistent bool `json:"consistent"`
	}{rec, rec.Consistent()})
}

func (h *Handler) handleLowStock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	threshold := decimal.Zero
	if raw := q.Get("threshold"); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			h.respondError(w, r, fmt.Errorf("%w: threshold", httpx.ErrValidation))
			return
		}
		threshold = v
	}
	var warehouseID int64
	if raw := q.Get("warehouse_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.respondError(w, r, fmt.Errorf("%w: warehouse_id", httpx.ErrValidation))
			return
		}
		warehouseID = v
	}
	levels, err := h.reports.ListLowStock(r.Context(), threshold, warehouseID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, levels)
}

func (h *Handler) handleExpiring(w http.ResponseWriter, r *http.Request) {
	days := 30
	if raw := r.URL.Query().Get("within_days"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			h.respondError(w, r, fmt.Errorf("%w: within_days", httpx.ErrValidation))
			return
		}
		days = v
	}
	lots, err := h.reports.ListExpiringSoon(r.Context(), h.opContext(0), days)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lots)
}

// decode reads the body, validates it and resolves the operation context.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) (OperationContext, bool) {
	actor, err := actorID(r)
	if err != nil {
		h.respondError(w, r, err)
		return OperationContext{}, false
	}
	if err := httpx.DecodeJSON(r, dest); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return OperationContext{}, false
	}
	if err := h.validate.Struct(dest); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
			}
			httpx.ProblemWith(w, http.StatusBadRequest, "Validation Failed", "request failed validation", fields)
			return OperationContext{}, false
		}
		h.respondError(w, r, err)
		return OperationContext{}, false
	}
	return h.opContext(actor), true
}

func (h *Handler) opContext(actor int64) OperationContext {
	return OperationContext{ActorID: actor, Now: h.now()}
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return 0, false
	}
	return id, true
}

// actorID reads the acting user. A missing header means the system actor (0).
func actorID(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get(ActorHeader))
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("%w: invalid %s header", httpx.ErrValidation, ActorHeader)
	}
	return id, nil
}

func (h *Handler) respondResult(w http.ResponseWriter, r *http.Request, res Result, err error) {
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	httpx.JSON(w, status, res)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		httpx.ProblemWith(w, http.StatusConflict, "Insufficient Stock", err.Error(), insufficient.Shortfalls)
	case IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		httpx.Problem(w, http.StatusServiceUnavailable, "Busy", err.Error())
	case errors.Is(err, ErrReservationNotActive):
		httpx.Problem(w, http.StatusConflict, "Reservation Not Active", err.Error())
	case errors.Is(err, ErrReferenceConflict):
		httpx.Problem(w, http.StatusConflict, "Reference Conflict", err.Error())
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrLotNotFound), errors.Is(err, ErrReservationNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrProductInactive),
		errors.Is(err, ErrInvalidExpiry), errors.Is(err, ErrExtensionTooFar),
		errors.Is(err, ErrReferenceRequired), errors.Is(err, ErrWarehouseRequired),
		errors.Is(err, units.ErrConversion), errors.Is(err, units.ErrUnitNotConfigured),
		errors.Is(err, combo.ErrInvalidQuantity), errors.Is(err, combo.ErrUnknownComponent),
		errors.Is(err, combo.ErrEmptyCombo), errors.Is(err, combo.ErrMixedUnits):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httpx.Problem(w, http.StatusServiceUnavailable, "Request Cancelled", "")
	case errors.Is(err, httpx.ErrValidation):
		httpx.RespondError(w, err)
	default:
		h.logger.Error("inventory request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func comboLines(in []lineRequest) []combo.Line {
	out := make([]combo.Line, 0, len(in))
	for _, l := range in {
		out = append(out, combo.Line{ProductID: l.ProductID, Quantity: l.Quantity, Unit: l.Unit, Selected: l.Selected, Meta: l.Meta})
	}
	return out
}
