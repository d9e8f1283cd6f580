package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-stock/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// IdempotencyKeyHeader lets clients safely retry mutating requests.
const IdempotencyKeyHeader = "Idempotency-Key"

const idempotencyModule = "stock"

// IdempotencyPort guards against duplicate requests.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Handler wires HTTP endpoints for the stock engine.
type Handler struct {
	logger      *slog.Logger
	engine      *Engine
	idempotency IdempotencyPort
	validator   *validator.Validate
}

// NewHandler constructs the stock handler. idem may be nil.
func NewHandler(logger *slog.Logger, engine *Engine, idem IdempotencyPort) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, engine: engine, idempotency: idem, validator: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/documents/{id}", h.handleGetDocument)
	r.Post("/documents/{id}/post", h.handlePost)
	r.Post("/documents/{id}/cancel", h.handleCancel)
	r.Post("/documents/{id}/void", h.handleVoid)

	r.Get("/moves", h.handleListMoves)
	r.Get("/balances", h.handleListBalances)
	r.Get("/balances/{itemID}/{locationID}", h.handleGetBalance)
	r.Get("/ledger/drift", h.handleDrift)

	r.Post("/reservations", h.handleReserve)
	r.Post("/reservations/allocate", h.handleAllocate)
	r.Post("/reservations/{id}/fulfill", h.handleFulfill)
	r.Post("/reservations/{id}/release", h.handleRelease)
}

type reserveRequest struct {
	ItemID        int64           `json:"item_id" validate:"required,gt=0"`
	LocationID    int64           `json:"location_id" validate:"required,gt=0"`
	Qty           decimal.Decimal `json:"qty"`
	ReferenceType string          `json:"reference_type" validate:"required,max=64"`
	ReferenceID   int64           `json:"reference_id" validate:"required,gt=0"`
}

type allocateLineRequest struct {
	ItemID int64           `json:"item_id" validate:"required,gt=0"`
	Qty    decimal.Decimal `json:"qty"`
}

type allocateRequest struct {
	WarehouseID   int64                 `json:"warehouse_id" validate:"required,gt=0"`
	ReferenceType string                `json:"reference_type" validate:"required,max=64"`
	ReferenceID   int64                 `json:"reference_id" validate:"required,gt=0"`
	Lines         []allocateLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type allocateResponse struct {
	AllocationResult
	Partial    bool     `json:"partial"`
	Shortfalls []string `json:"shortfalls,omitempty"`
}

func (h *Handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	doc, err := h.engine.GetDocument(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	h.documentAction(w, r, "post", h.engine.Post)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.documentAction(w, r, "cancel", h.engine.Cancel)
}

func (h *Handler) handleVoid(w http.ResponseWriter, r *http.Request) {
	h.documentAction(w, r, "void", h.engine.Void)
}

func (h *Handler) documentAction(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, int64, int64) (Document, error)) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var doc Document
	err := h.guard(r, action, func(ctx context.Context) error {
		var err error
		doc, err = fn(ctx, id, actor.ID)
		return err
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) handleListMoves(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := MoveFilter{ReferenceType: DocumentType(strings.TrimSpace(q.Get("reference_type")))}
	var err error
	if filter.ReferenceID, err = queryInt(q.Get("reference_id")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid reference_id")
		return
	}
	if filter.ItemID, err = queryInt(q.Get("item_id")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid item_id")
		return
	}
	if filter.LocationID, err = queryInt(q.Get("location_id")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid location_id")
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid limit")
		return
	}
	filter.Limit = int(limit)
	moves, err := h.engine.ListMoves(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"moves": moves})
}

func (h *Handler) handleListBalances(w http.ResponseWriter, r *http.Request) {
	itemID, err := queryInt(r.URL.Query().Get("item_id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid item_id")
		return
	}
	warehouseID, err := queryInt(r.URL.Query().Get("warehouse_id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid warehouse_id")
		return
	}
	if itemID == 0 && warehouseID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "item_id or warehouse_id required")
		return
	}
	balances, err := h.engine.ListBalances(r.Context(), BalanceFilter{ItemID: itemID, WarehouseID: warehouseID})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"balances": balances})
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	itemID, ok := h.pathID(w, r, "itemID")
	if !ok {
		return
	}
	locationID, ok := h.pathID(w, r, "locationID")
	if !ok {
		return
	}
	bal, err := h.engine.GetBalance(r.Context(), BalanceKey{ItemID: itemID, LocationID: locationID})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"item_id":       bal.ItemID,
		"location_id":   bal.LocationID,
		"qty_on_hand":   bal.OnHand,
		"qty_reserved":  bal.Reserved,
		"qty_available": bal.Available(),
	})
}

func (h *Handler) handleDrift(w http.ResponseWriter, r *http.Request) {
	drift, err := h.engine.Reconcile(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"drift": drift, "count": len(drift)})
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req reserveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.Qty.IsPositive() {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "qty must be positive")
		return
	}
	var res Reservation
	err := h.guard(r, "reserve", func(ctx context.Context) error {
		var err error
		res, err = h.engine.Reserve(ctx, ReserveInput{
			ItemID:        req.ItemID,
			LocationID:    req.LocationID,
			Qty:           req.Qty,
			ReferenceType: req.ReferenceType,
			ReferenceID:   req.ReferenceID,
			ActorID:       actor.ID,
		})
		return err
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req allocateRequest
	if !h.decode(w, r, &req) {
		return
	}
	lines := make([]AllocationLine, 0, len(req.Lines))
	for i, line := range req.Lines {
		if !line.Qty.IsPositive() {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("lines[%d].qty must be positive", i))
			return
		}
		lines = append(lines, AllocationLine{ItemID: line.ItemID, Qty: line.Qty})
	}
	var result AllocationResult
	err := h.guard(r, "allocate", func(ctx context.Context) error {
		var err error
		result, err = h.engine.Allocate(ctx, AllocationRequest{
			WarehouseID:   req.WarehouseID,
			ReferenceType: req.ReferenceType,
			ReferenceID:   req.ReferenceID,
			ActorID:       actor.ID,
			Lines:         lines,
		})
		return err
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, allocateResponse{
		AllocationResult: result,
		Partial:          result.Partial(),
		Shortfalls:       result.Shortfalls(),
	})
}

func (h *Handler) handleFulfill(w http.ResponseWriter, r *http.Request) {
	h.reservationAction(w, r, h.engine.FulfillReservation)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	h.reservationAction(w, r, h.engine.ReleaseReservation)
}

func (h *Handler) reservationAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64, int64) (Reservation, error)) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := fn(r.Context(), id, actor.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

// guard runs fn once per Idempotency-Key. The key is freed again when fn fails so the client can retry.
func (h *Handler) guard(r *http.Request, action string, fn func(context.Context) error) error {
	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key == "" || h.idempotency == nil {
		return fn(r.Context())
	}
	scoped := action + ":" + key
	if err := h.idempotency.CheckAndInsert(r.Context(), scoped, idempotencyModule); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			return fmt.Errorf("%w: request %s already processed", httpx.ErrConflict, key)
		}
		return err
	}
	if err := fn(r.Context()); err != nil {
		if delErr := h.idempotency.Delete(r.Context(), scoped); delErr != nil {
			h.logger.Warn("release idempotency key", slog.String("key", scoped), slog.Any("error", delErr))
		}
		return err
	}
	return nil
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (shared.Actor, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: %s header required", httpx.ErrUnauthorized, shared.ActorHeader))
		return shared.Actor{}, false
	}
	return actor, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+name)
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fieldErrs[0].Namespace()+" failed "+fieldErrs[0].Tag())
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrAlreadyCancelled), errors.Is(err, ErrLockNotObtained):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrInsufficientAvailable),
		errors.Is(err, ErrLocationWarehouseMismatch), errors.Is(err, ErrShiftNotOpen), errors.Is(err, ErrPaymentShortfall):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		if !errors.Is(err, httpx.ErrConflict) {
			h.logger.Error("stock request failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Any("error", err),
			)
		}
		httpx.RespondError(w, err)
	}
}

func queryInt(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return v, nil
}
