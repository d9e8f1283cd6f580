package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-stock/internal/audit"
)

const reservationEntity = "StockReservation"

// ReserveInput requests a hold at one location.
type ReserveInput struct {
	ItemID        int64
	LocationID    int64
	Qty           decimal.Decimal
	ReferenceType string
	ReferenceID   int64
	ActorID       int64
}

// AllocationLine asks for qty of one item anywhere in the warehouse.
type AllocationLine struct {
	ItemID int64
	Qty    decimal.Decimal
}

// AllocationRequest reserves several items across the locations of a warehouse.
type AllocationRequest struct {
	WarehouseID   int64
	ReferenceType string
	ReferenceID   int64
	ActorID       int64
	Lines         []AllocationLine
}

// LineAllocation is the outcome for one requested line.
type LineAllocation struct {
	ItemID       int64           `json:"item_id"`
	Requested    decimal.Decimal `json:"requested"`
	Reserved     decimal.Decimal `json:"reserved"`
	Remaining    decimal.Decimal `json:"remaining"`
	Reservations []Reservation   `json:"reservations"`
}

// Partial reports whether the line could not be fully reserved.
func (l LineAllocation) Partial() bool {
	return l.Remaining.IsPositive()
}

// AllocationResult aggregates line outcomes. A partial result is not an error.
type AllocationResult struct {
	Lines []LineAllocation `json:"lines"`
}

// Partial reports whether any line is short.
func (r AllocationResult) Partial() bool {
	for _, l := range r.Lines {
		if l.Partial() {
			return true
		}
	}
	return false
}

// Shortfalls describes each short line.
func (r AllocationResult) Shortfalls() []string {
	var out []string
	for _, l := range r.Lines {
		if l.Partial() {
			out = append(out, fmt.Sprintf("item %d: could not reserve %s", l.ItemID, l.Remaining.String()))
		}
	}
	return out
}

// Reserve holds qty at one location. Only available quantity (on-hand minus reserved) can be held.
func (e *Engine) Reserve(ctx context.Context, in ReserveInput) (Reservation, error) {
	if in.ItemID <= 0 || in.LocationID <= 0 {
		return Reservation{}, validationError("item and location required")
	}
	if !in.Qty.IsPositive() {
		return Reservation{}, validationError("qty must be positive")
	}
	if in.ActorID <= 0 {
		return Reservation{}, validationError("actor required")
	}
	var created Reservation
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		key := BalanceKey{ItemID: in.ItemID, LocationID: in.LocationID}
		balances := NewBalanceUpdater(tx, e.now())
		if err := balances.Lock(ctx, key); err != nil {
			return err
		}
		bal, _ := balances.Balance(key)
		if available := bal.Available(); available.LessThan(in.Qty) {
			return &InsufficientAvailableError{
				ItemID:     in.ItemID,
				LocationID: in.LocationID,
				Available:  available,
				Requested:  in.Qty,
			}
		}
		if _, err := balances.Adjust(ctx, BalanceChange{Key: key, ReservedDelta: in.Qty}); err != nil {
			return err
		}
		res, err := tx.InsertReservation(ctx, Reservation{
			ItemID:        in.ItemID,
			LocationID:    in.LocationID,
			Qty:           in.Qty,
			ReferenceType: in.ReferenceType,
			ReferenceID:   in.ReferenceID,
			CreatedBy:     in.ActorID,
			CreatedAt:     e.now(),
		})
		if err != nil {
			return err
		}
		created = res
		return nil
	})
	e.metrics.ObserveReservation("reserve", outcome(err))
	if err != nil {
		return Reservation{}, err
	}

	e.record(ctx, audit.Event{
		ActorID:    in.ActorID,
		Action:     audit.ActionReserve,
		EntityType: reservationEntity,
		EntityID:   formatID(created.ID),
		EntityRepr: fmt.Sprintf("%s #%d", created.ReferenceType, created.ReferenceID),
		Changes: map[string]any{
			"item_id":     created.ItemID,
			"location_id": created.LocationID,
			"qty":         created.Qty.String(),
		},
	})
	return created, nil
}

// Allocate reserves each line greedily across the warehouse, largest on-hand first.
// Locations that lose a race are skipped; whatever could not be reserved is reported as Remaining.
// When a line fails outright, the holds already taken are released before the error is returned.
func (e *Engine) Allocate(ctx context.Context, req AllocationRequest) (AllocationResult, error) {
	if req.WarehouseID <= 0 {
		return AllocationResult{}, validationError("warehouse required")
	}
	if req.ActorID <= 0 {
		return AllocationResult{}, validationError("actor required")
	}
	for i, line := range req.Lines {
		if line.ItemID <= 0 || !line.Qty.IsPositive() {
			return AllocationResult{}, validationError("allocation line %d needs item and positive qty", i+1)
		}
	}
	result := AllocationResult{Lines: make([]LineAllocation, 0, len(req.Lines))}
	for _, line := range req.Lines {
		alloc, err := e.allocateLine(ctx, req, line)
		result.Lines = append(result.Lines, alloc)
		if err != nil {
			return e.undoAllocation(ctx, req, result, err)
		}
	}
	return result, nil
}

// undoAllocation releases every hold of a failed allocation. Holds that could not be released
// are returned so the caller knows they still exist.
func (e *Engine) undoAllocation(ctx context.Context, req AllocationRequest, result AllocationResult, cause error) (AllocationResult, error) {
	ctx = context.WithoutCancel(ctx)
	errs := []error{cause}
	var left AllocationResult
	for _, line := range result.Lines {
		kept := LineAllocation{ItemID: line.ItemID, Requested: line.Requested, Remaining: line.Requested}
		for _, res := range line.Reservations {
			if _, err := e.ReleaseReservation(ctx, res.ID, req.ActorID); err != nil {
				errs = append(errs, fmt.Errorf("release reservation %d: %w", res.ID, err))
				kept.Reservations = append(kept.Reservations, res)
				kept.Reserved = kept.Reserved.Add(res.Qty)
				kept.Remaining = kept.Remaining.Sub(res.Qty)
			}
		}
		if len(kept.Reservations) > 0 {
			left.Lines = append(left.Lines, kept)
		}
	}
	if len(left.Lines) > 0 {
		e.logger.Error("allocation rollback left holds open",
			slog.String("reference_type", req.ReferenceType),
			slog.Int64("reference_id", req.ReferenceID),
			slog.Int("lines", len(left.Lines)),
		)
	}
	return left, errors.Join(errs...)
}

func (e *Engine) allocateLine(ctx context.Context, req AllocationRequest, line AllocationLine) (LineAllocation, error) {
	alloc := LineAllocation{ItemID: line.ItemID, Requested: line.Qty, Remaining: line.Qty}
	if e.locker != nil {
		release, err := e.locker.Obtain(ctx, fmt.Sprintf("stock:allocate:%d:%d", req.WarehouseID, line.ItemID))
		if err != nil {
			return alloc, err
		}
		defer func() {
			if err := release(ctx); err != nil {
				e.logger.Warn("release allocation lock", slog.Int64("item_id", line.ItemID), slog.Any("error", err))
			}
		}()
	}

	candidates, err := e.repo.ListAllocationCandidates(ctx, line.ItemID, req.WarehouseID)
	if err != nil {
		return alloc, err
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].OnHand.GreaterThan(candidates[j].OnHand)
	})
	for _, c := range candidates {
		if !alloc.Remaining.IsPositive() {
			break
		}
		available := c.Available()
		if !available.IsPositive() {
			continue
		}
		take := decimal.Min(alloc.Remaining, available)
		res, err := e.Reserve(ctx, ReserveInput{
			ItemID:        line.ItemID,
			LocationID:    c.LocationID,
			Qty:           take,
			ReferenceType: req.ReferenceType,
			ReferenceID:   req.ReferenceID,
			ActorID:       req.ActorID,
		})
		if errors.Is(err, ErrInsufficientAvailable) {
			e.logger.Debug("allocation candidate exhausted",
				slog.Int64("item_id", line.ItemID),
				slog.Int64("location_id", c.LocationID),
			)
			continue
		}
		if err != nil {
			return alloc, err
		}
		alloc.Reservations = append(alloc.Reservations, res)
		alloc.Reserved = alloc.Reserved.Add(take)
		alloc.Remaining = alloc.Remaining.Sub(take)
	}
	return alloc, nil
}

// FulfillReservation marks a hold as consumed by its downstream document and releases the reserved quantity.
func (e *Engine) FulfillReservation(ctx context.Context, id, actorID int64) (Reservation, error) {
	return e.closeReservation(ctx, id, actorID, true)
}

// ReleaseReservation drops an open hold.
func (e *Engine) ReleaseReservation(ctx context.Context, id, actorID int64) (Reservation, error) {
	return e.closeReservation(ctx, id, actorID, false)
}

func (e *Engine) closeReservation(ctx context.Context, id, actorID int64, fulfil bool) (Reservation, error) {
	if id <= 0 || actorID <= 0 {
		return Reservation{}, validationError("reservation and actor required")
	}
	operation := "release"
	if fulfil {
		operation = "fulfill"
	}
	var closed Reservation
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := tx.GetReservationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		balances := NewBalanceUpdater(tx, e.now())
		closed, err = e.settle(ctx, tx, balances, res, fulfil)
		return err
	})
	e.metrics.ObserveReservation(operation, outcome(err))
	if err != nil {
		return Reservation{}, err
	}
	e.record(ctx, audit.Event{
		ActorID:    actorID,
		Action:     audit.ActionUpdate,
		EntityType: reservationEntity,
		EntityID:   formatID(closed.ID),
		EntityRepr: fmt.Sprintf("%s #%d", closed.ReferenceType, closed.ReferenceID),
		Changes:    map[string]any{"operation": operation, "qty": closed.Qty.String()},
	})
	return closed, nil
}

func (e *Engine) settle(ctx context.Context, tx TxRepository, balances *BalanceUpdater, res Reservation, fulfil bool) (Reservation, error) {
	if !res.Open() {
		return Reservation{}, fmt.Errorf("%w: reservation %d is already closed", ErrInvalidState, res.ID)
	}
	key := BalanceKey{ItemID: res.ItemID, LocationID: res.LocationID}
	if _, err := balances.Adjust(ctx, BalanceChange{Key: key, ReservedDelta: res.Qty.Neg()}); err != nil {
		return Reservation{}, err
	}
	if fulfil {
		res.IsFulfilled = true
	} else {
		now := e.now()
		res.ReleasedAt = &now
	}
	if err := tx.UpdateReservation(ctx, res); err != nil {
		return Reservation{}, err
	}
	return res, nil
}

// ReleaseExpired releases open holds created before now-ttl, at most limit per call.
func (e *Engine) ReleaseExpired(ctx context.Context, ttl time.Duration, limit int) (int, error) {
	if ttl <= 0 {
		return 0, validationError("ttl must be positive")
	}
	if limit <= 0 {
		limit = 500
	}
	cutoff := e.now().Add(-ttl)
	released := 0
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		expired, err := tx.ListOpenReservationsForUpdate(ctx, cutoff, limit)
		if err != nil {
			return err
		}
		keys := make([]BalanceKey, 0, len(expired))
		for _, res := range expired {
			keys = append(keys, BalanceKey{ItemID: res.ItemID, LocationID: res.LocationID})
		}
		balances := NewBalanceUpdater(tx, e.now())
		if err := balances.Lock(ctx, keys...); err != nil {
			return err
		}
		for _, res := range expired {
			if _, err := e.settle(ctx, tx, balances, res, false); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	e.metrics.ObserveReservation("expire", outcome(err))
	if err != nil {
		return 0, err
	}
	if released > 0 {
		e.logger.Info("released expired reservations", slog.Int("count", released), slog.Time("cutoff", cutoff))
	}
	return released, nil
}
