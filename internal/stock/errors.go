package stock

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidState indicates the document is not in a status the operation accepts.
	ErrInvalidState = errors.New("stock: invalid state transition")
	// ErrInsufficientStock indicates a posting would push on-hand below zero where negatives are disallowed.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	// ErrInsufficientAvailable indicates a reservation or POS sale exceeds available quantity.
	ErrInsufficientAvailable = errors.New("stock: insufficient available quantity")
	// ErrLocationWarehouseMismatch indicates a transfer line location outside its declared warehouse.
	ErrLocationWarehouseMismatch = errors.New("stock: location does not belong to warehouse")
	// ErrAlreadyCancelled indicates the document was already cancelled or voided.
	ErrAlreadyCancelled = errors.New("stock: document already cancelled")
	// ErrNotFound indicates a missing document, location or reservation.
	ErrNotFound = errors.New("stock: not found")
	// ErrShiftNotOpen indicates the POS shift is not open.
	ErrShiftNotOpen = errors.New("stock: shift is not open")
	// ErrPaymentShortfall indicates a POS sale paid less than its grand total.
	ErrPaymentShortfall = errors.New("stock: payment does not cover total")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("stock: validation failed")
	// ErrLockNotObtained indicates a coordination lock could not be acquired.
	ErrLockNotObtained = errors.New("stock: lock not obtained")
)

// InvalidStateError carries the expected and actual document statuses.
type InvalidStateError struct {
	Expected []DocumentStatus
	Actual   DocumentStatus
}

func (e *InvalidStateError) Error() string {
	expected := make([]string, 0, len(e.Expected))
	for _, s := range e.Expected {
		expected = append(expected, string(s))
	}
	return fmt.Sprintf("stock: invalid state transition: expected %s, got %s", strings.Join(expected, "|"), e.Actual)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// InsufficientStockError reports the shortfall at one balance.
type InsufficientStockError struct {
	ItemID     int64
	LocationID int64
	Available  decimal.Decimal
	Requested  decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("stock: insufficient stock for item %d at location %d. Available: %s, Requested: %s",
		e.ItemID, e.LocationID, e.Available.String(), e.Requested.String())
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// InsufficientAvailableError reports a reservation shortfall.
type InsufficientAvailableError struct {
	ItemID     int64
	LocationID int64
	Available  decimal.Decimal
	Requested  decimal.Decimal
}

func (e *InsufficientAvailableError) Error() string {
	return fmt.Sprintf("stock: insufficient available quantity for item %d at location %d. Available: %s, Requested: %s",
		e.ItemID, e.LocationID, e.Available.String(), e.Requested.String())
}

func (e *InsufficientAvailableError) Is(target error) bool { return target == ErrInsufficientAvailable }

// LocationMismatchError names the offending location.
type LocationMismatchError struct {
	LocationID  int64
	WarehouseID int64
	Actual      int64
}

func (e *LocationMismatchError) Error() string {
	return fmt.Sprintf("stock: location %d belongs to warehouse %d, not %d", e.LocationID, e.Actual, e.WarehouseID)
}

func (e *LocationMismatchError) Is(target error) bool { return target == ErrLocationWarehouseMismatch }

// PaymentShortfallError reports how much of a POS sale is unpaid.
type PaymentShortfallError struct {
	GrandTotal decimal.Decimal
	Paid       decimal.Decimal
}

func (e *PaymentShortfallError) Error() string {
	return fmt.Sprintf("stock: payment %s does not cover total %s", e.Paid.String(), e.GrandTotal.String())
}

func (e *PaymentShortfallError) Is(target error) bool { return target == ErrPaymentShortfall }

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
