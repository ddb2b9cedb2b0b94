package inventory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientStock matches every *InsufficientStockError.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInvalidQuantity indicates a zero or negative quantity.
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")
	// ErrLockTimeout indicates the lot locks could not be acquired in time. Retryable.
	ErrLockTimeout = errors.New("inventory: lock timeout")
	// ErrSerialization indicates a concurrent transaction conflict. Retryable.
	ErrSerialization = errors.New("inventory: concurrent update conflict")
	// ErrProductNotFound indicates an unknown product.
	ErrProductNotFound = errors.New("inventory: product not found")
	// ErrProductInactive indicates a disabled product.
	ErrProductInactive = errors.New("inventory: product inactive")
	// ErrLotNotFound indicates an unknown lot.
	ErrLotNotFound = errors.New("inventory: lot not found")
	// ErrReservationNotFound indicates an unknown reservation.
	ErrReservationNotFound = errors.New("inventory: reservation not found")
	// ErrReservationNotActive indicates the reservation already reached a terminal state.
	ErrReservationNotActive = errors.New("inventory: reservation not active")
	// ErrExtensionTooFar indicates an expiry beyond the configured horizon.
	ErrExtensionTooFar = errors.New("inventory: expiry beyond maximum horizon")
	// ErrInvalidExpiry indicates an expiry that is not in the future.
	ErrInvalidExpiry = errors.New("inventory: expiry must be in the future")
	// ErrReferenceRequired indicates a missing idempotency reference.
	ErrReferenceRequired = errors.New("inventory: reference id required")
	// ErrReferenceConflict indicates a reference already used by the same
	// operation for different products or lots.
	ErrReferenceConflict = errors.New("inventory: reference already used for different lines")
	// ErrWarehouseRequired indicates a missing warehouse.
	ErrWarehouseRequired = errors.New("inventory: warehouse required")
)

// Shortfall describes the missing quantity of one product.
type Shortfall struct {
	ProductID   int64           `json:"product_id"`
	WarehouseID int64           `json:"warehouse_id"`
	Requested   decimal.Decimal `json:"requested"`
	Available   decimal.Decimal `json:"available"`
}

// Missing returns requested minus available.
func (s Shortfall) Missing() decimal.Decimal {
	return s.Requested.Sub(s.Available)
}

// InsufficientStockError lists every product that cannot be served.
type InsufficientStockError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("product %d: available %s, requested %s", s.ProductID, s.Available, s.Requested))
	}
	return "inventory: insufficient stock (" + strings.Join(parts, "; ") + ")"
}

// Is lets errors.Is match ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// IsRetryable reports whether the whole operation may be retried as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrSerialization)
}
