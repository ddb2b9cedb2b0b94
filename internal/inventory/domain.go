package inventory

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/masterdata/units"
)

// storable reports whether q fits the NUMERIC(18,6) quantity columns without
// rounding.
func storable(q decimal.Decimal) bool {
	return q.Equal(q.Round(units.Scale))
}

// MovementKind enumerates audited stock changes.
type MovementKind string

const (
	// MovementSaleOut consumes stock for a sale.
	MovementSaleOut MovementKind = "SALE_OUT"
	// MovementPurchaseIn receives stock from a purchase.
	MovementPurchaseIn MovementKind = "PURCHASE_IN"
	// MovementReturnIn puts returned stock back.
	MovementReturnIn MovementKind = "RETURN_IN"
	// MovementAdjustment is a manual correction.
	MovementAdjustment MovementKind = "ADJUSTMENT"
	// MovementTransferOut leaves the source warehouse of a transfer.
	MovementTransferOut MovementKind = "TRANSFER_OUT"
	// MovementTransferIn enters the destination warehouse of a transfer.
	MovementTransferIn MovementKind = "TRANSFER_IN"
	// MovementReservationHold places a hold.
	MovementReservationHold MovementKind = "RESERVATION_HOLD"
	// MovementReservationRelease lifts a hold on request.
	MovementReservationRelease MovementKind = "RESERVATION_RELEASE"
	// MovementReservationExpire lifts a hold past its expiry.
	MovementReservationExpire MovementKind = "RESERVATION_EXPIRE"
)

// Valid reports whether k is a known kind.
func (k MovementKind) Valid() bool {
	switch k {
	case MovementSaleOut, MovementPurchaseIn, MovementReturnIn, MovementAdjustment,
		MovementTransferOut, MovementTransferIn,
		MovementReservationHold, MovementReservationRelease, MovementReservationExpire:
		return true
	}
	return false
}

// ReservationState is the lifecycle state of a reservation.
type ReservationState string

const (
	ReservationActive   ReservationState = "ACTIVE"
	ReservationExpired  ReservationState = "EXPIRED"
	ReservationReleased ReservationState = "RELEASED"
	ReservationConsumed ReservationState = "CONSUMED"
)

// Terminal reports whether no further transition is possible.
func (s ReservationState) Terminal() bool {
	return s == ReservationExpired || s == ReservationReleased || s == ReservationConsumed
}

// OperationContext carries the acting user and the clock of one call.
type OperationContext struct {
	ActorID int64
	Now     time.Time
}

func (o OperationContext) now() time.Time {
	if o.Now.IsZero() {
		return time.Now().UTC()
	}
	return o.Now.UTC()
}

// Lot is one batch of a product in a warehouse.
type Lot struct {
	ID          int64           `json:"id"`
	ProductID   int64           `json:"product_id"`
	WarehouseID int64           `json:"warehouse_id"`
	LotCode     string          `json:"lot_code"`
	ExpiryDate  *time.Time      `json:"expiry_date,omitempty"`
	PhysicalQty decimal.Decimal `json:"physical_qty"`
	ReservedQty decimal.Decimal `json:"reserved_qty"`
	InitialQty  decimal.Decimal `json:"initial_qty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Available returns physical minus reserved quantity.
func (l Lot) Available() decimal.Decimal {
	return l.PhysicalQty.Sub(l.ReservedQty)
}

// LotKey identifies a lot for find-or-create.
type LotKey struct {
	ProductID   int64
	WarehouseID int64
	LotCode     string
	ExpiryDate  *time.Time
}

// Operation names the ledger call that wrote a movement. Replays are matched on
// kind, operation and reference together, so one document reference can drive
// both a reservation conversion and a plain consumption.
type Operation string

// Ledger operations.
const (
	OpConsume             Operation = "consume"
	OpConsumeReservations Operation = "consume_reservations"
	OpReceive             Operation = "receive"
	OpReturn              Operation = "return"
	OpAdjust              Operation = "adjust"
	OpTransfer            Operation = "transfer"
	OpReserve             Operation = "reserve"
	OpRelease             Operation = "release"
	OpExtend              Operation = "extend"
	OpExpire              Operation = "expire"
)

// Movement is an immutable audit entry for one lot change.
type Movement struct {
	ID            int64           `json:"id"`
	OperationID   string          `json:"operation_id"`
	LotID         int64           `json:"lot_id"`
	ProductID     int64           `json:"product_id"`
	WarehouseID   int64           `json:"warehouse_id"`
	Kind          MovementKind    `json:"kind"`
	Operation     Operation       `json:"operation"`
	Delta         decimal.Decimal `json:"delta"`
	ReservedDelta decimal.Decimal `json:"reserved_delta"`
	QtyBefore     decimal.Decimal `json:"qty_before"`
	QtyAfter      decimal.Decimal `json:"qty_after"`
	ReferenceID   string          `json:"reference_id"`
	ActorID       int64           `json:"actor_id"`
	Note          string          `json:"note,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Reservation holds quantity of one lot for a pending document.
type Reservation struct {
	ID          int64            `json:"id"`
	LotID       int64            `json:"lot_id"`
	Quantity    decimal.Decimal  `json:"quantity"`
	State       ReservationState `json:"state"`
	OwnerRef    string           `json:"owner_ref"`
	ReferenceID string           `json:"reference_id"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	ClosedAt    *time.Time       `json:"closed_at,omitempty"`
}

// DueAt reports whether an active reservation is past its expiry at now.
func (r Reservation) DueAt(now time.Time) bool {
	return r.State == ReservationActive && now.After(r.ExpiresAt)
}

// Line is a base-unit quantity of one product.
type Line struct {
	ProductID int64           `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// Result is returned by every mutating ledger call.
type Result struct {
	OperationID string     `json:"operation_id"`
	Movements   []Movement `json:"movements"`
	Replayed    bool       `json:"replayed"`
}

// ConsumeInput describes a sale consumption.
type ConsumeInput struct {
	WarehouseID   int64
	ReferenceID   string
	Lines         []Line
	AllowNegative bool
}

// ReceiveInput describes a purchase receipt into one lot.
type ReceiveInput struct {
	WarehouseID int64
	ReferenceID string
	LotCode     string
	ExpiryDate  *time.Time
	Lines       []Line
}

// ReturnInput describes returned stock.
type ReturnInput struct {
	WarehouseID int64
	ReferenceID string
	Lines       []Line
}

// AdjustInput corrects a single lot.
type AdjustInput struct {
	LotID       int64
	Delta       decimal.Decimal
	ReferenceID string
	Note        string
}

// TransferInput moves stock between warehouses.
type TransferInput struct {
	FromWarehouseID int64
	ToWarehouseID   int64
	ReferenceID     string
	Lines           []Line
}

// ReserveInput places a hold on a lot.
type ReserveInput struct {
	LotID       int64
	Quantity    decimal.Decimal
	ExpiresAt   time.Time
	OwnerRef    string
	ReferenceID string
}

// ConsumeReservationsInput converts holds into a sale.
type ConsumeReservationsInput struct {
	ReservationIDs []int64
	ReferenceID    string
}

// MovementFilter selects audit history.
type MovementFilter struct {
	LotID       int64
	ProductID   int64
	WarehouseID int64
	ReferenceID string
	Kind        MovementKind
	From        time.Time
	To          time.Time
	Limit       int
}

// StockLevel aggregates lots of a product in a warehouse.
type StockLevel struct {
	ProductID   int64           `json:"product_id"`
	WarehouseID int64           `json:"warehouse_id"`
	PhysicalQty decimal.Decimal `json:"physical_qty"`
	ReservedQty decimal.Decimal `json:"reserved_qty"`
	Available   decimal.Decimal `json:"available"`
}
