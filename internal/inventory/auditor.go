package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MovementDraft is what a mutation hands to the auditor. Before/after are
// taken from the lot snapshots.
type MovementDraft struct {
	OperationID string
	Kind        MovementKind
	Operation   Operation
	Before      Lot
	After       Lot
	ReferenceID string
	ActorID     int64
	Note        string
	OccurredAt  time.Time
}

// Reconciliation compares a lot against its movement history.
type Reconciliation struct {
	LotID         int64           `json:"lot_id"`
	PhysicalQty   decimal.Decimal `json:"physical_qty"`
	InitialQty    decimal.Decimal `json:"initial_qty"`
	MovementDelta decimal.Decimal `json:"movement_delta"`
}

// Consistent reports whether Σ delta equals physical minus initial quantity.
func (r Reconciliation) Consistent() bool {
	return r.MovementDelta.Equal(r.PhysicalQty.Sub(r.InitialQty))
}

// Auditor appends movement records and answers audit queries. Records are
// only ever inserted, inside the transaction of the mutation they describe.
type Auditor struct {
	repo RepositoryPort
}

// NewAuditor constructs Auditor.
func NewAuditor(repo RepositoryPort) *Auditor {
	return &Auditor{repo: repo}
}

// Record appends one movement through tx.
func (a *Auditor) Record(ctx context.Context, tx TxRepository, draft MovementDraft) (Movement, error) {
	if tx == nil {
		return Movement{}, errors.New("inventory: audit record requires a transaction")
	}
	if draft.After.ID == 0 {
		return Movement{}, fmt.Errorf("%w: movement without lot", ErrLotNotFound)
	}
	if !draft.Kind.Valid() {
		return Movement{}, fmt.Errorf("inventory: unknown movement kind %q", draft.Kind)
	}
	if draft.ReferenceID == "" {
		return Movement{}, ErrReferenceRequired
	}
	if draft.Operation == "" {
		return Movement{}, fmt.Errorf("inventory: %s movement without operation", draft.Kind)
	}
	m := Movement{
		OperationID:   draft.OperationID,
		LotID:         draft.After.ID,
		ProductID:     draft.After.ProductID,
		WarehouseID:   draft.After.WarehouseID,
		Kind:          draft.Kind,
		Operation:     draft.Operation,
		Delta:         draft.After.PhysicalQty.Sub(draft.Before.PhysicalQty),
		ReservedDelta: draft.After.ReservedQty.Sub(draft.Before.ReservedQty),
		QtyBefore:     draft.Before.PhysicalQty,
		QtyAfter:      draft.After.PhysicalQty,
		ReferenceID:   draft.ReferenceID,
		ActorID:       draft.ActorID,
		Note:          draft.Note,
		OccurredAt:    draft.OccurredAt,
	}
	return tx.InsertMovement(ctx, m)
}

// History lists movements matching filter.
func (a *Auditor) History(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, fmt.Errorf("inventory: unknown movement kind %q", filter.Kind)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, errors.New("inventory: history range ends before it starts")
	}
	return a.repo.ListMovements(ctx, filter)
}

// Reconcile checks a lot against the sum of its movements.
func (a *Auditor) Reconcile(ctx context.Context, lotID int64) (Reconciliation, error) {
	lot, err := a.repo.GetLot(ctx, lotID)
	if err != nil {
		return Reconciliation{}, err
	}
	sum, err := a.repo.SumMovementDeltas(ctx, lotID)
	if err != nil {
		return Reconciliation{}, err
	}
	return Reconciliation{
		LotID:         lot.ID,
		PhysicalQty:   lot.PhysicalQty,
		InitialQty:    lot.InitialQty,
		MovementDelta: sum,
	}, nil
}
