package inventory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/inventory/combo"
)

// Ledger is the only component that changes physical stock.
type Ledger struct {
	repo    RepositoryPort
	auditor *Auditor
	opts    Options
}

// NewLedger builds Ledger.
func NewLedger(repo RepositoryPort, opts Options) *Ledger {
	return &Ledger{repo: repo, auditor: NewAuditor(repo), opts: opts.withDefaults()}
}

// Consume takes stock for a sale, FIFO by expiry across the warehouse lots.
// Either every line is served or nothing changes.
func (l *Ledger) Consume(ctx context.Context, op OperationContext, in ConsumeInput) (Result, error) {
	started := time.Now()
	res, err := l.consume(ctx, op, in)
	l.opts.afterCommit(ctx, OpConsume, started, res, err)
	return res, err
}

func (l *Ledger) consume(ctx context.Context, op OperationContext, in ConsumeInput) (Result, error) {
	if in.WarehouseID <= 0 {
		return Result{}, ErrWarehouseRequired
	}
	if strings.TrimSpace(in.ReferenceID) == "" {
		return Result{}, ErrReferenceRequired
	}
	demand, err := mergeLines(in.Lines)
	if err != nil {
		return Result{}, err
	}
	now := op.now()
	res := Result{OperationID: uuid.NewString()}
	err = l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockLots(ctx, in.WarehouseID, productIDs(demand))
		if err != nil {
			return err
		}
		prior, err := tx.MovementsByReference(ctx, MovementSaleOut, OpConsume, in.ReferenceID)
		if err != nil {
			return err
		}
		if len(prior) > 0 {
			res, err = replayProducts(prior, productIDs(demand))
			return err
		}
		set := newLotSet(locked)
		if _, err := expireDue(ctx, tx, l.auditor, set, op, res.OperationID); err != nil {
			return err
		}
		if !in.AllowNegative {
			if shortfalls := set.shortfalls(in.WarehouseID, demand); len(shortfalls) > 0 {
				return &InsufficientStockError{Shortfalls: shortfalls}
			}
		}
		for _, line := range demand {
			allocs, err := l.allocate(ctx, tx, set, in.WarehouseID, line, in.AllowNegative, now)
			if err != nil {
				return err
			}
			for _, a := range allocs {
				before := *a.lot
				a.lot.PhysicalQty = a.lot.PhysicalQty.Sub(a.qty)
				m, err := commitLot(ctx, tx, l.auditor, MovementDraft{
					OperationID: res.OperationID,
					Kind:        MovementSaleOut,
					Operation:   OpConsume,
					Before:      before,
					After:       *a.lot,
					ReferenceID: in.ReferenceID,
					ActorID:     op.ActorID,
					OccurredAt:  now,
				})
				if err != nil {
					return err
				}
				res.Movements = append(res.Movements, m)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// allocate plans one product. With allowNegative the uncovered rest goes to
// the last lot touched; without any lot stock it goes to the FIFO-last lot,
// and without any lot at all to the generic bucket lot.
func (l *Ledger) allocate(ctx context.Context, tx TxRepository, set *lotSet, warehouseID int64, line Line, allowNegative bool, now time.Time) ([]allocation, error) {
	lots := set.byProduct[line.ProductID]
	allocs, remaining := planFIFO(lots, line.Quantity)
	if !remaining.IsPositive() {
		return allocs, nil
	}
	if !allowNegative {
		return nil, &InsufficientStockError{Shortfalls: []Shortfall{{
			ProductID:   line.ProductID,
			WarehouseID: warehouseID,
			Requested:   line.Quantity,
			Available:   line.Quantity.Sub(remaining),
		}}}
	}
	switch {
	case len(allocs) > 0:
		last := &allocs[len(allocs)-1]
		last.qty = last.qty.Add(remaining)
	case len(lots) > 0:
		ordered := sortFIFO(lots)
		allocs = append(allocs, allocation{lot: ordered[len(ordered)-1], qty: remaining})
	default:
		lot, err := tx.EnsureLot(ctx, LotKey{ProductID: line.ProductID, WarehouseID: warehouseID}, now)
		if err != nil {
			return nil, err
		}
		allocs = append(allocs, allocation{lot: set.add(lot), qty: remaining})
	}
	return allocs, nil
}

// Receive books a purchase receipt into the lot identified by lot code and expiry.
func (l *Ledger) Receive(ctx context.Context, op OperationContext, in ReceiveInput) (Result, error) {
	started := time.Now()
	expiry := truncateDate(in.ExpiryDate)
	lotCode := strings.TrimSpace(in.LotCode)
	res, err := l.credit(ctx, op, MovementPurchaseIn, OpReceive, in.WarehouseID, in.ReferenceID, in.Lines, func(productID int64) LotKey {
		return LotKey{ProductID: productID, WarehouseID: in.WarehouseID, LotCode: lotCode, ExpiryDate: expiry}
	})
	l.opts.afterCommit(ctx, OpReceive, started, res, err)
	return res, err
}

// Return puts stock back into the generic bucket lot of each product.
func (l *Ledger) Return(ctx context.Context, op OperationContext, in ReturnInput) (Result, error) {
	started := time.Now()
	res, err := l.credit(ctx, op, MovementReturnIn, OpReturn, in.WarehouseID, in.ReferenceID, in.Lines, func(productID int64) LotKey {
		return LotKey{ProductID: productID, WarehouseID: in.WarehouseID}
	})
	l.opts.afterCommit(ctx, OpReturn, started, res, err)
	return res, err
}

func (l *Ledger) credit(ctx context.Context, op OperationContext, kind MovementKind, operation Operation, warehouseID int64, referenceID string, lines []Line, keyFor func(int64) LotKey) (Result, error) {
	if warehouseID <= 0 {
		return Result{}, ErrWarehouseRequired
	}
	if strings.TrimSpace(referenceID) == "" {
		return Result{}, ErrReferenceRequired
	}
	merged, err := mergeLines(lines)
	if err != nil {
		return Result{}, err
	}
	now := op.now()
	res := Result{OperationID: uuid.NewString()}
	err = l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		prior, err := tx.MovementsByReference(ctx, kind, operation, referenceID)
		if err != nil {
			return err
		}
		if len(prior) > 0 {
			res, err = replayProducts(prior, productIDs(merged))
			return err
		}
		for _, line := range merged {
			lot, err := tx.EnsureLot(ctx, keyFor(line.ProductID), now)
			if err != nil {
				return err
			}
			before := lot
			lot.PhysicalQty = lot.PhysicalQty.Add(line.Quantity)
			m, err := commitLot(ctx, tx, l.auditor, MovementDraft{
				OperationID: res.OperationID,
				Kind:        kind,
				Operation:   operation,
				Before:      before,
				After:       lot,
				ReferenceID: referenceID,
				ActorID:     op.ActorID,
				OccurredAt:  now,
			})
			if err != nil {
				return err
			}
			res.Movements = append(res.Movements, m)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Adjust applies a signed manual correction to one lot. It never takes a lot
// below its reserved quantity.
func (l *Ledger) Adjust(ctx context.Context, op OperationContext, in AdjustInput) (Result, error) {
	started := time.Now()
	res, err := l.adjust(ctx, op, in)
	l.opts.afterCommit(ctx, OpAdjust, started, res, err)
	return res, err
}

func (l *Ledger) adjust(ctx context.Context, op OperationContext, in AdjustInput) (Result, error) {
	if in.LotID <= 0 {
		return Result{}, ErrLotNotFound
	}
	if in.Delta.IsZero() {
		return Result{}, fmt.Errorf("%w: adjustment delta is zero", ErrInvalidQuantity)
	}
	if !storable(in.Delta) {
		return Result{}, fmt.Errorf("%w: adjustment delta %s has too many decimals", ErrInvalidQuantity, in.Delta)
	}
	if strings.TrimSpace(in.ReferenceID) == "" {
		return Result{}, ErrReferenceRequired
	}
	now := op.now()
	res := Result{OperationID: uuid.NewString()}
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockLotsByID(ctx, []int64{in.LotID})
		if err != nil {
			return err
		}
		if len(locked) == 0 {
			return fmt.Errorf("%w: %d", ErrLotNotFound, in.LotID)
		}
		prior, err := tx.MovementsByReference(ctx, MovementAdjustment, OpAdjust, in.ReferenceID)
		if err != nil {
			return err
		}
		if len(prior) > 0 {
			res, err = replayLots(prior, []int64{in.LotID})
			return err
		}
		set := newLotSet(locked)
		if _, err := expireDue(ctx, tx, l.auditor, set, op, res.OperationID); err != nil {
			return err
		}
		lot := set.byID[in.LotID]
		before := *lot
		lot.PhysicalQty = lot.PhysicalQty.Add(in.Delta)
		if lot.PhysicalQty.LessThan(lot.ReservedQty) {
			return &InsufficientStockError{Shortfalls: []Shortfall{{
				ProductID:   lot.ProductID,
				WarehouseID: lot.WarehouseID,
				Requested:   in.Delta.Neg(),
				Available:   before.Available(),
			}}}
		}
		m, err := commitLot(ctx, tx, l.auditor, MovementDraft{
			OperationID: res.OperationID,
			Kind:        MovementAdjustment,
			Operation:   OpAdjust,
			Before:      before,
			After:       *lot,
			ReferenceID: in.ReferenceID,
			ActorID:     op.ActorID,
			Note:        in.Note,
			OccurredAt:  now,
		})
		if err != nil {
			return err
		}
		res.Movements = append(res.Movements, m)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Transfer moves stock FIFO out of one warehouse into matching lots (same lot
// code and expiry) of another, in one transaction. Source lots are locked
// before destination lots; PostgreSQL breaks the rare cross-transfer deadlock
// and the loser gets ErrSerialization.
func (l *Ledger) Transfer(ctx context.Context, op OperationContext, in TransferInput) (Result, error) {
	started := time.Now()
	res, err := l.transfer(ctx, op, in)
	l.opts.afterCommit(ctx, OpTransfer, started, res, err)
	return res, err
}

func (l *Ledger) transfer(ctx context.Context, op OperationContext, in TransferInput) (Result, error) {
	if in.FromWarehouseID <= 0 || in.ToWarehouseID <= 0 {
		return Result{}, ErrWarehouseRequired
	}
	if in.FromWarehouseID == in.ToWarehouseID {
		return Result{}, fmt.Errorf("%w: source and destination warehouse must differ", ErrWarehouseRequired)
	}
	if strings.TrimSpace(in.ReferenceID) == "" {
		return Result{}, ErrReferenceRequired
	}
	demand, err := mergeLines(in.Lines)
	if err != nil {
		return Result{}, err
	}
	now := op.now()
	res := Result{OperationID: uuid.NewString()}
	err = l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockLots(ctx, in.FromWarehouseID, productIDs(demand))
		if err != nil {
			return err
		}
		prior, err := tx.MovementsByReference(ctx, MovementTransferOut, OpTransfer, in.ReferenceID)
		if err != nil {
			return err
		}
		if len(prior) > 0 {
			if _, err := replayProducts(prior, productIDs(demand)); err != nil {
				return err
			}
			incoming, err := tx.MovementsByReference(ctx, MovementTransferIn, OpTransfer, in.ReferenceID)
			if err != nil {
				return err
			}
			res = replay(append(prior, incoming...))
			return nil
		}
		set := newLotSet(locked)
		if _, err := expireDue(ctx, tx, l.auditor, set, op, res.OperationID); err != nil {
			return err
		}
		if shortfalls := set.shortfalls(in.FromWarehouseID, demand); len(shortfalls) > 0 {
			return &InsufficientStockError{Shortfalls: shortfalls}
		}
		for _, line := range demand {
			allocs, _ := planFIFO(set.byProduct[line.ProductID], line.Quantity)
			for _, a := range allocs {
				before := *a.lot
				a.lot.PhysicalQty = a.lot.PhysicalQty.Sub(a.qty)
				out, err := commitLot(ctx, tx, l.auditor, MovementDraft{
					OperationID: res.OperationID,
					Kind:        MovementTransferOut,
					Operation:   OpTransfer,
					Before:      before,
					After:       *a.lot,
					ReferenceID: in.ReferenceID,
					ActorID:     op.ActorID,
					Note:        fmt.Sprintf("transfer to warehouse %d", in.ToWarehouseID),
					OccurredAt:  now,
				})
				if err != nil {
					return err
				}
				dest, err := tx.EnsureLot(ctx, LotKey{
					ProductID:   a.lot.ProductID,
					WarehouseID: in.ToWarehouseID,
					LotCode:     a.lot.LotCode,
					ExpiryDate:  a.lot.ExpiryDate,
				}, now)
				if err != nil {
					return err
				}
				destBefore := dest
				dest.PhysicalQty = dest.PhysicalQty.Add(a.qty)
				inbound, err := commitLot(ctx, tx, l.auditor, MovementDraft{
					OperationID: res.OperationID,
					Kind:        MovementTransferIn,
					Operation:   OpTransfer,
					Before:      destBefore,
					After:       dest,
					ReferenceID: in.ReferenceID,
					ActorID:     op.ActorID,
					Note:        fmt.Sprintf("transfer from warehouse %d", in.FromWarehouseID),
					OccurredAt:  now,
				})
				if err != nil {
					return err
				}
				res.Movements = append(res.Movements, out, inbound)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// commitLot persists the lot snapshot and its movement in the same transaction.
func commitLot(ctx context.Context, tx TxRepository, auditor *Auditor, draft MovementDraft) (Movement, error) {
	draft.After.UpdatedAt = draft.OccurredAt
	if err := tx.UpdateLot(ctx, draft.After); err != nil {
		return Movement{}, err
	}
	return auditor.Record(ctx, tx, draft)
}

// mergeLines validates lines and sums duplicates per product, first-seen order.
func mergeLines(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no lines", ErrInvalidQuantity)
	}
	set := combo.NewLineSet()
	for _, line := range lines {
		if line.ProductID <= 0 {
			return nil, fmt.Errorf("%w: id %d", ErrProductNotFound, line.ProductID)
		}
		if !line.Quantity.IsPositive() || !storable(line.Quantity) {
			return nil, fmt.Errorf("%w: product %d quantity %s", ErrInvalidQuantity, line.ProductID, line.Quantity)
		}
		if err := set.Add(combo.Line{ProductID: line.ProductID, Quantity: line.Quantity}); err != nil {
			return nil, err
		}
	}
	merged := make([]Line, 0, set.Len())
	for _, line := range set.Lines() {
		merged = append(merged, Line{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return merged, nil
}

func productIDs(lines []Line) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}

func replay(prior []Movement) Result {
	return Result{OperationID: prior[0].OperationID, Movements: prior, Replayed: true}
}

// replayProducts returns the earlier result of a retried call. The retry must
// name exactly the products the earlier call touched.
func replayProducts(prior []Movement, products []int64) (Result, error) {
	seen := make(map[int64]bool, len(prior))
	for _, m := range prior {
		seen[m.ProductID] = true
	}
	if diff := unmatchedIDs(seen, products); len(diff) > 0 {
		return Result{}, fmt.Errorf("%w: %s products %v", ErrReferenceConflict, prior[0].ReferenceID, diff)
	}
	return replay(prior), nil
}

// replayLots is replayProducts keyed by lot.
func replayLots(prior []Movement, lots []int64) (Result, error) {
	seen := make(map[int64]bool, len(prior))
	for _, m := range prior {
		seen[m.LotID] = true
	}
	if diff := unmatchedIDs(seen, lots); len(diff) > 0 {
		return Result{}, fmt.Errorf("%w: %s lots %v", ErrReferenceConflict, prior[0].ReferenceID, diff)
	}
	return replay(prior), nil
}

// unmatchedIDs returns the ids present on one side only, ascending.
func unmatchedIDs(seen map[int64]bool, want []int64) []int64 {
	var diff []int64
	wanted := make(map[int64]bool, len(want))
	for _, id := range want {
		wanted[id] = true
		if !seen[id] {
			diff = append(diff, id)
		}
	}
	for id := range seen {
		if !wanted[id] {
			diff = append(diff, id)
		}
	}
	slices.Sort(diff)
	return diff
}

func truncateDate(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}
