package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// memoryRepo is an in-memory RepositoryPort. Transactions are serialised by a
// single lock with a bounded wait and roll back by restoring a snapshot.
type memoryRepo struct {
	txLock   chan struct{}
	lockWait time.Duration

	mu           sync.Mutex
	lots         map[int64]Lot
	movements    []Movement
	reservations map[int64]Reservation
	nextID       int64

	// failMovement, when set, is consulted before each movement insert.
	failMovement func(Movement) error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		txLock:       make(chan struct{}, 1),
		lockWait:     5 * time.Second,
		lots:         make(map[int64]Lot),
		reservations: make(map[int64]Reservation),
	}
}

type memorySnapshot struct {
	lots         map[int64]Lot
	movements    []Movement
	reservations map[int64]Reservation
	nextID       int64
}

func (r *memoryRepo) snapshot() memorySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := memorySnapshot{
		lots:         make(map[int64]Lot, len(r.lots)),
		movements:    append([]Movement(nil), r.movements...),
		reservations: make(map[int64]Reservation, len(r.reservations)),
		nextID:       r.nextID,
	}
	for k, v := range r.lots {
		s.lots[k] = v
	}
	for k, v := range r.reservations {
		s.reservations[k] = v
	}
	return s
}

func (r *memoryRepo) restore(s memorySnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lots = s.lots
	r.movements = s.movements
	r.reservations = s.reservations
	r.nextID = s.nextID
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	timer := time.NewTimer(r.lockWait)
	defer timer.Stop()
	select {
	case r.txLock <- struct{}{}:
	case <-timer.C:
		return fmt.Errorf("%w: memory repository busy", ErrLockTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.txLock }()
	snap := r.snapshot()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

func (r *memoryRepo) id() int64 {
	r.nextID++
	return r.nextID
}

// seedLot stores a lot directly; its initial quantity equals physical.
func (r *memoryRepo) seedLot(productID, warehouseID int64, code string, expiry *time.Time, physical, reserved string) Lot {
	r.mu.Lock()
	defer r.mu.Unlock()
	lot := Lot{
		ID:          r.id(),
		ProductID:   productID,
		WarehouseID: warehouseID,
		LotCode:     code,
		ExpiryDate:  expiry,
		PhysicalQty: decimal.RequireFromString(physical),
		ReservedQty: decimal.RequireFromString(reserved),
		InitialQty:  decimal.RequireFromString(physical),
	}
	r.lots[lot.ID] = lot
	return lot
}

func (r *memoryRepo) lot(id int64) Lot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lots[id]
}

func (r *memoryRepo) allMovements() []Movement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Movement(nil), r.movements...)
}

func (r *memoryRepo) movementsOf(kind MovementKind) []Movement {
	var out []Movement
	for _, m := range r.allMovements() {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (r *memoryRepo) lotsOf(warehouseID, productID int64) []Lot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Lot
	for _, lot := range r.lots {
		if lot.WarehouseID == warehouseID && lot.ProductID == productID {
			out = append(out, lot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memoryRepo) ListLots(_ context.Context, warehouseID, productID int64) ([]Lot, error) {
	return r.lotsOf(warehouseID, productID), nil
}

func (r *memoryRepo) GetLot(_ context.Context, id int64) (Lot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lot, ok := r.lots[id]
	if !ok {
		return Lot{}, ErrLotNotFound
	}
	return lot, nil
}

func (r *memoryRepo) GetReservation(_ context.Context, id int64) (Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[id]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return res, nil
}

func (r *memoryRepo) DueReservations(_ context.Context, lotIDs []int64, now time.Time) ([]Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dueLocked(lotIDs, now), nil
}

func (r *memoryRepo) dueLocked(lotIDs []int64, now time.Time) []Reservation {
	wanted := make(map[int64]bool, len(lotIDs))
	for _, id := range lotIDs {
		wanted[id] = true
	}
	out := []Reservation{}
	for _, res := range r.reservations {
		if wanted[res.LotID] && res.State == ReservationActive && res.ExpiresAt.Before(now) {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memoryRepo) DueReservationIDs(_ context.Context, now time.Time, limit int) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := []int64{}
	for _, res := range r.reservations {
		if res.State == ReservationActive && res.ExpiresAt.Before(now) {
			ids = append(ids, res.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *memoryRepo) ListMovements(_ context.Context, f MovementFilter) ([]Movement, error) {
	out := []Movement{}
	for _, m := range r.allMovements() {
		switch {
		case f.LotID != 0 && m.LotID != f.LotID,
			f.ProductID != 0 && m.ProductID != f.ProductID,
			f.WarehouseID != 0 && m.WarehouseID != f.WarehouseID,
			f.ReferenceID != "" && m.ReferenceID != f.ReferenceID,
			f.Kind != "" && m.Kind != f.Kind,
			!f.From.IsZero() && m.OccurredAt.Before(f.From),
			!f.To.IsZero() && m.OccurredAt.After(f.To):
			continue
		}
		out = append(out, m)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *memoryRepo) SumMovementDeltas(_ context.Context, lotID int64) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, m := range r.allMovements() {
		if m.LotID == lotID {
			sum = sum.Add(m.Delta)
		}
	}
	return sum, nil
}

func (r *memoryRepo) ListStockLevels(_ context.Context, warehouseID int64, threshold decimal.Decimal) ([]StockLevel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	type key struct{ product, warehouse int64 }
	levels := map[key]*StockLevel{}
	for _, lot := range r.lots {
		if warehouseID != 0 && lot.WarehouseID != warehouseID {
			continue
		}
		k := key{lot.ProductID, lot.WarehouseID}
		lvl, ok := levels[k]
		if !ok {
			lvl = &StockLevel{ProductID: lot.ProductID, WarehouseID: lot.WarehouseID}
			levels[k] = lvl
		}
		lvl.PhysicalQty = lvl.PhysicalQty.Add(lot.PhysicalQty)
		lvl.ReservedQty = lvl.ReservedQty.Add(lot.ReservedQty)
		lvl.Available = lvl.Available.Add(lot.Available())
	}
	out := []StockLevel{}
	for _, lvl := range levels {
		if lvl.Available.LessThanOrEqual(threshold) {
			out = append(out, *lvl)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Available.Equal(out[j].Available) {
			return out[i].Available.LessThan(out[j].Available)
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out, nil
}

func (r *memoryRepo) ListExpiringLots(_ context.Context, from, until time.Time) ([]Lot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Lot{}
	for _, lot := range r.lots {
		if lot.ExpiryDate == nil || !lot.PhysicalQty.IsPositive() {
			continue
		}
		if lot.ExpiryDate.Before(from) || lot.ExpiryDate.After(until) {
			continue
		}
		out = append(out, lot)
	}
	sort.Slice(out, func(i, j int) bool { return fifoLess(&out[i], &out[j]) })
	return out, nil
}

type memoryTx struct {
	repo *memoryRepo
}

func (t *memoryTx) LockLots(_ context.Context, warehouseID int64, productIDs []int64) ([]Lot, error) {
	var out []Lot
	for _, productID := range productIDs {
		out = append(out, t.repo.lotsOf(warehouseID, productID)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) LockLotsByID(_ context.Context, ids []int64) ([]Lot, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	out := []Lot{}
	for _, id := range ids {
		if lot, ok := t.repo.lots[id]; ok {
			out = append(out, lot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (t *memoryTx) EnsureLot(_ context.Context, key LotKey, at time.Time) (Lot, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for _, lot := range t.repo.lots {
		if lot.ProductID == key.ProductID && lot.WarehouseID == key.WarehouseID &&
			lot.LotCode == key.LotCode && sameDate(lot.ExpiryDate, key.ExpiryDate) {
			return lot, nil
		}
	}
	lot := Lot{
		ID:          t.repo.id(),
		ProductID:   key.ProductID,
		WarehouseID: key.WarehouseID,
		LotCode:     key.LotCode,
		ExpiryDate:  key.ExpiryDate,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	t.repo.lots[lot.ID] = lot
	return lot, nil
}

func (t *memoryTx) UpdateLot(_ context.Context, lot Lot) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	stored, ok := t.repo.lots[lot.ID]
	if !ok {
		return ErrLotNotFound
	}
	stored.PhysicalQty = lot.PhysicalQty
	stored.ReservedQty = lot.ReservedQty
	stored.UpdatedAt = lot.UpdatedAt
	t.repo.lots[lot.ID] = stored
	return nil
}

func (t *memoryTx) InsertMovement(_ context.Context, m Movement) (Movement, error) {
	if t.repo.failMovement != nil {
		if err := t.repo.failMovement(m); err != nil {
			return Movement{}, err
		}
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for _, existing := range t.repo.movements {
		if existing.Kind == m.Kind && existing.Operation == m.Operation && existing.ReferenceID == m.ReferenceID && existing.LotID == m.LotID {
			return Movement{}, fmt.Errorf("%w: duplicate movement", ErrSerialization)
		}
	}
	m.ID = t.repo.id()
	t.repo.movements = append(t.repo.movements, m)
	return m, nil
}

func (t *memoryTx) MovementsByReference(_ context.Context, kind MovementKind, operation Operation, referenceID string) ([]Movement, error) {
	var out []Movement
	for _, m := range t.repo.allMovements() {
		if m.Kind == kind && m.Operation == operation && m.ReferenceID == referenceID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *memoryTx) InsertReservation(_ context.Context, res Reservation) (Reservation, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for _, existing := range t.repo.reservations {
		if existing.ReferenceID == res.ReferenceID {
			return Reservation{}, fmt.Errorf("%w: duplicate reservation", ErrSerialization)
		}
	}
	res.ID = t.repo.id()
	t.repo.reservations[res.ID] = res
	return res, nil
}

func (t *memoryTx) ReservationByReference(_ context.Context, referenceID string) (Reservation, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for _, res := range t.repo.reservations {
		if res.ReferenceID == referenceID {
			return res, nil
		}
	}
	return Reservation{}, ErrReservationNotFound
}

func (t *memoryTx) ReservationsByID(_ context.Context, ids []int64) ([]Reservation, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	out := []Reservation{}
	for _, id := range ids {
		if res, ok := t.repo.reservations[id]; ok {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) DueReservations(_ context.Context, lotIDs []int64, now time.Time) ([]Reservation, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	return t.repo.dueLocked(lotIDs, now), nil
}

func (t *memoryTx) TransitionReservation(_ context.Context, id int64, from, to ReservationState, at time.Time) (bool, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	res, ok := t.repo.reservations[id]
	if !ok || res.State != from {
		return false, nil
	}
	res.State = to
	closed := at
	res.ClosedAt = &closed
	t.repo.reservations[id] = res
	return true, nil
}

func (t *memoryTx) ExtendReservation(_ context.Context, id int64, expiresAt time.Time) (bool, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	res, ok := t.repo.reservations[id]
	if !ok || res.State != ReservationActive {
		return false, nil
	}
	res.ExpiresAt = expiresAt
	t.repo.reservations[id] = res
	return true, nil
}

var (
	testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	testOp  = OperationContext{ActorID: 7, Now: testNow}
)

func qty(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func daysFromNow(n int) *time.Time {
	d := time.Date(testNow.Year(), testNow.Month(), testNow.Day()+n, 0, 0, 0, 0, time.UTC)
	return &d
}

// assertReconciled checks Σ delta against physical − initial for every lot.
func assertReconciled(t *testing.T, repo *memoryRepo) {
	t.Helper()
	auditor := NewAuditor(repo)
	repo.mu.Lock()
	ids := make([]int64, 0, len(repo.lots))
	for id := range repo.lots {
		ids = append(ids, id)
	}
	repo.mu.Unlock()
	for _, id := range ids {
		rec, err := auditor.Reconcile(context.Background(), id)
		if err != nil {
			t.Fatalf("reconcile lot %d: %v", id, err)
		}
		if !rec.Consistent() {
			t.Fatalf("lot %d inconsistent: physical %s initial %s deltas %s", id, rec.PhysicalQty, rec.InitialQty, rec.MovementDelta)
		}
	}
}
