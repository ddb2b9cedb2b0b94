package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(repo *memoryRepo) *Ledger {
	return NewLedger(repo, Options{})
}

func TestConsumeFIFOByExpiry(t *testing.T) {
	repo := newMemoryRepo()
	late := repo.seedLot(1, 10, "L-LATE", daysFromNow(30), "70", "0")
	early := repo.seedLot(1, 10, "L-EARLY", daysFromNow(5), "30", "0")

	res, err := newTestLedger(repo).Consume(context.Background(), testOp, ConsumeInput{
		WarehouseID: 10,
		ReferenceID: "SALE-A",
		Lines:       []Line{{ProductID: 1, Quantity: qty("50")}},
	})
	require.NoError(t, err)
	require.Len(t, res.Movements, 2)
	assert.Equal(t, early.ID, res.Movements[0].LotID)
	assert.True(t, res.Movements[0].Delta.Equal(qty("-30")))
	assert.Equal(t, late.ID, res.Movements[1].LotID)
	assert.True(t, res.Movements[1].Delta.Equal(qty("-20")))
	for _, m := range res.Movements {
		assert.Equal(t, MovementSaleOut, m.Kind)
		assert.Equal(t, "SALE-A", m.ReferenceID)
		assert.Equal(t, int64(7), m.ActorID)
		assert.Equal(t, res.OperationID, m.OperationID)
		assert.True(t, m.QtyAfter.Equal(m.QtyBefore.Add(m.Delta)))
	}
	assert.True(t, repo.lot(early.ID).PhysicalQty.IsZero())
	assert.True(t, repo.lot(late.ID).PhysicalQty.Equal(qty("50")))
	assertReconciled(t, repo)
}

func TestConsumeUndatedLotsLast(t *testing.T) {
	repo := newMemoryRepo()
	undated := repo.seedLot(1, 10, "", nil, "10", "0")
	dated := repo.seedLot(1, 10, "D", daysFromNow(90), "10", "0")

	res, err := newTestLedger(repo).Consume(context.Background(), testOp, ConsumeInput{
		WarehouseID: 10, ReferenceID: "SALE-N", Lines: []Line{{ProductID: 1, Quantity: qty("4")}},
	})
	require.NoError(t, err)
	require.Len(t, res.Movements, 1)
	assert.Equal(t, dated.ID, res.Movements[0].LotID)
	assert.True(t, repo.lot(undated.ID).PhysicalQty.Equal(qty("10")))
}

func TestConsumeInsufficientLeavesStockUntouched(t *testing.T) {
	repo := newMemoryRepo()
	lot := repo.seedLot(1, 10, "L1", daysFromNow(10), "30", "0")

	_, err := newTestLedger(repo).Consume(context.Background(), testOp, ConsumeInput{
		WarehouseID: 10, ReferenceID: "SALE-C", Lines: []Line{{ProductID: 1, Quantity: qty("100")}},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
	var insufficient *InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	require.Len(t, insufficient.Shortfalls, 1)
	assert.True(t, insufficient.Shortfalls[0].Available.Equal(qty("30")))
	assert.True(t, insufficient.Shortfalls[0].Requested.Equal(qty("100")))
	assert.True(t, insufficient.Shortfalls[0].Missing().Equal(qty("70")))
	assert.Contains(t, err.Error(), "product 1: available 30, requested 100")

	assert.True(t, repo.lot(lot.ID).PhysicalQty.Equal(qty("30")))
	assert.Empty(t, repo.allMovements())
}

func TestConsumeIsAllOrNothingAcrossLines(t *testing.T) {
	repo := newMemoryRepo()
	a := repo.seedLot(1, 10, "A", daysFromNow(3), "50", "0")
	b := repo.seedLot(2, 10, "B", daysFromNow(3), "5", "0")

	_, err := newTestLedger(repo).Consume(context.Background(), testOp, ConsumeInput{
		WarehouseID: 10,
		ReferenceID: "SALE-MULTI",
		Lines:       []Line{{ProductID: 1, Quantity: qty("10")}, {ProductID: 2, Quantity: qty("6")}},
	})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Len(t, insufficient.Shortfalls, 1)
	assert.Equal(t, int64(2), insufficient.Shortfalls[0].ProductID)
	assert.True(t, repo.lot(a.ID).PhysicalQty.Equal(qty("50")))
	assert.True(t, repo.lot(b.ID).PhysicalQty.Equal(qty("5")))
	assert.Empty(t, repo.allMovements())
}

func TestConsumeRollsBackOnWriteFailure(t *testing.T) {
	repo := newMemoryRepo()
	first := repo.seedLot(1, 10, "A", daysFromNow(1), "5", "0")
	second := repo.seedLot(1, 10, "B", daysFromNow(2), "5", "0")
	boom := errors.New("disk full")
	var calls int32
	repo.failMovement = func(Movement) error {
		if atomic.AddInt32(&calls, 1) == 2 {
			return boom
		}
		return nil
	}

	_, err := newTestLedger(repo).Consume(context.Background(), testOp, ConsumeInput{
		WarehouseID: 10, ReferenceID: "SALE-FAIL", Lines: []Line{{ProductID: 1, Quantity: qty("8")}},
	})
	require.ErrorIs(t, err, boom)
	assert.True(t, repo.lot(first.ID).PhysicalQty.Equal(qty("5")))
	assert.True(t, repo.lot(second.ID).PhysicalQty.Equal(qty("5")))
	assert.Empty(t, repo.allMovements())
}

func TestConsumeReplaysSameReference(t *testing.T) {
	repo := newMemoryRepo()
	lot := repo.seedLot(1, 10, "L1", daysFromNow(10), "100", "0")
	ledger := newTestLedger(repo)
	in := ConsumeInput{WarehouseID: 10, ReferenceID: "SALE-1", Lines: []Line{{ProductID: 1, Quantity: qty("10")}}}

	first, err := ledger.Consume(context.Background(), testOp, in)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := ledger.Consume(context.Background(), testOp, in)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.OperationID, second.OperationID)
	require.Len(t, second.Movements, 1)
	assert.Equal(t, first.Movements[0].ID, second.Movements[0].ID)
	assert.True(t, repo.lot(lot.ID).PhysicalQty.Equal(qty("90")))
	assert.Len(t, repo.allMovements(), 1)
}

func TestConsumeAllowNegative(t *testing.T) {
	t.Run("residual goes to last touched lot", func(t *testing.T) {
		repo := newMemoryRepo()
		first := repo.seedLot(1, 10, "A", daysFromNow(1), "4", "0")
		last := repo.seedLot(1, 10, "B", daysFromNow(2), "6", "0")

		res, err := newTestLedger(repo).Consume(context.Background(), testOp, ConsumeInput{
			WarehouseID: 10, ReferenceID: "SALE-NEG", AllowNegative: true,
			Lines: []Line{{ProductID: 1, Quantity: qty("15")}},
		})
		require.NoError(t, err)
		require.Len(t, res.Movements, 2)
		assert.True(t, repo.lot(first.ID).PhysicalQty.IsZero())
		assert.True(t, repo.lot(last.ID).PhysicalQty.Equal(qty("-5")))
		assertReconciled(t, repo)
	})

	t.Run("no stock uses last lot in fifo order", func(t *testing.T) {
		repo := newMemoryRepo()
		repo.seedLot(1, 10, "A", daysFromNow(1), "0", "0")
		undated := repo.seedLot(1, 10, "", nil, "0", "0")

		_, err := newTestLedger(repo).Consume(context.Background(), testOp, ConsumeInput{
			WarehouseID: 10, ReferenceID: "SALE-NEG2", AllowNegative: true,
			Lines: []Line{{ProductID: 1, Quantity: qty("3")}},
		})
		require.NoError(t, err)
		assert.True(t, repo.lot(undated.ID).PhysicalQty.Equal(qty("-3")))
	})

	t.Run("no lot creates the generic bucket", func(t *testing.T) {
		repo := newMemoryRepo()
		res, err := newTestLedger(repo).Consume(context.Background(), testOp, ConsumeInput{
			WarehouseID: 10, ReferenceID: "SALE-NEG3", AllowNegative: true,
			Lines: []Line{{ProductID: 9, Quantity: qty("2")}},
		})
		require.NoError(t, err)
		require.Len(t, res.Movements, 1)
		lots := repo.lotsOf(10, 9)
		require.Len(t, lots, 1)
		assert.Equal(t, "", lots[0].LotCode)
		assert.Nil(t, lots[0].ExpiryDate)
		assert.True(t, lots[0].PhysicalQty.Equal(qty("-2")))
		assertReconciled(t, repo)
	})
}

func TestConsumeHonoursReservations(t *testing.T) {
	repo := newMemoryRepo()
	lot := repo.seedLot(1, 10, "L1", daysFromNow(10), "100", "40")
	assert.True(t, repo.lot(lot.ID).Available().Equal(qty("60")))

	_, err := newTestLedger(repo).Consume(context.Background(), testOp, ConsumeInput{
		WarehouseID: 10, ReferenceID: "SALE-R", Lines: []Line{{ProductID: 1, Quantity: qty("70")}},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestConsumeExpiresDueReservationsFirst(t *testing.T) {
	repo := newMemoryRepo()
	lot := repo.seedLot(1, 10, "L1", daysFromNow(10), "100", "0")
	reservations := NewReservations(repo, ReservationConfig{DefaultTTL: time.Hour, MaxHorizon: 72 * time.Hour}, Options{})
	held, err := reservations.Reserve(context.Background(), testOp, ReserveInput{LotID: lot.ID, Quantity: qty("40"), ReferenceID: "Q-1"})
	require.NoError(t, err)

	later := OperationContext{ActorID: 7, Now: testNow.Add(2 * time.Hour)}
	_, err = newTestLedger(repo).Consume(context.Background(), later, ConsumeInput{
		WarehouseID: 10, ReferenceID: "SALE-X", Lines: []Line{{ProductID: 1, Quantity: qty("100")}},
	})
	require.NoError(t, err)

	stored, err := repo.GetReservation(context.Background(), held.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationExpired, stored.State)
	current := repo.lot(lot.ID)
	assert.True(t, current.PhysicalQty.IsZero())
	assert.True(t, current.ReservedQty.IsZero())
	assert.Len(t, repo.movementsOf(MovementReservationExpire), 1)
	assertReconciled(t, repo)
}

func TestConsumeRejectsInvalidInput(t *testing.T) {
	ledger := newTestLedger(newMemoryRepo())
	cases := map[string]struct {
		in  ConsumeInput
		err error
	}{
		"zero quantity":     {ConsumeInput{WarehouseID: 1, ReferenceID: "R", Lines: []Line{{ProductID: 1, Quantity: qty("0")}}}, ErrInvalidQuantity},
		"negative quantity": {ConsumeInput{WarehouseID: 1, ReferenceID: "R", Lines: []Line{{ProductID: 1, Quantity: qty("-1")}}}, ErrInvalidQuantity},
		"no lines":          {ConsumeInput{WarehouseID: 1, ReferenceID: "R"}, ErrInvalidQuantity},
		"seven decimals":    {ConsumeInput{WarehouseID: 1, ReferenceID: "R", Lines: []Line{{ProductID: 1, Quantity: qty("0.0000001")}}}, ErrInvalidQuantity},
		"missing reference": {ConsumeInput{WarehouseID: 1, Lines: []Line{{ProductID: 1, Quantity: qty("1")}}}, ErrReferenceRequired},
		"missing warehouse": {ConsumeInput{ReferenceID: "R", Lines: []Line{{ProductID: 1, Quantity: qty("1")}}}, ErrWarehouseRequired},
		"missing product":   {ConsumeInput{WarehouseID: 1, ReferenceID: "R", Lines: []Line{{Quantity: qty("1")}}}, ErrProductNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ledger.Consume(context.Background(), testOp, tc.in)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestConsumeMergesDuplicateLines(t *testing.T) {
	repo := newMemoryRepo()
	lot := repo.seedLot(1, 10, "L1", daysFromNow(10), "10", "0")
	res, err := newTestLedger(repo).Consume(context.Background(), testOp, ConsumeInput{
		WarehouseID: 10, ReferenceID: "SALE-M",
		Lines: []Line{{ProductID: 1, Quantity: qty("2")}, {ProductID: 1, Quantity: qty("3")}},
	})
	require.NoError(t, err)
	require.Len(t, res.Movements, 1)
	assert.True(t, repo.lot(lot.ID).PhysicalQty.Equal(qty("5")))
}

func TestConcurrentConsumersNeverOversell(t *testing.T) {
	repo := newMemoryRepo()
	lot := repo.seedLot(1, 10, "L1", daysFromNow(10), "50", "0")
	ledger := newTestLedger(repo)

	var wg sync.WaitGroup
	var ok, short int32
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Consume(context.Background(), testOp, ConsumeInput{
				WarehouseID: 10,
				ReferenceID: "SALE-C" + string(rune('A'+i)),
				Lines:       []Line{{ProductID: 1, Quantity: qty("10")}},
			})
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrInsufficientStock):
				atomic.AddInt32(&short, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok)
	assert.Equal(t, int32(7), short)
	assert.True(t, repo.lot(lot.ID).PhysicalQty.IsZero())
	assert.Len(t, repo.movementsOf(MovementSaleOut), 5)
	assertReconciled(t, repo)
}

func TestConsumeLockTimeoutIsRetryable(t *testing.T) {
	repo := newMemoryRepo()
	repo.lockWait = 10 * time.Millisecond
	repo.seedLot(1, 10, "L1", daysFromNow(10), "50", "0")
	repo.txLock <- struct{}{}
	defer func() { <-repo.txLock }()

	_, err := newTestLedger(repo).Consume(context.Background(), testOp, ConsumeInput{
		WarehouseID: 10, ReferenceID: "SALE-T", Lines: []Line{{ProductID: 1, Quantity: qty("1")}},
	})
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.True(t, IsRetryable(err))
}

func TestConsumeReplayWithOtherProductsConflicts(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLot(1, 10, "L1", daysFromNow(10), "100", "0")
	other := repo.seedLot(2, 10, "L2", daysFromNow(10), "100", "0")
	ledger := newTestLedger(repo)
	_, err := ledger.Consume(context.Background(), testOp, ConsumeInput{
		WarehouseID: 10, ReferenceID: "SALE-2", Lines: []Line{{ProductID: 1, Quantity: qty("4")}},
	})
	require.NoError(t, err)

	_, err = ledger.Consume(context.Background(), testOp, ConsumeInput{
		WarehouseID: 10, ReferenceID: "SALE-2", Lines: []Line{{ProductID: 1, Quantity: qty("4")}, {ProductID: 2, Quantity: qty("3")}},
	})
	require.ErrorIs(t, err, ErrReferenceConflict)
	assert.False(t, IsRetryable(err))
	assert.True(t, repo.lot(other.ID).PhysicalQty.Equal(qty("100")))
	assert.Len(t, repo.allMovements(), 1)
}

func TestReceiveReplayDoesNotCreateLot(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newTestLedger(repo)
	expiry := time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)
	later := expiry.AddDate(0, 1, 0)

	_, err := ledger.Receive(context.Background(), testOp, ReceiveInput{
		WarehouseID: 10, ReferenceID: "PO-7", LotCode: "B-1", ExpiryDate: &expiry,
		Lines: []Line{{ProductID: 1, Quantity: qty("25")}},
	})
	require.NoError(t, err)

	retry, err := ledger.Receive(context.Background(), testOp, ReceiveInput{
		WarehouseID: 10, ReferenceID: "PO-7", LotCode: "B-2", ExpiryDate: &later,
		Lines: []Line{{ProductID: 1, Quantity: qty("25")}},
	})
	require.NoError(t, err)
	assert.True(t, retry.Replayed)
	lots := repo.lotsOf(10, 1)
	require.Len(t, lots, 1)
	assert.Equal(t, "B-1", lots[0].LotCode)
}

func TestReceiveFindsOrCreatesLot(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newTestLedger(repo)
	expiry := time.Date(2026, 9, 30, 15, 4, 0, 0, time.UTC)

	first, err := ledger.Receive(context.Background(), testOp, ReceiveInput{
		WarehouseID: 10, ReferenceID: "PO-1", LotCode: "B-77", ExpiryDate: &expiry,
		Lines: []Line{{ProductID: 1, Quantity: qty("25")}},
	})
	require.NoError(t, err)
	require.Len(t, first.Movements, 1)
	assert.Equal(t, MovementPurchaseIn, first.Movements[0].Kind)

	_, err = ledger.Receive(context.Background(), testOp, ReceiveInput{
		WarehouseID: 10, ReferenceID: "PO-2", LotCode: "B-77", ExpiryDate: &expiry,
		Lines: []Line{{ProductID: 1, Quantity: qty("5")}},
	})
	require.NoError(t, err)

	replay, err := ledger.Receive(context.Background(), testOp, ReceiveInput{
		WarehouseID: 10, ReferenceID: "PO-1", LotCode: "B-77", ExpiryDate: &expiry,
		Lines: []Line{{ProductID: 1, Quantity: qty("25")}},
	})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)

	lots := repo.lotsOf(10, 1)
	require.Len(t, lots, 1)
	assert.True(t, lots[0].PhysicalQty.Equal(qty("30")))
	require.NotNil(t, lots[0].ExpiryDate)
	assert.Equal(t, 0, lots[0].ExpiryDate.Hour())
	assertReconciled(t, repo)

	_, err = ledger.Receive(context.Background(), testOp, ReceiveInput{
		WarehouseID: 10, ReferenceID: "PO-3", Lines: []Line{{ProductID: 1, Quantity: qty("-1")}},
	})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestReturnUsesGenericBucket(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLot(1, 10, "B-1", daysFromNow(5), "3", "0")
	res, err := newTestLedger(repo).Return(context.Background(), testOp, ReturnInput{
		WarehouseID: 10, ReferenceID: "SALE-9", Lines: []Line{{ProductID: 1, Quantity: qty("2")}},
	})
	require.NoError(t, err)
	require.Len(t, res.Movements, 1)
	assert.Equal(t, MovementReturnIn, res.Movements[0].Kind)

	lots := repo.lotsOf(10, 1)
	require.Len(t, lots, 2)
	assert.Equal(t, "", lots[1].LotCode)
	assert.Nil(t, lots[1].ExpiryDate)
	assert.True(t, lots[1].PhysicalQty.Equal(qty("2")))
	assertReconciled(t, repo)
}

func TestAdjustNeverBelowReserved(t *testing.T) {
	repo := newMemoryRepo()
	lot := repo.seedLot(1, 10, "L1", daysFromNow(10), "10", "6")
	ledger := newTestLedger(repo)

	_, err := ledger.Adjust(context.Background(), testOp, AdjustInput{LotID: lot.ID, Delta: qty("-5"), ReferenceID: "CNT-1"})
	require.ErrorIs(t, err, ErrInsufficientStock)
	assert.True(t, repo.lot(lot.ID).PhysicalQty.Equal(qty("10")))

	res, err := ledger.Adjust(context.Background(), testOp, AdjustInput{LotID: lot.ID, Delta: qty("-4"), ReferenceID: "CNT-2", Note: "cycle count"})
	require.NoError(t, err)
	require.Len(t, res.Movements, 1)
	assert.Equal(t, "cycle count", res.Movements[0].Note)
	assert.True(t, repo.lot(lot.ID).PhysicalQty.Equal(qty("6")))

	_, err = ledger.Adjust(context.Background(), testOp, AdjustInput{LotID: 999, Delta: qty("1"), ReferenceID: "CNT-3"})
	require.ErrorIs(t, err, ErrLotNotFound)
	_, err = ledger.Adjust(context.Background(), testOp, AdjustInput{LotID: lot.ID, Delta: qty("0"), ReferenceID: "CNT-4"})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	assertReconciled(t, repo)
}

func TestTransferKeepsLotIdentity(t *testing.T) {
	repo := newMemoryRepo()
	early := repo.seedLot(1, 10, "E", daysFromNow(3), "4", "0")
	late := repo.seedLot(1, 10, "L", daysFromNow(60), "10", "0")

	res, err := newTestLedger(repo).Transfer(context.Background(), testOp, TransferInput{
		FromWarehouseID: 10, ToWarehouseID: 20, ReferenceID: "TR-1",
		Lines: []Line{{ProductID: 1, Quantity: qty("6")}},
	})
	require.NoError(t, err)
	require.Len(t, res.Movements, 4)
	assert.True(t, repo.lot(early.ID).PhysicalQty.IsZero())
	assert.True(t, repo.lot(late.ID).PhysicalQty.Equal(qty("8")))

	dest := repo.lotsOf(20, 1)
	require.Len(t, dest, 2)
	byCode := map[string]Lot{dest[0].LotCode: dest[0], dest[1].LotCode: dest[1]}
	assert.True(t, byCode["E"].PhysicalQty.Equal(qty("4")))
	assert.True(t, sameDate(byCode["E"].ExpiryDate, early.ExpiryDate))
	assert.True(t, byCode["L"].PhysicalQty.Equal(qty("2")))

	replay, err := newTestLedger(repo).Transfer(context.Background(), testOp, TransferInput{
		FromWarehouseID: 10, ToWarehouseID: 20, ReferenceID: "TR-1",
		Lines: []Line{{ProductID: 1, Quantity: qty("6")}},
	})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Len(t, replay.Movements, 4)
	assertReconciled(t, repo)

	_, err = newTestLedger(repo).Transfer(context.Background(), testOp, TransferInput{
		FromWarehouseID: 10, ToWarehouseID: 10, ReferenceID: "TR-2",
		Lines: []Line{{ProductID: 1, Quantity: qty("1")}},
	})
	require.ErrorIs(t, err, ErrWarehouseRequired)
}

type recordingMetrics struct {
	mu        sync.Mutex
	outcomes  []string
	movements map[string]int
}

func (m *recordingMetrics) ObserveOperation(operation, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, operation+":"+outcome)
}

func (m *recordingMetrics) AddMovements(kind string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.movements == nil {
		m.movements = map[string]int{}
	}
	m.movements[kind] += n
}

type countingCache struct{ bumps int32 }

func (c *countingCache) Bump(context.Context) error {
	atomic.AddInt32(&c.bumps, 1)
	return nil
}

func TestLedgerReportsOutcomes(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLot(1, 10, "L1", daysFromNow(10), "5", "0")
	metrics := &recordingMetrics{}
	cache := &countingCache{}
	ledger := NewLedger(repo, Options{Metrics: metrics, Cache: cache})
	in := ConsumeInput{WarehouseID: 10, ReferenceID: "SALE-M1", Lines: []Line{{ProductID: 1, Quantity: qty("2")}}}

	_, err := ledger.Consume(context.Background(), testOp, in)
	require.NoError(t, err)
	_, err = ledger.Consume(context.Background(), testOp, in)
	require.NoError(t, err)
	_, err = ledger.Consume(context.Background(), testOp, ConsumeInput{WarehouseID: 10, ReferenceID: "SALE-M2", Lines: []Line{{ProductID: 1, Quantity: qty("9")}}})
	require.Error(t, err)

	assert.Equal(t, []string{"consume:ok", "consume:replayed", "consume:insufficient"}, metrics.outcomes)
	assert.Equal(t, 1, metrics.movements[string(MovementSaleOut)])
	assert.Equal(t, int32(1), atomic.LoadInt32(&cache.bumps))
}
