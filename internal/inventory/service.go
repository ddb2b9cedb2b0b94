package inventory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// RepositoryPort abstracts repository usage for the inventory services.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListLots(ctx context.Context, warehouseID, productID int64) ([]Lot, error)
	GetLot(ctx context.Context, id int64) (Lot, error)
	GetReservation(ctx context.Context, id int64) (Reservation, error)
	DueReservations(ctx context.Context, lotIDs []int64, now time.Time) ([]Reservation, error)
	DueReservationIDs(ctx context.Context, now time.Time, limit int) ([]int64, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	SumMovementDeltas(ctx context.Context, lotID int64) (decimal.Decimal, error)
	ListStockLevels(ctx context.Context, warehouseID int64, threshold decimal.Decimal) ([]StockLevel, error)
	ListExpiringLots(ctx context.Context, from, until time.Time) ([]Lot, error)
}

// Metrics receives ledger instrumentation.
type Metrics interface {
	ObserveOperation(operation, outcome string, elapsed time.Duration)
	AddMovements(kind string, n int)
}

// CacheInvalidator is told when committed stock changed.
type CacheInvalidator interface {
	Bump(ctx context.Context) error
}

// Options groups optional collaborators shared by the inventory services.
type Options struct {
	Logger  *slog.Logger
	Metrics Metrics
	Cache   CacheInvalidator
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, string, time.Duration) {}
func (noopMetrics) AddMovements(string, int)                       {}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	return o
}

// afterCommit records the outcome of a mutating call and invalidates cached reports.
func (o Options) afterCommit(ctx context.Context, operation Operation, started time.Time, res Result, err error) {
	outcome := outcomeOf(res, err)
	o.Metrics.ObserveOperation(string(operation), outcome, time.Since(started))
	if err != nil || res.Replayed || len(res.Movements) == 0 {
		if IsRetryable(err) {
			o.Logger.Warn("inventory operation conflict", slog.String("operation", string(operation)), slog.Any("error", err))
		}
		return
	}
	counts := make(map[MovementKind]int)
	for _, m := range res.Movements {
		counts[m.Kind]++
	}
	for kind, n := range counts {
		o.Metrics.AddMovements(string(kind), n)
	}
	if o.Cache != nil {
		if cacheErr := o.Cache.Bump(ctx); cacheErr != nil {
			o.Logger.Warn("inventory report cache bump", slog.Any("error", cacheErr))
		}
	}
	o.Logger.Debug("inventory operation committed",
		slog.String("operation", string(operation)),
		slog.String("operation_id", res.OperationID),
		slog.Int("movements", len(res.Movements)))
}

func outcomeOf(res Result, err error) string {
	switch {
	case err == nil && res.Replayed:
		return "replayed"
	case err == nil:
		return "ok"
	case IsRetryable(err):
		return "retryable"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient"
	default:
		return "error"
	}
}
