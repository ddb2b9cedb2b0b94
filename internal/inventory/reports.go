package inventory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ExpiringLot is a lot with stock whose expiry is near.
type ExpiringLot struct {
	Lot
	DaysLeft int `json:"days_left"`
}

// Reports answers read-only stock queries through the report cache.
type Reports struct {
	repo  RepositoryPort
	cache *ReportCache
}

// NewReports builds Reports. cache may be nil.
func NewReports(repo RepositoryPort, cache *ReportCache) *Reports {
	return &Reports{repo: repo, cache: cache}
}

// ListLowStock returns product/warehouse pairs whose available quantity is at
// or below threshold. warehouseID 0 covers every warehouse.
func (r *Reports) ListLowStock(ctx context.Context, threshold decimal.Decimal, warehouseID int64) ([]StockLevel, error) {
	if threshold.IsNegative() {
		return nil, fmt.Errorf("%w: threshold %s", ErrInvalidQuantity, threshold)
	}
	key, err := r.cache.Key(ctx, "low_stock", strconv.FormatInt(warehouseID, 10), threshold.String())
	if err != nil {
		return nil, err
	}
	var levels []StockLevel
	err = r.cache.FetchJSON(ctx, key, &levels, func(ctx context.Context) (any, error) {
		return r.repo.ListStockLevels(ctx, warehouseID, threshold)
	})
	return levels, err
}

// ListExpiringSoon returns lots with stock expiring within the next withinDays
// days, soonest first.
func (r *Reports) ListExpiringSoon(ctx context.Context, op OperationContext, withinDays int) ([]ExpiringLot, error) {
	if withinDays < 0 {
		return nil, fmt.Errorf("inventory: negative expiry window %d", withinDays)
	}
	now := op.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	until := today.AddDate(0, 0, withinDays)
	key, err := r.cache.Key(ctx, "expiring", today.Format("2006-01-02"), strconv.Itoa(withinDays))
	if err != nil {
		return nil, err
	}
	var out []ExpiringLot
	err = r.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		lots, err := r.repo.ListExpiringLots(ctx, today, until)
		if err != nil {
			return nil, err
		}
		items := make([]ExpiringLot, 0, len(lots))
		for _, lot := range lots {
			days := 0
			if lot.ExpiryDate != nil {
				days = int(lot.ExpiryDate.Sub(today).Hours() / 24)
			}
			items = append(items, ExpiringLot{Lot: lot, DaysLeft: days})
		}
		return items, nil
	})
	return out, err
}
