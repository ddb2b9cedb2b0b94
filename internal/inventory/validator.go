package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory/combo"
	"github.com/odyssey-erp/stockledger/internal/masterdata/products"
	"github.com/odyssey-erp/stockledger/internal/masterdata/units"
)

// LineResult is the verdict for one requested line.
type LineResult struct {
	ProductID int64           `json:"product_id"`
	Requested decimal.Decimal `json:"requested"`
	Available decimal.Decimal `json:"available"`
	Unit      string          `json:"unit,omitempty"`
	Valid     bool            `json:"valid"`
	Error     string          `json:"error,omitempty"`
}

// ValidationResult aggregates line verdicts.
type ValidationResult struct {
	OverallValid bool         `json:"overall_valid"`
	Lines        []LineResult `json:"lines"`
	Errors       []string     `json:"errors"`
}

// ReservationExpirer expires due reservations.
type ReservationExpirer interface {
	Expire(ctx context.Context, op OperationContext, ids []int64) (int, error)
}

// Validator reports per-line sufficiency without locking. Its answer is
// advisory; Ledger.Consume repeats the check under lock.
type Validator struct {
	repo      RepositoryPort
	catalog   combo.Catalog
	converter UnitConverter
	expirer   ReservationExpirer
	logger    *slog.Logger
}

// NewValidator builds Validator. expirer may be nil.
func NewValidator(repo RepositoryPort, catalog combo.Catalog, converter UnitConverter, expirer ReservationExpirer, opts Options) *Validator {
	opts = opts.withDefaults()
	return &Validator{repo: repo, catalog: catalog, converter: converter, expirer: expirer, logger: opts.Logger}
}

// Validate checks every line against the warehouse. Lines for the same product
// draw on one pool: a line only sees what earlier valid lines left. Business
// failures are reported in the result; the error return is for infrastructure
// failures.
func (v *Validator) Validate(ctx context.Context, op OperationContext, lines []combo.Line, warehouseID int64) (ValidationResult, error) {
	result := ValidationResult{OverallValid: true, Lines: make([]LineResult, 0, len(lines)), Errors: []string{}}
	pool := make(map[int64]decimal.Decimal)
	fail := func(lr LineResult, msg string) {
		lr.Valid = false
		lr.Error = msg
		result.Lines = append(result.Lines, lr)
		result.Errors = append(result.Errors, msg)
		result.OverallValid = false
	}
	for _, line := range lines {
		lr := LineResult{ProductID: line.ProductID, Requested: line.Quantity, Available: decimal.Zero, Unit: line.Unit}
		if !line.Quantity.IsPositive() {
			fail(lr, fmt.Sprintf("product %d: quantity must be positive", line.ProductID))
			continue
		}
		product, err := lookupProduct(ctx, v.catalog, line.ProductID)
		switch {
		case errors.Is(err, ErrProductNotFound):
			fail(lr, fmt.Sprintf("product %d not found", line.ProductID))
			continue
		case errors.Is(err, ErrProductInactive):
			fail(lr, fmt.Sprintf("product %d is inactive", line.ProductID))
			continue
		case err != nil:
			return ValidationResult{}, err
		}
		required := line.Quantity
		if !product.IsCombo {
			required, err = v.converter.ToBase(line.Quantity, line.Unit, product)
			if err != nil {
				if errors.Is(err, units.ErrConversion) || errors.Is(err, units.ErrUnitNotConfigured) {
					fail(lr, fmt.Sprintf("product %d: %v", line.ProductID, err))
					continue
				}
				return ValidationResult{}, err
			}
		}
		lr.Requested = required
		available, ok := pool[product.ID]
		if !ok {
			available, err = v.available(ctx, op, product, warehouseID)
			if err != nil {
				return ValidationResult{}, err
			}
		}
		lr.Available = available
		if available.LessThan(required) {
			pool[product.ID] = available
			fail(lr, fmt.Sprintf("insufficient stock for product %d: available %s, requested %s", line.ProductID, available, required))
			continue
		}
		pool[product.ID] = available.Sub(required)
		lr.Valid = true
		result.Lines = append(result.Lines, lr)
	}
	return result, nil
}

// available sums lot availability with overdue reservations counted as free.
// Overdue reservations are handed to the expirer so the stored state catches up.
func (v *Validator) available(ctx context.Context, op OperationContext, product products.Product, warehouseID int64) (decimal.Decimal, error) {
	lots, err := v.repo.ListLots(ctx, warehouseID, product.ID)
	if err != nil {
		return decimal.Zero, err
	}
	if len(lots) == 0 {
		return decimal.Zero, nil
	}
	lotIDs := make([]int64, 0, len(lots))
	for _, lot := range lots {
		lotIDs = append(lotIDs, lot.ID)
	}
	due, err := v.repo.DueReservations(ctx, lotIDs, op.now())
	if err != nil {
		return decimal.Zero, err
	}
	freed := make(map[int64]decimal.Decimal, len(due))
	dueIDs := make([]int64, 0, len(due))
	for _, r := range due {
		freed[r.LotID] = freed[r.LotID].Add(r.Quantity)
		dueIDs = append(dueIDs, r.ID)
	}
	if len(dueIDs) > 0 && v.expirer != nil {
		if _, err := v.expirer.Expire(ctx, op, dueIDs); err != nil {
			v.logger.Warn("lazy reservation expiry failed", slog.Int64("product_id", product.ID), slog.Any("error", err))
		}
	}
	total := decimal.Zero
	for _, lot := range lots {
		if a := lot.Available().Add(freed[lot.ID]); a.IsPositive() {
			total = total.Add(a)
		}
	}
	return total, nil
}
