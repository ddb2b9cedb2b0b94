package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory/combo"
	"github.com/odyssey-erp/stockledger/internal/masterdata/products"
)

// UnitConverter converts a quantity into the product base unit.
type UnitConverter interface {
	ToBase(qty decimal.Decimal, fromUnit string, product products.Product) (decimal.Decimal, error)
}

// Preparer turns caller lines (any unit, combos allowed) into base-unit ledger lines.
type Preparer struct {
	catalog   combo.Catalog
	converter UnitConverter
	expander  *combo.Expander
}

// NewPreparer builds Preparer.
func NewPreparer(catalog combo.Catalog, converter UnitConverter) *Preparer {
	return &Preparer{catalog: catalog, converter: converter, expander: combo.NewExpander(catalog)}
}

// Prepare converts direct lines to base units, expands combos and merges the
// result per product.
func (p *Preparer) Prepare(ctx context.Context, lines []combo.Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no lines", ErrInvalidQuantity)
	}
	normalized := make([]combo.Line, 0, len(lines))
	for _, line := range lines {
		if !line.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: product %d quantity %s", ErrInvalidQuantity, line.ProductID, line.Quantity)
		}
		product, err := lookupProduct(ctx, p.catalog, line.ProductID)
		if err != nil {
			return nil, err
		}
		if !product.IsCombo {
			qty, err := p.converter.ToBase(line.Quantity, line.Unit, product)
			if err != nil {
				return nil, err
			}
			line.Quantity = qty
			line.Unit = ""
		}
		normalized = append(normalized, line)
	}
	expanded, err := p.expander.Expand(ctx, normalized)
	if err != nil {
		return nil, err
	}
	out := make([]Line, 0, len(expanded))
	for _, line := range expanded {
		out = append(out, Line{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return out, nil
}

// lookupProduct maps catalog failures onto inventory errors.
func lookupProduct(ctx context.Context, catalog combo.Catalog, id int64) (products.Product, error) {
	product, err := catalog.Get(ctx, id)
	if err != nil {
		if errors.Is(err, products.ErrNotFound) {
			return products.Product{}, fmt.Errorf("%w: %d", ErrProductNotFound, id)
		}
		return products.Product{}, err
	}
	if !product.IsActive {
		return products.Product{}, fmt.Errorf("%w: %d", ErrProductInactive, id)
	}
	return product, nil
}
