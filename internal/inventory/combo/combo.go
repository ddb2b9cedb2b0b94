// Package combo expands bundle products into their components.
package combo

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/masterdata/products"
)

// MetaComboProductID is set on component lines produced by expansion.
const MetaComboProductID = "combo_product_id"

// Selection picks one component of a substitutable combo with its own quantity per combo.
type Selection struct {
	ComponentID int64           `json:"component_id"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// Line is a requested product quantity. Meta carries caller context such as
// the requested price tier and survives expansion untouched.
type Line struct {
	ProductID int64             `json:"product_id"`
	Quantity  decimal.Decimal   `json:"quantity"`
	Unit      string            `json:"unit,omitempty"`
	Selected  []Selection       `json:"selected,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

var (
	// ErrInvalidQuantity indicates a non positive line or selection quantity.
	ErrInvalidQuantity = errors.New("combo: quantity must be positive")
	// ErrUnknownComponent indicates a selection outside the combo definition.
	ErrUnknownComponent = errors.New("combo: selected component is not part of combo")
	// ErrEmptyCombo indicates a combo with nothing to expand.
	ErrEmptyCombo = errors.New("combo: combo has no components")
	// ErrMixedUnits indicates two lines for one product in different units.
	ErrMixedUnits = errors.New("combo: lines for the same product use different units")
)

// Catalog resolves products.
type Catalog interface {
	Get(ctx context.Context, id int64) (products.Product, error)
}

// Expander flattens combo lines. It only reads the catalog.
type Expander struct {
	catalog Catalog
}

// NewExpander constructs Expander.
func NewExpander(catalog Catalog) *Expander {
	return &Expander{catalog: catalog}
}

// Expand returns the merged, flat list of lines.
func (e *Expander) Expand(ctx context.Context, lines []Line) ([]Line, error) {
	set := NewLineSet()
	for _, line := range lines {
		if !line.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: product %d", ErrInvalidQuantity, line.ProductID)
		}
		product, err := e.catalog.Get(ctx, line.ProductID)
		if err != nil {
			return nil, fmt.Errorf("combo: load product %d: %w", line.ProductID, err)
		}
		if !product.IsCombo {
			if err := set.Add(line); err != nil {
				return nil, err
			}
			continue
		}
		components, err := Components(product, line.Selected)
		if err != nil {
			return nil, err
		}
		for _, c := range components {
			meta := cloneMeta(line.Meta)
			if meta == nil {
				meta = make(map[string]string, 1)
			}
			meta[MetaComboProductID] = strconv.FormatInt(product.ID, 10)
			if err := set.Add(Line{
				ProductID: c.ComponentID,
				Quantity:  c.QuantityPerCombo.Mul(line.Quantity),
				Meta:      meta,
			}); err != nil {
				return nil, err
			}
		}
	}
	return set.Lines(), nil
}

// Components resolves which components one unit of the combo stands for.
// A selection replaces the default set and its quantities.
func Components(product products.Product, selected []Selection) ([]products.ComboComponent, error) {
	if len(selected) == 0 {
		if len(product.Components) == 0 {
			return nil, fmt.Errorf("%w: %d", ErrEmptyCombo, product.ID)
		}
		return product.Components, nil
	}
	out := make([]products.ComboComponent, 0, len(selected))
	for _, sel := range selected {
		if _, ok := product.Component(sel.ComponentID); !ok {
			return nil, fmt.Errorf("%w: combo %d component %d", ErrUnknownComponent, product.ID, sel.ComponentID)
		}
		if !sel.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: combo %d component %d", ErrInvalidQuantity, product.ID, sel.ComponentID)
		}
		out = append(out, products.ComboComponent{ComponentID: sel.ComponentID, QuantityPerCombo: sel.Quantity})
	}
	return out, nil
}
