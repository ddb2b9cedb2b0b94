package products

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Product is the catalog view consumed by the stock ledger.
type Product struct {
	ID         int64            `json:"id"`
	Code       string           `json:"code"`
	Name       string           `json:"name"`
	BaseUnit   string           `json:"base_unit"`
	IsCombo    bool             `json:"is_combo"`
	IsActive   bool             `json:"is_active"`
	Components []ComboComponent `json:"components,omitempty"`
}

// ComboComponent is one constituent of a combo product.
type ComboComponent struct {
	ComponentID      int64           `json:"component_id"`
	QuantityPerCombo decimal.Decimal `json:"quantity_per_combo"`
}

// Component returns the configured component with the given id.
func (p Product) Component(id int64) (ComboComponent, bool) {
	for _, c := range p.Components {
		if c.ComponentID == id {
			return c, true
		}
	}
	return ComboComponent{}, false
}

var (
	// ErrNotFound indicates the product does not exist.
	ErrNotFound = errors.New("products: product not found")
	// ErrInvalidDefinition indicates a malformed combo definition.
	ErrInvalidDefinition = errors.New("products: invalid combo definition")
)
