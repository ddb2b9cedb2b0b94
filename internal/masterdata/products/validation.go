package products

import (
	"fmt"
)

func validateDefinition(p Product) error {
	if !p.IsCombo {
		if len(p.Components) > 0 {
			return fmt.Errorf("%w: product %d is not a combo but has components", ErrInvalidDefinition, p.ID)
		}
		return nil
	}
	seen := make(map[int64]struct{}, len(p.Components))
	for _, c := range p.Components {
		if c.ComponentID == p.ID {
			return fmt.Errorf("%w: combo %d contains itself", ErrInvalidDefinition, p.ID)
		}
		if !c.QuantityPerCombo.IsPositive() {
			return fmt.Errorf("%w: combo %d component %d quantity must be positive", ErrInvalidDefinition, p.ID, c.ComponentID)
		}
		if _, dup := seen[c.ComponentID]; dup {
			return fmt.Errorf("%w: combo %d lists component %d twice", ErrInvalidDefinition, p.ID, c.ComponentID)
		}
		seen[c.ComponentID] = struct{}{}
	}
	return nil
}
