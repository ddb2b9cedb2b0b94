package units

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/masterdata/products"
)

type conversionKey struct {
	productID int64
	from      string
	to        string
}

// Converter translates quantities between a product's base unit and other units.
type Converter struct {
	mu      sync.RWMutex
	factors map[conversionKey]decimal.Decimal
}

// NewConverter builds a converter from a conversion table.
func NewConverter(conversions []Conversion) (*Converter, error) {
	c := &Converter{}
	if err := c.Reload(conversions); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload swaps the conversion table atomically.
func (c *Converter) Reload(conversions []Conversion) error {
	factors := make(map[conversionKey]decimal.Decimal, len(conversions))
	for _, conv := range conversions {
		if !conv.Factor.IsPositive() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidFactor, conv.FromUnit, conv.ToUnit)
		}
		key := conversionKey{productID: conv.ProductID, from: normalize(conv.FromUnit), to: normalize(conv.ToUnit)}
		factors[key] = conv.Factor
	}
	c.mu.Lock()
	c.factors = factors
	c.mu.Unlock()
	return nil
}

// Scale is the number of decimal places stock quantities are stored with.
const Scale int32 = 6

// ToBase converts qty expressed in fromUnit into the product's base unit,
// rounded to Scale. Combo products are counted in whole units and returned
// untouched.
func (c *Converter) ToBase(qty decimal.Decimal, fromUnit string, product products.Product) (decimal.Decimal, error) {
	if product.IsCombo {
		return qty, nil
	}
	base, from, err := resolve(fromUnit, product)
	if err != nil {
		return decimal.Zero, err
	}
	return c.convert(qty, product.ID, from, base)
}

// FromBase converts a base quantity into toUnit, rounded to Scale.
func (c *Converter) FromBase(qty decimal.Decimal, toUnit string, product products.Product) (decimal.Decimal, error) {
	if product.IsCombo {
		return qty, nil
	}
	base, to, err := resolve(toUnit, product)
	if err != nil {
		return decimal.Zero, err
	}
	return c.convert(qty, product.ID, base, to)
}

// Factor returns how many to-units make one from-unit. Product specific
// entries win over global ones; a reverse entry is inverted when needed, so
// the result of an inverted factor is itself rounded.
func (c *Converter) Factor(productID int64, from, to string) (decimal.Decimal, error) {
	f, inverse, err := c.lookup(productID, from, to)
	if err != nil || !inverse {
		return f, err
	}
	return decimal.NewFromInt(1).Div(f), nil
}

// convert multiplies by a forward factor and divides by a reverse one, so a
// reverse entry never goes through a rounded inverse.
func (c *Converter) convert(qty decimal.Decimal, productID int64, from, to string) (decimal.Decimal, error) {
	f, inverse, err := c.lookup(productID, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	if inverse {
		return qty.DivRound(f, Scale), nil
	}
	return qty.Mul(f).Round(Scale), nil
}

// lookup returns the stored factor linking from and to, and whether it is
// stored the other way round.
func (c *Converter) lookup(productID int64, from, to string) (decimal.Decimal, bool, error) {
	from, to = normalize(from), normalize(to)
	if from == to {
		return decimal.NewFromInt(1), false, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, pid := range []int64{productID, 0} {
		if f, ok := c.factors[conversionKey{productID: pid, from: from, to: to}]; ok {
			return f, false, nil
		}
		if f, ok := c.factors[conversionKey{productID: pid, from: to, to: from}]; ok {
			return f, true, nil
		}
	}
	return decimal.Zero, false, &ConversionError{ProductID: productID, From: from, To: to}
}

// resolve returns the base unit and the requested unit, both normalised. An
// empty request means the base unit; a product without base unit takes the
// requested one as its base.
func resolve(unit string, product products.Product) (string, string, error) {
	base := normalize(product.BaseUnit)
	requested := normalize(unit)
	switch {
	case base == "" && requested == "":
		return "", "", fmt.Errorf("%w: product %d", ErrUnitNotConfigured, product.ID)
	case base == "":
		return requested, requested, nil
	case requested == "":
		return base, base, nil
	}
	return base, requested, nil
}

func normalize(unit string) string {
	return strings.ToUpper(strings.TrimSpace(unit))
}
