package combo

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// LineSet is an insertion ordered map of lines keyed by product id.
// Add sums quantities and keeps the unit and metadata seen first.
type LineSet struct {
	order []int64
	lines map[int64]*Line
}

// NewLineSet returns an empty set.
func NewLineSet() *LineSet {
	return &LineSet{lines: make(map[int64]*Line)}
}

// Add merges line into the set.
func (s *LineSet) Add(line Line) error {
	existing, ok := s.lines[line.ProductID]
	if !ok {
		copied := line
		copied.Selected = nil
		copied.Meta = cloneMeta(line.Meta)
		s.lines[line.ProductID] = &copied
		s.order = append(s.order, line.ProductID)
		return nil
	}
	if !strings.EqualFold(strings.TrimSpace(existing.Unit), strings.TrimSpace(line.Unit)) {
		return fmt.Errorf("%w: product %d has %q and %q", ErrMixedUnits, line.ProductID, existing.Unit, line.Unit)
	}
	existing.Quantity = existing.Quantity.Add(line.Quantity)
	return nil
}

// Quantity returns the merged quantity for a product.
func (s *LineSet) Quantity(productID int64) decimal.Decimal {
	if line, ok := s.lines[productID]; ok {
		return line.Quantity
	}
	return decimal.Zero
}

// Len reports the number of distinct products.
func (s *LineSet) Len() int {
	return len(s.order)
}

// Lines returns the merged lines in first-seen order.
func (s *LineSet) Lines() []Line {
	out := make([]Line, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.lines[id])
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
