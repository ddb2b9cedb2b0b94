package inventory

import (
	"sort"

	"github.com/shopspring/decimal"
)

// fifoLess orders lots by expiry ascending with undated lots last, then by id.
func fifoLess(a, b *Lot) bool {
	switch {
	case a.ExpiryDate == nil && b.ExpiryDate == nil:
		return a.ID < b.ID
	case a.ExpiryDate == nil:
		return false
	case b.ExpiryDate == nil:
		return true
	case !a.ExpiryDate.Equal(*b.ExpiryDate):
		return a.ExpiryDate.Before(*b.ExpiryDate)
	}
	return a.ID < b.ID
}

func sortFIFO(lots []*Lot) []*Lot {
	ordered := make([]*Lot, len(lots))
	copy(ordered, lots)
	sort.SliceStable(ordered, func(i, j int) bool { return fifoLess(ordered[i], ordered[j]) })
	return ordered
}

type allocation struct {
	lot *Lot
	qty decimal.Decimal
}

// planFIFO takes min(remaining, available) from each lot with stock in FIFO
// order and returns what could not be covered.
func planFIFO(lots []*Lot, required decimal.Decimal) ([]allocation, decimal.Decimal) {
	remaining := required
	var allocs []allocation
	for _, lot := range sortFIFO(lots) {
		if !remaining.IsPositive() {
			break
		}
		available := lot.Available()
		if !available.IsPositive() {
			continue
		}
		take := decimal.Min(remaining, available)
		allocs = append(allocs, allocation{lot: lot, qty: take})
		remaining = remaining.Sub(take)
	}
	return allocs, remaining
}

// lotSet is the working copy of the lots locked by one transaction.
type lotSet struct {
	order     []int64
	byID      map[int64]*Lot
	byProduct map[int64][]*Lot
}

func newLotSet(lots []Lot) *lotSet {
	s := &lotSet{byID: make(map[int64]*Lot, len(lots)), byProduct: make(map[int64][]*Lot)}
	for _, lot := range lots {
		s.add(lot)
	}
	return s
}

func (s *lotSet) add(lot Lot) *Lot {
	if existing, ok := s.byID[lot.ID]; ok {
		return existing
	}
	p := &lot
	s.order = append(s.order, lot.ID)
	s.byID[lot.ID] = p
	s.byProduct[lot.ProductID] = append(s.byProduct[lot.ProductID], p)
	return p
}

func (s *lotSet) ids() []int64 {
	out := make([]int64, len(s.order))
	copy(out, s.order)
	return out
}

// available sums the positive availability of a product's lots.
func (s *lotSet) available(productID int64) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range s.byProduct[productID] {
		if a := lot.Available(); a.IsPositive() {
			total = total.Add(a)
		}
	}
	return total
}

func (s *lotSet) shortfalls(warehouseID int64, demand []Line) []Shortfall {
	var out []Shortfall
	for _, line := range demand {
		available := s.available(line.ProductID)
		if available.LessThan(line.Quantity) {
			out = append(out, Shortfall{
				ProductID:   line.ProductID,
				WarehouseID: warehouseID,
				Requested:   line.Quantity,
				Available:   available,
			})
		}
	}
	return out
}
