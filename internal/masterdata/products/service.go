package products

import (
	"context"
	"fmt"
)

// Service is the read-only catalog used by inventory components.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Get loads a product and checks its combo definition.
func (s *Service) Get(ctx context.Context, id int64) (Product, error) {
	if id <= 0 {
		return Product{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return Product{}, err
	}
	if err := validateDefinition(p); err != nil {
		return Product{}, err
	}
	return p, nil
}
