package units

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	ListConversions(ctx context.Context) ([]Conversion, error)
}

type repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

// ListConversions loads the whole conversion table; it is small and cached by Converter.
func (r *repository) ListConversions(ctx context.Context) ([]Conversion, error) {
	rows, err := r.pool.Query(ctx, `SELECT COALESCE(product_id, 0), from_unit, to_unit, factor FROM unit_conversions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversions []Conversion
	for rows.Next() {
		var c Conversion
		if err := rows.Scan(&c.ProductID, &c.FromUnit, &c.ToUnit, &c.Factor); err != nil {
			return nil, err
		}
		conversions = append(conversions, c)
	}
	return conversions, rows.Err()
}

// LoadConverter reads the table and builds a Converter.
func LoadConverter(ctx context.Context, repo Repository) (*Converter, error) {
	conversions, err := repo.ListConversions(ctx)
	if err != nil {
		return nil, err
	}
	return NewConverter(conversions)
}
