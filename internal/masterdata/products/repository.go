package products

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	Get(ctx context.Context, id int64) (Product, error)
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) Get(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.db.QueryRow(ctx, `SELECT id, code, name, COALESCE(base_unit, ''), is_combo, is_active FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Code, &p.Name, &p.BaseUnit, &p.IsCombo, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	if !p.IsCombo {
		return p, nil
	}

	rows, err := r.db.Query(ctx, `SELECT component_id, quantity FROM product_combo_components WHERE combo_id = $1 ORDER BY position, component_id`, id)
	if err != nil {
		return Product{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var c ComboComponent
		if err := rows.Scan(&c.ComponentID, &c.QuantityPerCombo); err != nil {
			return Product{}, err
		}
		p.Components = append(p.Components, c)
	}
	return p, rows.Err()
}
