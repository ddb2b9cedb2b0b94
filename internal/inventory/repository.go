package inventory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Repository persists stock lots, movements and reservations in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs Repository. lockTimeout bounds how long a
// transaction waits for lot row locks.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

// TxRepository exposes transactional operations used by the ledger.
type TxRepository interface {
	LockLots(ctx context.Context, warehouseID int64, productIDs []int64) ([]Lot, error)
	LockLotsByID(ctx context.Context, ids []int64) ([]Lot, error)
	EnsureLot(ctx context.Context, key LotKey, at time.Time) (Lot, error)
	UpdateLot(ctx context.Context, lot Lot) error
	InsertMovement(ctx context.Context, m Movement) (Movement, error)
	MovementsByReference(ctx context.Context, kind MovementKind, operation Operation, referenceID string) ([]Movement, error)
	InsertReservation(ctx context.Context, r Reservation) (Reservation, error)
	ReservationByReference(ctx context.Context, referenceID string) (Reservation, error)
	ReservationsByID(ctx context.Context, ids []int64) ([]Reservation, error)
	DueReservations(ctx context.Context, lotIDs []int64, now time.Time) ([]Reservation, error)
	TransitionReservation(ctx context.Context, id int64, from, to ReservationState, at time.Time) (bool, error)
	ExtendReservation(ctx context.Context, id int64, expiresAt time.Time) (bool, error)
}

type txRepository struct {
	tx pgx.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

const lotColumns = `id, product_id, warehouse_id, lot_code, expiry_date, physical_qty, reserved_qty, initial_qty, created_at, updated_at`

const movementColumns = `id, operation_id::text, lot_id, product_id, warehouse_id, kind, operation, delta, reserved_delta, qty_before, qty_after, reference_id, actor_id, note, occurred_at`

const reservationColumns = `id, lot_id, quantity, state, owner_ref, reference_id, created_at, expires_at, closed_at`

// WithTx executes the callback inside a read-committed transaction with a
// bounded lock wait. Lot rows are serialised by FOR UPDATE; statements issued
// after a lock is granted observe the data committed by the previous holder.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("inventory repository not initialised")
	}
	opts := db.TxOptions{IsoLevel: pgx.ReadCommitted, LockTimeout: r.lockTimeout}
	return translateError(db.WithTx(ctx, r.pool, opts, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	}))
}

// translateError maps PostgreSQL lock and serialization failures onto the
// retryable sentinels.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "55P03":
		return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
	case "40001", "40P01":
		return fmt.Errorf("%w: %s", ErrSerialization, pgErr.Message)
	case "23505":
		return fmt.Errorf("%w: duplicate %s", ErrSerialization, pgErr.ConstraintName)
	}
	return err
}

func scanLot(row rowScanner) (Lot, error) {
	var lot Lot
	err := row.Scan(&lot.ID, &lot.ProductID, &lot.WarehouseID, &lot.LotCode, &lot.ExpiryDate,
		&lot.PhysicalQty, &lot.ReservedQty, &lot.InitialQty, &lot.CreatedAt, &lot.UpdatedAt)
	return lot, err
}

func collectLots(rows pgx.Rows, err error) ([]Lot, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lots := []Lot{}
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func scanMovement(row rowScanner) (Movement, error) {
	var m Movement
	var kind, operation string
	err := row.Scan(&m.ID, &m.OperationID, &m.LotID, &m.ProductID, &m.WarehouseID, &kind, &operation,
		&m.Delta, &m.ReservedDelta, &m.QtyBefore, &m.QtyAfter, &m.ReferenceID, &m.ActorID, &m.Note, &m.OccurredAt)
	m.Kind = MovementKind(kind)
	m.Operation = Operation(operation)
	return m, err
}

func collectMovements(rows pgx.Rows, err error) ([]Movement, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func scanReservation(row rowScanner) (Reservation, error) {
	var r Reservation
	var state string
	err := row.Scan(&r.ID, &r.LotID, &r.Quantity, &state, &r.OwnerRef, &r.ReferenceID, &r.CreatedAt, &r.ExpiresAt, &r.ClosedAt)
	r.State = ReservationState(state)
	return r, err
}

func collectReservations(rows pgx.Rows, err error) ([]Reservation, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Reservation{}
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LockLots locks every lot of the products in the warehouse, ascending by id.
func (r *txRepository) LockLots(ctx context.Context, warehouseID int64, productIDs []int64) ([]Lot, error) {
	return collectLots(r.tx.Query(ctx, `SELECT `+lotColumns+` FROM stock_lots
WHERE warehouse_id=$1 AND product_id = ANY($2)
ORDER BY id
FOR UPDATE`, warehouseID, productIDs))
}

func (r *txRepository) LockLotsByID(ctx context.Context, ids []int64) ([]Lot, error) {
	return collectLots(r.tx.Query(ctx, `SELECT `+lotColumns+` FROM stock_lots WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids))
}

func (r *txRepository) EnsureLot(ctx context.Context, key LotKey, at time.Time) (Lot, error) {
	if _, err := r.tx.Exec(ctx, `INSERT INTO stock_lots (product_id, warehouse_id, lot_code, expiry_date, physical_qty, reserved_qty, initial_qty, created_at, updated_at)
VALUES ($1,$2,$3,$4,0,0,0,$5,$5)
ON CONFLICT (product_id, warehouse_id, lot_code, expiry_key) DO NOTHING`, key.ProductID, key.WarehouseID, key.LotCode, nullDate(key.ExpiryDate), at); err != nil {
		return Lot{}, err
	}
	return scanLot(r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM stock_lots
WHERE product_id=$1 AND warehouse_id=$2 AND lot_code=$3 AND expiry_key = COALESCE($4::date, 'infinity'::date)
FOR UPDATE`, key.ProductID, key.WarehouseID, key.LotCode, nullDate(key.ExpiryDate)))
}

func (r *txRepository) UpdateLot(ctx context.Context, lot Lot) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_lots SET physical_qty=$2, reserved_qty=$3, updated_at=$4 WHERE id=$1`,
		lot.ID, lot.PhysicalQty, lot.ReservedQty, lot.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrLotNotFound, lot.ID)
	}
	return nil
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) (Movement, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (operation_id, lot_id, product_id, warehouse_id, kind, operation, delta, reserved_delta, qty_before, qty_after, reference_id, actor_id, note, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) RETURNING id`,
		m.OperationID, m.LotID, m.ProductID, m.WarehouseID, string(m.Kind), string(m.Operation), m.Delta, m.ReservedDelta,
		m.QtyBefore, m.QtyAfter, m.ReferenceID, m.ActorID, m.Note, m.OccurredAt).Scan(&m.ID)
	return m, err
}

func (r *txRepository) MovementsByReference(ctx context.Context, kind MovementKind, operation Operation, referenceID string) ([]Movement, error) {
	return collectMovements(r.tx.Query(ctx, `SELECT `+movementColumns+` FROM stock_movements WHERE kind=$1 AND operation=$2 AND reference_id=$3 ORDER BY id`, string(kind), string(operation), referenceID))
}

func (r *txRepository) InsertReservation(ctx context.Context, res Reservation) (Reservation, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_reservations (lot_id, quantity, state, owner_ref, reference_id, created_at, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		res.LotID, res.Quantity, string(res.State), res.OwnerRef, res.ReferenceID, res.CreatedAt, res.ExpiresAt).Scan(&res.ID)
	return res, err
}

func (r *txRepository) ReservationByReference(ctx context.Context, referenceID string) (Reservation, error) {
	res, err := scanReservation(r.tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM stock_reservations WHERE reference_id=$1`, referenceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrReservationNotFound
	}
	return res, err
}

func (r *txRepository) ReservationsByID(ctx context.Context, ids []int64) ([]Reservation, error) {
	return collectReservations(r.tx.Query(ctx, `SELECT `+reservationColumns+` FROM stock_reservations WHERE id = ANY($1) ORDER BY id`, ids))
}

func (r *txRepository) DueReservations(ctx context.Context, lotIDs []int64, now time.Time) ([]Reservation, error) {
	return collectReservations(r.tx.Query(ctx, `SELECT `+reservationColumns+` FROM stock_reservations
WHERE lot_id = ANY($1) AND state='ACTIVE' AND expires_at < $2 ORDER BY id`, lotIDs, now))
}

// TransitionReservation is a compare-and-swap on state; false means another
// caller already moved it.
func (r *txRepository) TransitionReservation(ctx context.Context, id int64, from, to ReservationState, at time.Time) (bool, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_reservations SET state=$3, closed_at=$4 WHERE id=$1 AND state=$2`, id, string(from), string(to), at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepository) ExtendReservation(ctx context.Context, id int64, expiresAt time.Time) (bool, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_reservations SET expires_at=$2 WHERE id=$1 AND state='ACTIVE'`, id, expiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListLots returns lots without locking.
func (r *Repository) ListLots(ctx context.Context, warehouseID, productID int64) ([]Lot, error) {
	return collectLots(r.pool.Query(ctx, `SELECT `+lotColumns+` FROM stock_lots WHERE warehouse_id=$1 AND product_id=$2 ORDER BY id`, warehouseID, productID))
}

func (r *Repository) GetLot(ctx context.Context, id int64) (Lot, error) {
	lot, err := scanLot(r.pool.QueryRow(ctx, `SELECT `+lotColumns+` FROM stock_lots WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Lot{}, ErrLotNotFound
	}
	return lot, err
}

func (r *Repository) GetReservation(ctx context.Context, id int64) (Reservation, error) {
	res, err := scanReservation(r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM stock_reservations WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrReservationNotFound
	}
	return res, err
}

func (r *Repository) DueReservations(ctx context.Context, lotIDs []int64, now time.Time) ([]Reservation, error) {
	return collectReservations(r.pool.Query(ctx, `SELECT `+reservationColumns+` FROM stock_reservations
WHERE lot_id = ANY($1) AND state='ACTIVE' AND expires_at < $2 ORDER BY id`, lotIDs, now))
}

func (r *Repository) DueReservationIDs(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM stock_reservations WHERE state='ACTIVE' AND expires_at < $1 ORDER BY id LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListMovements uses a dynamic query because every filter is optional.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	query := `SELECT ` + movementColumns + ` FROM stock_movements WHERE 1=1`
	args := []any{}
	add := func(clause string, value any) {
		args = append(args, value)
		query += ` AND ` + clause + `$` + strconv.Itoa(len(args))
	}
	if filter.LotID != 0 {
		add("lot_id = ", filter.LotID)
	}
	if filter.ProductID != 0 {
		add("product_id = ", filter.ProductID)
	}
	if filter.WarehouseID != 0 {
		add("warehouse_id = ", filter.WarehouseID)
	}
	if filter.ReferenceID != "" {
		add("reference_id = ", filter.ReferenceID)
	}
	if filter.Kind != "" {
		add("kind = ", string(filter.Kind))
	}
	if !filter.From.IsZero() {
		add("occurred_at >= ", filter.From)
	}
	if !filter.To.IsZero() {
		add("occurred_at <= ", filter.To)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)
	query += ` ORDER BY occurred_at ASC, id ASC LIMIT $` + strconv.Itoa(len(args))
	return collectMovements(r.pool.Query(ctx, query, args...))
}

func (r *Repository) SumMovementDeltas(ctx context.Context, lotID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(delta), 0) FROM stock_movements WHERE lot_id=$1`, lotID).Scan(&sum)
	return sum, err
}

// ListStockLevels returns product/warehouse totals whose available quantity is at or below threshold.
func (r *Repository) ListStockLevels(ctx context.Context, warehouseID int64, threshold decimal.Decimal) ([]StockLevel, error) {
	rows, err := r.pool.Query(ctx, `SELECT product_id, warehouse_id, SUM(physical_qty), SUM(reserved_qty), SUM(physical_qty - reserved_qty) AS available
FROM stock_lots
WHERE ($1::bigint = 0 OR warehouse_id = $1)
GROUP BY product_id, warehouse_id
HAVING SUM(physical_qty - reserved_qty) <= $2
ORDER BY available ASC, product_id, warehouse_id`, warehouseID, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	levels := []StockLevel{}
	for rows.Next() {
		var lvl StockLevel
		if err := rows.Scan(&lvl.ProductID, &lvl.WarehouseID, &lvl.PhysicalQty, &lvl.ReservedQty, &lvl.Available); err != nil {
			return nil, err
		}
		levels = append(levels, lvl)
	}
	return levels, rows.Err()
}

// ListExpiringLots returns lots with stock whose expiry falls in [from, until].
func (r *Repository) ListExpiringLots(ctx context.Context, from, until time.Time) ([]Lot, error) {
	return collectLots(r.pool.Query(ctx, `SELECT `+lotColumns+` FROM stock_lots
WHERE physical_qty > 0 AND expiry_date IS NOT NULL AND expiry_date BETWEEN $1::date AND $2::date
ORDER BY expiry_date ASC, id ASC`, from, until))
}

func nullDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
