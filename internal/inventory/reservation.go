package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReservationConfig bounds reservation lifetimes.
type ReservationConfig struct {
	DefaultTTL time.Duration
	MaxHorizon time.Duration
}

// Reservations places, releases, extends, expires and consumes holds on lots.
type Reservations struct {
	repo    RepositoryPort
	auditor *Auditor
	cfg     ReservationConfig
	opts    Options
}

// NewReservations builds Reservations.
func NewReservations(repo RepositoryPort, cfg ReservationConfig, opts Options) *Reservations {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 48 * time.Hour
	}
	return &Reservations{repo: repo, auditor: NewAuditor(repo), cfg: cfg, opts: opts.withDefaults()}
}

// Reserve holds quantity of one lot. A second call with the same reference
// returns the existing reservation.
func (s *Reservations) Reserve(ctx context.Context, op OperationContext, in ReserveInput) (Reservation, error) {
	started := time.Now()
	out, res, err := s.reserve(ctx, op, in)
	s.opts.afterCommit(ctx, OpReserve, started, res, err)
	return out, err
}

func (s *Reservations) reserve(ctx context.Context, op OperationContext, in ReserveInput) (Reservation, Result, error) {
	if in.LotID <= 0 {
		return Reservation{}, Result{}, ErrLotNotFound
	}
	if !in.Quantity.IsPositive() || !storable(in.Quantity) {
		return Reservation{}, Result{}, fmt.Errorf("%w: reservation quantity %s", ErrInvalidQuantity, in.Quantity)
	}
	if strings.TrimSpace(in.ReferenceID) == "" {
		return Reservation{}, Result{}, ErrReferenceRequired
	}
	now := op.now()
	expiresAt := in.ExpiresAt.UTC()
	if in.ExpiresAt.IsZero() {
		expiresAt = now.Add(s.cfg.DefaultTTL)
	}
	if !expiresAt.After(now) {
		return Reservation{}, Result{}, ErrInvalidExpiry
	}
	if s.beyondHorizon(now, expiresAt) {
		return Reservation{}, Result{}, ErrExtensionTooFar
	}

	var out Reservation
	res := Result{OperationID: uuid.NewString()}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockLotsByID(ctx, []int64{in.LotID})
		if err != nil {
			return err
		}
		if len(locked) == 0 {
			return fmt.Errorf("%w: %d", ErrLotNotFound, in.LotID)
		}
		existing, err := tx.ReservationByReference(ctx, in.ReferenceID)
		switch {
		case err == nil:
			out = existing
			res.Replayed = true
			return nil
		case !errors.Is(err, ErrReservationNotFound):
			return err
		}
		set := newLotSet(locked)
		if _, err := expireDue(ctx, tx, s.auditor, set, op, res.OperationID); err != nil {
			return err
		}
		lot := set.byID[in.LotID]
		if available := lot.Available(); in.Quantity.GreaterThan(available) {
			return &InsufficientStockError{Shortfalls: []Shortfall{{
				ProductID:   lot.ProductID,
				WarehouseID: lot.WarehouseID,
				Requested:   in.Quantity,
				Available:   decimal.Max(available, decimal.Zero),
			}}}
		}
		out, err = tx.InsertReservation(ctx, Reservation{
			LotID:       lot.ID,
			Quantity:    in.Quantity,
			State:       ReservationActive,
			OwnerRef:    in.OwnerRef,
			ReferenceID: in.ReferenceID,
			CreatedAt:   now,
			ExpiresAt:   expiresAt,
		})
		if err != nil {
			return err
		}
		before := *lot
		lot.ReservedQty = lot.ReservedQty.Add(in.Quantity)
		m, err := commitLot(ctx, tx, s.auditor, MovementDraft{
			OperationID: res.OperationID,
			Kind:        MovementReservationHold,
			Operation:   OpReserve,
			Before:      before,
			After:       *lot,
			ReferenceID: in.ReferenceID,
			ActorID:     op.ActorID,
			Note:        reservationNote(out.ID, in.OwnerRef),
			OccurredAt:  now,
		})
		if err != nil {
			return err
		}
		res.Movements = append(res.Movements, m)
		return nil
	})
	if err != nil {
		return Reservation{}, Result{}, err
	}
	return out, res, nil
}

// Release lifts an active hold. Releasing a reservation that already reached a
// terminal state is a no-op and returns it unchanged.
func (s *Reservations) Release(ctx context.Context, op OperationContext, id int64) (Reservation, error) {
	started := time.Now()
	var out Reservation
	res := Result{OperationID: uuid.NewString()}
	err := s.onReservation(ctx, op, id, res.OperationID, func(ctx context.Context, tx TxRepository, set *lotSet, current Reservation) error {
		out = current
		if current.State != ReservationActive {
			return nil
		}
		movements, closed, err := closeReservations(ctx, tx, s.auditor, set, []Reservation{current}, ReservationReleased, op, res.OperationID)
		if err != nil {
			return err
		}
		if len(closed) == 1 {
			out = closed[0]
		}
		res.Movements = movements
		return nil
	})
	s.opts.afterCommit(ctx, OpRelease, started, res, err)
	if err != nil {
		return Reservation{}, err
	}
	return out, nil
}

// Extend moves the expiry of an active reservation. The new expiry must lie in
// the future and within the maximum horizon counted from creation.
func (s *Reservations) Extend(ctx context.Context, op OperationContext, id int64, newExpiry time.Time) (Reservation, error) {
	started := time.Now()
	now := op.now()
	newExpiry = newExpiry.UTC()
	if !newExpiry.After(now) {
		return Reservation{}, ErrInvalidExpiry
	}
	var out Reservation
	var outcome error
	res := Result{OperationID: uuid.NewString()}
	err := s.onReservation(ctx, op, id, res.OperationID, func(ctx context.Context, tx TxRepository, _ *lotSet, current Reservation) error {
		if current.State != ReservationActive {
			outcome = fmt.Errorf("%w: reservation %d is %s", ErrReservationNotActive, id, strings.ToLower(string(current.State)))
			return nil
		}
		if s.beyondHorizon(current.CreatedAt, newExpiry) {
			return ErrExtensionTooFar
		}
		ok, err := tx.ExtendReservation(ctx, id, newExpiry)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: reservation %d", ErrReservationNotActive, id)
		}
		current.ExpiresAt = newExpiry
		out = current
		return nil
	})
	if err == nil {
		err = outcome
	}
	s.opts.afterCommit(ctx, OpExtend, started, res, err)
	if err != nil {
		return Reservation{}, err
	}
	s.opts.Logger.Info("reservation extended", slog.Int64("reservation_id", id), slog.Time("expires_at", newExpiry))
	return out, nil
}

// Get returns a reservation. An active reservation observed past its expiry is
// expired first.
func (s *Reservations) Get(ctx context.Context, op OperationContext, id int64) (Reservation, error) {
	if id <= 0 {
		return Reservation{}, ErrReservationNotFound
	}
	current, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	if !current.DueAt(op.now()) {
		return current, nil
	}
	if _, err := s.Expire(ctx, op, []int64{id}); err != nil {
		return Reservation{}, err
	}
	return s.repo.GetReservation(ctx, id)
}

// Consume turns active reservations into a sale: reserved and physical
// quantity drop together and one SALE_OUT movement is written per lot.
func (s *Reservations) Consume(ctx context.Context, op OperationContext, in ConsumeReservationsInput) (Result, error) {
	started := time.Now()
	res, err := s.consume(ctx, op, in)
	s.opts.afterCommit(ctx, OpConsumeReservations, started, res, err)
	return res, err
}

func (s *Reservations) consume(ctx context.Context, op OperationContext, in ConsumeReservationsInput) (Result, error) {
	ids := uniqueIDs(in.ReservationIDs)
	if len(ids) == 0 {
		return Result{}, ErrReservationNotFound
	}
	if strings.TrimSpace(in.ReferenceID) == "" {
		return Result{}, ErrReferenceRequired
	}
	now := op.now()
	var outcome error
	res := Result{OperationID: uuid.NewString()}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		set, current, err := lockReservations(ctx, tx, ids)
		if err != nil {
			return err
		}
		prior, err := tx.MovementsByReference(ctx, MovementSaleOut, OpConsumeReservations, in.ReferenceID)
		if err != nil {
			return err
		}
		if len(prior) > 0 {
			res, err = replayLots(prior, set.ids())
			return err
		}
		expired, err := expireDue(ctx, tx, s.auditor, set, op, res.OperationID)
		if err != nil {
			return err
		}
		for _, r := range expired {
			if rs, ok := current[r.ID]; ok {
				rs.State = ReservationExpired
				current[r.ID] = rs
			}
		}
		for _, id := range ids {
			if r := current[id]; r.State != ReservationActive {
				outcome = fmt.Errorf("%w: reservation %d is %s", ErrReservationNotActive, id, strings.ToLower(string(r.State)))
				return nil
			}
		}
		perLot := make(map[int64]decimal.Decimal)
		for _, id := range ids {
			r := current[id]
			ok, err := tx.TransitionReservation(ctx, id, ReservationActive, ReservationConsumed, now)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: reservation %d", ErrReservationNotActive, id)
			}
			perLot[r.LotID] = perLot[r.LotID].Add(r.Quantity)
		}
		for _, lotID := range set.ids() {
			qty, ok := perLot[lotID]
			if !ok {
				continue
			}
			lot := set.byID[lotID]
			before := *lot
			lot.ReservedQty = lot.ReservedQty.Sub(qty)
			lot.PhysicalQty = lot.PhysicalQty.Sub(qty)
			m, err := commitLot(ctx, tx, s.auditor, MovementDraft{
				OperationID: res.OperationID,
				Kind:        MovementSaleOut,
				Operation:   OpConsumeReservations,
				Before:      before,
				After:       *lot,
				ReferenceID: in.ReferenceID,
				ActorID:     op.ActorID,
				OccurredAt:  now,
			})
			if err != nil {
				return err
			}
			res.Movements = append(res.Movements, m)
		}
		return nil
	})
	if err == nil {
		err = outcome
	}
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Expire transitions the given reservations to EXPIRED when they are due.
// Reservations that are not due or already closed are skipped. It returns the
// number of reservations expired by this call.
func (s *Reservations) Expire(ctx context.Context, op OperationContext, ids []int64) (int, error) {
	started := time.Now()
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	now := op.now()
	res := Result{OperationID: uuid.NewString()}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		set, current, err := lockReservations(ctx, tx, ids)
		if err != nil && !errors.Is(err, ErrReservationNotFound) {
			return err
		}
		due := make([]Reservation, 0, len(current))
		for _, id := range ids {
			if r, ok := current[id]; ok && r.DueAt(now) {
				due = append(due, r)
			}
		}
		movements, _, err := closeReservations(ctx, tx, s.auditor, set, due, ReservationExpired, op, res.OperationID)
		if err != nil {
			return err
		}
		res.Movements = movements
		return nil
	})
	s.opts.afterCommit(ctx, OpExpire, started, res, err)
	if err != nil {
		return 0, err
	}
	return len(res.Movements), nil
}

// ExpireDue sweeps up to limit overdue reservations. It shares the compare
// and swap transition with the lazy path, so a reservation is only ever
// decremented once.
func (s *Reservations) ExpireDue(ctx context.Context, op OperationContext, limit int) (int, error) {
	ids, err := s.repo.DueReservationIDs(ctx, op.now(), limit)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.Expire(ctx, op, ids)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.opts.Logger.Info("reservations expired", slog.Int("count", n))
	}
	return n, nil
}

// onReservation locks the lot of one reservation, expires it when due and
// hands the fresh row to fn.
func (s *Reservations) onReservation(ctx context.Context, op OperationContext, id int64, operationID string, fn func(context.Context, TxRepository, *lotSet, Reservation) error) error {
	if id <= 0 {
		return ErrReservationNotFound
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		set, current, err := lockReservations(ctx, tx, []int64{id})
		if err != nil {
			return err
		}
		r := current[id]
		expired, err := expireDue(ctx, tx, s.auditor, set, op, operationID)
		if err != nil {
			return err
		}
		for _, e := range expired {
			if e.ID == id {
				r = e
			}
		}
		return fn(ctx, tx, set, r)
	})
}

func (s *Reservations) beyondHorizon(from, expiresAt time.Time) bool {
	return s.cfg.MaxHorizon > 0 && expiresAt.After(from.Add(s.cfg.MaxHorizon))
}

// lockReservations locks the lots behind ids and rereads the reservations
// under that lock.
func lockReservations(ctx context.Context, tx TxRepository, ids []int64) (*lotSet, map[int64]Reservation, error) {
	initial, err := tx.ReservationsByID(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	lotIDs := make([]int64, 0, len(initial))
	for _, r := range initial {
		lotIDs = append(lotIDs, r.LotID)
	}
	locked, err := tx.LockLotsByID(ctx, uniqueIDs(lotIDs))
	if err != nil {
		return nil, nil, err
	}
	fresh, err := tx.ReservationsByID(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	current := make(map[int64]Reservation, len(fresh))
	for _, r := range fresh {
		current[r.ID] = r
	}
	set := newLotSet(locked)
	if len(current) != len(ids) {
		return set, current, fmt.Errorf("%w: requested %d, found %d", ErrReservationNotFound, len(ids), len(current))
	}
	return set, current, nil
}

// expireDue expires every overdue reservation on the locked lots and returns
// the reservations it closed.
func expireDue(ctx context.Context, tx TxRepository, auditor *Auditor, set *lotSet, op OperationContext, operationID string) ([]Reservation, error) {
	ids := set.ids()
	if len(ids) == 0 {
		return nil, nil
	}
	due, err := tx.DueReservations(ctx, ids, op.now())
	if err != nil {
		return nil, err
	}
	_, closed, err := closeReservations(ctx, tx, auditor, set, due, ReservationExpired, op, operationID)
	return closed, err
}

// closeReservations moves active reservations to a terminal state and gives
// their quantity back to the lot. The state change is a compare and swap; a
// reservation someone else already closed is skipped.
func closeReservations(ctx context.Context, tx TxRepository, auditor *Auditor, set *lotSet, list []Reservation, to ReservationState, op OperationContext, operationID string) ([]Movement, []Reservation, error) {
	kind, operation := MovementReservationExpire, OpExpire
	if to == ReservationReleased {
		kind, operation = MovementReservationRelease, OpRelease
	}
	now := op.now()
	var movements []Movement
	var closed []Reservation
	for _, r := range list {
		lot, ok := set.byID[r.LotID]
		if !ok {
			return nil, nil, fmt.Errorf("inventory: lot %d of reservation %d is not locked", r.LotID, r.ID)
		}
		swapped, err := tx.TransitionReservation(ctx, r.ID, ReservationActive, to, now)
		if err != nil {
			return nil, nil, err
		}
		if !swapped {
			continue
		}
		before := *lot
		lot.ReservedQty = lot.ReservedQty.Sub(r.Quantity)
		m, err := commitLot(ctx, tx, auditor, MovementDraft{
			OperationID: operationID,
			Kind:        kind,
			Operation:   operation,
			Before:      before,
			After:       *lot,
			ReferenceID: r.ReferenceID,
			ActorID:     op.ActorID,
			Note:        reservationNote(r.ID, r.OwnerRef),
			OccurredAt:  now,
		})
		if err != nil {
			return nil, nil, err
		}
		r.State = to
		closedAt := now
		r.ClosedAt = &closedAt
		movements = append(movements, m)
		closed = append(closed, r)
	}
	return movements, closed, nil
}

func reservationNote(id int64, owner string) string {
	if owner == "" {
		return fmt.Sprintf("reservation %d", id)
	}
	return fmt.Sprintf("reservation %d (%s)", id, owner)
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
