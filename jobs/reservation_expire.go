package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

const (
	defaultExpireBatch      = 500
	defaultExpireMaxBatches = 20
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ReservationExpirer releases due reservations in bounded batches.
type ReservationExpirer interface {
	ExpireDue(ctx context.Context, op inventory.OperationContext, limit int) (int, error)
}

// ReservationExpiryJob sweeps reservations that no request touched after expiry.
type ReservationExpiryJob struct {
	Expirer ReservationExpirer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewReservationExpiryJob wires dependencies for the sweep handler.
func NewReservationExpiryJob(expirer ReservationExpirer, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReservationExpiryJob {
	return &ReservationExpiryJob{
		Expirer: expirer,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskReservationsExpire tasks.
func (j *ReservationExpiryJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Expirer == nil {
		return errors.New("reservation expiry: handler not configured")
	}
	var payload ReservationsExpirePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.BatchSize <= 0 {
		payload.BatchSize = defaultExpireBatch
	}
	if payload.MaxBatches <= 0 {
		payload.MaxBatches = defaultExpireMaxBatches
	}

	tracker := j.metrics().Track(TaskReservationsExpire)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	started := j.now()
	total := 0
	for batch := 0; batch < payload.MaxBatches; batch++ {
		n, err := j.Expirer.ExpireDue(ctx, inventory.OperationContext{Now: j.now()}, payload.BatchSize)
		total += n
		j.metrics().AddExpired(n)
		if err != nil {
			logger.Error("expire reservations", slog.Int("expired", total), slog.Any("error", err))
			return err
		}
		if n < payload.BatchSize {
			break
		}
	}
	logger.Info("reservation sweep finished", slog.Int("expired", total), slog.Duration("duration", j.now().Sub(started)))
	return nil
}

func (j *ReservationExpiryJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReservationsExpire))
	}
	return slog.Default().With(slog.String("job", TaskReservationsExpire))
}

func (j *ReservationExpiryJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReservationExpiryJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
