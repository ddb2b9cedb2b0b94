package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// ReportSource produces the cached stock reports.
type ReportSource interface {
	ListLowStock(ctx context.Context, threshold decimal.Decimal, warehouseID int64) ([]inventory.StockLevel, error)
	ListExpiringSoon(ctx context.Context, op inventory.OperationContext, withinDays int) ([]inventory.ExpiringLot, error)
}

// ReportWarmupJob pre-populates the report cache so dashboards hit Redis.
type ReportWarmupJob struct {
	Reports ReportSource
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewReportWarmupJob wires dependencies for the warmup handler.
func NewReportWarmupJob(reports ReportSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReportWarmupJob {
	return &ReportWarmupJob{
		Reports: reports,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskReportsWarmup tasks.
func (j *ReportWarmupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Reports == nil {
		return errors.New("report warmup: handler not configured")
	}
	var payload ReportsWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	threshold := decimal.Zero
	if payload.LowStockThreshold != "" {
		parsed, err := decimal.NewFromString(payload.LowStockThreshold)
		if err != nil {
			return asynq.SkipRetry
		}
		threshold = parsed
	}
	if payload.ExpiringDays < 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskReportsWarmup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	scopeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	levels, err := j.Reports.ListLowStock(scopeCtx, threshold, 0)
	if err != nil {
		logger.Error("warm low stock report", slog.Any("error", err))
		return err
	}
	j.metrics().AddWarmed("low_stock", 1)

	lots, err := j.Reports.ListExpiringSoon(scopeCtx, inventory.OperationContext{Now: j.now()}, payload.ExpiringDays)
	if err != nil {
		logger.Error("warm expiring report", slog.Any("error", err))
		return err
	}
	j.metrics().AddWarmed("expiring", 1)

	logger.Info("report warmup finished", slog.Int("low_stock_rows", len(levels)), slog.Int("expiring_rows", len(lots)))
	return nil
}

func (j *ReportWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReportsWarmup))
	}
	return slog.Default().With(slog.String("job", TaskReportsWarmup))
}

func (j *ReportWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReportWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
