package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReservationsExpire releases reservations whose expiry has passed.
	TaskReservationsExpire = "inventory:reservations:expire"
	// TaskReportsWarmup pre-computes cached stock reports.
	TaskReportsWarmup = "inventory:reports:warmup"
)

// ReservationsExpirePayload bounds one sweep run.
type ReservationsExpirePayload struct {
	BatchSize  int `json:"batch_size"`
	MaxBatches int `json:"max_batches"`
}

// ReportsWarmupPayload names the report parameters to pre-compute.
type ReportsWarmupPayload struct {
	LowStockThreshold string `json:"low_stock_threshold"`
	ExpiringDays      int    `json:"expiring_days"`
}

// NewReservationsExpireTask constructs the expiry sweep task.
func NewReservationsExpireTask(batchSize, maxBatches int) (*asynq.Task, error) {
	body, err := json.Marshal(ReservationsExpirePayload{BatchSize: batchSize, MaxBatches: maxBatches})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReservationsExpire, body, asynq.Queue(QueueDefault), asynq.Unique(defaultUniqueTTL)), nil
}

// NewReportsWarmupTask constructs the report warmup task.
func NewReportsWarmupTask(threshold string, expiringDays int) (*asynq.Task, error) {
	body, err := json.Marshal(ReportsWarmupPayload{LowStockThreshold: threshold, ExpiringDays: expiringDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReportsWarmup, body, asynq.Queue(QueueDefault)), nil
}
