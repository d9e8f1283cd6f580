package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockReconcile compares stock balances with the ledger.
	TaskStockReconcile = "stock:reconcile"
	// TaskReservationExpiry releases reservations older than the configured TTL.
	TaskReservationExpiry = "stock:reservations:expire"
)

// ReconcilePayload carries scheduling metadata.
type ReconcilePayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// ReservationExpiryPayload overrides the worker defaults when set.
type ReservationExpiryPayload struct {
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
	Limit      int   `json:"limit,omitempty"`
}

// NewReconcileTask constructs an Asynq task for ledger reconciliation.
func NewReconcileTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ReconcilePayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockReconcile, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// NewReservationExpiryTask constructs an Asynq task that sweeps stale reservations.
func NewReservationExpiryTask(payload ReservationExpiryPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReservationExpiry, body, asynq.Queue(QueueDefault)), nil
}

// TaskIdempotencyCleanup prunes processed request keys past retention.
const TaskIdempotencyCleanup = "idempotency:cleanup"

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil, asynq.Queue(QueueDefault))
}
