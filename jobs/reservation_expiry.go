package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-stock/internal/jobs"
)

// ReservationReleaser releases open reservations older than ttl.
type ReservationReleaser interface {
	ReleaseExpired(ctx context.Context, ttl time.Duration, limit int) (int, error)
}

// ReservationExpiryJob returns stale reservations to available stock.
type ReservationExpiryJob struct {
	Engine  ReservationReleaser
	TTL     time.Duration
	Limit   int
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReservationExpiryJob initialises the expiry handler with default TTL and batch size.
func NewReservationExpiryJob(engine ReservationReleaser, ttl time.Duration, limit int, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReservationExpiryJob {
	return &ReservationExpiryJob{Engine: engine, TTL: ttl, Limit: limit, Logger: logger, Metrics: metrics}
}

// Handle releases one batch of expired reservations.
func (j *ReservationExpiryJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Engine == nil {
		return errors.New("reservation expiry: handler not configured")
	}
	var payload ReservationExpiryPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	ttl := j.TTL
	if payload.TTLSeconds > 0 {
		ttl = time.Duration(payload.TTLSeconds) * time.Second
	}
	if ttl <= 0 {
		return asynq.SkipRetry
	}
	limit := j.Limit
	if payload.Limit > 0 {
		limit = payload.Limit
	}

	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskReservationExpiry)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("job", TaskReservationExpiry), slog.Duration("ttl", ttl))

	released, err := j.Engine.ReleaseExpired(ctx, ttl, limit)
	if err != nil {
		logger.Error("release expired reservations", slog.Any("error", err))
		return err
	}
	metrics.AddItems(TaskReservationExpiry, "released", released)
	if released > 0 {
		logger.Info("released expired reservations", slog.Int("count", released))
	}
	return nil
}
