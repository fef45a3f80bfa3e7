package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/buyplans/internal/buyplan"
	jobmetrics "github.com/odyssey-erp/buyplans/internal/jobs"
)

// Reconciler verifies PO numbers for buy plans.
type Reconciler interface {
	Reconcile(ctx context.Context, planID uuid.UUID) (buyplan.VerificationResult, error)
	Sweep(ctx context.Context, limit int) (int, error)
}

// VerifyPOJob handles TaskVerifyPO and TaskPOSweep.
type VerifyPOJob struct {
	Reconciler Reconciler
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
	SweepLimit int
}

// NewVerifyPOJob constructs the verification handlers.
func NewVerifyPOJob(reconciler Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *VerifyPOJob {
	return &VerifyPOJob{Reconciler: reconciler, Logger: logger, Metrics: metrics, SweepLimit: 200}
}

// Handle reconciles the plan named by the payload.
func (j *VerifyPOJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reconciler == nil {
		return errors.New("verify po: handler not configured")
	}
	var payload VerifyPOPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.PlanID == uuid.Nil {
		return fmt.Errorf("decode verify payload: %w", asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskVerifyPO)
	logger := loggerOrDefault(j.Logger).With(slog.String("plan_id", payload.PlanID.String()))

	result, err := j.Reconciler.Reconcile(ctx, payload.PlanID)
	if err != nil {
		logger.Error("po verification failed", slog.Any("error", err))
		err = tracker.End(err)
		if errors.Is(err, buyplan.ErrNotFound) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	verified := 0
	for _, line := range result.Lines {
		if line.Verified {
			verified++
		}
	}
	logger.Info("po verification finished",
		slog.String("status", string(result.Status)),
		slog.Int("lines", len(result.Lines)),
		slog.Int("verified", verified),
		slog.Bool("promoted", result.Promoted))
	return tracker.End(nil)
}

// HandleSweep reconciles plans waiting in po_entered.
func (j *VerifyPOJob) HandleSweep(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reconciler == nil {
		return errors.New("po sweep: handler not configured")
	}
	var payload POSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("decode sweep payload: %w", asynq.SkipRetry)
		}
	}
	if payload.Limit <= 0 {
		payload.Limit = j.SweepLimit
	}

	tracker := j.Metrics.Track(TaskPOSweep)
	logger := loggerOrDefault(j.Logger).With(slog.Int("limit", payload.Limit))
	promoted, err := j.Reconciler.Sweep(ctx, payload.Limit)
	if err != nil {
		logger.Error("po sweep failed", slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("po sweep finished", slog.Int("promoted", promoted))
	return tracker.End(nil)
}
