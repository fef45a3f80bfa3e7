package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/buyplans/internal/buyplan"
	jobmetrics "github.com/odyssey-erp/buyplans/internal/jobs"
	"github.com/odyssey-erp/buyplans/internal/notify"
)

// Dispatcher delivers one notification request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req buyplan.NotificationRequest) (notify.Report, error)
}

// NotifyJob handles TaskNotify.
type NotifyJob struct {
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewNotifyJob constructs the notification handler.
func NewNotifyJob(dispatcher Dispatcher, logger *slog.Logger, metrics *jobmetrics.Metrics) *NotifyJob {
	return &NotifyJob{Dispatcher: dispatcher, Logger: logger, Metrics: metrics}
}

// Handle dispatches the notification. Delivery failures never fail the task;
// an unknown plan is dropped without retry.
func (j *NotifyJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Dispatcher == nil {
		return errors.New("notify: handler not configured")
	}
	var req buyplan.NotificationRequest
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		return fmt.Errorf("decode notify payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskNotify)
	logger := loggerOrDefault(j.Logger).With(
		slog.String("plan_id", req.PlanID.String()),
		slog.String("event", string(req.Event)),
	)

	report, err := j.Dispatcher.Dispatch(ctx, req)
	if err != nil {
		logger.Error("notification dispatch failed", slog.Any("error", err))
		err = tracker.End(err)
		if errors.Is(err, buyplan.ErrNotFound) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	logger.Info("notification dispatched",
		slog.Int("recipients", report.Recipients),
		slog.Int("sent", report.Sent),
		slog.Int("failed", report.Failed))
	return tracker.End(nil)
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
