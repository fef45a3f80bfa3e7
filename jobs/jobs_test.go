package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/buyplans/internal/buyplan"
	jobmetrics "github.com/odyssey-erp/buyplans/internal/jobs"
	"github.com/odyssey-erp/buyplans/internal/notify"
)

type stubDispatcher struct {
	got    []buyplan.NotificationRequest
	report notify.Report
	err    error
}

func (s *stubDispatcher) Dispatch(ctx context.Context, req buyplan.NotificationRequest) (notify.Report, error) {
	s.got = append(s.got, req)
	return s.report, s.err
}

type stubReconciler struct {
	planIDs    []uuid.UUID
	sweepLimit int
	result     buyplan.VerificationResult
	err        error
}

func (s *stubReconciler) Reconcile(ctx context.Context, planID uuid.UUID) (buyplan.VerificationResult, error) {
	s.planIDs = append(s.planIDs, planID)
	return s.result, s.err
}

func (s *stubReconciler) Sweep(ctx context.Context, limit int) (int, error) {
	s.sweepLimit = limit
	return 2, s.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func jobRuns(t *testing.T, reg *prometheus.Registry, job, status string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "buyplans_jobs_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["job"] == job && labels["status"] == status {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestNotifyTaskRoundTrip(t *testing.T) {
	actor := int64(30)
	req := buyplan.NotificationRequest{PlanID: uuid.New(), Event: buyplan.EventApproved, ActorID: &actor}
	task, err := NewNotifyTask(req)
	require.NoError(t, err)
	require.Equal(t, TaskNotify, task.Type())

	reg := prometheus.NewRegistry()
	dispatcher := &stubDispatcher{report: notify.Report{Recipients: 1, Sent: 2}}
	job := NewNotifyJob(dispatcher, quietLogger(), jobmetrics.NewMetrics(reg))
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []buyplan.NotificationRequest{req}, dispatcher.got)
	require.Equal(t, 1.0, jobRuns(t, reg, TaskNotify, "success"))

	_, err = NewNotifyTask(buyplan.NotificationRequest{Event: buyplan.EventApproved})
	require.Error(t, err)
}

func TestNotifyJobSkipsRetryForMissingPlan(t *testing.T) {
	reg := prometheus.NewRegistry()
	dispatcher := &stubDispatcher{err: buyplan.ErrNotFound}
	job := NewNotifyJob(dispatcher, quietLogger(), jobmetrics.NewMetrics(reg))
	task, err := NewNotifyTask(buyplan.NotificationRequest{PlanID: uuid.New(), Event: buyplan.EventSubmitted})
	require.NoError(t, err)

	err = job.Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorIs(t, err, buyplan.ErrNotFound)
	require.Equal(t, 1.0, jobRuns(t, reg, TaskNotify, "failure"))

	dispatcher.err = errors.New("db down")
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskNotify, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestVerifyPOJob(t *testing.T) {
	planID := uuid.New()
	reconciler := &stubReconciler{result: buyplan.VerificationResult{PlanID: planID, Status: buyplan.StatusPOConfirmed, Promoted: true}}
	job := NewVerifyPOJob(reconciler, quietLogger(), nil)

	task, err := NewVerifyPOTask(planID)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []uuid.UUID{planID}, reconciler.planIDs)

	var payload VerifyPOPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, planID, payload.PlanID)

	err = job.Handle(context.Background(), asynq.NewTask(TaskVerifyPO, []byte(`{"plan_id":"00000000-0000-0000-0000-000000000000"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	reconciler.err = buyplan.ErrNotFound
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)

	_, err = NewVerifyPOTask(uuid.Nil)
	require.Error(t, err)
}

func TestPOSweepUsesDefaultLimit(t *testing.T) {
	reconciler := &stubReconciler{}
	job := NewVerifyPOJob(reconciler, quietLogger(), nil)

	task, err := NewPOSweepTask(0)
	require.NoError(t, err)
	require.NoError(t, job.HandleSweep(context.Background(), task))
	require.Equal(t, 200, reconciler.sweepLimit)

	task, err = NewPOSweepTask(25)
	require.NoError(t, err)
	require.NoError(t, job.HandleSweep(context.Background(), task))
	require.Equal(t, 25, reconciler.sweepLimit)

	reconciler.err = context.DeadlineExceeded
	require.ErrorIs(t, job.HandleSweep(context.Background(), task), context.DeadlineExceeded)
}

func TestJobsHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, quietLogger()).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue":"default","pending":0,"retry":0}`, rec.Body.String())
}

func TestVerifyTaskIDTracksRevision(t *testing.T) {
	planID := uuid.New()
	rev := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	require.Equal(t, VerifyTaskID(planID, rev), VerifyTaskID(planID, rev.In(time.FixedZone("UTC+2", 7200))))
	require.NotEqual(t, VerifyTaskID(planID, rev), VerifyTaskID(planID, rev.Add(time.Millisecond)))
	require.NotEqual(t, VerifyTaskID(planID, rev), VerifyTaskID(uuid.New(), rev))
}

func TestEnqueueVerificationPerRevision(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	planID := uuid.New()
	rev := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	require.NoError(t, client.EnqueueVerification(ctx, planID, rev))
	require.NoError(t, client.EnqueueVerification(ctx, planID, rev))
	pending, err := mr.List("asynq:{default}:pending")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// A later PO edit is queued even while the first task is outstanding.
	require.NoError(t, client.EnqueueVerification(ctx, planID, rev.Add(time.Second)))
	pending, err = mr.List("asynq:{default}:pending")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Contains(t, pending, VerifyTaskID(planID, rev))
}
