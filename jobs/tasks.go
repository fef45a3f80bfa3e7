package jobs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/buyplans/internal/buyplan"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskNotify delivers a buy plan notification.
	TaskNotify = "buyplan:notify"
	// TaskVerifyPO reconciles one plan's PO numbers against sent mail.
	TaskVerifyPO = "buyplan:verify_po"
	// TaskPOSweep reconciles every plan waiting in po_entered.
	TaskPOSweep = "buyplan:po_sweep"
)

// VerifyPOPayload identifies the plan to reconcile.
type VerifyPOPayload struct {
	PlanID uuid.UUID `json:"plan_id"`
}

// POSweepPayload bounds one sweep run.
type POSweepPayload struct {
	Limit int `json:"limit"`
}

// NewNotifyTask constructs a notification task.
func NewNotifyTask(req buyplan.NotificationRequest) (*asynq.Task, error) {
	if req.PlanID == uuid.Nil || req.Event == "" {
		return nil, fmt.Errorf("notify task: plan and event are required")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotify, data, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// NewVerifyPOTask constructs a PO verification task.
func NewVerifyPOTask(planID uuid.UUID) (*asynq.Task, error) {
	if planID == uuid.Nil {
		return nil, fmt.Errorf("verify task: plan is required")
	}
	data, err := json.Marshal(VerifyPOPayload{PlanID: planID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskVerifyPO, data, asynq.Queue(QueueDefault), asynq.MaxRetry(2)), nil
}

// VerifyTaskID names the verification task for one revision of a plan. PO
// edits bump the revision, so a request made while an earlier pass is running
// still gets its own task.
func VerifyTaskID(planID uuid.UUID, revision time.Time) string {
	return "verify:" + planID.String() + ":" + strconv.FormatInt(revision.UTC().UnixNano(), 10)
}

// NewPOSweepTask constructs the periodic sweep task.
func NewPOSweepTask(limit int) (*asynq.Task, error) {
	data, err := json.Marshal(POSweepPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPOSweep, data, asynq.Queue(QueueDefault)), nil
}
