package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypePayslipSend delivers one payslip artifact to an employee.
	TaskTypePayslipSend = "payslip:send"
	// TaskTypeSessionsReap sweeps abandoned edit sessions.
	TaskTypeSessionsReap = "sessions:reap"
)

// PayslipSendPayload identifies the artifact and its recipient. The mail
// address is resolved by the worker from the employee record, so a stale
// address never poisons the queue.
type PayslipSendPayload struct {
	EmployeeID int64     `json:"employeeId"`
	FullName   string    `json:"fullName"`
	ArtifactID uuid.UUID `json:"artifactId"`
}

// NewPayslipSendTask constructs an Asynq task for one payslip delivery.
func NewPayslipSendTask(payload PayslipSendPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePayslipSend, data), nil
}

// HandlePayslipSendTask processes TaskTypePayslipSend tasks.
func HandlePayslipSendTask(ctx context.Context, t *asynq.Task) error {
	var payload PayslipSendPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	// Placeholder: attach the PDF and deliver via SMTP once the mail
	// relay is provisioned.
	fmt.Printf("[jobs] send payslip artifact=%s to employee=%d\n", payload.ArtifactID, payload.EmployeeID)
	return nil
}

// NewSessionsReapTask constructs the periodic stale-session sweep task.
func NewSessionsReapTask() *asynq.Task {
	return asynq.NewTask(TaskTypeSessionsReap, nil)
}

type staleReaper interface {
	ReapStale(ctx context.Context, olderThan time.Time) (int, error)
}

// NewSessionsReapHandler builds the handler that discards edit sessions
// idle longer than ttl and deletes their orphaned drafts.
func NewSessionsReapHandler(reaper staleReaper, ttl time.Duration, now func() time.Time, logger *slog.Logger) asynq.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, _ *asynq.Task) error {
		reaped, err := reaper.ReapStale(ctx, now().Add(-ttl))
		if err != nil {
			return err
		}
		if reaped > 0 && logger != nil {
			logger.Info("reaped stale edit sessions", "count", reaped)
		}
		return nil
	}
}
