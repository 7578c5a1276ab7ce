package jobs

import (
	"context"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/liquida-hr/liquida/internal/payroll"
)

// QueueNotifier satisfies the payroll notifier port by deferring delivery
// to the payslip queue. Enqueue failures surface to the liquidation saga,
// which reports them without rolling back.
type QueueNotifier struct {
	enqueuer taskEnqueuer
}

// NewQueueNotifier wraps a task client as a payroll notifier.
func NewQueueNotifier(enqueuer taskEnqueuer) *QueueNotifier {
	return &QueueNotifier{enqueuer: enqueuer}
}

// Notify enqueues one payslip delivery for the employee.
func (n *QueueNotifier) Notify(ctx context.Context, employee payroll.EmployeeRef, artifactID uuid.UUID) error {
	task, err := NewPayslipSendTask(PayslipSendPayload{
		EmployeeID: employee.ID,
		FullName:   employee.FullName,
		ArtifactID: artifactID,
	})
	if err != nil {
		return err
	}
	_, err = n.enqueuer.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
	return err
}
