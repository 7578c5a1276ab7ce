package payroll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/liquida-hr/liquida/internal/observability"
	"github.com/liquida-hr/liquida/internal/shared"
)

// TxStatus is the terminal and intermediate state of one liquidation
// transaction.
type TxStatus string

const (
	StatusPending        TxStatus = "pending"
	StatusExecuting      TxStatus = "executing"
	StatusCompleted      TxStatus = "completed"
	StatusRolledBack     TxStatus = "rolled_back"
	StatusRollbackFailed TxStatus = "rollback_failed"
)

// Saga step names, also used as checkpoint keys.
const (
	StepValidation   = "validation"
	StepPreparation  = "preparation"
	StepCalculation  = "calculation"
	StepVouchers     = "voucher_generation"
	StepNotification = "notification"
	StepFinalization = "finalization"
	StepAudit        = "audit"
)

// CommitOptions selects the optional saga steps.
type CommitOptions struct {
	GenerateVouchers bool
	SendEmails       bool
	Justification    string
}

// CommitResult reports how a liquidation transaction ended. RollbackFailures
// is non-empty only in the rollback_failed state, which requires manual
// intervention and is never reported as success.
type CommitResult struct {
	TxID               uuid.UUID             `json:"txId"`
	Status             TxStatus              `json:"status"`
	Validation         ValidationReport      `json:"validation"`
	Entries            []EmployeePeriodEntry `json:"-"`
	PeriodTotal        decimal.Decimal       `json:"periodTotal"`
	SnapshotVersion    int                   `json:"snapshotVersion,omitempty"`
	Artifacts          []uuid.UUID           `json:"artifacts,omitempty"`
	NotifiedCount      int                   `json:"notifiedCount"`
	NotificationErrors []string              `json:"notificationErrors,omitempty"`
	Justification      string                `json:"justification,omitempty"`
	FailedStep         string                `json:"failedStep,omitempty"`
	RollbackFailures   []RollbackError       `json:"-"`
}

// sagaStep is one tagged entry in the ordered step list. Steps with alwaysRun
// re-execute on checkpoint replay because they are pure or idempotent and
// later steps consume their in-memory output.
type sagaStep struct {
	name        string
	canRollback bool
	alwaysRun   bool
	run         func(ctx context.Context) error
	compensate  func(ctx context.Context) error
}

// Liquidator coordinates the atomic liquidation transaction: validation,
// preparation, calculation, voucher generation, notification, finalization,
// audit, each pairable with a compensating action. Steps run strictly in
// order; a failure halts forward progress and rolls back previously executed
// rollback-eligible steps in reverse order.
type Liquidator struct {
	repo      RepositoryPort
	recalc    *Recalculator
	snapshots *VersionSnapshotStore
	vouchers  VoucherGenerator
	notifier  Notifier
	audit     AuditPort
	clock     Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// LiquidatorConfig bundles the saga dependencies.
type LiquidatorConfig struct {
	Repo      RepositoryPort
	Recalc    *Recalculator
	Snapshots *VersionSnapshotStore
	Vouchers  VoucherGenerator
	Notifier  Notifier
	Audit     AuditPort
	Clock     Clock
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// NewLiquidator constructs the saga coordinator.
func NewLiquidator(cfg LiquidatorConfig) *Liquidator {
	if cfg.Clock == nil {
		cfg.Clock = NewClock()
	}
	return &Liquidator{
		repo:      cfg.Repo,
		recalc:    cfg.Recalc,
		snapshots: cfg.Snapshots,
		vouchers:  cfg.Vouchers,
		notifier:  cfg.Notifier,
		audit:     cfg.Audit,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// liquidationRun carries the mutable state of one transaction through the
// step list.
type liquidationRun struct {
	session   *PeriodEditSession
	opts      CommitOptions
	view      PeriodView
	preStatus string
	pass      PassResult
	result    *CommitResult
}

// Commit executes the full liquidation transaction for the session. On
// success the session completes; on failure it stays active so the caller can
// retry or discard. Once past validation the transaction is not cancellable;
// it runs to completion or rollback.
func (l *Liquidator) Commit(ctx context.Context, session *PeriodEditSession, opts CommitOptions) (CommitResult, error) {
	return l.commit(ctx, session, opts, uuid.New())
}

// Recover replays a crashed transaction from its last checkpoint. Completed
// checkpointed steps are skipped; pure steps re-run.
func (l *Liquidator) Recover(ctx context.Context, session *PeriodEditSession, opts CommitOptions, txID uuid.UUID) (CommitResult, error) {
	return l.commit(ctx, session, opts, txID)
}

func (l *Liquidator) commit(ctx context.Context, session *PeriodEditSession, opts CommitOptions, txID uuid.UUID) (CommitResult, error) {
	result := CommitResult{TxID: txID, Status: StatusPending, Justification: opts.Justification}
	if err := session.BeginCommit(); err != nil {
		return result, err
	}
	succeeded := false
	defer func() { session.FinishCommit(ctx, succeeded) }()

	// Committing against a stale preview is a correctness bug: wait out any
	// pending or in-flight recalculation before reading the effective state.
	if err := session.Quiesce(ctx); err != nil {
		return result, fmt.Errorf("payroll: commit quiesce: %w", err)
	}

	run := &liquidationRun{session: session, opts: opts, result: &result}
	result.Status = StatusExecuting
	if err := l.execute(ctx, txID, run); err != nil {
		l.observeOutcome(result.Status)
		l.recordAudit(ctx, session, &result, err)
		return result, err
	}

	result.Status = StatusCompleted
	l.observeOutcome(result.Status)
	succeeded = true
	return result, nil
}

func (l *Liquidator) execute(ctx context.Context, txID uuid.UUID, run *liquidationRun) error {
	checkpointed, err := l.repo.ListCheckpoints(ctx, txID)
	if err != nil {
		return fmt.Errorf("payroll: read checkpoints: %w", err)
	}
	done := make(map[string]struct{}, len(checkpointed))
	for _, step := range checkpointed {
		done[step] = struct{}{}
	}

	var executed []sagaStep
	for _, step := range l.steps(run) {
		if _, ok := done[step.name]; ok && !step.alwaysRun {
			executed = append(executed, step)
			continue
		}
		started := l.clock.Now()
		err := step.run(ctx)
		l.observeStep(step.name, l.clock.Now().Sub(started))
		if err != nil {
			run.result.FailedStep = step.name
			// The failed step compensates too: it may have partial effects,
			// like artifacts created before the failing one.
			l.rollback(ctx, run, append(executed, step))
			return &StepError{Step: step.name, Err: err}
		}
		if !step.alwaysRun {
			if err := l.repo.SaveCheckpoint(ctx, txID, step.name); err != nil {
				l.log().Warn("save checkpoint failed",
					slog.String("step", step.name), slog.Any("error", err))
			}
		}
		executed = append(executed, step)
	}
	return nil
}

// rollback compensates previously executed rollback-eligible steps in
// reverse order. Compensation failures are collected, never swallowed; any
// failure leaves the transaction in rollback_failed, distinct from a clean
// rollback.
func (l *Liquidator) rollback(ctx context.Context, run *liquidationRun, executed []sagaStep) {
	for i := len(executed) - 1; i >= 0; i-- {
		step := executed[i]
		if !step.canRollback || step.compensate == nil {
			continue
		}
		if err := step.compensate(ctx); err != nil {
			run.result.RollbackFailures = append(run.result.RollbackFailures,
				RollbackError{Step: step.name, Err: err})
			l.observeRollback(step.name, "failed")
			l.log().Error("saga compensation failed",
				slog.String("step", step.name), slog.Any("error", err))
			continue
		}
		l.observeRollback(step.name, "ok")
	}
	if len(run.result.RollbackFailures) > 0 {
		run.result.Status = StatusRollbackFailed
		return
	}
	run.result.Status = StatusRolledBack
}

func (l *Liquidator) steps(run *liquidationRun) []sagaStep {
	periodID := run.session.PeriodID
	steps := []sagaStep{
		{
			// Mutates nothing, so never rolled back; re-runs on replay.
			name:      StepValidation,
			alwaysRun: true,
			run: func(ctx context.Context) error {
				view, err := run.session.EffectiveView(ctx)
				if err != nil {
					return err
				}
				run.view = view
				run.preStatus = view.Period.Status
				report := ValidatePeriodForCommit(view)
				run.result.Validation = report
				if report.Blocking() {
					return fmt.Errorf("%w: score %d", ErrValidationBlocked, report.Score)
				}
				return nil
			},
		},
		{
			name:        StepPreparation,
			canRollback: true,
			run: func(ctx context.Context) error {
				if err := shared.ValidatePeriodTransition(run.preStatus, shared.PeriodStatusInProcess, false); err != nil {
					return err
				}
				return l.repo.UpdatePeriodStatus(ctx, periodID, shared.PeriodStatusInProcess)
			},
			compensate: func(ctx context.Context) error {
				return l.repo.UpdatePeriodStatus(ctx, periodID, run.preStatus)
			},
		},
		{
			// Gateway output feeds vouchers and finalization in memory, so a
			// replay recomputes rather than trusting a checkpoint.
			name:        StepCalculation,
			canRollback: true,
			alwaysRun:   true,
			run: func(ctx context.Context) error {
				view := run.view
				view.Period.Status = shared.PeriodStatusInProcess
				pass, err := l.recalc.Pass(ctx, view, nil)
				if err != nil {
					return err
				}
				run.pass = pass
				run.result.Entries = pass.Entries
				run.result.PeriodTotal = pass.PeriodTotal
				return nil
			},
			compensate: func(ctx context.Context) error {
				return l.snapshots.Restore(ctx, run.session.BaseSnapshot())
			},
		},
		{
			name:        StepVouchers,
			canRollback: true,
			run: func(ctx context.Context) error {
				if !run.opts.GenerateVouchers {
					return nil
				}
				for _, entry := range run.pass.Entries {
					emp, ok := employeeByID(run.view.Employees, entry.EmployeeID)
					if !ok {
						return fmt.Errorf("no employee identity for entry %d", entry.EmployeeID)
					}
					artifactID, err := l.vouchers.Generate(ctx, run.view.Period, SnapshotEntry{Entry: entry, Employee: emp})
					if err != nil {
						return fmt.Errorf("voucher for employee %d: %w", entry.EmployeeID, err)
					}
					run.result.Artifacts = append(run.result.Artifacts, artifactID)
				}
				return nil
			},
			compensate: func(ctx context.Context) error {
				// Deletes only the artifacts created in this run.
				return l.repo.DeleteArtifacts(ctx, run.result.Artifacts)
			},
		},
		{
			// A sent notification cannot be unsent. Failure policy: report
			// and continue; a failed send never forces rollback of the
			// preceding steps.
			name: StepNotification,
			run: func(ctx context.Context) error {
				if !run.opts.SendEmails {
					return nil
				}
				for i, entry := range run.pass.Entries {
					emp, ok := employeeByID(run.view.Employees, entry.EmployeeID)
					if !ok {
						continue
					}
					var artifactID uuid.UUID
					if i < len(run.result.Artifacts) {
						artifactID = run.result.Artifacts[i]
					}
					if err := l.notifier.Notify(ctx, emp, artifactID); err != nil {
						run.result.NotificationErrors = append(run.result.NotificationErrors,
							fmt.Sprintf("employee %d: %v", emp.ID, err))
						continue
					}
					run.result.NotifiedCount++
				}
				return nil
			},
		},
		{
			// Staged edits, close and commit snapshot land in one repository
			// transaction: a failure persists none of them, and a replay that
			// finds the period closed re-applies nothing.
			name: StepFinalization,
			run: func(ctx context.Context) error {
				snap, err := l.snapshots.Build(ctx, periodID, SnapshotCommit)
				if err != nil {
					return err
				}
				stored, err := l.repo.FinalizePeriod(ctx, periodID, run.session.StagedEdits(), snap)
				if err != nil {
					return err
				}
				run.result.SnapshotVersion = stored.Version
				return nil
			},
		},
		{
			name: StepAudit,
			run: func(ctx context.Context) error {
				l.recordAudit(ctx, run.session, run.result, nil)
				return nil
			},
		},
	}
	return steps
}

func (l *Liquidator) recordAudit(ctx context.Context, session *PeriodEditSession, result *CommitResult, failure error) {
	if l.audit == nil {
		return
	}
	meta := map[string]any{
		"tx_id":         result.TxID.String(),
		"status":        string(result.Status),
		"session_id":    session.ID.String(),
		"justification": result.Justification,
		"score":         result.Validation.Score,
		"total":         result.PeriodTotal.String(),
		"artifacts":     len(result.Artifacts),
		"notified":      result.NotifiedCount,
	}
	if failure != nil {
		meta["error"] = failure.Error()
		meta["failed_step"] = result.FailedStep
	}
	err := l.audit.Record(ctx, shared.AuditLog{
		ActorID:  session.ActorID,
		Action:   "payroll.period.liquidation",
		Entity:   "payroll_period",
		EntityID: fmt.Sprintf("%d", session.PeriodID),
		Meta:     meta,
		At:       l.clock.Now(),
	})
	if err != nil {
		l.log().Warn("liquidation audit record failed", slog.Any("error", err))
	}
}

func employeeByID(employees []EmployeeRef, id int64) (EmployeeRef, bool) {
	for _, e := range employees {
		if e.ID == id {
			return e, true
		}
	}
	return EmployeeRef{}, false
}

func (l *Liquidator) observeStep(name string, d time.Duration) {
	if l.metrics != nil {
		l.metrics.ObserveSagaStep(name, d)
	}
}

func (l *Liquidator) observeOutcome(status TxStatus) {
	if l.metrics != nil {
		l.metrics.ObserveSagaOutcome(string(status))
	}
}

func (l *Liquidator) observeRollback(step, outcome string) {
	if l.metrics != nil {
		l.metrics.ObserveRollback(step, outcome)
	}
}

func (l *Liquidator) log() *slog.Logger {
	if l.logger != nil {
		return l.logger
	}
	return slog.Default()
}
