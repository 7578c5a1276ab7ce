// Package payroll implements the period liquidation and edit-session engine:
// staged composition/novedad edits per period, debounced recalculation through
// an external calculation gateway, and a compensating multi-step commit.
package payroll

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PeriodType enumerates supported pay cycles.
type PeriodType string

const (
	PeriodTypeBiweekly PeriodType = "BIWEEKLY"
	PeriodTypeMonthly  PeriodType = "MONTHLY"
)

// Period identifies one pay cycle of a company. Status values come from
// shared.PeriodStatus*; a closed period is immutable except through a new
// edit session that produces a new version.
type Period struct {
	ID        int64
	CompanyID int64
	Name      string
	Type      PeriodType
	StartDate time.Time
	EndDate   time.Time
	Status    string
	Year      string
	UpdatedAt time.Time
}

// EmployeeRef carries the stable identity fields snapshots embed so they stay
// self-contained even if the employee record later changes.
type EmployeeRef struct {
	ID         int64
	DocumentID string
	FullName   string
	Position   string
	BaseSalary decimal.Decimal
}

// EmployeePeriodEntry holds one employee's computed figures for a period.
// Entries are derived, never hand-edited; they are always gateway output.
type EmployeePeriodEntry struct {
	EmployeeID         int64
	PeriodID           int64
	WorkedDays         int
	GrossPay           decimal.Decimal
	TotalDeductions    decimal.Decimal
	NetPay             decimal.Decimal
	IBC                decimal.Decimal
	HealthDeduction    decimal.Decimal
	PensionDeduction   decimal.Decimal
	TransportAllowance decimal.Decimal
	UpdatedAt          time.Time
}

// Consistent reports whether the entry satisfies net = gross - deductions
// exactly. An inconsistent entry is a defect, not a valid state.
func (e EmployeePeriodEntry) Consistent() bool {
	return e.NetPay.Equal(e.GrossPay.Sub(e.TotalDeductions))
}

// NovedadType enumerates ad-hoc payroll adjustments.
type NovedadType string

const (
	NovedadBonus      NovedadType = "BONUS"
	NovedadOvertime   NovedadType = "OVERTIME"
	NovedadAbsence    NovedadType = "ABSENCE"
	NovedadDisability NovedadType = "DISABILITY"
	NovedadLeave      NovedadType = "LEAVE"
	NovedadDeduction  NovedadType = "DEDUCTION"
)

// Novedad is a typed adjustment tied to one employee and one period.
// Immutable once the owning period is closed.
type Novedad struct {
	ID                int64
	PeriodID          int64
	EmployeeID        int64
	Type              NovedadType
	Subtype           string
	StartDate         *time.Time
	EndDate           *time.Time
	Days              int
	Value             decimal.Decimal
	IsDeduction       bool
	ConstitutesSalary bool
	CreatedAt         time.Time
}

// NovedadPatch describes a partial update to a staged novedad.
type NovedadPatch struct {
	Value *decimal.Decimal
	Days  *int
	Dates *[2]time.Time
}

// NormalizedAdjustment is the shape the calculation gateway accepts.
type NormalizedAdjustment struct {
	Type              string          `json:"type"`
	Value             decimal.Decimal `json:"value"`
	Days              int             `json:"days"`
	IsDeduction       bool            `json:"isDeduction"`
	ConstitutesSalary bool            `json:"constitutesSalary"`
}

// ChangeKind marks a pending composition change direction.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "ADDED"
	ChangeRemoved ChangeKind = "REMOVED"
)

// CompositionChange records intent to add or remove an employee within the
// current edit session. It exists only while the session is active.
type CompositionChange struct {
	EmployeeID int64
	Kind       ChangeKind
	At         time.Time
}

// SnapshotReason records why a version snapshot was taken.
type SnapshotReason string

const (
	SnapshotSessionStart SnapshotReason = "SESSION_START"
	SnapshotCommit       SnapshotReason = "COMMIT"
)

// SnapshotEntry enriches a computed entry with employee identity so the
// snapshot stands on its own.
type SnapshotEntry struct {
	Entry    EmployeePeriodEntry
	Employee EmployeeRef
}

// VersionSnapshot is an immutable, timestamped full capture of a period's
// entry set. Snapshots form an append-only sequence per period.
type VersionSnapshot struct {
	ID       int64
	PeriodID int64
	Version  int
	Reason   SnapshotReason
	TakenAt  time.Time
	Entries  []SnapshotEntry
}

// SessionStatus enumerates edit session lifecycle states.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionCancelled SessionStatus = "CANCELLED"
)

// Session and concurrency errors.
var (
	ErrSessionAlreadyActive = errors.New("payroll: edit session already active for period")
	ErrSessionNotActive     = errors.New("payroll: edit session is not active")
	ErrConcurrentCommit     = errors.New("payroll: commit already in flight for period")
	ErrPeriodNotFound       = errors.New("payroll: period not found")
	ErrPeriodClosed         = errors.New("payroll: period already closed")
	ErrEmployeeNotInPeriod  = errors.New("payroll: employee not part of period")
	ErrEmployeeInPeriod     = errors.New("payroll: employee already part of period")
	ErrNovedadNotFound      = errors.New("payroll: novedad not found")
	ErrValidationBlocked    = errors.New("payroll: validation score below commit threshold")

	ErrUnknownCompositionAction = errors.New("payroll: unknown composition action")
)

// GatewayError wraps a calculation gateway failure or an inconsistent result.
// Inconsistent results are surfaced, never corrected.
type GatewayError struct {
	Reason string
	Err    error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payroll: gateway: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("payroll: gateway: %s", e.Reason)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// StepError marks which saga step failed and triggers rollback of prior steps.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("payroll: step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// RollbackError records a compensating action that itself failed. It is
// collected next to the original step error, never swallowed.
type RollbackError struct {
	Step string
	Err  error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("payroll: rollback %s: %v", e.Step, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }
