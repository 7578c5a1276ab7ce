package payroll

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/liquida-hr/liquida/internal/shared"
)

// RepositoryPort describes the persistence operations the engine consumes.
// Every call is individually atomic but calls are not transactional across
// each other; the liquidation saga's compensations provide cross-call
// atomicity.
type RepositoryPort interface {
	GetPeriod(ctx context.Context, id int64) (Period, error)
	UpdatePeriodStatus(ctx context.Context, periodID int64, status string) error

	ListEmployees(ctx context.Context, periodID int64) ([]EmployeeRef, error)
	GetEmployee(ctx context.Context, id int64) (EmployeeRef, error)

	ListEntries(ctx context.Context, periodID int64) ([]EmployeePeriodEntry, error)
	// UpsertEntries atomically replaces the stored entries for the employees
	// present in the slice and records the content hash of the full set.
	UpsertEntries(ctx context.Context, periodID int64, entries []EmployeePeriodEntry, contentHash string) error
	EntriesHash(ctx context.Context, periodID int64) (string, error)

	ListNovedades(ctx context.Context, periodID int64) ([]Novedad, error)

	AppendSnapshot(ctx context.Context, snap VersionSnapshot) (VersionSnapshot, error)
	LatestSnapshot(ctx context.Context, periodID int64) (VersionSnapshot, error)
	ListSnapshots(ctx context.Context, periodID int64) ([]VersionSnapshot, error)

	DeleteArtifacts(ctx context.Context, ids []uuid.UUID) error

	// Edit drafts are the write-ahead record mirroring staged session state so
	// a crashed session can be resumed.
	SaveEditDraft(ctx context.Context, draft EditDraft) error
	LoadEditDraft(ctx context.Context, periodID int64) (EditDraft, error)
	DeleteEditDraft(ctx context.Context, periodID int64) error
	ListStaleEditDrafts(ctx context.Context, olderThan time.Time) ([]EditDraft, error)

	SaveCheckpoint(ctx context.Context, txID uuid.UUID, step string) error
	ListCheckpoints(ctx context.Context, txID uuid.UUID) ([]string, error)

	// FinalizePeriod applies the staged edits, closes the period, and appends
	// the commit snapshot in one atomic operation. Re-running after the close
	// took effect is a no-op returning the snapshot the first run appended.
	FinalizePeriod(ctx context.Context, periodID int64, edits StagedEdits, snap VersionSnapshot) (VersionSnapshot, error)
}

// StagedEdits is the net pending state a session hands to commit.
type StagedEdits struct {
	Composition      []CompositionChange
	AddedNovedades   []Novedad
	UpdatedNovedades []Novedad
	RemovedNovedades []int64
}

// EditDraft is the versioned pending-edit record persisted on every staged
// mutation.
type EditDraft struct {
	PeriodID  int64
	SessionID uuid.UUID
	Version   int
	// State is the JSON-encoded staged state (composition changes plus
	// novedad edits), opaque to the repository.
	State     []byte
	UpdatedAt time.Time
}

// VoucherGenerator produces one artifact per employee entry during commit.
type VoucherGenerator interface {
	Generate(ctx context.Context, period Period, entry SnapshotEntry) (uuid.UUID, error)
}

// Notifier delivers payment notifications. Best effort: a sent notification
// cannot be unsent, so implementations are never rolled back.
type Notifier interface {
	Notify(ctx context.Context, employee EmployeeRef, artifactID uuid.UUID) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}
