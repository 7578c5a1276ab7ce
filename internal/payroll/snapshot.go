package payroll

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
)

// VersionSnapshotStore manages the append-only snapshot sequence per period.
// Snapshots are the rollback source of truth: a capture taken at session
// start is what a discard or saga compensation restores from.
type VersionSnapshotStore struct {
	repo  RepositoryPort
	now   func() time.Time
	group singleflight.Group
}

// NewVersionSnapshotStore constructs a snapshot store over the repository.
func NewVersionSnapshotStore(repo RepositoryPort, now func() time.Time) *VersionSnapshotStore {
	if now == nil {
		now = time.Now
	}
	return &VersionSnapshotStore{repo: repo, now: now}
}

// Build reads the period's current entry set and enriches each entry with the
// employee identity so the snapshot stands on its own. Nothing is persisted;
// the caller decides how the snapshot is written.
func (st *VersionSnapshotStore) Build(ctx context.Context, periodID int64, reason SnapshotReason) (VersionSnapshot, error) {
	entries, err := st.repo.ListEntries(ctx, periodID)
	if err != nil {
		return VersionSnapshot{}, fmt.Errorf("payroll: snapshot read entries: %w", err)
	}
	snapEntries := make([]SnapshotEntry, 0, len(entries))
	for _, e := range entries {
		emp, err := st.repo.GetEmployee(ctx, e.EmployeeID)
		if err != nil {
			return VersionSnapshot{}, fmt.Errorf("payroll: snapshot employee %d: %w", e.EmployeeID, err)
		}
		snapEntries = append(snapEntries, SnapshotEntry{Entry: e, Employee: emp})
	}
	return VersionSnapshot{
		PeriodID: periodID,
		Reason:   reason,
		TakenAt:  st.now(),
		Entries:  snapEntries,
	}, nil
}

// Capture builds the snapshot and appends it as the next version.
func (st *VersionSnapshotStore) Capture(ctx context.Context, periodID int64, reason SnapshotReason) (VersionSnapshot, error) {
	snap, err := st.Build(ctx, periodID, reason)
	if err != nil {
		return VersionSnapshot{}, err
	}
	return st.repo.AppendSnapshot(ctx, snap)
}

// Latest returns the most recent snapshot. Concurrent preview reads for the
// same period are deduplicated into one repository round trip.
func (st *VersionSnapshotStore) Latest(ctx context.Context, periodID int64) (VersionSnapshot, error) {
	v, err, _ := st.group.Do(strconv.FormatInt(periodID, 10), func() (any, error) {
		return st.repo.LatestSnapshot(ctx, periodID)
	})
	if err != nil {
		return VersionSnapshot{}, err
	}
	return v.(VersionSnapshot), nil
}

// History lists every snapshot for the period, oldest first.
func (st *VersionSnapshotStore) History(ctx context.Context, periodID int64) ([]VersionSnapshot, error) {
	return st.repo.ListSnapshots(ctx, periodID)
}

// Restore writes the snapshot's entry set back as the period's current
// entries. The restored set hashes identically to what the snapshot captured.
func (st *VersionSnapshotStore) Restore(ctx context.Context, snap VersionSnapshot) error {
	entries := make([]EmployeePeriodEntry, 0, len(snap.Entries))
	for _, se := range snap.Entries {
		entries = append(entries, se.Entry)
	}
	if err := st.repo.UpsertEntries(ctx, snap.PeriodID, entries, ContentHash(entries)); err != nil {
		return fmt.Errorf("payroll: restore snapshot v%d: %w", snap.Version, err)
	}
	return nil
}
