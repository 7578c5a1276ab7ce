package payroll

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/liquida-hr/liquida/internal/shared"
)

type sessionFixture struct {
	repo    *memRepo
	gateway *stubGateway
	clock   *fakeClock
	mr      *miniredis.Miniredis
	audit   *stubAudit
	mgr     *SessionManager
}

// newSessionFixture seeds period 1 (draft, monthly) with three employees and
// one employee not yet assigned to any period.
func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &sessionFixture{
		repo:    newMemRepo(),
		gateway: &stubGateway{},
		clock:   newFakeClock(),
		mr:      mr,
		audit:   &stubAudit{},
	}
	f.repo.addPeriod(Period{ID: 1, Type: PeriodTypeMonthly, Status: shared.PeriodStatusDraft, Year: "2026"})
	f.repo.addEmployee(1, EmployeeRef{ID: 10, FullName: "Ana Prieto", BaseSalary: decimal.NewFromInt(1_000_000)})
	f.repo.addEmployee(1, EmployeeRef{ID: 11, FullName: "Luis Rojas", BaseSalary: decimal.NewFromInt(2_000_000)})
	f.repo.addEmployee(1, EmployeeRef{ID: 12, FullName: "Marta Gil", BaseSalary: decimal.NewFromInt(1_500_000)})
	f.repo.addEmployeeRecord(EmployeeRef{ID: 99, FullName: "Pedro Lunar", BaseSalary: decimal.NewFromInt(900_000)})

	f.mgr = f.newManager(client)
	return f
}

func (f *sessionFixture) newManager(client *redis.Client) *SessionManager {
	recalc := NewRecalculator(f.repo, f.gateway, nil, nil)
	return NewSessionManager(context.Background(), SessionManagerConfig{
		Repo:      f.repo,
		Recalc:    recalc,
		Snapshots: NewVersionSnapshotStore(f.repo, f.clock.Now),
		Locker:    shared.NewPeriodLocker(client, time.Minute),
		Audit:     f.audit,
		Clock:     f.clock,
		Debounce:  500 * time.Millisecond,
	})
}

// seedEntries installs a consistent persisted entry set so discard has a real
// baseline to restore.
func (f *sessionFixture) seedEntries(t *testing.T) []EmployeePeriodEntry {
	t.Helper()
	entries := []EmployeePeriodEntry{
		makeEntry(10, 1, 1_000_000, 80_000),
		makeEntry(11, 1, 2_000_000, 160_000),
		makeEntry(12, 1, 1_500_000, 120_000),
	}
	require.NoError(t, f.repo.UpsertEntries(context.Background(), 1, entries, ContentHash(entries)))
	f.repo.mu.Lock()
	f.repo.entryWrites = 0
	f.repo.mu.Unlock()
	return entries
}

func makeEntry(employeeID, periodID int64, gross, deductions int64) EmployeePeriodEntry {
	g := decimal.NewFromInt(gross)
	d := decimal.NewFromInt(deductions)
	return EmployeePeriodEntry{
		EmployeeID:      employeeID,
		PeriodID:        periodID,
		WorkedDays:      30,
		GrossPay:        g,
		TotalDeductions: d,
		NetPay:          g.Sub(d),
		IBC:             g,
	}
}

func TestSessionExclusivePerPeriod(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, err := f.mgr.Start(ctx, 1, 500)
	require.NoError(t, err)
	require.Equal(t, SessionActive, s.Status())

	_, err = f.mgr.Start(ctx, 1, 501)
	require.ErrorIs(t, err, ErrSessionAlreadyActive)

	// Another process hits the period lock and gets the same answer.
	client := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	other := f.newManager(client)
	_, err = other.Start(ctx, 1, 502)
	require.ErrorIs(t, err, ErrSessionAlreadyActive)

	// Discard releases both the registry slot and the lock.
	require.NoError(t, s.Discard(ctx))
	_, err = other.Start(ctx, 1, 502)
	require.NoError(t, err)
}

func TestSessionStartRejectsClosedPeriod(t *testing.T) {
	f := newSessionFixture(t)
	f.repo.addPeriod(Period{ID: 2, Type: PeriodTypeMonthly, Status: shared.PeriodStatusClosed, Year: "2026"})

	_, err := f.mgr.Start(context.Background(), 2, 500)
	require.ErrorIs(t, err, ErrPeriodClosed)

	_, err = f.mgr.Start(context.Background(), 404, 500)
	require.ErrorIs(t, err, ErrPeriodNotFound)
}

func TestSessionMutationsRequireActive(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, err := f.mgr.Start(ctx, 1, 500)
	require.NoError(t, err)
	require.NoError(t, s.Discard(ctx))

	require.ErrorIs(t, s.AddEmployee(ctx, 99), ErrSessionNotActive)
	require.ErrorIs(t, s.RemoveEmployee(ctx, 10), ErrSessionNotActive)
	_, err = s.AddNovedad(ctx, Novedad{EmployeeID: 10, Type: NovedadBonus})
	require.ErrorIs(t, err, ErrSessionNotActive)
	require.ErrorIs(t, s.Discard(ctx), ErrSessionNotActive)
}

func TestSessionCompositionValidation(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, err := f.mgr.Start(ctx, 1, 500)
	require.NoError(t, err)

	require.ErrorIs(t, s.AddEmployee(ctx, 10), ErrEmployeeInPeriod)
	require.ErrorIs(t, s.RemoveEmployee(ctx, 99), ErrEmployeeNotInPeriod)

	require.NoError(t, s.AddEmployee(ctx, 99))
	require.ErrorIs(t, s.AddEmployee(ctx, 99), ErrEmployeeInPeriod)

	// Removing a staged-added employee cancels out instead of stacking.
	require.NoError(t, s.RemoveEmployee(ctx, 99))
	require.Empty(t, s.StagedEdits().Composition)

	// Novedades only for effective members.
	require.NoError(t, s.RemoveEmployee(ctx, 12))
	_, err = s.AddNovedad(ctx, Novedad{EmployeeID: 12, Type: NovedadBonus, Value: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrEmployeeNotInPeriod)
}

func TestSessionEffectiveViewAppliesStagedEdits(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	f.repo.addNovedad(Novedad{PeriodID: 1, EmployeeID: 11, Type: NovedadBonus, Value: decimal.NewFromInt(500_000)})
	f.repo.addNovedad(Novedad{PeriodID: 1, EmployeeID: 12, Type: NovedadOvertime, Value: decimal.NewFromInt(70_000)})

	s, err := f.mgr.Start(ctx, 1, 500)
	require.NoError(t, err)

	require.NoError(t, s.AddEmployee(ctx, 99))
	require.NoError(t, s.RemoveEmployee(ctx, 12))

	staged, err := s.AddNovedad(ctx, Novedad{EmployeeID: 10, Type: NovedadDeduction, Value: decimal.NewFromInt(30_000), IsDeduction: true})
	require.NoError(t, err)
	require.Negative(t, staged.ID)

	newValue := decimal.NewFromInt(600_000)
	_, err = s.UpdateNovedad(ctx, 1, NovedadPatch{Value: &newValue})
	require.NoError(t, err)

	view, err := s.EffectiveView(ctx)
	require.NoError(t, err)

	ids := make([]int64, 0, len(view.Employees))
	for _, e := range view.Employees {
		ids = append(ids, e.ID)
	}
	require.Equal(t, []int64{10, 11, 99}, ids)

	// Removed employee's novedad is filtered, the update is applied, the
	// staged addition is present.
	require.Len(t, view.Novedades, 2)
	byEmployee := map[int64]Novedad{}
	for _, n := range view.Novedades {
		byEmployee[n.EmployeeID] = n
	}
	require.True(t, byEmployee[11].Value.Equal(newValue))
	require.Equal(t, staged.ID, byEmployee[10].ID)
	_, hasRemoved := byEmployee[12]
	require.False(t, hasRemoved)
}

func TestSessionNovedadLifecycle(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	f.repo.addNovedad(Novedad{PeriodID: 1, EmployeeID: 10, Type: NovedadBonus, Value: decimal.NewFromInt(100_000)})

	s, err := f.mgr.Start(ctx, 1, 500)
	require.NoError(t, err)

	// Removing a persisted novedad hides it from later lookups.
	require.NoError(t, s.RemoveNovedad(ctx, 1))
	_, err = s.UpdateNovedad(ctx, 1, NovedadPatch{})
	require.ErrorIs(t, err, ErrNovedadNotFound)

	// Removing a staged novedad just drops it.
	staged, err := s.AddNovedad(ctx, Novedad{EmployeeID: 11, Type: NovedadOvertime, Value: decimal.NewFromInt(5_000)})
	require.NoError(t, err)
	require.NoError(t, s.RemoveNovedad(ctx, staged.ID))

	edits := s.StagedEdits()
	require.Empty(t, edits.AddedNovedades)
	require.Equal(t, []int64{1}, edits.RemovedNovedades)

	require.ErrorIs(t, s.RemoveNovedad(ctx, 404), ErrNovedadNotFound)
}

func TestSessionDiscardRestoresBaseline(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	original := f.seedEntries(t)

	s, err := f.mgr.Start(ctx, 1, 500)
	require.NoError(t, err)
	require.Equal(t, 1, s.BaseSnapshot().Version)

	// Stage edits and let the debounced pass persist new figures.
	_, err = s.AddNovedad(ctx, Novedad{EmployeeID: 10, Type: NovedadBonus, Value: decimal.NewFromInt(250_000)})
	require.NoError(t, err)
	require.NoError(t, s.Quiesce(ctx))

	changed, err := f.repo.ListEntries(ctx, 1)
	require.NoError(t, err)
	require.NotEqual(t, ContentHash(original), ContentHash(changed))

	require.NoError(t, s.Discard(ctx))

	restored, err := f.repo.ListEntries(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, ContentHash(original), ContentHash(restored))
	require.Equal(t, original, restored)

	// The period status, novedades, and snapshot sequence are untouched; the
	// draft is gone.
	period, err := f.repo.GetPeriod(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, shared.PeriodStatusDraft, period.Status)
	novedades, err := f.repo.ListNovedades(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, novedades)
	snaps, err := f.repo.ListSnapshots(ctx, 1)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	_, err = f.repo.LoadEditDraft(ctx, 1)
	require.ErrorIs(t, err, ErrSessionNotActive)
}

func TestSessionResumeFromDraft(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	f.seedEntries(t)

	s, err := f.mgr.Start(ctx, 1, 500)
	require.NoError(t, err)
	require.NoError(t, s.AddEmployee(ctx, 99))
	staged, err := s.AddNovedad(ctx, Novedad{EmployeeID: 10, Type: NovedadBonus, Value: decimal.NewFromInt(80_000)})
	require.NoError(t, err)
	wantEdits := s.StagedEdits()

	// The owning process dies: its lock expires, the draft survives.
	f.mr.FastForward(2 * time.Minute)
	client := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	other := f.newManager(client)

	resumed, err := other.Resume(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, s.ID, resumed.ID)
	require.Equal(t, s.ActorID, resumed.ActorID)
	require.Equal(t, wantEdits, resumed.StagedEdits())

	// Staged ids keep counting down instead of colliding.
	next, err := resumed.AddNovedad(ctx, Novedad{EmployeeID: 11, Type: NovedadOvertime, Value: decimal.NewFromInt(10_000)})
	require.NoError(t, err)
	require.Less(t, next.ID, staged.ID)

	_, err = other.Resume(ctx, 404)
	require.ErrorIs(t, err, ErrSessionNotActive)
}

func TestSessionReapStale(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	f.seedEntries(t)

	s, err := f.mgr.Start(ctx, 1, 500)
	require.NoError(t, err)
	_, err = s.AddNovedad(ctx, Novedad{EmployeeID: 10, Type: NovedadBonus, Value: decimal.NewFromInt(1_000)})
	require.NoError(t, err)

	// Nothing is stale yet.
	n, err := f.mgr.ReapStale(ctx, f.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = f.mgr.ReapStale(ctx, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, SessionCancelled, s.Status())
	_, err = f.repo.LoadEditDraft(ctx, 1)
	require.ErrorIs(t, err, ErrSessionNotActive)
}

func TestSessionCommitReservation(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s, err := f.mgr.Start(ctx, 1, 500)
	require.NoError(t, err)

	require.NoError(t, s.BeginCommit())
	require.ErrorIs(t, s.BeginCommit(), ErrConcurrentCommit)
	require.ErrorIs(t, s.Discard(ctx), ErrConcurrentCommit)

	// The reservation freezes the staged set: no mutation may slip in
	// between calculation and finalization.
	_, err = s.AddNovedad(ctx, Novedad{EmployeeID: 10, Type: NovedadBonus, Value: decimal.NewFromInt(50_000)})
	require.ErrorIs(t, err, ErrConcurrentCommit)
	require.ErrorIs(t, s.RemoveNovedad(ctx, 1), ErrConcurrentCommit)

	// A failed commit attempt returns the session to active use.
	s.FinishCommit(ctx, false)
	require.Equal(t, SessionActive, s.Status())
	_, err = s.AddNovedad(ctx, Novedad{EmployeeID: 10, Type: NovedadBonus, Value: decimal.NewFromInt(50_000)})
	require.NoError(t, err)
	require.NoError(t, s.BeginCommit())

	s.FinishCommit(ctx, true)
	require.Equal(t, SessionCompleted, s.Status())
	_, err = f.mgr.Get(1)
	require.ErrorIs(t, err, ErrSessionNotActive)
}
