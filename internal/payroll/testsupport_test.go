package payroll

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/liquida-hr/liquida/internal/shared"
)

// memRepo is an in-memory RepositoryPort used across engine tests.
type memRepo struct {
	mu          sync.Mutex
	periods     map[int64]Period
	employees   map[int64]EmployeeRef
	composition map[int64][]int64
	entries     map[int64][]EmployeePeriodEntry
	novedades   map[int64][]Novedad
	hashes      map[int64]string
	snapshots   map[int64][]VersionSnapshot
	drafts      map[int64]EditDraft
	checkpoints map[uuid.UUID][]string
	artifacts   map[uuid.UUID]int64

	entryWrites      int
	statusWrites     []string
	deletedArtifacts []uuid.UUID
	finalizeErr      error
	nextID           int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		periods:     make(map[int64]Period),
		employees:   make(map[int64]EmployeeRef),
		composition: make(map[int64][]int64),
		entries:     make(map[int64][]EmployeePeriodEntry),
		novedades:   make(map[int64][]Novedad),
		hashes:      make(map[int64]string),
		snapshots:   make(map[int64][]VersionSnapshot),
		drafts:      make(map[int64]EditDraft),
		checkpoints: make(map[uuid.UUID][]string),
		artifacts:   make(map[uuid.UUID]int64),
	}
}

func (r *memRepo) addPeriod(p Period) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.periods[p.ID] = p
}

func (r *memRepo) addEmployeeRecord(e EmployeeRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.employees[e.ID] = e
}

func (r *memRepo) addEmployee(periodID int64, e EmployeeRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.employees[e.ID] = e
	r.composition[periodID] = append(r.composition[periodID], e.ID)
}

func (r *memRepo) addNovedad(n Novedad) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	n.ID = r.nextID
	r.novedades[n.PeriodID] = append(r.novedades[n.PeriodID], n)
}

func (r *memRepo) GetPeriod(ctx context.Context, id int64) (Period, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.periods[id]
	if !ok {
		return Period{}, ErrPeriodNotFound
	}
	return p, nil
}

func (r *memRepo) UpdatePeriodStatus(ctx context.Context, periodID int64, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.periods[periodID]
	if !ok {
		return ErrPeriodNotFound
	}
	if p.Status != status {
		p.Status = status
		r.periods[periodID] = p
		r.statusWrites = append(r.statusWrites, status)
	}
	return nil
}

func (r *memRepo) ListEmployees(ctx context.Context, periodID int64) ([]EmployeeRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := append([]int64(nil), r.composition[periodID]...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]EmployeeRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.employees[id])
	}
	return out, nil
}

func (r *memRepo) GetEmployee(ctx context.Context, id int64) (EmployeeRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.employees[id]
	if !ok {
		return EmployeeRef{}, ErrEmployeeNotInPeriod
	}
	return e, nil
}

func (r *memRepo) ListEntries(ctx context.Context, periodID int64) ([]EmployeePeriodEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EmployeePeriodEntry(nil), r.entries[periodID]...), nil
}

func (r *memRepo) UpsertEntries(ctx context.Context, periodID int64, entries []EmployeePeriodEntry, contentHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sorted := append([]EmployeePeriodEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EmployeeID < sorted[j].EmployeeID })
	r.entries[periodID] = sorted
	r.hashes[periodID] = contentHash
	r.entryWrites++
	return nil
}

func (r *memRepo) EntriesHash(ctx context.Context, periodID int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hashes[periodID], nil
}

func (r *memRepo) ListNovedades(ctx context.Context, periodID int64) ([]Novedad, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Novedad(nil), r.novedades[periodID]...), nil
}

func (r *memRepo) AppendSnapshot(ctx context.Context, snap VersionSnapshot) (VersionSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	snap.ID = r.nextID
	snap.Version = len(r.snapshots[snap.PeriodID]) + 1
	r.snapshots[snap.PeriodID] = append(r.snapshots[snap.PeriodID], snap)
	return snap, nil
}

func (r *memRepo) LatestSnapshot(ctx context.Context, periodID int64) (VersionSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snaps := r.snapshots[periodID]
	if len(snaps) == 0 {
		return VersionSnapshot{}, ErrPeriodNotFound
	}
	return snaps[len(snaps)-1], nil
}

func (r *memRepo) ListSnapshots(ctx context.Context, periodID int64) ([]VersionSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]VersionSnapshot(nil), r.snapshots[periodID]...), nil
}

func (r *memRepo) DeleteArtifacts(ctx context.Context, ids []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.artifacts, id)
		r.deletedArtifacts = append(r.deletedArtifacts, id)
	}
	return nil
}

func (r *memRepo) SaveEditDraft(ctx context.Context, draft EditDraft) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drafts[draft.PeriodID] = draft
	return nil
}

func (r *memRepo) LoadEditDraft(ctx context.Context, periodID int64) (EditDraft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drafts[periodID]
	if !ok {
		return EditDraft{}, ErrSessionNotActive
	}
	return d, nil
}

func (r *memRepo) DeleteEditDraft(ctx context.Context, periodID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.drafts, periodID)
	return nil
}

func (r *memRepo) ListStaleEditDrafts(ctx context.Context, olderThan time.Time) ([]EditDraft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EditDraft
	for _, d := range r.drafts {
		if d.UpdatedAt.Before(olderThan) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *memRepo) SaveCheckpoint(ctx context.Context, txID uuid.UUID, step string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.checkpoints[txID] {
		if s == step {
			return nil
		}
	}
	r.checkpoints[txID] = append(r.checkpoints[txID], step)
	return nil
}

func (r *memRepo) ListCheckpoints(ctx context.Context, txID uuid.UUID) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.checkpoints[txID]...), nil
}

// FinalizePeriod mirrors the repository semantics: the staged edits, the
// close and the commit snapshot land together or not at all, and a call
// against an already closed period only returns the existing snapshot.
func (r *memRepo) FinalizePeriod(ctx context.Context, periodID int64, edits StagedEdits, snap VersionSnapshot) (VersionSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalizeErr != nil {
		err := r.finalizeErr
		r.finalizeErr = nil
		return VersionSnapshot{}, err
	}
	p, ok := r.periods[periodID]
	if !ok {
		return VersionSnapshot{}, ErrPeriodNotFound
	}
	if p.Status == shared.PeriodStatusClosed {
		snaps := r.snapshots[periodID]
		for i := len(snaps) - 1; i >= 0; i-- {
			if snaps[i].Reason == snap.Reason {
				return snaps[i], nil
			}
		}
		return VersionSnapshot{}, ErrPeriodNotFound
	}
	for _, change := range edits.Composition {
		switch change.Kind {
		case ChangeAdded:
			r.composition[periodID] = append(r.composition[periodID], change.EmployeeID)
		case ChangeRemoved:
			kept := r.composition[periodID][:0]
			for _, id := range r.composition[periodID] {
				if id != change.EmployeeID {
					kept = append(kept, id)
				}
			}
			r.composition[periodID] = kept
		}
	}
	removed := make(map[int64]struct{}, len(edits.RemovedNovedades))
	for _, id := range edits.RemovedNovedades {
		removed[id] = struct{}{}
	}
	updated := make(map[int64]Novedad, len(edits.UpdatedNovedades))
	for _, n := range edits.UpdatedNovedades {
		updated[n.ID] = n
	}
	kept := r.novedades[periodID][:0]
	for _, n := range r.novedades[periodID] {
		if _, gone := removed[n.ID]; gone {
			continue
		}
		if upd, ok := updated[n.ID]; ok {
			n = upd
		}
		kept = append(kept, n)
	}
	for _, n := range edits.AddedNovedades {
		r.nextID++
		n.ID = r.nextID
		kept = append(kept, n)
	}
	r.novedades[periodID] = kept

	p.Status = shared.PeriodStatusClosed
	r.periods[periodID] = p
	r.statusWrites = append(r.statusWrites, shared.PeriodStatusClosed)
	r.nextID++
	snap.ID = r.nextID
	snap.Version = len(r.snapshots[periodID]) + 1
	r.snapshots[periodID] = append(r.snapshots[periodID], snap)
	return snap, nil
}

// failNextFinalize makes the next FinalizePeriod call fail once, leaving the
// period untouched like an aborted transaction would.
func (r *memRepo) failNextFinalize(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalizeErr = err
}

func (r *memRepo) writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entryWrites
}

// stubGateway computes deterministic figures: gross is salary plus bonuses
// and non-deduction adjustment values, deductions sum the deduction-flagged
// adjustments.
type stubGateway struct {
	mu         sync.Mutex
	calls      int
	batchCalls int
	lastBatch  []CalculationInput
	failWith   error
}

func (g *stubGateway) compute(in CalculationInput) CalculationResult {
	gross := in.BaseSalary
	deductions := decimal.Zero
	for _, adj := range in.Adjustments {
		if adj.IsDeduction {
			deductions = deductions.Add(adj.Value)
		} else {
			gross = gross.Add(adj.Value)
		}
	}
	return CalculationResult{
		EmployeeID:      in.EmployeeID,
		GrossPay:        gross,
		TotalDeductions: deductions,
		NetPay:          gross.Sub(deductions),
		IBC:             gross,
	}
}

func (g *stubGateway) Calculate(ctx context.Context, in CalculationInput) (CalculationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.failWith != nil {
		return CalculationResult{}, g.failWith
	}
	return g.compute(in), nil
}

func (g *stubGateway) CalculateBatch(ctx context.Context, in []CalculationInput) ([]CalculationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.batchCalls++
	g.lastBatch = append([]CalculationInput(nil), in...)
	if g.failWith != nil {
		return nil, g.failWith
	}
	out := make([]CalculationResult, 0, len(in))
	for _, i := range in {
		out = append(out, g.compute(i))
	}
	return out, nil
}

func (g *stubGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *stubGateway) fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failWith = err
}

// fakeClock drives the scheduler's debounce window manually.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// fire runs every armed timer, simulating the debounce window elapsing.
func (c *fakeClock) fire() {
	c.mu.Lock()
	pending := c.timers
	c.timers = nil
	c.mu.Unlock()
	for _, t := range pending {
		if !t.stopped {
			t.stopped = true
			t.fn()
		}
	}
}

// armedTimers reports how many un-stopped timers exist.
func (c *fakeClock) armedTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// stubNotifier and stubVouchers support saga tests.
type stubVouchers struct {
	mu      sync.Mutex
	created []uuid.UUID
	failAt  int
}

func (v *stubVouchers) Generate(ctx context.Context, period Period, entry SnapshotEntry) (uuid.UUID, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failAt > 0 && len(v.created)+1 >= v.failAt {
		return uuid.Nil, context.DeadlineExceeded
	}
	id := uuid.New()
	v.created = append(v.created, id)
	return id, nil
}

type stubNotifier struct {
	mu       sync.Mutex
	notified []int64
	failWith error
}

func (n *stubNotifier) Notify(ctx context.Context, employee EmployeeRef, artifactID uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failWith != nil {
		return n.failWith
	}
	n.notified = append(n.notified, employee.ID)
	return nil
}

type stubAudit struct {
	mu      sync.Mutex
	records []shared.AuditLog
}

func (a *stubAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, log)
	return nil
}
