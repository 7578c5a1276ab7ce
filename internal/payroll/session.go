package payroll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liquida-hr/liquida/internal/observability"
	"github.com/liquida-hr/liquida/internal/shared"
)

// Locker guards a period against concurrent edit sessions across processes.
// shared.PeriodLocker implements it over redis.
type Locker interface {
	Acquire(ctx context.Context, periodID int64) (string, error)
	Release(ctx context.Context, periodID int64, token string) error
	Refresh(ctx context.Context, periodID int64, token string) error
}

// sessionState is the JSON shape mirrored to the write-ahead edit draft on
// every staged mutation, so a crashed session can be resumed.
type sessionState struct {
	SessionID    uuid.UUID           `json:"sessionId"`
	ActorID      int64               `json:"actorId"`
	StartedAt    time.Time           `json:"startedAt"`
	BaseVersion  int                 `json:"baseVersion"`
	NextStagedID int64               `json:"nextStagedId"`
	Composition  []CompositionChange `json:"composition"`
	Added        []Novedad           `json:"added"`
	Updated      []Novedad           `json:"updated"`
	Removed      []int64             `json:"removed"`
}

// PeriodEditSession scopes one mutable editing pass over a period: the base
// snapshot captured at start, the accumulating staged composition and novedad
// edits, and the debounced recalculation driving previews. Mutations are
// valid only while the session is active and no commit is in flight.
type PeriodEditSession struct {
	ID       uuid.UUID
	PeriodID int64
	ActorID  int64

	mgr *SessionManager

	mu           sync.Mutex
	status       SessionStatus
	startedAt    time.Time
	period       Period
	baseSnapshot VersionSnapshot
	lockToken    string
	committing   bool
	walVersion   int
	unsaved      bool
	lastErr      error
	lastPass     PassResult

	nextStagedID int64
	added        map[int64]Novedad
	updated      map[int64]Novedad
	removed      map[int64]struct{}

	tracker *CompositionChangeTracker
	sched   *BatchRecalculationScheduler
}

// SessionManager owns the per-period session registry and enforces the
// one-active-session-per-period invariant, in-process through the registry
// and cross-process through the period lock.
type SessionManager struct {
	repo      RepositoryPort
	recalc    *Recalculator
	snapshots *VersionSnapshotStore
	locker    Locker
	audit     AuditPort
	clock     Clock
	debounce  time.Duration
	logger    *slog.Logger
	metrics   *observability.Metrics
	baseCtx   context.Context

	mu       sync.Mutex
	sessions map[int64]*PeriodEditSession
}

// SessionManagerConfig bundles the manager dependencies.
type SessionManagerConfig struct {
	Repo      RepositoryPort
	Recalc    *Recalculator
	Snapshots *VersionSnapshotStore
	Locker    Locker
	Audit     AuditPort
	Clock     Clock
	Debounce  time.Duration
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// NewSessionManager constructs a manager. ctx bounds the lifetime of every
// recalculation pass the managed sessions schedule.
func NewSessionManager(ctx context.Context, cfg SessionManagerConfig) *SessionManager {
	if cfg.Clock == nil {
		cfg.Clock = NewClock()
	}
	return &SessionManager{
		repo:      cfg.Repo,
		recalc:    cfg.Recalc,
		snapshots: cfg.Snapshots,
		locker:    cfg.Locker,
		audit:     cfg.Audit,
		clock:     cfg.Clock,
		debounce:  cfg.Debounce,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		baseCtx:   ctx,
		sessions:  make(map[int64]*PeriodEditSession),
	}
}

// Start opens an edit session on the period, capturing the base snapshot and
// taking the period lock. A second start on the same period fails with
// ErrSessionAlreadyActive and mutates nothing.
func (m *SessionManager) Start(ctx context.Context, periodID, actorID int64) (*PeriodEditSession, error) {
	s, err := m.reserve(periodID, actorID)
	if err != nil {
		return nil, err
	}
	if err := m.initSession(ctx, s, nil, 0); err != nil {
		m.drop(periodID)
		return nil, err
	}
	m.auditEvent(ctx, actorID, "payroll.session.start", periodID, map[string]any{
		"session_id": s.ID.String(),
	})
	return s, nil
}

// Resume rebuilds a session from its write-ahead edit draft after a crash.
func (m *SessionManager) Resume(ctx context.Context, periodID int64) (*PeriodEditSession, error) {
	draft, err := m.repo.LoadEditDraft(ctx, periodID)
	if err != nil {
		return nil, err
	}
	var state sessionState
	if err := json.Unmarshal(draft.State, &state); err != nil {
		return nil, fmt.Errorf("payroll: decode edit draft for period %d: %w", periodID, err)
	}

	s, err := m.reserve(periodID, state.ActorID)
	if err != nil {
		return nil, err
	}
	if err := m.initSession(ctx, s, &state, draft.Version); err != nil {
		m.drop(periodID)
		return nil, err
	}
	m.auditEvent(ctx, state.ActorID, "payroll.session.resume", periodID, map[string]any{
		"session_id":   s.ID.String(),
		"wal_version":  draft.Version,
		"staged_edits": len(state.Added) + len(state.Updated) + len(state.Removed),
	})
	return s, nil
}

// Get returns the active session for the period.
func (m *SessionManager) Get(periodID int64) (*PeriodEditSession, error) {
	m.mu.Lock()
	s, ok := m.sessions[periodID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotActive
	}
	s.mu.Lock()
	active := s.status == SessionActive
	s.mu.Unlock()
	if !active {
		return nil, ErrSessionNotActive
	}
	return s, nil
}

// ReapStale discards persisted edit drafts not touched since the cutoff.
// In-memory sessions are discarded through the normal path; orphaned drafts
// from dead processes are deleted outright, their locks expire on their own.
func (m *SessionManager) ReapStale(ctx context.Context, olderThan time.Time) (int, error) {
	drafts, err := m.repo.ListStaleEditDrafts(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, d := range drafts {
		if s, err := m.Get(d.PeriodID); err == nil {
			if err := s.Discard(ctx); err != nil {
				m.log().Warn("reap: discard stale session failed",
					slog.Int64("period_id", d.PeriodID), slog.Any("error", err))
				continue
			}
			reaped++
			continue
		}
		if err := m.repo.DeleteEditDraft(ctx, d.PeriodID); err != nil {
			m.log().Warn("reap: delete orphan draft failed",
				slog.Int64("period_id", d.PeriodID), slog.Any("error", err))
			continue
		}
		reaped++
	}
	return reaped, nil
}

func (m *SessionManager) reserve(periodID, actorID int64) (*PeriodEditSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[periodID]; ok {
		return nil, ErrSessionAlreadyActive
	}
	s := &PeriodEditSession{
		ID:       uuid.New(),
		PeriodID: periodID,
		ActorID:  actorID,
		mgr:      m,
		added:    make(map[int64]Novedad),
		updated:  make(map[int64]Novedad),
		removed:  make(map[int64]struct{}),
		tracker:  NewCompositionChangeTracker(m.clock.Now),
	}
	m.sessions[periodID] = s
	return s, nil
}

func (m *SessionManager) initSession(ctx context.Context, s *PeriodEditSession, restored *sessionState, baseWAL int) error {
	period, err := m.repo.GetPeriod(ctx, s.PeriodID)
	if err != nil {
		return err
	}
	if period.Status == shared.PeriodStatusClosed {
		return ErrPeriodClosed
	}

	token, err := m.locker.Acquire(ctx, s.PeriodID)
	if err != nil {
		if errors.Is(err, shared.ErrPeriodLocked) {
			return ErrSessionAlreadyActive
		}
		return fmt.Errorf("payroll: acquire period lock: %w", err)
	}

	var snap VersionSnapshot
	if restored != nil {
		snap, err = m.repo.LatestSnapshot(ctx, s.PeriodID)
	} else {
		snap, err = m.snapshots.Capture(ctx, s.PeriodID, SnapshotSessionStart)
	}
	if err != nil {
		if relErr := m.locker.Release(ctx, s.PeriodID, token); relErr != nil {
			m.log().Warn("release lock after failed start", slog.Any("error", relErr))
		}
		return err
	}

	s.mu.Lock()
	s.period = period
	s.lockToken = token
	s.baseSnapshot = snap
	s.startedAt = m.clock.Now()
	s.walVersion = baseWAL
	if restored != nil {
		s.ID = restored.SessionID
		s.startedAt = restored.StartedAt
		s.nextStagedID = restored.NextStagedID
		s.tracker.Restore(restored.Composition)
		for _, n := range restored.Added {
			s.added[n.ID] = n
		}
		for _, n := range restored.Updated {
			s.updated[n.ID] = n
		}
		for _, id := range restored.Removed {
			s.removed[id] = struct{}{}
		}
		s.unsaved = len(restored.Added)+len(restored.Updated)+len(restored.Removed)+len(restored.Composition) > 0
	}
	s.sched = NewScheduler(m.baseCtx, SchedulerConfig{
		Debounce: m.debounce,
		Clock:    m.clock,
		Recalc:   m.recalc,
		View:     s.EffectiveView,
		Gate:     s.persistAllowed,
		OnResult: s.noteResult,
		Logger:   m.logger,
		Metrics:  m.metrics,
	})
	s.status = SessionActive
	err = s.persistStateLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		if relErr := m.locker.Release(ctx, s.PeriodID, token); relErr != nil {
			m.log().Warn("release lock after failed start", slog.Any("error", relErr))
		}
		return err
	}
	return nil
}

func (m *SessionManager) drop(periodID int64) {
	m.mu.Lock()
	delete(m.sessions, periodID)
	m.mu.Unlock()
}

func (m *SessionManager) auditEvent(ctx context.Context, actorID int64, action string, periodID int64, meta map[string]any) {
	if m.audit == nil {
		return
	}
	err := m.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "payroll_period",
		EntityID: fmt.Sprintf("%d", periodID),
		Meta:     meta,
		At:       m.clock.Now(),
	})
	if err != nil {
		m.log().Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func (m *SessionManager) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default()
}

// Status returns the session lifecycle state.
func (s *PeriodEditSession) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *PeriodEditSession) requireActiveLocked() error {
	if s.status != SessionActive {
		return ErrSessionNotActive
	}
	return nil
}

// requireEditableLocked additionally rejects mutations while a commit holds
// the session, so the staged set the saga applies at finalization is exactly
// the set its calculation ran over.
func (s *PeriodEditSession) requireEditableLocked() error {
	if err := s.requireActiveLocked(); err != nil {
		return err
	}
	if s.committing {
		return ErrConcurrentCommit
	}
	return nil
}

// AddEmployee stages adding the employee to the period composition.
func (s *PeriodEditSession) AddEmployee(ctx context.Context, employeeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireEditableLocked(); err != nil {
		return err
	}
	if _, err := s.mgr.repo.GetEmployee(ctx, employeeID); err != nil {
		return err
	}
	in, err := s.inPeriodLocked(ctx, employeeID)
	if err != nil {
		return err
	}
	if in {
		return ErrEmployeeInPeriod
	}
	if !s.tracker.MarkAdded(employeeID) {
		return nil
	}
	s.unsaved = true
	if err := s.persistStateLocked(ctx); err != nil {
		return err
	}
	s.sched.NoteMutation(ScopeFull())
	return nil
}

// RemoveEmployee stages removing the employee from the period composition.
// The employee's novedades stop contributing to the effective view until the
// change is resolved.
func (s *PeriodEditSession) RemoveEmployee(ctx context.Context, employeeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireEditableLocked(); err != nil {
		return err
	}
	in, err := s.inPeriodLocked(ctx, employeeID)
	if err != nil {
		return err
	}
	if !in {
		return ErrEmployeeNotInPeriod
	}
	if !s.tracker.MarkRemoved(employeeID) {
		return nil
	}
	s.unsaved = true
	if err := s.persistStateLocked(ctx); err != nil {
		return err
	}
	s.sched.NoteMutation(ScopeFull())
	return nil
}

// AddNovedad stages a new adjustment. The returned novedad carries the staged
// id (negative until commit persists it) callers use for later update/remove.
func (s *PeriodEditSession) AddNovedad(ctx context.Context, n Novedad) (Novedad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireEditableLocked(); err != nil {
		return Novedad{}, err
	}
	in, err := s.inPeriodLocked(ctx, n.EmployeeID)
	if err != nil {
		return Novedad{}, err
	}
	if !in {
		return Novedad{}, ErrEmployeeNotInPeriod
	}
	s.nextStagedID--
	n.ID = s.nextStagedID
	n.PeriodID = s.PeriodID
	n.CreatedAt = s.mgr.clock.Now()
	s.added[n.ID] = n
	s.unsaved = true
	if err := s.persistStateLocked(ctx); err != nil {
		return Novedad{}, err
	}
	s.sched.NoteMutation(ScopeEmployee(n.EmployeeID))
	return n, nil
}

// UpdateNovedad stages a partial update against a staged or persisted
// novedad.
func (s *PeriodEditSession) UpdateNovedad(ctx context.Context, id int64, patch NovedadPatch) (Novedad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireEditableLocked(); err != nil {
		return Novedad{}, err
	}
	n, err := s.findNovedadLocked(ctx, id)
	if err != nil {
		return Novedad{}, err
	}
	applyPatch(&n, patch)
	if _, staged := s.added[id]; staged {
		s.added[id] = n
	} else {
		s.updated[id] = n
	}
	s.unsaved = true
	if err := s.persistStateLocked(ctx); err != nil {
		return Novedad{}, err
	}
	s.sched.NoteMutation(ScopeEmployee(n.EmployeeID))
	return n, nil
}

// RemoveNovedad stages deletion of a staged or persisted novedad.
func (s *PeriodEditSession) RemoveNovedad(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireEditableLocked(); err != nil {
		return err
	}
	n, err := s.findNovedadLocked(ctx, id)
	if err != nil {
		return err
	}
	if _, staged := s.added[id]; staged {
		delete(s.added, id)
	} else {
		delete(s.updated, id)
		s.removed[id] = struct{}{}
	}
	s.unsaved = true
	if err := s.persistStateLocked(ctx); err != nil {
		return err
	}
	s.sched.NoteMutation(ScopeEmployee(n.EmployeeID))
	return nil
}

// findNovedadLocked resolves a novedad id against staged state first, then
// the persisted set.
func (s *PeriodEditSession) findNovedadLocked(ctx context.Context, id int64) (Novedad, error) {
	if n, ok := s.added[id]; ok {
		return n, nil
	}
	if _, gone := s.removed[id]; gone {
		return Novedad{}, ErrNovedadNotFound
	}
	if n, ok := s.updated[id]; ok {
		return n, nil
	}
	persisted, err := s.mgr.repo.ListNovedades(ctx, s.PeriodID)
	if err != nil {
		return Novedad{}, err
	}
	for _, n := range persisted {
		if n.ID == id {
			return n, nil
		}
	}
	return Novedad{}, ErrNovedadNotFound
}

func applyPatch(n *Novedad, patch NovedadPatch) {
	if patch.Value != nil {
		n.Value = *patch.Value
	}
	if patch.Days != nil {
		n.Days = *patch.Days
	}
	if patch.Dates != nil {
		start, end := patch.Dates[0], patch.Dates[1]
		n.StartDate = &start
		n.EndDate = &end
	}
}

// inPeriodLocked reports effective membership: staged changes take precedence
// over the persisted composition.
func (s *PeriodEditSession) inPeriodLocked(ctx context.Context, employeeID int64) (bool, error) {
	if kind, ok := s.tracker.PendingFor(employeeID); ok {
		return kind == ChangeAdded, nil
	}
	employees, err := s.mgr.repo.ListEmployees(ctx, s.PeriodID)
	if err != nil {
		return false, err
	}
	for _, e := range employees {
		if e.ID == employeeID {
			return true, nil
		}
	}
	return false, nil
}

// EffectiveView assembles the period state with every staged edit applied.
// Recalculation passes compute from this, never from a stale intermediate.
func (s *PeriodEditSession) EffectiveView(ctx context.Context) (PeriodView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveViewLocked(ctx)
}

func (s *PeriodEditSession) effectiveViewLocked(ctx context.Context) (PeriodView, error) {
	base, err := s.mgr.repo.ListEmployees(ctx, s.PeriodID)
	if err != nil {
		return PeriodView{}, err
	}
	member := make(map[int64]struct{}, len(base))
	employees := make([]EmployeeRef, 0, len(base))
	for _, e := range base {
		if kind, ok := s.tracker.PendingFor(e.ID); ok && kind == ChangeRemoved {
			continue
		}
		member[e.ID] = struct{}{}
		employees = append(employees, e)
	}
	for _, change := range s.tracker.ListPending() {
		if change.Kind != ChangeAdded {
			continue
		}
		if _, ok := member[change.EmployeeID]; ok {
			continue
		}
		emp, err := s.mgr.repo.GetEmployee(ctx, change.EmployeeID)
		if err != nil {
			return PeriodView{}, err
		}
		member[emp.ID] = struct{}{}
		employees = append(employees, emp)
	}
	sort.Slice(employees, func(i, j int) bool { return employees[i].ID < employees[j].ID })

	persisted, err := s.mgr.repo.ListNovedades(ctx, s.PeriodID)
	if err != nil {
		return PeriodView{}, err
	}
	novedades := make([]Novedad, 0, len(persisted)+len(s.added))
	for _, n := range persisted {
		if _, gone := s.removed[n.ID]; gone {
			continue
		}
		if _, out := member[n.EmployeeID]; !out {
			continue
		}
		if upd, ok := s.updated[n.ID]; ok {
			n = upd
		}
		novedades = append(novedades, n)
	}
	for _, n := range s.added {
		if _, out := member[n.EmployeeID]; !out {
			continue
		}
		novedades = append(novedades, n)
	}

	return PeriodView{Period: s.period, Employees: employees, Novedades: novedades}, nil
}

// StagedEdits returns the net pending state for commit to apply, with
// deterministic slice ordering.
func (s *PeriodEditSession) StagedEdits() StagedEdits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stagedEditsLocked()
}

func (s *PeriodEditSession) stagedEditsLocked() StagedEdits {
	edits := StagedEdits{Composition: s.tracker.ListPending()}
	for _, n := range s.added {
		edits.AddedNovedades = append(edits.AddedNovedades, n)
	}
	sort.Slice(edits.AddedNovedades, func(i, j int) bool {
		return edits.AddedNovedades[i].ID > edits.AddedNovedades[j].ID // staging order: -1, -2, ...
	})
	for _, n := range s.updated {
		edits.UpdatedNovedades = append(edits.UpdatedNovedades, n)
	}
	sort.Slice(edits.UpdatedNovedades, func(i, j int) bool {
		return edits.UpdatedNovedades[i].ID < edits.UpdatedNovedades[j].ID
	})
	for id := range s.removed {
		edits.RemovedNovedades = append(edits.RemovedNovedades, id)
	}
	sort.Slice(edits.RemovedNovedades, func(i, j int) bool {
		return edits.RemovedNovedades[i] < edits.RemovedNovedades[j]
	})
	return edits
}

// SessionPreview is the read model the preview endpoint serves.
type SessionPreview struct {
	SessionID          uuid.UUID           `json:"sessionId"`
	PeriodID           int64               `json:"periodId"`
	Status             SessionStatus       `json:"status"`
	StartedAt          time.Time           `json:"startedAt"`
	BaseVersion        int                 `json:"baseVersion"`
	UnsavedChanges     bool                `json:"unsavedChanges"`
	PendingComposition []CompositionChange `json:"pendingComposition"`
	LastPass           PassResult          `json:"lastPass"`
	LastError          string              `json:"lastError,omitempty"`
}

// Preview reports the session state and the latest recalculation result.
// Possibly stale while a pass is in flight.
func (s *PeriodEditSession) Preview() SessionPreview {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := SessionPreview{
		SessionID:          s.ID,
		PeriodID:           s.PeriodID,
		Status:             s.status,
		StartedAt:          s.startedAt,
		BaseVersion:        s.baseSnapshot.Version,
		UnsavedChanges:     s.unsaved,
		PendingComposition: s.tracker.ListPending(),
		LastPass:           s.lastPass,
	}
	if s.lastErr != nil {
		p.LastError = s.lastErr.Error()
	}
	return p
}

// LastError returns the error flag set by the most recent recalculation
// pass, nil when the pass succeeded.
func (s *PeriodEditSession) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Quiesce flushes and waits out any pending or in-flight recalculation.
func (s *PeriodEditSession) Quiesce(ctx context.Context) error {
	return s.sched.Quiesce(ctx)
}

// BeginCommit reserves the session for one commit attempt. While the
// reservation holds, concurrent commits, discards and staged mutations all
// get ErrConcurrentCommit.
func (s *PeriodEditSession) BeginCommit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActiveLocked(); err != nil {
		return err
	}
	if s.committing {
		return ErrConcurrentCommit
	}
	s.committing = true
	return nil
}

// FinishCommit releases the commit reservation. On success the session
// completes and its resources are released; on failure it stays active so
// the caller can retry or discard.
func (s *PeriodEditSession) FinishCommit(ctx context.Context, succeeded bool) {
	s.mu.Lock()
	s.committing = false
	if !succeeded {
		s.mu.Unlock()
		return
	}
	s.status = SessionCompleted
	token := s.lockToken
	s.mu.Unlock()

	s.sched.Cancel()
	if err := s.mgr.repo.DeleteEditDraft(ctx, s.PeriodID); err != nil {
		s.mgr.log().Warn("delete edit draft after commit", slog.Any("error", err))
	}
	if err := s.mgr.locker.Release(ctx, s.PeriodID, token); err != nil {
		s.mgr.log().Warn("release period lock after commit", slog.Any("error", err))
	}
	s.mgr.drop(s.PeriodID)
}

// RefreshLock extends the period lock, used by long commits.
func (s *PeriodEditSession) RefreshLock(ctx context.Context) error {
	s.mu.Lock()
	token := s.lockToken
	s.mu.Unlock()
	return s.mgr.locker.Refresh(ctx, s.PeriodID, token)
}

// BaseSnapshot returns the snapshot captured when the session started.
func (s *PeriodEditSession) BaseSnapshot() VersionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseSnapshot
}

// Period returns the period as read at session start.
func (s *PeriodEditSession) Period() Period {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}

// Discard drops every staged change, cancels pending recalculation, and
// restores the entry set captured at session start. The period itself is
// untouched and no snapshot is written.
func (s *PeriodEditSession) Discard(ctx context.Context) error {
	s.mu.Lock()
	if err := s.requireActiveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.committing {
		s.mu.Unlock()
		return ErrConcurrentCommit
	}
	s.status = SessionCancelled
	snap := s.baseSnapshot
	token := s.lockToken
	s.tracker.Reset()
	s.added = make(map[int64]Novedad)
	s.updated = make(map[int64]Novedad)
	s.removed = make(map[int64]struct{})
	s.unsaved = false
	s.mu.Unlock()

	// Status flipped first: the persist gate now rejects any in-flight pass.
	s.sched.Cancel()

	if err := s.mgr.snapshots.Restore(ctx, snap); err != nil {
		return err
	}
	if err := s.mgr.repo.DeleteEditDraft(ctx, s.PeriodID); err != nil {
		s.mgr.log().Warn("delete edit draft after discard", slog.Any("error", err))
	}
	if err := s.mgr.locker.Release(ctx, s.PeriodID, token); err != nil {
		s.mgr.log().Warn("release period lock after discard", slog.Any("error", err))
	}
	s.mgr.drop(s.PeriodID)
	s.mgr.auditEvent(ctx, s.ActorID, "payroll.session.discard", s.PeriodID, map[string]any{
		"session_id": s.ID.String(),
	})
	return nil
}

func (s *PeriodEditSession) persistAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == SessionActive
}

func (s *PeriodEditSession) noteResult(res PassResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPass = res
	s.lastErr = err
}

// persistStateLocked mirrors the staged state to the versioned edit draft.
func (s *PeriodEditSession) persistStateLocked(ctx context.Context) error {
	edits := s.stagedEditsLocked()
	state := sessionState{
		SessionID:    s.ID,
		ActorID:      s.ActorID,
		StartedAt:    s.startedAt,
		BaseVersion:  s.baseSnapshot.Version,
		NextStagedID: s.nextStagedID,
		Composition:  edits.Composition,
		Added:        edits.AddedNovedades,
		Updated:      edits.UpdatedNovedades,
		Removed:      edits.RemovedNovedades,
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("payroll: encode edit draft: %w", err)
	}
	s.walVersion++
	return s.mgr.repo.SaveEditDraft(ctx, EditDraft{
		PeriodID:  s.PeriodID,
		SessionID: s.ID,
		Version:   s.walVersion,
		State:     raw,
		UpdatedAt: s.mgr.clock.Now(),
	})
}
