package payroll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/liquida-hr/liquida/internal/observability"
)

// SchedulerState is the explicit recalculation state machine replacing ad hoc
// in-flight flags.
type SchedulerState int

const (
	// SchedulerIdle means no pass is running and none is scheduled to start.
	SchedulerIdle SchedulerState = iota
	// SchedulerRunning means one pass is executing.
	SchedulerRunning
	// SchedulerRunningWithPending means a pass is executing and the debounce
	// window elapsed again behind it; exactly one follow-up pass will run.
	SchedulerRunningWithPending
)

// RecalcScope describes which employees a pending recalculation covers. The
// zero value covers nothing; marking the full period subsumes any employee
// set.
type RecalcScope struct {
	Full      bool
	Employees map[int64]struct{}
}

func (s *RecalcScope) merge(other RecalcScope) {
	if other.Full {
		s.Full = true
		s.Employees = nil
		return
	}
	if s.Full {
		return
	}
	if s.Employees == nil {
		s.Employees = make(map[int64]struct{})
	}
	for id := range other.Employees {
		s.Employees[id] = struct{}{}
	}
}

func (s RecalcScope) empty() bool {
	return !s.Full && len(s.Employees) == 0
}

// singleEmployee returns the sole employee id when the scope provably touches
// only one employee and no cross-employee aggregate.
func (s RecalcScope) singleEmployee() (int64, bool) {
	if s.Full || len(s.Employees) != 1 {
		return 0, false
	}
	for id := range s.Employees {
		return id, true
	}
	return 0, false
}

// ScopeFull is the whole-period scope.
func ScopeFull() RecalcScope { return RecalcScope{Full: true} }

// ScopeEmployee scopes a recalculation to one employee.
func ScopeEmployee(id int64) RecalcScope {
	return RecalcScope{Employees: map[int64]struct{}{id: {}}}
}

// ViewFunc supplies the latest effective period state at the moment a pass
// actually runs, so a pass never computes from a stale intermediate state.
type ViewFunc func(ctx context.Context) (PeriodView, error)

// ResultFunc receives the outcome of every executed pass.
type ResultFunc func(PassResult, error)

// BatchRecalculationScheduler turns bursts of session mutations into a
// bounded number of recalculation passes. Every mutation restarts the
// debounce window; a window elapsing while a pass runs coalesces into exactly
// one follow-up pass.
type BatchRecalculationScheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	state    SchedulerState
	scope    RecalcScope
	timer    Timer
	canceled bool

	debounce time.Duration
	clock    Clock
	recalc   *Recalculator
	view     ViewFunc
	gate     PersistGate
	onResult ResultFunc

	ctx     context.Context
	logger  *slog.Logger
	metrics *observability.Metrics
}

// SchedulerConfig bundles the scheduler dependencies.
type SchedulerConfig struct {
	Debounce time.Duration
	Clock    Clock
	Recalc   *Recalculator
	View     ViewFunc
	Gate     PersistGate
	OnResult ResultFunc
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// NewScheduler constructs a scheduler bound to one edit session.
func NewScheduler(ctx context.Context, cfg SchedulerConfig) *BatchRecalculationScheduler {
	if cfg.Clock == nil {
		cfg.Clock = NewClock()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	s := &BatchRecalculationScheduler{
		state:    SchedulerIdle,
		debounce: cfg.Debounce,
		clock:    cfg.Clock,
		recalc:   cfg.Recalc,
		view:     cfg.View,
		gate:     cfg.Gate,
		onResult: cfg.OnResult,
		ctx:      ctx,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// State returns the current state, for introspection and tests.
func (s *BatchRecalculationScheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NoteMutation records a qualifying mutation and restarts the debounce
// window. Only the last scheduled invocation in a window executes.
func (s *BatchRecalculationScheduler) NoteMutation(scope RecalcScope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return
	}
	s.scope.merge(scope)
	if s.timer != nil {
		s.timer.Stop()
		if s.metrics != nil {
			s.metrics.ObserveCoalescedMutation()
		}
	}
	s.timer = s.clock.AfterFunc(s.debounce, s.windowElapsed)
}

// windowElapsed fires when the debounce window closes.
func (s *BatchRecalculationScheduler) windowElapsed() {
	s.mu.Lock()
	s.timer = nil
	if s.canceled || s.scope.empty() {
		s.mu.Unlock()
		return
	}
	if s.state != SchedulerIdle {
		// A pass is executing; record the request instead of running
		// concurrently. The running pass triggers exactly one follow-up.
		s.state = SchedulerRunningWithPending
		s.mu.Unlock()
		return
	}
	s.state = SchedulerRunning
	scope := s.takeScopeLocked()
	s.mu.Unlock()

	go s.runLoop(scope)
}

// runLoop executes one pass, then at most one coalesced follow-up per
// accumulated pending request.
func (s *BatchRecalculationScheduler) runLoop(scope RecalcScope) {
	for {
		result, err := s.execute(scope)
		if s.onResult != nil {
			s.onResult(result, err)
		}

		s.mu.Lock()
		// A newer mutation restarted the window; let its timer drive the next
		// pass so it reflects the latest state.
		if s.canceled || s.scope.empty() || s.timer != nil {
			s.state = SchedulerIdle
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}
		s.state = SchedulerRunning
		scope = s.takeScopeLocked()
		s.mu.Unlock()
	}
}

func (s *BatchRecalculationScheduler) takeScopeLocked() RecalcScope {
	scope := s.scope
	s.scope = RecalcScope{}
	return scope
}

func (s *BatchRecalculationScheduler) execute(scope RecalcScope) (PassResult, error) {
	view, err := s.view(s.ctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ObserveRecalcPass(string(OutcomeFailed))
		}
		return PassResult{Outcome: OutcomeFailed}, err
	}
	if id, ok := scope.singleEmployee(); ok {
		return s.recalc.PassEmployee(s.ctx, view, id, s.gate)
	}
	return s.recalc.Pass(s.ctx, view, s.gate)
}

// Quiesce cancels any pending window, flushes outstanding mutations through
// one synchronous pass, and waits for in-flight work to finish. Commit calls
// it so it never races a stale preview.
func (s *BatchRecalculationScheduler) Quiesce(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	for {
		if err := ctx.Err(); err != nil {
			s.mu.Unlock()
			return err
		}
		if s.state == SchedulerIdle {
			if s.scope.empty() || s.canceled {
				s.mu.Unlock()
				return nil
			}
			s.state = SchedulerRunning
			scope := s.takeScopeLocked()
			s.mu.Unlock()

			result, err := s.execute(scope)
			if s.onResult != nil {
				s.onResult(result, err)
			}
			s.mu.Lock()
			s.state = SchedulerIdle
			s.cond.Broadcast()
			if err != nil {
				s.mu.Unlock()
				return err
			}
			continue
		}
		s.cond.Wait()
	}
}

// Cancel stops the debounce timer and drops pending work. An in-flight pass
// keeps running but its output is discarded by the persist gate.
func (s *BatchRecalculationScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = true
	s.scope = RecalcScope{}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
