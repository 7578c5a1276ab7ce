package payroll

import (
	"sort"
	"time"
)

// CompositionChangeTracker records employee add/remove intent for the current
// edit session. It tracks the net effect only: re-marking an employee the
// same way is a no-op, and marking the opposite direction cancels the pending
// change instead of stacking two.
type CompositionChangeTracker struct {
	pending map[int64]ChangeKind
	now     func() time.Time
}

// NewCompositionChangeTracker constructs an empty tracker.
func NewCompositionChangeTracker(now func() time.Time) *CompositionChangeTracker {
	if now == nil {
		now = time.Now
	}
	return &CompositionChangeTracker{
		pending: make(map[int64]ChangeKind),
		now:     now,
	}
}

// MarkAdded stages adding the employee to the period. Returns true when the
// pending set actually changed.
func (t *CompositionChangeTracker) MarkAdded(employeeID int64) bool {
	return t.mark(employeeID, ChangeAdded)
}

// MarkRemoved stages removing the employee from the period. Returns true when
// the pending set actually changed.
func (t *CompositionChangeTracker) MarkRemoved(employeeID int64) bool {
	return t.mark(employeeID, ChangeRemoved)
}

func (t *CompositionChangeTracker) mark(employeeID int64, kind ChangeKind) bool {
	current, ok := t.pending[employeeID]
	if ok && current == kind {
		return false
	}
	if ok {
		// Opposite marks cancel out.
		delete(t.pending, employeeID)
		return true
	}
	t.pending[employeeID] = kind
	return true
}

// ListPending returns the net set of composition changes ordered by employee
// id.
func (t *CompositionChangeTracker) ListPending() []CompositionChange {
	out := make([]CompositionChange, 0, len(t.pending))
	at := t.now()
	for id, kind := range t.pending {
		out = append(out, CompositionChange{EmployeeID: id, Kind: kind, At: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out
}

// Pending reports whether any composition change is staged.
func (t *CompositionChangeTracker) Pending() bool {
	return len(t.pending) > 0
}

// PendingFor returns the staged change kind for one employee, if any.
func (t *CompositionChangeTracker) PendingFor(employeeID int64) (ChangeKind, bool) {
	kind, ok := t.pending[employeeID]
	return kind, ok
}

// Reset drops every staged change.
func (t *CompositionChangeTracker) Reset() {
	t.pending = make(map[int64]ChangeKind)
}

// Restore loads previously staged changes, used when resuming a session from
// its write-ahead draft.
func (t *CompositionChangeTracker) Restore(changes []CompositionChange) {
	t.Reset()
	for _, c := range changes {
		t.pending[c.EmployeeID] = c.Kind
	}
}
