package payroll

import (
	"context"
)

// CompositionAction names what a composition request does to an employee.
type CompositionAction string

const (
	CompositionAdd    CompositionAction = "add"
	CompositionRemove CompositionAction = "remove"
)

// Service is the orchestration facade the HTTP layer talks to. It routes
// every call through the per-period edit session so staged edits, the
// debounced recalculation and the commit saga stay behind one surface.
type Service struct {
	sessions   *SessionManager
	liquidator *Liquidator
}

// NewService wires the session manager and the liquidator into one facade.
func NewService(sessions *SessionManager, liquidator *Liquidator) *Service {
	return &Service{sessions: sessions, liquidator: liquidator}
}

// StartSession opens an exclusive edit session for the period.
func (s *Service) StartSession(ctx context.Context, periodID, actorID int64) (SessionPreview, error) {
	sess, err := s.sessions.Start(ctx, periodID, actorID)
	if err != nil {
		return SessionPreview{}, err
	}
	return sess.Preview(), nil
}

// ResumeSession rebuilds a session from its persisted draft.
func (s *Service) ResumeSession(ctx context.Context, periodID int64) (SessionPreview, error) {
	sess, err := s.sessions.Resume(ctx, periodID)
	if err != nil {
		return SessionPreview{}, err
	}
	return sess.Preview(), nil
}

// DiscardSession cancels the active session and restores the base snapshot.
func (s *Service) DiscardSession(ctx context.Context, periodID int64) error {
	sess, err := s.sessions.Get(periodID)
	if err != nil {
		return err
	}
	return sess.Discard(ctx)
}

// ChangeComposition stages an employee into or out of the period.
func (s *Service) ChangeComposition(ctx context.Context, periodID, employeeID int64, action CompositionAction) error {
	sess, err := s.sessions.Get(periodID)
	if err != nil {
		return err
	}
	switch action {
	case CompositionAdd:
		return sess.AddEmployee(ctx, employeeID)
	case CompositionRemove:
		return sess.RemoveEmployee(ctx, employeeID)
	default:
		return ErrUnknownCompositionAction
	}
}

// AddNovedad stages a new novelty inside the active session.
func (s *Service) AddNovedad(ctx context.Context, periodID int64, n Novedad) (Novedad, error) {
	sess, err := s.sessions.Get(periodID)
	if err != nil {
		return Novedad{}, err
	}
	return sess.AddNovedad(ctx, n)
}

// UpdateNovedad patches a staged or persisted novelty.
func (s *Service) UpdateNovedad(ctx context.Context, periodID, novedadID int64, patch NovedadPatch) (Novedad, error) {
	sess, err := s.sessions.Get(periodID)
	if err != nil {
		return Novedad{}, err
	}
	return sess.UpdateNovedad(ctx, novedadID, patch)
}

// RemoveNovedad stages the deletion of a novelty.
func (s *Service) RemoveNovedad(ctx context.Context, periodID, novedadID int64) error {
	sess, err := s.sessions.Get(periodID)
	if err != nil {
		return err
	}
	return sess.RemoveNovedad(ctx, novedadID)
}

// Preview reports the session state and the latest recalculation result.
func (s *Service) Preview(ctx context.Context, periodID int64) (SessionPreview, error) {
	sess, err := s.sessions.Get(periodID)
	if err != nil {
		return SessionPreview{}, err
	}
	return sess.Preview(), nil
}

// Commit runs the liquidation saga against the active session.
func (s *Service) Commit(ctx context.Context, periodID int64, opts CommitOptions) (CommitResult, error) {
	sess, err := s.sessions.Get(periodID)
	if err != nil {
		return CommitResult{}, err
	}
	return s.liquidator.Commit(ctx, sess, opts)
}
