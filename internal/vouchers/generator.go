package vouchers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/liquida-hr/liquida/internal/payroll"
)

// Artifact is one generated payslip PDF.
type Artifact struct {
	ID         uuid.UUID
	PeriodID   int64
	EmployeeID int64
	FileName   string
	PDF        []byte
	CreatedAt  time.Time
}

// Converter turns rendered HTML into PDF bytes. GotenbergClient implements it.
type Converter interface {
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// Store persists generated artifacts.
type Store interface {
	Save(ctx context.Context, a Artifact) error
}

// Generator implements the saga's voucher step: render, convert, persist.
type Generator struct {
	renderer  *Renderer
	converter Converter
	store     Store
	now       func() time.Time
}

// NewGenerator constructs a Generator.
func NewGenerator(converter Converter, store Store, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{
		renderer:  NewRenderer(),
		converter: converter,
		store:     store,
		now:       now,
	}
}

// Generate produces one payslip artifact for the entry and returns its id.
func (g *Generator) Generate(ctx context.Context, period payroll.Period, entry payroll.SnapshotEntry) (uuid.UUID, error) {
	html, err := g.renderer.Payslip(period, entry)
	if err != nil {
		return uuid.Nil, err
	}
	pdf, err := g.converter.RenderHTML(ctx, html)
	if err != nil {
		return uuid.Nil, fmt.Errorf("vouchers: convert payslip for employee %d: %w", entry.Employee.ID, err)
	}
	artifact := Artifact{
		ID:         uuid.New(),
		PeriodID:   period.ID,
		EmployeeID: entry.Employee.ID,
		FileName:   fmt.Sprintf("payslip-%d-%d.pdf", period.ID, entry.Employee.ID),
		PDF:        pdf,
		CreatedAt:  g.now(),
	}
	if err := g.store.Save(ctx, artifact); err != nil {
		return uuid.Nil, fmt.Errorf("vouchers: save artifact: %w", err)
	}
	return artifact.ID, nil
}

// PGStore persists artifacts in PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PGStore over the shared pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Save inserts the artifact row.
func (s *PGStore) Save(ctx context.Context, a Artifact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payroll_artifacts (id, period_id, employee_id, file_name, pdf, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.PeriodID, a.EmployeeID, a.FileName, a.PDF, a.CreatedAt)
	return err
}
