package payroll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/liquida-hr/liquida/internal/platform/db"
	"github.com/liquida-hr/liquida/internal/shared"
)

// Repository persists periods, entries, novedades, snapshots, and the
// edit-session write-ahead drafts in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("payroll: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

// GetPeriod loads one period by id.
func (r *Repository) GetPeriod(ctx context.Context, id int64) (Period, error) {
	var p Period
	err := r.pool.QueryRow(ctx, `
		SELECT id, company_id, name, period_type, start_date, end_date, status, year, updated_at
		FROM payroll_periods WHERE id = $1`, id).
		Scan(&p.ID, &p.CompanyID, &p.Name, &p.Type, &p.StartDate, &p.EndDate, &p.Status, &p.Year, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrPeriodNotFound
		}
		return Period{}, err
	}
	return p, nil
}

// UpdatePeriodStatus sets the period status. Setting the same status twice is
// a no-op so saga steps stay safe to re-run.
func (r *Repository) UpdatePeriodStatus(ctx context.Context, periodID int64, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE payroll_periods SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status <> $2`, periodID, status)
	return err
}

// ListEmployees returns the employees currently composing the period.
func (r *Repository) ListEmployees(ctx context.Context, periodID int64) ([]EmployeeRef, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT e.id, e.document_id, e.full_name, e.position, e.base_salary
		FROM employees e
		JOIN period_employees pe ON pe.employee_id = e.id
		WHERE pe.period_id = $1
		ORDER BY e.id`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EmployeeRef
	for rows.Next() {
		var e EmployeeRef
		var salary string
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.FullName, &e.Position, &salary); err != nil {
			return nil, err
		}
		if e.BaseSalary, err = decimal.NewFromString(salary); err != nil {
			return nil, fmt.Errorf("payroll: parse base salary: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEmployee loads one employee identity record.
func (r *Repository) GetEmployee(ctx context.Context, id int64) (EmployeeRef, error) {
	var e EmployeeRef
	var salary string
	err := r.pool.QueryRow(ctx, `
		SELECT id, document_id, full_name, position, base_salary
		FROM employees WHERE id = $1`, id).
		Scan(&e.ID, &e.DocumentID, &e.FullName, &e.Position, &salary)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EmployeeRef{}, ErrEmployeeNotInPeriod
		}
		return EmployeeRef{}, err
	}
	if e.BaseSalary, err = decimal.NewFromString(salary); err != nil {
		return EmployeeRef{}, fmt.Errorf("payroll: parse base salary: %w", err)
	}
	return e, nil
}

// ListEntries returns the computed entries for a period ordered by employee.
func (r *Repository) ListEntries(ctx context.Context, periodID int64) ([]EmployeePeriodEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT employee_id, period_id, worked_days, gross_pay, total_deductions, net_pay,
		       ibc, health_deduction, pension_deduction, transport_allowance, updated_at
		FROM employee_period_entries
		WHERE period_id = $1
		ORDER BY employee_id`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EmployeePeriodEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows pgx.Rows) (EmployeePeriodEntry, error) {
	var e EmployeePeriodEntry
	var gross, deductions, net, ibc, health, pension, transport string
	if err := rows.Scan(&e.EmployeeID, &e.PeriodID, &e.WorkedDays, &gross, &deductions, &net,
		&ibc, &health, &pension, &transport, &e.UpdatedAt); err != nil {
		return EmployeePeriodEntry{}, err
	}
	var err error
	for dst, src := range map[*decimal.Decimal]string{
		&e.GrossPay: gross, &e.TotalDeductions: deductions, &e.NetPay: net,
		&e.IBC: ibc, &e.HealthDeduction: health, &e.PensionDeduction: pension,
		&e.TransportAllowance: transport,
	} {
		if *dst, err = decimal.NewFromString(src); err != nil {
			return EmployeePeriodEntry{}, fmt.Errorf("payroll: parse entry figure: %w", err)
		}
	}
	return e, nil
}

// UpsertEntries replaces the period's entry set and its content hash in one
// transaction. Re-running with identical data is harmless.
func (r *Repository) UpsertEntries(ctx context.Context, periodID int64, entries []EmployeePeriodEntry, contentHash string) error {
	return r.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM employee_period_entries WHERE period_id = $1`, periodID); err != nil {
			return err
		}
		for _, e := range entries {
			if !e.Consistent() {
				return fmt.Errorf("payroll: refusing to persist inconsistent entry for employee %d", e.EmployeeID)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO employee_period_entries
					(employee_id, period_id, worked_days, gross_pay, total_deductions, net_pay,
					 ibc, health_deduction, pension_deduction, transport_allowance, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())`,
				e.EmployeeID, periodID, e.WorkedDays,
				e.GrossPay.String(), e.TotalDeductions.String(), e.NetPay.String(),
				e.IBC.String(), e.HealthDeduction.String(), e.PensionDeduction.String(),
				e.TransportAllowance.String()); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `
			UPDATE payroll_periods SET entries_hash = $2, updated_at = NOW() WHERE id = $1`,
			periodID, contentHash); err != nil {
			return err
		}
		return nil
	})
}

// EntriesHash returns the hash recorded by the last persisted entry set.
func (r *Repository) EntriesHash(ctx context.Context, periodID int64) (string, error) {
	var hash *string
	err := r.pool.QueryRow(ctx, `SELECT entries_hash FROM payroll_periods WHERE id = $1`, periodID).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrPeriodNotFound
		}
		return "", err
	}
	if hash == nil {
		return "", nil
	}
	return *hash, nil
}

// ListNovedades loads all adjustments for the period in one query.
func (r *Repository) ListNovedades(ctx context.Context, periodID int64) ([]Novedad, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, period_id, employee_id, type, subtype, start_date, end_date,
		       days, value, is_deduction, constitutes_salary, created_at
		FROM novedades WHERE period_id = $1
		ORDER BY employee_id, type, id`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Novedad
	for rows.Next() {
		var n Novedad
		var value string
		if err := rows.Scan(&n.ID, &n.PeriodID, &n.EmployeeID, &n.Type, &n.Subtype,
			&n.StartDate, &n.EndDate, &n.Days, &value, &n.IsDeduction,
			&n.ConstitutesSalary, &n.CreatedAt); err != nil {
			return nil, err
		}
		if n.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("payroll: parse novedad value: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// AppendSnapshot inserts the next snapshot version for the period.
func (r *Repository) AppendSnapshot(ctx context.Context, snap VersionSnapshot) (VersionSnapshot, error) {
	payload, err := json.Marshal(snap.Entries)
	if err != nil {
		return VersionSnapshot{}, err
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO period_snapshots (period_id, version, reason, taken_at, entries)
		VALUES ($1,
		        COALESCE((SELECT MAX(version) FROM period_snapshots WHERE period_id = $1), 0) + 1,
		        $2, $3, $4)
		RETURNING id, version`,
		snap.PeriodID, snap.Reason, snap.TakenAt, payload).
		Scan(&snap.ID, &snap.Version)
	if err != nil {
		return VersionSnapshot{}, err
	}
	return snap, nil
}

// LatestSnapshot returns the most recent snapshot for a period.
func (r *Repository) LatestSnapshot(ctx context.Context, periodID int64) (VersionSnapshot, error) {
	var snap VersionSnapshot
	var payload []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, period_id, version, reason, taken_at, entries
		FROM period_snapshots WHERE period_id = $1
		ORDER BY version DESC LIMIT 1`, periodID).
		Scan(&snap.ID, &snap.PeriodID, &snap.Version, &snap.Reason, &snap.TakenAt, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return VersionSnapshot{}, ErrPeriodNotFound
		}
		return VersionSnapshot{}, err
	}
	if err := json.Unmarshal(payload, &snap.Entries); err != nil {
		return VersionSnapshot{}, err
	}
	return snap, nil
}

// ListSnapshots returns all snapshots for a period, oldest first.
func (r *Repository) ListSnapshots(ctx context.Context, periodID int64) ([]VersionSnapshot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, period_id, version, reason, taken_at, entries
		FROM period_snapshots WHERE period_id = $1
		ORDER BY version`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VersionSnapshot
	for rows.Next() {
		var snap VersionSnapshot
		var payload []byte
		if err := rows.Scan(&snap.ID, &snap.PeriodID, &snap.Version, &snap.Reason, &snap.TakenAt, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &snap.Entries); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// DeleteArtifacts removes voucher artifacts created by an aborted commit.
func (r *Repository) DeleteArtifacts(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM payroll_artifacts WHERE id = ANY($1)`, ids)
	return err
}

// SaveEditDraft upserts the write-ahead pending-edit record.
func (r *Repository) SaveEditDraft(ctx context.Context, draft EditDraft) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO edit_drafts (period_id, session_id, version, state, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (period_id) DO UPDATE
		SET session_id = EXCLUDED.session_id,
		    version = EXCLUDED.version,
		    state = EXCLUDED.state,
		    updated_at = EXCLUDED.updated_at`,
		draft.PeriodID, draft.SessionID, draft.Version, draft.State, draft.UpdatedAt)
	return err
}

// LoadEditDraft returns the pending-edit record for a period.
func (r *Repository) LoadEditDraft(ctx context.Context, periodID int64) (EditDraft, error) {
	var d EditDraft
	err := r.pool.QueryRow(ctx, `
		SELECT period_id, session_id, version, state, updated_at
		FROM edit_drafts WHERE period_id = $1`, periodID).
		Scan(&d.PeriodID, &d.SessionID, &d.Version, &d.State, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EditDraft{}, ErrSessionNotActive
		}
		return EditDraft{}, err
	}
	return d, nil
}

// DeleteEditDraft drops the pending-edit record once the session resolves.
func (r *Repository) DeleteEditDraft(ctx context.Context, periodID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM edit_drafts WHERE period_id = $1`, periodID)
	return err
}

// ListStaleEditDrafts returns drafts untouched since the cutoff.
func (r *Repository) ListStaleEditDrafts(ctx context.Context, olderThan time.Time) ([]EditDraft, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT period_id, session_id, version, state, updated_at
		FROM edit_drafts WHERE updated_at < $1`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EditDraft
	for rows.Next() {
		var d EditDraft
		if err := rows.Scan(&d.PeriodID, &d.SessionID, &d.Version, &d.State, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// FinalizePeriod applies the staged edits, closes the period, and appends
// the commit snapshot in one transaction. The close rides the same
// transaction as the edits, so a replay that observes CLOSED knows they are
// already applied and only re-reads the snapshot it appended.
func (r *Repository) FinalizePeriod(ctx context.Context, periodID int64, edits StagedEdits, snap VersionSnapshot) (VersionSnapshot, error) {
	err := r.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `
			SELECT status FROM payroll_periods WHERE id = $1 FOR UPDATE`, periodID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPeriodNotFound
			}
			return err
		}
		if status == shared.PeriodStatusClosed {
			return tx.QueryRow(ctx, `
				SELECT id, version FROM period_snapshots
				WHERE period_id = $1 AND reason = $2
				ORDER BY version DESC LIMIT 1`,
				periodID, snap.Reason).Scan(&snap.ID, &snap.Version)
		}
		if err := applyStagedEdits(ctx, tx, periodID, edits); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE payroll_periods SET status = $2, updated_at = NOW()
			WHERE id = $1`, periodID, shared.PeriodStatusClosed); err != nil {
			return err
		}
		payload, err := json.Marshal(snap.Entries)
		if err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO period_snapshots (period_id, version, reason, taken_at, entries)
			VALUES ($1,
			        COALESCE((SELECT MAX(version) FROM period_snapshots WHERE period_id = $1), 0) + 1,
			        $2, $3, $4)
			RETURNING id, version`,
			periodID, snap.Reason, snap.TakenAt, payload).Scan(&snap.ID, &snap.Version)
	})
	if err != nil {
		return VersionSnapshot{}, err
	}
	return snap, nil
}

// applyStagedEdits persists a committed session's staged composition and
// novedad edits. Staged novedades carry synthetic negative ids and are
// inserted fresh.
func applyStagedEdits(ctx context.Context, tx pgx.Tx, periodID int64, edits StagedEdits) error {
	for _, change := range edits.Composition {
		switch change.Kind {
		case ChangeAdded:
			if _, err := tx.Exec(ctx, `
				INSERT INTO period_employees (period_id, employee_id)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, periodID, change.EmployeeID); err != nil {
				return err
			}
		case ChangeRemoved:
			if _, err := tx.Exec(ctx, `
				DELETE FROM period_employees
				WHERE period_id = $1 AND employee_id = $2`, periodID, change.EmployeeID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				DELETE FROM novedades
				WHERE period_id = $1 AND employee_id = $2`, periodID, change.EmployeeID); err != nil {
				return err
			}
		}
	}
	if len(edits.RemovedNovedades) > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM novedades WHERE period_id = $1 AND id = ANY($2)`,
			periodID, edits.RemovedNovedades); err != nil {
			return err
		}
	}
	for _, n := range edits.UpdatedNovedades {
		if _, err := tx.Exec(ctx, `
			UPDATE novedades
			SET value = $3, days = $4, start_date = $5, end_date = $6
			WHERE period_id = $1 AND id = $2`,
			periodID, n.ID, n.Value.String(), n.Days, n.StartDate, n.EndDate); err != nil {
			return err
		}
	}
	for _, n := range edits.AddedNovedades {
		if _, err := tx.Exec(ctx, `
			INSERT INTO novedades
				(period_id, employee_id, type, subtype, start_date, end_date,
				 days, value, is_deduction, constitutes_salary, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			periodID, n.EmployeeID, n.Type, n.Subtype, n.StartDate, n.EndDate,
			n.Days, n.Value.String(), n.IsDeduction, n.ConstitutesSalary, n.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

// SaveCheckpoint records that a saga step completed for a transaction.
func (r *Repository) SaveCheckpoint(ctx context.Context, txID uuid.UUID, step string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO liquidation_checkpoints (tx_id, step, recorded_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (tx_id, step) DO NOTHING`, txID, step)
	return err
}

// ListCheckpoints returns the steps already completed for a transaction.
func (r *Repository) ListCheckpoints(ctx context.Context, txID uuid.UUID) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT step FROM liquidation_checkpoints WHERE tx_id = $1 ORDER BY recorded_at`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var step string
		if err := rows.Scan(&step); err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}
