package payroll

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/liquida-hr/liquida/internal/observability"
)

// PeriodView is the effective state a recalculation pass computes from: the
// period, its (possibly staged) employee composition, and its (possibly
// staged) novedades.
type PeriodView struct {
	Period    Period
	Employees []EmployeeRef
	Novedades []Novedad
}

// PassOutcome classifies how a recalculation pass ended.
type PassOutcome string

const (
	OutcomePersisted PassOutcome = "persisted"
	OutcomeUnchanged PassOutcome = "unchanged"
	OutcomeDiscarded PassOutcome = "discarded"
	OutcomeFailed    PassOutcome = "failed"
)

// PassResult carries the figures computed by one pass.
type PassResult struct {
	Outcome     PassOutcome
	Entries     []EmployeePeriodEntry
	PeriodTotal decimal.Decimal
	Hash        string
}

// Recalculator executes full-period and single-employee recalculation passes
// through the calculation gateway, with a content-hash gate in front of
// persistence. A batch either persists fully or not at all; it never leaves a
// subset of employees updated.
type Recalculator struct {
	repo    RepositoryPort
	gateway CalculationGateway
	agg     *NovedadAggregator
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRecalculator constructs a Recalculator.
func NewRecalculator(repo RepositoryPort, gateway CalculationGateway, logger *slog.Logger, metrics *observability.Metrics) *Recalculator {
	return &Recalculator{
		repo:    repo,
		gateway: gateway,
		agg:     NewNovedadAggregator(),
		logger:  logger,
		metrics: metrics,
	}
}

// defaultWorkedDays returns the base worked days for a period type before
// absences are subtracted.
func defaultWorkedDays(t PeriodType) int {
	if t == PeriodTypeBiweekly {
		return 15
	}
	return 30
}

// BuildInput assembles the gateway request for one employee.
func (r *Recalculator) BuildInput(period Period, employee EmployeeRef, adjustments EmployeeAdjustments) CalculationInput {
	workedDays := defaultWorkedDays(period.Type) - adjustments.AbsenceDays
	if workedDays < 0 {
		workedDays = 0
	}
	return CalculationInput{
		EmployeeID:   employee.ID,
		BaseSalary:   employee.BaseSalary,
		WorkedDays:   workedDays,
		ExtraHours:   adjustments.ExtraHours,
		Disabilities: adjustments.Disabilities,
		Bonuses:      adjustments.Bonuses,
		Absences:     adjustments.AbsenceDays,
		PeriodType:   period.Type,
		Adjustments:  adjustments.Adjustments,
		Year:         period.Year,
	}
}

// PersistGate lets the caller veto persistence after figures are computed,
// used when the owning session may have been discarded while the gateway call
// was in flight.
type PersistGate func() bool

// Pass runs a full-period recalculation over the view. Novedades are grouped
// once in memory; the gateway is invoked as a single batch call.
func (r *Recalculator) Pass(ctx context.Context, view PeriodView, gate PersistGate) (PassResult, error) {
	grouped := r.agg.Group(view.Novedades)
	inputs := make([]CalculationInput, 0, len(view.Employees))
	for _, emp := range view.Employees {
		adjustments := r.agg.Normalize(emp.ID, grouped[emp.ID])
		inputs = append(inputs, r.BuildInput(view.Period, emp, adjustments))
	}

	results, err := r.gateway.CalculateBatch(ctx, inputs)
	if err != nil {
		r.observe(OutcomeFailed)
		return PassResult{Outcome: OutcomeFailed}, err
	}

	entries := make([]EmployeePeriodEntry, 0, len(results))
	total := decimal.Zero
	for i, res := range results {
		entry := resultToEntry(view.Period.ID, inputs[i].WorkedDays, res)
		entries = append(entries, entry)
		total = total.Add(entry.NetPay)
	}

	return r.finish(ctx, view.Period.ID, entries, total, gate)
}

// PassEmployee recalculates a single employee and merges the result into the
// stored entry set. Callers use it only when no cross-employee aggregate is
// affected; it converges to the same figures a full pass would produce.
func (r *Recalculator) PassEmployee(ctx context.Context, view PeriodView, employeeID int64, gate PersistGate) (PassResult, error) {
	var target *EmployeeRef
	for i := range view.Employees {
		if view.Employees[i].ID == employeeID {
			target = &view.Employees[i]
			break
		}
	}
	if target == nil {
		r.observe(OutcomeFailed)
		return PassResult{Outcome: OutcomeFailed}, ErrEmployeeNotInPeriod
	}

	grouped := r.agg.Group(view.Novedades)
	input := r.BuildInput(view.Period, *target, r.agg.Normalize(employeeID, grouped[employeeID]))

	result, err := r.gateway.Calculate(ctx, input)
	if err != nil {
		r.observe(OutcomeFailed)
		return PassResult{Outcome: OutcomeFailed}, err
	}

	stored, err := r.repo.ListEntries(ctx, view.Period.ID)
	if err != nil {
		r.observe(OutcomeFailed)
		return PassResult{Outcome: OutcomeFailed}, err
	}
	merged := make([]EmployeePeriodEntry, 0, len(stored)+1)
	replaced := false
	for _, e := range stored {
		if e.EmployeeID == employeeID {
			merged = append(merged, resultToEntry(view.Period.ID, input.WorkedDays, result))
			replaced = true
			continue
		}
		merged = append(merged, e)
	}
	if !replaced {
		merged = append(merged, resultToEntry(view.Period.ID, input.WorkedDays, result))
	}

	total := decimal.Zero
	for _, e := range merged {
		total = total.Add(e.NetPay)
	}
	return r.finish(ctx, view.Period.ID, merged, total, gate)
}

func (r *Recalculator) finish(ctx context.Context, periodID int64, entries []EmployeePeriodEntry, total decimal.Decimal, gate PersistGate) (PassResult, error) {
	hash := ContentHash(entries)
	result := PassResult{Entries: entries, PeriodTotal: total, Hash: hash}

	lastHash, err := r.repo.EntriesHash(ctx, periodID)
	if err != nil {
		r.observe(OutcomeFailed)
		result.Outcome = OutcomeFailed
		return result, err
	}
	if hash == lastHash {
		result.Outcome = OutcomeUnchanged
		r.observe(OutcomeUnchanged)
		return result, nil
	}
	if gate != nil && !gate() {
		result.Outcome = OutcomeDiscarded
		r.observe(OutcomeDiscarded)
		return result, nil
	}
	if err := r.repo.UpsertEntries(ctx, periodID, entries, hash); err != nil {
		r.observe(OutcomeFailed)
		result.Outcome = OutcomeFailed
		return result, fmt.Errorf("payroll: persist recalculated entries: %w", err)
	}
	result.Outcome = OutcomePersisted
	r.observe(OutcomePersisted)
	if r.logger != nil {
		r.logger.Debug("recalculation persisted",
			slog.Int64("period_id", periodID),
			slog.Int("entries", len(entries)),
		)
	}
	return result, nil
}

func (r *Recalculator) observe(outcome PassOutcome) {
	if r.metrics != nil {
		r.metrics.ObserveRecalcPass(string(outcome))
	}
}

func resultToEntry(periodID int64, workedDays int, res CalculationResult) EmployeePeriodEntry {
	return EmployeePeriodEntry{
		EmployeeID:         res.EmployeeID,
		PeriodID:           periodID,
		WorkedDays:         workedDays,
		GrossPay:           res.GrossPay,
		TotalDeductions:    res.TotalDeductions,
		NetPay:             res.NetPay,
		IBC:                res.IBC,
		HealthDeduction:    res.HealthDeduction,
		PensionDeduction:   res.PensionDeduction,
		TransportAllowance: res.TransportAllowance,
	}
}
