package payroll

import (
	"fmt"

	"github.com/liquida-hr/liquida/internal/shared"
)

// Impact classifies how severely a validation finding affects a commit.
type Impact string

const (
	ImpactCritical Impact = "critical"
	ImpactHigh     Impact = "high"
	ImpactMedium   Impact = "medium"
	ImpactLow      Impact = "low"
)

// ValidationFinding is one issue detected before commit.
type ValidationFinding struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
	Impact Impact `json:"impact"`
}

// ValidationReport scores a period 0-100 for commit readiness. The commit
// threshold is 100, so any finding blocks.
type ValidationReport struct {
	Score    int                 `json:"score"`
	Findings []ValidationFinding `json:"findings"`
}

// CommitScoreThreshold is the minimum score a period must reach to commit.
const CommitScoreThreshold = 100

func impactPenalty(i Impact) int {
	switch i {
	case ImpactCritical:
		return 100
	case ImpactHigh:
		return 25
	case ImpactMedium:
		return 10
	default:
		return 5
	}
}

// Blocking reports whether the score falls below the commit threshold.
func (r ValidationReport) Blocking() bool {
	return r.Score < CommitScoreThreshold
}

func (r *ValidationReport) add(code, detail string, impact Impact) {
	r.Findings = append(r.Findings, ValidationFinding{Code: code, Detail: detail, Impact: impact})
	r.Score -= impactPenalty(impact)
	if r.Score < 0 {
		r.Score = 0
	}
}

// ValidatePeriodForCommit runs the scored pre-commit checks over the
// effective view. It mutates nothing.
func ValidatePeriodForCommit(view PeriodView) ValidationReport {
	report := ValidationReport{Score: 100}

	if view.Period.Status == shared.PeriodStatusClosed {
		report.add("period_closed", fmt.Sprintf("period %d is already closed", view.Period.ID), ImpactCritical)
	}
	if len(view.Employees) == 0 {
		report.add("no_employees", "period has no employees to liquidate", ImpactCritical)
	}

	member := make(map[int64]struct{}, len(view.Employees))
	for _, e := range view.Employees {
		member[e.ID] = struct{}{}
		if !e.BaseSalary.IsPositive() {
			report.add("non_positive_salary",
				fmt.Sprintf("employee %d has base salary %s", e.ID, e.BaseSalary), ImpactCritical)
		}
		if e.FullName == "" {
			report.add("missing_name",
				fmt.Sprintf("employee %d has no name for voucher rendering", e.ID), ImpactMedium)
		}
	}

	maxDays := defaultWorkedDays(view.Period.Type)
	for _, n := range view.Novedades {
		if _, ok := member[n.EmployeeID]; !ok {
			report.add("orphan_novedad",
				fmt.Sprintf("novedad %d targets employee %d outside the period", n.ID, n.EmployeeID), ImpactHigh)
		}
		if n.Value.IsNegative() {
			report.add("negative_value",
				fmt.Sprintf("novedad %d has negative value %s", n.ID, n.Value), ImpactHigh)
		}
		if (n.Type == NovedadAbsence || n.Type == NovedadLeave) && n.Days > maxDays {
			report.add("excess_absence_days",
				fmt.Sprintf("novedad %d spans %d days over a %d-day period", n.ID, n.Days, maxDays), ImpactMedium)
		}
	}

	return report
}
