package payroll

import (
	"sort"

	"github.com/shopspring/decimal"
)

// NovedadAggregator groups flat novedad lists by employee and converts them
// into the normalized shape the calculation gateway accepts. It performs no
// I/O and its output is deterministic regardless of input order, which the
// downstream content-hash gate depends on.
type NovedadAggregator struct{}

// NewNovedadAggregator constructs the aggregator.
func NewNovedadAggregator() *NovedadAggregator {
	return &NovedadAggregator{}
}

// EmployeeAdjustments bundles an employee's normalized adjustments with the
// rollup figures the gateway input carries alongside them.
type EmployeeAdjustments struct {
	EmployeeID   int64
	Adjustments  []NormalizedAdjustment
	ExtraHours   decimal.Decimal
	Disabilities decimal.Decimal
	Bonuses      decimal.Decimal
	AbsenceDays  int
}

// Group partitions novedades per employee, sorted on (type, id) so the same
// set always yields the same emission order.
func (a *NovedadAggregator) Group(novedades []Novedad) map[int64][]Novedad {
	grouped := make(map[int64][]Novedad)
	for _, n := range novedades {
		grouped[n.EmployeeID] = append(grouped[n.EmployeeID], n)
	}
	for _, list := range grouped {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Type != list[j].Type {
				return list[i].Type < list[j].Type
			}
			return list[i].ID < list[j].ID
		})
	}
	return grouped
}

// Normalize converts one employee's sorted novedades into gateway adjustments
// plus the per-type rollups.
func (a *NovedadAggregator) Normalize(employeeID int64, novedades []Novedad) EmployeeAdjustments {
	out := EmployeeAdjustments{
		EmployeeID:   employeeID,
		Adjustments:  make([]NormalizedAdjustment, 0, len(novedades)),
		ExtraHours:   decimal.Zero,
		Disabilities: decimal.Zero,
		Bonuses:      decimal.Zero,
	}
	for _, n := range novedades {
		out.Adjustments = append(out.Adjustments, NormalizedAdjustment{
			Type:              string(n.Type),
			Value:             n.Value,
			Days:              n.Days,
			IsDeduction:       n.IsDeduction,
			ConstitutesSalary: n.ConstitutesSalary,
		})
		switch n.Type {
		case NovedadOvertime:
			out.ExtraHours = out.ExtraHours.Add(n.Value)
		case NovedadDisability:
			out.Disabilities = out.Disabilities.Add(n.Value)
		case NovedadBonus:
			out.Bonuses = out.Bonuses.Add(n.Value)
		case NovedadAbsence, NovedadLeave:
			out.AbsenceDays += n.Days
		}
	}
	return out
}

// NormalizeAll groups and normalizes in one go, returning one record per
// employee present in the input, ordered by employee id.
func (a *NovedadAggregator) NormalizeAll(novedades []Novedad) []EmployeeAdjustments {
	grouped := a.Group(novedades)
	ids := make([]int64, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]EmployeeAdjustments, 0, len(ids))
	for _, id := range ids {
		out = append(out, a.Normalize(id, grouped[id]))
	}
	return out
}
