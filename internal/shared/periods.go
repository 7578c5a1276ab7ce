package shared

import "errors"

// Period statuses shared by the liquidation engine and its callers.
const (
	PeriodStatusDraft     = "DRAFT"
	PeriodStatusInProcess = "IN_PROCESS"
	PeriodStatusClosed    = "CLOSED"
)

// ErrInvalidPeriodTransition indicates status change not allowed.
var ErrInvalidPeriodTransition = errors.New("period transition invalid")

// ValidatePeriodTransition checks transitions according to policy. The only
// forward path is DRAFT -> IN_PROCESS -> CLOSED; the reverse edges exist for
// saga compensation and require the compensating flag.
func ValidatePeriodTransition(current, target string, compensating bool) error {
	if current == target {
		return nil
	}
	switch current {
	case PeriodStatusDraft:
		if target == PeriodStatusInProcess {
			return nil
		}
	case PeriodStatusInProcess:
		if target == PeriodStatusClosed {
			return nil
		}
		if target == PeriodStatusDraft && compensating {
			return nil
		}
	case PeriodStatusClosed:
		if target == PeriodStatusInProcess && compensating {
			return nil
		}
	}
	return ErrInvalidPeriodTransition
}
