package license

import "time"

// GraceWindowDays is the number of days a previously validated license
// remains trusted without reaching the validation service.
const GraceWindowDays = 10

// GraceResult is the outcome of evaluating elapsed offline time.
type GraceResult struct {
	DaysOffline  int
	Expired      bool
	WarningLevel int // 0 quiet, 1 notice, 2 warning, 3 urgent
}

// EvaluateGracePeriod computes the grace-period standing for a record last
// validated at lastValidation, observed at now. Pure; no side effects.
//
// The boundaries are deliberate and load-bearing: day 10 is the last trusted
// day (urgent warning, not expired), expiry starts at day 11. Warning level 3
// overlaps level 2's upper bound at day 9; shipped installs depend on the
// exact thresholds, so they must not be collapsed into a single cutoff.
func EvaluateGracePeriod(lastValidation, now time.Time) GraceResult {
	days := int(now.Sub(lastValidation).Hours() / 24)
	if days < 0 {
		// Clock moved backwards; treat as freshly validated.
		days = 0
	}

	result := GraceResult{
		DaysOffline: days,
		Expired:     days > GraceWindowDays,
	}

	switch {
	case days >= 9:
		result.WarningLevel = 3
	case days == 8:
		result.WarningLevel = 2
	case days >= 6:
		result.WarningLevel = 1
	default:
		result.WarningLevel = 0
	}

	return result
}
