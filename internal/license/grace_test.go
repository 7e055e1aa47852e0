package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestEvaluateGracePeriodBoundaries pins the exact day thresholds. Shipped
// installs depend on these; any change here is a behavioral break.
func TestEvaluateGracePeriodBoundaries(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		daysOffline  int
		wantExpired  bool
		wantWarnLvl  int
	}{
		{name: "validated today", daysOffline: 0, wantExpired: false, wantWarnLvl: 0},
		{name: "day 5 still quiet", daysOffline: 5, wantExpired: false, wantWarnLvl: 0},
		{name: "day 6 first notice", daysOffline: 6, wantExpired: false, wantWarnLvl: 1},
		{name: "day 7 notice", daysOffline: 7, wantExpired: false, wantWarnLvl: 1},
		{name: "day 8 warning", daysOffline: 8, wantExpired: false, wantWarnLvl: 2},
		{name: "day 9 urgent", daysOffline: 9, wantExpired: false, wantWarnLvl: 3},
		{name: "day 10 last trusted day", daysOffline: 10, wantExpired: false, wantWarnLvl: 3},
		{name: "day 11 expired", daysOffline: 11, wantExpired: true, wantWarnLvl: 3},
		{name: "day 30 long expired", daysOffline: 30, wantExpired: true, wantWarnLvl: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lastValidation := now.AddDate(0, 0, -tt.daysOffline)
			result := EvaluateGracePeriod(lastValidation, now)

			assert.Equal(t, tt.daysOffline, result.DaysOffline)
			assert.Equal(t, tt.wantExpired, result.Expired)
			assert.Equal(t, tt.wantWarnLvl, result.WarningLevel)
		})
	}
}

// TestEvaluateGracePeriodPartialDays verifies that incomplete days do not
// count: 10 days and 23 hours offline is still day 10.
func TestEvaluateGracePeriodPartialDays(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	lastValidation := now.Add(-(10*24 + 23) * time.Hour)
	result := EvaluateGracePeriod(lastValidation, now)

	assert.Equal(t, 10, result.DaysOffline)
	assert.False(t, result.Expired)
	assert.Equal(t, 3, result.WarningLevel)
}

// TestEvaluateGracePeriodClockRollback verifies a validation timestamp in
// the future is treated as freshly validated rather than panicking or
// expiring the license.
func TestEvaluateGracePeriodClockRollback(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	result := EvaluateGracePeriod(now.AddDate(0, 0, 2), now)

	assert.Equal(t, 0, result.DaysOffline)
	assert.False(t, result.Expired)
	assert.Equal(t, 0, result.WarningLevel)
}
