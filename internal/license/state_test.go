package license

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestLicenseSignatureRoundTrip verifies generation and verification agree
// and that verification is strict about its inputs.
func TestLicenseSignatureRoundTrip(t *testing.T) {
	const hardwareID = "abc123def456"

	signature := generateLicenseSignature(hardwareID)
	assert.Len(t, signature, 64)

	assert.True(t, verifyLicenseSignature(hardwareID, signature))
	assert.False(t, verifyLicenseSignature("other-machine", signature))
	assert.False(t, verifyLicenseSignature(hardwareID, ""))
	assert.False(t, verifyLicenseSignature(hardwareID, signature[:32]))
}

// TestTrialSignatureBindsDate verifies the trial signature changes with the
// first-run date.
func TestTrialSignatureBindsDate(t *testing.T) {
	a := generateTrialSignature("2026-03-15")
	b := generateTrialSignature("2026-03-16")

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, generateTrialSignature("2026-03-15"))
}

// TestLicenseStateUsable verifies which terminal states unlock the
// application.
func TestLicenseStateUsable(t *testing.T) {
	tests := []struct {
		name  string
		state LicenseState
		want  bool
	}{
		{name: "active license", state: LicenseState{Active: true, Status: StatusActive}, want: true},
		{name: "grace period", state: LicenseState{Active: true, Status: StatusGracePeriod}, want: true},
		{name: "running trial", state: LicenseState{Active: true, Status: StatusTrial}, want: true},
		{name: "expired", state: LicenseState{Active: false, Status: StatusExpired}, want: false},
		{name: "invalid", state: LicenseState{Active: false, Status: StatusInvalid}, want: false},
		{name: "inconsistent inactive active status", state: LicenseState{Active: false, Status: StatusActive}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.Usable())
		})
	}
}

// TestInvalidStateShape verifies the degraded fallback state is fully
// locked and carries the failure message.
func TestInvalidStateShape(t *testing.T) {
	state := invalidState("hw-id", "something broke")

	assert.False(t, state.Licensed)
	assert.False(t, state.Active)
	assert.Equal(t, StatusInvalid, state.Status)
	assert.Equal(t, "hw-id", state.HardwareID)
	assert.Equal(t, "something broke", state.ErrorMessage)
	assert.False(t, state.Usable())
}
