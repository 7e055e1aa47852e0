package license

import (
	"time"

	"orderpad/internal/security"
)

// appSecret participates in every signature and in the cache encryption key.
// Changing it invalidates all deployed licenses, caches and trial records.
const appSecret = "OrderPad-Licensing-Secret-2024-Rev2"

// Status is the coarse licensing state of this installation
type Status string

const (
	StatusActive      Status = "active"
	StatusExpired     Status = "expired"
	StatusGracePeriod Status = "grace_period"
	StatusTrial       Status = "trial"
	StatusInvalid     Status = "invalid"
)

// Source identifies which chain step produced a LicenseState
type Source string

const (
	SourceCloudValidation   Source = "cloud_validation"
	SourceEncryptedCache    Source = "encrypted_cache"
	SourceLegacyLicenseKey  Source = "legacy_license_key"
	SourceTrialSystem       Source = "trial_system"
	SourceMigrationFallback Source = "migration_fallback"
)

// LicenseState is the single value exchanged between all licensing
// components. It is created fresh by each Flow run and never mutated after
// construction; holders replace it, they do not modify it.
//
// Invariant: Licensed && Active implies Status is StatusActive or
// StatusGracePeriod.
type LicenseState struct {
	Licensed bool   `json:"licensed"`
	Active   bool   `json:"active"`
	Status   Status `json:"status"`
	Source   Source `json:"source"`

	SubscriptionID     string    `json:"subscription_id,omitempty"`
	SubscriptionStatus string    `json:"subscription_status,omitempty"`
	ValidUntil         time.Time `json:"valid_until,omitempty"`

	Customer      string `json:"customer,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
	UnlockToken   string `json:"unlock_token,omitempty"`

	HardwareID string `json:"hardware_id,omitempty"`

	DaysOffline        int  `json:"days_offline,omitempty"`
	GracePeriodActive  bool `json:"grace_period_active,omitempty"`
	GracePeriodExpired bool `json:"grace_period_expired,omitempty"`
	WarningLevel       int  `json:"warning_level,omitempty"` // 0..3

	TrialDaysLeft int  `json:"trial_days_left,omitempty"`
	TrialExpired  bool `json:"trial_expired,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// Usable reports whether the application should run fully unlocked.
func (s LicenseState) Usable() bool {
	return s.Active && (s.Status == StatusActive || s.Status == StatusGracePeriod || s.Status == StatusTrial)
}

// invalidState is the safe degraded state every failure path collapses to.
func invalidState(hardwareID, message string) LicenseState {
	return LicenseState{
		Licensed:     false,
		Active:       false,
		Status:       StatusInvalid,
		Source:       SourceMigrationFallback,
		HardwareID:   hardwareID,
		ErrorMessage: message,
	}
}

// LicenseData is the plaintext license payload persisted inside the
// encrypted cache record.
type LicenseData struct {
	Customer           string    `json:"customer"`
	CustomerEmail      string    `json:"customer_email,omitempty"`
	UnlockToken        string    `json:"unlock_token,omitempty"`
	SubscriptionID     string    `json:"subscription_id,omitempty"`
	SubscriptionStatus string    `json:"subscription_status,omitempty"`
	ValidUntil         time.Time `json:"valid_until,omitempty"`
	Perpetual          bool      `json:"perpetual,omitempty"`
}

// cacheRecordVersion identifies the plaintext cache schema.
const cacheRecordVersion = 2

// CacheRecord is the persisted structure inside the encrypted cache file.
// It is exclusively owned and mutated by CacheStore.
type CacheRecord struct {
	LicenseData    LicenseData `json:"license_data"`
	LastValidation time.Time   `json:"last_validation"`
	HardwareID     string      `json:"hardware_id"`
	Version        int         `json:"version"`
}

// generateLicenseSignature produces the signature a legacy license or cache
// record must carry for the given hardware id.
func generateLicenseSignature(hardwareID string) string {
	return security.SHA256Hex(hardwareID, appSecret)
}

// verifyLicenseSignature checks a signature in constant time. The comparison
// is case-sensitive over the hex encoding.
func verifyLicenseSignature(hardwareID, signature string) bool {
	return security.SecureCompare(generateLicenseSignature(hardwareID), signature)
}

// generateTrialSignature signs a trial first-run date.
func generateTrialSignature(firstRunDate string) string {
	return security.SHA256Hex(firstRunDate, appSecret)
}
