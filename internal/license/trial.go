package license

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"orderpad/internal/security"
)

// TrialDays is the fixed unlicensed usage window, started once per machine.
const TrialDays = 30

// trialDateLayout is the wire format of the trial first-run date.
const trialDateLayout = "2006-01-02"

// TrialRecord is the persisted trial file.
type TrialRecord struct {
	FirstRunDate string `json:"firstRunDate"`
	Signature    string `json:"signature"`
}

// TrialManager owns the trial file. A machine receives a fresh trial exactly
// once: the record, once written, is authoritative, and an existing file
// that fails validation is rejected rather than replaced, since replacing it
// would let a user extend the window by tampering.
type TrialManager struct {
	path string
	now  func() time.Time
}

// NewTrialManager creates a trial manager over the given file path.
func NewTrialManager(path string) *TrialManager {
	return &TrialManager{
		path: path,
		now:  time.Now,
	}
}

// Evaluate loads the trial record, creating it on first run, and returns the
// resulting state. Never returns nil.
func (t *TrialManager) Evaluate(ctx context.Context, hardwareID string) LicenseState {
	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return t.start(ctx, hardwareID)
	}
	if err != nil {
		logError(ctx, "trial_load", "Failed to read trial file",
			slog.String("path", t.path),
			slog.String("error", err.Error()),
		)
		return t.rejected(hardwareID, "trial record unreadable")
	}

	var record TrialRecord
	if err := json.Unmarshal(data, &record); err != nil {
		logWarn(ctx, "trial_load", "Trial record rejected",
			slog.String("reason", "parse"),
			slog.String("error", err.Error()),
		)
		return t.rejected(hardwareID, "trial record malformed")
	}

	if !verifyTrialSignature(record) {
		logWarn(ctx, "trial_load", "Trial record rejected",
			slog.String("reason", "signature_mismatch"),
		)
		return t.rejected(hardwareID, "trial record signature mismatch")
	}

	firstRun, err := time.ParseInLocation(trialDateLayout, record.FirstRunDate, time.UTC)
	if err != nil {
		logWarn(ctx, "trial_load", "Trial record rejected",
			slog.String("reason", "bad_date"),
			slog.String("first_run_date", record.FirstRunDate),
		)
		return t.rejected(hardwareID, "trial record date malformed")
	}

	today := t.today()
	if firstRun.After(today) {
		// A future first-run date would extend the window; forged.
		logWarn(ctx, "trial_load", "Trial record rejected",
			slog.String("reason", "future_date"),
			slog.String("first_run_date", record.FirstRunDate),
		)
		return t.rejected(hardwareID, "trial record dated in the future")
	}

	daysElapsed := int(today.Sub(firstRun).Hours() / 24)
	daysLeft := TrialDays - daysElapsed
	if daysLeft < 0 {
		daysLeft = 0
	}

	return t.state(hardwareID, daysLeft)
}

// start writes a fresh trial record stamped today.
func (t *TrialManager) start(ctx context.Context, hardwareID string) LicenseState {
	firstRun := t.today().Format(trialDateLayout)
	record := TrialRecord{
		FirstRunDate: firstRun,
		Signature:    generateTrialSignature(firstRun),
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return t.rejected(hardwareID, "failed to serialize trial record")
	}

	if err := writeFileAtomic(t.path, data, 0600); err != nil {
		logError(ctx, "trial_start", "Failed to write trial file",
			slog.String("path", t.path),
			slog.String("error", err.Error()),
		)
		return t.rejected(hardwareID, "failed to write trial record")
	}

	logInfo(ctx, "trial_start", "Trial period started",
		slog.String("first_run_date", firstRun),
		slog.Int("trial_days", TrialDays),
	)

	return t.state(hardwareID, TrialDays)
}

// state builds the trial LicenseState for the given remaining days.
func (t *TrialManager) state(hardwareID string, daysLeft int) LicenseState {
	if daysLeft <= 0 {
		return LicenseState{
			Licensed:      false,
			Active:        false,
			Status:        StatusExpired,
			Source:        SourceTrialSystem,
			HardwareID:    hardwareID,
			TrialDaysLeft: 0,
			TrialExpired:  true,
			ErrorMessage:  "trial period has ended",
		}
	}

	return LicenseState{
		Licensed:      false,
		Active:        true,
		Status:        StatusTrial,
		Source:        SourceTrialSystem,
		HardwareID:    hardwareID,
		TrialDaysLeft: daysLeft,
	}
}

// rejected is the state for a present-but-invalid trial record. No fresh
// trial is granted.
func (t *TrialManager) rejected(hardwareID, message string) LicenseState {
	return LicenseState{
		Licensed:     false,
		Active:       false,
		Status:       StatusInvalid,
		Source:       SourceTrialSystem,
		HardwareID:   hardwareID,
		TrialExpired: true,
		ErrorMessage: message,
	}
}

// today returns the current date truncated to midnight UTC so day arithmetic
// counts calendar days, not 24-hour spans.
func (t *TrialManager) today() time.Time {
	now := t.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func verifyTrialSignature(record TrialRecord) bool {
	if record.FirstRunDate == "" || record.Signature == "" {
		return false
	}
	return security.SecureCompare(generateTrialSignature(record.FirstRunDate), record.Signature)
}
