package license

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"orderpad/internal/security"
)

// LegacyLicense is a standalone signed license record predating the unified
// cache. Two serializations exist in the field: JSON and simple key=value
// text; both carry the same fields.
type LegacyLicense struct {
	Customer       string `json:"customer" validate:"required"`
	HardwareID     string `json:"hardwareId" validate:"required"`
	Signature      string `json:"signature" validate:"required,hexadecimal,len=64"`
	ValidUntil     string `json:"validUntil,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// legacy validUntil timestamps appear with and without a time component.
var legacyTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// LegacyLoader parses and validates the standalone legacy license file.
type LegacyLoader struct {
	path         string
	fingerprints *security.FingerprintManager
	validate     *validator.Validate
	now          func() time.Time
}

// NewLegacyLoader creates a loader over the given legacy license path.
func NewLegacyLoader(path string, fingerprints *security.FingerprintManager) *LegacyLoader {
	return &LegacyLoader{
		path:         path,
		fingerprints: fingerprints,
		validate:     validator.New(),
		now:          time.Now,
	}
}

// Load reads and validates the legacy license file. It returns nil when the
// file is absent, malformed, signed for another machine, or otherwise
// rejected; it never returns an error or panics.
func (l *LegacyLoader) Load(ctx context.Context) *LicenseState {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logWarn(ctx, "legacy_load", "Failed to read legacy license file",
				slog.String("path", l.path),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}

	return l.Parse(ctx, data)
}

// Parse validates a legacy license record against this machine.
//
// Validation order: shape, signature, hardware binding, then expiry. Any
// rejection yields nil so the validation chain degrades to the next source.
func (l *LegacyLoader) Parse(ctx context.Context, data []byte) *LicenseState {
	record, err := parseLegacyRecord(data)
	if err != nil {
		logWarn(ctx, "legacy_parse", "Legacy license rejected",
			slog.String("reason", "parse"),
			slog.String("error", err.Error()),
		)
		return nil
	}

	if err := l.validate.Struct(record); err != nil {
		logWarn(ctx, "legacy_parse", "Legacy license rejected",
			slog.String("reason", "shape"),
			slog.String("error", err.Error()),
		)
		return nil
	}

	if !verifyLicenseSignature(record.HardwareID, record.Signature) {
		logWarn(ctx, "legacy_parse", "Legacy license rejected",
			slog.String("reason", "signature_mismatch"),
			slog.String("customer", record.Customer),
		)
		return nil
	}

	if !l.fingerprints.Matches(record.HardwareID) {
		logWarn(ctx, "legacy_parse", "Legacy license rejected",
			slog.String("reason", "hardware_mismatch"),
			slog.String("stored_hardware_id", record.HardwareID),
		)
		return nil
	}

	hardwareID := l.fingerprints.ComputeHardwareID()

	state := LicenseState{
		Licensed:       true,
		Active:         true,
		Status:         StatusActive,
		Source:         SourceLegacyLicenseKey,
		Customer:       record.Customer,
		SubscriptionID: record.SubscriptionID,
		HardwareID:     hardwareID,
	}

	if record.ValidUntil == "" {
		// Perpetual license.
		logInfo(ctx, "legacy_parse", "Perpetual legacy license accepted",
			slog.String("customer", record.Customer),
		)
		return &state
	}

	validUntil, err := parseLegacyTime(record.ValidUntil)
	if err != nil {
		logWarn(ctx, "legacy_parse", "Legacy license rejected",
			slog.String("reason", "bad_valid_until"),
			slog.String("valid_until", record.ValidUntil),
		)
		return nil
	}

	state.ValidUntil = validUntil
	state.SubscriptionStatus = "active"

	if l.now().After(validUntil) {
		state.Licensed = false
		state.Active = false
		state.Status = StatusExpired
		state.SubscriptionStatus = "expired"
		state.ErrorMessage = fmt.Sprintf("legacy license expired on %s", validUntil.Format("2006-01-02"))
		logWarn(ctx, "legacy_parse", "Expired legacy license",
			slog.String("customer", record.Customer),
			slog.Time("valid_until", validUntil),
		)
		return &state
	}

	logInfo(ctx, "legacy_parse", "Subscription legacy license accepted",
		slog.String("customer", record.Customer),
		slog.Time("valid_until", validUntil),
	)
	return &state
}

// parseLegacyRecord decodes JSON first, falling back to key=value lines.
// Unknown keys in the text form are rejected rather than ignored.
func parseLegacyRecord(data []byte) (*LegacyLicense, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty file", ErrParse)
	}

	if strings.HasPrefix(trimmed, "{") {
		var record LegacyLicense
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return &record, nil
	}

	record := &LegacyLicense{}
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("%w: malformed line %q", ErrParse, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "customer":
			record.Customer = value
		case "hardwareId":
			record.HardwareID = value
		case "signature":
			record.Signature = value
		case "validUntil":
			record.ValidUntil = value
		case "subscriptionId":
			record.SubscriptionID = value
		default:
			return nil, fmt.Errorf("%w: unknown key %q", ErrParse, key)
		}
	}

	return record, nil
}

// parseLegacyTime parses an ISO-8601 timestamp; a trailing Z means UTC and
// a bare timestamp or date is treated as UTC as well.
func parseLegacyTime(value string) (time.Time, error) {
	for _, layout := range legacyTimeLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrParse, value)
}
