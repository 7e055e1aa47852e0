package license

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"orderpad/internal/security"
)

// Flow runs the validation priority chain. Fixed order, short-circuit on the
// first authoritative result:
//
//  1. legacy signed license (wins outright, no network)
//  2. encrypted cache with cloud-first revalidation
//  3. grace-period evaluation of the cached record
//  4. trial fallback
//
// Every step swallows its local failures and degrades to the next one; Run
// always returns a well-formed LicenseState.
type Flow struct {
	legacy       *LegacyLoader
	cache        *CacheStore
	cloud        CloudValidator
	trial        *TrialManager
	fingerprints *security.FingerprintManager
	metrics      *Metrics
	now          func() time.Time
}

// NewFlow wires the validation chain.
func NewFlow(legacy *LegacyLoader, cache *CacheStore, cloud CloudValidator, trial *TrialManager, fingerprints *security.FingerprintManager, metrics *Metrics) *Flow {
	return &Flow{
		legacy:       legacy,
		cache:        cache,
		cloud:        cloud,
		trial:        trial,
		fingerprints: fingerprints,
		metrics:      metrics,
		now:          time.Now,
	}
}

// Run executes the chain once and returns the resulting state.
func (f *Flow) Run(ctx context.Context) (state LicenseState) {
	start := f.now()
	hardwareID := f.fingerprints.ComputeHardwareID()

	defer func() {
		if r := recover(); r != nil {
			logError(ctx, "validation_flow", "Validation flow panicked, degrading to invalid state",
				slog.Any("panic", r),
			)
			state = invalidState(hardwareID, fmt.Sprintf("internal validation failure: %v", r))
		}
		f.metrics.recordValidation(ctx, state, f.now().Sub(start))
	}()

	// Step 1: a valid legacy license bypasses cache, cloud and trial.
	if legacyState := f.legacy.Load(ctx); legacyState != nil {
		logInfo(ctx, "validation_flow", "Resolved from legacy license",
			slog.String("status", string(legacyState.Status)),
		)
		return *legacyState
	}

	// Step 2: cached record with cloud-first revalidation.
	if record := f.cache.Load(ctx); record != nil {
		return f.revalidate(ctx, record, hardwareID)
	}

	// Step 4: no legacy license, no cache; the trial system decides.
	return f.trial.Evaluate(ctx, hardwareID)
}

// revalidate handles steps 2 and 3 for an existing cache record.
func (f *Flow) revalidate(ctx context.Context, record *CacheRecord, hardwareID string) LicenseState {
	data := record.LicenseData

	// Records without stored credentials (perpetual licenses migrated from
	// the legacy format) cannot be revalidated remotely; they go straight to
	// the offline evaluation.
	if data.CustomerEmail != "" && data.UnlockToken != "" {
		result := f.cloud.Validate(ctx, data.CustomerEmail, data.UnlockToken, hardwareID)
		f.metrics.recordCloudOutcome(ctx, result.Outcome)

		switch result.Outcome {
		case OutcomeSuccess:
			refreshed := licenseDataFromCloud(result, data)
			f.cache.Save(ctx, refreshed, f.now())
			return f.activeState(refreshed, hardwareID, SourceCloudValidation)

		case OutcomeRejected:
			// Authoritative: do not fall through to the grace period.
			logWarn(ctx, "validation_flow", "Cloud validation rejected subscription",
				slog.String("error_code", result.ErrorCode),
				slog.String("message", result.ErrorMessage),
			)
			f.cache.Clear(ctx)
			return LicenseState{
				Licensed:           false,
				Active:             false,
				Status:             StatusExpired,
				Source:             SourceCloudValidation,
				Customer:           data.Customer,
				CustomerEmail:      data.CustomerEmail,
				SubscriptionID:     data.SubscriptionID,
				SubscriptionStatus: "expired",
				HardwareID:         hardwareID,
				ErrorMessage:       result.ErrorMessage,
			}

		case OutcomeUnreachable:
			logInfo(ctx, "validation_flow", "Validation service unreachable, evaluating offline trust",
				slog.String("error", result.ErrorMessage),
			)
		}
	}

	return f.evaluateOffline(ctx, record, hardwareID)
}

// evaluateOffline is step 3: decide from the cached record alone.
func (f *Flow) evaluateOffline(ctx context.Context, record *CacheRecord, hardwareID string) LicenseState {
	data := record.LicenseData
	now := f.now()

	// A cached expiry is authoritative regardless of connectivity; the grace
	// period only bridges the gap to the validator, it never outlives the
	// subscription itself.
	if !data.ValidUntil.IsZero() && now.After(data.ValidUntil) {
		logWarn(ctx, "validation_flow", "Cached subscription expired",
			slog.Time("valid_until", data.ValidUntil),
		)
		f.cache.Clear(ctx)
		return LicenseState{
			Licensed:           false,
			Active:             false,
			Status:             StatusExpired,
			Source:             SourceEncryptedCache,
			Customer:           data.Customer,
			CustomerEmail:      data.CustomerEmail,
			SubscriptionID:     data.SubscriptionID,
			SubscriptionStatus: "expired",
			ValidUntil:         data.ValidUntil,
			HardwareID:         hardwareID,
			ErrorMessage:       ErrSubscriptionExpired.Error(),
		}
	}

	grace := EvaluateGracePeriod(record.LastValidation, now)
	if grace.Expired {
		logWarn(ctx, "validation_flow", "Offline grace period expired",
			slog.Int("days_offline", grace.DaysOffline),
		)
		f.cache.Clear(ctx)
		return LicenseState{
			Licensed:           false,
			Active:             false,
			Status:             StatusExpired,
			Source:             SourceEncryptedCache,
			Customer:           data.Customer,
			CustomerEmail:      data.CustomerEmail,
			SubscriptionID:     data.SubscriptionID,
			HardwareID:         hardwareID,
			DaysOffline:        grace.DaysOffline,
			GracePeriodExpired: true,
			WarningLevel:       grace.WarningLevel,
			ErrorMessage:       "offline grace period expired",
		}
	}

	state := f.activeState(data, hardwareID, SourceEncryptedCache)
	state.DaysOffline = grace.DaysOffline
	state.WarningLevel = grace.WarningLevel
	if grace.WarningLevel > 0 {
		state.Status = StatusGracePeriod
		state.GracePeriodActive = true
	}
	return state
}

// activeState builds a licensed state from cached or refreshed license data.
func (f *Flow) activeState(data LicenseData, hardwareID string, source Source) LicenseState {
	status := data.SubscriptionStatus
	if status == "" {
		status = "active"
	}
	return LicenseState{
		Licensed:           true,
		Active:             true,
		Status:             StatusActive,
		Source:             source,
		Customer:           data.Customer,
		CustomerEmail:      data.CustomerEmail,
		UnlockToken:        data.UnlockToken,
		SubscriptionID:     data.SubscriptionID,
		SubscriptionStatus: status,
		ValidUntil:         data.ValidUntil,
		HardwareID:         hardwareID,
	}
}

// licenseDataFromCloud merges a successful validation into the stored
// license data, keeping the credentials that produced it.
func licenseDataFromCloud(result *CloudResult, previous LicenseData) LicenseData {
	data := LicenseData{
		Customer:      result.Customer,
		CustomerEmail: previous.CustomerEmail,
		UnlockToken:   previous.UnlockToken,
	}
	if data.Customer == "" {
		data.Customer = previous.Customer
	}
	if result.Subscription != nil {
		data.SubscriptionID = result.Subscription.ID
		data.SubscriptionStatus = result.Subscription.Status
		data.ValidUntil = result.Subscription.CurrentPeriodEnd
	}
	return data
}
