package license

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"orderpad/internal/security"
)

// DefaultStatusTTL is how long a memoized LicenseState stays fresh.
const DefaultStatusTTL = 30 * time.Second

// Controller is the thread-safe facade over the validation flow. One mutex
// guards the memoized state; refreshes are deduplicated through singleflight
// so concurrent callers never overlap network calls.
type Controller struct {
	flow         *Flow
	cache        *CacheStore
	cloud        CloudValidator
	fingerprints *security.FingerprintManager
	metrics      *Metrics
	ttl          time.Duration

	mu     sync.Mutex
	memo   *LicenseState
	memoAt time.Time

	group singleflight.Group

	stopOnce sync.Once
	stopChan chan struct{}

	now func() time.Time
}

// NewController creates the licensing facade. A non-positive ttl selects
// DefaultStatusTTL.
func NewController(flow *Flow, cache *CacheStore, cloud CloudValidator, fingerprints *security.FingerprintManager, metrics *Metrics, ttl time.Duration) *Controller {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &Controller{
		flow:         flow,
		cache:        cache,
		cloud:        cloud,
		fingerprints: fingerprints,
		metrics:      metrics,
		ttl:          ttl,
		stopChan:     make(chan struct{}),
		now:          time.Now,
	}
}

// GetStatus returns the current licensing state. A memoized result younger
// than the TTL is returned unless forceRefresh is set. Internal failures
// degrade to a safe invalid state; GetStatus never returns an error.
func (c *Controller) GetStatus(ctx context.Context, forceRefresh bool) LicenseState {
	if !forceRefresh {
		c.mu.Lock()
		if c.memo != nil && c.now().Sub(c.memoAt) < c.ttl {
			state := *c.memo
			c.mu.Unlock()
			c.metrics.recordMemoHit(ctx)
			return state
		}
		c.mu.Unlock()
	}
	c.metrics.recordMemoMiss(ctx)

	// Collapse concurrent refreshes into one flow run.
	result, _, _ := c.group.Do("validate", func() (interface{}, error) {
		state := c.flow.Run(ctx)

		c.mu.Lock()
		c.memo = &state
		c.memoAt = c.now()
		c.mu.Unlock()

		return state, nil
	})

	state, ok := result.(LicenseState)
	if !ok {
		return invalidState(c.fingerprints.ComputeHardwareID(), "validation produced no state")
	}
	return state
}

// ValidateWithCloud performs an explicit user-triggered validation, e.g.
// after entering an unlock code. It bypasses the TTL read path, persists the
// result into the encrypted cache on success, and invalidates the in-memory
// memo. The returned error is one of the package taxonomy; the state is
// always well formed.
func (c *Controller) ValidateWithCloud(ctx context.Context, email, token string) (LicenseState, error) {
	hardwareID := c.fingerprints.ComputeHardwareID()

	logInfo(ctx, "cloud_activation", "Explicit cloud validation requested",
		slog.String("email_masked", maskEmail(email)),
		slog.String("token_hash", hashToken(token)),
	)

	result := c.cloud.Validate(ctx, email, token, hardwareID)
	c.metrics.recordCloudOutcome(ctx, result.Outcome)

	switch result.Outcome {
	case OutcomeSuccess:
		data := licenseDataFromCloud(result, LicenseData{
			CustomerEmail: email,
			UnlockToken:   token,
		})
		c.cache.Save(ctx, data, c.now())
		c.invalidateMemo()

		state := c.flow.activeState(data, hardwareID, SourceCloudValidation)
		logInfo(ctx, "cloud_activation", "License activated",
			slog.String("customer", state.Customer),
			slog.String("subscription_id", state.SubscriptionID),
		)
		return state, nil

	case OutcomeRejected:
		// Authoritative rejection invalidates any previously cached trust.
		c.cache.Clear(ctx)
		c.invalidateMemo()

		state := LicenseState{
			Licensed:           false,
			Active:             false,
			Status:             StatusExpired,
			Source:             SourceCloudValidation,
			CustomerEmail:      email,
			SubscriptionStatus: "expired",
			HardwareID:         hardwareID,
			ErrorMessage:       result.ErrorMessage,
		}
		return state, ErrSubscriptionExpired

	default:
		state := invalidState(hardwareID, "validation service unreachable")
		state.Source = SourceCloudValidation
		return state, ErrNetwork
	}
}

// ClearCache drops both the in-memory memo and the on-disk cache files.
// Used for logout and license transfer.
func (c *Controller) ClearCache(ctx context.Context) {
	c.cache.Clear(ctx)
	c.invalidateMemo()
	logInfo(ctx, "cache_clear", "Controller cache cleared")
}

// StartBackgroundRevalidation re-runs validation at the given interval to
// keep the memo warm independent of request-triggered calls. It shares the
// controller's mutex and singleflight group, so it never races a foreground
// forced refresh.
func (c *Controller) StartBackgroundRevalidation(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				state := c.GetStatus(ctx, true)
				logDebug(ctx, "background_revalidation", "Background validation completed",
					slog.String("status", string(state.Status)),
					slog.String("source", string(state.Source)),
				)
			case <-c.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the background revalidation goroutine. Idempotent.
func (c *Controller) Close() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
}

func (c *Controller) invalidateMemo() {
	c.mu.Lock()
	c.memo = nil
	c.memoAt = time.Time{}
	c.mu.Unlock()
}
