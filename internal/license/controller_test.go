package license

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T, cloudResult *CloudResult, ttl time.Duration) (*Controller, *testFlow) {
	t.Helper()
	tf := newTestFlow(t, cloudResult)
	controller := NewController(tf.flow, tf.store, tf.cloud, tf.flow.fingerprints, nil, ttl)
	controller.now = func() time.Time { return tf.now }
	t.Cleanup(controller.Close)
	return controller, tf
}

// TestControllerMemoizesWithinTTL verifies repeated status reads inside the
// TTL window run the chain exactly once.
func TestControllerMemoizesWithinTTL(t *testing.T) {
	controller, tf := newTestController(t, &CloudResult{
		Outcome:  OutcomeSuccess,
		Customer: "Harbor Cafe",
	}, 30*time.Second)
	tf.seedCache(t, testLicenseData(), 1)
	ctx := context.Background()

	first := controller.GetStatus(ctx, false)
	second := controller.GetStatus(ctx, false)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), tf.cloud.calls.Load())
}

// TestControllerMemoExpires verifies the memo goes stale after the TTL and
// the next read re-runs the chain.
func TestControllerMemoExpires(t *testing.T) {
	controller, tf := newTestController(t, &CloudResult{
		Outcome:  OutcomeSuccess,
		Customer: "Harbor Cafe",
	}, 30*time.Second)
	tf.seedCache(t, testLicenseData(), 1)
	ctx := context.Background()

	controller.GetStatus(ctx, false)
	require.Equal(t, int32(1), tf.cloud.calls.Load())

	controller.now = func() time.Time { return tf.now.Add(31 * time.Second) }
	controller.GetStatus(ctx, false)

	assert.Equal(t, int32(2), tf.cloud.calls.Load())
}

// TestControllerForceRefreshBypassesMemo verifies refresh=true ignores a
// fresh memo.
func TestControllerForceRefreshBypassesMemo(t *testing.T) {
	controller, tf := newTestController(t, &CloudResult{
		Outcome:  OutcomeSuccess,
		Customer: "Harbor Cafe",
	}, 30*time.Second)
	tf.seedCache(t, testLicenseData(), 1)
	ctx := context.Background()

	controller.GetStatus(ctx, false)
	controller.GetStatus(ctx, true)

	assert.Equal(t, int32(2), tf.cloud.calls.Load())
}

// TestControllerConcurrentRefreshCollapses verifies concurrent cold reads
// share one chain run through singleflight.
func TestControllerConcurrentRefreshCollapses(t *testing.T) {
	controller, tf := newTestController(t, nil, 30*time.Second)
	tf.seedCache(t, LicenseData{Customer: "Harbor Cafe", Perpetual: true}, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	states := make([]LicenseState, 8)
	for i := range states {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			states[i] = controller.GetStatus(ctx, false)
		}(i)
	}
	wg.Wait()

	for _, state := range states {
		assert.Equal(t, StatusActive, state.Status)
		assert.Equal(t, "Harbor Cafe", state.Customer)
	}
}

// TestControllerValidateWithCloudSuccess verifies explicit activation
// persists the result and returns an active state with no error.
func TestControllerValidateWithCloudSuccess(t *testing.T) {
	controller, tf := newTestController(t, &CloudResult{
		Outcome:  OutcomeSuccess,
		Customer: "Harbor Cafe",
		Subscription: &CloudSubscription{
			ID:               "sub-7",
			Status:           "active",
			CurrentPeriodEnd: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}, 30*time.Second)
	ctx := context.Background()

	state, err := controller.ValidateWithCloud(ctx, "owner@cafe.example", "tok-7")

	require.NoError(t, err)
	assert.Equal(t, StatusActive, state.Status)
	assert.Equal(t, SourceCloudValidation, state.Source)
	assert.True(t, state.Licensed)

	record := tf.store.Load(ctx)
	require.NotNil(t, record)
	assert.Equal(t, "owner@cafe.example", record.LicenseData.CustomerEmail)
	assert.Equal(t, "tok-7", record.LicenseData.UnlockToken)
	assert.Equal(t, "sub-7", record.LicenseData.SubscriptionID)
}

// TestControllerValidateWithCloudRejected verifies an authoritative
// rejection clears prior cached trust and surfaces the expiry error.
func TestControllerValidateWithCloudRejected(t *testing.T) {
	controller, tf := newTestController(t, &CloudResult{
		Outcome:      OutcomeRejected,
		ErrorMessage: "subscription lapsed",
	}, 30*time.Second)
	tf.seedCache(t, testLicenseData(), 1)
	ctx := context.Background()

	state, err := controller.ValidateWithCloud(ctx, "owner@cafe.example", "tok-7")

	assert.ErrorIs(t, err, ErrSubscriptionExpired)
	assert.Equal(t, StatusExpired, state.Status)
	assert.False(t, state.Licensed)
	assert.Nil(t, tf.store.Load(ctx))
}

// TestControllerValidateWithCloudUnreachable verifies a connectivity
// failure surfaces as a network error without touching the cache.
func TestControllerValidateWithCloudUnreachable(t *testing.T) {
	controller, tf := newTestController(t, nil, 30*time.Second)
	tf.seedCache(t, testLicenseData(), 1)
	ctx := context.Background()

	state, err := controller.ValidateWithCloud(ctx, "owner@cafe.example", "tok-7")

	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, StatusInvalid, state.Status)
	assert.NotNil(t, tf.store.Load(ctx))
}

// TestControllerClearCache verifies logout drops disk and memo state so the
// next read falls through to the trial system.
func TestControllerClearCache(t *testing.T) {
	controller, tf := newTestController(t, nil, 30*time.Second)
	tf.seedCache(t, LicenseData{Customer: "Harbor Cafe", Perpetual: true}, 1)
	ctx := context.Background()

	before := controller.GetStatus(ctx, false)
	require.Equal(t, StatusActive, before.Status)

	controller.ClearCache(ctx)
	after := controller.GetStatus(ctx, false)

	assert.Equal(t, StatusTrial, after.Status)
	assert.Equal(t, SourceTrialSystem, after.Source)
}

// TestControllerBackgroundRevalidation verifies the ticker keeps re-running
// the chain and refreshing the memo, and that Close stops the goroutine.
func TestControllerBackgroundRevalidation(t *testing.T) {
	controller, tf := newTestController(t, &CloudResult{
		Outcome:  OutcomeSuccess,
		Customer: "Harbor Cafe",
	}, time.Hour)
	tf.seedCache(t, testLicenseData(), 1)
	ctx := context.Background()

	controller.StartBackgroundRevalidation(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return tf.cloud.calls.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	// Each tick forced a refresh, so the memo is warm despite the long TTL.
	state := controller.GetStatus(ctx, false)
	assert.Equal(t, StatusActive, state.Status)
	assert.Equal(t, SourceCloudValidation, state.Source)

	controller.Close()
	time.Sleep(30 * time.Millisecond)
	stopped := tf.cloud.calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, tf.cloud.calls.Load())
}

// TestControllerBackgroundRevalidationDisabled verifies a non-positive
// interval starts nothing.
func TestControllerBackgroundRevalidationDisabled(t *testing.T) {
	controller, tf := newTestController(t, nil, time.Hour)
	tf.seedCache(t, testLicenseData(), 1)

	controller.StartBackgroundRevalidation(context.Background(), 0)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, int32(0), tf.cloud.calls.Load())
}

// TestControllerCloseIdempotent verifies Close can be called repeatedly.
func TestControllerCloseIdempotent(t *testing.T) {
	controller, _ := newTestController(t, nil, time.Second)
	controller.Close()
	controller.Close()
}
