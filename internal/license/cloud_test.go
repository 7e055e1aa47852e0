package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCloudClient(serverURL string, retries int) *CloudClient {
	return NewCloudClient(serverURL, 2*time.Second, retries)
}

func successResponseBody() map[string]interface{} {
	return map[string]interface{}{
		"success": true,
		"validation": map[string]interface{}{
			"customer":       "Harbor Cafe",
			"validationType": "subscription",
		},
		"subscription": map[string]interface{}{
			"id":               "sub-42",
			"status":           "active",
			"currentPeriodEnd": "2026-12-31T23:59:59Z",
		},
	}
}

// TestCloudValidateSuccess verifies the full success path including request
// shape and subscription parsing.
func TestCloudValidateSuccess(t *testing.T) {
	var captured cloudRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(successResponseBody())
	}))
	defer server.Close()

	client := newTestCloudClient(server.URL, 0)
	result := client.Validate(context.Background(), "owner@cafe.example", "tok-1", "hw-fingerprint")

	require.NotNil(t, result)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "Harbor Cafe", result.Customer)
	assert.Equal(t, "subscription", result.ValidationType)
	require.NotNil(t, result.Subscription)
	assert.Equal(t, "sub-42", result.Subscription.ID)
	assert.Equal(t, "active", result.Subscription.Status)
	assert.Equal(t, time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC), result.Subscription.CurrentPeriodEnd.UTC())

	assert.Equal(t, "owner@cafe.example", captured.Credentials.Email)
	assert.Equal(t, "tok-1", captured.Credentials.Token)
	assert.Equal(t, "hw-fingerprint", captured.Device.MachineFingerprint)
	assert.NotEmpty(t, captured.Device.DeviceInfo)
}

// TestCloudValidateRejected verifies a non-retryable rejection is
// authoritative and carries the server's error detail.
func TestCloudValidateRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error": map[string]interface{}{
				"code":      "SUBSCRIPTION_EXPIRED",
				"message":   "subscription lapsed on 2026-01-31",
				"retryable": false,
			},
		})
	}))
	defer server.Close()

	client := newTestCloudClient(server.URL, 1)
	result := client.Validate(context.Background(), "a@b.example", "tok", "hw")

	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Equal(t, "SUBSCRIPTION_EXPIRED", result.ErrorCode)
	assert.Contains(t, result.ErrorMessage, "lapsed")
}

// TestCloudValidateRetryableErrorIsUnreachable verifies a server-declared
// retryable failure never counts as a rejection.
func TestCloudValidateRetryableErrorIsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error": map[string]interface{}{
				"code":      "BACKEND_BUSY",
				"message":   "try again shortly",
				"retryable": true,
			},
		})
	}))
	defer server.Close()

	client := newTestCloudClient(server.URL, 0)
	result := client.Validate(context.Background(), "a@b.example", "tok", "hw")

	assert.Equal(t, OutcomeUnreachable, result.Outcome)
}

// TestCloudValidateServerErrorRetriesOnce verifies 5xx responses consume
// exactly the configured retry budget before degrading to unreachable.
func TestCloudValidateServerErrorRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestCloudClient(server.URL, 1)
	result := client.Validate(context.Background(), "a@b.example", "tok", "hw")

	assert.Equal(t, OutcomeUnreachable, result.Outcome)
	assert.Equal(t, int32(2), calls.Load())
}

// TestCloudValidateRetryRecovers verifies a transient 5xx followed by a
// success yields OutcomeSuccess.
func TestCloudValidateRetryRecovers(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(successResponseBody())
	}))
	defer server.Close()

	client := newTestCloudClient(server.URL, 1)
	result := client.Validate(context.Background(), "a@b.example", "tok", "hw")

	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, int32(2), calls.Load())
}

// TestCloudValidateUntrustworthyResponses verifies malformed payloads
// degrade to unreachable, never to a rejection.
func TestCloudValidateUntrustworthyResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "<html>gateway error</html>"},
		{name: "success missing sections", body: `{"success":true}`},
		{name: "success missing customer", body: `{"success":true,"validation":{},"subscription":{"id":"s"}}`},
		{name: "rejection without detail", body: `{"success":false}`},
		{name: "bad period end", body: `{"success":true,"validation":{"customer":"X"},"subscription":{"id":"s","currentPeriodEnd":"soon"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := newTestCloudClient(server.URL, 0)
			result := client.Validate(context.Background(), "a@b.example", "tok", "hw")

			assert.Equal(t, OutcomeUnreachable, result.Outcome)
		})
	}
}

// TestCloudValidateConnectionRefused verifies a dead endpoint degrades to
// unreachable without an error crossing the boundary.
func TestCloudValidateConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := newTestCloudClient(server.URL, 0)
	result := client.Validate(context.Background(), "a@b.example", "tok", "hw")

	assert.Equal(t, OutcomeUnreachable, result.Outcome)
	assert.NotEmpty(t, result.ErrorMessage)
}

// TestCloudOutcomeString pins the log labels.
func TestCloudOutcomeString(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "rejected", OutcomeRejected.String())
	assert.Equal(t, "unreachable", OutcomeUnreachable.String())
}
