package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderpad/internal/license"
	"orderpad/internal/security"
)

// cannedCloud is a fixed-answer validator for handler tests.
type cannedCloud struct {
	result *license.CloudResult
}

func (c *cannedCloud) Validate(ctx context.Context, email, token, hardwareID string) *license.CloudResult {
	if c.result == nil {
		return &license.CloudResult{Outcome: license.OutcomeUnreachable, ErrorMessage: "canned"}
	}
	return c.result
}

func newTestRouter(t *testing.T, cloudResult *license.CloudResult) http.Handler {
	t.Helper()

	dir := t.TempDir()
	fm := security.NewFingerprintManager()
	store := license.NewCacheStore(
		filepath.Join(dir, "license.cache"),
		filepath.Join(dir, "license.cache.bak"),
		fm,
	)
	legacy := license.NewLegacyLoader(filepath.Join(dir, "license.dat"), fm)
	trial := license.NewTrialManager(filepath.Join(dir, "trial.json"))
	cloud := &cannedCloud{result: cloudResult}

	flow := license.NewFlow(legacy, store, cloud, trial, fm, nil)
	controller := license.NewController(flow, store, cloud, fm, nil, time.Second)
	t.Cleanup(controller.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(controller, nil, logger)
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// TestGetStatusFreshInstall verifies the status endpoint reports the trial
// that a fresh machine lands on.
func TestGetStatusFreshInstall(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doRequest(t, router, http.MethodGet, "/api/license/status", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, license.StatusTrial, resp.State.Status)
	assert.Equal(t, license.SourceTrialSystem, resp.State.Source)
	assert.Equal(t, license.TrialDays, resp.State.TrialDaysLeft)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

// TestActivateSuccess verifies a valid activation returns the new active
// state.
func TestActivateSuccess(t *testing.T) {
	router := newTestRouter(t, &license.CloudResult{
		Outcome:  license.OutcomeSuccess,
		Customer: "Harbor Cafe",
		Subscription: &license.CloudSubscription{
			ID:               "sub-7",
			Status:           "active",
			CurrentPeriodEnd: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	})

	rec := doRequest(t, router, http.MethodPost, "/api/license/activate",
		`{"email":"owner@cafe.example","unlock_token":"tok-7"}`)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, license.StatusActive, resp.State.Status)
	assert.Equal(t, "Harbor Cafe", resp.State.Customer)
}

// TestActivateValidation verifies malformed activation payloads are
// rejected before any cloud traffic.
func TestActivateValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty body", body: `{}`},
		{name: "missing token", body: `{"email":"owner@cafe.example"}`},
		{name: "missing email", body: `{"unlock_token":"tok-7"}`},
		{name: "invalid email", body: `{"email":"not-an-email","unlock_token":"tok-7"}`},
		{name: "not json", body: `plain text`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, nil)
			rec := doRequest(t, router, http.MethodPost, "/api/license/activate", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"success":false`)
		})
	}
}

// TestActivateRejected verifies an authoritative cloud rejection maps to a
// 403 with the subscription error code.
func TestActivateRejected(t *testing.T) {
	router := newTestRouter(t, &license.CloudResult{
		Outcome:      license.OutcomeRejected,
		ErrorMessage: "subscription lapsed",
	})

	rec := doRequest(t, router, http.MethodPost, "/api/license/activate",
		`{"email":"owner@cafe.example","unlock_token":"tok-7"}`)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "SUBSCRIPTION_EXPIRED")
}

// TestActivateUnreachable verifies connectivity failures map to a 503.
func TestActivateUnreachable(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doRequest(t, router, http.MethodPost, "/api/license/activate",
		`{"email":"owner@cafe.example","unlock_token":"tok-7"}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_UNREACHABLE")
}

// TestClearCache verifies the cache endpoint returns the post-clear state.
func TestClearCache(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doRequest(t, router, http.MethodDelete, "/api/license/cache", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, license.StatusTrial, resp.State.Status)
}

// TestGetHardware verifies the hardware endpoint exposes the canonical
// 64-character fingerprint.
func TestGetHardware(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doRequest(t, router, http.MethodGet, "/api/license/hardware", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HardwareResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Len(t, resp.HardwareID, 64)
	assert.Equal(t, strings.ToLower(resp.HardwareID), resp.HardwareID)
}

// TestUnknownRouteReturnsJSON verifies 404s carry the standard error
// envelope rather than chi's plain-text default.
func TestUnknownRouteReturnsJSON(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doRequest(t, router, http.MethodGet, "/api/license/nope", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"success":false`)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

// TestHealthz verifies the liveness probe.
func TestHealthz(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doRequest(t, router, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
