package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
)

// CloudOutcome distinguishes the three results the validation chain relies
// on. Only OutcomeRejected is authoritative; OutcomeUnreachable triggers the
// grace-period fallback.
type CloudOutcome int

const (
	OutcomeSuccess CloudOutcome = iota
	OutcomeRejected
	OutcomeUnreachable
)

func (o CloudOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unreachable"
	}
}

// CloudResult is the boundary value returned by a CloudValidator. Failures
// never cross this boundary as errors; they surface as OutcomeUnreachable.
type CloudResult struct {
	Outcome        CloudOutcome
	Customer       string
	ValidationType string
	Subscription   *CloudSubscription
	ResponseTime   time.Duration
	ErrorCode      string
	ErrorMessage   string
}

// CloudSubscription carries the subscription fields of a successful
// validation.
type CloudSubscription struct {
	ID               string
	Status           string
	CurrentPeriodEnd time.Time
}

// CloudValidator is the remote validation service contract.
type CloudValidator interface {
	Validate(ctx context.Context, email, token, hardwareID string) *CloudResult
}

// Wire types for the validation endpoint.

type cloudRequest struct {
	Credentials cloudCredentials `json:"credentials"`
	Device      cloudDevice      `json:"device"`
}

type cloudCredentials struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

type cloudDevice struct {
	MachineFingerprint string `json:"machineFingerprint"`
	DeviceInfo         string `json:"deviceInfo"`
}

type cloudResponse struct {
	Success    bool `json:"success"`
	Validation *struct {
		Customer       string `json:"customer" validate:"required"`
		ValidationType string `json:"validationType"`
	} `json:"validation,omitempty"`
	Subscription *struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		CurrentPeriodEnd string `json:"currentPeriodEnd"`
	} `json:"subscription,omitempty"`
	Performance *struct {
		ResponseTime float64 `json:"responseTime"`
	} `json:"performance,omitempty"`
	Caching *struct {
		Strategy   string `json:"strategy"`
		ValidUntil string `json:"validUntil"`
	} `json:"caching,omitempty"`
	Error *struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
		Category  string `json:"category"`
	} `json:"error,omitempty"`
}

// CloudClient is the HTTP implementation of CloudValidator.
type CloudClient struct {
	baseURL    string
	httpClient *http.Client
	retries    int
	limiter    *rate.Limiter
	validate   *validator.Validate
}

// NewCloudClient creates a validation client with a fixed short timeout and
// at most the given number of retries (bounded to one by the retry budget of
// the chain; callers pass 0 or 1).
func NewCloudClient(baseURL string, timeout time.Duration, retries int) *CloudClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	if retries > 1 {
		retries = 1
	}

	return &CloudClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retries: retries,
		// The background revalidator and foreground refreshes share this
		// client; cap outbound calls so a misbehaving caller cannot hammer
		// the validation service.
		limiter:  rate.NewLimiter(rate.Every(2*time.Second), 5),
		validate: validator.New(),
	}
}

// Validate performs one validation round trip with at most one retry. It
// never returns an error: network failures, timeouts and malformed responses
// all degrade to OutcomeUnreachable.
func (c *CloudClient) Validate(ctx context.Context, email, token, hardwareID string) *CloudResult {
	if !c.limiter.Allow() {
		logWarn(ctx, "cloud_validate", "Cloud validation rate limited locally")
		return &CloudResult{
			Outcome:      OutcomeUnreachable,
			ErrorMessage: "local rate limit exceeded",
		}
	}

	hostname, _ := os.Hostname()
	request := cloudRequest{
		Credentials: cloudCredentials{Email: email, Token: token},
		Device: cloudDevice{
			MachineFingerprint: hardwareID,
			DeviceInfo:         fmt.Sprintf("%s/%s/%s", runtime.GOOS, runtime.GOARCH, hostname),
		},
	}

	body, err := json.Marshal(request)
	if err != nil {
		return &CloudResult{Outcome: OutcomeUnreachable, ErrorMessage: err.Error()}
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		result, err := c.roundTrip(ctx, body)
		if err == nil {
			result.ResponseTime = time.Since(start)
			c.logOutcome(ctx, result, email, attempt)
			return result
		}
		lastErr = err

		logWarn(ctx, "cloud_validate", "Cloud validation attempt failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return &CloudResult{
		Outcome:      OutcomeUnreachable,
		ResponseTime: time.Since(start),
		ErrorMessage: lastErr.Error(),
	}
}

// roundTrip performs a single request. Transport-level failures and
// untrustworthy responses return an error; the caller maps them to
// OutcomeUnreachable after the retry budget is spent.
func (c *CloudClient) roundTrip(ctx context.Context, body []byte) (*CloudResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: server error %d", ErrNetwork, resp.StatusCode)
	}

	var payload cloudResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	if payload.Success {
		return c.successResult(&payload)
	}

	if payload.Error == nil {
		return nil, fmt.Errorf("%w: rejection without error detail", ErrParse)
	}

	// A retryable server-side error is connectivity, not an answer.
	if payload.Error.Retryable {
		return nil, fmt.Errorf("%w: %s", ErrNetwork, payload.Error.Message)
	}

	return &CloudResult{
		Outcome:      OutcomeRejected,
		ErrorCode:    payload.Error.Code,
		ErrorMessage: payload.Error.Message,
	}, nil
}

// successResult validates the shape of a success response. A success the
// client cannot trust is treated as unreachable, never as a rejection.
func (c *CloudClient) successResult(payload *cloudResponse) (*CloudResult, error) {
	if payload.Validation == nil || payload.Subscription == nil {
		return nil, fmt.Errorf("%w: success response missing required sections", ErrParse)
	}
	if err := c.validate.Struct(payload.Validation); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	subscription := &CloudSubscription{
		ID:     payload.Subscription.ID,
		Status: payload.Subscription.Status,
	}
	if payload.Subscription.CurrentPeriodEnd != "" {
		periodEnd, err := time.Parse(time.RFC3339, payload.Subscription.CurrentPeriodEnd)
		if err != nil {
			return nil, fmt.Errorf("%w: bad currentPeriodEnd: %v", ErrParse, err)
		}
		subscription.CurrentPeriodEnd = periodEnd
	}

	return &CloudResult{
		Outcome:        OutcomeSuccess,
		Customer:       payload.Validation.Customer,
		ValidationType: payload.Validation.ValidationType,
		Subscription:   subscription,
	}, nil
}

func (c *CloudClient) logOutcome(ctx context.Context, result *CloudResult, email string, attempt int) {
	logInfo(ctx, "cloud_validate", "Cloud validation completed",
		slog.String("outcome", result.Outcome.String()),
		slog.String("email_masked", maskEmail(email)),
		slog.Int("attempts", attempt+1),
		slog.Duration("response_time", result.ResponseTime),
	)
}
