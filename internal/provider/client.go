package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"resty.dev/v3"

	"github.com/vk/refinery/internal/ctxlog"
	"github.com/vk/refinery/internal/registry"
)

// Request is one completion request to a generative-text service.
type Request struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Response is the raw completion plus the usage accounting the service
// reported.
type Response struct {
	Text       string  `json:"text"`
	TokensUsed int     `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
}

// Client dispatches completion requests. Implementations must honor the
// context deadline and return *DispatchError for all failures.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// apiError is the error envelope providers return alongside non-2xx
// statuses.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPClient is the resty-backed Client for one provider endpoint.
type HTTPClient struct {
	rc *resty.Client
}

// NewHTTPClient builds a client for one provider. The API key is read from
// the environment variable the registry names, never from the document
// itself.
func NewHTTPClient(cfg registry.ProviderConfig, timeout time.Duration) *HTTPClient {
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKeyEnv != "" {
		if key := os.Getenv(cfg.APIKeyEnv); key != "" {
			rc.SetAuthToken(key)
		}
	}
	return &HTTPClient{rc: rc}
}

// Close releases the underlying transport.
func (c *HTTPClient) Close() error {
	return c.rc.Close()
}

// Complete performs one dispatch and classifies any failure.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (*Response, error) {
	logger := ctxlog.FromContext(ctx).With("model", req.Model)
	logger.Debug("Dispatching completion request.")

	var out Response
	var errBody apiError
	res, err := c.rc.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&errBody).
		Post("/v1/complete")

	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err)
		return nil, &DispatchError{
			Class:   ClassTransient,
			Model:   req.Model,
			Timeout: timeout,
			Err:     err,
		}
	}
	if res.IsSuccess() {
		logger.Debug("Completion succeeded.", "tokens", out.TokensUsed)
		return &out, nil
	}
	return nil, classifyStatus(req.Model, res, errBody)
}

// classifyStatus maps an HTTP failure response onto the error taxonomy.
// A 429 is capacity exhaustion unless the provider names it a hard quota
// violation.
func classifyStatus(model string, res *resty.Response, body apiError) *DispatchError {
	de := &DispatchError{
		Model:  model,
		Status: res.StatusCode(),
		Err:    fmt.Errorf("%s: %s", body.Code, body.Message),
	}
	if body.Code == "" {
		de.Err = fmt.Errorf("http status %d", res.StatusCode())
	}

	switch {
	case res.StatusCode() == http.StatusTooManyRequests:
		if body.Code == "quota_violation" {
			de.Class = ClassQuotaViolation
		} else {
			de.Class = ClassCapacity
		}
		if ra := res.Header().Get("Retry-After"); ra != "" {
			if d, err := time.ParseDuration(ra + "s"); err == nil {
				de.RetryAfter = d
			}
		}
	case res.StatusCode() == http.StatusRequestTimeout:
		de.Class = ClassTransient
		de.Timeout = true
	case res.StatusCode() >= 500:
		de.Class = ClassTransient
	default:
		de.Class = ClassFatal
	}
	return de
}
