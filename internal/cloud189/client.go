package cloud189

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Cloud189 web API host.
const DefaultBaseURL = "https://cloud.189.cn"

// Retry and backoff constants. maxRetries is the default; see SetMaxRetries.
const (
	maxRetries      = 3
	baseBackoff     = 500 * time.Millisecond
	maxBackoff      = 10 * time.Second
	backoffFactor   = 2.0
	jitterFraction  = 0.25
	defaultAgent    = "cloud302/0.1"
	maxErrorBodyLen = 4096
)

// CookieSource provides the session cookie header value. Defined at the
// consumer; the session manager is the real implementation.
type CookieSource interface {
	Cookies() (string, error)
}

// CookieFunc adapts a function to CookieSource.
type CookieFunc func() (string, error)

// Cookies calls f.
func (f CookieFunc) Cookies() (string, error) { return f() }

// Client is an HTTP client for the Cloud189 web API. It handles request
// construction, cookie authentication, rate limiting, retry with exponential
// backoff, and error classification. Network errors and transient 5xx
// responses are retried; 429 never is, since retrying only deepens the
// throttling.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cookies    CookieSource
	limiter    *rate.Limiter
	logger     *slog.Logger
	userAgent  string
	retries    int

	// sleepFunc is called to wait between retries. Tests override this to
	// avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Cloud189 API client. A nil limiter disables rate
// limiting; an empty userAgent uses the built-in default.
func NewClient(
	baseURL string, httpClient *http.Client, cookies CookieSource,
	limiter *rate.Limiter, logger *slog.Logger, userAgent string,
) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	if userAgent == "" {
		userAgent = defaultAgent
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		cookies:    cookies,
		limiter:    limiter,
		logger:     logger,
		userAgent:  userAgent,
		retries:    maxRetries,
		sleepFunc:  timeSleep,
	}
}

// SetMaxRetries sets how many times a failed request is retried. Zero makes
// every call a single attempt. Call before the client is shared.
func (c *Client) SetMaxRetries(n int) {
	c.retries = max(n, 0)
}

// envelope carries the status fields every Cloud189 JSON response shares.
// res_code is 0 (number or string) on success; errorCode is set on failure.
type envelope struct {
	ResCode    flexString `json:"res_code"`
	ResMessage string     `json:"res_message"`
	ErrorCode  flexString `json:"errorCode"`
	ErrorMsg   string     `json:"errorMsg"`
}

// failure returns the provider error code carried by the envelope, or "" when
// the response reports success. The symbolic errorCode wins over res_code.
func (e *envelope) failure() string {
	if code := string(e.ErrorCode); code != "" && code != "0" {
		return code
	}

	if code := string(e.ResCode); code != "" && code != "0" {
		return code
	}

	return ""
}

func (e *envelope) message() string {
	if e.ResMessage != "" {
		return e.ResMessage
	}

	return e.ErrorMsg
}

// getJSON performs a GET with the session cookies and decodes the JSON body
// into out. Provider-level failures reported inside a 200 response are
// converted to *APIError.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.getJSONWithCookies(ctx, path, query, "", out)
}

// getJSONWithCookies is getJSON with an explicit cookie header. An empty
// cookies value uses the client's CookieSource.
func (c *Client) getJSONWithCookies(ctx context.Context, path string, query url.Values, cookies string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, query, cookies)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("cloud189: reading %s response: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    "decoding response: " + err.Error(),
			Err:        ErrUnexpected,
		}
	}

	if code := env.failure(); code != "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       code,
			Message:    env.message(),
			Err:        classifyCode(code, resp.StatusCode),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("cloud189: decoding %s response: %w", path, err)
	}

	return nil
}

// do executes an HTTP request against the API with retry. The path is
// appended to the client's base URL. The caller closes the body on success.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, cookies string) (*http.Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	if cookies == "" {
		if c.cookies == nil {
			return nil, fmt.Errorf("cloud189: no cookie source: %w", ErrUnauthorized)
		}

		var err error
		if cookies, err = c.cookies.Cookies(); err != nil {
			return nil, fmt.Errorf("cloud189: obtaining cookies: %w", errors.Join(ErrUnauthorized, err))
		}
	}

	var attempt int
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("cloud189: rate limiter: %w", err)
		}

		resp, err := c.doOnce(ctx, method, target, cookies)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("cloud189: request canceled: %w", ctx.Err())
			}

			if attempt < c.retries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("cloud189: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("cloud189: %s %s failed after %d retries: %w", method, path, attempt, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < c.retries {
			backoff := c.calcBackoff(attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("cloud189: request canceled: %w", err)
			}

			attempt++

			continue
		}

		return nil, errorFromBody(resp.StatusCode, errBody)
	}
}

// errorFromBody builds an APIError for a non-2xx response. Cloud189 reports
// an expired session as 400 with errorCode=InvalidSessionKey, so the body's
// code takes precedence over the status.
func errorFromBody(status int, body []byte) *APIError {
	var env envelope
	_ = json.Unmarshal(body, &env) // best effort, body may be HTML

	code := env.failure()

	msg := env.message()
	if msg == "" {
		msg = string(body)
	}

	return &APIError{
		StatusCode: status,
		Code:       code,
		Message:    msg,
		Err:        classifyCode(code, status),
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, target, cookies string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Cookie", cookies)
	req.Header.Set("Accept", "application/json;charset=UTF-8")
	req.Header.Set("User-Agent", c.userAgent)

	return c.httpClient.Do(req)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
