// Package cloud189 provides the small slice of the Cloud189 (天翼云盘) web API
// the redirect service needs: folder listing, direct-link issuance, session
// verification, and the password and QR login flows. Requests are rate
// limited, retried with backoff on transient failures, and classified into
// sentinel errors.
package cloud189

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for status and provider-code classification.
// Use errors.Is(err, cloud189.ErrUnauthorized) to check.
var (
	ErrBadRequest   = errors.New("cloud189: bad request")
	ErrUnauthorized = errors.New("cloud189: unauthorized")
	ErrForbidden    = errors.New("cloud189: forbidden")
	ErrNotFound     = errors.New("cloud189: not found")
	ErrThrottled    = errors.New("cloud189: throttled")
	ErrServerError  = errors.New("cloud189: server error")
	ErrUnexpected   = errors.New("cloud189: unexpected response")
)

// APIError wraps a sentinel error with the HTTP status code, the provider's
// error code (res_code / errorCode) and its message.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("cloud189: HTTP %d (code %s): %s", e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("cloud189: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err means the session cookies were rejected.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// authCodes are provider error codes that mean the session is no longer valid.
var authCodes = map[string]bool{
	"InvalidSessionKey":    true,
	"InvalidAccessToken":   true,
	"UserInvalidOpenToken": true,
	"InvalidCookie":        true,
	"UserNotLogin":         true,
	"SessionExpired":       true,
	"-3":                   true,
}

// notFoundCodes are provider error codes for missing files and folders.
var notFoundCodes = map[string]bool{
	"FileNotFound":        true,
	"FolderNotFound":      true,
	"FileAlreadyRecycled": true,
}

// classifyCode maps a provider error code to a sentinel. Unknown codes fall
// back to the HTTP status classification.
func classifyCode(code string, status int) error {
	switch {
	case authCodes[code]:
		return ErrUnauthorized
	case notFoundCodes[code]:
		return ErrNotFound
	}

	if sentinel := classifyStatus(status); sentinel != nil {
		return sentinel
	}

	return ErrUnexpected
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
// 429 is not: the caller sees ErrThrottled at once.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
