// Package gcs provides a client for the Google Cloud Storage JSON API with
// service-account and refresh-token authentication, lazy token renewal, and
// simple plus resumable object transfer.
package gcs

import (
	"errors"
	"fmt"
	"net/http"
)

// Configuration and local-filesystem sentinels.
// Use errors.Is(err, gcs.ErrConfig) to check.
var (
	// ErrConfig indicates missing or contradictory construction parameters,
	// or an empty required argument.
	ErrConfig = errors.New("gcs: invalid configuration")

	// ErrKeyParse indicates private key material that cannot be parsed
	// as an RSA private key.
	ErrKeyParse = errors.New("gcs: cannot parse private key")

	// ErrNotFound indicates a missing local file or directory.
	ErrNotFound = errors.New("gcs: local path not found")
)

// Sentinel errors for storage API HTTP status classification.
var (
	ErrBadRequest      = errors.New("gcs: bad request")
	ErrUnauthorized    = errors.New("gcs: unauthorized")
	ErrForbidden       = errors.New("gcs: forbidden")
	ErrObjectNotFound  = errors.New("gcs: object not found")
	ErrConflict        = errors.New("gcs: conflict")
	ErrTooManyRequests = errors.New("gcs: too many requests")
	ErrServerError     = errors.New("gcs: server error")

	// ErrInvalidResponse indicates a structurally invalid API response,
	// such as a resumable session initiation without a Location header.
	ErrInvalidResponse = errors.New("gcs: invalid API response")
)

// AuthError is returned when the token endpoint rejects an exchange or the
// exchange times out. StatusCode is zero for transport-level failures.
type AuthError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("gcs: token exchange failed: %v", e.Err)
	}

	return fmt.Sprintf("gcs: token endpoint returned HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// APIError wraps a sentinel error with the HTTP status code and the API
// error message body for debugging.
type APIError struct {
	StatusCode int
	Body       string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gcs: HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Err
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
		return ErrObjectNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrTooManyRequests
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}
