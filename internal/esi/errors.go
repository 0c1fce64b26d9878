// Package esi talks to the EVE Swagger Interface and to the mission
// cooperative API. Both are plain bearer-token JSON APIs, so one client
// serves them: conditional GETs, page counts, and typed error
// classification. The package also owns the interactive login flows.
package esi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chuanqiongzhr/eve-service/internal/retry"
)

// Sentinel errors for HTTP status classification.
// Use errors.Is(err, esi.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("esi: bad request")
	ErrUnauthorized = errors.New("esi: unauthorized")
	ErrForbidden    = errors.New("esi: forbidden")
	ErrNotFound     = errors.New("esi: not found")
	ErrThrottled    = errors.New("esi: throttled")
	ErrServerError  = errors.New("esi: server error")
	ErrNetwork      = errors.New("esi: network failure")
)

// statusErrorLimited is ESI's legacy "error limited" status.
const statusErrorLimited = 420

// APIError wraps a sentinel with the HTTP status, the response body, and any
// delay the server asked for before the next request.
type APIError struct {
	StatusCode int
	URL        string
	Message    string
	RetryAfter time.Duration
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("esi: HTTP %d for %s", e.StatusCode, e.URL)
	}

	return fmt.Sprintf("esi: HTTP %d for %s: %s", e.StatusCode, e.URL, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps a non-2xx, non-304 status code to a sentinel.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusTooManyRequests, code == statusErrorLimited:
		return ErrThrottled
	case code >= http.StatusInternalServerError:
		return ErrServerError
	default:
		return ErrBadRequest
	}
}

// Classify is the retry classifier for fetch errors: throttling honors the
// server's delay, server and network failures back off, everything else
// (including 401, which callers handle by refreshing) is fatal.
func Classify(err error) retry.Verdict {
	switch {
	case errors.Is(err, ErrThrottled):
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return retry.Verdict{Decision: retry.RateLimited, Delay: apiErr.RetryAfter}
		}

		return retry.Verdict{Decision: retry.RateLimited}
	case errors.Is(err, ErrServerError), errors.Is(err, ErrNetwork):
		return retry.Verdict{Decision: retry.Transient}
	default:
		return retry.Verdict{Decision: retry.Fatal}
	}
}
