// Package errs defines the closed error taxonomy for exchange I/O. Policy
// (retry, recovery, alerting) is chosen by matching Kind, never by string
// matching at call sites; the upstream payload is pattern-matched only here,
// at the classification boundary.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// Kind partitions every exchange failure into one policy class.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimit
	KindNetwork
	KindAuth
	KindServer
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindRateLimit:
		return "RATE_LIMIT"
	case KindNetwork:
		return "NETWORK"
	case KindAuth:
		return "AUTH"
	case KindServer:
		return "SERVER"
	case KindValidation:
		return "VALIDATION"
	default:
		return "UNKNOWN"
	}
}

// Upstream business codes that drive classification.
const (
	codeRateLimitA  = 100001
	codeRateLimitB  = 100413
	codeRateLimitC  = 109400
	codeRateLimitD  = 100410
	codeAuth        = 100403
	codeServer      = 100500
	codeValidation  = 100400
)

// APIError is the typed result of a failed exchange operation.
type APIError struct {
	Kind       Kind
	HTTPStatus int
	Code       int64
	Message    string
	Endpoint   string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code %d)", e.Kind, e.Message, e.Code)
	}
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s: %s (http %d)", e.Kind, e.Message, e.HTTPStatus)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf extracts the taxonomy kind from any error chain. Errors outside the
// taxonomy report KindUnknown.
func KindOf(err error) Kind {
	var api *APIError
	if errors.As(err, &api) {
		return api.Kind
	}
	return KindUnknown
}

// IsRateLimit reports whether err carries KindRateLimit anywhere in its chain.
func IsRateLimit(err error) bool {
	return KindOf(err) == KindRateLimit
}

// ClassifyResponse maps an HTTP status, upstream business code and body
// snippet into the taxonomy.
func ClassifyResponse(status int, code int64, body string) Kind {
	switch code {
	case codeRateLimitA, codeRateLimitB, codeRateLimitC, codeRateLimitD:
		return KindRateLimit
	case codeAuth:
		return KindAuth
	case codeServer:
		return KindServer
	case codeValidation:
		return KindValidation
	}

	lower := strings.ToLower(body)
	switch {
	case status == 429 || strings.Contains(lower, "rate limit"):
		return KindRateLimit
	case status == 401 || status == 403 || strings.Contains(body, "Invalid signature"):
		return KindAuth
	case status >= 500:
		return KindServer
	case status == 400:
		return KindValidation
	}
	return KindUnknown
}

// ClassifyTransport maps a transport-level error (dial, reset, timeout) into
// the taxonomy. Anything unrecognized is KindUnknown, which retries like
// KindNetwork but is alerted louder.
func ClassifyTransport(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindNetwork
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return KindNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetwork
	}
	return KindUnknown
}

// Retryable reports whether call-site retry with backoff is allowed for k.
// Rate limits recover through the governor, auth and validation fail fast.
func Retryable(k Kind) bool {
	switch k {
	case KindNetwork, KindServer, KindUnknown:
		return true
	}
	return false
}
