package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a provider failure.
type Kind int

const (
	KindTransient Kind = iota
	KindRateLimited
	KindAuthenticationFailed
	KindInvalidInput
	KindDimensionMismatch
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindInvalidInput:
		return "invalid_input"
	case KindDimensionMismatch:
		return "dimension_mismatch"
	default:
		return "transient"
	}
}

var (
	ErrTransient            = errors.New("embedding provider transient failure")
	ErrRateLimited          = errors.New("embedding provider rate limited")
	ErrAuthenticationFailed = errors.New("embedding provider authentication failed")
	ErrInvalidInput         = errors.New("embedding input rejected")
	ErrDimensionMismatch    = errors.New("embedding dimension mismatch")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyInput indicates empty or nil input texts
	ErrEmptyInput = errors.New("empty or nil input texts")
)

func (k Kind) sentinel() error {
	switch k {
	case KindRateLimited:
		return ErrRateLimited
	case KindAuthenticationFailed:
		return ErrAuthenticationFailed
	case KindInvalidInput:
		return ErrInvalidInput
	case KindDimensionMismatch:
		return ErrDimensionMismatch
	default:
		return ErrTransient
	}
}

// fatal kinds abort the whole request.
func (k Kind) fatal() bool {
	return k == KindAuthenticationFailed || k == KindDimensionMismatch
}

// ProviderError is a classified provider failure.
type ProviderError struct {
	Kind     Kind
	Provider string
	// RetryAfter is the provider-suggested delay for rate limits.
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *ProviderError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// NewProviderError builds a classified error.
func NewProviderError(provider string, kind Kind, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}

// KindOf classifies any error. Unclassified errors are transient.
func KindOf(err error) Kind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrAuthenticationFailed):
		return KindAuthenticationFailed
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrEmptyInput):
		return KindInvalidInput
	case errors.Is(err, ErrDimensionMismatch):
		return KindDimensionMismatch
	}
	return KindTransient
}

func retryAfterOf(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// classifyStatus maps an HTTP status to a failure kind.
func classifyStatus(provider string, status int, body string, header http.Header) *ProviderError {
	err := fmt.Errorf("status %d: %s", status, strings.TrimSpace(body))
	switch {
	case status == http.StatusTooManyRequests:
		pe := NewProviderError(provider, KindRateLimited, err)
		pe.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
		return pe
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return NewProviderError(provider, KindAuthenticationFailed, err)
	case status == http.StatusBadRequest, status == http.StatusRequestEntityTooLarge, status == http.StatusUnprocessableEntity:
		return NewProviderError(provider, KindInvalidInput, err)
	default:
		return NewProviderError(provider, KindTransient, err)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// statusPattern finds an HTTP status code reported in an SDK error message,
// e.g. "status code: 429" or "status 401".
var statusPattern = regexp.MustCompile(`\bstatus(?:\s+code)?\s*[:=]?\s*(\d{3})\b`)

// classifyMessage guesses a kind from an unstructured SDK error.
func classifyMessage(provider string, err error) *ProviderError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewProviderError(provider, KindTransient, err)
	}
	msg := strings.ToLower(err.Error())
	status := 0
	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		status, _ = strconv.Atoi(m[1])
	}
	switch {
	case status == http.StatusTooManyRequests, strings.Contains(msg, "rate limit"):
		return NewProviderError(provider, KindRateLimited, err)
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "incorrect api key"):
		return NewProviderError(provider, KindAuthenticationFailed, err)
	case status == http.StatusBadRequest, status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnprocessableEntity,
		strings.Contains(msg, "maximum context length"), strings.Contains(msg, "invalid input"):
		return NewProviderError(provider, KindInvalidInput, err)
	}
	return NewProviderError(provider, KindTransient, err)
}
