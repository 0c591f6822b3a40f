package core

import (
	"errors"
	"fmt"
	"time"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Provider errors
	ErrProviderNotFound      = errors.New("provider not found")
	ErrProviderTypeNotFound  = errors.New("provider type not registered")
	ErrNoProvidersAvailable  = errors.New("no providers available")
	ErrAlreadyRegistered     = errors.New("already registered")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker is open")
	ErrAnalysisFailed        = errors.New("analysis failed")

	// Validation errors
	ErrValidation       = errors.New("validation failed")
	ErrImageTooLarge    = errors.New("image exceeds provider size limit")
	ErrEmptyImage       = errors.New("image data is empty")
	ErrEmptyPrompt      = errors.New("prompt is empty")
	ErrPromptTooLong    = errors.New("prompt exceeds provider length limit")

	// Context engine errors
	ErrContextNotFound = errors.New("conversation context not found")
	ErrContextExpired  = errors.New("conversation context expired")

	// Job queue errors
	ErrJobNotFound = errors.New("job not found")
	ErrJobTerminal = errors.New("job already in terminal state")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// ErrorKind classifies provider-layer failures for fallback decisions.
// The orchestrator consults the kind: RateLimit, Timeout, Analysis and
// CircuitOpen walk the fallback chain; Configuration and Validation abort.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindRateLimit     ErrorKind = "rate_limit"
	KindTimeout       ErrorKind = "timeout"
	KindAnalysis      ErrorKind = "analysis"
	KindCircuitOpen   ErrorKind = "circuit_open"
	KindValidation    ErrorKind = "validation"
)

// ProviderError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type ProviderError struct {
	Provider   string        // Provider name (e.g. "claude-3-5-sonnet")
	Op         string        // Operation that failed (e.g. "provider.Analyze")
	Kind       ErrorKind     // Classification used for fallback decisions
	Message    string        // Human-readable message
	RetryAfter time.Duration // Populated for rate-limit errors
	Err        error         // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *ProviderError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.Provider != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.Provider, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new ProviderError
func NewProviderError(op, provider string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{
		Op:       op,
		Provider: provider,
		Kind:     kind,
		Err:      err,
	}
}

// KindOf returns the error kind for a provider-layer error, or "" when the
// error carries no classification.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, ErrCircuitBreakerOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInvalidConfiguration), errors.Is(err, ErrMissingConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrAnalysisFailed):
		return KindAnalysis
	}
	return ""
}

// RetryAfterOf extracts the retry-after hint from a rate-limit error.
// Returns zero when the error carries no hint.
func RetryAfterOf(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// IsFallbackEligible reports whether the orchestrator should try the next
// provider in the fallback chain after this error.
func IsFallbackEligible(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindTimeout, KindAnalysis, KindCircuitOpen:
		return true
	}
	return false
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrAnalysisFailed)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration) ||
		KindOf(err) == KindConfiguration
}

// IsValidation checks if an error represents an input validation failure
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || KindOf(err) == KindValidation
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProviderNotFound) ||
		errors.Is(err, ErrContextNotFound) ||
		errors.Is(err, ErrJobNotFound)
}
