package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProviderNotFound     = errors.New("provider not found")
	ErrProviderDisabled     = errors.New("provider disabled")
	ErrCircuitBreakerOpen   = errors.New("circuit breaker open")
	ErrStreamingUnsupported = errors.New("provider does not support streaming")
	ErrMissingCredentials   = errors.New("missing provider credentials")
)

// ValidationError rejects a malformed request. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// QuotaScope identifies whose ceiling was hit.
type QuotaScope string

const (
	ScopeTenant   QuotaScope = "tenant"
	ScopeProvider QuotaScope = "provider"
)

// QuotaReason names the specific ceiling that would be breached.
type QuotaReason string

const (
	ReasonTenantDaily     QuotaReason = "tenant-daily"
	ReasonTenantMonthly   QuotaReason = "tenant-monthly"
	ReasonTenantRequests  QuotaReason = "tenant-request-count"
	ReasonProviderDaily   QuotaReason = "provider-daily"
	ReasonProviderMonthly QuotaReason = "provider-monthly"
)

// Scope returns which party owns the ceiling behind this reason.
// Provider-scoped denials still allow trying another provider.
func (r QuotaReason) Scope() QuotaScope {
	switch r {
	case ReasonProviderDaily, ReasonProviderMonthly:
		return ScopeProvider
	default:
		return ScopeTenant
	}
}

// QuotaError is returned when authorization denies a prospective request.
type QuotaError struct {
	Reason    QuotaReason
	Key       string
	Limit     int64
	Current   int64
	Requested int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s for %s: %d + %d > %d",
		e.Reason, e.Key, e.Current, e.Requested, e.Limit)
}

// ErrorKind classifies a provider call failure.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindRateLimit  ErrorKind = "rate_limit"
	KindQuota      ErrorKind = "quota"
	KindUpstream   ErrorKind = "upstream"
	KindTimeout    ErrorKind = "timeout"
)

// ProviderError wraps a failed upstream call with its classification.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure should trigger fallback to the
// next candidate. Validation failures would fail everywhere identically.
func (e *ProviderError) Retryable() bool {
	return e.Kind != KindValidation
}

// ExhaustedError is the terminal failure once every candidate has
// failed or been skipped. Carries the last underlying error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all providers exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}
