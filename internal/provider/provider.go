// Package provider defines the uniform adapter contract that wraps one
// external model vendor, plus the shared bookkeeping every adapter
// carries: rolling metrics, availability status, and the per-provider
// request-rate check.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
)

// Availability is the adapter's view of its vendor, derived from the
// class of the most recent failure.
type Availability string

const (
	StatusAvailable     Availability = "available"
	StatusRateLimited   Availability = "rate-limited"
	StatusError         Availability = "error"
	StatusQuotaExceeded Availability = "quota-exceeded"
	StatusMaintenance   Availability = "maintenance"
)

// Sink receives incremental output from a streaming generation call.
// An adapter calls Delta zero or more times followed by at most one
// Complete; if the adapter returns a non-nil error it has not called
// Complete, so the caller owns the single terminal error event.
type Sink interface {
	Delta(d domain.StreamDelta)
	Complete(resp *domain.ResponseEnvelope)
}

// Adapter is the capability contract for one vendor integration.
type Adapter interface {
	ID() string
	Descriptor() domain.ProviderDescriptor

	// Initialize verifies credentials and connectivity configuration.
	// Fails with domain.ErrMissingCredentials when required settings
	// are absent.
	Initialize(ctx context.Context) error

	// HealthCheck performs a minimal round-trip and updates the
	// adapter's availability and metrics.
	HealthCheck(ctx context.Context) bool

	Generate(ctx context.Context, req domain.RequestEnvelope) (*domain.ResponseEnvelope, error)
	GenerateStream(ctx context.Context, req domain.RequestEnvelope, sink Sink) error

	// CanHandle reports whether a request of the given estimated size
	// fits this provider's per-request ceiling. No upstream call.
	CanHandle(tokensNeeded int) bool

	Metrics() MetricsSnapshot
	Availability() Availability
}

// Core carries the bookkeeping shared by every vendor adapter. Vendor
// packages embed a *Core and route every call outcome through Observe
// so metrics are never skipped or double-counted.
type Core struct {
	desc    domain.ProviderDescriptor
	metrics *rollingMetrics
	limiter ratelimit.RateLimiter
}

func NewCore(desc domain.ProviderDescriptor, limiter ratelimit.RateLimiter) *Core {
	return &Core{
		desc:    desc,
		metrics: newRollingMetrics(),
		limiter: limiter,
	}
}

func (c *Core) ID() string { return c.desc.ID }

func (c *Core) Descriptor() domain.ProviderDescriptor { return c.desc }

func (c *Core) CanHandle(tokensNeeded int) bool {
	if c.desc.MaxTokensPerRequest <= 0 {
		return true
	}
	return tokensNeeded <= c.desc.MaxTokensPerRequest
}

func (c *Core) Metrics() MetricsSnapshot { return c.metrics.snapshot() }

func (c *Core) Availability() Availability { return c.metrics.availability() }

// AllowRequest enforces the provider's requests-per-minute ceiling
// before any upstream call is made.
func (c *Core) AllowRequest(ctx context.Context) error {
	if c.limiter == nil || c.desc.RequestsPerMinute <= 0 {
		return nil
	}
	allowed, _, _, err := c.limiter.Allow(ctx, c.desc.ID, c.desc.RequestsPerMinute)
	if err != nil {
		// Limiter backend failure is not the vendor's fault; allow.
		return nil
	}
	if !allowed {
		return &domain.ProviderError{
			Provider: c.desc.ID,
			Kind:     domain.KindRateLimit,
			Err:      errors.New("provider request rate ceiling reached"),
		}
	}
	return nil
}

// Observe is the single post-call hook for every adapter operation,
// invoked on success and failure alike.
func (c *Core) Observe(latency time.Duration, tokens int, err error) {
	c.metrics.record(latency, tokens, err)
}

// CallTimeout derives the per-call context from the descriptor's
// request timeout.
func (c *Core) CallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.desc.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.desc.RequestTimeout)
}

// Classify maps a transport-level error to a typed provider error.
func Classify(providerID string, err error) *domain.ProviderError {
	kind := domain.KindUpstream
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = domain.KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = domain.KindTimeout
	}
	return &domain.ProviderError{Provider: providerID, Kind: kind, Err: err}
}

// ClassifyStatus maps an upstream HTTP status to a typed provider error.
func ClassifyStatus(providerID string, status int, body string) *domain.ProviderError {
	kind := domain.KindUpstream
	switch {
	case status == 400 || status == 422:
		kind = domain.KindValidation
	case status == 429:
		kind = domain.KindRateLimit
	case status == 402 || status == 403:
		kind = domain.KindQuota
	case status == 408 || status == 504:
		kind = domain.KindTimeout
	}
	return &domain.ProviderError{
		Provider: providerID,
		Kind:     kind,
		Status:   status,
		Err:      fmt.Errorf("upstream status %d: %s", status, truncate(body, 256)),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
