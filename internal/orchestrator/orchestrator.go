// Package orchestrator walks the candidate provider chain for each
// request: preferred provider first, then the remaining enabled
// providers by priority. Each candidate passes the circuit breaker,
// capability, and quota gates before an upstream attempt is made.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/modelrelay/modelrelay/internal/circuitbreaker"
	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/history"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/quota"
)

// Config bounds the retry behavior of one dispatch.
type Config struct {
	MaxAttempts  int           // upstream attempts per request, gate skips excluded
	AttemptDelay time.Duration // pause between consecutive upstream attempts
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		AttemptDelay: time.Second,
	}
}

type Orchestrator struct {
	registry *provider.Registry
	ledger   *quota.Ledger
	breakers *circuitbreaker.Manager
	recorder *history.Recorder
	config   Config
}

func New(registry *provider.Registry, ledger *quota.Ledger, breakers *circuitbreaker.Manager, recorder *history.Recorder, cfg Config) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Orchestrator{
		registry: registry,
		ledger:   ledger,
		breakers: breakers,
		recorder: recorder,
		config:   cfg,
	}
}

// candidates builds the attempt order: the preferred provider first
// when it is registered and enabled, then every other enabled provider
// by descending priority. An unknown preferred provider is logged and
// skipped rather than failing the request.
func (o *Orchestrator) candidates(req domain.RequestEnvelope) []provider.Adapter {
	ordered := o.registry.ByPriority()

	if req.PreferredProvider == "" {
		return ordered
	}

	preferred, ok := o.registry.Get(req.PreferredProvider)
	if !ok {
		slog.Warn("preferred provider not registered, using priority order",
			"tenant_id", req.TenantID,
			"preferred", req.PreferredProvider,
		)
		return ordered
	}
	if !preferred.Descriptor().Enabled {
		return ordered
	}

	out := make([]provider.Adapter, 0, len(ordered))
	out = append(out, preferred)
	for _, a := range ordered {
		if a.ID() != preferred.ID() {
			out = append(out, a)
		}
	}
	return out
}

// Dispatch runs one synchronous generation through the candidate
// chain. On success usage is committed against the quota ledger and a
// history record is written; on exhaustion the last underlying error
// is preserved inside the returned ExhaustedError.
func (o *Orchestrator) Dispatch(ctx context.Context, req domain.RequestEnvelope) (*domain.ResponseEnvelope, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	requestID := newRequestID(req)
	tokensNeeded := req.EstimateTokens()

	attempts := 0
	var lastErr error

	for _, adapter := range o.candidates(req) {
		if attempts >= o.config.MaxAttempts {
			break
		}

		skip, terminal := o.gate(ctx, adapter, req, tokensNeeded, &lastErr)
		if terminal != nil {
			return nil, terminal
		}
		if skip {
			continue
		}

		if attempts > 0 {
			if err := sleepCtx(ctx, o.config.AttemptDelay); err != nil {
				lastErr = err
				break
			}
		}
		attempts++

		resp, err := adapter.Generate(ctx, req)
		if err == nil {
			o.succeed(ctx, adapter.ID(), requestID, req, resp, attempts, false)
			metrics.RecordDispatch(resp.Provider, "success", time.Since(start).Seconds())
			return resp, nil
		}

		lastErr = err
		o.fail(ctx, adapter.ID(), err)

		var perr *domain.ProviderError
		if errors.As(err, &perr) && !perr.Retryable() {
			metrics.RecordDispatch(adapter.ID(), "validation_error", time.Since(start).Seconds())
			return nil, err
		}
	}

	return nil, o.exhausted(ctx, requestID, req, attempts, lastErr, start, false)
}

// gate applies the pre-attempt checks for one candidate. It returns
// skip=true when the candidate should be passed over, or a non-nil
// terminal error when the whole dispatch must stop (tenant-scoped
// quota denial).
func (o *Orchestrator) gate(ctx context.Context, adapter provider.Adapter, req domain.RequestEnvelope, tokensNeeded int, lastErr *error) (skip bool, terminal error) {
	id := adapter.ID()

	if err := o.breakers.Get(id).Allow(ctx); err != nil {
		slog.Debug("provider skipped, circuit open", "provider", id, "tenant_id", req.TenantID)
		metrics.RecordAttempt(id, "circuit_open")
		*lastErr = &domain.ProviderError{Provider: id, Kind: domain.KindUpstream, Err: err}
		return true, nil
	}

	if !adapter.CanHandle(tokensNeeded) {
		slog.Debug("provider skipped, request too large",
			"provider", id,
			"tokens_needed", tokensNeeded,
			"ceiling", adapter.Descriptor().MaxTokensPerRequest,
		)
		metrics.RecordAttempt(id, "too_large")
		return true, nil
	}

	if err := o.ledger.Authorize(ctx, req.TenantID, id, tokensNeeded); err != nil {
		var qerr *domain.QuotaError
		if errors.As(err, &qerr) {
			metrics.RecordQuotaDenial(string(qerr.Reason.Scope()), string(qerr.Reason))
			if qerr.Reason.Scope() == domain.ScopeTenant {
				return false, err
			}
		}
		slog.Debug("provider skipped, provider quota exhausted", "provider", id)
		*lastErr = err
		return true, nil
	}

	return false, nil
}

func (o *Orchestrator) succeed(ctx context.Context, providerID, requestID string, req domain.RequestEnvelope, resp *domain.ResponseEnvelope, attempts int, streamed bool) {
	o.breakers.Get(providerID).RecordSuccess(ctx)
	o.ledger.Commit(ctx, req.TenantID, providerID, resp.Usage.TotalTokens)
	metrics.RecordAttempt(providerID, "success")
	metrics.RecordTokens(providerID, resp.Usage.TotalTokens)

	o.recorder.Record(ctx, history.Record{
		RequestID:    requestID,
		TenantID:     req.TenantID,
		Provider:     providerID,
		Attempts:     attempts,
		PromptTokens: resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Latency:      resp.Duration,
		Streamed:     streamed,
		Status:       "success",
	})

	slog.Info("dispatch complete",
		"tenant_id", req.TenantID,
		"provider", providerID,
		"attempts", attempts,
		"tokens", resp.Usage.TotalTokens,
		"finish_reason", resp.FinishReason,
		"streamed", streamed,
	)
}

func (o *Orchestrator) fail(ctx context.Context, providerID string, err error) {
	// Validation failures reflect the request, not provider health, and
	// do not count toward the breaker.
	var perr *domain.ProviderError
	if !errors.As(err, &perr) || perr.Retryable() {
		o.breakers.Get(providerID).RecordFailure(ctx)
	}
	metrics.RecordAttempt(providerID, "failure")

	slog.Warn("provider attempt failed", "provider", providerID, "error", err)
}

func (o *Orchestrator) exhausted(ctx context.Context, requestID string, req domain.RequestEnvelope, attempts int, lastErr error, start time.Time, streamed bool) error {
	if lastErr == nil {
		lastErr = domain.ErrProviderNotFound
	}

	final := &domain.ExhaustedError{Attempts: attempts, Last: lastErr}
	metrics.RecordDispatch("none", "exhausted", time.Since(start).Seconds())

	o.recorder.Record(ctx, history.Record{
		RequestID: requestID,
		TenantID:  req.TenantID,
		Attempts:  attempts,
		Latency:   time.Since(start),
		Streamed:  streamed,
		Status:    "exhausted",
		Error:     lastErr.Error(),
	})

	slog.Error("all providers exhausted",
		"tenant_id", req.TenantID,
		"attempts", attempts,
		"last_error", lastErr,
	)
	return final
}

func historyFailure(requestID string, req domain.RequestEnvelope, attempts int, latency time.Duration, err error) history.Record {
	return history.Record{
		RequestID: requestID,
		TenantID:  req.TenantID,
		Attempts:  attempts,
		Latency:   latency,
		Streamed:  true,
		Status:    "error",
		Error:     err.Error(),
	}
}

// newRequestID reuses the caller's session id for streamed requests so
// history rows join against session events; synchronous requests get a
// fresh id.
func newRequestID(req domain.RequestEnvelope) string {
	if req.SessionID != "" {
		return req.SessionID
	}
	return uuid.NewString()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
