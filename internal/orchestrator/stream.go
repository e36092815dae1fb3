package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/provider"
)

// trackingSink notes whether any delta has reached the downstream sink
// and captures the completion envelope for quota commit.
type trackingSink struct {
	inner     provider.Sink
	deltaSeen bool
	completed *domain.ResponseEnvelope
}

func (s *trackingSink) Delta(d domain.StreamDelta) {
	s.deltaSeen = true
	s.inner.Delta(d)
}

func (s *trackingSink) Complete(resp *domain.ResponseEnvelope) {
	s.completed = resp
	s.inner.Complete(resp)
}

// DispatchStream walks the candidate chain for a streaming request.
// Fallback to the next candidate applies only while no delta has been
// forwarded; once the consumer has seen output the attempt is terminal
// and the provider's error is returned as-is.
func (o *Orchestrator) DispatchStream(ctx context.Context, req domain.RequestEnvelope, sink provider.Sink) error {
	if err := req.Validate(); err != nil {
		return err
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

		if !adapter.Descriptor().SupportsStreaming {
			lastErr = domain.ErrStreamingUnsupported
			continue
		}

		skip, terminal := o.gate(ctx, adapter, req, tokensNeeded, &lastErr)
		if terminal != nil {
			return terminal
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

		tracked := &trackingSink{inner: sink}
		err := adapter.GenerateStream(ctx, req, tracked)
		if err == nil && tracked.completed != nil {
			o.succeed(ctx, adapter.ID(), requestID, req, tracked.completed, attempts, true)
			metrics.RecordDispatch(adapter.ID(), "success", time.Since(start).Seconds())
			return nil
		}
		if err == nil {
			err = errors.New("stream finished without completion")
		}

		lastErr = err
		o.fail(ctx, adapter.ID(), err)

		var perr *domain.ProviderError
		if errors.As(err, &perr) && !perr.Retryable() {
			metrics.RecordDispatch(adapter.ID(), "validation_error", time.Since(start).Seconds())
			return err
		}

		// Mid-stream failure: the consumer already saw partial output,
		// so switching providers would splice two responses together.
		if tracked.deltaSeen {
			metrics.RecordDispatch(adapter.ID(), "stream_aborted", time.Since(start).Seconds())
			o.recorder.Record(ctx, historyFailure(requestID, req, attempts, time.Since(start), err))
			return err
		}
	}

	return o.exhausted(ctx, requestID, req, attempts, lastErr, start, true)
}
