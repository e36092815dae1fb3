package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/provider"
)

type collectSink struct {
	deltas    []domain.StreamDelta
	completed *domain.ResponseEnvelope
}

func (s *collectSink) Delta(d domain.StreamDelta)             { s.deltas = append(s.deltas, d) }
func (s *collectSink) Complete(resp *domain.ResponseEnvelope) { s.completed = resp }

func TestDispatchStreamFallsBackBeforeFirstDelta(t *testing.T) {
	p1 := newFakeAdapter("p1", 100, nil)
	p1.stream = func(req domain.RequestEnvelope, sink provider.Sink) error {
		return upstreamErr("p1")
	}
	p2 := newFakeAdapter("p2", 90, succeed("p2", 40))
	o, env := newTestOrchestrator(Config{MaxAttempts: 3}, nil, p1, p2)

	sink := &collectSink{}
	if err := o.DispatchStream(context.Background(), testRequest(), sink); err != nil {
		t.Fatalf("DispatchStream() = %v", err)
	}

	if sink.completed == nil || sink.completed.Provider != "p2" {
		t.Fatalf("completed = %+v, want completion from p2", sink.completed)
	}
	if len(sink.deltas) != 1 {
		t.Errorf("deltas = %d, want 1", len(sink.deltas))
	}

	daily, _, _, _ := env.ledger.Usage("tenant1")
	if daily != 40 {
		t.Errorf("committed usage = %d, want 40", daily)
	}
}

func TestDispatchStreamMidStreamFailureIsTerminal(t *testing.T) {
	streamErr := upstreamErr("p1")
	p1 := newFakeAdapter("p1", 100, nil)
	p1.stream = func(req domain.RequestEnvelope, sink provider.Sink) error {
		sink.Delta(domain.StreamDelta{Content: "partial", TokensSoFar: 1})
		return streamErr
	}
	p2 := newFakeAdapter("p2", 90, succeed("p2", 40))
	o, _ := newTestOrchestrator(Config{MaxAttempts: 3}, nil, p1, p2)

	sink := &collectSink{}
	err := o.DispatchStream(context.Background(), testRequest(), sink)
	if !errors.Is(err, streamErr) {
		t.Fatalf("DispatchStream() = %v, want the mid-stream error", err)
	}
	if p2.calls != 0 {
		t.Error("fallback attempted after partial output was forwarded")
	}
}

func TestDispatchStreamSkipsNonStreamingProviders(t *testing.T) {
	p1 := newFakeAdapter("p1", 100, succeed("p1", 40))
	p1.desc.SupportsStreaming = false
	p2 := newFakeAdapter("p2", 90, succeed("p2", 40))
	o, _ := newTestOrchestrator(Config{MaxAttempts: 3}, nil, p1, p2)

	sink := &collectSink{}
	if err := o.DispatchStream(context.Background(), testRequest(), sink); err != nil {
		t.Fatalf("DispatchStream() = %v", err)
	}
	if p1.calls != 0 {
		t.Error("non-streaming provider received a streaming call")
	}
	if sink.completed == nil || sink.completed.Provider != "p2" {
		t.Errorf("completed = %+v, want p2", sink.completed)
	}
}

func TestDispatchStreamAllNonStreamingExhausts(t *testing.T) {
	p1 := newFakeAdapter("p1", 100, succeed("p1", 40))
	p1.desc.SupportsStreaming = false
	o, _ := newTestOrchestrator(Config{MaxAttempts: 3}, nil, p1)

	err := o.DispatchStream(context.Background(), testRequest(), &collectSink{})

	var xerr *domain.ExhaustedError
	if !errors.As(err, &xerr) {
		t.Fatalf("DispatchStream() = %v, want ExhaustedError", err)
	}
	if !errors.Is(err, domain.ErrStreamingUnsupported) {
		t.Errorf("ExhaustedError should wrap ErrStreamingUnsupported, got %v", err)
	}
}
