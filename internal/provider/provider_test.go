package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
)

func desc(id string, priority int, enabled bool) domain.ProviderDescriptor {
	return domain.ProviderDescriptor{
		ID:       id,
		Name:     id,
		Enabled:  enabled,
		Priority: priority,
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   domain.ErrorKind
	}{
		{400, domain.KindValidation},
		{422, domain.KindValidation},
		{429, domain.KindRateLimit},
		{402, domain.KindQuota},
		{403, domain.KindQuota},
		{408, domain.KindTimeout},
		{504, domain.KindTimeout},
		{500, domain.KindUpstream},
		{503, domain.KindUpstream},
	}

	for _, tt := range tests {
		got := ClassifyStatus("p1", tt.status, "body")
		if got.Kind != tt.kind {
			t.Errorf("ClassifyStatus(%d).Kind = %v, want %v", tt.status, got.Kind, tt.kind)
		}
		if got.Status != tt.status {
			t.Errorf("ClassifyStatus(%d).Status = %d", tt.status, got.Status)
		}
	}
}

func TestClassifyDeadlineIsTimeout(t *testing.T) {
	got := Classify("p1", context.DeadlineExceeded)
	if got.Kind != domain.KindTimeout {
		t.Errorf("Kind = %v, want timeout", got.Kind)
	}
}

func TestClassifyGenericIsUpstream(t *testing.T) {
	got := Classify("p1", errors.New("connection refused"))
	if got.Kind != domain.KindUpstream {
		t.Errorf("Kind = %v, want upstream", got.Kind)
	}
}

func TestCoreObserveTracksMetrics(t *testing.T) {
	c := NewCore(desc("p1", 1, true), nil)

	c.Observe(100*time.Millisecond, 10, nil)
	c.Observe(300*time.Millisecond, 20, nil)
	c.Observe(200*time.Millisecond, 0, errors.New("boom"))

	m := c.Metrics()
	if m.Requests != 3 || m.Successes != 2 || m.Failures != 1 {
		t.Errorf("counts = %+v", m)
	}
	if m.ConsumedTokens != 30 {
		t.Errorf("tokens = %d, want 30", m.ConsumedTokens)
	}
	if m.AvgLatency != 200*time.Millisecond {
		t.Errorf("avg latency = %v, want 200ms", m.AvgLatency)
	}
	if m.ErrorRate < 0.32 || m.ErrorRate > 0.34 {
		t.Errorf("error rate = %v, want ~1/3", m.ErrorRate)
	}
	if m.LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestAvailabilityFollowsLastFailure(t *testing.T) {
	c := NewCore(desc("p1", 1, true), nil)

	if c.Availability() != StatusAvailable {
		t.Fatalf("initial availability = %v", c.Availability())
	}

	c.Observe(0, 0, &domain.ProviderError{Provider: "p1", Kind: domain.KindRateLimit, Err: errors.New("429")})
	if c.Availability() != StatusRateLimited {
		t.Errorf("after rate limit = %v, want rate-limited", c.Availability())
	}

	c.Observe(0, 0, &domain.ProviderError{Provider: "p1", Kind: domain.KindQuota, Err: errors.New("402")})
	if c.Availability() != StatusQuotaExceeded {
		t.Errorf("after quota = %v, want quota-exceeded", c.Availability())
	}

	// One success restores availability.
	c.Observe(0, 5, nil)
	if c.Availability() != StatusAvailable {
		t.Errorf("after success = %v, want available", c.Availability())
	}
}

func TestCanHandleUnlimitedWhenUnset(t *testing.T) {
	c := NewCore(desc("p1", 1, true), nil)
	if !c.CanHandle(1 << 20) {
		t.Error("CanHandle should be unlimited with no ceiling")
	}
}

type stubAdapter struct {
	*Core
}

func (s *stubAdapter) Initialize(ctx context.Context) error { return nil }
func (s *stubAdapter) HealthCheck(ctx context.Context) bool { return true }
func (s *stubAdapter) Generate(ctx context.Context, req domain.RequestEnvelope) (*domain.ResponseEnvelope, error) {
	return nil, nil
}
func (s *stubAdapter) GenerateStream(ctx context.Context, req domain.RequestEnvelope, sink Sink) error {
	return nil
}

func stub(d domain.ProviderDescriptor) *stubAdapter {
	return &stubAdapter{Core: NewCore(d, nil)}
}

func TestRegistryByPriority(t *testing.T) {
	r := NewRegistry()
	r.Register(stub(desc("low", 10, true)))
	r.Register(stub(desc("high", 100, true)))
	r.Register(stub(desc("mid", 50, true)))
	r.Register(stub(desc("off", 200, false)))

	got := r.ByPriority()
	want := []string{"high", "mid", "low"}
	if len(got) != len(want) {
		t.Fatalf("ByPriority() returned %d adapters, want %d", len(got), len(want))
	}
	for i, a := range got {
		if a.ID() != want[i] {
			t.Errorf("ByPriority()[%d] = %s, want %s", i, a.ID(), want[i])
		}
	}
}

func TestRegistryTieBreaksOnID(t *testing.T) {
	r := NewRegistry()
	r.Register(stub(desc("bravo", 50, true)))
	r.Register(stub(desc("alpha", 50, true)))

	got := r.ByPriority()
	if got[0].ID() != "alpha" || got[1].ID() != "bravo" {
		t.Errorf("tie-break order = %s, %s", got[0].ID(), got[1].ID())
	}
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()
	r.Register(stub(desc("p1", 1, true)))

	if _, ok := r.Get("p1"); !ok {
		t.Error("Get(p1) not found")
	}
	if _, ok := r.Get("nope"); ok {
		t.Error("Get(nope) found")
	}
}
