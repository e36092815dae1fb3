package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/modelrelay/modelrelay/internal/circuitbreaker"
	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/history"
	"github.com/modelrelay/modelrelay/internal/orchestrator"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/quota"
	"github.com/modelrelay/modelrelay/internal/stream"
)

type fakeAdapter struct {
	*provider.Core
}

func (a *fakeAdapter) Initialize(ctx context.Context) error { return nil }
func (a *fakeAdapter) HealthCheck(ctx context.Context) bool { return true }

func (a *fakeAdapter) Generate(ctx context.Context, req domain.RequestEnvelope) (*domain.ResponseEnvelope, error) {
	return &domain.ResponseEnvelope{
		Message:      domain.Message{Role: domain.RoleAssistant, Content: "hello"},
		Usage:        domain.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
		FinishReason: domain.FinishStop,
		Provider:     a.ID(),
	}, nil
}

func (a *fakeAdapter) GenerateStream(ctx context.Context, req domain.RequestEnvelope, sink provider.Sink) error {
	sink.Delta(domain.StreamDelta{Content: "hel", TokensSoFar: 1})
	sink.Delta(domain.StreamDelta{Content: "lo", TokensSoFar: 2})
	sink.Complete(&domain.ResponseEnvelope{
		Message:      domain.Message{Role: domain.RoleAssistant, Content: "hello"},
		Usage:        domain.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
		FinishReason: domain.FinishStop,
		Provider:     a.ID(),
	})
	return nil
}

func newTestHandler(t *testing.T, tenantLimits quota.Limits) *Handler {
	t.Helper()

	adapter := &fakeAdapter{Core: provider.NewCore(domain.ProviderDescriptor{
		ID:                "fake",
		Name:              "Fake",
		Enabled:           true,
		Priority:          100,
		SupportsStreaming: true,
	}, nil)}

	registry := provider.NewRegistry()
	registry.Register(adapter)

	ledger := quota.NewLedger(quota.WithTenantLimits(func(string) quota.Limits {
		return tenantLimits
	}))
	ledger.RegisterProvider("fake", quota.Limits{})

	alerter := quota.NewAlerter(quota.DefaultAlerterConfig())
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig())
	recorder := history.NewRecorder(history.NewInMemoryStore())

	o := orchestrator.New(registry, ledger, breakers, recorder, orchestrator.DefaultConfig())
	streams := stream.NewManager(o, stream.DefaultConfig())

	return NewHandler(HandlerConfig{
		Orchestrator: o,
		Streams:      streams,
		Registry:     registry,
		Ledger:       ledger,
		Alerter:      alerter,
		Breakers:     breakers,
	})
}

func generateBody(t *testing.T, streaming bool) *strings.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": "say hello"}},
		"stream":   streaming,
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return strings.NewReader(string(body))
}

func TestGenerateRequiresTenantHeader(t *testing.T) {
	h := newTestHandler(t, quota.Limits{})

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", generateBody(t, false))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestGenerateRejectsMalformedBody(t *testing.T) {
	h := newTestHandler(t, quota.Limits{})

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", strings.NewReader("{not json"))
	req.Header.Set("X-Tenant-ID", "tenant1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGenerateRejectsInvalidRequest(t *testing.T) {
	h := newTestHandler(t, quota.Limits{})

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", strings.NewReader(`{"messages":[]}`))
	req.Header.Set("X-Tenant-ID", "tenant1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGenerateSuccess(t *testing.T) {
	h := newTestHandler(t, quota.Limits{})

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", generateBody(t, false))
	req.Header.Set("X-Tenant-ID", "tenant1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp domain.ResponseEnvelope
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Message.Content != "hello" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.Provider != "fake" {
		t.Errorf("provider = %q", resp.Provider)
	}
}

func TestGenerateQuotaDenied(t *testing.T) {
	// Ceiling far below the pre-dispatch estimate so authorization fails.
	h := newTestHandler(t, quota.Limits{DailyTokens: 1})

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", generateBody(t, false))
	req.Header.Set("X-Tenant-ID", "tenant1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}

	var resp struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error.Type != "quota_exceeded" {
		t.Errorf("error type = %q", resp.Error.Type)
	}
	if resp.Error.Reason == "" {
		t.Error("denial reason missing")
	}
}

func TestGenerateStreamEmitsSSE(t *testing.T) {
	h := newTestHandler(t, quota.Limits{})

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", generateBody(t, true))
	req.Header.Set("X-Tenant-ID", "tenant1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
	if w.Header().Get("X-Session-ID") == "" {
		t.Error("X-Session-ID header missing")
	}

	body := w.Body.String()
	for _, event := range []string{"event: start", "event: chunk", "event: complete"} {
		if !strings.Contains(body, event) {
			t.Errorf("body missing %q:\n%s", event, body)
		}
	}
}

func TestStreamStopUnknownSession(t *testing.T) {
	h := newTestHandler(t, quota.Limits{})

	req := httptest.NewRequest(http.MethodPost, "/v1/streams/no-such-session/stop", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "stopped" {
		t.Errorf("status = %q, want stopped", resp["status"])
	}
}

func TestListProviders(t *testing.T) {
	h := newTestHandler(t, quota.Limits{})

	req := httptest.NewRequest(http.MethodGet, "/v1/providers", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Providers []providerStatus `json:"providers"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Providers) != 1 || resp.Providers[0].ID != "fake" {
		t.Errorf("providers = %+v", resp.Providers)
	}
	if resp.Providers[0].Breaker != "closed" {
		t.Errorf("breaker = %q, want closed", resp.Providers[0].Breaker)
	}
}

func TestUsageEndpoint(t *testing.T) {
	h := newTestHandler(t, quota.Limits{DailyTokens: 10_000})

	// Consume some quota first.
	gen := httptest.NewRequest(http.MethodPost, "/v1/generate", generateBody(t, false))
	gen.Header.Set("X-Tenant-ID", "tenant1")
	h.ServeHTTP(httptest.NewRecorder(), gen)

	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("X-Tenant-ID", "tenant1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		DailyTokens   int64 `json:"daily_tokens"`
		DailyRequests int64 `json:"daily_requests"`
		Limits        struct {
			DailyTokens int64 `json:"daily_tokens"`
		} `json:"limits"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.DailyTokens != 8 {
		t.Errorf("daily tokens = %d, want the committed 8", resp.DailyTokens)
	}
	if resp.DailyRequests != 1 {
		t.Errorf("daily requests = %d, want 1", resp.DailyRequests)
	}
	if resp.Limits.DailyTokens != 10_000 {
		t.Errorf("limit = %d, want 10000", resp.Limits.DailyTokens)
	}
}

func TestUsageRequiresTenantHeader(t *testing.T) {
	h := newTestHandler(t, quota.Limits{})

	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHealthLive(t *testing.T) {
	h := newTestHandler(t, quota.Limits{})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
