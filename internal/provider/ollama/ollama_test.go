package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/provider"
)

func testDescriptor() domain.ProviderDescriptor {
	return domain.ProviderDescriptor{
		ID:                "ollama",
		Name:              "Ollama",
		Enabled:           true,
		Priority:          10,
		SupportsStreaming: true,
	}
}

func testRequest() domain.RequestEnvelope {
	return domain.RequestEnvelope{
		TenantID: "tenant1",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "say hello"}},
	}
}

type collectSink struct {
	deltas    []domain.StreamDelta
	completed *domain.ResponseEnvelope
}

func (s *collectSink) Delta(d domain.StreamDelta)             { s.deltas = append(s.deltas, d) }
func (s *collectSink) Complete(resp *domain.ResponseEnvelope) { s.completed = resp }

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("stream = true on a synchronous call")
		}

		json.NewEncoder(w).Encode(chatResponse{
			Message:         apiMessage{Role: "assistant", Content: "hello there"},
			Done:            true,
			DoneReason:      "stop",
			PromptEvalCount: 9,
			EvalCount:       3,
		})
	}))
	defer srv.Close()

	a := New(testDescriptor(), srv.URL, "", nil)

	resp, err := a.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	if resp.Message.Content != "hello there" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("total tokens = %d, want 12", resp.Usage.TotalTokens)
	}
	if resp.Provider != "ollama" {
		t.Errorf("provider = %q", resp.Provider)
	}
}

func TestGeneratePassesOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Options == nil || req.Options.NumPredict == nil || *req.Options.NumPredict != 64 {
			t.Errorf("options = %+v, want num_predict 64", req.Options)
		}
		json.NewEncoder(w).Encode(chatResponse{Done: true})
	}))
	defer srv.Close()

	a := New(testDescriptor(), srv.URL, "", nil)

	req := testRequest()
	maxTokens := 64
	req.MaxTokens = &maxTokens
	if _, err := a.Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate() = %v", err)
	}
}

func TestGenerateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("stream = false on a streaming call")
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"message":{"role":"assistant","content":"hel"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"role":"assistant","content":"lo"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":9,"eval_count":2}` + "\n"))
	}))
	defer srv.Close()

	a := New(testDescriptor(), srv.URL, "", nil)

	sink := &collectSink{}
	if err := a.GenerateStream(context.Background(), testRequest(), sink); err != nil {
		t.Fatalf("GenerateStream() = %v", err)
	}

	if len(sink.deltas) != 2 {
		t.Fatalf("deltas = %d, want 2", len(sink.deltas))
	}
	if sink.completed == nil {
		t.Fatal("no completion event")
	}
	if sink.completed.Message.Content != "hello" {
		t.Errorf("assembled content = %q, want hello", sink.completed.Message.Content)
	}
	if sink.completed.Usage.TotalTokens != 11 {
		t.Errorf("total tokens = %d, want 11", sink.completed.Usage.TotalTokens)
	}
}

func TestGenerateStreamWithoutDoneMarkerIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","content":"partial"},"done":false}` + "\n"))
	}))
	defer srv.Close()

	a := New(testDescriptor(), srv.URL, "", nil)

	sink := &collectSink{}
	if err := a.GenerateStream(context.Background(), testRequest(), sink); err == nil {
		t.Fatal("GenerateStream() = nil, want error for missing done marker")
	}
	if sink.completed != nil {
		t.Error("completion emitted despite missing done marker")
	}
}

func TestEnvelopeFromMapsLengthFinish(t *testing.T) {
	env := envelopeFrom(chatResponse{Done: true, DoneReason: "length", EvalCount: 5})
	if env.FinishReason != domain.FinishLength {
		t.Errorf("finish reason = %v, want length", env.FinishReason)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	a := New(testDescriptor(), srv.URL, "", nil)
	if !a.HealthCheck(context.Background()) {
		t.Error("HealthCheck() = false against a healthy server")
	}
}

func TestInitializeRequiresBaseURL(t *testing.T) {
	a := New(testDescriptor(), "", "", nil)
	if err := a.Initialize(context.Background()); err == nil {
		t.Error("Initialize() = nil, want error without base URL")
	}

	var _ provider.Adapter = a
}
