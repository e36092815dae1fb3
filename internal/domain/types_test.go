package domain

import (
	"errors"
	"testing"
)

func validRequest() RequestEnvelope {
	return RequestEnvelope{
		TenantID: "tenant1",
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	}
}

func TestValidate(t *testing.T) {
	temp := func(v float64) *float64 { return &v }
	tokens := func(v int) *int { return &v }

	tests := []struct {
		name    string
		mutate  func(*RequestEnvelope)
		wantErr string
	}{
		{"valid", func(r *RequestEnvelope) {}, ""},
		{"missing tenant", func(r *RequestEnvelope) { r.TenantID = "" }, "tenant_id"},
		{"empty messages", func(r *RequestEnvelope) { r.Messages = nil }, "messages"},
		{"unknown role", func(r *RequestEnvelope) {
			r.Messages = []Message{{Role: "robot", Content: "hi"}}
		}, "messages"},
		{"temperature too high", func(r *RequestEnvelope) { r.Temperature = temp(2.5) }, "temperature"},
		{"temperature negative", func(r *RequestEnvelope) { r.Temperature = temp(-0.1) }, "temperature"},
		{"zero max tokens", func(r *RequestEnvelope) { r.MaxTokens = tokens(0) }, "max_tokens"},
		{"temperature at bounds", func(r *RequestEnvelope) { r.Temperature = temp(2.0) }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)

			err := req.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want ValidationError", err)
			}
			if verr.Field != tt.wantErr {
				t.Errorf("field = %s, want %s", verr.Field, tt.wantErr)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	req := RequestEnvelope{
		TenantID: "tenant1",
		Messages: []Message{
			{Role: RoleUser, Content: "aaaaaaaa"}, // 8 chars -> 2 tokens
		},
	}

	if got := req.EstimateTokens(); got != 2+DefaultMaxTokens {
		t.Errorf("EstimateTokens() = %d, want %d", got, 2+DefaultMaxTokens)
	}

	maxTokens := 50
	req.MaxTokens = &maxTokens
	if got := req.EstimateTokens(); got != 52 {
		t.Errorf("EstimateTokens() with ceiling = %d, want 52", got)
	}
}
