package bedrock

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/modelrelay/modelrelay/internal/domain"
)

func TestClassifyAWS(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind domain.ErrorKind
	}{
		{"throttled", &types.ThrottlingException{}, domain.KindRateLimit},
		{"validation", &types.ValidationException{}, domain.KindValidation},
		{"unavailable", &types.ServiceUnavailableException{}, domain.KindUpstream},
		{"generic", errors.New("dial tcp: connection refused"), domain.KindUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyAWS("bedrock", tt.err)
			if got.Kind != tt.kind {
				t.Errorf("kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Provider != "bedrock" {
				t.Errorf("provider = %q", got.Provider)
			}
		})
	}
}

func TestInvokeRequestFrom(t *testing.T) {
	maxTokens := 128
	req := domain.RequestEnvelope{
		TenantID: "tenant1",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "say hello"},
		},
		MaxTokens: &maxTokens,
	}

	got := invokeRequestFrom(req)
	if got.System != "be brief" {
		t.Errorf("system = %q, want the system message hoisted", got.System)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" {
		t.Errorf("messages = %+v, want only the user turn", got.Messages)
	}
	if got.MaxTokens != 128 {
		t.Errorf("max tokens = %d, want 128", got.MaxTokens)
	}
	if got.AnthropicVersion == "" {
		t.Error("anthropic_version missing")
	}
}

func TestInvokeRequestDefaultsMaxTokens(t *testing.T) {
	got := invokeRequestFrom(domain.RequestEnvelope{
		TenantID: "tenant1",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	if got.MaxTokens != domain.DefaultMaxTokens {
		t.Errorf("max tokens = %d, want the default %d", got.MaxTokens, domain.DefaultMaxTokens)
	}
}

func TestMapStopReason(t *testing.T) {
	if got := mapStopReason("max_tokens"); got != domain.FinishLength {
		t.Errorf("mapStopReason(max_tokens) = %v", got)
	}
	if got := mapStopReason("end_turn"); got != domain.FinishStop {
		t.Errorf("mapStopReason(end_turn) = %v", got)
	}
}
