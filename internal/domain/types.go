package domain

import (
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// RequestEnvelope is a single chat-style generation request as accepted
// by the dispatch engine. TenantID comes from the identity boundary and
// is trusted here.
type RequestEnvelope struct {
	TenantID          string    `json:"tenant_id"`
	Messages          []Message `json:"messages"`
	MaxTokens         *int      `json:"max_tokens,omitempty"`
	Temperature       *float64  `json:"temperature,omitempty"`
	Stop              []string  `json:"stop,omitempty"`
	PreferredProvider string    `json:"preferred_provider,omitempty"`
	SessionID         string    `json:"session_id,omitempty"`
}

const (
	TemperatureMin   = 0.0
	TemperatureMax   = 2.0
	DefaultMaxTokens = 1024

	promptCharsPerToken = 4
)

// Validate rejects malformed requests before any provider is contacted.
func (r *RequestEnvelope) Validate() error {
	if r.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Reason: "missing tenant id"}
	}
	if len(r.Messages) == 0 {
		return &ValidationError{Field: "messages", Reason: "message sequence is empty"}
	}
	for _, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return &ValidationError{Field: "messages", Reason: "unknown role " + string(m.Role)}
		}
	}
	if r.Temperature != nil && (*r.Temperature < TemperatureMin || *r.Temperature > TemperatureMax) {
		return &ValidationError{Field: "temperature", Reason: "temperature out of range"}
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return &ValidationError{Field: "max_tokens", Reason: "max_tokens must be positive"}
	}
	return nil
}

// EstimateTokens returns a conservative pre-dispatch token estimate:
// prompt characters at ~4 per token plus the completion ceiling. Quota
// authorization uses this estimate; commit uses provider-reported usage.
func (r *RequestEnvelope) EstimateTokens() int {
	chars := 0
	for _, m := range r.Messages {
		chars += len(m.Content)
	}
	maxTokens := DefaultMaxTokens
	if r.MaxTokens != nil {
		maxTokens = *r.MaxTokens
	}
	return chars/promptCharsPerToken + maxTokens
}

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content-filter"
	FinishFunctionCall  FinishReason = "function-call"
)

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResponseEnvelope is the result of one successful dispatch.
type ResponseEnvelope struct {
	Message      Message       `json:"message"`
	Usage        Usage         `json:"usage"`
	FinishReason FinishReason  `json:"finish_reason"`
	Provider     string        `json:"provider"`
	Duration     time.Duration `json:"duration_ms"`
}

// StreamDelta is one incremental piece of streamed output.
type StreamDelta struct {
	Content     string `json:"content"`
	TokensSoFar int    `json:"tokens_so_far"`
}

// ProviderDescriptor is the static capability and limit record for one
// vendor integration. Immutable after construction.
type ProviderDescriptor struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Enabled             bool          `json:"enabled"`
	Priority            int           `json:"priority"`
	MaxTokensPerRequest int           `json:"max_tokens_per_request"`
	RequestsPerMinute   int           `json:"requests_per_minute"`
	DailyTokenLimit     int64         `json:"daily_token_limit"`
	MonthlyTokenLimit   int64         `json:"monthly_token_limit"`
	RequestTimeout      time.Duration `json:"request_timeout"`
	SupportsStreaming   bool          `json:"supports_streaming"`
	SupportsFunctions   bool          `json:"supports_functions"`
	SupportsEmbeddings  bool          `json:"supports_embeddings"`
}

// PlanTier selects the default quota set for a tenant.
type PlanTier string

const (
	TierFree       PlanTier = "free"
	TierPro        PlanTier = "pro"
	TierEnterprise PlanTier = "enterprise"
)

// TierQuota holds per-tenant ceilings for a plan tier.
type TierQuota struct {
	DailyTokens   int64
	MonthlyTokens int64
	DailyRequests int64
}
