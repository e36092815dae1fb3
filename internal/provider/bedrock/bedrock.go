// Package bedrock implements the provider adapter for AWS Bedrock,
// using the Anthropic message body format over the InvokeModel APIs.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
)

const defaultModelID = "anthropic.claude-3-5-haiku-20241022-v1:0"

type Adapter struct {
	*provider.Core
	client  *bedrockruntime.Client
	region  string
	modelID string
}

func New(ctx context.Context, desc domain.ProviderDescriptor, region, modelID string, limiter ratelimit.RateLimiter) (*Adapter, error) {
	if region == "" {
		return nil, fmt.Errorf("bedrock: %w", domain.ErrMissingCredentials)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	if modelID == "" {
		modelID = defaultModelID
	}

	return &Adapter{
		Core:    provider.NewCore(desc, limiter),
		client:  bedrockruntime.NewFromConfig(cfg),
		region:  region,
		modelID: modelID,
	}, nil
}

// NewWithConfig builds the adapter from an existing AWS config, which
// lets tests and multi-client setups share credentials.
func NewWithConfig(cfg aws.Config, desc domain.ProviderDescriptor, modelID string, limiter ratelimit.RateLimiter) *Adapter {
	if modelID == "" {
		modelID = defaultModelID
	}
	return &Adapter{
		Core:    provider.NewCore(desc, limiter),
		client:  bedrockruntime.NewFromConfig(cfg),
		region:  cfg.Region,
		modelID: modelID,
	}
}

func (a *Adapter) Initialize(ctx context.Context) error {
	if a.region == "" {
		return fmt.Errorf("bedrock: %w", domain.ErrMissingCredentials)
	}
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	probe := domain.RequestEnvelope{
		TenantID:  "health",
		Messages:  []domain.Message{{Role: domain.RoleUser, Content: "ping"}},
		MaxTokens: intPtr(1),
	}

	start := time.Now()
	_, err := a.generate(ctx, probe)
	a.Observe(time.Since(start), 0, err)
	return err == nil
}

func (a *Adapter) Generate(ctx context.Context, req domain.RequestEnvelope) (*domain.ResponseEnvelope, error) {
	if err := a.AllowRequest(ctx); err != nil {
		a.Observe(0, 0, err)
		return nil, err
	}

	start := time.Now()
	env, err := a.generate(ctx, req)
	latency := time.Since(start)

	tokens := 0
	if env != nil {
		tokens = env.Usage.TotalTokens
		env.Provider = a.ID()
		env.Duration = latency
	}
	a.Observe(latency, tokens, err)

	return env, err
}

func (a *Adapter) generate(ctx context.Context, req domain.RequestEnvelope) (*domain.ResponseEnvelope, error) {
	ctx, cancel := a.CallTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(invokeRequestFrom(req))
	if err != nil {
		return nil, provider.Classify(a.ID(), fmt.Errorf("marshal request: %w", err))
	}

	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(a.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classifyAWS(a.ID(), err)
	}

	var resp invokeResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, provider.Classify(a.ID(), fmt.Errorf("unmarshal response: %w", err))
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &domain.ResponseEnvelope{
		Message: domain.Message{
			Role:    domain.RoleAssistant,
			Content: content.String(),
		},
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: mapStopReason(resp.StopReason),
	}, nil
}

func (a *Adapter) GenerateStream(ctx context.Context, req domain.RequestEnvelope, sink provider.Sink) error {
	if err := a.AllowRequest(ctx); err != nil {
		a.Observe(0, 0, err)
		return err
	}

	start := time.Now()
	usage, err := a.generateStream(ctx, req, sink, start)
	a.Observe(time.Since(start), usage.TotalTokens, err)

	return err
}

func (a *Adapter) generateStream(ctx context.Context, req domain.RequestEnvelope, sink provider.Sink, start time.Time) (domain.Usage, error) {
	ctx, cancel := a.CallTimeout(ctx)
	defer cancel()

	var usage domain.Usage

	body, err := json.Marshal(invokeRequestFrom(req))
	if err != nil {
		return usage, provider.Classify(a.ID(), fmt.Errorf("marshal request: %w", err))
	}

	output, err := a.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(a.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return usage, classifyAWS(a.ID(), err)
	}

	stream := output.GetStream()
	defer stream.Close()

	var content strings.Builder
	finish := domain.FinishStop
	tokensSoFar := 0

	for event := range stream.Events() {
		chunk, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal(chunk.Value.Bytes, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				usage.PromptTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if ev.Delta == nil || ev.Delta.Text == "" {
				continue
			}
			content.WriteString(ev.Delta.Text)
			tokensSoFar++
			select {
			case <-ctx.Done():
				return usage, provider.Classify(a.ID(), ctx.Err())
			default:
			}
			sink.Delta(domain.StreamDelta{
				Content:     ev.Delta.Text,
				TokensSoFar: tokensSoFar,
			})
		case "message_delta":
			if ev.Usage != nil {
				usage.CompletionTokens = ev.Usage.OutputTokens
			}
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				finish = mapStopReason(ev.Delta.StopReason)
			}
		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			sink.Complete(&domain.ResponseEnvelope{
				Message: domain.Message{
					Role:    domain.RoleAssistant,
					Content: content.String(),
				},
				Usage:        usage,
				FinishReason: finish,
				Provider:     a.ID(),
				Duration:     time.Since(start),
			})
			return usage, nil
		}
	}

	if err := stream.Err(); err != nil {
		return usage, classifyAWS(a.ID(), err)
	}
	return usage, provider.Classify(a.ID(), fmt.Errorf("stream ended without message_stop"))
}

func classifyAWS(providerID string, err error) *domain.ProviderError {
	var throttled *types.ThrottlingException
	if errors.As(err, &throttled) {
		return &domain.ProviderError{Provider: providerID, Kind: domain.KindRateLimit, Err: err}
	}
	var validation *types.ValidationException
	if errors.As(err, &validation) {
		return &domain.ProviderError{Provider: providerID, Kind: domain.KindValidation, Err: err}
	}
	var unavailable *types.ServiceUnavailableException
	if errors.As(err, &unavailable) {
		return &domain.ProviderError{Provider: providerID, Kind: domain.KindUpstream, Status: 503, Err: err}
	}
	return provider.Classify(providerID, err)
}

type invokeRequest struct {
	AnthropicVersion string       `json:"anthropic_version"`
	MaxTokens        int          `json:"max_tokens"`
	Messages         []apiMessage `json:"messages"`
	Temperature      *float64     `json:"temperature,omitempty"`
	StopSequences    []string     `json:"stop_sequences,omitempty"`
	System           string       `json:"system,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type invokeResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      apiUsage       `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type    string        `json:"type"`
	Message *messageStart `json:"message,omitempty"`
	Delta   *streamDelta  `json:"delta,omitempty"`
	Usage   *apiUsage     `json:"usage,omitempty"`
}

type messageStart struct {
	Usage apiUsage `json:"usage"`
}

type streamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}

func invokeRequestFrom(req domain.RequestEnvelope) invokeRequest {
	var systemPrompt string
	var messages []apiMessage
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			systemPrompt = m.Content
			continue
		}
		messages = append(messages, apiMessage{Role: string(m.Role), Content: m.Content})
	}

	maxTokens := domain.DefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return invokeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         messages,
		Temperature:      req.Temperature,
		StopSequences:    req.Stop,
		System:           systemPrompt,
	}
}

func mapStopReason(reason string) domain.FinishReason {
	switch reason {
	case "max_tokens":
		return domain.FinishLength
	case "tool_use":
		return domain.FinishFunctionCall
	default:
		return domain.FinishStop
	}
}

func intPtr(v int) *int { return &v }
