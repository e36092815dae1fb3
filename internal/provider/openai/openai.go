// Package openai implements the provider adapter for the OpenAI chat
// completions API and compatible endpoints.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/httputil"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
)

const defaultModel = "gpt-4o-mini"

type Adapter struct {
	*provider.Core
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func New(desc domain.ProviderDescriptor, apiKey, baseURL, model string, limiter ratelimit.RateLimiter) *Adapter {
	if model == "" {
		model = defaultModel
	}
	return &Adapter{
		Core:    provider.NewCore(desc, limiter),
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		client:  httputil.DefaultClient(),
	}
}

func (a *Adapter) Initialize(ctx context.Context) error {
	if a.apiKey == "" {
		return fmt.Errorf("openai: %w", domain.ErrMissingCredentials)
	}
	if a.baseURL == "" {
		return fmt.Errorf("openai: base URL not configured")
	}
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	start := time.Now()
	err := a.ping(ctx)
	a.Observe(time.Since(start), 0, err)
	return err == nil
}

func (a *Adapter) ping(ctx context.Context) error {
	ctx, cancel := a.CallTimeout(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", http.NoBody)
	if err != nil {
		return provider.Classify(a.ID(), err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return provider.Classify(a.ID(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return provider.ClassifyStatus(a.ID(), resp.StatusCode, string(body))
	}
	return nil
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

	resp, err := a.post(ctx, chatRequestFrom(req, a.model, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, provider.ClassifyStatus(a.ID(), resp.StatusCode, string(body))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, provider.Classify(a.ID(), fmt.Errorf("decode response: %w", err))
	}
	if len(chatResp.Choices) == 0 {
		return nil, provider.Classify(a.ID(), fmt.Errorf("response has no choices"))
	}

	choice := chatResp.Choices[0]
	return &domain.ResponseEnvelope{
		Message: domain.Message{
			Role:    domain.RoleAssistant,
			Content: choice.Message.Content,
		},
		Usage: domain.Usage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:      chatResp.Usage.TotalTokens,
		},
		FinishReason: mapFinishReason(choice.FinishReason),
	}, nil
}

func (a *Adapter) GenerateStream(ctx context.Context, req domain.RequestEnvelope, sink provider.Sink) error {
	if err := a.AllowRequest(ctx); err != nil {
		a.Observe(0, 0, err)
		return err
	}

	start := time.Now()
	usage, err := a.generateStream(ctx, req, sink, start)
	latency := time.Since(start)
	a.Observe(latency, usage.TotalTokens, err)

	return err
}

func (a *Adapter) generateStream(ctx context.Context, req domain.RequestEnvelope, sink provider.Sink, start time.Time) (domain.Usage, error) {
	ctx, cancel := a.CallTimeout(ctx)
	defer cancel()

	var usage domain.Usage

	chatReq := chatRequestFrom(req, a.model, true)
	resp, err := a.post(ctx, chatReq)
	if err != nil {
		return usage, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return usage, provider.ClassifyStatus(a.ID(), resp.StatusCode, string(body))
	}

	var content strings.Builder
	finish := domain.FinishStop
	tokensSoFar := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Usage != nil {
			usage = domain.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = mapFinishReason(choice.FinishReason)
		}
		if choice.Delta == nil || choice.Delta.Content == "" {
			continue
		}

		content.WriteString(choice.Delta.Content)
		tokensSoFar += approxTokens(choice.Delta.Content)
		select {
		case <-ctx.Done():
			return usage, provider.Classify(a.ID(), ctx.Err())
		default:
		}
		sink.Delta(domain.StreamDelta{
			Content:     choice.Delta.Content,
			TokensSoFar: tokensSoFar,
		})
	}

	if err := scanner.Err(); err != nil {
		return usage, provider.Classify(a.ID(), fmt.Errorf("scan stream: %w", err))
	}

	if usage.TotalTokens == 0 {
		// The upstream omitted usage; fall back to the estimate.
		usage = domain.Usage{
			PromptTokens:     req.EstimateTokens() - domain.DefaultMaxTokens,
			CompletionTokens: tokensSoFar,
		}
		if usage.PromptTokens < 0 {
			usage.PromptTokens = 0
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

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

func (a *Adapter) post(ctx context.Context, chatReq chatRequest) (*http.Response, error) {
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, provider.Classify(a.ID(), fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, provider.Classify(a.ID(), fmt.Errorf("create request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	if chatReq.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.Classify(a.ID(), err)
	}
	return resp, nil
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []choice  `json:"choices"`
	Usage   usageInfo `json:"usage"`
}

type choice struct {
	Message      chatMessage `json:"message"`
	Delta        *chatDelta  `json:"delta,omitempty"`
	FinishReason string      `json:"finish_reason"`
}

type chatDelta struct {
	Content string `json:"content"`
}

type usageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamChunk struct {
	Choices []choice   `json:"choices"`
	Usage   *usageInfo `json:"usage,omitempty"`
}

func chatRequestFrom(req domain.RequestEnvelope, model string, stream bool) chatRequest {
	messages := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	out := chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return out
}

func mapFinishReason(reason string) domain.FinishReason {
	switch reason {
	case "length":
		return domain.FinishLength
	case "content_filter":
		return domain.FinishContentFilter
	case "function_call", "tool_calls":
		return domain.FinishFunctionCall
	default:
		return domain.FinishStop
	}
}

func approxTokens(s string) int {
	n := len(s) / 4
	if n == 0 {
		return 1
	}
	return n
}
