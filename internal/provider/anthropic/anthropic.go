// Package anthropic implements the provider adapter for the Anthropic
// messages API.
package anthropic

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

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultModel     = "claude-3-5-haiku-20241022"
)

type Adapter struct {
	*provider.Core
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func New(desc domain.ProviderDescriptor, apiKey, model string, limiter ratelimit.RateLimiter) *Adapter {
	if model == "" {
		model = defaultModel
	}
	return &Adapter{
		Core:    provider.NewCore(desc, limiter),
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   model,
		client:  httputil.DefaultClient(),
	}
}

func (a *Adapter) Initialize(ctx context.Context) error {
	if a.apiKey == "" {
		return fmt.Errorf("anthropic: %w", domain.ErrMissingCredentials)
	}
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	// A one-token message is the cheapest authenticated round-trip the
	// API offers.
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

	resp, err := a.post(ctx, messagesRequestFrom(req, a.model, false), false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, provider.ClassifyStatus(a.ID(), resp.StatusCode, string(body))
	}

	var msgResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return nil, provider.Classify(a.ID(), fmt.Errorf("decode response: %w", err))
	}

	var content strings.Builder
	for _, block := range msgResp.Content {
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
			PromptTokens:     msgResp.Usage.InputTokens,
			CompletionTokens: msgResp.Usage.OutputTokens,
			TotalTokens:      msgResp.Usage.InputTokens + msgResp.Usage.OutputTokens,
		},
		FinishReason: mapStopReason(msgResp.StopReason),
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

	resp, err := a.post(ctx, messagesRequestFrom(req, a.model, true), true)
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

		var event streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.PromptTokens = event.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if event.Delta == nil || event.Delta.Text == "" {
				continue
			}
			content.WriteString(event.Delta.Text)
			tokensSoFar++
			select {
			case <-ctx.Done():
				return usage, provider.Classify(a.ID(), ctx.Err())
			default:
			}
			sink.Delta(domain.StreamDelta{
				Content:     event.Delta.Text,
				TokensSoFar: tokensSoFar,
			})
		case "message_delta":
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}
			if event.Delta != nil && event.Delta.StopReason != "" {
				finish = mapStopReason(event.Delta.StopReason)
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

	if err := scanner.Err(); err != nil {
		return usage, provider.Classify(a.ID(), fmt.Errorf("scan stream: %w", err))
	}
	return usage, provider.Classify(a.ID(), fmt.Errorf("stream ended without message_stop"))
}

func (a *Adapter) post(ctx context.Context, msgReq messagesRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(msgReq)
	if err != nil {
		return nil, provider.Classify(a.ID(), fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, provider.Classify(a.ID(), fmt.Errorf("create request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.Classify(a.ID(), err)
	}
	return resp, nil
}

type messagesRequest struct {
	Model         string       `json:"model"`
	Messages      []apiMessage `json:"messages"`
	MaxTokens     int          `json:"max_tokens"`
	Temperature   *float64     `json:"temperature,omitempty"`
	StopSequences []string     `json:"stop_sequences,omitempty"`
	System        string       `json:"system,omitempty"`
	Stream        bool         `json:"stream,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
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

func messagesRequestFrom(req domain.RequestEnvelope, model string, stream bool) messagesRequest {
	var systemPrompt string
	messages := make([]apiMessage, 0, len(req.Messages))
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

	return messagesRequest{
		Model:         model,
		Messages:      messages,
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		StopSequences: req.Stop,
		System:        systemPrompt,
		Stream:        stream,
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
