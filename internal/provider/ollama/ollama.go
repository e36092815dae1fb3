// Package ollama implements the provider adapter for a local Ollama
// server. Ollama streams newline-delimited JSON rather than SSE and
// needs no credentials.
package ollama

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

const defaultModel = "llama3"

type Adapter struct {
	*provider.Core
	baseURL string
	model   string
	client  *http.Client
}

func New(desc domain.ProviderDescriptor, baseURL, model string, limiter ratelimit.RateLimiter) *Adapter {
	if model == "" {
		model = defaultModel
	}
	return &Adapter{
		Core:    provider.NewCore(desc, limiter),
		baseURL: baseURL,
		model:   model,
		client:  httputil.DefaultClient(),
	}
}

func (a *Adapter) Initialize(ctx context.Context) error {
	if a.baseURL == "" {
		return fmt.Errorf("ollama: base URL not configured")
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

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return provider.Classify(a.ID(), err)
	}

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

	return envelopeFrom(chatResp), nil
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

	resp, err := a.post(ctx, chatRequestFrom(req, a.model, true))
	if err != nil {
		return usage, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return usage, provider.ClassifyStatus(a.ID(), resp.StatusCode, string(body))
	}

	var content strings.Builder
	tokensSoFar := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var chunk chatResponse
		if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
			continue
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			tokensSoFar++
			select {
			case <-ctx.Done():
				return usage, provider.Classify(a.ID(), ctx.Err())
			default:
			}
			sink.Delta(domain.StreamDelta{
				Content:     chunk.Message.Content,
				TokensSoFar: tokensSoFar,
			})
		}

		if chunk.Done {
			env := envelopeFrom(chunk)
			env.Message.Content = content.String()
			env.Provider = a.ID()
			env.Duration = time.Since(start)
			usage = env.Usage
			sink.Complete(env)
			return usage, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return usage, provider.Classify(a.ID(), fmt.Errorf("scan stream: %w", err))
	}
	return usage, provider.Classify(a.ID(), fmt.Errorf("stream ended without done marker"))
}

func (a *Adapter) post(ctx context.Context, chatReq chatRequest) (*http.Response, error) {
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, provider.Classify(a.ID(), fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, provider.Classify(a.ID(), fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.Classify(a.ID(), err)
	}
	return resp, nil
}

type chatRequest struct {
	Model    string       `json:"model"`
	Messages []apiMessage `json:"messages"`
	Stream   bool         `json:"stream"`
	Options  *options     `json:"options,omitempty"`
}

type options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Message         apiMessage `json:"message"`
	Done            bool       `json:"done"`
	DoneReason      string     `json:"done_reason"`
	PromptEvalCount int        `json:"prompt_eval_count"`
	EvalCount       int        `json:"eval_count"`
}

func chatRequestFrom(req domain.RequestEnvelope, model string, stream bool) chatRequest {
	messages := make([]apiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, apiMessage{Role: string(m.Role), Content: m.Content})
	}

	out := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}
	if req.Temperature != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		out.Options = &options{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
			Stop:        req.Stop,
		}
	}
	return out
}

func envelopeFrom(resp chatResponse) *domain.ResponseEnvelope {
	finish := domain.FinishStop
	if resp.DoneReason == "length" {
		finish = domain.FinishLength
	}
	return &domain.ResponseEnvelope{
		Message: domain.Message{
			Role:    domain.RoleAssistant,
			Content: resp.Message.Content,
		},
		Usage: domain.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
		FinishReason: finish,
	}
}
