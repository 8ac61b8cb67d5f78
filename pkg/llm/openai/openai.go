// Package openai implements llm.Provider for OpenAI-compatible chat APIs.
// Gemini and Ollama are reached through their OpenAI-compatible endpoints.
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

	"github.com/openai/openai-go"

	"github.com/entrhq/webpilot/pkg/llm"
	"github.com/entrhq/webpilot/pkg/llm/parser"
	"github.com/entrhq/webpilot/pkg/types"
)

const (
	// DefaultBaseURL is the OpenAI API base URL.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o"
)

// Provider talks to one model of an OpenAI-compatible API.
type Provider struct {
	httpClient   *http.Client
	apiKey       string
	baseURL      string
	model        string
	providerName string
	maxTokens    int
	temperature  *float64
	modelInfo    *types.ModelInfo
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithModel sets the model to use for completions.
func WithModel(model string) ProviderOption {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL points the provider at another OpenAI-compatible API.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// WithProviderName sets the provider group reported in the model info.
func WithProviderName(name string) ProviderOption {
	return func(p *Provider) {
		p.providerName = name
	}
}

// WithMaxTokens records the model's context size in the model info.
func WithMaxTokens(n int) ProviderOption {
	return func(p *Provider) {
		p.maxTokens = n
	}
}

// WithTemperature sets the sampling temperature sent with each request.
func WithTemperature(t float64) ProviderOption {
	return func(p *Provider) {
		p.temperature = &t
	}
}

// NewProvider creates a provider. The API key is required; local servers
// that ignore it accept any placeholder.
func NewProvider(apiKey string, opts ...ProviderOption) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	p := &Provider{
		apiKey:       apiKey,
		httpClient:   &http.Client{},
		baseURL:      DefaultBaseURL,
		model:        DefaultModel,
		providerName: "openai",
		maxTokens:    128000,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.modelInfo = p.newModelInfo()
	return p, nil
}

func (p *Provider) newModelInfo() *types.ModelInfo {
	info := &types.ModelInfo{
		Metadata:          make(map[string]interface{}),
		Provider:          p.providerName,
		Name:              p.model,
		MaxTokens:         p.maxTokens,
		SupportsStreaming: true,
	}
	if p.baseURL != DefaultBaseURL {
		info.Metadata["base_url"] = p.baseURL
	}
	return info
}

// CloneWithModel returns a copy of p that shares its HTTP client and
// credentials but targets model.
func (p *Provider) CloneWithModel(model string) llm.Provider {
	clone := *p
	clone.model = model
	clone.modelInfo = clone.newModelInfo()
	return &clone
}

// StreamCompletion sends messages and streams back response chunks. The SSE
// stream is read directly so that servers emitting comments or slightly
// different framing still work.
func (p *Provider) StreamCompletion(ctx context.Context, messages []*types.Message) (<-chan *llm.StreamChunk, error) {
	resp, err := p.sendStreamRequest(ctx, messages)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *llm.StreamChunk, 10)
	go p.processStreamResponse(ctx, resp, chunks)
	return chunks, nil
}

func (p *Provider) sendStreamRequest(ctx context.Context, messages []*types.Message) (*http.Response, error) {
	reqBody := map[string]interface{}{
		"model":    p.model,
		"messages": convertToOpenAIMessages(messages),
		"stream":   true,
	}
	if p.temperature != nil {
		reqBody["temperature"] = *p.temperature
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %s: %s", llm.ErrRateLimited, p.model, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

type sseChunk struct {
	Choices []struct {
		Delta struct {
			Role             string `json:"role"`
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Provider) processStreamResponse(ctx context.Context, resp *http.Response, chunks chan<- *llm.StreamChunk) {
	defer close(chunks)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	thinkingParser := parser.NewThinkingParser()
	role := ""

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		if data == "[DONE]" {
			p.flush(ctx, thinkingParser, role, chunks)
			p.send(ctx, &llm.StreamChunk{Role: role, Finished: true}, chunks)
			return
		}

		var chunk sseChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			p.send(ctx, &llm.StreamChunk{Error: fmt.Errorf("stream error: %s", chunk.Error.Message)}, chunks)
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if role == "" && delta.Role != "" {
			role = delta.Role
		}
		if delta.ReasoningContent != "" {
			if !p.send(ctx, &llm.StreamChunk{Role: role, Content: delta.ReasoningContent, Type: llm.ContentTypeThinking}, chunks) {
				return
			}
		}
		if delta.Content != "" {
			thinking, message := thinkingParser.Parse(delta.Content)
			if !p.sendParsed(ctx, thinking, message, role, chunks) {
				return
			}
		}
	}

	p.flush(ctx, thinkingParser, role, chunks)
	if err := scanner.Err(); err != nil {
		p.send(ctx, &llm.StreamChunk{Error: fmt.Errorf("stream read error: %w", err)}, chunks)
		return
	}
	p.send(ctx, &llm.StreamChunk{Role: role, Finished: true}, chunks)
}

func (p *Provider) flush(ctx context.Context, thinkingParser *parser.ThinkingParser, role string, chunks chan<- *llm.StreamChunk) {
	thinking, message := thinkingParser.Flush()
	p.sendParsed(ctx, thinking, message, role, chunks)
}

func (p *Provider) sendParsed(ctx context.Context, thinking, message *llm.StreamChunk, role string, chunks chan<- *llm.StreamChunk) bool {
	for _, c := range []*llm.StreamChunk{thinking, message} {
		if c == nil {
			continue
		}
		c.Role = role
		if !p.send(ctx, c, chunks) {
			return false
		}
	}
	return true
}

// send delivers chunk unless ctx is done, in which case the consumer gets
// the context error instead.
func (p *Provider) send(ctx context.Context, chunk *llm.StreamChunk, chunks chan<- *llm.StreamChunk) bool {
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		select {
		case chunks <- &llm.StreamChunk{Error: ctx.Err()}:
		default:
		}
		return false
	}
}

// Complete streams a completion and returns the accumulated answer.
func (p *Provider) Complete(ctx context.Context, messages []*types.Message) (*types.Message, error) {
	stream, err := p.StreamCompletion(ctx, messages)
	if err != nil {
		return nil, err
	}
	return llm.Collect(stream)
}

// GetModelInfo returns information about the model in use.
func (p *Provider) GetModelInfo() *types.ModelInfo {
	return p.modelInfo
}

// GetModel returns the model name.
func (p *Provider) GetModel() string {
	return p.model
}

// GetBaseURL returns the API base URL.
func (p *Provider) GetBaseURL() string {
	return p.baseURL
}

// convertToOpenAIMessages converts messages to the request parameter union.
func convertToOpenAIMessages(messages []*types.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case types.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case types.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}
