// Package openaicompat is the shared driver.Driver implementation for every
// provider that speaks the OpenAI chat-completions wire format: OpenAI
// itself, and xAI's Grok models (api.x.ai mirrors the same schema). Each
// concrete provider package only supplies Config and a constructor.
package openaicompat

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

	"go.uber.org/zap"

	"github.com/veilrelay/gateway/driver"
	"github.com/veilrelay/gateway/internal/tlsutil"
	"github.com/veilrelay/gateway/types"
)

// Config configures an OpenAI-compatible driver instance.
type Config struct {
	ProviderName string
	APIKey       string
	Model        string
	BaseURL      string
	Timeout      time.Duration
	EndpointPath string
}

// Provider is the shared implementation that openai and xai return directly
// from their constructors.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New builds a Provider. Each call owns its own *http.Client so concurrent
// Driver instances for the same key never share connection-pool state.
func New(cfg Config, logger *zap.Logger) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout),
		logger: logger,
	}
}

func (p *Provider) Provider() string { return p.cfg.ProviderName }
func (p *Provider) Model() string    { return p.cfg.Model }

func (p *Provider) endpoint() string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + p.cfg.EndpointPath
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	FinishReason string       `json:"finish_reason"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

func toChatMessages(msgs []types.Message) []chatMessage {
	out := make([]chatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = chatMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func readErrorMessage(body io.Reader) string {
	data, _ := io.ReadAll(body)
	return string(data)
}

func mapHTTPError(status int, msg, provider string) *types.Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.NewError(types.ErrUnauthenticated, msg).WithHTTPStatus(status)
	case http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, msg).WithHTTPStatus(status).WithRetryable(true)
	case http.StatusBadRequest:
		return types.NewError(types.ErrInvalidInput, msg).WithHTTPStatus(status)
	default:
		return types.NewError(types.ErrUpstreamFailure, fmt.Sprintf("%s: %s", provider, msg)).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(status >= 500)
	}
}

// Complete performs a non-streaming chat completion.
func (p *Provider) Complete(ctx context.Context, messages []types.Message) (*types.CompletionResult, error) {
	body := chatRequest{Model: p.cfg.Model, Messages: toChatMessages(messages)}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamFailure, err.Error()).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapHTTPError(resp.StatusCode, readErrorMessage(resp.Body), p.cfg.ProviderName)
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, types.NewError(types.ErrUpstreamFailure, err.Error()).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
	}
	if len(decoded.Choices) == 0 {
		return nil, types.NewError(types.ErrUpstreamFailure, "empty completion choices").WithHTTPStatus(http.StatusBadGateway)
	}

	result := &types.CompletionResult{Content: decoded.Choices[0].Message.Content}
	if decoded.Usage != nil {
		result.Usage = types.Usage{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
		}
	}
	return result, nil
}

// Stream performs a streaming chat completion over SSE.
func (p *Provider) Stream(ctx context.Context, messages []types.Message) (<-chan driver.Event, error) {
	body := chatRequest{Model: p.cfg.Model, Messages: toChatMessages(messages), Stream: true}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamFailure, err.Error()).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, mapHTTPError(resp.StatusCode, readErrorMessage(resp.Body), p.cfg.ProviderName)
	}

	return streamSSE(ctx, resp.Body), nil
}

func streamSSE(ctx context.Context, body io.ReadCloser) <-chan driver.Event {
	ch := make(chan driver.Event)
	go func() {
		defer body.Close()
		defer close(ch)
		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					select {
					case <-ctx.Done():
					case ch <- driver.Event{Err: types.NewError(types.ErrUpstreamFailure, err.Error()).WithRetryable(true)}:
					}
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var decoded chatResponse
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				select {
				case <-ctx.Done():
				case ch <- driver.Event{Err: types.NewError(types.ErrUpstreamFailure, err.Error()).WithRetryable(true)}:
				}
				return
			}
			for _, choice := range decoded.Choices {
				chunk := types.Chunk{FinishReason: choice.FinishReason}
				if choice.Delta != nil {
					chunk.Content = choice.Delta.Content
				}
				select {
				case <-ctx.Done():
					return
				case ch <- driver.Event{Chunk: chunk}:
				}
			}
		}
	}()
	return ch
}
