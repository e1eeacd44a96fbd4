// Package anthropic implements driver.Driver for Anthropic's Claude models.
// Claude's wire format differs from OpenAI's in three ways that matter here:
// authentication uses an x-api-key header rather than a bearer token, the
// system message is carried in a dedicated top-level field instead of the
// messages array, and streaming uses named SSE events rather than a flat
// delta-per-line format.
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

	"go.uber.org/zap"

	"github.com/veilrelay/gateway/driver"
	"github.com/veilrelay/gateway/internal/tlsutil"
	"github.com/veilrelay/gateway/types"
)

const (
	baseURL          = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

// Config configures an Anthropic driver instance.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Provider implements driver.Driver for Claude.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New builds a driver.Constructor for Anthropic.
func New(logger *zap.Logger) driver.Constructor {
	return func(model, secret string) driver.Driver {
		if logger == nil {
			logger = zap.NewNop()
		}
		return &Provider{
			cfg:    Config{APIKey: secret, Model: model, BaseURL: baseURL, Timeout: 60 * time.Second},
			client: tlsutil.SecureHTTPClient(60 * time.Second),
			logger: logger,
		}
	}
}

func (p *Provider) Provider() string { return "anthropic" }
func (p *Provider) Model() string    { return p.cfg.Model }

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type request struct {
	Model     string    `json:"model"`
	Messages  []message `json:"messages"`
	System    string    `json:"system,omitempty"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type response struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      *usage         `json:"usage,omitempty"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *usage `json:"usage,omitempty"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func toAnthropicMessages(msgs []types.Message) (string, []message) {
	var system string
	out := make([]message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			system = m.Content
			continue
		}
		out = append(out, message{Role: string(m.Role), Content: []contentBlock{{Type: "text", Text: m.Content}}})
	}
	return system, out
}

func (p *Provider) buildRequest(messages []types.Message, stream bool) request {
	system, converted := toAnthropicMessages(messages)
	return request{
		Model:     p.cfg.Model,
		Messages:  converted,
		System:    system,
		MaxTokens: defaultMaxTokens,
		Stream:    stream,
	}
}

func (p *Provider) newHTTPRequest(ctx context.Context, body request) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func readErrorMessage(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var parsed errorResponse
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Error.Message != "" {
		return fmt.Sprintf("%s (%s)", parsed.Error.Message, parsed.Error.Type)
	}
	return string(data)
}

func mapError(status int, msg string) *types.Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.NewError(types.ErrUnauthenticated, msg)
	case http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, msg).WithRetryable(true)
	case http.StatusBadRequest:
		return types.NewError(types.ErrInvalidInput, msg)
	case 529:
		return types.NewError(types.ErrUpstreamFailure, msg).WithHTTPStatus(http.StatusServiceUnavailable).WithRetryable(true)
	default:
		return types.NewError(types.ErrUpstreamFailure, fmt.Sprintf("anthropic: %s", msg)).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(status >= 500)
	}
}

// Complete performs a non-streaming chat completion.
func (p *Provider) Complete(ctx context.Context, messages []types.Message) (*types.CompletionResult, error) {
	httpReq, err := p.newHTTPRequest(ctx, p.buildRequest(messages, false))
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamFailure, err.Error()).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapError(resp.StatusCode, readErrorMessage(resp.Body))
	}

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, types.NewError(types.ErrUpstreamFailure, err.Error()).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
	}

	var text strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	result := &types.CompletionResult{Content: text.String()}
	if decoded.Usage != nil {
		result.Usage = types.Usage{
			PromptTokens:     decoded.Usage.InputTokens,
			CompletionTokens: decoded.Usage.OutputTokens,
			TotalTokens:      decoded.Usage.InputTokens + decoded.Usage.OutputTokens,
		}
	}
	return result, nil
}

// Stream performs a streaming chat completion.
func (p *Provider) Stream(ctx context.Context, messages []types.Message) (<-chan driver.Event, error) {
	httpReq, err := p.newHTTPRequest(ctx, p.buildRequest(messages, true))
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamFailure, err.Error()).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, mapError(resp.StatusCode, readErrorMessage(resp.Body))
	}

	ch := make(chan driver.Event)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		reader := bufio.NewReader(resp.Body)
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

			var event streamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}
			switch event.Type {
			case "content_block_delta":
				if event.Delta != nil && event.Delta.Type == "text_delta" {
					select {
					case <-ctx.Done():
						return
					case ch <- driver.Event{Chunk: types.Chunk{Content: event.Delta.Text}}:
					}
				}
			case "message_delta":
				if event.Delta != nil && event.Delta.StopReason != "" {
					select {
					case <-ctx.Done():
						return
					case ch <- driver.Event{Chunk: types.Chunk{FinishReason: event.Delta.StopReason}}:
					}
				}
			case "message_stop":
				return
			}
		}
	}()
	return ch, nil
}
