// Package gemini implements driver.Driver for Google Gemini models.
// Gemini authenticates via an x-goog-api-key header, names its assistant
// role "model" instead of "assistant", carries the system message in a
// dedicated systemInstruction field, and streams newline-delimited JSON
// objects rather than SSE "data:" lines.
package gemini

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

const baseURL = "https://generativelanguage.googleapis.com"

// Provider implements driver.Driver for Gemini.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// New builds a driver.Constructor for Gemini.
func New(logger *zap.Logger) driver.Constructor {
	return func(model, secret string) driver.Driver {
		if logger == nil {
			logger = zap.NewNop()
		}
		return &Provider{
			apiKey:  secret,
			model:   model,
			baseURL: baseURL,
			client:  tlsutil.SecureHTTPClient(60 * time.Second),
			logger:  logger,
		}
	}
}

func (p *Provider) Provider() string { return "gemini" }
func (p *Provider) Model() string    { return p.model }

type part struct {
	Text string `json:"text,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type request struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
	Index        int     `json:"index"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type response struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func toGeminiContents(msgs []types.Message) (*content, []content) {
	var system *content
	out := make([]content, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			system = &content{Parts: []part{{Text: m.Content}}}
			continue
		}
		role := string(m.Role)
		if m.Role == types.RoleAssistant {
			role = "model"
		}
		out = append(out, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	return system, out
}

func (p *Provider) buildRequest(messages []types.Message) request {
	system, contents := toGeminiContents(messages)
	return request{Contents: contents, SystemInstruction: system}
}

func readErrorMessage(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var parsed errorResponse
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Error.Message != "" {
		return fmt.Sprintf("%s (%s)", parsed.Error.Message, parsed.Error.Status)
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
	default:
		return types.NewError(types.ErrUpstreamFailure, fmt.Sprintf("gemini: %s", msg)).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(status >= 500)
	}
}

// Complete performs a non-streaming chat completion.
func (p *Provider) Complete(ctx context.Context, messages []types.Message) (*types.CompletionResult, error) {
	payload, err := json.Marshal(p.buildRequest(messages))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", strings.TrimRight(p.baseURL, "/"), p.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

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
	if len(decoded.Candidates) == 0 {
		return nil, types.NewError(types.ErrUpstreamFailure, "empty completion candidates").WithHTTPStatus(http.StatusBadGateway)
	}

	var text strings.Builder
	for _, p := range decoded.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}

	result := &types.CompletionResult{Content: text.String()}
	if decoded.UsageMetadata != nil {
		result.Usage = types.Usage{
			PromptTokens:     decoded.UsageMetadata.PromptTokenCount,
			CompletionTokens: decoded.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      decoded.UsageMetadata.TotalTokenCount,
		}
	}
	return result, nil
}

// Stream performs a streaming chat completion, one JSON object per line.
func (p *Provider) Stream(ctx context.Context, messages []types.Message) (<-chan driver.Event, error) {
	payload, err := json.Marshal(p.buildRequest(messages))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent", strings.TrimRight(p.baseURL, "/"), p.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

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
			line = strings.TrimSpace(strings.Trim(line, ","))
			if line == "" || line == "[" || line == "]" {
				continue
			}

			var decoded response
			if err := json.Unmarshal([]byte(line), &decoded); err != nil {
				continue
			}
			for _, c := range decoded.Candidates {
				var text strings.Builder
				for _, p := range c.Content.Parts {
					text.WriteString(p.Text)
				}
				select {
				case <-ctx.Done():
					return
				case ch <- driver.Event{Chunk: types.Chunk{Content: text.String(), FinishReason: c.FinishReason}}:
				}
			}
		}
	}()
	return ch, nil
}
