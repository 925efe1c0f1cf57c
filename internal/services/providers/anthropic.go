package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/budgetguard/budgetguard/internal/config"
)

const (
	anthropicVersion       = "2023-06-01"
	anthropicDefaultTokens = 4096
	anthropicHealthTimeout = 10 * time.Second
)

// AnthropicProvider translates OpenAI chat completions to the
// Anthropic messages API and maps responses back.
type AnthropicProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewAnthropicProvider(cfg config.ProviderConfig, client *http.Client, logger *zap.Logger) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		client:  client,
		logger:  logger,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// toAnthropic maps the OpenAI request shape. System messages are
// pulled out of the conversation into the dedicated field; max_tokens
// is mandatory upstream so an absent value gets the default.
func toAnthropic(req *ChatRequest) *anthropicRequest {
	out := &anthropicRequest{
		Model:         req.Model,
		MaxTokens:     anthropicDefaultTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	var system []string
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			system = append(system, msg.Content)
			continue
		}
		out.Messages = append(out.Messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	out.System = strings.Join(system, "\n")

	return out
}

func fromAnthropic(resp *anthropicResponse, created int64) *ChatResponse {
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	finish := "stop"
	switch resp.StopReason {
	case "max_tokens":
		finish = "length"
	case "end_turn", "stop_sequence":
		finish = "stop"
	}

	return &ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: created,
		Model:   resp.Model,
		Choices: []ChatChoice{{
			Message:      ChatMessage{Role: "assistant", Content: text.String()},
			FinishReason: finish,
		}},
		Usage: &ChatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func (p *AnthropicProvider) ChatCompletion(ctx context.Context, req *ChatRequest, _ []byte) (*Result, error) {
	body, err := json.Marshal(toAnthropic(req))
	if err != nil {
		return nil, err
	}

	status, data, err := p.post(ctx, "/v1/messages", body)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return &Result{StatusCode: status, Body: data, Response: errorUsage(data)}, nil
	}

	var upstream anthropicResponse
	if err := json.Unmarshal(data, &upstream); err != nil {
		return nil, fmt.Errorf("anthropic response decode failed: %w", err)
	}

	resp := fromAnthropic(&upstream, time.Now().Unix())
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return &Result{StatusCode: status, Body: out, Response: resp}, nil
}

func (p *AnthropicProvider) Responses(context.Context, []byte) (*Result, error) {
	return nil, ErrUnsupported
}

func (p *AnthropicProvider) post(ctx context.Context, path string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("anthropic response read failed: %w", err)
	}
	return resp.StatusCode, data, nil
}

// HealthCheck sends a minimal one-token message; Anthropic has no
// list endpoint that validates credentials.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, anthropicHealthTimeout)
	defer cancel()

	probe := anthropicRequest{
		Model:     "claude-3-5-haiku-20241022",
		MaxTokens: 1,
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
	}
	body, err := json.Marshal(probe)
	if err != nil {
		return err
	}

	status, _, err := p.post(ctx, "/v1/messages", body)
	if err != nil {
		return fmt.Errorf("anthropic health check failed: %w", err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("anthropic health check returned %d", status)
	}
	return nil
}
