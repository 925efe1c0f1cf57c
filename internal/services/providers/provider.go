package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/budgetguard/budgetguard/internal/config"
	"github.com/budgetguard/budgetguard/internal/models"
)

const defaultUpstreamTimeout = 60 * time.Second

// ChatMessage is one entry of an OpenAI-format conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest carries the OpenAI chat-completions fields the adapters
// translate. Fields outside this set ride along in the raw body for
// passthrough providers and are dropped by translating ones.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatResponse is the OpenAI-format response every adapter normalizes
// to.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

// Result is one upstream exchange. Non-2xx responses are carried here
// verbatim, not as errors; transport failures are errors.
type Result struct {
	StatusCode int
	Body       []byte
	Response   *ChatResponse // parsed form: set on 2xx, usage-only when an error body reports usage
}

// ErrUnsupported marks an operation the provider has no upstream
// surface for.
var ErrUnsupported = fmt.Errorf("operation not supported by provider")

// Provider is the upstream capability set. Adapters are selected per
// request from the catalog row, never from configuration alone.
type Provider interface {
	Name() string
	ChatCompletion(ctx context.Context, req *ChatRequest, raw []byte) (*Result, error)
	Responses(ctx context.Context, raw []byte) (*Result, error)
	HealthCheck(ctx context.Context) error
}

// Registry holds the adapters that have credentials configured.
type Registry struct {
	providers map[models.ProviderType]Provider
}

// NewRegistry wires one adapter per provider that has an API key set.
// Providers without credentials stay unregistered so routing to them
// fails fast.
func NewRegistry(cfg config.ProvidersConfig, upstreamTimeout time.Duration, logger *zap.Logger) *Registry {
	if upstreamTimeout <= 0 {
		upstreamTimeout = defaultUpstreamTimeout
	}
	client := &http.Client{Timeout: upstreamTimeout}

	reg := &Registry{providers: make(map[models.ProviderType]Provider)}
	if cfg.OpenAI.APIKey != "" {
		reg.providers[models.ProviderOpenAI] = NewOpenAIProvider(cfg.OpenAI, client, logger)
	}
	if cfg.Anthropic.APIKey != "" {
		reg.providers[models.ProviderAnthropic] = NewAnthropicProvider(cfg.Anthropic, client, logger)
	}
	if cfg.Google.APIKey != "" {
		reg.providers[models.ProviderGoogle] = NewGoogleProvider(cfg.Google, client, logger)
	}

	for name := range reg.providers {
		logger.Info("Provider registered", zap.String("provider", string(name)))
	}
	return reg
}

// ForType returns the adapter for a catalog provider, or false when
// no credentials are configured for it.
func (r *Registry) ForType(pt models.ProviderType) (Provider, bool) {
	p, ok := r.providers[pt]
	return p, ok
}

// All returns every registered adapter, for health reporting.
func (r *Registry) All() map[models.ProviderType]Provider {
	return r.providers
}

// errorUsage pulls a usage block out of a non-2xx body so rejected
// requests that still consumed tokens get accounted. It understands
// the OpenAI, Anthropic, and Google shapes; bodies without usage
// return nil and the status passes through unaccounted.
func errorUsage(body []byte) *ChatResponse {
	var probe struct {
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
			InputTokens      int `json:"input_tokens"`
			OutputTokens     int `json:"output_tokens"`
		} `json:"usage"`
		UsageMetadata *struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
			TotalTokenCount      int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil
	}

	var usage ChatUsage
	switch {
	case probe.Usage != nil && (probe.Usage.InputTokens > 0 || probe.Usage.OutputTokens > 0):
		usage = ChatUsage{
			PromptTokens:     probe.Usage.InputTokens,
			CompletionTokens: probe.Usage.OutputTokens,
		}
	case probe.Usage != nil && (probe.Usage.PromptTokens > 0 || probe.Usage.CompletionTokens > 0 || probe.Usage.TotalTokens > 0):
		usage = ChatUsage{
			PromptTokens:     probe.Usage.PromptTokens,
			CompletionTokens: probe.Usage.CompletionTokens,
			TotalTokens:      probe.Usage.TotalTokens,
		}
	case probe.UsageMetadata != nil && (probe.UsageMetadata.PromptTokenCount > 0 || probe.UsageMetadata.CandidatesTokenCount > 0 || probe.UsageMetadata.TotalTokenCount > 0):
		usage = ChatUsage{
			PromptTokens:     probe.UsageMetadata.PromptTokenCount,
			CompletionTokens: probe.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      probe.UsageMetadata.TotalTokenCount,
		}
	default:
		return nil
	}

	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return &ChatResponse{Usage: &usage}
}

// parseChat decodes an OpenAI-shaped 2xx body and checks its
// structure: a JSON object carrying choices plus an id or model, or
// an explicit error object.
func parseChat(body []byte) (*ChatResponse, error) {
	var probe struct {
		ID      string          `json:"id"`
		Model   string          `json:"model"`
		Choices json.RawMessage `json:"choices"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("upstream returned non-JSON body: %w", err)
	}
	if len(probe.Error) > 0 {
		return nil, fmt.Errorf("upstream returned error payload: %s", probe.Error)
	}
	if len(probe.Choices) == 0 || (probe.ID == "" && probe.Model == "") {
		return nil, fmt.Errorf("upstream response is not a chat completion")
	}

	var resp ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode chat completion: %w", err)
	}
	return &resp, nil
}
