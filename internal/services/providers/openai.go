package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/budgetguard/budgetguard/internal/config"
)

const openAIHealthTimeout = 5 * time.Second

// OpenAIProvider forwards requests verbatim. The client already
// speaks this wire format; the adapter only adds credentials and
// validates that 2xx bodies are structurally chat completions.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewOpenAIProvider(cfg config.ProviderConfig, client *http.Client, logger *zap.Logger) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		client:  client,
		logger:  logger,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) ChatCompletion(ctx context.Context, _ *ChatRequest, raw []byte) (*Result, error) {
	result, err := p.forward(ctx, "/chat/completions", raw)
	if err != nil {
		return nil, err
	}

	if result.StatusCode >= 200 && result.StatusCode < 300 {
		resp, perr := parseChat(result.Body)
		if perr != nil {
			return nil, fmt.Errorf("openai: %w", perr)
		}
		result.Response = resp
	}
	return result, nil
}

func (p *OpenAIProvider) Responses(ctx context.Context, raw []byte) (*Result, error) {
	return p.forward(ctx, "/responses", raw)
}

func (p *OpenAIProvider) forward(ctx context.Context, path string, body []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai response read failed: %w", err)
	}

	result := &Result{StatusCode: resp.StatusCode, Body: data}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Response = errorUsage(data)
	}
	return result, nil
}

// HealthCheck lists models, the cheapest authenticated call OpenAI
// offers.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, openAIHealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("openai health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai health check returned %d", resp.StatusCode)
	}
	return nil
}
