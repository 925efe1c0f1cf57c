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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/budgetguard/budgetguard/internal/config"
)

// truncatedPlaceholder stands in for an empty candidate when the
// model hit its output token ceiling before emitting text.
const truncatedPlaceholder = "[Response truncated due to token limit]"

// GoogleProvider translates OpenAI chat completions to the Gemini
// generateContent API.
type GoogleProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewGoogleProvider(cfg config.ProviderConfig, client *http.Client, logger *zap.Logger) *GoogleProvider {
	return &GoogleProvider{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		client:  client,
		logger:  logger,
	}
}

func (p *GoogleProvider) Name() string { return "google" }

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type googleRequest struct {
	SystemInstruction *googleContent          `json:"systemInstruction,omitempty"`
	Contents          []googleContent         `json:"contents"`
	GenerationConfig  *googleGenerationConfig `json:"generationConfig,omitempty"`
}

type googleResponse struct {
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// toGoogle maps roles: system messages become the systemInstruction,
// assistant turns become "model" turns.
func toGoogle(req *ChatRequest) *googleRequest {
	out := &googleRequest{}

	var system []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "assistant":
			out.Contents = append(out.Contents, googleContent{
				Role:  "model",
				Parts: []googlePart{{Text: msg.Content}},
			})
		default:
			out.Contents = append(out.Contents, googleContent{
				Role:  "user",
				Parts: []googlePart{{Text: msg.Content}},
			})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &googleContent{
			Parts: []googlePart{{Text: strings.Join(system, "\n")}},
		}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &googleGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}

	return out
}

func fromGoogle(resp *googleResponse, model string, created int64) *ChatResponse {
	out := &ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Usage: &ChatUsage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
	}

	for i, cand := range resp.Candidates {
		var text strings.Builder
		for _, part := range cand.Content.Parts {
			text.WriteString(part.Text)
		}

		finish := "stop"
		content := text.String()
		if cand.FinishReason == "MAX_TOKENS" {
			finish = "length"
			if content == "" {
				content = truncatedPlaceholder
			}
		}

		out.Choices = append(out.Choices, ChatChoice{
			Index:        i,
			Message:      ChatMessage{Role: "assistant", Content: content},
			FinishReason: finish,
		})
	}

	return out
}

func (p *GoogleProvider) ChatCompletion(ctx context.Context, req *ChatRequest, _ []byte) (*Result, error) {
	body, err := json.Marshal(toGoogle(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s:generateContent", p.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("google request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("google response read failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Result{StatusCode: resp.StatusCode, Body: data, Response: errorUsage(data)}, nil
	}

	var upstream googleResponse
	if err := json.Unmarshal(data, &upstream); err != nil {
		return nil, fmt.Errorf("google response decode failed: %w", err)
	}

	chat := fromGoogle(&upstream, req.Model, time.Now().Unix())
	out, err := json.Marshal(chat)
	if err != nil {
		return nil, err
	}
	return &Result{StatusCode: resp.StatusCode, Body: out, Response: chat}, nil
}

func (p *GoogleProvider) Responses(context.Context, []byte) (*Result, error) {
	return nil, ErrUnsupported
}

// HealthCheck reports healthy without probing; Gemini has no cheap
// authenticated endpoint worth spending quota on.
func (p *GoogleProvider) HealthCheck(context.Context) error {
	return nil
}
