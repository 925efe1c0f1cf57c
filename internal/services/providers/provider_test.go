package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/budgetguard/budgetguard/internal/config"
	"github.com/budgetguard/budgetguard/internal/models"
)

func intPtr(v int) *int          { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestOpenAIProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("passthrough is byte identical", func(t *testing.T) {
		requestBody := []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hello"}],"seed":42}`)
		responseBody := []byte(`{"id":"chatcmpl-1","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":1,"total_tokens":11}}`)

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/chat/completions" {
				t.Errorf("path = %s", r.URL.Path)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
				t.Errorf("auth header = %q", got)
			}
			body := new(bytes.Buffer)
			body.ReadFrom(r.Body)
			if !bytes.Equal(body.Bytes(), requestBody) {
				t.Errorf("request body altered: %s", body.String())
			}
			w.Write(responseBody)
		}))
		defer srv.Close()

		p := NewOpenAIProvider(config.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL}, srv.Client(), zap.NewNop())

		result, err := p.ChatCompletion(ctx, nil, requestBody)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !bytes.Equal(result.Body, responseBody) {
			t.Errorf("response body altered: %s", result.Body)
		}
		if result.Response == nil || result.Response.Usage.PromptTokens != 10 {
			t.Errorf("parsed response = %+v", result.Response)
		}
	})

	t.Run("non-2xx passed through verbatim", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"bad request"}}`))
		}))
		defer srv.Close()

		p := NewOpenAIProvider(config.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL}, srv.Client(), zap.NewNop())

		result, err := p.ChatCompletion(ctx, nil, []byte(`{}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d", result.StatusCode)
		}
		if result.Response != nil {
			t.Error("error body without usage must not produce a parsed response")
		}
	})

	t.Run("non-2xx usage block still extracted", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"rate limited"},"usage":{"prompt_tokens":9,"completion_tokens":3,"total_tokens":12}}`))
		}))
		defer srv.Close()

		p := NewOpenAIProvider(config.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL}, srv.Client(), zap.NewNop())

		result, err := p.ChatCompletion(ctx, nil, []byte(`{}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.StatusCode != http.StatusTooManyRequests {
			t.Errorf("status = %d", result.StatusCode)
		}
		if result.Response == nil || result.Response.Usage == nil {
			t.Fatal("usage block on error body must be extracted")
		}
		if result.Response.Usage.PromptTokens != 9 || result.Response.Usage.TotalTokens != 12 {
			t.Errorf("usage = %+v", result.Response.Usage)
		}
	})

	t.Run("structurally invalid 2xx rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"unexpected":"shape"}`))
		}))
		defer srv.Close()

		p := NewOpenAIProvider(config.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL}, srv.Client(), zap.NewNop())

		if _, err := p.ChatCompletion(ctx, nil, []byte(`{}`)); err == nil {
			t.Fatal("expected structural validation error")
		}
	})

	t.Run("transport error surfaces", func(t *testing.T) {
		p := NewOpenAIProvider(config.ProviderConfig{APIKey: "sk-test", BaseURL: "http://127.0.0.1:1"},
			&http.Client{Timeout: time.Second}, zap.NewNop())

		if _, err := p.ChatCompletion(ctx, nil, []byte(`{}`)); err == nil {
			t.Fatal("expected transport error")
		}
	})
}

func TestAnthropicTranslation(t *testing.T) {
	t.Run("request mapping", func(t *testing.T) {
		req := &ChatRequest{
			Model: "claude-sonnet-4",
			Messages: []ChatMessage{
				{Role: "system", Content: "be brief"},
				{Role: "user", Content: "hello"},
			},
			Temperature: floatPtr(0.5),
			Stop:        []string{"END"},
		}

		got := toAnthropic(req)
		if got.System != "be brief" {
			t.Errorf("system = %q", got.System)
		}
		if len(got.Messages) != 1 || got.Messages[0].Role != "user" {
			t.Errorf("messages = %+v", got.Messages)
		}
		if got.MaxTokens != anthropicDefaultTokens {
			t.Errorf("max_tokens = %d, want default %d", got.MaxTokens, anthropicDefaultTokens)
		}
		if len(got.StopSequences) != 1 || got.StopSequences[0] != "END" {
			t.Errorf("stop_sequences = %v", got.StopSequences)
		}
	})

	t.Run("explicit max_tokens kept", func(t *testing.T) {
		got := toAnthropic(&ChatRequest{Model: "claude-sonnet-4", MaxTokens: intPtr(100)})
		if got.MaxTokens != 100 {
			t.Errorf("max_tokens = %d, want 100", got.MaxTokens)
		}
	})

	t.Run("mapped fields round-trip", func(t *testing.T) {
		req := &ChatRequest{
			Model: "claude-sonnet-4",
			Messages: []ChatMessage{
				{Role: "user", Content: "hello"},
				{Role: "assistant", Content: "hi"},
			},
			MaxTokens:   intPtr(256),
			Temperature: floatPtr(0.7),
			TopP:        floatPtr(0.9),
			Stop:        []string{"END"},
		}

		mapped := toAnthropic(req)
		back := &ChatRequest{
			Model:       mapped.Model,
			MaxTokens:   &mapped.MaxTokens,
			Temperature: mapped.Temperature,
			TopP:        mapped.TopP,
			Stop:        mapped.StopSequences,
		}
		for _, m := range mapped.Messages {
			back.Messages = append(back.Messages, ChatMessage{Role: m.Role, Content: m.Content})
		}

		if back.Model != req.Model || *back.MaxTokens != *req.MaxTokens ||
			*back.Temperature != *req.Temperature || *back.TopP != *req.TopP {
			t.Errorf("round trip changed scalars: %+v", back)
		}
		if len(back.Messages) != len(req.Messages) {
			t.Fatalf("round trip changed messages: %+v", back.Messages)
		}
		for i := range req.Messages {
			if back.Messages[i] != req.Messages[i] {
				t.Errorf("message %d = %+v, want %+v", i, back.Messages[i], req.Messages[i])
			}
		}
	})

	t.Run("response mapping", func(t *testing.T) {
		ctx := context.Background()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
				t.Errorf("version header = %q", got)
			}
			if got := r.Header.Get("x-api-key"); got != "ak-test" {
				t.Errorf("api key header = %q", got)
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id":          "msg_1",
				"model":       "claude-sonnet-4",
				"content":     []map[string]string{{"type": "text", "text": "hi there"}},
				"stop_reason": "max_tokens",
				"usage":       map[string]int{"input_tokens": 20, "output_tokens": 5},
			})
		}))
		defer srv.Close()

		p := NewAnthropicProvider(config.ProviderConfig{APIKey: "ak-test", BaseURL: srv.URL}, srv.Client(), zap.NewNop())

		result, err := p.ChatCompletion(ctx, &ChatRequest{
			Model:    "claude-sonnet-4",
			Messages: []ChatMessage{{Role: "user", Content: "hello"}},
		}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		resp := result.Response
		if resp.Choices[0].Message.Content != "hi there" {
			t.Errorf("content = %q", resp.Choices[0].Message.Content)
		}
		if resp.Choices[0].FinishReason != "length" {
			t.Errorf("finish_reason = %q, want length", resp.Choices[0].FinishReason)
		}
		if resp.Usage.PromptTokens != 20 || resp.Usage.CompletionTokens != 5 || resp.Usage.TotalTokens != 25 {
			t.Errorf("usage = %+v", resp.Usage)
		}
	})
}

func TestGoogleTranslation(t *testing.T) {
	t.Run("request mapping", func(t *testing.T) {
		req := &ChatRequest{
			Model: "gemini-2.5-pro",
			Messages: []ChatMessage{
				{Role: "system", Content: "be brief"},
				{Role: "user", Content: "hello"},
				{Role: "assistant", Content: "hi"},
			},
			MaxTokens: intPtr(128),
		}

		got := toGoogle(req)
		if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "be brief" {
			t.Errorf("systemInstruction = %+v", got.SystemInstruction)
		}
		if len(got.Contents) != 2 {
			t.Fatalf("contents = %+v", got.Contents)
		}
		if got.Contents[1].Role != "model" {
			t.Errorf("assistant role mapped to %q, want model", got.Contents[1].Role)
		}
		if got.GenerationConfig == nil || *got.GenerationConfig.MaxOutputTokens != 128 {
			t.Errorf("generationConfig = %+v", got.GenerationConfig)
		}
	})

	t.Run("truncated candidate gets placeholder", func(t *testing.T) {
		resp := &googleResponse{}
		resp.Candidates = append(resp.Candidates, struct {
			Content      googleContent `json:"content"`
			FinishReason string        `json:"finishReason"`
		}{
			Content:      googleContent{Role: "model"},
			FinishReason: "MAX_TOKENS",
		})

		got := fromGoogle(resp, "gemini-2.5-pro", 0)
		if got.Choices[0].Message.Content != truncatedPlaceholder {
			t.Errorf("content = %q, want placeholder", got.Choices[0].Message.Content)
		}
		if got.Choices[0].FinishReason != "length" {
			t.Errorf("finish_reason = %q", got.Choices[0].FinishReason)
		}
	})

	t.Run("end to end call", func(t *testing.T) {
		ctx := context.Background()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/gemini-2.5-pro:generateContent" {
				t.Errorf("path = %s", r.URL.Path)
			}
			if got := r.Header.Get("x-goog-api-key"); got != "gk-test" {
				t.Errorf("api key header = %q", got)
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"candidates": []map[string]interface{}{{
					"content":      map[string]interface{}{"role": "model", "parts": []map[string]string{{"text": "hi"}}},
					"finishReason": "STOP",
				}},
				"usageMetadata": map[string]int{
					"promptTokenCount":     7,
					"candidatesTokenCount": 1,
					"totalTokenCount":      8,
				},
			})
		}))
		defer srv.Close()

		p := NewGoogleProvider(config.ProviderConfig{APIKey: "gk-test", BaseURL: srv.URL}, srv.Client(), zap.NewNop())

		result, err := p.ChatCompletion(ctx, &ChatRequest{
			Model:    "gemini-2.5-pro",
			Messages: []ChatMessage{{Role: "user", Content: "hello"}},
		}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Response.Usage.PromptTokens != 7 || result.Response.Usage.TotalTokens != 8 {
			t.Errorf("usage = %+v", result.Response.Usage)
		}
		if result.Response.Choices[0].Message.Content != "hi" {
			t.Errorf("content = %q", result.Response.Choices[0].Message.Content)
		}
	})
}

func TestErrorUsage(t *testing.T) {
	t.Run("openai shape", func(t *testing.T) {
		got := errorUsage([]byte(`{"error":{"message":"quota"},"usage":{"prompt_tokens":9,"completion_tokens":3,"total_tokens":12}}`))
		if got == nil || got.Usage.PromptTokens != 9 || got.Usage.CompletionTokens != 3 || got.Usage.TotalTokens != 12 {
			t.Errorf("usage = %+v", got)
		}
	})

	t.Run("anthropic shape", func(t *testing.T) {
		got := errorUsage([]byte(`{"type":"error","usage":{"input_tokens":20,"output_tokens":5}}`))
		if got == nil || got.Usage.PromptTokens != 20 || got.Usage.CompletionTokens != 5 || got.Usage.TotalTokens != 25 {
			t.Errorf("usage = %+v", got)
		}
	})

	t.Run("google shape", func(t *testing.T) {
		got := errorUsage([]byte(`{"error":{"status":"RESOURCE_EXHAUSTED"},"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":1,"totalTokenCount":8}}`))
		if got == nil || got.Usage.PromptTokens != 7 || got.Usage.CompletionTokens != 1 || got.Usage.TotalTokens != 8 {
			t.Errorf("usage = %+v", got)
		}
	})

	t.Run("total derived when absent", func(t *testing.T) {
		got := errorUsage([]byte(`{"usage":{"prompt_tokens":4,"completion_tokens":2}}`))
		if got == nil || got.Usage.TotalTokens != 6 {
			t.Errorf("usage = %+v", got)
		}
	})

	t.Run("no usage yields nil", func(t *testing.T) {
		if got := errorUsage([]byte(`{"error":{"message":"bad request"}}`)); got != nil {
			t.Errorf("usage = %+v, want nil", got)
		}
		if got := errorUsage([]byte(`not json`)); got != nil {
			t.Errorf("usage = %+v, want nil", got)
		}
	})
}

func TestAnthropicErrorUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error"},"usage":{"input_tokens":9,"output_tokens":3}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider(config.ProviderConfig{APIKey: "ak-test", BaseURL: srv.URL}, srv.Client(), zap.NewNop())

	result, err := p.ChatCompletion(context.Background(), &ChatRequest{
		Model:    "claude-sonnet-4",
		Messages: []ChatMessage{{Role: "user", Content: "hello"}},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Response == nil || result.Response.Usage == nil {
		t.Fatal("usage block on error body must be extracted")
	}
	if result.Response.Usage.PromptTokens != 9 || result.Response.Usage.TotalTokens != 12 {
		t.Errorf("usage = %+v", result.Response.Usage)
	}
}

func TestGoogleErrorUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"status":"RESOURCE_EXHAUSTED"},"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":3,"totalTokenCount":12}}`))
	}))
	defer srv.Close()

	p := NewGoogleProvider(config.ProviderConfig{APIKey: "gk-test", BaseURL: srv.URL}, srv.Client(), zap.NewNop())

	result, err := p.ChatCompletion(context.Background(), &ChatRequest{
		Model:    "gemini-2.5-pro",
		Messages: []ChatMessage{{Role: "user", Content: "hello"}},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Response == nil || result.Response.Usage == nil {
		t.Fatal("usage block on error body must be extracted")
	}
	if result.Response.Usage.PromptTokens != 9 || result.Response.Usage.TotalTokens != 12 {
		t.Errorf("usage = %+v", result.Response.Usage)
	}
}

func TestRegistry(t *testing.T) {
	cfg := config.ProvidersConfig{
		OpenAI: config.ProviderConfig{APIKey: "sk-test", BaseURL: "https://api.openai.com/v1"},
	}
	reg := NewRegistry(cfg, 0, zap.NewNop())

	if _, ok := reg.ForType(models.ProviderOpenAI); !ok {
		t.Error("openai should be registered")
	}
	if _, ok := reg.ForType(models.ProviderAnthropic); ok {
		t.Error("anthropic has no credentials, must be unregistered")
	}
	if _, ok := reg.ForType(models.ProviderGoogle); ok {
		t.Error("google has no credentials, must be unregistered")
	}
}
