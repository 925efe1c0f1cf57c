package cost

import (
	"context"
	"errors"
	"testing"

	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/budgetguard/budgetguard/internal/models"
	"github.com/budgetguard/budgetguard/internal/services/catalog"
)

type fakePricingStore struct {
	rows map[string]*models.ModelPricing
}

func (f *fakePricingStore) PricingByModel(_ context.Context, model string) (*models.ModelPricing, error) {
	return f.rows[model], nil
}

func newTestEstimator(rows map[string]*models.ModelPricing) *Estimator {
	cat := catalog.New(&fakePricingStore{rows: rows}, zap.NewNop())
	return NewEstimator(cat, zap.NewNop())
}

func TestCountText(t *testing.T) {
	t.Run("single word", func(t *testing.T) {
		if got := CountText("gpt-3.5-turbo", "hello"); got != 1 {
			t.Errorf("CountText(hello) = %d, want 1", got)
		}
	})

	t.Run("empty string", func(t *testing.T) {
		if got := CountText("gpt-3.5-turbo", ""); got != 0 {
			t.Errorf("CountText(empty) = %d, want 0", got)
		}
	})

	t.Run("unknown model falls back to base encoding", func(t *testing.T) {
		if got := CountText("some-future-model", "hello"); got != 1 {
			t.Errorf("CountText = %d, want 1", got)
		}
	})
}

func TestCountMessages(t *testing.T) {
	t.Run("two message conversation", func(t *testing.T) {
		msgs := []Message{
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "world"},
		}
		// 2 x (4 framing + 1 role + 1 content) + 2 priming
		if got := CountMessages("gpt-4", msgs); got != 14 {
			t.Errorf("CountMessages = %d, want 14", got)
		}
	})

	t.Run("named message drops one token", func(t *testing.T) {
		base := CountMessages("gpt-4", []Message{{Role: "user", Content: "hello"}})
		named := CountMessages("gpt-4", []Message{{Role: "user", Content: "hello", Name: "bot"}})
		nameTokens := CountText("gpt-4", "bot")
		if named != base+nameTokens-1 {
			t.Errorf("named = %d, want %d", named, base+nameTokens-1)
		}
	})

	t.Run("empty conversation", func(t *testing.T) {
		if got := CountMessages("gpt-4", nil); got != 0 {
			t.Errorf("CountMessages(nil) = %d, want 0", got)
		}
	})
}

type failingBpeLoader struct{}

func (failingBpeLoader) LoadTiktokenBpe(string) (map[string]int, error) {
	return nil, errors.New("dictionary unavailable")
}

func TestCountingDegradesWithoutEncoder(t *testing.T) {
	t.Run("length heuristic for plain text", func(t *testing.T) {
		if got := countWith(nil, "hello world"); got != 3 {
			t.Errorf("countWith(nil) = %d, want 3", got)
		}
		if got := countWith(nil, ""); got != 0 {
			t.Errorf("countWith(nil, empty) = %d, want 0", got)
		}
	})

	t.Run("message framing survives a missing encoder", func(t *testing.T) {
		msgs := []Message{{Role: "user", Content: "hello"}}
		// 4 framing + ceil(4/4) role + ceil(5/4) content + 2 priming
		enc := (*tiktoken.Tiktoken)(nil)
		total := tokensPerMessage + countWith(enc, msgs[0].Role) + countWith(enc, msgs[0].Content) + replyPriming
		if total != 9 {
			t.Errorf("framed count = %d, want 9", total)
		}
	})

	t.Run("counting never panics when dictionaries cannot load", func(t *testing.T) {
		tiktoken.SetBpeLoader(failingBpeLoader{})
		defer tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())

		if got := CountText("gpt-4", "hello"); got < 1 {
			t.Errorf("CountText = %d, want at least 1", got)
		}
		msgs := []Message{{Role: "user", Content: "hello"}}
		if got := CountMessages("gpt-4", msgs); got < tokensPerMessage+replyPriming {
			t.Errorf("CountMessages = %d, want framing at minimum", got)
		}
	})
}

func TestResolveUsage(t *testing.T) {
	t.Run("provider usage wins over estimate", func(t *testing.T) {
		got := ResolveUsage("gpt-4",
			[]Message{{Role: "user", Content: "hello"}},
			"some long completion text",
			&ProviderUsage{PromptTokens: 100, TotalTokens: 150})

		want := Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150}
		if got != want {
			t.Errorf("usage = %+v, want %+v", got, want)
		}
	})

	t.Run("negative completion clamps to zero", func(t *testing.T) {
		got := ResolveUsage("gpt-4", nil, "", &ProviderUsage{PromptTokens: 10, TotalTokens: 5})
		if got.CompletionTokens != 0 || got.TotalTokens != 10 {
			t.Errorf("usage = %+v, want completion 0", got)
		}
	})

	t.Run("local estimate without provider usage", func(t *testing.T) {
		got := ResolveUsage("gpt-4",
			[]Message{{Role: "user", Content: "hello"}, {Role: "assistant", Content: "world"}},
			"hi", nil)
		if got.PromptTokens != 14 {
			t.Errorf("prompt = %d, want 14", got.PromptTokens)
		}
		if got.CompletionTokens != 1 {
			t.Errorf("completion = %d, want 1", got.CompletionTokens)
		}
		if got.TotalTokens != got.PromptTokens+got.CompletionTokens {
			t.Errorf("total = %d, inconsistent", got.TotalTokens)
		}
	})

	t.Run("empty request resolves to zero", func(t *testing.T) {
		got := ResolveUsage("gpt-4", nil, "", nil)
		if got != (Usage{}) {
			t.Errorf("usage = %+v, want zero", got)
		}
	})
}

func TestCost(t *testing.T) {
	ctx := context.Background()

	t.Run("catalog prices", func(t *testing.T) {
		est := newTestEstimator(map[string]*models.ModelPricing{
			"gpt-4": {
				ModelName:   "gpt-4",
				InputPrice:  decimal.NewFromInt(30),
				OutputPrice: decimal.NewFromInt(60),
			},
		})

		usd, err := est.Cost(ctx, "gpt-4", Usage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// (1000*30 + 500*60) / 1e6 = 0.06
		if !usd.Equal(decimal.NewFromFloat(0.06)) {
			t.Errorf("cost = %s, want 0.06", usd)
		}
	})

	t.Run("unknown model uses fallback rates", func(t *testing.T) {
		est := newTestEstimator(nil)

		usd, err := est.Cost(ctx, "mystery-model", Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000, TotalTokens: 2_000_000})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// 1M*1 + 1M*2 per million = 3 USD
		if !usd.Equal(decimal.NewFromInt(3)) {
			t.Errorf("cost = %s, want 3", usd)
		}
	})

	t.Run("gemini tier split at 200k tokens", func(t *testing.T) {
		est := newTestEstimator(map[string]*models.ModelPricing{
			"gemini-2.5-pro-low": {
				ModelName:   "gemini-2.5-pro-low",
				InputPrice:  decimal.NewFromFloat(1.25),
				OutputPrice: decimal.NewFromInt(10),
			},
			"gemini-2.5-pro-high": {
				ModelName:   "gemini-2.5-pro-high",
				InputPrice:  decimal.NewFromFloat(2.5),
				OutputPrice: decimal.NewFromInt(15),
			},
		})

		low, err := est.Cost(ctx, "gemini-2.5-pro", Usage{PromptTokens: 100_000, TotalTokens: 100_000})
		if err != nil {
			t.Fatalf("low tier: %v", err)
		}
		if !low.Equal(decimal.NewFromFloat(0.125)) {
			t.Errorf("low tier cost = %s, want 0.125", low)
		}

		high, err := est.Cost(ctx, "gemini-2.5-pro", Usage{PromptTokens: 300_000, TotalTokens: 300_000})
		if err != nil {
			t.Fatalf("high tier: %v", err)
		}
		if !high.Equal(decimal.NewFromFloat(0.75)) {
			t.Errorf("high tier cost = %s, want 0.75", high)
		}
	})

	t.Run("zero usage costs zero", func(t *testing.T) {
		est := newTestEstimator(nil)

		usd, err := est.Cost(ctx, "gpt-4", Usage{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !usd.IsZero() {
			t.Errorf("cost = %s, want 0", usd)
		}
	})
}
