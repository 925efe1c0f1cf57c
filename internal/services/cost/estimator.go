package cost

import (
	"context"

	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/budgetguard/budgetguard/internal/services/catalog"
)

// The embedded dictionaries keep counting working without egress; the
// default loader fetches them over HTTPS at first use.
func init() {
	tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
}

// Per-message framing overhead for chat-format prompts, plus the
// priming tokens reserved for the assistant reply.
const (
	tokensPerMessage = 4
	replyPriming     = 2
)

// Fallback list prices in USD per million tokens, used when the
// catalog has no row for a model.
var (
	fallbackInputPrice  = decimal.NewFromInt(1)
	fallbackOutputPrice = decimal.NewFromInt(2)
)

// gemini-2.5-pro is priced in two tiers split at 200k total tokens.
const (
	geminiTieredModel   = "gemini-2.5-pro"
	geminiTierThreshold = 200_000
)

// Usage is a resolved token count for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Message mirrors the chat-format request entries the counter needs.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ProviderUsage is the usage block a provider reported, when it did.
type ProviderUsage struct {
	PromptTokens int
	TotalTokens  int
}

// Estimator turns requests into token counts and token counts into
// dollars. Encoders are cached per model by the tokenizer library.
type Estimator struct {
	catalog *catalog.Catalog
	logger  *zap.Logger
}

func NewEstimator(cat *catalog.Catalog, logger *zap.Logger) *Estimator {
	return &Estimator{catalog: cat, logger: logger}
}

// approxCharsPerToken drives the last-resort estimate when no BPE
// dictionary can be loaded at all.
const approxCharsPerToken = 4

func encoderFor(model string) *tiktoken.Tiktoken {
	enc, err := tiktoken.EncodingForModel(model)
	if err == nil {
		return enc
	}
	enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	if err != nil {
		return nil
	}
	return enc
}

func approxTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + approxCharsPerToken - 1) / approxCharsPerToken
}

func countWith(enc *tiktoken.Tiktoken, text string) int {
	if enc == nil {
		return approxTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountText counts BPE tokens in a plain string, estimating by length
// when no encoder is available.
func CountText(model, text string) int {
	if text == "" {
		return 0
	}
	return countWith(encoderFor(model), text)
}

// CountMessages counts the prompt tokens of a chat-format request:
// fixed framing per message, the encoded role and content, a name
// adjustment when present, and the assistant reply priming.
func CountMessages(model string, messages []Message) int {
	if len(messages) == 0 {
		return 0
	}

	enc := encoderFor(model)
	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += countWith(enc, msg.Role)
		total += countWith(enc, msg.Content)
		if msg.Name != "" {
			total += countWith(enc, msg.Name) - 1
		}
	}
	return total + replyPriming
}

// ResolveUsage decides the final token counts for accounting.
// Provider-reported usage always wins; completion tokens derive from
// total minus prompt. Without it, both sides are estimated locally.
func ResolveUsage(model string, messages []Message, completionText string, reported *ProviderUsage) Usage {
	if reported != nil {
		completion := reported.TotalTokens - reported.PromptTokens
		if completion < 0 {
			completion = 0
		}
		return Usage{
			PromptTokens:     reported.PromptTokens,
			CompletionTokens: completion,
			TotalTokens:      reported.PromptTokens + completion,
		}
	}

	prompt := CountMessages(model, messages)
	completion := CountText(model, completionText)
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// pricingModel maps a request model to its catalog pricing row,
// applying the tier split for gemini-2.5-pro.
func pricingModel(model string, totalTokens int) string {
	if model != geminiTieredModel {
		return model
	}
	if totalTokens <= geminiTierThreshold {
		return model + "-low"
	}
	return model + "-high"
}

// Cost prices a resolved usage in USD. Unknown models fall back to
// the default list prices rather than failing the request.
func (e *Estimator) Cost(ctx context.Context, model string, usage Usage) (decimal.Decimal, error) {
	input := fallbackInputPrice
	output := fallbackOutputPrice

	price, err := e.catalog.Lookup(ctx, pricingModel(model, usage.TotalTokens))
	if err != nil {
		return decimal.Zero, err
	}
	if price != nil {
		input = price.InputPrice
		output = price.OutputPrice
	} else {
		e.logger.Debug("No pricing row for model, using fallback rates",
			zap.String("model", model))
	}

	prompt := decimal.NewFromInt(int64(usage.PromptTokens))
	completion := decimal.NewFromInt(int64(usage.CompletionTokens))
	million := decimal.NewFromInt(1_000_000)

	return prompt.Mul(input).Add(completion.Mul(output)).Div(million), nil
}
