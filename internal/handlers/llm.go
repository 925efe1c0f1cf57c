package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/budgetguard/budgetguard/internal/middleware"
	"github.com/budgetguard/budgetguard/internal/models"
	"github.com/budgetguard/budgetguard/internal/services/auth"
	"github.com/budgetguard/budgetguard/internal/services/budget"
	"github.com/budgetguard/budgetguard/internal/services/catalog"
	"github.com/budgetguard/budgetguard/internal/services/cost"
	"github.com/budgetguard/budgetguard/internal/services/policy"
	"github.com/budgetguard/budgetguard/internal/services/providers"
	bgredis "github.com/budgetguard/budgetguard/internal/services/redis"
)

const (
	headerTags      = "X-Tags"
	headerSessionID = "X-Session-Id"

	publishTimeout = 5 * time.Second
)

// ProxyHandler runs the admission pipeline for the LLM surface:
// route, admit, dispatch, account, publish.
type ProxyHandler struct {
	catalog   *catalog.Catalog
	registry  *providers.Registry
	budgets   *budget.Service
	counter   *bgredis.UsageCounter
	policy    policy.Evaluator
	estimator *cost.Estimator
	publisher *bgredis.EventPublisher
	periods   []models.BudgetPeriod
	logger    *zap.Logger
	now       func() time.Time
}

func NewProxyHandler(
	cat *catalog.Catalog,
	registry *providers.Registry,
	budgets *budget.Service,
	counter *bgredis.UsageCounter,
	evaluator policy.Evaluator,
	estimator *cost.Estimator,
	publisher *bgredis.EventPublisher,
	periods []models.BudgetPeriod,
	logger *zap.Logger,
) *ProxyHandler {
	return &ProxyHandler{
		catalog:   cat,
		registry:  registry,
		budgets:   budgets,
		counter:   counter,
		policy:    evaluator,
		estimator: estimator,
		publisher: publisher,
		periods:   periods,
		logger:    logger,
		now:       time.Now,
	}
}

// admission is the per-request state assembled before dispatch.
type admission struct {
	identity  *auth.Identity
	route     string
	model     string
	body      []byte
	req       *providers.ChatRequest
	provider  providers.Provider
	tags      []models.TagRef
	sessionID string
}

// ChatCompletions proxies POST /v1/chat/completions.
func (h *ProxyHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	adm, ok := h.admit(w, r)
	if !ok {
		return
	}

	result, err := adm.provider.ChatCompletion(r.Context(), adm.req, adm.body)
	if err != nil {
		h.dispatchFailed(w, adm, err)
		return
	}

	h.finalize(w, adm, result)
}

// Responses proxies POST /v1/responses. Only passthrough providers
// serve this surface.
func (h *ProxyHandler) Responses(w http.ResponseWriter, r *http.Request) {
	adm, ok := h.admit(w, r)
	if !ok {
		return
	}

	result, err := adm.provider.Responses(r.Context(), adm.body)
	if errors.Is(err, providers.ErrUnsupported) {
		middleware.RecordDenial("route")
		h.publishDenied(adm)
		writeError(w, http.StatusNotFound, "Model does not serve the responses API", "invalid_request_error")
		return
	}
	if err != nil {
		h.dispatchFailed(w, adm, err)
		return
	}

	if result.StatusCode >= 200 && result.StatusCode < 300 {
		result.Response = parseResponsesUsage(result.Body)
	}
	h.finalize(w, adm, result)
}

// admit runs authn context extraction, routing, tag resolution, and
// policy. It writes the refusal itself and returns ok=false when the
// request must not reach the upstream.
func (h *ProxyHandler) admit(w http.ResponseWriter, r *http.Request) (*admission, bool) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing identity", "authentication_error")
		return nil, false
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body", "invalid_request_error")
		return nil, false
	}

	var req providers.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Model == "" {
		writeError(w, http.StatusBadRequest, "Request body must be JSON with a model field", "invalid_request_error")
		return nil, false
	}

	adm := &admission{
		identity:  identity,
		route:     r.URL.Path,
		model:     req.Model,
		body:      body,
		req:       &req,
		sessionID: r.Header.Get(headerSessionID),
	}

	price, err := h.catalog.Lookup(r.Context(), req.Model)
	if err != nil {
		h.logger.Error("Catalog lookup failed", zap.String("model", req.Model), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", "internal_error")
		return nil, false
	}
	if price == nil || price.Provider == nil {
		middleware.RecordDenial("route")
		h.publishDenied(adm)
		writeError(w, http.StatusNotFound, "Unknown model: "+req.Model, "invalid_request_error")
		return nil, false
	}

	provider, ok := h.registry.ForType(*price.Provider)
	if !ok {
		middleware.RecordDenial("route")
		h.publishDenied(adm)
		writeError(w, http.StatusServiceUnavailable,
			"No credentials configured for provider "+string(*price.Provider), "provider_error")
		return nil, false
	}
	adm.provider = provider

	tagNames := parseTagHeader(r.Header.Get(headerTags))
	adm.tags, err = h.budgets.ReadTagSet(r.Context(), identity.TenantID, tagNames)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return nil, false
	}

	allowed, err := h.evaluatePolicy(r.Context(), adm)
	if err != nil {
		var verr *policy.ValidationError
		if errors.As(err, &verr) {
			h.logger.Error("Policy input rejected", zap.Error(err))
		} else {
			h.logger.Error("Policy evaluation failed", zap.Error(err))
		}
		writeError(w, http.StatusInternalServerError, "Internal error", "internal_error")
		return nil, false
	}
	if !allowed {
		middleware.RecordDenial("policy")
		h.publishDenied(adm)
		writeError(w, http.StatusForbidden, "Request denied by policy", "policy_error")
		return nil, false
	}

	return adm, true
}

// evaluatePolicy composes the open policy input and runs the
// evaluator. The first configured period is the primary budget.
func (h *ProxyHandler) evaluatePolicy(ctx context.Context, adm *admission) (bool, error) {
	budgets := make([]interface{}, 0, len(h.periods))
	var primaryUsage, primaryBudget float64

	for i, period := range h.periods {
		info, err := h.budgets.ReadBudget(ctx, adm.identity.TenantName, period)
		if err != nil {
			return false, err
		}
		used := h.counter.Current(ctx, adm.identity.TenantName, period, info.StartDate, info.EndDate)

		usedF, _ := used.Float64()
		amountF, _ := info.Amount.Float64()
		if i == 0 {
			primaryUsage, primaryBudget = usedF, amountF
		}
		budgets = append(budgets, map[string]interface{}{
			"period": string(period),
			"amount": amountF,
			"used":   usedF,
		})
	}

	tagBudgets := make(map[string]interface{}, len(adm.tags))
	for _, tag := range adm.tags {
		infos, err := h.budgets.ReadTagBudgets(ctx, tag.ID)
		if err != nil {
			return false, err
		}
		tagBudgets[tag.Name] = infos
	}

	input := map[string]interface{}{
		"tenant":     adm.identity.TenantName,
		"route":      adm.route,
		"model":      adm.model,
		"time":       h.now().UTC().Hour(),
		"usage":      primaryUsage,
		"budget":     primaryBudget,
		"budgets":    budgets,
		"tags":       adm.tags,
		"tagBudgets": tagBudgets,
	}

	return h.policy.Evaluate(ctx, input)
}

// publishDenied records a refused request in the event stream so
// every terminal outcome after authentication leaves a trace. The
// prompt side is estimated; nothing was spent upstream.
func (h *ProxyHandler) publishDenied(adm *admission) {
	h.publishOutcome(adm, models.UsageStatusDenied, cost.Usage{
		PromptTokens: cost.CountMessages(adm.model, costMessages(adm.req.Messages)),
	}, decimal.Zero)
}

// dispatchFailed handles a transport-level upstream failure: the
// error event is still published, including after a client
// disconnect.
func (h *ProxyHandler) dispatchFailed(w http.ResponseWriter, adm *admission, err error) {
	h.logger.Warn("Upstream dispatch failed",
		zap.String("model", adm.model),
		zap.String("provider", adm.provider.Name()),
		zap.Error(err))

	usage := cost.Usage{PromptTokens: cost.CountMessages(adm.model, costMessages(adm.req.Messages))}
	h.publishOutcome(adm, models.UsageStatusError, usage, decimal.Zero)
	middleware.RecordUpstream(adm.model, adm.provider.Name(), string(models.UsageStatusError),
		usage.PromptTokens, 0)

	writeError(w, http.StatusBadGateway, "Upstream provider error", "provider_error")
}

// finalize accounts the exchange and relays the upstream response.
// Non-2xx bodies pass through verbatim; their tokens are still
// accounted when the upstream reported usage.
func (h *ProxyHandler) finalize(w http.ResponseWriter, adm *admission, result *providers.Result) {
	var reported *cost.ProviderUsage
	var completionText string
	if result.Response != nil {
		if result.Response.Usage != nil {
			reported = &cost.ProviderUsage{
				PromptTokens: result.Response.Usage.PromptTokens,
				TotalTokens:  result.Response.Usage.TotalTokens,
			}
		}
		if len(result.Response.Choices) > 0 {
			completionText = result.Response.Choices[0].Message.Content
		}
	}

	status := models.UsageStatusSuccess
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		status = models.UsageStatusError
	}

	var usage cost.Usage
	if status == models.UsageStatusSuccess || reported != nil {
		usage = cost.ResolveUsage(adm.model, costMessages(adm.req.Messages), completionText, reported)
	}

	usd := decimal.Zero
	if usage.TotalTokens > 0 {
		var err error
		usd, err = h.estimator.Cost(context.Background(), adm.model, usage)
		if err != nil {
			h.logger.Error("Cost estimation failed", zap.String("model", adm.model), zap.Error(err))
			usd = decimal.Zero
		}
	}

	h.publishOutcome(adm, status, usage, usd)
	middleware.RecordUpstream(adm.model, adm.provider.Name(), string(status),
		usage.PromptTokens, usage.CompletionTokens)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)
}

// publishOutcome appends the usage event. Publish failures are logged
// and never affect the client response; the publish context is
// detached so a client disconnect cannot suppress the event.
func (h *ProxyHandler) publishOutcome(adm *admission, status models.UsageStatus, usage cost.Usage, usd decimal.Decimal) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	_, err := h.publisher.Publish(ctx, bgredis.UsageEvent{
		Timestamp:        h.now().UTC(),
		Tenant:           adm.identity.TenantName,
		Route:            adm.route,
		Model:            adm.model,
		USD:              usd,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		Status:           status,
		SessionID:        adm.sessionID,
		Tags:             adm.tags,
	})
	if err != nil {
		h.logger.Error("Usage event publish failed",
			zap.String("tenant", adm.identity.TenantName),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	middleware.RecordEventPublished(string(status))
}

func parseTagHeader(raw string) []string {
	if raw == "" {
		return nil
	}
	var names []string
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func costMessages(msgs []providers.ChatMessage) []cost.Message {
	out := make([]cost.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, cost.Message{Role: m.Role, Content: m.Content, Name: m.Name})
	}
	return out
}

// parseResponsesUsage extracts token usage from a responses API body,
// which reports input/output token names.
func parseResponsesUsage(body []byte) *providers.ChatResponse {
	var probe struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil
	}
	if probe.Usage.TotalTokens == 0 && probe.Usage.InputTokens == 0 {
		return nil
	}
	total := probe.Usage.TotalTokens
	if total == 0 {
		total = probe.Usage.InputTokens + probe.Usage.OutputTokens
	}
	return &providers.ChatResponse{
		ID:    probe.ID,
		Model: probe.Model,
		Usage: &providers.ChatUsage{
			PromptTokens:     probe.Usage.InputTokens,
			CompletionTokens: probe.Usage.OutputTokens,
			TotalTokens:      total,
		},
	}
}
