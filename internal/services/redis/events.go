package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/budgetguard/budgetguard/internal/models"
)

// StreamUsageEvents is the append-only stream between the proxy and
// the ledger consumer.
const StreamUsageEvents = "bg_events"

// streamMaxLen bounds stream growth; entries past it are trimmed
// approximately. The ledger is the durable record, not the stream.
const streamMaxLen = 100_000

// UsageEvent is one completed, failed, or denied upstream call. Its
// identity is the stream entry id assigned on publish.
type UsageEvent struct {
	Timestamp        time.Time
	Tenant           string
	Route            string
	Model            string
	USD              decimal.Decimal
	PromptTokens     int
	CompletionTokens int
	Status           models.UsageStatus
	SessionID        string
	Tags             []models.TagRef
}

// EventPublisher appends usage events to the stream.
type EventPublisher struct {
	client *redis.Client
	logger *zap.Logger
}

func NewEventPublisher(client *redis.Client, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{client: client, logger: logger}
}

// Publish appends the event and returns its stream entry id.
func (ep *EventPublisher) Publish(ctx context.Context, event UsageEvent) (string, error) {
	values := map[string]interface{}{
		"ts":        strconv.FormatInt(event.Timestamp.UnixMilli(), 10),
		"tenant":    event.Tenant,
		"route":     event.Route,
		"model":     event.Model,
		"usd":       event.USD.String(),
		"promptTok": strconv.Itoa(event.PromptTokens),
		"compTok":   strconv.Itoa(event.CompletionTokens),
		"status":    string(event.Status),
	}
	if event.SessionID != "" {
		values["sessionId"] = event.SessionID
	}
	if len(event.Tags) > 0 {
		tags, err := json.Marshal(event.Tags)
		if err != nil {
			return "", fmt.Errorf("failed to encode event tags: %w", err)
		}
		values["tags"] = string(tags)
	}

	id, err := ep.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamUsageEvents,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		ep.logger.Error("Failed to publish usage event",
			zap.String("tenant", event.Tenant),
			zap.String("status", string(event.Status)),
			zap.Error(err))
		return "", err
	}

	ep.logger.Debug("Usage event published",
		zap.String("id", id),
		zap.String("tenant", event.Tenant),
		zap.String("usd", event.USD.String()))

	return id, nil
}

// ParseUsageEvent decodes a stream entry's field map. Any missing or
// unparseable required field fails the whole entry.
func ParseUsageEvent(values map[string]interface{}) (UsageEvent, error) {
	var event UsageEvent

	str := func(field string) (string, error) {
		raw, ok := values[field]
		if !ok {
			return "", fmt.Errorf("missing field %q", field)
		}
		s, ok := raw.(string)
		if !ok {
			return "", fmt.Errorf("field %q is not a string", field)
		}
		return s, nil
	}

	ts, err := str("ts")
	if err != nil {
		return event, err
	}
	millis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return event, fmt.Errorf("bad ts %q: %w", ts, err)
	}
	event.Timestamp = time.UnixMilli(millis).UTC()

	if event.Tenant, err = str("tenant"); err != nil {
		return event, err
	}
	if event.Route, err = str("route"); err != nil {
		return event, err
	}
	if event.Model, err = str("model"); err != nil {
		return event, err
	}

	usd, err := str("usd")
	if err != nil {
		return event, err
	}
	if event.USD, err = decimal.NewFromString(usd); err != nil {
		return event, fmt.Errorf("bad usd %q: %w", usd, err)
	}

	prompt, err := str("promptTok")
	if err != nil {
		return event, err
	}
	if event.PromptTokens, err = strconv.Atoi(prompt); err != nil {
		return event, fmt.Errorf("bad promptTok %q: %w", prompt, err)
	}

	comp, err := str("compTok")
	if err != nil {
		return event, err
	}
	if event.CompletionTokens, err = strconv.Atoi(comp); err != nil {
		return event, fmt.Errorf("bad compTok %q: %w", comp, err)
	}

	status, err := str("status")
	if err != nil {
		return event, err
	}
	event.Status = models.UsageStatus(status)
	if !event.Status.Valid() {
		return event, fmt.Errorf("unknown status %q", status)
	}

	if raw, ok := values["sessionId"].(string); ok {
		event.SessionID = raw
	}
	if raw, ok := values["tags"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &event.Tags); err != nil {
			return event, fmt.Errorf("bad tags %q: %w", raw, err)
		}
	}

	return event, nil
}
