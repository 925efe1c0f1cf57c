package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/budgetguard/budgetguard/internal/models"
	"github.com/budgetguard/budgetguard/internal/services/budget"
	bgredis "github.com/budgetguard/budgetguard/internal/services/redis"
	"github.com/budgetguard/budgetguard/internal/services/tagusage"
)

const (
	readBlock  = 5 * time.Second
	retryDelay = time.Second
)

var decimalHundred = decimal.NewFromInt(100)

// Consumer drains the usage event stream into the ledger: one durable
// row per event, RequestTag links, running-sum counter updates, tag
// aggregates, and budget alerts. Malformed entries are logged and
// skipped; transient store failures retry the same entry.
type Consumer struct {
	client  *goredis.Client
	store   LedgerStore
	counter *bgredis.UsageCounter
	tracker *tagusage.Tracker
	budgets *budget.Service
	periods []models.BudgetPeriod
	logger  *zap.Logger

	lastID string
}

func NewConsumer(
	client *goredis.Client,
	store LedgerStore,
	counter *bgredis.UsageCounter,
	tracker *tagusage.Tracker,
	budgets *budget.Service,
	periods []models.BudgetPeriod,
	logger *zap.Logger,
) *Consumer {
	return &Consumer{
		client:  client,
		store:   store,
		counter: counter,
		tracker: tracker,
		budgets: budgets,
		periods: periods,
		logger:  logger,
		lastID:  "0-0",
	}
}

// Run blocks until the context is canceled, reading the stream one
// entry at a time in append order.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Ledger consumer started",
		zap.String("stream", bgredis.StreamUsageEvents),
		zap.String("from", c.lastID))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := c.client.XRead(ctx, &goredis.XReadArgs{
			Streams: []string{bgredis.StreamUsageEvents, c.lastID},
			Count:   1,
			Block:   readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.logger.Warn("Stream read failed, retrying", zap.Error(err))
			sleepCtx(ctx, retryDelay)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if err := c.handle(ctx, msg.ID, msg.Values); err != nil {
					c.logger.Warn("Event processing failed, will retry",
						zap.String("event_id", msg.ID), zap.Error(err))
					sleepCtx(ctx, retryDelay)
					break
				}
				c.lastID = msg.ID
			}
		}
	}
}

// handle processes one stream entry. A nil return advances lastId —
// including for malformed entries, which are logged and dropped.
func (c *Consumer) handle(ctx context.Context, id string, values map[string]interface{}) error {
	event, err := bgredis.ParseUsageEvent(values)
	if err != nil {
		c.logger.Warn("Malformed event skipped",
			zap.String("event_id", id), zap.Error(err))
		return nil
	}

	tenant, err := c.store.UpsertTenantByName(ctx, event.Tenant)
	if err != nil {
		return fmt.Errorf("tenant upsert: %w", err)
	}

	row := &models.UsageLedger{
		EventID:   id,
		Timestamp: event.Timestamp,
		Tenant:    event.Tenant,
		TenantID:  tenant.ID,
		Route:     event.Route,
		Model:     event.Model,
		USD:       event.USD,
		PromptTok: event.PromptTokens,
		CompTok:   event.CompletionTokens,
		Status:    event.Status,
		SessionID: event.SessionID,
	}
	if len(event.Tags) > 0 {
		tags, merr := json.Marshal(event.Tags)
		if merr != nil {
			return fmt.Errorf("tag encode: %w", merr)
		}
		row.Tags = tags
	}

	created, err := c.store.InsertLedgerRow(ctx, row)
	if err != nil {
		return fmt.Errorf("ledger insert: %w", err)
	}
	if !created {
		c.logger.Debug("Duplicate event id, ledger row already exists",
			zap.String("event_id", id))
		return nil
	}

	if len(event.Tags) > 0 {
		tagRows := make([]models.RequestTag, 0, len(event.Tags))
		for _, tag := range event.Tags {
			tagRows = append(tagRows, models.RequestTag{
				UsageLedgerID: row.ID,
				TagID:         tag.ID,
				Weight:        tag.Weight,
				AssignedBy:    "header",
			})
		}
		if err := c.store.InsertRequestTags(ctx, tagRows); err != nil {
			return fmt.Errorf("request tag insert: %w", err)
		}

		c.tracker.Record(ctx, event.Tenant, row.ID, event.Timestamp, event.USD, event.Tags)
	}

	for _, period := range c.periods {
		c.counter.Add(ctx, event.Tenant, period, event.Timestamp, event.USD)
	}

	c.checkBudgets(ctx, tenant, &event)

	c.logger.Debug("Event persisted",
		zap.String("event_id", id),
		zap.String("tenant", event.Tenant),
		zap.String("usd", event.USD.String()))

	return nil
}

// checkBudgets raises an alert for each period whose budget this
// event's spend crossed. Alerting is best effort; failures never
// block ledger progress.
func (c *Consumer) checkBudgets(ctx context.Context, tenant *models.Tenant, event *bgredis.UsageEvent) {
	for _, period := range c.periods {
		info, err := c.budgets.ReadBudget(ctx, event.Tenant, period)
		if err != nil {
			c.logger.Warn("Budget read failed during alert check",
				zap.String("tenant", event.Tenant),
				zap.String("period", string(period)),
				zap.Error(err))
			continue
		}
		if info.Amount.IsZero() {
			continue
		}

		current := c.counter.Current(ctx, event.Tenant, period, info.StartDate, info.EndDate)
		before := current.Sub(event.USD)
		if before.GreaterThanOrEqual(info.Amount) || current.LessThan(info.Amount) {
			continue
		}

		pct, _ := current.Div(info.Amount).Mul(decimalHundred).Float64()
		alert := &models.Alert{
			TenantID:   tenant.ID,
			Period:     period,
			Threshold:  100,
			CurrentPct: pct,
			Message: fmt.Sprintf("Tenant %s exhausted its %s budget of %s USD",
				event.Tenant, period, info.Amount),
			SentAt: time.Now().UTC(),
		}
		if err := c.store.CreateAlert(ctx, alert); err != nil {
			c.logger.Warn("Alert insert failed",
				zap.String("tenant", event.Tenant),
				zap.String("period", string(period)),
				zap.Error(err))
			continue
		}

		c.logger.Info("Budget exhausted",
			zap.String("tenant", event.Tenant),
			zap.String("period", string(period)),
			zap.Float64("pct", pct))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
