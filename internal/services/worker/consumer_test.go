package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/budgetguard/budgetguard/internal/models"
	"github.com/budgetguard/budgetguard/internal/services/budget"
	bgredis "github.com/budgetguard/budgetguard/internal/services/redis"
	"github.com/budgetguard/budgetguard/internal/services/tagusage"
)

type fakeLedgerStore struct {
	rows    []*models.UsageLedger
	tags    []models.RequestTag
	alerts  []*models.Alert
	tenants map[string]uint
	nextID  uint
}

func newFakeLedgerStore() *fakeLedgerStore {
	return &fakeLedgerStore{tenants: make(map[string]uint), nextID: 1}
}

func (f *fakeLedgerStore) UpsertTenantByName(_ context.Context, name string) (*models.Tenant, error) {
	id, ok := f.tenants[name]
	if !ok {
		id = uint(len(f.tenants) + 1)
		f.tenants[name] = id
	}
	return &models.Tenant{BaseModel: models.BaseModel{ID: id}, Name: name, IsActive: true}, nil
}

func (f *fakeLedgerStore) InsertLedgerRow(_ context.Context, row *models.UsageLedger) (bool, error) {
	for _, existing := range f.rows {
		if existing.EventID == row.EventID {
			return false, nil
		}
	}
	row.ID = f.nextID
	f.nextID++
	f.rows = append(f.rows, row)
	return true, nil
}

func (f *fakeLedgerStore) InsertRequestTags(_ context.Context, rows []models.RequestTag) error {
	f.tags = append(f.tags, rows...)
	return nil
}

func (f *fakeLedgerStore) CreateAlert(_ context.Context, alert *models.Alert) error {
	f.alerts = append(f.alerts, alert)
	return nil
}

func (f *fakeLedgerStore) SumUsage(context.Context, string, time.Time, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type emptyBudgetStore struct{}

func (emptyBudgetStore) BudgetRow(context.Context, string, models.BudgetPeriod) (*models.Budget, error) {
	return nil, nil
}
func (emptyBudgetStore) TenantRateLimit(context.Context, string) (*int, error) { return nil, nil }
func (emptyBudgetStore) TagBudgets(context.Context, uint) ([]models.TagBudget, error) {
	return nil, nil
}
func (emptyBudgetStore) ActiveTags(context.Context, uint) ([]models.Tag, error) { return nil, nil }
func (emptyBudgetStore) TagWeights(context.Context, []uint) (map[uint]float64, error) {
	return map[uint]float64{}, nil
}

func testConsumer(t *testing.T) (*Consumer, *fakeLedgerStore, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := newFakeLedgerStore()
	logger := zap.NewNop()
	counter := bgredis.NewUsageCounter(client, store, logger)
	tracker := tagusage.NewTracker(client, logger)
	budgets := budget.NewService(emptyBudgetStore{}, client, logger, budget.Defaults{
		DailyUSD:   decimal.NewFromInt(10),
		MonthlyUSD: decimal.NewFromInt(100),
	})

	consumer := NewConsumer(client, store, counter, tracker, budgets,
		[]models.BudgetPeriod{models.BudgetPeriodDaily}, logger)
	return consumer, store, client
}

func publish(t *testing.T, client *goredis.Client, event bgredis.UsageEvent) string {
	t.Helper()
	id, err := bgredis.NewEventPublisher(client, zap.NewNop()).Publish(context.Background(), event)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	return id
}

func baseEvent() bgredis.UsageEvent {
	return bgredis.UsageEvent{
		Timestamp:        time.Now().UTC(),
		Tenant:           "acme",
		Route:            "/v1/chat/completions",
		Model:            "gpt-4",
		USD:              decimal.NewFromFloat(0.5),
		PromptTokens:     14,
		CompletionTokens: 1,
		Status:           models.UsageStatusSuccess,
		Tags:             []models.TagRef{{ID: 10, Name: "team-a", Weight: 1}},
	}
}

func drainOne(t *testing.T, c *Consumer) {
	t.Helper()
	ctx := context.Background()

	streams, err := c.client.XRead(ctx, &goredis.XReadArgs{
		Streams: []string{bgredis.StreamUsageEvents, c.lastID},
		Count:   1,
		Block:   time.Millisecond,
	}).Result()
	if err != nil {
		t.Fatalf("xread failed: %v", err)
	}
	msg := streams[0].Messages[0]
	if err := c.handle(ctx, msg.ID, msg.Values); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	c.lastID = msg.ID
}

func TestConsumerPersistsEvent(t *testing.T) {
	consumer, store, client := testConsumer(t)
	event := baseEvent()
	id := publish(t, client, event)

	drainOne(t, consumer)

	if len(store.rows) != 1 {
		t.Fatalf("got %d ledger rows, want 1", len(store.rows))
	}
	row := store.rows[0]
	if row.EventID != id {
		t.Errorf("event id = %q, want %q", row.EventID, id)
	}
	if row.Tenant != "acme" || row.TenantID == 0 {
		t.Errorf("tenant = %q id %d", row.Tenant, row.TenantID)
	}
	if !row.USD.Equal(event.USD) || row.PromptTok != 14 || row.CompTok != 1 {
		t.Errorf("row = %+v", row)
	}
	if len(store.tags) != 1 || store.tags[0].TagID != 10 || store.tags[0].AssignedBy != "header" {
		t.Errorf("request tags = %+v", store.tags)
	}
}

func TestConsumerReplayIsExactlyOnce(t *testing.T) {
	consumer, store, client := testConsumer(t)
	ctx := context.Background()
	event := baseEvent()
	id := publish(t, client, event)

	drainOne(t, consumer)

	aggBefore, err := consumer.tracker.Current(ctx, "acme", 10, models.BudgetPeriodDaily, event.Timestamp)
	if err != nil {
		t.Fatalf("aggregate read: %v", err)
	}

	// Replay the same entry, as a consumer restarted from an older
	// lastId would.
	entries, err := client.XRange(ctx, bgredis.StreamUsageEvents, id, id).Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if err := consumer.handle(ctx, entries[0].ID, entries[0].Values); err != nil {
		t.Fatalf("replay handle: %v", err)
	}

	if len(store.rows) != 1 {
		t.Errorf("got %d ledger rows after replay, want 1", len(store.rows))
	}
	if len(store.tags) != 1 {
		t.Errorf("got %d request tags after replay, want 1", len(store.tags))
	}

	aggAfter, err := consumer.tracker.Current(ctx, "acme", 10, models.BudgetPeriodDaily, event.Timestamp)
	if err != nil {
		t.Fatalf("aggregate read: %v", err)
	}
	if !aggAfter.Equal(aggBefore) {
		t.Errorf("aggregate changed on replay: %s -> %s", aggBefore, aggAfter)
	}
}

func TestConsumerSkipsMalformedEvent(t *testing.T) {
	consumer, store, client := testConsumer(t)
	ctx := context.Background()

	if err := client.XAdd(ctx, &goredis.XAddArgs{
		Stream: bgredis.StreamUsageEvents,
		Values: map[string]interface{}{"garbage": "yes"},
	}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	publish(t, client, baseEvent())

	drainOne(t, consumer) // malformed: skipped without error
	drainOne(t, consumer) // valid one behind it

	if len(store.rows) != 1 {
		t.Errorf("got %d ledger rows, want 1 (malformed skipped)", len(store.rows))
	}
}

func TestConsumerRaisesBudgetAlertOnce(t *testing.T) {
	consumer, store, client := testConsumer(t)

	over := baseEvent()
	over.USD = decimal.NewFromInt(12) // daily default is 10
	over.Tags = nil
	publish(t, client, over)
	drainOne(t, consumer)

	if len(store.alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(store.alerts))
	}
	if store.alerts[0].Period != models.BudgetPeriodDaily || store.alerts[0].Threshold != 100 {
		t.Errorf("alert = %+v", store.alerts[0])
	}

	// Already over budget: further spend must not re-alert.
	more := baseEvent()
	more.USD = decimal.NewFromInt(1)
	more.Tags = nil
	publish(t, client, more)
	drainOne(t, consumer)

	if len(store.alerts) != 1 {
		t.Errorf("got %d alerts after second event, want 1", len(store.alerts))
	}
}

func TestConsumerRunStopsOnCancel(t *testing.T) {
	consumer, store, client := testConsumer(t)
	publish(t, client, baseEvent())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := consumer.Run(ctx); err == nil {
		t.Fatal("expected context error")
	}
	if len(store.rows) != 1 {
		t.Errorf("got %d ledger rows, want 1", len(store.rows))
	}
}
