package tagusage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/budgetguard/budgetguard/internal/models"
)

func testTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewTracker(client, zap.NewNop()), mr
}

func TestTrackerRecord(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	t.Run("weighted increments across periods", func(t *testing.T) {
		tracker, _ := testTracker(t)

		tracker.Record(ctx, "acme", 100, at, decimal.NewFromInt(2), []models.TagRef{
			{ID: 10, Name: "team-a", Weight: 0.5},
		})

		daily, err := tracker.Current(ctx, "acme", 10, models.BudgetPeriodDaily, at)
		if err != nil {
			t.Fatalf("daily read: %v", err)
		}
		if !daily.Equal(decimal.NewFromInt(1)) {
			t.Errorf("daily = %s, want 1 (2 USD x 0.5 weight)", daily)
		}

		monthly, err := tracker.Current(ctx, "acme", 10, models.BudgetPeriodMonthly, at)
		if err != nil {
			t.Fatalf("monthly read: %v", err)
		}
		if !monthly.Equal(decimal.NewFromInt(1)) {
			t.Errorf("monthly = %s, want 1", monthly)
		}
	})

	t.Run("replayed ledger row does not re-increment", func(t *testing.T) {
		tracker, _ := testTracker(t)
		tags := []models.TagRef{{ID: 10, Name: "team-a", Weight: 1}}

		tracker.Record(ctx, "acme", 100, at, decimal.NewFromInt(3), tags)
		tracker.Record(ctx, "acme", 100, at, decimal.NewFromInt(3), tags)

		got, err := tracker.Current(ctx, "acme", 10, models.BudgetPeriodDaily, at)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !got.Equal(decimal.NewFromInt(3)) {
			t.Errorf("aggregate = %s, want 3 after replay", got)
		}
	})

	t.Run("distinct ledger rows accumulate", func(t *testing.T) {
		tracker, _ := testTracker(t)
		tags := []models.TagRef{{ID: 10, Name: "team-a", Weight: 1}}

		tracker.Record(ctx, "acme", 100, at, decimal.NewFromInt(3), tags)
		tracker.Record(ctx, "acme", 101, at, decimal.NewFromInt(4), tags)

		got, err := tracker.Current(ctx, "acme", 10, models.BudgetPeriodDaily, at)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !got.Equal(decimal.NewFromInt(7)) {
			t.Errorf("aggregate = %s, want 7", got)
		}
	})

	t.Run("aggregate keys expire", func(t *testing.T) {
		tracker, mr := testTracker(t)

		tracker.Record(ctx, "acme", 100, at, decimal.NewFromInt(1), []models.TagRef{
			{ID: 10, Name: "team-a", Weight: 1},
		})

		key := aggKey("acme", 10, models.BudgetPeriodDaily, models.WindowKey(models.BudgetPeriodDaily, at))
		if mr.TTL(key) <= 0 {
			t.Errorf("key %s has no ttl", key)
		}
	})

	t.Run("redis outage is swallowed", func(t *testing.T) {
		tracker, mr := testTracker(t)
		mr.Close()

		tracker.Record(ctx, "acme", 100, at, decimal.NewFromInt(1), []models.TagRef{
			{ID: 10, Name: "team-a", Weight: 1},
		})
	})

	t.Run("missing aggregate reads zero", func(t *testing.T) {
		tracker, _ := testTracker(t)

		got, err := tracker.Current(ctx, "acme", 99, models.BudgetPeriodDaily, at)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !got.IsZero() {
			t.Errorf("aggregate = %s, want 0", got)
		}
	})
}
