package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/budgetguard/budgetguard/internal/models"
)

// Cache TTLs per read path. Daily budgets roll over at UTC midnight so
// they get the shortest TTL; monthly windows tolerate more staleness.
const (
	ttlDailyBudget   = 300 * time.Second
	ttlMonthlyBudget = 1800 * time.Second
	ttlDefault       = 3600 * time.Second
	ttlTagRoster     = 300 * time.Second
)

// Info is the resolved budget for one tenant+period window.
type Info struct {
	Amount    decimal.Decimal `json:"amount"`
	StartDate time.Time       `json:"startDate"`
	EndDate   time.Time       `json:"endDate"`
}

// TagBudgetInfo is one active tag budget participating in admission.
type TagBudgetInfo struct {
	Period          models.BudgetPeriod    `json:"period"`
	AmountUSD       decimal.Decimal        `json:"amountUsd"`
	Weight          float64                `json:"weight"`
	InheritanceMode models.InheritanceMode `json:"inheritanceMode"`
}

// tagSnapshot is the cached form of a tenant's active tag roster.
type tagSnapshot struct {
	ID     uint    `json:"id"`
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// Store is the persistence surface behind the two-tier cache.
type Store interface {
	BudgetRow(ctx context.Context, tenant string, period models.BudgetPeriod) (*models.Budget, error)
	TenantRateLimit(ctx context.Context, tenant string) (*int, error)
	TagBudgets(ctx context.Context, tagID uint) ([]models.TagBudget, error)
	ActiveTags(ctx context.Context, tenantID uint) ([]models.Tag, error)
	TagWeights(ctx context.Context, tagIDs []uint) (map[uint]float64, error)
}

type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) BudgetRow(ctx context.Context, tenant string, period models.BudgetPeriod) (*models.Budget, error) {
	var row models.Budget
	err := s.db.WithContext(ctx).
		Joins("JOIN tenants ON tenants.id = budgets.tenant_id").
		Where("tenants.name = ? AND budgets.period = ?", tenant, period).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *gormStore) TenantRateLimit(ctx context.Context, tenant string) (*int, error) {
	var row models.Tenant
	err := s.db.WithContext(ctx).Where("name = ?", tenant).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.RateLimitPerMin, nil
}

func (s *gormStore) TagBudgets(ctx context.Context, tagID uint) ([]models.TagBudget, error) {
	var rows []models.TagBudget
	err := s.db.WithContext(ctx).
		Where("tag_id = ? AND is_active = ?", tagID, true).
		Find(&rows).Error
	return rows, err
}

func (s *gormStore) ActiveTags(ctx context.Context, tenantID uint) ([]models.Tag, error) {
	var rows []models.Tag
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		Find(&rows).Error
	return rows, err
}

func (s *gormStore) TagWeights(ctx context.Context, tagIDs []uint) (map[uint]float64, error) {
	weights := make(map[uint]float64, len(tagIDs))
	if len(tagIDs) == 0 {
		return weights, nil
	}

	var rows []models.TagBudget
	err := s.db.WithContext(ctx).
		Where("tag_id IN ? AND is_active = ?", tagIDs, true).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if _, ok := weights[row.TagID]; !ok {
			weights[row.TagID] = row.Weight
		}
	}
	return weights, nil
}

// Defaults carries the environment-independent fallback amounts.
type Defaults struct {
	DailyUSD   decimal.Decimal
	MonthlyUSD decimal.Decimal
	StartDate  *time.Time
	EndDate    *time.Time
}

// Service answers budget, rate limit, and tag questions through a
// Redis-first, store-second cache. A nil Redis client degrades every
// read to the store; the cache is never a correctness dependency.
type Service struct {
	store  Store
	rdb    *redis.Client
	logger *zap.Logger
	def    Defaults
	now    func() time.Time
}

func NewService(store Store, rdb *redis.Client, logger *zap.Logger, def Defaults) *Service {
	return &Service{
		store:  store,
		rdb:    rdb,
		logger: logger,
		def:    def,
		now:    time.Now,
	}
}

func budgetKey(tenant string, period models.BudgetPeriod) string {
	return fmt.Sprintf("budget:%s:%s", tenant, period)
}

func rateLimitKey(tenant string) string {
	return fmt.Sprintf("ratelimit:%s", tenant)
}

func tagRosterKey(tenantID uint) string {
	return fmt.Sprintf("tags:tenant:%d", tenantID)
}

func tagBudgetKey(tagID uint) string {
	return fmt.Sprintf("tag_session_budget:%d", tagID)
}

// TagSetKey is deterministic in the set of names, not their order.
func TagSetKey(tenantID uint, names []string) string {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)
	return fmt.Sprintf("tagset:%d:%s", tenantID, strings.Join(sorted, ","))
}

func budgetTTL(period models.BudgetPeriod) time.Duration {
	switch period {
	case models.BudgetPeriodDaily:
		return ttlDailyBudget
	case models.BudgetPeriodMonthly:
		return ttlMonthlyBudget
	}
	return ttlDefault
}

// cacheGet fetches and decodes a cached JSON value. A Redis outage is
// reported as a miss after a WARN; it never fails the read.
func (s *Service) cacheGet(ctx context.Context, key string, dest interface{}) bool {
	if s.rdb == nil {
		return false
	}
	data, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		s.logger.Warn("Redis read failed, falling back to store",
			zap.String("key", key), zap.Error(err))
		return false
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		s.logger.Warn("Corrupt cache entry dropped", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (s *Service) cacheSet(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		s.logger.Warn("Redis write failed", zap.String("key", key), zap.Error(err))
	}
}

// ReadBudget resolves the tenant's budget for a period. Amount
// resolution: stored row, then BUDGET_<PERIOD>_<TENANT>, then
// BUDGET_<PERIOD>_USD, then the configured default. Environment
// fallback applies only when no row exists for that tenant+period.
func (s *Service) ReadBudget(ctx context.Context, tenant string, period models.BudgetPeriod) (*Info, error) {
	key := budgetKey(tenant, period)

	var cached Info
	if s.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}

	row, err := s.store.BudgetRow(ctx, tenant, period)
	if err != nil {
		return nil, fmt.Errorf("budget lookup for %s/%s: %w", tenant, period, err)
	}

	var info *Info
	if row != nil {
		start, end, ok := row.Window(s.now())
		if !ok {
			return nil, fmt.Errorf("custom budget for %s is missing start or end date", tenant)
		}
		info = &Info{Amount: row.AmountUSD, StartDate: start, EndDate: end}
	} else {
		amount, err := s.fallbackAmount(tenant, period)
		if err != nil {
			return nil, err
		}
		start, end, ok := models.PeriodWindow(period, s.now(), s.def.StartDate, s.def.EndDate)
		if !ok {
			return nil, fmt.Errorf("no window for %s budget of %s", period, tenant)
		}
		info = &Info{Amount: amount, StartDate: start, EndDate: end}
	}

	s.cacheSet(ctx, key, info, budgetTTL(period))
	return info, nil
}

func (s *Service) fallbackAmount(tenant string, period models.BudgetPeriod) (decimal.Decimal, error) {
	upperPeriod := strings.ToUpper(string(period))
	upperTenant := strings.ToUpper(strings.ReplaceAll(tenant, "-", "_"))

	for _, env := range []string{
		fmt.Sprintf("BUDGET_%s_%s", upperPeriod, upperTenant),
		fmt.Sprintf("BUDGET_%s_USD", upperPeriod),
	} {
		if raw := os.Getenv(env); raw != "" {
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				return decimal.Zero, fmt.Errorf("invalid %s: %w", env, err)
			}
			return amount, nil
		}
	}

	switch period {
	case models.BudgetPeriodDaily:
		return s.def.DailyUSD, nil
	case models.BudgetPeriodMonthly:
		return s.def.MonthlyUSD, nil
	}
	return decimal.Zero, fmt.Errorf("no budget configured for %s/%s", tenant, period)
}

// ReadRateLimit returns the tenant's requests-per-minute cap, or the
// supplied default when the tenant has none.
func (s *Service) ReadRateLimit(ctx context.Context, tenant string, fallback int) (int, error) {
	key := rateLimitKey(tenant)

	var cached int
	if s.cacheGet(ctx, key, &cached) {
		return cached, nil
	}

	limit, err := s.store.TenantRateLimit(ctx, tenant)
	if err != nil {
		return 0, fmt.Errorf("rate limit lookup for %s: %w", tenant, err)
	}

	value := fallback
	if limit != nil {
		value = *limit
	}

	s.cacheSet(ctx, key, value, ttlDefault)
	return value, nil
}

// ReadTagBudgets returns the active budgets configured for a tag.
func (s *Service) ReadTagBudgets(ctx context.Context, tagID uint) ([]TagBudgetInfo, error) {
	key := tagBudgetKey(tagID)

	var cached []TagBudgetInfo
	if s.cacheGet(ctx, key, &cached) {
		return cached, nil
	}

	rows, err := s.store.TagBudgets(ctx, tagID)
	if err != nil {
		return nil, fmt.Errorf("tag budget lookup for %d: %w", tagID, err)
	}

	infos := make([]TagBudgetInfo, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, TagBudgetInfo{
			Period:          row.Period,
			AmountUSD:       row.AmountUSD,
			Weight:          row.Weight,
			InheritanceMode: row.InheritanceMode,
		})
	}

	s.cacheSet(ctx, key, infos, ttlDefault)
	return infos, nil
}

// ReadTagSet validates the supplied tag names against the tenant's
// active roster and returns resolved refs. Any unknown name fails the
// whole set. An empty list resolves to an empty set without touching
// the store or cache.
func (s *Service) ReadTagSet(ctx context.Context, tenantID uint, names []string) ([]models.TagRef, error) {
	if len(names) == 0 {
		return []models.TagRef{}, nil
	}

	key := TagSetKey(tenantID, names)

	var cached []models.TagRef
	if s.cacheGet(ctx, key, &cached) {
		return cached, nil
	}

	roster, err := s.tagRoster(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]tagSnapshot, len(roster))
	for _, tag := range roster {
		byName[tag.Name] = tag
	}

	refs := make([]models.TagRef, 0, len(names))
	var missing []string
	for _, name := range names {
		tag, ok := byName[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		refs = append(refs, models.TagRef{ID: tag.ID, Name: tag.Name, Weight: tag.Weight})
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("Tags not found for this tenant: %s", strings.Join(missing, ", "))
	}

	s.cacheSet(ctx, key, refs, ttlDefault)
	return refs, nil
}

// tagRoster returns the tenant's active tags with weights, cached for
// a short interval under tags:tenant:<id>.
func (s *Service) tagRoster(ctx context.Context, tenantID uint) ([]tagSnapshot, error) {
	key := tagRosterKey(tenantID)

	var cached []tagSnapshot
	if s.cacheGet(ctx, key, &cached) {
		return cached, nil
	}

	tags, err := s.store.ActiveTags(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tag roster lookup for tenant %d: %w", tenantID, err)
	}

	ids := make([]uint, 0, len(tags))
	for _, tag := range tags {
		ids = append(ids, tag.ID)
	}
	weights, err := s.store.TagWeights(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("tag weight lookup for tenant %d: %w", tenantID, err)
	}

	roster := make([]tagSnapshot, 0, len(tags))
	for _, tag := range tags {
		weight, ok := weights[tag.ID]
		if !ok {
			weight = 1.0
		}
		roster = append(roster, tagSnapshot{ID: tag.ID, Name: tag.Name, Weight: weight})
	}

	s.cacheSet(ctx, key, roster, ttlTagRoster)
	return roster, nil
}

// Invalidate drops the cached entries touched by a write to the
// tenant's budgets or tags.
func (s *Service) Invalidate(ctx context.Context, tenant string, tenantID uint) {
	if s.rdb == nil {
		return
	}

	keys := []string{
		budgetKey(tenant, models.BudgetPeriodDaily),
		budgetKey(tenant, models.BudgetPeriodMonthly),
		budgetKey(tenant, models.BudgetPeriodCustom),
		rateLimitKey(tenant),
		tagRosterKey(tenantID),
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		s.logger.Warn("Cache invalidation failed", zap.String("tenant", tenant), zap.Error(err))
	}
}
