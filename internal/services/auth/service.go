package auth

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/budgetguard/budgetguard/internal/models"
)

// lastUsedInterval throttles lastUsedAt writes per key.
const lastUsedInterval = 60 * time.Second

// Identity is the resolved caller of a request.
type Identity struct {
	APIKeyID   uint
	TenantID   uint
	TenantName string
}

// KeyStore is the persistence surface the resolver needs.
type KeyStore interface {
	ActiveKeysByPrefix(ctx context.Context, prefix string) ([]models.APIKey, error)
	TouchLastUsed(ctx context.Context, keyID uint, at time.Time) error
}

type gormKeyStore struct {
	db *gorm.DB
}

func NewGormKeyStore(db *gorm.DB) KeyStore {
	return &gormKeyStore{db: db}
}

func (s *gormKeyStore) ActiveKeysByPrefix(ctx context.Context, prefix string) ([]models.APIKey, error) {
	var keys []models.APIKey
	err := s.db.WithContext(ctx).
		Preload("Tenant").
		Where("key_prefix = ? AND is_active = ?", prefix, true).
		Find(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *gormKeyStore) TouchLastUsed(ctx context.Context, keyID uint, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.APIKey{}).
		Where("id = ?", keyID).
		Update("last_used_at", at).Error
}

// Service resolves plaintext API keys to tenant identities.
type Service struct {
	store  KeyStore
	logger *zap.Logger
	cache  *credentialCache
}

func NewService(store KeyStore, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		cache:  newCredentialCache(),
	}
}

// Authenticate verifies the secret and returns the caller identity, or
// nil when the key is unknown, inactive, or malformed. Storage errors
// fail closed. Secrets shorter than the prefix length are rejected
// without touching the store.
func (s *Service) Authenticate(ctx context.Context, secret string) (*Identity, error) {
	if len(secret) < models.KeyPrefixLen {
		return nil, nil
	}

	now := time.Now()
	if entry, ok := s.cache.get(secret, now); ok {
		s.maybeTouchLastUsed(secret, entry.apiKeyID, entry.lastUsedUpdatedAt, now)
		return &Identity{APIKeyID: entry.apiKeyID, TenantID: entry.tenantID, TenantName: entry.tenantName}, nil
	}

	candidates, err := s.store.ActiveKeysByPrefix(ctx, models.KeyPrefix(secret))
	if err != nil {
		s.logger.Warn("API key lookup failed", zap.Error(err))
		return nil, nil
	}

	for i := range candidates {
		key := &candidates[i]
		if !models.VerifyAPIKey(secret, key.KeyHash) {
			continue
		}

		s.cache.put(secret, key.ID, key.TenantID, key.Tenant.Name, now)
		s.maybeTouchLastUsed(secret, key.ID, time.Time{}, now)
		return &Identity{APIKeyID: key.ID, TenantID: key.TenantID, TenantName: key.Tenant.Name}, nil
	}

	return nil, nil
}

// maybeTouchLastUsed fires an async lastUsedAt update at most once per
// interval per key. The write never blocks the request.
func (s *Service) maybeTouchLastUsed(secret string, keyID uint, lastUpdated, now time.Time) {
	if now.Sub(lastUpdated) < lastUsedInterval {
		return
	}

	s.cache.markTouched(secret, now)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.store.TouchLastUsed(ctx, keyID, now); err != nil {
			s.logger.Warn("Failed to update key last_used_at",
				zap.Uint("key_id", keyID),
				zap.Error(err))
		}
	}()
}

// Invalidate drops the cached entry for a secret.
func (s *Service) Invalidate(secret string) {
	s.cache.invalidate(secret)
}

// DeactivateKey flips cached entries for the key to inactive so they
// stop short-circuiting authentication.
func (s *Service) DeactivateKey(keyID uint) {
	s.cache.deactivateKey(keyID)
}

// Close stops the cache sweeper.
func (s *Service) Close() {
	s.cache.close()
}
