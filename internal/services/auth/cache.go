package auth

import (
	"sync"
	"time"
)

const (
	cacheTTL      = 5 * time.Minute
	sweepInterval = time.Minute
)

type cacheEntry struct {
	apiKeyID          uint
	tenantID          uint
	tenantName        string
	expiresAt         time.Time
	lastUsedUpdatedAt time.Time
	isActive          bool
}

// credentialCache holds positive verification results keyed by the
// plaintext secret so repeated calls skip bcrypt. It is an
// optimization only; invalidation just forces the next call back to
// the store.
type credentialCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	done    chan struct{}
}

func newCredentialCache() *credentialCache {
	c := &credentialCache{
		entries: make(map[string]*cacheEntry),
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *credentialCache) get(secret string, now time.Time) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[secret]
	if !ok || now.After(e.expiresAt) || !e.isActive {
		return nil, false
	}
	copied := *e
	return &copied, true
}

func (c *credentialCache) put(secret string, apiKeyID, tenantID uint, tenantName string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[secret] = &cacheEntry{
		apiKeyID:          apiKeyID,
		tenantID:          tenantID,
		tenantName:        tenantName,
		expiresAt:         now.Add(cacheTTL),
		lastUsedUpdatedAt: now,
		isActive:          true,
	}
}

func (c *credentialCache) markTouched(secret string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[secret]; ok {
		e.lastUsedUpdatedAt = now
	}
}

func (c *credentialCache) invalidate(secret string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, secret)
}

func (c *credentialCache) deactivateKey(apiKeyID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.apiKeyID == apiKeyID {
			e.isActive = false
		}
	}
}

func (c *credentialCache) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for secret, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, secret)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *credentialCache) close() {
	close(c.done)
}
