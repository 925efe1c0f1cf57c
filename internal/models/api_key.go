package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefixLen is the number of leading plaintext characters stored as
// an index alongside the bcrypt hash. Lookups fetch by prefix and then
// verify the full secret against the hash.
const KeyPrefixLen = 8

type APIKey struct {
	BaseModel
	KeyHash    string     `gorm:"not null" json:"-"`
	KeyPrefix  string     `gorm:"index;not null;size:8" json:"key_prefix"`
	IsActive   bool       `gorm:"default:true" json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at"`

	TenantID uint   `gorm:"not null;index" json:"tenant_id"`
	Tenant   Tenant `gorm:"foreignKey:TenantID" json:"-"`
}

// GenerateAPIKey returns a new plaintext secret and its bcrypt hash.
// The plaintext is never persisted.
func GenerateAPIKey() (string, string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}

	key := fmt.Sprintf("bg_%s", hex.EncodeToString(b))

	hash, err := HashAPIKey(key)
	if err != nil {
		return "", "", err
	}

	return key, hash, nil
}

func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyAPIKey reports whether the plaintext secret matches the stored
// hash. Comparison errors (corrupt hash, wrong secret) are both a
// no-match; the caller fails closed either way.
func VerifyAPIKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

func KeyPrefix(key string) string {
	if len(key) < KeyPrefixLen {
		return ""
	}
	return key[:KeyPrefixLen]
}
