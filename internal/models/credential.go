package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Credential is the OAuth-style token record for one (user, provider) pair.
// It is owned by the account subsystem; the engine reads and updates it but
// never creates it from nothing. Absence of a credential forces the
// connection into not_connected.
type Credential struct {
	ID       string `gorm:"primaryKey"`
	UserID   string `gorm:"not null;uniqueIndex:idx_credential_user_provider,priority:1"`
	Provider string `gorm:"not null;uniqueIndex:idx_credential_user_provider,priority:2"`

	// Token storage (should be encrypted at rest in production)
	AccessToken  string `gorm:"type:text"`
	RefreshToken string `gorm:"type:text"`

	// ExpiresAt is nil for providers that issue non-expiring access tokens.
	ExpiresAt *time.Time

	Scopes string // space-separated scopes

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName overrides the table name used by Credential.
func (Credential) TableName() string {
	return "cloud_storage_credentials"
}

// IsExpired reports whether the access token has expired as of now.
func (c *Credential) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// ExpiresWithin reports whether the access token expires inside the given
// window (or has already expired). Non-expiring tokens never match.
func (c *Credential) ExpiresWithin(window time.Duration, now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return now.Add(window).After(*c.ExpiresAt)
}

// Fingerprint derives a stable identity for the credential, used as the
// connection pool key. It changes whenever the refresh token or scopes
// change, so a rotated credential never reuses a stale pooled client.
func (c *Credential) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(c.Provider))
	h.Write([]byte{0})
	h.Write([]byte(c.UserID))
	h.Write([]byte{0})
	h.Write([]byte(c.RefreshToken))
	h.Write([]byte{0})
	h.Write([]byte(c.Scopes))
	return hex.EncodeToString(h.Sum(nil))
}
