package models

import (
	"time"
)

// Connection health states. A connection cycles freely between these;
// none is terminal. not_connected is the initial state when no
// credential exists for the (user, provider) pair.
const (
	StatusHealthy                = "healthy"
	StatusDegraded               = "degraded"
	StatusUnhealthy              = "unhealthy"
	StatusAuthenticationRequired = "authentication_required"
	StatusNotConnected           = "not_connected"
)

// HealthStatus is the persisted health record for one (user, provider)
// cloud storage connection. All mutations go through health.Store; callers
// must never write fields directly.
type HealthStatus struct {
	ID     string `gorm:"primaryKey"`
	UserID string `gorm:"not null;uniqueIndex:idx_health_user_provider,priority:1"`
	// Provider is the cloud storage provider name ("google_drive", "dropbox", ...)
	Provider string `gorm:"not null;uniqueIndex:idx_health_user_provider,priority:2;index"`

	Status string `gorm:"not null;default:'not_connected';index"`
	// ConsolidatedStatus is the derived user-facing summary of Status plus
	// live credential expiry. Recomputed by health.Store on every write and
	// repaired by ReconcileInconsistencies; never hand-set by callers.
	ConsolidatedStatus string `gorm:"not null;default:'not_connected'"`

	ConsecutiveFailures int `gorm:"not null;default:0"`
	// RequiresReconnection is sticky: only a fresh user-supplied credential
	// clears it. True means no automatic recovery is possible.
	RequiresReconnection bool `gorm:"not null;default:false"`

	LastErrorKind    string `gorm:"index"` // empty when healthy
	LastErrorMessage string `gorm:"type:text"`

	TokenExpiresAt            *time.Time
	LastSuccessfulOperationAt *time.Time

	// Version guards optimistic concurrency; SaveHealthStatus compares and
	// increments it. Concurrent writers for the same pair retry on conflict.
	Version int64 `gorm:"not null;default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName overrides the table name used by HealthStatus.
func (HealthStatus) TableName() string {
	return "cloud_storage_health_statuses"
}

// IsHealthy returns true if the connection is fully usable.
func (h *HealthStatus) IsHealthy() bool {
	return h.Status == StatusHealthy
}

// IsUsable returns true if operations may be attempted on the connection.
// Degraded connections are usable; they are expected to self-heal.
func (h *HealthStatus) IsUsable() bool {
	return h.Status == StatusHealthy || h.Status == StatusDegraded
}

// NeedsUserAction returns true if only a manual reconnection can restore
// the connection.
func (h *HealthStatus) NeedsUserAction() bool {
	return h.RequiresReconnection || h.Status == StatusAuthenticationRequired
}

// TokenExpired reports whether the mirrored token expiry is in the past.
// A nil expiry counts as not expired (some providers issue non-expiring tokens).
func (h *HealthStatus) TokenExpired(now time.Time) bool {
	return h.TokenExpiresAt != nil && now.After(*h.TokenExpiresAt)
}

// Statuses lists the five known health states, for gauge updates and
// validation.
var Statuses = []string{
	StatusHealthy,
	StatusDegraded,
	StatusUnhealthy,
	StatusAuthenticationRequired,
	StatusNotConnected,
}

// ValidStatus reports whether s is one of the five known health states.
func ValidStatus(s string) bool {
	switch s {
	case StatusHealthy, StatusDegraded, StatusUnhealthy,
		StatusAuthenticationRequired, StatusNotConnected:
		return true
	}
	return false
}
