package core

import (
	"context"
	"time"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/models"
)

// RefreshedToken is the outcome of a successful provider token refresh.
type RefreshedToken struct {
	AccessToken  string
	RefreshToken string // empty if the provider did not rotate it
	ExpiresAt    time.Time
	Scopes       string
}

// ProviderClient is an authenticated API client for one cloud storage
// provider, bound to a single credential. Clients are read-mostly and
// safe to share between goroutines; the connection pool retains ownership.
type ProviderClient interface {
	// RefreshToken exchanges the credential's refresh token for a new
	// access token. The raw error is classified by the caller.
	RefreshToken(ctx context.Context, cred *models.Credential) (*RefreshedToken, error)

	// TestConnectivity performs a cheap authenticated probe against the
	// provider API.
	TestConnectivity(ctx context.Context) error

	// Provider returns the provider name the client talks to.
	Provider() string
}

// ProviderClientFactory constructs an authenticated client for a
// credential. Implementations live in per-provider integration code; the
// engine treats them as opaque capabilities.
type ProviderClientFactory interface {
	NewClient(ctx context.Context, cred *models.Credential) (ProviderClient, error)
	Provider() string
}
