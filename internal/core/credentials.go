package core

import (
	"context"
	"errors"
	"time"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/models"
)

// ErrCredentialNotFound is returned when no credential exists for a
// (user, provider) pair. The engine treats this as not_connected, never
// as a provider failure.
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialStore is the engine's view of the account subsystem's token
// storage. The engine reads current tokens and persists refreshed ones;
// it never creates credentials from nothing.
type CredentialStore interface {
	// GetCredential returns the current credential for a (user, provider)
	// pair, or ErrCredentialNotFound.
	GetCredential(ctx context.Context, userID, provider string) (*models.Credential, error)

	// SaveCredential persists refreshed token fields.
	SaveCredential(ctx context.Context, cred *models.Credential) error

	// ListCredentialsExpiringWithin returns credentials for the provider
	// whose access token expires inside the window or has already expired.
	// Used for batch refresh candidate selection.
	ListCredentialsExpiringWithin(
		ctx context.Context,
		provider string,
		window time.Duration,
	) ([]models.Credential, error)
}
