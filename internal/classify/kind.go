package classify

import "time"

// ErrorKind is the closed set of provider failure categories. Every raw
// provider error is mapped onto exactly one kind before it leaves the
// refresh coordinator; callers never see raw provider errors.
type ErrorKind string

const (
	KindTokenExpired            ErrorKind = "token_expired"
	KindInvalidRefreshToken     ErrorKind = "invalid_refresh_token"
	KindInsufficientPermissions ErrorKind = "insufficient_permissions"
	KindAPIQuotaExceeded        ErrorKind = "api_quota_exceeded"
	KindStorageQuotaExceeded    ErrorKind = "storage_quota_exceeded"
	KindNetworkError            ErrorKind = "network_error"
	KindServiceUnavailable      ErrorKind = "service_unavailable"
	KindInvalidCredentials      ErrorKind = "invalid_credentials"
	KindFileNotFound            ErrorKind = "file_not_found"
	KindFolderAccessDenied      ErrorKind = "folder_access_denied"
	KindInvalidFileType         ErrorKind = "invalid_file_type"
	KindFileTooLarge            ErrorKind = "file_too_large"
	KindInvalidFileContent      ErrorKind = "invalid_file_content"
	KindUnknown                 ErrorKind = "unknown_error"
)

// Metadata is the static recovery profile attached to each ErrorKind.
type Metadata struct {
	// Retryable means automatic recovery may resolve the failure without
	// user involvement.
	Retryable bool
	// RequiresReconnection means only a fresh user-supplied credential can
	// resolve the failure.
	RequiresReconnection bool
	// DefaultBackoff is the baseline wait before the next automatic attempt.
	DefaultBackoff time.Duration
}

var kindMetadata = map[ErrorKind]Metadata{
	KindTokenExpired:            {Retryable: true, RequiresReconnection: false, DefaultBackoff: 0},
	KindInvalidRefreshToken:     {Retryable: false, RequiresReconnection: true, DefaultBackoff: 0},
	KindInsufficientPermissions: {Retryable: false, RequiresReconnection: true, DefaultBackoff: 0},
	KindAPIQuotaExceeded:        {Retryable: true, RequiresReconnection: false, DefaultBackoff: time.Hour},
	KindStorageQuotaExceeded:    {Retryable: false, RequiresReconnection: false, DefaultBackoff: 0},
	KindNetworkError:            {Retryable: true, RequiresReconnection: false, DefaultBackoff: 30 * time.Second},
	KindServiceUnavailable:      {Retryable: true, RequiresReconnection: false, DefaultBackoff: time.Minute},
	KindInvalidCredentials:      {Retryable: false, RequiresReconnection: true, DefaultBackoff: 0},
	KindFileNotFound:            {Retryable: false, RequiresReconnection: false, DefaultBackoff: 0},
	KindFolderAccessDenied:      {Retryable: false, RequiresReconnection: false, DefaultBackoff: 0},
	KindInvalidFileType:         {Retryable: false, RequiresReconnection: false, DefaultBackoff: 0},
	KindFileTooLarge:            {Retryable: false, RequiresReconnection: false, DefaultBackoff: 0},
	KindInvalidFileContent:      {Retryable: false, RequiresReconnection: false, DefaultBackoff: 0},
	KindUnknown:                 {Retryable: true, RequiresReconnection: false, DefaultBackoff: 30 * time.Second},
}

// Metadata returns the recovery profile for the kind. Unrecognized kinds
// fall back to the unknown_error profile.
func (k ErrorKind) Metadata() Metadata {
	if m, ok := kindMetadata[k]; ok {
		return m
	}
	return kindMetadata[KindUnknown]
}

// Retryable is a convenience accessor for Metadata().Retryable.
func (k ErrorKind) Retryable() bool {
	return k.Metadata().Retryable
}

// RequiresReconnection is a convenience accessor for
// Metadata().RequiresReconnection.
func (k ErrorKind) RequiresReconnection() bool {
	return k.Metadata().RequiresReconnection
}

func (k ErrorKind) String() string {
	return string(k)
}
