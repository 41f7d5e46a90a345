package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error is a provider failure after classification. It is the only error
// shape the refresh coordinator returns for provider-side failures.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError wraps a raw provider error with its classified kind.
func NewError(kind ErrorKind, raw error) *Error {
	msg := ""
	if raw != nil {
		msg = raw.Error()
	}
	return &Error{Kind: kind, Message: msg}
}

// KindOf extracts the ErrorKind from a classified error. Returns KindUnknown
// and false if err is not a classified error.
func KindOf(err error) (ErrorKind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return KindUnknown, false
}

// rule maps a set of lowercase substrings (all must match) to an ErrorKind.
// Rules are evaluated in declaration order, most-specific-first; the first
// match wins. Keep this an ordered slice, not a map: precedence between
// overlapping patterns must stay deterministic.
type rule struct {
	kind     ErrorKind
	patterns []string
}

var rules = []rule{
	// Refresh-token failures before generic token failures.
	{KindInvalidRefreshToken, []string{"refresh token", "expired"}},
	{KindInvalidRefreshToken, []string{"refresh token", "invalid"}},
	{KindInvalidRefreshToken, []string{"refresh token", "revoked"}},
	{KindInvalidRefreshToken, []string{"invalid_grant"}},
	{KindTokenExpired, []string{"token", "expired"}},
	{KindTokenExpired, []string{"token has been expired"}},

	// Permission and credential failures.
	{KindInsufficientPermissions, []string{"insufficient", "permission"}},
	{KindInsufficientPermissions, []string{"insufficient", "scope"}},
	{KindInsufficientPermissions, []string{"access_denied"}},
	{KindFolderAccessDenied, []string{"folder", "denied"}},
	{KindFolderAccessDenied, []string{"folder", "forbidden"}},
	{KindFolderAccessDenied, []string{"folder", "not found"}},
	{KindInvalidCredentials, []string{"invalid_client"}},
	{KindInvalidCredentials, []string{"invalid credentials"}},
	{KindInvalidCredentials, []string{"unauthorized"}},
	// Numeric codes stay anchored to "status"/"error" so they never match
	// unrelated digits inside a message.
	{KindInvalidCredentials, []string{"status 401"}},
	{KindInvalidCredentials, []string{"error 401"}},

	// Quota failures: storage quota before the generic API quota patterns.
	{KindStorageQuotaExceeded, []string{"storage quota"}},
	{KindStorageQuotaExceeded, []string{"storagequotaexceeded"}},
	{KindStorageQuotaExceeded, []string{"insufficient storage"}},
	{KindAPIQuotaExceeded, []string{"rate limit"}},
	{KindAPIQuotaExceeded, []string{"ratelimitexceeded"}},
	{KindAPIQuotaExceeded, []string{"too many requests"}},
	{KindAPIQuotaExceeded, []string{"status 429"}},
	{KindAPIQuotaExceeded, []string{"error 429"}},
	{KindAPIQuotaExceeded, []string{"quota exceeded"}},
	{KindAPIQuotaExceeded, []string{"userratelimitexceeded"}},

	// File-level failures.
	{KindFileTooLarge, []string{"file too large"}},
	{KindFileTooLarge, []string{"exceeds", "size limit"}},
	{KindInvalidFileType, []string{"invalid file type"}},
	{KindInvalidFileType, []string{"unsupported", "type"}},
	{KindInvalidFileContent, []string{"invalid file content"}},
	{KindInvalidFileContent, []string{"corrupt"}},
	{KindFileNotFound, []string{"file not found"}},
	{KindFileNotFound, []string{"file", "status 404"}},
	{KindFileNotFound, []string{"file", "error 404"}},

	// Transient infrastructure failures. Timeouts classify as
	// service_unavailable, not as a hard failure requiring reconnection.
	{KindServiceUnavailable, []string{"service unavailable"}},
	{KindServiceUnavailable, []string{"status 503"}},
	{KindServiceUnavailable, []string{"error 503"}},
	{KindServiceUnavailable, []string{"status 502"}},
	{KindServiceUnavailable, []string{"error 502"}},
	{KindServiceUnavailable, []string{"status 500"}},
	{KindServiceUnavailable, []string{"error 500"}},
	{KindServiceUnavailable, []string{"backend error"}},
	{KindServiceUnavailable, []string{"internal error"}},
	{KindServiceUnavailable, []string{"timeout"}},
	{KindServiceUnavailable, []string{"timed out"}},
	{KindServiceUnavailable, []string{"deadline exceeded"}},
	{KindNetworkError, []string{"connection refused"}},
	{KindNetworkError, []string{"connection reset"}},
	{KindNetworkError, []string{"no such host"}},
	{KindNetworkError, []string{"network"}},
	{KindNetworkError, []string{"dns"}},
	{KindNetworkError, []string{"broken pipe"}},
	{KindNetworkError, []string{"eof"}},
}

// Classify maps a raw provider error into an ErrorKind. Classification is
// deterministic: typed network/context errors first, then the ordered
// substring rules. Anything unmatched is unknown_error.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	// Already classified errors keep their kind.
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}

	// Typed errors beat message matching.
	if errors.Is(err, context.DeadlineExceeded) {
		return KindServiceUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindServiceUnavailable
		}
		return KindNetworkError
	}

	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		if matchesAll(msg, r.patterns) {
			return r.kind
		}
	}

	return KindUnknown
}

func matchesAll(msg string, patterns []string) bool {
	for _, p := range patterns {
		if !strings.Contains(msg, p) {
			return false
		}
	}
	return true
}
