package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/classify"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/provider"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/refresh"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/services"
)

const queryValueTrue = "true"

// ConnectionHandler serves the per-connection API surface.
type ConnectionHandler struct {
	connections *services.ConnectionService
}

// NewConnectionHandler creates a new connection handler
func NewConnectionHandler(connections *services.ConnectionService) *ConnectionHandler {
	return &ConnectionHandler{connections: connections}
}

// GetHealth returns the health record for a (user, provider) pair,
// creating it lazily on first access.
// GET /api/connections/:userID/:provider/health
func (h *ConnectionHandler) GetHealth(c *gin.Context) {
	userID, providerName := c.Param("userID"), c.Param("provider")

	hs, err := h.connections.GetOrCreateHealthStatus(c.Request.Context(), userID, providerName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, hs)
}

// EnsureToken guarantees a usable access token for the pair. The token
// itself is never echoed back; callers read it from the credential store.
// POST /api/connections/:userID/:provider/ensure-token?force=true
func (h *ConnectionHandler) EnsureToken(c *gin.Context) {
	userID, providerName := c.Param("userID"), c.Param("provider")
	force := c.Query("force") == queryValueTrue

	result, err := h.connections.EnsureValidToken(c.Request.Context(), userID, providerName, force)
	if err != nil {
		writeError(c, err)
		return
	}

	var expiresAt *time.Time
	if result.Credential != nil {
		expiresAt = result.Credential.ExpiresAt
	}
	c.JSON(http.StatusOK, gin.H{
		"refreshed":         result.Refreshed,
		"already_valid":     result.AlreadyValid,
		"already_refreshed": result.AlreadyRefreshed,
		"from_cache":        result.FromCache,
		"token_expires_at":  expiresAt,
	})
}

type recordOperationRequest struct {
	Operation      string     `json:"operation" binding:"required"`
	TokenExpiresAt *time.Time `json:"token_expires_at"`
}

// RecordOperation reports a successful provider operation observed outside
// the refresh path.
// POST /api/connections/:userID/:provider/operations
func (h *ConnectionHandler) RecordOperation(c *gin.Context) {
	userID, providerName := c.Param("userID"), c.Param("provider")

	var req recordOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	if err := h.connections.RecordSuccessfulOperation(
		c.Request.Context(), userID, providerName, req.Operation, req.TokenExpiresAt,
	); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type markUnhealthyRequest struct {
	Message   string `json:"message" binding:"required"`
	ErrorKind string `json:"error_kind"`
}

// MarkUnhealthy reports an externally observed provider failure.
// POST /api/connections/:userID/:provider/unhealthy
func (h *ConnectionHandler) MarkUnhealthy(c *gin.Context) {
	userID, providerName := c.Param("userID"), c.Param("provider")

	var req markUnhealthyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	if err := h.connections.MarkUnhealthy(
		c.Request.Context(), userID, providerName, req.Message, classify.ErrorKind(req.ErrorKind),
	); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetRateLimits reports the current attempt windows for every gated
// operation of the pair.
// GET /api/connections/:userID/:provider/rate-limits
func (h *ConnectionHandler) GetRateLimits(c *gin.Context) {
	userID, providerName := c.Param("userID"), c.Param("provider")

	status, err := h.connections.GetRateLimitStatus(c.Request.Context(), userID, providerName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// TestConnectivity runs (or serves from cache) an authenticated probe
// against the provider.
// POST /api/connections/:userID/:provider/connectivity-test
func (h *ConnectionHandler) TestConnectivity(c *gin.Context) {
	userID, providerName := c.Param("userID"), c.Param("provider")

	result, err := h.connections.TestConnectivity(c.Request.Context(), userID, providerName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// writeError maps engine errors onto HTTP responses. Rate limiting is
// back-pressure (429 + Retry-After), a missing credential is 404, and
// classified provider failures are 502 with the kind attached.
func writeError(c *gin.Context, err error) {
	var rle *refresh.RateLimitedError
	if errors.As(err, &rle) {
		seconds := int(rle.RetryAfter.Seconds() + 0.5)
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limited",
			"retry_after": seconds,
			"reset_at":    rle.ResetAt,
		})
		return
	}

	if errors.Is(err, refresh.ErrNotConnected) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":             "not_connected",
			"error_description": "no credential exists for this connection",
		})
		return
	}

	if errors.Is(err, provider.ErrUnknownProvider) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":             "unknown_provider",
			"error_description": err.Error(),
		})
		return
	}

	var ce *classify.Error
	if errors.As(err, &ce) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":                 string(ce.Kind),
			"error_description":     ce.Message,
			"requires_reconnection": ce.Kind.RequiresReconnection(),
			"retryable":             ce.Kind.Retryable(),
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"error":             "internal_error",
		"error_description": err.Error(),
	})
}
