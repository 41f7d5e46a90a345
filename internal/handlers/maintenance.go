package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/services"
)

// MaintenanceHandler serves the operational endpoints: reconcile passes and
// batch refresh runs.
type MaintenanceHandler struct {
	connections *services.ConnectionService
}

// NewMaintenanceHandler creates a new maintenance handler
func NewMaintenanceHandler(connections *services.ConnectionService) *MaintenanceHandler {
	return &MaintenanceHandler{connections: connections}
}

// Reconcile runs the unified self-healing pass over every health record.
// POST /api/maintenance/reconcile
func (h *MaintenanceHandler) Reconcile(c *gin.Context) {
	fixed, err := h.connections.ReconcileInconsistencies(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fixed": fixed})
}

type batchRefreshRequest struct {
	Provider    string `json:"provider" binding:"required"`
	WindowHours int    `json:"window_hours"`
	BatchSize   int    `json:"batch_size"`
	DryRun      bool   `json:"dry_run"`
}

// BatchRefresh refreshes expiring credentials for one provider. With
// dry_run=true the run reports what it would do without touching any state.
// POST /api/maintenance/batch-refresh
func (h *MaintenanceHandler) BatchRefresh(c *gin.Context) {
	var req batchRefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	result, err := h.connections.ProcessBatchRefresh(
		c.Request.Context(),
		req.Provider,
		time.Duration(req.WindowHours)*time.Hour,
		req.BatchSize,
		req.DryRun,
	)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
