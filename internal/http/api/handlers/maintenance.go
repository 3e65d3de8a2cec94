package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/QuotaLimits/internal/maintenance"
)

// MaintenanceHandler triggers background jobs on demand.
type MaintenanceHandler struct {
	sweeper *maintenance.Sweeper
	cleaner *maintenance.LedgerRetentionCleaner
}

// NewMaintenanceHandler constructs a MaintenanceHandler. cleaner may be nil.
func NewMaintenanceHandler(sweeper *maintenance.Sweeper, cleaner *maintenance.LedgerRetentionCleaner) *MaintenanceHandler {
	return &MaintenanceHandler{sweeper: sweeper, cleaner: cleaner}
}

// Sweep rolls every bucket whose window has ended.
func (h *MaintenanceHandler) Sweep(c *gin.Context) {
	rolled, errSweep := h.sweeper.SweepExpiredBuckets(c.Request.Context())
	if errSweep != nil {
		respondError(c, errSweep)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rolled": rolled})
}

// PurgeLedger removes ledger rows older than the retention period.
func (h *MaintenanceHandler) PurgeLedger(c *gin.Context) {
	if h.cleaner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger retention not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": h.cleaner.CleanupOnce(c.Request.Context())})
}
