package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const pingTimeout = 2 * time.Second

// Pinger is satisfied by the replay cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves health check endpoints.
type HealthHandler struct {
	db     *gorm.DB
	replay Pinger
}

// NewHealthHandler constructs a HealthHandler. replay may be nil.
func NewHealthHandler(db *gorm.DB, replay Pinger) *HealthHandler {
	return &HealthHandler{db: db, replay: replay}
}

// Healthz checks database and cache connectivity.
func (h *HealthHandler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
	defer cancel()

	sqlDB, err := h.db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "database": false})
		return
	}
	if errPing := sqlDB.PingContext(ctx); errPing != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "database": false})
		return
	}
	body := gin.H{"ok": true, "database": true}
	if h.replay != nil {
		// The cache is optional; an outage degrades replays to the ledger.
		body["replay_cache"] = h.replay.Ping(ctx) == nil
	}
	c.JSON(http.StatusOK, body)
}
