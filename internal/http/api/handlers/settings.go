package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/QuotaLimits/internal/limits"
	"github.com/router-for-me/QuotaLimits/internal/logging"
	"github.com/router-for-me/QuotaLimits/internal/settings"
	"gorm.io/gorm"
)

// SettingsHandler reads and writes runtime overrides.
type SettingsHandler struct {
	db *gorm.DB
}

// NewSettingsHandler constructs a SettingsHandler.
func NewSettingsHandler(db *gorm.DB) *SettingsHandler {
	return &SettingsHandler{db: db}
}

// List returns every supported override with its current value, or null.
func (h *SettingsHandler) List(c *gin.Context) {
	out := make(map[string]json.RawMessage, len(settings.KnownKeys))
	for _, key := range settings.KnownKeys {
		if value, ok := settings.DBConfigValue(key); ok && len(value) > 0 {
			out[key] = value
			continue
		}
		out[key] = json.RawMessage("null")
	}
	c.JSON(http.StatusOK, gin.H{"settings": out, "updated_at": settings.DBConfigUpdatedAt()})
}

type updateSettingRequest struct {
	Value json.RawMessage `json:"value"`
}

// Update stores one override.
func (h *SettingsHandler) Update(c *gin.Context) {
	key := strings.ToUpper(strings.TrimSpace(c.Param("key")))
	if !settings.IsKnownKey(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown setting"})
		return
	}
	var body updateSettingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || len(body.Value) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if msg := validateSetting(key, body.Value); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	if errSave := settings.SaveDBConfigValue(c.Request.Context(), h.db, key, body.Value); errSave != nil {
		logging.WithRequest(c).WithError(errSave).Error("save setting")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save failed"})
		return
	}
	logging.WithRequest(c).Infof("setting %s updated", key)
	c.JSON(http.StatusOK, gin.H{"key": key, "value": body.Value})
}

func validateSetting(key string, value json.RawMessage) string {
	switch key {
	case settings.LimitsMissBehaviorKey:
		var raw string
		if errDecode := json.Unmarshal(value, &raw); errDecode != nil {
			return "value must be a string"
		}
		if _, ok := limits.ParseMissBehavior(raw); !ok {
			return "value must be USE_DEFAULT or REJECT"
		}
	case settings.LimitsSweepBatchSizeKey:
		var n int
		if errDecode := json.Unmarshal(value, &n); errDecode != nil || n <= 0 {
			return "value must be a positive integer"
		}
	case settings.LedgerRetentionDaysKey:
		var n int
		if errDecode := json.Unmarshal(value, &n); errDecode != nil || n < 0 {
			return "value must be a non-negative integer"
		}
	}
	return ""
}
