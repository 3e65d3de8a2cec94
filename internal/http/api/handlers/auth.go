package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/QuotaLimits/internal/config"
	"github.com/router-for-me/QuotaLimits/internal/logging"
	"github.com/router-for-me/QuotaLimits/internal/models"
	"github.com/router-for-me/QuotaLimits/internal/security"
	"gorm.io/gorm"
)

// AuthHandler handles admin authentication endpoints.
type AuthHandler struct {
	db     *gorm.DB
	jwtCfg config.JWTConfig
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(db *gorm.DB, jwtCfg config.JWTConfig) *AuthHandler {
	return &AuthHandler{db: db, jwtCfg: jwtCfg}
}

// loginRequest defines the request body for admin login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Code     string `json:"code"`
}

// Login authenticates an admin and issues a JWT. Admins with a TOTP secret
// must also send a current code.
func (h *AuthHandler) Login(c *gin.Context) {
	var body loginRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	username := strings.TrimSpace(body.Username)
	password := strings.TrimSpace(body.Password)
	if username == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	var admin models.Admin
	if errFind := h.db.WithContext(c.Request.Context()).Where("username = ?", username).First(&admin).Error; errFind != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if !admin.Active {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin account is disabled"})
		return
	}
	if !security.CheckPassword(admin.Password, password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if security.NeedsRehash(admin.Password) {
		h.rehashPassword(c, &admin, password)
	}
	if strings.TrimSpace(admin.TOTPSecret) != "" {
		if strings.TrimSpace(body.Code) == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "mfa required"})
			return
		}
		if !security.ValidateTOTP(body.Code, admin.TOTPSecret) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid code"})
			return
		}
	}

	token, errToken := security.GenerateAdminToken(h.jwtCfg.Secret, admin.ID, admin.Username, h.jwtCfg.Expiry)
	if errToken != nil {
		logging.WithRequest(c).WithError(errToken).Error("sign admin token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int64(h.jwtCfg.Expiry.Seconds()),
	})
}

// rehashPassword upgrades a stored hash to the current work factor. Failures
// only cost the upgrade, the login proceeds.
func (h *AuthHandler) rehashPassword(c *gin.Context, admin *models.Admin, password string) {
	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		logging.WithRequest(c).WithError(errHash).Debugf("skip rehash for admin %s", admin.Username)
		return
	}
	if errSave := h.db.WithContext(c.Request.Context()).
		Model(&models.Admin{}).
		Where("id = ?", admin.ID).
		Update("password", hash).Error; errSave != nil {
		logging.WithRequest(c).WithError(errSave).Warnf("rehash password for admin %s", admin.Username)
		return
	}
	admin.Password = hash
}
