// Package api wires the HTTP routes of the limits service.
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/QuotaLimits/internal/config"
	"github.com/router-for-me/QuotaLimits/internal/http/api/handlers"
	"github.com/router-for-me/QuotaLimits/internal/limits"
	"github.com/router-for-me/QuotaLimits/internal/logging"
	"github.com/router-for-me/QuotaLimits/internal/maintenance"
	"github.com/router-for-me/QuotaLimits/internal/metrics"
	"github.com/router-for-me/QuotaLimits/internal/models"
	"github.com/router-for-me/QuotaLimits/internal/security"
	"gorm.io/gorm"
)

// Deps are the components the router serves.
type Deps struct {
	DB      *gorm.DB
	Service *limits.Service
	Sweeper *maintenance.Sweeper
	Cleaner *maintenance.LedgerRetentionCleaner
	Replay  handlers.Pinger
	JWT     config.JWTConfig
	Metrics bool
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logging.RequestID(), logging.GinLogger())
	RegisterRoutes(r, deps)
	return r
}

// RegisterRoutes registers health, metrics, client and admin routes on r.
func RegisterRoutes(r *gin.Engine, deps Deps) {
	health := handlers.NewHealthHandler(deps.DB, deps.Replay)
	r.GET("/healthz", health.Healthz)
	if deps.Metrics {
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	limitsHandler := handlers.NewLimitsHandler(deps.Service)
	bindingsHandler := handlers.NewBindingsHandler(deps.Service)

	client := r.Group("/v1", serviceAuthMiddleware(deps.JWT))
	client.POST("/limits/debit", limitsHandler.Debit)
	client.POST("/limits/cancel", limitsHandler.Cancel)
	client.POST("/limits/check", limitsHandler.Check)
	client.GET("/limits/transactions/:userId/:txId", limitsHandler.Transaction)
	client.POST("/users/:userId/strategy", bindingsHandler.Assign)
	client.PUT("/users/:userId/strategy", bindingsHandler.Assign)
	client.GET("/users/:userId/strategy", bindingsHandler.Active)

	authHandler := handlers.NewAuthHandler(deps.DB, deps.JWT)
	r.POST("/v0/admin/login", authHandler.Login)

	strategiesHandler := handlers.NewStrategiesHandler(deps.Service)
	maintenanceHandler := handlers.NewMaintenanceHandler(deps.Sweeper, deps.Cleaner)
	settingsHandler := handlers.NewSettingsHandler(deps.DB)

	admin := r.Group("/v0/admin", adminAuthMiddleware(deps.DB, deps.JWT))
	admin.POST("/strategies", strategiesHandler.Create)
	admin.GET("/strategies", strategiesHandler.List)
	admin.GET("/strategies/:id", strategiesHandler.Get)
	admin.POST("/strategies/:id/deactivate", strategiesHandler.Deactivate)
	admin.POST("/strategies/:id/default", strategiesHandler.MakeDefault)
	admin.POST("/maintenance/sweep", maintenanceHandler.Sweep)
	admin.POST("/maintenance/ledger-retention", maintenanceHandler.PurgeLedger)
	admin.GET("/settings", settingsHandler.List)
	admin.PUT("/settings/:key", settingsHandler.Update)
}

// bearerToken extracts the token of an Authorization: Bearer header and
// aborts the request when it is absent.
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
		return "", false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
		return "", false
	}
	return token, true
}

// serviceAuthMiddleware accepts service tokens and admin tokens.
func serviceAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			return
		}
		if claims, errJWT := security.ParseServiceToken(jwtCfg.Secret, token); errJWT == nil {
			c.Set("service", claims.Service)
			c.Next()
			return
		}
		if claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, token); errJWT == nil {
			c.Set("adminID", claims.AdminID)
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
	}
}

// adminAuthMiddleware validates admin JWTs and checks the account is still active.
func adminAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			return
		}
		claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var admin models.Admin
		if errFind := db.WithContext(c.Request.Context()).Select("id", "active").First(&admin, claims.AdminID).Error; errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
			return
		}
		if !admin.Active {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin account is disabled"})
			return
		}

		c.Set("adminID", admin.ID)
		c.Next()
	}
}
