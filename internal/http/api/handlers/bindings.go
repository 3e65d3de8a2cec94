package handlers

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/QuotaLimits/internal/limits"
	"github.com/router-for-me/QuotaLimits/internal/models"
)

// BindingsHandler assigns strategies to users.
type BindingsHandler struct {
	svc *limits.Service
}

// NewBindingsHandler constructs a BindingsHandler.
func NewBindingsHandler(svc *limits.Service) *BindingsHandler {
	return &BindingsHandler{svc: svc}
}

type assignRequest struct {
	StrategyID    uint64     `json:"strategyId"`
	IsActive      *bool      `json:"isActive"`
	EffectiveFrom *time.Time `json:"effectiveFrom"`
	EffectiveTo   *time.Time `json:"effectiveTo"`
}

type bindingResponse struct {
	ID              uint64     `json:"id"`
	UserID          string     `json:"userId"`
	StrategyID      uint64     `json:"strategyId"`
	StrategyName    string     `json:"strategyName,omitempty"`
	StrategyVersion int        `json:"strategyVersion,omitempty"`
	IsActive        bool       `json:"isActive"`
	EffectiveFrom   *time.Time `json:"effectiveFrom"`
	EffectiveTo     *time.Time `json:"effectiveTo"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func toBindingResponse(b models.UserStrategy) bindingResponse {
	return bindingResponse{
		ID:              b.ID,
		UserID:          b.UserID,
		StrategyID:      b.StrategyID,
		StrategyName:    b.Strategy.Name,
		StrategyVersion: b.Strategy.Version,
		IsActive:        b.IsActive,
		EffectiveFrom:   b.EffectiveFrom,
		EffectiveTo:     b.EffectiveTo,
		CreatedAt:       b.CreatedAt.UTC(),
		UpdatedAt:       b.UpdatedAt.UTC(),
	}
}

// Assign binds the user in the path to a strategy.
func (h *BindingsHandler) Assign(c *gin.Context) {
	var body assignRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.StrategyID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "strategyId is required"})
		return
	}
	userID := c.Param("userId")
	resp, errAssign := h.svc.AssignPolicy(c.Request.Context(), limits.AssignRequest{
		UserID:        userID,
		StrategyID:    body.StrategyID,
		Active:        body.IsActive,
		EffectiveFrom: body.EffectiveFrom,
		EffectiveTo:   body.EffectiveTo,
	})
	if errAssign != nil {
		respondError(c, errAssign)
		return
	}
	createdOrOK(c, resp.Created, "/v1/users/"+url.PathEscape(userID)+"/strategy", toBindingResponse(resp.Binding))
}

// Active returns the user's current binding.
func (h *BindingsHandler) Active(c *gin.Context) {
	binding, errGet := h.svc.GetActivePolicy(c.Request.Context(), c.Param("userId"))
	if errGet != nil {
		respondError(c, errGet)
		return
	}
	c.JSON(http.StatusOK, toBindingResponse(binding))
}
