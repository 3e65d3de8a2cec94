package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/QuotaLimits/internal/limits"
	"github.com/router-for-me/QuotaLimits/internal/models"
)

// StrategiesHandler manages strategy definitions.
type StrategiesHandler struct {
	svc *limits.Service
}

// NewStrategiesHandler constructs a StrategiesHandler.
func NewStrategiesHandler(svc *limits.Service) *StrategiesHandler {
	return &StrategiesHandler{svc: svc}
}

type createStrategyRequest struct {
	Name      string          `json:"name"`
	Version   int             `json:"version"`
	Enabled   *bool           `json:"enabled"`
	IsDefault *bool           `json:"isDefault"`
	Limits    json.RawMessage `json:"limits"`
	Spec      json.RawMessage `json:"spec"`
	DSLText   string          `json:"dslText"`
}

type strategyResponse struct {
	ID        uint64          `json:"id"`
	Name      string          `json:"name"`
	Version   int             `json:"version"`
	Enabled   bool            `json:"enabled"`
	IsDefault bool            `json:"isDefault"`
	Limits    json.RawMessage `json:"limits"`
	DSLText   string          `json:"dslText,omitempty"`
	Spec      json.RawMessage `json:"spec"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func rawOrNull(doc []byte) json.RawMessage {
	if len(doc) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(doc)
}

func toStrategyResponse(s models.Strategy) strategyResponse {
	return strategyResponse{
		ID:        s.ID,
		Name:      s.Name,
		Version:   s.Version,
		Enabled:   s.Enabled,
		IsDefault: s.IsDefault,
		Limits:    rawOrNull(s.Limits),
		DSLText:   s.DSL,
		Spec:      rawOrNull(s.Spec),
		CreatedAt: s.CreatedAt.UTC(),
		UpdatedAt: s.UpdatedAt.UTC(),
	}
}

// Create registers a strategy version.
func (h *StrategiesHandler) Create(c *gin.Context) {
	var body createStrategyRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	resp, errCreate := h.svc.CreatePolicy(c.Request.Context(), limits.CreatePolicyRequest{
		Name:      body.Name,
		Version:   body.Version,
		Enabled:   body.Enabled,
		IsDefault: body.IsDefault,
		Limits:    body.Limits,
		Spec:      body.Spec,
		DSL:       body.DSLText,
	})
	if errCreate != nil {
		respondError(c, errCreate)
		return
	}
	createdOrOK(c, resp.Created, "/v0/admin/strategies/"+resp.ResourceID, toStrategyResponse(resp.Strategy))
}

// List returns strategies filtered by the enabled and isDefault query flags.
func (h *StrategiesHandler) List(c *gin.Context) {
	enabled, ok := parseBoolQuery(c, "enabled")
	if !ok {
		return
	}
	isDefault, ok := parseBoolQuery(c, "isDefault")
	if !ok {
		return
	}
	rows, errList := h.svc.ListPolicies(c.Request.Context(), enabled, isDefault)
	if errList != nil {
		respondError(c, errList)
		return
	}
	out := make([]strategyResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, toStrategyResponse(row))
	}
	c.JSON(http.StatusOK, gin.H{"strategies": out})
}

// Get returns one strategy.
func (h *StrategiesHandler) Get(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	row, errGet := h.svc.GetPolicy(c.Request.Context(), id)
	if errGet != nil {
		respondError(c, errGet)
		return
	}
	c.JSON(http.StatusOK, toStrategyResponse(row))
}

// Deactivate disables a strategy.
func (h *StrategiesHandler) Deactivate(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	row, errUpdate := h.svc.DeactivatePolicy(c.Request.Context(), id)
	if errUpdate != nil {
		respondError(c, errUpdate)
		return
	}
	c.JSON(http.StatusOK, toStrategyResponse(row))
}

// MakeDefault moves the default flag to a strategy.
func (h *StrategiesHandler) MakeDefault(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	row, errUpdate := h.svc.SetDefaultPolicy(c.Request.Context(), id)
	if errUpdate != nil {
		respondError(c, errUpdate)
		return
	}
	c.JSON(http.StatusOK, toStrategyResponse(row))
}
