package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/QuotaLimits/internal/limits"
	"github.com/router-for-me/QuotaLimits/internal/logging"
	"github.com/router-for-me/QuotaLimits/internal/window"
)

// statusForKind maps a limits failure kind onto an HTTP status.
func statusForKind(kind limits.Kind) int {
	switch kind {
	case limits.KindClientInput, limits.KindUnsupportedWindow:
		return http.StatusBadRequest
	case limits.KindNotFound:
		return http.StatusNotFound
	case limits.KindConflict:
		return http.StatusConflict
	case limits.KindInsufficientLimit:
		return http.StatusUnprocessableEntity
	case limits.KindLockTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the JSON error body for err.
func respondError(c *gin.Context, err error) {
	var lerr *limits.Error
	if !errors.As(err, &lerr) {
		logging.WithRequest(c).WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	status := statusForKind(lerr.Kind)
	body := gin.H{"error": lerr.Error(), "kind": lerr.Kind}
	if lerr.Retryable() {
		c.Header("Retry-After", "1")
		body["retryable"] = true
	}
	if status >= http.StatusInternalServerError {
		logging.WithRequest(c).WithError(err).Errorf("limits invariant violated: kind=%s", lerr.Kind)
	}
	c.JSON(status, body)
}

// createdOrOK answers 201 with a Location header for new resources, 200 for replays.
func createdOrOK(c *gin.Context, created bool, location string, body any) {
	if created {
		if location != "" {
			c.Header("Location", location)
		}
		c.JSON(http.StatusCreated, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// parseAmount reads a positive decimal amount into micros.
func parseAmount(raw json.Number) (int64, bool) {
	micros, ok := window.ParseAmount(raw.String())
	if !ok || micros <= 0 {
		return 0, false
	}
	return micros, true
}

// amountJSON renders micros as a JSON number with two decimals.
func amountJSON(micros int64) json.Number {
	return json.Number(window.FormatMicros(micros))
}

func remainingJSON(in map[string]int64) map[string]json.Number {
	out := make(map[string]json.Number, len(in))
	for scope, micros := range in {
		out[scope] = amountJSON(micros)
	}
	return out
}

func parseUintParam(c *gin.Context, name string) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param(name)), 10, 64)
	if errParse != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func parseBoolQuery(c *gin.Context, name string) (*bool, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, true
	}
	v, errParse := strconv.ParseBool(raw)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return nil, false
	}
	return &v, true
}
