package limits

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/QuotaLimits/internal/db"
	"github.com/router-for-me/QuotaLimits/internal/metrics"
	"github.com/router-for-me/QuotaLimits/internal/models"
	"github.com/router-for-me/QuotaLimits/internal/store"
	"github.com/router-for-me/QuotaLimits/internal/window"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var errStrategyRace = errors.New("strategy inserted concurrently")

type createContext struct {
	tx  *gorm.DB
	req CreatePolicyRequest

	enabled   bool
	isDefault bool
	entity    *models.Strategy

	resp *CreatePolicyResponse
}

func (c *createContext) finished() bool { return c.resp != nil }

// CreatePolicy registers a strategy version. Resubmitting an identical payload
// for an existing (name, version) returns it unchanged; any difference is a conflict.
func (s *Service) CreatePolicy(ctx context.Context, req CreatePolicyRequest) (resp CreatePolicyResponse, err error) {
	started := time.Now()
	defer func() {
		outcome := metrics.OutcomeApproved
		if !resp.Created {
			outcome = metrics.OutcomeReplayed
		}
		s.observe("create_policy", started, err, outcome)
	}()

	for attempt := 0; attempt < 2; attempt++ {
		c := &createContext{req: req}
		errTx := s.inTx(ctx, func(tx *gorm.DB) error {
			c.tx = tx
			return runSteps(ctx, c, (*createContext).finished,
				step[createContext]{name: "normalize", run: normalizeCreate},
				step[createContext]{name: "validate", run: validateCreate},
				step[createContext]{name: "idempotency", run: s.createIdempotency},
				step[createContext]{name: "build", run: buildStrategy},
				step[createContext]{name: "persist", run: s.persistStrategy},
			)
		})
		if errTx == nil {
			return *c.resp, nil
		}
		if !errors.Is(errTx, errStrategyRace) {
			return CreatePolicyResponse{}, errTx
		}
	}
	return CreatePolicyResponse{}, conflict("Strategy %s v%d is being created concurrently", req.Name, req.Version)
}

func normalizeCreate(_ context.Context, c *createContext) error {
	c.req.Name = strings.TrimSpace(c.req.Name)
	c.req.DSL = strings.TrimSpace(c.req.DSL)
	c.req.Limits = normalizeDoc(c.req.Limits)
	c.req.Spec = normalizeDoc(c.req.Spec)
	c.enabled = c.req.Enabled == nil || *c.req.Enabled
	c.isDefault = c.req.IsDefault != nil && *c.req.IsDefault
	return nil
}

func validateCreate(_ context.Context, c *createContext) error {
	if c.req.Name == "" {
		return clientInput("name is required")
	}
	if c.req.Version <= 0 {
		return clientInput("version must be positive")
	}
	if !hasContent(c.req.Limits) && !hasContent(c.req.Spec) && c.req.DSL == "" {
		return clientInput("Provide at least one of: limits, dslText, spec")
	}
	if c.req.Spec != nil && !json.Valid(c.req.Spec) {
		return clientInput("spec is not valid JSON")
	}
	if c.req.Limits != nil {
		windows, errLimits := window.ParseLimits(c.req.Limits)
		if errLimits != nil {
			return clientInput("limits: %v", errLimits)
		}
		for _, w := range windows {
			if _, errBounds := window.Calculate(w, time.Time{}); errBounds != nil {
				return &Error{Kind: KindUnsupportedWindow, Message: "Unsupported window period: " + w.PeriodISO, Err: errBounds}
			}
		}
	}
	return nil
}

func (s *Service) createIdempotency(ctx context.Context, c *createContext) error {
	existing, errFind := store.FindStrategyByNameVersion(ctx, c.tx, c.req.Name, c.req.Version)
	if errFind != nil {
		return errFind
	}
	if existing == nil {
		return nil
	}
	if existing.Enabled == c.enabled &&
		existing.IsDefault == c.isDefault &&
		existing.DSL == c.req.DSL &&
		sameDoc(existing.Spec, c.req.Spec) &&
		sameDoc(existing.Limits, c.req.Limits) {
		c.resp = &CreatePolicyResponse{ResourceID: strconv.FormatUint(existing.ID, 10), Strategy: *existing}
		return nil
	}
	return conflict("Strategy %s v%d already exists with different payload", c.req.Name, c.req.Version)
}

func buildStrategy(_ context.Context, c *createContext) error {
	c.entity = &models.Strategy{
		Name:    c.req.Name,
		Version: c.req.Version,
		Enabled: c.enabled,
		Spec:    datatypes.JSON(c.req.Spec),
		Limits:  datatypes.JSON(c.req.Limits),
		DSL:     c.req.DSL,
	}
	return nil
}

func (s *Service) persistStrategy(ctx context.Context, c *createContext) error {
	if errCreate := store.CreateStrategy(ctx, c.tx, c.entity); errCreate != nil {
		if db.IsUniqueViolation(errCreate) {
			return errStrategyRace
		}
		return errCreate
	}
	if c.isDefault {
		if errDefault := store.MakeDefault(ctx, c.tx, c.entity.ID); errDefault != nil {
			return errDefault
		}
		c.entity.IsDefault = true
	}
	c.resp = &CreatePolicyResponse{Created: true, ResourceID: strconv.FormatUint(c.entity.ID, 10), Strategy: *c.entity}
	return nil
}

// GetPolicy loads one strategy.
func (s *Service) GetPolicy(ctx context.Context, id uint64) (models.Strategy, error) {
	row, errFind := store.FindStrategy(ctx, s.db, id)
	if errFind != nil {
		return models.Strategy{}, errFind
	}
	if row == nil {
		return models.Strategy{}, notFound("Strategy id=%d not found", id)
	}
	return *row, nil
}

// ListPolicies lists strategies, optionally filtered by flags.
func (s *Service) ListPolicies(ctx context.Context, enabled, isDefault *bool) ([]models.Strategy, error) {
	return store.ListStrategies(ctx, s.db, store.StrategyFilter{Enabled: enabled, IsDefault: isDefault})
}

// DeactivatePolicy disables a strategy so it no longer matches.
func (s *Service) DeactivatePolicy(ctx context.Context, id uint64) (models.Strategy, error) {
	var out models.Strategy
	errTx := s.inTx(ctx, func(tx *gorm.DB) error {
		found, errUpdate := store.SetStrategyEnabled(ctx, tx, id, false)
		if errUpdate != nil {
			return errUpdate
		}
		if !found {
			return notFound("Strategy id=%d not found", id)
		}
		row, errFind := store.FindStrategy(ctx, tx, id)
		if errFind != nil {
			return errFind
		}
		out = *row
		return nil
	})
	return out, errTx
}

// SetDefaultPolicy moves the default flag to id. The strategy must be enabled.
func (s *Service) SetDefaultPolicy(ctx context.Context, id uint64) (models.Strategy, error) {
	var out models.Strategy
	errTx := s.inTx(ctx, func(tx *gorm.DB) error {
		row, errFind := store.FindStrategy(ctx, tx, id)
		if errFind != nil {
			return errFind
		}
		if row == nil {
			return notFound("Strategy id=%d not found", id)
		}
		if !row.Enabled {
			return clientInput("Strategy id=%d is disabled", id)
		}
		if errDefault := store.MakeDefault(ctx, tx, id); errDefault != nil {
			return errDefault
		}
		row.IsDefault = true
		out = *row
		return nil
	})
	return out, errTx
}

func normalizeDoc(doc []byte) []byte {
	doc = bytes.TrimSpace(doc)
	if len(doc) == 0 || bytes.Equal(doc, []byte("null")) {
		return nil
	}
	return doc
}

func hasContent(doc []byte) bool {
	if doc == nil {
		return false
	}
	var v any
	if errDecode := json.Unmarshal(doc, &v); errDecode != nil {
		return true
	}
	if obj, ok := v.(map[string]any); ok {
		return len(obj) > 0
	}
	return true
}

// sameDoc compares two JSON documents structurally.
func sameDoc(a, b []byte) bool {
	a, b = normalizeDoc(a), normalizeDoc(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(a, b)
	}
	return reflect.DeepEqual(va, vb)
}
