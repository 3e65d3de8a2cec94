package limits

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/QuotaLimits/internal/metrics"
	"github.com/router-for-me/QuotaLimits/internal/models"
	"github.com/router-for-me/QuotaLimits/internal/store"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type assignContext struct {
	tx  *gorm.DB
	req AssignRequest
	now time.Time

	active           bool
	becomesActiveNow bool
	strategy         *models.Strategy
	existing         *models.UserStrategy
	current          *models.UserStrategy

	resp *AssignResponse
}

func (c *assignContext) finished() bool { return c.resp != nil }

// alreadyActive reports whether the binding being updated is the user's active one,
// in which case the other bindings are left alone.
func (c *assignContext) alreadyActive() bool { return c.existing != nil && c.existing.IsActive }

// AssignPolicy binds a user to a strategy. Activating a binding that is
// effective now deactivates every other active binding of the user.
func (s *Service) AssignPolicy(ctx context.Context, req AssignRequest) (resp AssignResponse, err error) {
	started := time.Now()
	defer func() {
		outcome := metrics.OutcomeApproved
		if !resp.Created && !resp.Updated {
			outcome = metrics.OutcomeReplayed
		}
		s.observe("assign", started, err, outcome)
	}()

	c := &assignContext{req: req, now: s.clock()}
	errTx := s.inTx(ctx, func(tx *gorm.DB) error {
		c.tx = tx
		return runSteps(ctx, c, (*assignContext).finished,
			step[assignContext]{name: "normalize", run: normalizeAssign},
			step[assignContext]{name: "validate-dates", run: validateAssignDates},
			step[assignContext]{name: "load-strategy", run: s.loadAssignStrategy},
			step[assignContext]{name: "idempotency", run: s.assignIdempotency},
			step[assignContext]{name: "load-current", run: s.loadCurrentBinding},
			step[assignContext]{
				name: "deactivate-previous",
				when: func(c *assignContext) bool { return c.becomesActiveNow && !c.alreadyActive() },
				run:  s.deactivatePrevious,
			},
			step[assignContext]{name: "upsert", run: s.upsertBinding},
		)
	})
	if errTx != nil {
		return AssignResponse{}, errTx
	}
	return *c.resp, nil
}

func normalizeAssign(_ context.Context, c *assignContext) error {
	c.req.UserID = strings.TrimSpace(c.req.UserID)
	if c.req.UserID == "" {
		return clientInput("userId is required")
	}
	if c.req.StrategyID == 0 {
		return clientInput("strategyId is required")
	}
	c.req.EffectiveFrom = utcPtr(c.req.EffectiveFrom)
	c.req.EffectiveTo = utcPtr(c.req.EffectiveTo)

	c.active = c.req.Active == nil || *c.req.Active
	candidate := models.UserStrategy{IsActive: c.active, EffectiveFrom: c.req.EffectiveFrom, EffectiveTo: c.req.EffectiveTo}
	c.becomesActiveNow = candidate.EffectiveAt(c.now)
	return nil
}

func validateAssignDates(_ context.Context, c *assignContext) error {
	if c.req.EffectiveFrom != nil && c.req.EffectiveTo != nil && !c.req.EffectiveFrom.Before(*c.req.EffectiveTo) {
		return clientInput("effectiveFrom must be strictly before effectiveTo")
	}
	return nil
}

func (s *Service) loadAssignStrategy(ctx context.Context, c *assignContext) error {
	strategy, errFind := store.FindStrategy(ctx, c.tx, c.req.StrategyID)
	if errFind != nil {
		return errFind
	}
	if strategy == nil {
		return notFound("Strategy id=%d not found", c.req.StrategyID)
	}
	if !strategy.Enabled {
		return clientInput("Strategy id=%d is disabled", strategy.ID)
	}
	c.strategy = strategy
	return nil
}

func (s *Service) assignIdempotency(ctx context.Context, c *assignContext) error {
	if errLock := store.LockUserAssignments(ctx, c.tx, c.req.UserID); errLock != nil {
		return errLock
	}
	existing, errFind := store.FindBinding(ctx, c.tx, c.req.UserID, c.strategy.ID)
	if errFind != nil {
		return errFind
	}
	if existing == nil {
		return nil
	}
	if existing.IsActive == c.active &&
		sameInstant(existing.EffectiveFrom, c.req.EffectiveFrom) &&
		sameInstant(existing.EffectiveTo, c.req.EffectiveTo) {
		existing.Strategy = *c.strategy
		c.resp = &AssignResponse{ResourceID: strconv.FormatUint(existing.ID, 10), Binding: *existing}
		return nil
	}
	c.existing = existing
	return nil
}

func (s *Service) loadCurrentBinding(ctx context.Context, c *assignContext) error {
	current, errFind := store.CurrentBinding(ctx, c.tx, c.req.UserID, c.now)
	if errFind != nil {
		return errFind
	}
	c.current = current
	return nil
}

func (s *Service) deactivatePrevious(ctx context.Context, c *assignContext) error {
	n, errUpdate := store.DeactivateOtherBindings(ctx, c.tx, c.req.UserID, c.strategy.ID)
	if errUpdate != nil {
		return errUpdate
	}
	if n > 0 {
		fields := log.Fields{"user_id": c.req.UserID, "strategy_id": c.strategy.ID, "deactivated": n}
		if c.current != nil && c.current.StrategyID != c.strategy.ID {
			fields["previous_strategy_id"] = c.current.StrategyID
		}
		log.WithFields(fields).Info("limits: replaced active strategy binding")
	}
	return nil
}

func (s *Service) upsertBinding(ctx context.Context, c *assignContext) error {
	binding := c.existing
	created := binding == nil
	if created {
		binding = &models.UserStrategy{UserID: c.req.UserID, StrategyID: c.strategy.ID}
	}
	binding.IsActive = c.active
	binding.EffectiveFrom = c.req.EffectiveFrom
	binding.EffectiveTo = c.req.EffectiveTo
	if errSave := store.SaveBinding(ctx, c.tx, binding); errSave != nil {
		return errSave
	}
	binding.Strategy = *c.strategy
	c.resp = &AssignResponse{
		Created:    created,
		Updated:    !created,
		ResourceID: strconv.FormatUint(binding.ID, 10),
		Binding:    *binding,
	}
	return nil
}

// GetActivePolicy returns the binding of userID that is active and effective now.
func (s *Service) GetActivePolicy(ctx context.Context, userID string) (models.UserStrategy, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.UserStrategy{}, clientInput("userId is required")
	}
	binding, errFind := store.CurrentBinding(ctx, s.db, userID, s.clock())
	if errFind != nil {
		return models.UserStrategy{}, errFind
	}
	if binding == nil {
		return models.UserStrategy{}, notFound("No active strategy for userId=%s", userID)
	}
	return *binding, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Microsecond)
	return &v
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
