package limits

import (
	"context"
	"strings"
	"time"

	"github.com/router-for-me/QuotaLimits/internal/metrics"
	"github.com/router-for-me/QuotaLimits/internal/store"
)

// Check reasons.
const (
	ReasonOK                = "OK"
	ReasonInsufficientFunds = "INSUFFICIENT_FUNDS"
)

type checkContext struct {
	req    CheckRequest
	result *CheckResult
}

func (c *checkContext) finished() bool { return c.result != nil }

// Check answers whether the user's total remaining quota, summed over every
// bucket regardless of scope, covers the amount. It never writes.
func (s *Service) Check(ctx context.Context, req CheckRequest) (result CheckResult, err error) {
	started := time.Now()
	defer func() { s.observe("check", started, err, metrics.OutcomeApproved) }()

	c := &checkContext{req: req}
	errRun := runSteps(ctx, c, (*checkContext).finished,
		step[checkContext]{name: "validate", run: validateCheck},
		step[checkContext]{name: "compute-available", run: s.computeAvailable},
	)
	if errRun != nil {
		return CheckResult{}, errRun
	}
	return *c.result, nil
}

func validateCheck(_ context.Context, c *checkContext) error {
	c.req.UserID = strings.TrimSpace(c.req.UserID)
	if c.req.UserID == "" {
		return clientInput("userId is required")
	}
	if c.req.AmountMicros <= 0 {
		return clientInput("amount must be > 0")
	}
	return nil
}

func (s *Service) computeAvailable(ctx context.Context, c *checkContext) error {
	total, errSum := store.SumRemaining(ctx, s.db, c.req.UserID)
	if errSum != nil {
		return errSum
	}
	if total >= c.req.AmountMicros {
		c.result = &CheckResult{Sufficient: true, Reason: ReasonOK, RemainingAfterMicros: total - c.req.AmountMicros}
		return nil
	}
	c.result = &CheckResult{Sufficient: false, Reason: ReasonInsufficientFunds, RemainingAfterMicros: total}
	return nil
}
