package limits

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/router-for-me/QuotaLimits/internal/db"
	"github.com/router-for-me/QuotaLimits/internal/metrics"
	"github.com/router-for-me/QuotaLimits/internal/models"
	"github.com/router-for-me/QuotaLimits/internal/policy"
	"github.com/router-for-me/QuotaLimits/internal/store"
	"github.com/router-for-me/QuotaLimits/internal/window"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// scopePlan is one (scope, window instance) a debit touches.
type scopePlan struct {
	PolicyID        uint64
	WindowID        string
	Scope           string
	LimitMicros     int64
	IntervalSeconds *int64
	Bounds          window.Bounds

	UsedMicros      int64
	RemainingBefore int64
}

type debitContext struct {
	tx  *gorm.DB
	req DebitRequest
	at  time.Time

	attrs    map[string]string
	policies []policy.Policy
	plans    []scopePlan

	bottleneck *scopePlan
	result     *DebitResult
	created    bool
}

func (c *debitContext) finished() bool { return c.result != nil }

func (c *debitContext) remainingBefore() map[string]int64 {
	out := make(map[string]int64, len(c.plans))
	for _, plan := range c.plans {
		out[plan.Scope] = plan.RemainingBefore
	}
	return out
}

// Debit consumes the requested amount from every scope the user's policies
// resolve to. A repeated (UserID, TxID) returns the first result unchanged.
// When a scope cannot cover the amount the response carries a DECLINED result
// and the returned error is an InsufficientLimit *Error.
func (s *Service) Debit(ctx context.Context, req DebitRequest) (resp DebitResponse, err error) {
	started := time.Now()
	defer func() { s.observe("debit", started, err, debitOutcome(resp)) }()

	req.UserID = strings.TrimSpace(req.UserID)
	req.TxID = strings.TrimSpace(req.TxID)
	if req.UserID == "" {
		return DebitResponse{}, clientInput("userId is required")
	}
	if req.TxID == "" {
		return DebitResponse{}, clientInput("txId is required")
	}
	if req.AmountMicros <= 0 {
		return DebitResponse{}, clientInput("amount must be positive")
	}

	if replayed, ok, errReplay := s.lookupDebit(ctx, req.UserID, req.TxID); errReplay != nil {
		return DebitResponse{}, errReplay
	} else if ok {
		return replayed, nil
	}

	c := &debitContext{req: req, at: req.OccurredAt.UTC()}
	if req.OccurredAt.IsZero() {
		c.at = s.clock()
	}

	errTx := s.inTx(ctx, func(tx *gorm.DB) error {
		c.tx = tx
		return runSteps(ctx, c, (*debitContext).finished,
			step[debitContext]{name: "claim-tx", run: claimDebitTx},
			step[debitContext]{name: "resolve-policies", run: s.resolvePolicies},
			step[debitContext]{
				name: "miss-behavior",
				when: func(c *debitContext) bool { return len(c.policies) == 0 },
				run:  s.applyMissBehavior,
			},
			step[debitContext]{name: "resolve-scopes", run: s.planScopes},
			step[debitContext]{name: "load-usage", run: s.loadUsage},
			step[debitContext]{name: "check-limits", run: s.checkLimits},
			step[debitContext]{name: "reserve-and-log", run: s.reserveAndLog},
		)
	})
	if errTx != nil {
		if db.IsUniqueViolation(errTx) || errors.Is(errTx, errDebitCommitted) {
			// A concurrent request with the same txId committed first.
			if replayed, ok, errReplay := s.lookupDebit(ctx, req.UserID, req.TxID); errReplay == nil && ok {
				return replayed, nil
			}
			if errors.Is(errTx, errDebitCommitted) {
				return DebitResponse{}, conflict("txId %s is being processed, retry later", req.TxID)
			}
		}
		var lerr *Error
		if errors.As(errTx, &lerr) && lerr.Kind == KindInsufficientLimit {
			return DebitResponse{
				ResourceID: req.TxID,
				Result: DebitResult{
					Status:           StatusDeclined,
					Reason:           lerr.Message,
					RemainingByScope: c.remainingBefore(),
				},
			}, errTx
		}
		return DebitResponse{}, errTx
	}

	resp = DebitResponse{Created: c.created, ResourceID: req.TxID, Result: *c.result}
	s.cacheDebit(ctx, req.UserID, req.TxID, resp.Result)
	return resp, nil
}

// errDebitCommitted reports that another request logged the same txId while
// this one waited for the claim.
var errDebitCommitted = errors.New("limits: debit committed concurrently")

func claimDebitTx(ctx context.Context, c *debitContext) error {
	if errLock := store.LockDebitTx(ctx, c.tx, c.req.UserID, c.req.TxID); errLock != nil {
		return errLock
	}
	rows, errRows := store.LedgerRowsForTx(ctx, c.tx, c.req.UserID, c.req.TxID)
	if errRows != nil {
		return errRows
	}
	if len(rows) > 0 {
		return errDebitCommitted
	}
	return nil
}

func debitOutcome(resp DebitResponse) string {
	if resp.Result.Status == StatusApproved && !resp.Created {
		return metrics.OutcomeReplayed
	}
	return metrics.OutcomeApproved
}

func debitReplayKey(userID, txID string) string {
	return "limits:debit:" + userID + ":" + txID
}

// lookupDebit finds a previous result for (userID, txID) without taking locks.
func (s *Service) lookupDebit(ctx context.Context, userID, txID string) (DebitResponse, bool, error) {
	if s.replay != nil {
		raw, ok, errGet := s.replay.Get(ctx, debitReplayKey(userID, txID))
		if errGet != nil {
			log.WithError(errGet).Warn("limits: replay cache lookup failed")
		} else if ok {
			var result DebitResult
			if errDecode := json.Unmarshal(raw, &result); errDecode == nil {
				s.metrics.ReplayHit("cache")
				return DebitResponse{ResourceID: txID, Result: result}, true, nil
			}
		}
	}

	rows, errRows := store.LedgerRowsForTx(ctx, s.db, userID, txID)
	if errRows != nil {
		return DebitResponse{}, false, errRows
	}
	if len(rows) == 0 {
		return DebitResponse{}, false, nil
	}
	result, errResult := s.resultFromLedger(ctx, s.db, userID, rows)
	if errResult != nil {
		return DebitResponse{}, false, errResult
	}
	s.metrics.ReplayHit("ledger")
	s.cacheDebit(ctx, userID, txID, result)
	return DebitResponse{ResourceID: txID, Result: result}, true, nil
}

// resultFromLedger returns the stored snapshot, or rebuilds one from the rows
// and the current bucket balances when no snapshot was kept.
func (s *Service) resultFromLedger(ctx context.Context, conn *gorm.DB, userID string, rows []models.LimitTx) (DebitResult, error) {
	if len(rows[0].Result) > 0 {
		var result DebitResult
		if errDecode := json.Unmarshal(rows[0].Result, &result); errDecode == nil {
			return result, nil
		}
	}
	result := DebitResult{
		Status:           StatusApproved,
		Reason:           "OK",
		DebitedMicros:    rows[0].AmountMicros,
		RemainingByScope: make(map[string]int64, len(rows)),
	}
	for _, row := range rows {
		bucket, errBucket := store.FindBucket(ctx, conn, userID, row.ScopeKey)
		if errBucket != nil {
			return DebitResult{}, errBucket
		}
		if bucket != nil {
			result.RemainingByScope[row.ScopeKey] = bucket.RemainingMicros
		}
	}
	return result, nil
}

func (s *Service) cacheDebit(ctx context.Context, userID, txID string, result DebitResult) {
	if s.replay == nil {
		return
	}
	raw, errEncode := json.Marshal(result)
	if errEncode != nil {
		return
	}
	if errSet := s.replay.Set(ctx, debitReplayKey(userID, txID), raw, s.config().ReplayTTL); errSet != nil {
		log.WithError(errSet).Warn("limits: replay cache store failed")
	}
}

// candidatePolicies returns the policies bound to the user at c.at, or the
// enabled defaults when the user has none.
func (s *Service) candidatePolicies(ctx context.Context, conn *gorm.DB, userID string, at time.Time) (bound, defaults []policy.Policy, err error) {
	rows, errBound := store.ActiveStrategiesForUser(ctx, conn, userID, at)
	if errBound != nil {
		return nil, nil, errBound
	}
	defaultRows, errDefaults := store.EnabledDefaults(ctx, conn)
	if errDefaults != nil {
		return nil, nil, errDefaults
	}
	return policy.CompileAll(rows), policy.CompileAll(defaultRows), nil
}

func (s *Service) resolvePolicies(ctx context.Context, c *debitContext) error {
	bound, defaults, errLoad := s.candidatePolicies(ctx, c.tx, c.req.UserID, c.at)
	if errLoad != nil {
		return errLoad
	}
	contractSource := bound
	if len(contractSource) == 0 {
		contractSource = defaults
	}
	contract := policy.ContractOf(contractSource)
	c.attrs = contract.Normalize(c.req.Attributes)
	if missing := contract.MissingRequired(c.attrs); len(missing) > 0 {
		return clientInput("Missing required attributes: %s", strings.Join(missing, ", "))
	}

	c.policies = policy.MatchAll(bound, c.attrs)
	if len(c.policies) == 0 {
		c.policies = policy.MatchAll(defaults, c.attrs)
	}
	return nil
}

func (s *Service) applyMissBehavior(ctx context.Context, c *debitContext) error {
	if s.missBehavior() == MissReject {
		return clientInput("No applicable policy for request")
	}
	defaultRows, errDefaults := store.EnabledDefaults(ctx, c.tx)
	if errDefaults != nil {
		return errDefaults
	}
	best := policy.BestDefault(policy.MatchAll(policy.CompileAll(defaultRows), c.attrs))
	if best == nil {
		return serverInvariant("Default policy is missing")
	}
	log.Debugf("limits: falling back to default policy id=%d name=%s v=%d", best.ID, best.Name, best.Version)
	c.policies = []policy.Policy{*best}
	return nil
}

func (s *Service) planScopes(_ context.Context, c *debitContext) error {
	var err error
	c.plans, err = buildPlans(c.policies, c.req.UserID, c.attrs, c.at)
	if err != nil {
		return err
	}
	if len(c.plans) == 0 {
		return serverInvariant("No applicable policy (empty windows/plans)")
	}
	return nil
}

func buildPlans(policies []policy.Policy, userID string, attrs map[string]string, at time.Time) ([]scopePlan, error) {
	var plans []scopePlan
	seen := map[string]uint64{}
	for i := range policies {
		p := &policies[i]
		if p.LimitsErr != nil || len(p.Windows) == 0 {
			log.Debugf("limits: policy id=%d has no usable windows, skipping", p.ID)
			continue
		}
		for _, w := range p.Windows {
			bounds, errBounds := window.Calculate(w, at)
			if errBounds != nil {
				if errors.Is(errBounds, window.ErrUnsupportedPeriod) {
					return nil, &Error{Kind: KindUnsupportedWindow, Message: "Unsupported window period: " + w.PeriodISO, Err: errBounds}
				}
				return nil, errBounds
			}
			scope := p.ScopeKey(w.ID, userID, attrs)
			if owner, dup := seen[scope]; dup {
				log.Warnf("limits: scope %s of policy id=%d already planned by policy id=%d, skipping", scope, p.ID, owner)
				continue
			}
			seen[scope] = p.ID
			plan := scopePlan{
				PolicyID:    p.ID,
				WindowID:    w.ID,
				Scope:       scope,
				LimitMicros: w.LimitMicros,
				Bounds:      bounds,
			}
			if w.Fixed() {
				seconds := w.PeriodSeconds
				plan.IntervalSeconds = &seconds
			}
			plans = append(plans, plan)
		}
	}
	sort.SliceStable(plans, func(i, j int) bool { return plans[i].Scope < plans[j].Scope })
	return plans, nil
}

func (s *Service) loadUsage(ctx context.Context, c *debitContext) error {
	for i := range c.plans {
		plan := &c.plans[i]
		used, errSum := store.SumLedgerUsage(ctx, c.tx, c.req.UserID, plan.Scope, plan.Bounds.Start)
		if errSum != nil {
			return errSum
		}
		plan.UsedMicros = used
		plan.RemainingBefore = plan.LimitMicros - used
	}
	return nil
}

func (s *Service) checkLimits(_ context.Context, c *debitContext) error {
	c.bottleneck = bottleneck(c.plans)
	if c.bottleneck != nil && c.bottleneck.RemainingBefore < c.req.AmountMicros {
		return insufficient(c.bottleneck.Scope, c.bottleneck.RemainingBefore, c.req.AmountMicros)
	}
	return nil
}

// bottleneck returns the plan with the smallest remaining amount. Ties keep
// the first plan in scope order.
func bottleneck(plans []scopePlan) *scopePlan {
	var low *scopePlan
	for i := range plans {
		if low == nil || plans[i].RemainingBefore < low.RemainingBefore {
			low = &plans[i]
		}
	}
	return low
}

// reserveAndLog locks buckets in scope order, so two debits touching the same
// scopes never wait on each other in opposite order.
func (s *Service) reserveAndLog(ctx context.Context, c *debitContext) error {
	remaining := make(map[string]int64, len(c.plans))
	rows := make([]models.LimitTx, 0, len(c.plans))
	for _, plan := range c.plans {
		bucket, errEnsure := store.EnsureBucket(ctx, c.tx, c.req.UserID, plan.Scope, store.WindowState{
			LimitMicros:     plan.LimitMicros,
			IntervalSeconds: plan.IntervalSeconds,
			Start:           plan.Bounds.Start,
			Next:            plan.Bounds.Next,
		})
		if errEnsure != nil {
			switch {
			case errors.Is(errEnsure, store.ErrStaleWindow):
				return conflict("Window of scope=%s has already closed", plan.Scope)
			case errors.Is(errEnsure, gorm.ErrRecordNotFound):
				return serverInvariant("Bucket missing after ensure: scope=%s", plan.Scope)
			}
			return errEnsure
		}
		if bucket.RemainingMicros < c.req.AmountMicros {
			return insufficient(plan.Scope, bucket.RemainingMicros, c.req.AmountMicros)
		}
		if errAdjust := store.AdjustRemaining(ctx, c.tx, bucket.ID, -c.req.AmountMicros); errAdjust != nil {
			return errAdjust
		}
		remaining[plan.Scope] = bucket.RemainingMicros - c.req.AmountMicros
		rows = append(rows, models.LimitTx{
			UserID:       c.req.UserID,
			ScopeKey:     plan.Scope,
			PeriodStart:  plan.Bounds.Start,
			TxID:         c.req.TxID,
			AmountMicros: c.req.AmountMicros,
		})
	}

	result := DebitResult{
		Status:           StatusApproved,
		Reason:           "OK",
		DebitedMicros:    c.req.AmountMicros,
		RemainingByScope: remaining,
	}
	snapshot, errEncode := json.Marshal(result)
	if errEncode != nil {
		return errEncode
	}
	for i := range rows {
		rows[i].Result = datatypes.JSON(snapshot)
	}
	if errInsert := store.InsertLedgerRows(ctx, c.tx, rows); errInsert != nil {
		return errInsert
	}
	c.result = &result
	c.created = true
	return nil
}
