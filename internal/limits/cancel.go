package limits

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/router-for-me/QuotaLimits/internal/metrics"
	"github.com/router-for-me/QuotaLimits/internal/models"
	"github.com/router-for-me/QuotaLimits/internal/store"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type cancelContext struct {
	tx  *gorm.DB
	req CancelRequest
	now time.Time

	rows    []models.LimitTx
	buckets map[string]*models.LimitBucket
	result  *CancelResult
}

func (c *cancelContext) finished() bool { return c.result != nil }

// Cancel reverses every ledger row of OriginalTxID. Each reversed row must
// belong to the current window of its bucket.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (resp CancelResponse, err error) {
	started := time.Now()
	defer func() { s.observe("cancel", started, err, metrics.OutcomeApproved) }()

	c := &cancelContext{req: req, now: s.clock()}
	errTx := s.inTx(ctx, func(tx *gorm.DB) error {
		c.tx = tx
		return runSteps(ctx, c, (*cancelContext).finished,
			step[cancelContext]{name: "validate", run: validateCancel},
			step[cancelContext]{name: "load-original", run: s.loadOriginal},
			step[cancelContext]{name: "check-reversal-window", run: checkReversalWindow},
			step[cancelContext]{name: "apply-reversal", run: s.applyReversal},
		)
	})
	if errTx != nil {
		return CancelResponse{}, errTx
	}

	fields := log.Fields{"user_id": c.req.UserID, "tx_id": c.req.TxID, "original_tx_id": c.req.OriginalTxID}
	if !req.OccurredAt.IsZero() {
		fields["reported_at"] = req.OccurredAt.UTC()
	}
	log.WithFields(fields).Info("limits: debit reversed")

	if s.replay != nil {
		if errDel := s.replay.Delete(ctx, debitReplayKey(c.req.UserID, c.req.OriginalTxID)); errDel != nil {
			log.WithError(errDel).Warn("limits: replay cache eviction failed")
		}
	}
	return CancelResponse{Created: true, ResourceID: c.req.OriginalTxID, Result: *c.result}, nil
}

func validateCancel(_ context.Context, c *cancelContext) error {
	c.req.UserID = strings.TrimSpace(c.req.UserID)
	c.req.TxID = strings.TrimSpace(c.req.TxID)
	c.req.OriginalTxID = strings.TrimSpace(c.req.OriginalTxID)
	switch {
	case c.req.UserID == "":
		return clientInput("userId is required")
	case c.req.TxID == "":
		return clientInput("txId is required")
	case c.req.OriginalTxID == "":
		return clientInput("originalTxId (id of original debit) is required")
	}
	return nil
}

func (s *Service) loadOriginal(ctx context.Context, c *cancelContext) error {
	rows, errRows := store.LedgerRowsForTx(ctx, c.tx, c.req.UserID, c.req.OriginalTxID)
	if errRows != nil {
		return errRows
	}
	if len(rows) == 0 {
		return notFound("Original tx not found: userId=%s, txId=%s", c.req.UserID, c.req.OriginalTxID)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ScopeKey < rows[j].ScopeKey })

	c.rows = rows
	c.buckets = make(map[string]*models.LimitBucket, len(rows))
	for _, row := range rows {
		bucket, errLock := store.LockBucket(ctx, c.tx, c.req.UserID, row.ScopeKey)
		if errLock != nil {
			return errLock
		}
		if bucket == nil {
			return serverInvariant("Bucket missing for scope=%s of txId=%s", row.ScopeKey, c.req.OriginalTxID)
		}
		c.buckets[row.ScopeKey] = bucket
	}
	return nil
}

func checkReversalWindow(_ context.Context, c *cancelContext) error {
	for _, row := range c.rows {
		bucket := c.buckets[row.ScopeKey]
		if c.now.Before(bucket.LastPeriodStart) || !c.now.Before(bucket.NextResetAt) ||
			!row.PeriodStart.Equal(bucket.LastPeriodStart) {
			return conflict("Reversal is allowed only within the current window")
		}
	}
	return nil
}

func (s *Service) applyReversal(ctx context.Context, c *cancelContext) error {
	remaining := make(map[string]int64, len(c.rows))
	ids := make([]uint64, 0, len(c.rows))
	for _, row := range c.rows {
		bucket := c.buckets[row.ScopeKey]
		restored := min(bucket.RemainingMicros+row.AmountMicros, bucket.BaseLimitMicros)
		if delta := restored - bucket.RemainingMicros; delta != 0 {
			if errAdjust := store.AdjustRemaining(ctx, c.tx, bucket.ID, delta); errAdjust != nil {
				return errAdjust
			}
		}
		bucket.RemainingMicros = restored
		remaining[row.ScopeKey] = restored
		ids = append(ids, row.ID)
	}
	if _, errDelete := store.DeleteLedgerRows(ctx, c.tx, ids); errDelete != nil {
		return errDelete
	}
	c.result = &CancelResult{
		Reverted:         true,
		Message:          "Reversal applied for originalTxId=" + c.req.OriginalTxID,
		RemainingByScope: remaining,
	}
	return nil
}
