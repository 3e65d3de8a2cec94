package limits

import (
	"time"

	"github.com/router-for-me/QuotaLimits/internal/models"
)

// Status is the outcome of a debit.
type Status string

// Debit statuses.
const (
	StatusApproved Status = "APPROVED"
	StatusDeclined Status = "DECLINED"
)

// MissBehavior decides what a debit does when no policy matches.
type MissBehavior string

// Miss behaviours.
const (
	MissUseDefault MissBehavior = "USE_DEFAULT"
	MissReject     MissBehavior = "REJECT"
)

// ParseMissBehavior accepts USE_DEFAULT or REJECT in any case.
func ParseMissBehavior(raw string) (MissBehavior, bool) {
	switch MissBehavior(normalizeUpper(raw)) {
	case MissUseDefault:
		return MissUseDefault, true
	case MissReject:
		return MissReject, true
	default:
		return "", false
	}
}

// DebitRequest asks to consume AmountMicros from every scope the user's policies resolve to.
type DebitRequest struct {
	UserID       string
	TxID         string
	AmountMicros int64
	Attributes   map[string]string
	OccurredAt   time.Time
}

// DebitResult is the business outcome of a debit. It is stored with the ledger
// rows and returned unchanged on replays.
type DebitResult struct {
	Status           Status           `json:"status"`
	Reason           string           `json:"reason"`
	DebitedMicros    int64            `json:"debited_micros"`
	RemainingByScope map[string]int64 `json:"remaining_by_scope"`
}

// DebitResponse wraps a DebitResult. Created is false for replays and declines.
type DebitResponse struct {
	Created    bool
	ResourceID string
	Result     DebitResult
}

// CancelRequest asks to reverse the debit OriginalTxID. OccurredAt is only
// logged: the reversal window is always judged against the
// service clock, so a backdated request cannot reopen a closed window.
type CancelRequest struct {
	UserID       string
	TxID         string
	OriginalTxID string
	OccurredAt   time.Time
}

// CancelResult is the outcome of a reversal.
type CancelResult struct {
	Reverted         bool
	Message          string
	RemainingByScope map[string]int64
}

// CancelResponse wraps a CancelResult.
type CancelResponse struct {
	Created    bool
	ResourceID string
	Result     CancelResult
}

// CheckRequest is a dry-run sufficiency question. It reads the stored
// balances as they are now; OccurredAt is accepted but not used.
type CheckRequest struct {
	UserID       string
	AmountMicros int64
	Attributes   map[string]string
	OccurredAt   time.Time
}

// CheckResult answers a CheckRequest.
type CheckResult struct {
	Sufficient           bool
	Reason               string
	RemainingAfterMicros int64
}

// AssignRequest binds a user to a strategy.
type AssignRequest struct {
	UserID        string
	StrategyID    uint64
	Active        *bool
	EffectiveFrom *time.Time
	EffectiveTo   *time.Time
}

// AssignResponse reports the stored binding. Created is false for replays.
type AssignResponse struct {
	Created    bool
	Updated    bool
	ResourceID string
	Binding    models.UserStrategy
}

// CreatePolicyRequest registers a new strategy version.
type CreatePolicyRequest struct {
	Name      string
	Version   int
	Enabled   *bool
	IsDefault *bool
	Limits    []byte
	Spec      []byte
	DSL       string
}

// CreatePolicyResponse reports the stored strategy. Created is false for replays.
type CreatePolicyResponse struct {
	Created    bool
	ResourceID string
	Strategy   models.Strategy
}
