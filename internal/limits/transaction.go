package limits

import (
	"context"
	"strings"
	"time"

	"github.com/router-for-me/QuotaLimits/internal/store"
)

// Transaction describes a committed debit with the current balance of every
// scope it touched.
type Transaction struct {
	UserID           string
	TxID             string
	Status           Status
	Reason           string
	AmountMicros     int64
	RemainingByScope map[string]int64
	CreatedAt        time.Time
}

// GetTransaction looks up a committed debit by (userID, txID).
func (s *Service) GetTransaction(ctx context.Context, userID, txID string) (Transaction, error) {
	userID, txID = strings.TrimSpace(userID), strings.TrimSpace(txID)
	if userID == "" || txID == "" {
		return Transaction{}, clientInput("userId and txId are required")
	}
	rows, errRows := store.LedgerRowsForTx(ctx, s.db, userID, txID)
	if errRows != nil {
		return Transaction{}, errRows
	}
	if len(rows) == 0 {
		return Transaction{}, notFound("Transaction not found: userId=%s, txId=%s", userID, txID)
	}

	out := Transaction{
		UserID:           userID,
		TxID:             txID,
		Status:           StatusApproved,
		Reason:           ReasonOK,
		AmountMicros:     rows[0].AmountMicros,
		RemainingByScope: make(map[string]int64, len(rows)),
		CreatedAt:        rows[0].CreatedAt.UTC(),
	}
	for _, row := range rows {
		bucket, errBucket := store.FindBucket(ctx, s.db, userID, row.ScopeKey)
		if errBucket != nil {
			return Transaction{}, errBucket
		}
		if bucket != nil {
			out.RemainingByScope[row.ScopeKey] = bucket.RemainingMicros
		}
	}
	return out, nil
}
