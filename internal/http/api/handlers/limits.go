package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/QuotaLimits/internal/limits"
)

// LimitsHandler serves debit, reversal, check and transaction lookup.
type LimitsHandler struct {
	svc *limits.Service
}

// NewLimitsHandler constructs a LimitsHandler.
func NewLimitsHandler(svc *limits.Service) *LimitsHandler {
	return &LimitsHandler{svc: svc}
}

type debitRequest struct {
	UserID     string            `json:"userId"`
	TxID       string            `json:"txId"`
	Amount     json.Number       `json:"amount"`
	Attributes map[string]string `json:"attributes"`
	OccurredAt *time.Time        `json:"occurredAt"`
}

type debitResponse struct {
	Status           limits.Status          `json:"status"`
	DecisionReason   string                 `json:"decisionReason"`
	DebitedAmount    json.Number            `json:"debitedAmount"`
	RemainingByScope map[string]json.Number `json:"remainingByScope"`
}

func toDebitResponse(r limits.DebitResult) debitResponse {
	return debitResponse{
		Status:           r.Status,
		DecisionReason:   r.Reason,
		DebitedAmount:    amountJSON(r.DebitedMicros),
		RemainingByScope: remainingJSON(r.RemainingByScope),
	}
}

func transactionLocation(userID, txID string) string {
	return "/v1/limits/transactions/" + url.PathEscape(userID) + "/" + url.PathEscape(txID)
}

// Debit consumes an amount from the user's limits.
func (h *LimitsHandler) Debit(c *gin.Context) {
	var body debitRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	amount, ok := parseAmount(body.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive number"})
		return
	}
	req := limits.DebitRequest{
		UserID:       body.UserID,
		TxID:         body.TxID,
		AmountMicros: amount,
		Attributes:   body.Attributes,
	}
	if body.OccurredAt != nil {
		req.OccurredAt = *body.OccurredAt
	}

	resp, errDebit := h.svc.Debit(c.Request.Context(), req)
	if errDebit != nil {
		if limits.KindOf(errDebit) == limits.KindInsufficientLimit && resp.Result.Status == limits.StatusDeclined {
			c.JSON(http.StatusUnprocessableEntity, toDebitResponse(resp.Result))
			return
		}
		respondError(c, errDebit)
		return
	}
	createdOrOK(c, resp.Created, transactionLocation(req.UserID, resp.ResourceID), toDebitResponse(resp.Result))
}

type cancelRequest struct {
	UserID       string     `json:"userId"`
	TxID         string     `json:"txId"`
	OriginalTxID string     `json:"originalTxId"`
	OccurredAt   *time.Time `json:"occurredAt"`
}

type cancelResponse struct {
	Reverted         bool                   `json:"reverted"`
	ResultMessage    string                 `json:"resultMessage"`
	RemainingByScope map[string]json.Number `json:"remainingByScope"`
}

// Cancel reverses a previous debit inside its window.
func (h *LimitsHandler) Cancel(c *gin.Context) {
	var body cancelRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req := limits.CancelRequest{UserID: body.UserID, TxID: body.TxID, OriginalTxID: body.OriginalTxID}
	if body.OccurredAt != nil {
		req.OccurredAt = *body.OccurredAt
	}
	resp, errCancel := h.svc.Cancel(c.Request.Context(), req)
	if errCancel != nil {
		respondError(c, errCancel)
		return
	}
	createdOrOK(c, resp.Created, "", cancelResponse{
		Reverted:         resp.Result.Reverted,
		ResultMessage:    resp.Result.Message,
		RemainingByScope: remainingJSON(resp.Result.RemainingByScope),
	})
}

type checkRequest struct {
	UserID     string            `json:"userId"`
	Amount     json.Number       `json:"amount"`
	Attributes map[string]string `json:"attributes"`
	OccurredAt *time.Time        `json:"occurredAt"`
}

type checkResponse struct {
	Sufficient     bool        `json:"sufficient"`
	DecisionReason string      `json:"decisionReason"`
	RemainingAfter json.Number `json:"remainingAfter"`
}

// Check answers whether an amount would fit without debiting it.
func (h *LimitsHandler) Check(c *gin.Context) {
	var body checkRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	amount, ok := parseAmount(body.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive number"})
		return
	}
	req := limits.CheckRequest{UserID: body.UserID, AmountMicros: amount, Attributes: body.Attributes}
	if body.OccurredAt != nil {
		req.OccurredAt = *body.OccurredAt
	}
	res, errCheck := h.svc.Check(c.Request.Context(), req)
	if errCheck != nil {
		respondError(c, errCheck)
		return
	}
	c.JSON(http.StatusOK, checkResponse{
		Sufficient:     res.Sufficient,
		DecisionReason: res.Reason,
		RemainingAfter: amountJSON(res.RemainingAfterMicros),
	})
}

type transactionResponse struct {
	UserID           string                 `json:"userId"`
	TxID             string                 `json:"txId"`
	Status           limits.Status          `json:"status"`
	DecisionReason   string                 `json:"decisionReason"`
	Amount           json.Number            `json:"amount"`
	RemainingByScope map[string]json.Number `json:"remainingByScope"`
	CreatedAt        time.Time              `json:"createdAt"`
}

// Transaction returns a committed debit.
func (h *LimitsHandler) Transaction(c *gin.Context) {
	tx, errGet := h.svc.GetTransaction(c.Request.Context(), c.Param("userId"), c.Param("txId"))
	if errGet != nil {
		respondError(c, errGet)
		return
	}
	c.JSON(http.StatusOK, transactionResponse{
		UserID:           tx.UserID,
		TxID:             tx.TxID,
		Status:           tx.Status,
		DecisionReason:   tx.Reason,
		Amount:           amountJSON(tx.AmountMicros),
		RemainingByScope: remainingJSON(tx.RemainingByScope),
		CreatedAt:        tx.CreatedAt,
	})
}
