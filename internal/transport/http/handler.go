package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gymflow/credits-service/internal/model"
	"github.com/gymflow/credits-service/internal/repo"
	"github.com/gymflow/credits-service/internal/service"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func RegisterHandlers(r *gin.Engine, credits *service.CreditService, summary *service.SummaryService) {
	v1 := r.Group("/v1")
	{
		v1.GET("/members/:id/credits", balanceHandler(credits))
		v1.POST("/members/:id/credits/add", addHandler(credits))
		v1.POST("/members/:id/credits/deduct", deductHandler(credits))
		v1.GET("/credits/transactions", transactionsHandler(credits))
		v1.GET("/credits/summary", summaryHandler(summary))
	}
}

// mutateReq is the wire shape of add/deduct bodies. Amounts travel as
// strings so they survive JSON without float rounding.
type mutateReq struct {
	Amount          string  `json:"amount" binding:"required"`
	TransactionType string  `json:"transaction_type" binding:"required"`
	ReferenceID     *string `json:"reference_id"`
	Notes           *string `json:"notes"`
	BranchID        *string `json:"branch_id"`
}

func (req *mutateReq) toMutation(c *gin.Context) (service.MutationRequest, bool) {
	amt, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return service.MutationRequest{}, false
	}
	return service.MutationRequest{
		MemberID:    c.Param("id"),
		Amount:      amt,
		Type:        model.TransactionType(req.TransactionType),
		ReferenceID: req.ReferenceID,
		Notes:       req.Notes,
		BranchID:    req.BranchID,
		Actor:       c.GetString(actorKey),
	}, true
}

func balanceHandler(credits *service.CreditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var branchID *string
		if b := c.Query("branch_id"); b != "" {
			branchID = &b
		}
		bal, err := credits.GetOrCreateBalance(c, c.Param("id"), branchID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, bal)
	}
}

func addHandler(credits *service.CreditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req mutateReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		m, ok := req.toMutation(c)
		if !ok {
			return
		}
		bal, txRow, err := credits.Add(c, m)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal, "transaction": txRow})
	}
}

func deductHandler(credits *service.CreditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req mutateReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		m, ok := req.toMutation(c)
		if !ok {
			return
		}
		bal, txRow, err := credits.Deduct(c, m)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal, "transaction": txRow})
	}
}

func transactionsHandler(credits *service.CreditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := repo.TransactionFilter{
			MemberID: c.Query("member_id"),
			Type:     model.TransactionType(c.Query("transaction_type")),
		}
		f.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
		f.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
		var err error
		if f.From, err = parseTime(c.Query("from")); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
			return
		}
		if f.To, err = parseTime(c.Query("to")); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
			return
		}
		page, err := credits.ListTransactions(c, f)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

func summaryHandler(summary *service.SummaryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sum, err := summary.GetSummary(c, c.Query("branch_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, sum)
	}
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// writeError maps engine failures to caller-visible statuses. Business
// outcomes (validation, insufficient credits) must stay distinguishable
// from storage faults.
func writeError(c *gin.Context, err error) {
	var insuff *service.InsufficientCreditsError
	switch {
	case errors.As(err, &insuff):
		c.JSON(http.StatusConflict, gin.H{
			"error":     "insufficient credits",
			"available": insuff.Available,
			"requested": insuff.Requested,
		})
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrAmountPrecision),
		errors.Is(err, service.ErrInvalidTransactionType),
		errors.Is(err, service.ErrMissingMemberID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, service.ErrStorageUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
