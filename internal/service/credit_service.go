package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/gymflow/credits-service/internal/model"
	"github.com/gymflow/credits-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Serialization conflicts are transient; anything still failing after this
// many attempts is reported as a storage fault.
const maxConflictRetries = 3

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

// MutationRequest carries one add or deduct call. Amount is always positive;
// the invoked operation decides the sign that gets recorded.
type MutationRequest struct {
	MemberID    string
	Amount      decimal.Decimal
	Type        model.TransactionType
	ReferenceID *string
	Notes       *string
	BranchID    *string
	Actor       string
}

// TransactionPage is one page of audit records, newest first.
type TransactionPage struct {
	Items      []model.CreditTransaction `json:"items"`
	Page       int                       `json:"page"`
	Limit      int                       `json:"limit"`
	Total      int64                     `json:"total"`
	TotalPages int64                     `json:"total_pages"`
}

// CreditService is the ledger engine: it owns every balance mutation and
// guarantees that the sufficiency check, the balance write and the audit
// record land in one DB transaction under a row lock on the member.
type CreditService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewCreditService returns CreditService.
func NewCreditService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *CreditService {
	return &CreditService{repo: r, log: logger}
}

// GetOrCreateBalance reads the member's balance, creating the row with a zero
// balance on first contact. Losing the insert race to a concurrent caller is
// benign: the winner's row is re-read and returned.
func (s *CreditService) GetOrCreateBalance(ctx context.Context, memberID string, branchID *string) (*model.Balance, error) {
	if memberID == "" {
		return nil, ErrMissingMemberID
	}
	if b, err := s.repo.GetCachedBalance(ctx, memberID); err == nil {
		return b, nil
	}
	b, err := s.repo.GetBalance(ctx, memberID)
	if err == nil {
		if cerr := s.repo.CacheBalance(ctx, b); cerr != nil {
			s.log.Warnw("cache balance", "member_id", memberID, "err", cerr)
		}
		return b, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	b = &model.Balance{MemberID: memberID, BranchID: branchID, Balance: decimal.Zero}
	if err := s.repo.CreateBalance(ctx, s.repo.DB(ctx), b); err != nil {
		if !errors.Is(err, repo.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		if b, err = s.repo.GetBalance(ctx, memberID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	return b, nil
}

// Add credits the member's balance and appends the audit record.
func (s *CreditService) Add(ctx context.Context, req MutationRequest) (*model.Balance, *model.CreditTransaction, error) {
	if err := validateMutation(req, model.TransactionType.ValidForAdd); err != nil {
		return nil, nil, err
	}
	return s.mutate(ctx, req, req.Amount, "credits.added")
}

// Deduct debits the member's balance. The admission check and the decrement
// run as one atomic step; a deduct that would go negative is rejected with
// InsufficientCreditsError and writes nothing.
func (s *CreditService) Deduct(ctx context.Context, req MutationRequest) (*model.Balance, *model.CreditTransaction, error) {
	if err := validateMutation(req, model.TransactionType.ValidForDeduct); err != nil {
		return nil, nil, err
	}
	return s.mutate(ctx, req, req.Amount.Neg(), "credits.deducted")
}

// ListTransactions is a read-through with pagination defaults.
func (s *CreditService) ListTransactions(ctx context.Context, f repo.TransactionFilter) (*TransactionPage, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, ErrInvalidTransactionType
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}
	items, total, err := s.repo.ListTransactions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if items == nil {
		items = []model.CreditTransaction{}
	}
	totalPages := total / int64(f.Limit)
	if total%int64(f.Limit) > 0 {
		totalPages++
	}
	return &TransactionPage{
		Items:      items,
		Page:       f.Page,
		Limit:      f.Limit,
		Total:      total,
		TotalPages: totalPages,
	}, nil
}

// Repo exposes underlying repository (unit tests helper).
func (s *CreditService) Repo() repo.RepositoryInterface {
	return s.repo
}

func validateMutation(req MutationRequest, allowed func(model.TransactionType) bool) error {
	if req.MemberID == "" {
		return ErrMissingMemberID
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	// amount columns are numeric(20,2); anything finer would be truncated
	// by the store and could leave a zero-amount audit row
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return ErrAmountPrecision
	}
	if !allowed(req.Type) {
		return ErrInvalidTransactionType
	}
	return nil
}

func (s *CreditService) mutate(ctx context.Context, req MutationRequest, signed decimal.Decimal, eventType string) (*model.Balance, *model.CreditTransaction, error) {
	for attempt := 0; ; attempt++ {
		bal, txRow, err := s.applyOnce(ctx, req, signed, eventType)
		if err == nil {
			return bal, txRow, nil
		}
		var insuff *InsufficientCreditsError
		if errors.As(err, &insuff) {
			// business outcome, never retried
			return nil, nil, err
		}
		if !errors.Is(err, repo.ErrConflict) {
			return nil, nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		if attempt >= maxConflictRetries {
			s.log.Errorw("mutation conflict retries exhausted",
				"member_id", req.MemberID, "attempts", attempt+1)
			return nil, nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		backoff := time.Duration(attempt+1)*5*time.Millisecond +
			time.Duration(rand.Intn(5))*time.Millisecond
		s.log.Debugw("mutation conflict, retrying",
			"member_id", req.MemberID, "attempt", attempt+1, "backoff", backoff)
		time.Sleep(backoff)
	}
}

func (s *CreditService) applyOnce(ctx context.Context, req MutationRequest, signed decimal.Decimal, eventType string) (*model.Balance, *model.CreditTransaction, error) {
	var (
		outBal *model.Balance
		outTx  *model.CreditTransaction
	)
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := s.repo.GetBalanceForUpdate(ctx, tx, req.MemberID)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			b = &model.Balance{MemberID: req.MemberID, BranchID: req.BranchID, Balance: decimal.Zero}
			if err := s.repo.CreateBalance(ctx, tx, b); err != nil {
				if !errors.Is(err, repo.ErrAlreadyExists) {
					return err
				}
				if b, err = s.repo.GetBalanceForUpdate(ctx, tx, req.MemberID); err != nil {
					return err
				}
			}
		}

		newBal := b.Balance.Add(signed)
		if newBal.IsNegative() {
			return &InsufficientCreditsError{Available: b.Balance, Requested: signed.Neg()}
		}
		if err := s.repo.UpdateBalance(ctx, tx, req.MemberID, newBal, b.Version); err != nil {
			return err
		}

		txRow := &model.CreditTransaction{
			ID:           uuid.NewString(),
			MemberID:     req.MemberID,
			Amount:       signed,
			Type:         req.Type,
			BalanceAfter: newBal,
			ReferenceID:  req.ReferenceID,
			Notes:        req.Notes,
			CreatedBy:    req.Actor,
		}
		if err := s.repo.CreateTransaction(ctx, tx, txRow); err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"member_id":        req.MemberID,
			"transaction_id":   txRow.ID,
			"transaction_type": req.Type,
			"amount":           signed,
			"balance":          newBal,
			"created_by":       req.Actor,
		})
		evt := &model.OutboxEvent{
			Aggregate:   "CreditBalance",
			AggregateID: req.MemberID,
			EventType:   eventType,
			Payload:     string(payload),
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}

		b.Balance = newBal
		b.Version++
		b.UpdatedAt = time.Now()
		outBal, outTx = b, txRow
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	// cache only after commit; a rolled-back mutation must never be readable
	if err := s.repo.CacheBalance(ctx, outBal); err != nil {
		s.log.Warnw("cache balance", "member_id", req.MemberID, "err", err)
	}
	return outBal, outTx, nil
}
