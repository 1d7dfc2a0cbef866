package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gymflow/credits-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	summaryCacheTTL = time.Minute
	recentWindow    = 30 * 24 * time.Hour
)

// Summary is the read-only rollup over the whole ledger, optionally scoped
// to one branch.
type Summary struct {
	TotalCredits           decimal.Decimal `json:"total_credits"`
	TotalMembers           int64           `json:"total_members"`
	RecentTransactionCount int64           `json:"recent_transaction_count"`
}

// SummaryService aggregates balances and recent activity. It has no mutation
// capability; everything here is a read query.
type SummaryService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewSummaryService returns SummaryService.
func NewSummaryService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *SummaryService {
	return &SummaryService{repo: r, log: logger}
}

// GetSummary computes total credits, member count and the transaction count
// over the last 30 days. Results are cached briefly; the cache is advisory
// and every failure falls through to the store.
func (s *SummaryService) GetSummary(ctx context.Context, branchID string) (*Summary, error) {
	if cached, err := s.repo.GetCachedSummary(ctx, branchID); err == nil {
		var sum Summary
		if err := json.Unmarshal([]byte(cached), &sum); err == nil {
			return &sum, nil
		}
	}

	agg, err := s.repo.AggregateBalances(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	recent, err := s.repo.CountTransactionsSince(ctx, time.Now().Add(-recentWindow), branchID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	sum := &Summary{
		TotalCredits:           agg.TotalBalance,
		TotalMembers:           agg.MemberCount,
		RecentTransactionCount: recent,
	}
	if payload, err := json.Marshal(sum); err == nil {
		if err := s.repo.CacheSummary(ctx, branchID, string(payload), summaryCacheTTL); err != nil {
			s.log.Warnw("cache summary", "branch_id", branchID, "err", err)
		}
	}
	return sum, nil
}
