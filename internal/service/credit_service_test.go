package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/gymflow/credits-service/internal/logger"
	"github.com/gymflow/credits-service/internal/model"
	"github.com/gymflow/credits-service/internal/repo"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) *repo.Repository {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Balance{}, &model.CreditTransaction{}, &model.OutboxEvent{}))

	// sqlite cannot take concurrent writers; a single connection keeps the
	// concurrency tests deterministic
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	rdb, _ := redismock.NewClientMock()
	return repo.NewRepository(db, rdb, &kafka.Writer{}, logger.NewNop())
}

func newTestService(t *testing.T) (*CreditService, context.Context) {
	return NewCreditService(newTestRepo(t), logger.NewNop()), context.Background()
}

func mutation(memberID string, amount int64, typ model.TransactionType) MutationRequest {
	return MutationRequest{
		MemberID: memberID,
		Amount:   decimal.NewFromInt(amount),
		Type:     typ,
		Actor:    "staff-1",
	}
}

func TestCreditService_FullScenario(t *testing.T) {
	svc, ctx := newTestService(t)

	// lazy creation on first read
	bal, err := svc.GetOrCreateBalance(ctx, "m1", nil)
	require.NoError(t, err)
	assert.True(t, bal.Balance.IsZero())

	bal, txRow, err := svc.Add(ctx, mutation("m1", 100, model.TypePurchase))
	require.NoError(t, err)
	assert.Equal(t, "100", bal.Balance.String())
	assert.Equal(t, "100", txRow.Amount.String())
	assert.Equal(t, "100", txRow.BalanceAfter.String())
	assert.Equal(t, "staff-1", txRow.CreatedBy)
	time.Sleep(5 * time.Millisecond)

	bal, _, err = svc.Add(ctx, mutation("m1", 50, model.TypeBonus))
	require.NoError(t, err)
	assert.Equal(t, "150", bal.Balance.String())
	time.Sleep(5 * time.Millisecond)

	bal, txRow, err = svc.Deduct(ctx, mutation("m1", 30, model.TypeRedemption))
	require.NoError(t, err)
	assert.Equal(t, "120", bal.Balance.String())
	assert.Equal(t, "-30", txRow.Amount.String())
	assert.Equal(t, "120", txRow.BalanceAfter.String())

	// over-deduct fails and changes nothing
	_, _, err = svc.Deduct(ctx, mutation("m1", 200, model.TypeRedemption))
	var insuff *InsufficientCreditsError
	require.ErrorAs(t, err, &insuff)
	assert.Equal(t, "120", insuff.Available.String())
	assert.Equal(t, "200", insuff.Requested.String())

	bal, err = svc.GetOrCreateBalance(ctx, "m1", nil)
	require.NoError(t, err)
	assert.Equal(t, "120", bal.Balance.String())

	page, err := svc.ListTransactions(ctx, repo.TransactionFilter{MemberID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, int64(1), page.TotalPages)
	require.Len(t, page.Items, 3)
	assert.Equal(t, "-30", page.Items[0].Amount.String()) // newest first

	// replaying the history in creation order reproduces every balance_after
	running := decimal.Zero
	for i := len(page.Items) - 1; i >= 0; i-- {
		running = running.Add(page.Items[i].Amount)
		assert.True(t, running.Equal(page.Items[i].BalanceAfter))
	}
	assert.True(t, running.Equal(bal.Balance))

	// each committed mutation wrote its outbox row; the rejected one did not
	var outboxCount int64
	require.NoError(t, svc.Repo().DB(ctx).Model(&model.OutboxEvent{}).Count(&outboxCount).Error)
	assert.Equal(t, int64(3), outboxCount)
}

func TestCreditService_Validation(t *testing.T) {
	svc, ctx := newTestService(t)

	_, _, err := svc.Add(ctx, mutation("m1", 0, model.TypePurchase))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = svc.Add(ctx, mutation("m1", -5, model.TypePurchase))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// redemption never increases credits
	_, _, err = svc.Add(ctx, mutation("m1", 10, model.TypeRedemption))
	assert.ErrorIs(t, err, ErrInvalidTransactionType)

	// bonus never decreases them
	_, _, err = svc.Deduct(ctx, mutation("m1", 10, model.TypeBonus))
	assert.ErrorIs(t, err, ErrInvalidTransactionType)

	_, _, err = svc.Add(ctx, mutation("m1", 10, model.TransactionType("loyalty")))
	assert.ErrorIs(t, err, ErrInvalidTransactionType)

	// sub-cent precision would be truncated by numeric(20,2) and could
	// leave a zero-amount audit row
	subCent := mutation("m1", 0, model.TypePurchase)
	subCent.Amount = decimal.RequireFromString("0.004")
	_, _, err = svc.Add(ctx, subCent)
	assert.ErrorIs(t, err, ErrAmountPrecision)
	_, _, err = svc.Deduct(ctx, MutationRequest{MemberID: "m1", Amount: decimal.RequireFromString("0.005"), Type: model.TypeRedemption, Actor: "staff-1"})
	assert.ErrorIs(t, err, ErrAmountPrecision)

	// two decimal places (and trailing zeros beyond them) are fine
	cents := mutation("m1", 0, model.TypePurchase)
	cents.Amount = decimal.RequireFromString("10.50")
	_, _, err = svc.Add(ctx, cents)
	assert.NoError(t, err)
	cents.Amount = decimal.RequireFromString("5.000")
	_, _, err = svc.Add(ctx, cents)
	assert.NoError(t, err)

	_, _, err = svc.Add(ctx, mutation("", 10, model.TypePurchase))
	assert.ErrorIs(t, err, ErrMissingMemberID)

	_, err = svc.GetOrCreateBalance(ctx, "", nil)
	assert.ErrorIs(t, err, ErrMissingMemberID)

	// only the two accepted mutations may have written audit rows
	page, err := svc.ListTransactions(ctx, repo.TransactionFilter{MemberID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
}

func TestCreditService_DeductBoundary(t *testing.T) {
	svc, ctx := newTestService(t)

	_, _, err := svc.Add(ctx, mutation("m1", 100, model.TypePurchase))
	require.NoError(t, err)

	// draining to exactly zero is allowed
	bal, _, err := svc.Deduct(ctx, mutation("m1", 100, model.TypeRedemption))
	require.NoError(t, err)
	assert.True(t, bal.Balance.IsZero())

	// one credit over is not
	_, _, err = svc.Deduct(ctx, mutation("m1", 1, model.TypeRedemption))
	var insuff *InsufficientCreditsError
	require.ErrorAs(t, err, &insuff)
	assert.True(t, insuff.Available.IsZero())
	assert.Equal(t, "1", insuff.Requested.String())
}

func TestCreditService_LazyCreateIdempotent(t *testing.T) {
	svc, ctx := newTestService(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bal, err := svc.GetOrCreateBalance(ctx, "m-new", nil)
			assert.NoError(t, err)
			assert.True(t, bal.Balance.IsZero())
		}()
	}
	wg.Wait()

	var count int64
	require.NoError(t, svc.Repo().DB(ctx).Model(&model.Balance{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCreditService_ConcurrentDeducts(t *testing.T) {
	svc, ctx := newTestService(t)

	_, _, err := svc.Add(ctx, mutation("m1", 100, model.TypePurchase))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		successes int32
		rejected  int32
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.Deduct(ctx, mutation("m1", 100, model.TypeRedemption))
			if err == nil {
				atomic.AddInt32(&successes, 1)
				return
			}
			var insuff *InsufficientCreditsError
			if assert.ErrorAs(t, err, &insuff) {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes)
	assert.Equal(t, int32(1), rejected)

	bal, err := svc.GetOrCreateBalance(ctx, "m1", nil)
	require.NoError(t, err)
	assert.True(t, bal.Balance.IsZero())
	assert.False(t, bal.Balance.IsNegative())
}

// abortRepo kills the mutation on its last DB write, after the balance and
// audit rows were staged but before the transaction can commit.
type abortRepo struct {
	*repo.Repository
	cacheWrites int32
}

func (a *abortRepo) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return errors.New("connection reset")
}

func (a *abortRepo) CacheBalance(ctx context.Context, b *model.Balance) error {
	atomic.AddInt32(&a.cacheWrites, 1)
	return a.Repository.CacheBalance(ctx, b)
}

func TestCreditService_AbortedMutationLeavesNoTrace(t *testing.T) {
	base := newTestRepo(t)
	aborting := &abortRepo{Repository: base}
	svc := NewCreditService(aborting, logger.NewNop())
	ctx := context.Background()

	_, _, err := svc.Add(ctx, mutation("m1", 100, model.TypePurchase))
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	// the rollback must be total: no audit row, no outbox row, and the
	// cache never saw the uncommitted balance
	var txCount, evtCount int64
	require.NoError(t, base.DB(ctx).Model(&model.CreditTransaction{}).Count(&txCount).Error)
	require.NoError(t, base.DB(ctx).Model(&model.OutboxEvent{}).Count(&evtCount).Error)
	assert.Equal(t, int64(0), txCount)
	assert.Equal(t, int64(0), evtCount)
	assert.Equal(t, int32(0), atomic.LoadInt32(&aborting.cacheWrites))
}

// flakyRepo fails UpdateBalance with ErrConflict a fixed number of times.
type flakyRepo struct {
	*repo.Repository
	remaining int32
}

func (f *flakyRepo) UpdateBalance(ctx context.Context, tx *gorm.DB, memberID string, newBalance decimal.Decimal, oldVersion uint64) error {
	if atomic.AddInt32(&f.remaining, -1) >= 0 {
		return repo.ErrConflict
	}
	return f.Repository.UpdateBalance(ctx, tx, memberID, newBalance, oldVersion)
}

func TestCreditService_RetriesConflicts(t *testing.T) {
	base := newTestRepo(t)
	svc := NewCreditService(&flakyRepo{Repository: base, remaining: 2}, logger.NewNop())
	ctx := context.Background()

	bal, _, err := svc.Add(ctx, mutation("m1", 40, model.TypePurchase))
	require.NoError(t, err)
	assert.Equal(t, "40", bal.Balance.String())
}

func TestCreditService_ConflictRetriesExhausted(t *testing.T) {
	base := newTestRepo(t)
	svc := NewCreditService(&flakyRepo{Repository: base, remaining: 100}, logger.NewNop())
	ctx := context.Background()

	_, _, err := svc.Add(ctx, mutation("m1", 40, model.TypePurchase))
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	// nothing may have been committed on the failure path
	page, err := svc.ListTransactions(ctx, repo.TransactionFilter{MemberID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), page.Total)
}
