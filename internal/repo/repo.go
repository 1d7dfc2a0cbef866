package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gymflow/credits-service/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrAlreadyExists is returned when a balance row for the member exists.
	ErrAlreadyExists = errors.New("balance already exists")
	// ErrConflict is returned when a concurrent writer updated the balance
	// row first. Callers are expected to retry the whole mutation.
	ErrConflict = errors.New("balance version conflict")
)

const balanceCacheTTL = 5 * time.Minute

// TransactionFilter narrows ListTransactions. Zero fields are ignored.
type TransactionFilter struct {
	MemberID string
	Type     model.TransactionType
	From     time.Time
	To       time.Time
	Page     int
	Limit    int
}

// BalanceAggregate is the result of AggregateBalances.
type BalanceAggregate struct {
	TotalBalance decimal.Decimal
	MemberCount  int64
}

// RepositoryInterface restricts Repo methods so services can be tested
// against a narrow fake.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	GetBalance(ctx context.Context, memberID string) (*model.Balance, error)
	GetBalanceForUpdate(ctx context.Context, tx *gorm.DB, memberID string) (*model.Balance, error)
	CreateBalance(ctx context.Context, tx *gorm.DB, b *model.Balance) error
	UpdateBalance(ctx context.Context, tx *gorm.DB, memberID string, newBalance decimal.Decimal, oldVersion uint64) error
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.CreditTransaction) error
	ListTransactions(ctx context.Context, f TransactionFilter) ([]model.CreditTransaction, int64, error)
	AggregateBalances(ctx context.Context, branchID string) (*BalanceAggregate, error)
	CountTransactionsSince(ctx context.Context, since time.Time, branchID string) (int64, error)
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheBalance(ctx context.Context, b *model.Balance) error
	GetCachedBalance(ctx context.Context, memberID string) (*model.Balance, error)
	CacheSummary(ctx context.Context, branchID, payload string, ttl time.Duration) error
	GetCachedSummary(ctx context.Context, branchID string) (string, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetBalance reads a balance row without locking it.
func (r *Repository) GetBalance(ctx context.Context, memberID string) (*model.Balance, error) {
	var b model.Balance
	if err := r.db.WithContext(ctx).Where("member_id = ?", memberID).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBalanceForUpdate locks the member's balance row for the duration of tx.
func (r *Repository) GetBalanceForUpdate(ctx context.Context, tx *gorm.DB, memberID string) (*model.Balance, error) {
	var b model.Balance
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("member_id = ?", memberID).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBalance inserts the lazily-created row. Returns ErrAlreadyExists when
// a concurrent caller won the insert race so the caller can re-read instead.
func (r *Repository) CreateBalance(ctx context.Context, tx *gorm.DB, b *model.Balance) error {
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "member_id"}}, DoNothing: true}).
		Create(b)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// UpdateBalance writes the new balance guarded by the version column. A zero
// row count means another writer committed first.
func (r *Repository) UpdateBalance(ctx context.Context, tx *gorm.DB, memberID string, newBalance decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Balance{}).
		Where("member_id = ? AND version = ?", memberID, oldVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// CreateTransaction appends one audit record.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.CreditTransaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// ListTransactions returns one page, newest first, plus the unpaged total.
func (r *Repository) ListTransactions(ctx context.Context, f TransactionFilter) ([]model.CreditTransaction, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.CreditTransaction{})
	if f.MemberID != "" {
		q = q.Where("member_id = ?", f.MemberID)
	}
	if f.Type != "" {
		q = q.Where("transaction_type = ?", f.Type)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at <= ?", f.To)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var txs []model.CreditTransaction
	err := q.Order("created_at DESC").
		Offset((f.Page - 1) * f.Limit).
		Limit(f.Limit).
		Find(&txs).Error
	return txs, total, err
}

// AggregateBalances sums balances across members, optionally one branch.
func (r *Repository) AggregateBalances(ctx context.Context, branchID string) (*BalanceAggregate, error) {
	var row struct {
		Total   decimal.Decimal
		Members int64
	}
	q := r.db.WithContext(ctx).Model(&model.Balance{}).
		Select("COALESCE(SUM(balance), 0) AS total, COUNT(*) AS members")
	if branchID != "" {
		q = q.Where("branch_id = ?", branchID)
	}
	if err := q.Scan(&row).Error; err != nil {
		return nil, err
	}
	return &BalanceAggregate{TotalBalance: row.Total, MemberCount: row.Members}, nil
}

// CountTransactionsSince counts audit records created at or after since.
func (r *Repository) CountTransactionsSince(ctx context.Context, since time.Time, branchID string) (int64, error) {
	q := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).
		Where("credit_transactions.created_at >= ?", since)
	if branchID != "" {
		q = q.Joins("JOIN balances ON balances.member_id = credit_transactions.member_id").
			Where("balances.branch_id = ?", branchID)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheBalance stores the serialized row. Cached copies are display-only;
// mutations always lock-read the DB row.
func (r *Repository) CacheBalance(ctx context.Context, b *model.Balance) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, balanceKey(b.MemberID), data, balanceCacheTTL).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, memberID string) (*model.Balance, error) {
	str, err := r.rdb.Get(ctx, balanceKey(memberID)).Result()
	if err != nil {
		return nil, err
	}
	var b model.Balance
	if err := json.Unmarshal([]byte(str), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// CacheSummary stores a rendered summary for one branch scope.
func (r *Repository) CacheSummary(ctx context.Context, branchID, payload string, ttl time.Duration) error {
	return r.rdb.Set(ctx, summaryKey(branchID), payload, ttl).Err()
}

// GetCachedSummary reads a previously stored summary.
func (r *Repository) GetCachedSummary(ctx context.Context, branchID string) (string, error) {
	return r.rdb.Get(ctx, summaryKey(branchID)).Result()
}

func balanceKey(memberID string) string { return fmt.Sprintf("credits:balance:%s", memberID) }

func summaryKey(branchID string) string {
	if branchID == "" {
		branchID = "all"
	}
	return fmt.Sprintf("credits:summary:%s", branchID)
}
