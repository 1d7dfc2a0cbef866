package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType labels a balance-changing event. The same label may appear
// on either side of the ledger (e.g. an adjustment can credit or debit); the
// sign of Amount records the actual direction.
type TransactionType string

const (
	TypePurchase   TransactionType = "purchase"
	TypeRefund     TransactionType = "refund"
	TypeBonus      TransactionType = "bonus"
	TypeAdjustment TransactionType = "adjustment"
	TypeRedemption TransactionType = "redemption"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	return t.ValidForAdd() || t.ValidForDeduct()
}

// ValidForAdd reports whether t may be used on a credit-increasing operation.
func (t TransactionType) ValidForAdd() bool {
	switch t {
	case TypePurchase, TypeRefund, TypeBonus, TypeAdjustment:
		return true
	}
	return false
}

// ValidForDeduct reports whether t may be used on a credit-decreasing operation.
func (t TransactionType) ValidForDeduct() bool {
	switch t {
	case TypeRedemption, TypePurchase, TypeAdjustment:
		return true
	}
	return false
}

// CreditTransaction is the append-only audit record of one mutation.
// Amount is signed: positive for add, negative for deduct. Rows are written
// exactly once, inside the same DB transaction as the balance update, and
// never touched afterwards.
type CreditTransaction struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	MemberID     string          `gorm:"size:64;not null;index" json:"member_id"`
	Amount       decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"amount"`
	Type         TransactionType `gorm:"column:transaction_type;size:32;not null;index" json:"transaction_type"`
	BalanceAfter decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"balance_after"`
	ReferenceID  *string         `gorm:"size:64" json:"reference_id,omitempty"`
	Notes        *string         `json:"notes,omitempty"`
	CreatedBy    string          `gorm:"size:64;not null" json:"created_by"`
	CreatedAt    time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }
