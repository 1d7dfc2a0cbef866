package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance holds the current credit total for one member. Rows are created
// lazily on first read or first mutation and are never deleted by the ledger.
type Balance struct {
	MemberID  string          `gorm:"primaryKey;size:64;column:member_id" json:"member_id"`
	BranchID  *string         `gorm:"size:64;index" json:"branch_id,omitempty"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,2);not null;default:'0'" json:"balance"`
	Version   uint64          `gorm:"not null;default:0" json:"-"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Balance) TableName() string { return "balances" }
