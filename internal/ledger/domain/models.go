package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// TransType classifies a credit movement.
type TransType string

const (
	TransTypeNewUser               TransType = "NewUser"
	TransTypeOrderPay              TransType = "OrderPay"
	TransTypeConsume               TransType = "Consume"
	TransTypeSubscriptionReset     TransType = "SubscriptionReset"
	TransTypeSubscriptionUpgrade   TransType = "SubscriptionUpgrade"
	TransTypeSubscriptionDowngrade TransType = "SubscriptionDowngrade"
	TransTypeSubscriptionConsume   TransType = "SubscriptionConsume"
	// TransTypeAdminGrant is an operator top-up. It counts as one-time credit.
	TransTypeAdminGrant TransType = "AdminGrant"
)

// OneTimeTransTypes make up the one-time pool. Entries of these types are
// summed (subject to expiry) to derive the purchased/granted balance.
var OneTimeTransTypes = []TransType{
	TransTypeOrderPay,
	TransTypeNewUser,
	TransTypeConsume,
	TransTypeAdminGrant,
}

func (t TransType) Valid() bool {
	switch t {
	case TransTypeNewUser, TransTypeOrderPay, TransTypeConsume, TransTypeSubscriptionReset,
		TransTypeSubscriptionUpgrade, TransTypeSubscriptionDowngrade, TransTypeSubscriptionConsume,
		TransTypeAdminGrant:
		return true
	default:
		return false
	}
}

// LedgerEntry is an immutable, signed credit movement. ID is a snowflake and
// therefore gives insertion order.
type LedgerEntry struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	TransNo      string       `gorm:"type:text;not null;uniqueIndex:ux_credit_ledger_trans_no" json:"trans_no"`
	UserID       string       `gorm:"type:text;not null;index:ix_credit_ledger_user,priority:1" json:"user_id"`
	TransType    TransType    `gorm:"type:text;not null;index:ix_credit_ledger_user,priority:2" json:"trans_type"`
	Credits      int64        `gorm:"not null" json:"credits"`
	OrderNo      *string      `gorm:"type:text;index" json:"order_no,omitempty"`
	ExpiredAt    *time.Time   `json:"expired_at,omitempty"`
	Description  string       `gorm:"type:text;not null;default:''" json:"description"`
	BalanceAfter int64        `gorm:"not null" json:"balance_after"`
	CreatedAt    time.Time    `gorm:"not null" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "credit_ledger_entries" }

// ValidAt reports whether the entry still counts toward the one-time pool.
func (e LedgerEntry) ValidAt(at time.Time) bool {
	return e.ExpiredAt == nil || e.ExpiredAt.After(at)
}

type SubscriptionStatus string

const (
	SubscriptionStatusInactive  SubscriptionStatus = "inactive"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

// UserCredit is the mutable per-user record: the subscription pool and the
// subscription state machine. One-time credits are never stored here.
type UserCredit struct {
	UserID                       string             `gorm:"primaryKey;type:text" json:"user_id"`
	SubscriptionCredits          int64              `gorm:"not null;default:0" json:"subscription_credits"`
	SubscriptionStatus           SubscriptionStatus `gorm:"type:text;not null;default:'inactive';index" json:"subscription_status"`
	SubscriptionPlan             *string            `gorm:"type:text" json:"subscription_plan,omitempty"`
	SubscriptionProductID        *string            `gorm:"type:text" json:"subscription_product_id,omitempty"`
	SubscriptionCreditsResetDate *time.Time         `gorm:"index" json:"subscription_credits_reset_date,omitempty"`
	SubscriptionExpiresDate      *time.Time         `json:"subscription_expires_date,omitempty"`
	SubscriptionOrderNo          *string            `gorm:"type:text" json:"subscription_order_no,omitempty"`
	CreatedAt                    time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt                    time.Time          `gorm:"not null" json:"updated_at"`
}

func (UserCredit) TableName() string { return "user_credits" }

// StateUpdate is a partial write to UserCredit. Nil fields are left alone.
type StateUpdate struct {
	SubscriptionCredits          *int64
	SubscriptionStatus           *SubscriptionStatus
	SubscriptionPlan             *string
	SubscriptionProductID        *string
	SubscriptionCreditsResetDate *time.Time
	SubscriptionExpiresDate      *time.Time
	SubscriptionOrderNo          *string
}

func (u StateUpdate) Empty() bool {
	return u.SubscriptionCredits == nil &&
		u.SubscriptionStatus == nil &&
		u.SubscriptionPlan == nil &&
		u.SubscriptionProductID == nil &&
		u.SubscriptionCreditsResetDate == nil &&
		u.SubscriptionExpiresDate == nil &&
		u.SubscriptionOrderNo == nil
}
