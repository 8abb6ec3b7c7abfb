package domain

import (
	"time"

	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
)

// Balance is the spendable view of a user's credits.
// LeftCredits is clamped at zero; OneTimeCredits is not.
type Balance struct {
	UserID              string                          `json:"user_id"`
	LeftCredits         int64                           `json:"left_credits"`
	OneTimeCredits      int64                           `json:"one_time_credits"`
	SubscriptionCredits int64                           `json:"subscription_credits"`
	IsPro               bool                            `json:"is_pro"`
	SubscriptionStatus  ledgerdomain.SubscriptionStatus `json:"subscription_status"`
	SubscriptionPlan    *string                         `json:"subscription_plan,omitempty"`
	SubscriptionProduct *string                         `json:"subscription_product_id,omitempty"`
	ResetDate           *time.Time                      `json:"subscription_credits_reset_date,omitempty"`
	ExpiresDate         *time.Time                      `json:"subscription_expires_date,omitempty"`
}

// Total is the unclamped sum of both pools.
func (b Balance) Total() int64 {
	return b.OneTimeCredits + b.SubscriptionCredits
}

type DecreaseRequest struct {
	UserID      string
	Amount      int64
	Description string
}

type DecreaseResult struct {
	Entries           []ledgerdomain.LedgerEntry
	SubscriptionTaken int64
	OneTimeTaken      int64
	// Overdrawn is set when valid one-time entries could not cover the
	// remainder and the entry was written anyway.
	Overdrawn bool
}

type IncreaseRequest struct {
	UserID      string
	Amount      int64
	TransType   ledgerdomain.TransType
	OrderNo     *string
	ExpiredAt   *time.Time
	Description string
}

type ListTransactionsRequest struct {
	UserID    string
	PageToken string
	PageSize  int
}

type ListTransactionsResponse struct {
	Entries       []ledgerdomain.LedgerEntry `json:"entries"`
	NextPageToken string                     `json:"next_page_token,omitempty"`
	HasMore       bool                       `json:"has_more"`
}
