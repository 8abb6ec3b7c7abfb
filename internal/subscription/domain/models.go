// Package domain describes the per-user subscription state machine.
package domain

import (
	"time"

	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
)

type SetupRequest struct {
	UserID      string
	ProductID   string
	OrderNo     string
	PeriodStart time.Time
}

type ChangePlanRequest struct {
	UserID      string
	ProductID   string
	OrderNo     string
	PeriodStart time.Time
}

// Result reports what a lifecycle call did. Applied is false for no-ops.
type Result struct {
	Applied bool                      `json:"applied"`
	Entry   *ledgerdomain.LedgerEntry `json:"entry,omitempty"`
	Cycles  int                       `json:"cycles,omitempty"`
}

// State is the read model served to callers.
type State struct {
	UserID      string                          `json:"user_id"`
	Status      ledgerdomain.SubscriptionStatus `json:"status"`
	Plan        *string                         `json:"plan,omitempty"`
	ProductID   *string                         `json:"product_id,omitempty"`
	Credits     int64                           `json:"credits"`
	ResetDate   *time.Time                      `json:"reset_date,omitempty"`
	ExpiresDate *time.Time                      `json:"expires_date,omitempty"`
	OrderNo     *string                         `json:"order_no,omitempty"`
}

// TermDates returns the expiry and first reset for a term starting at start.
// Yearly terms still reset monthly.
func TermDates(interval pricingdomain.Interval, start time.Time) (expires time.Time, reset time.Time, err error) {
	switch interval {
	case pricingdomain.IntervalDay:
		return start.AddDate(0, 0, 1), start.AddDate(0, 0, 1), nil
	case pricingdomain.IntervalMonth:
		return AddMonths(start, 1), AddMonths(start, 1), nil
	case pricingdomain.IntervalYear:
		return AddMonths(start, 12), AddMonths(start, 1), nil
	default:
		return time.Time{}, time.Time{}, pricingdomain.ErrInvalidInterval
	}
}

// NextReset returns the replenishment that follows reset in the term ending
// at expires. Monthly resets are counted from the term start, so a term
// opened on the 31st resets on the last day of short months and returns to
// the 31st afterwards.
func NextReset(interval pricingdomain.Interval, expires, reset time.Time) time.Time {
	if interval == pricingdomain.IntervalDay {
		return reset.AddDate(0, 0, 1)
	}
	termMonths := 1
	if interval == pricingdomain.IntervalYear {
		termMonths = 12
	}
	start := AddMonths(expires, -termMonths)

	n := (reset.Year()-start.Year())*12 + int(reset.Month()) - int(start.Month())
	next := AddMonths(start, n)
	for !next.After(reset) {
		n++
		next = AddMonths(start, n)
	}
	return next
}

// AddMonths moves t by n calendar months, clamping the day to the end of the
// target month. time.AddDate would turn Jan 31 + 1 month into Mar 3.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(d, last)-1)
}

func IsTransitionAllowed(current, target ledgerdomain.SubscriptionStatus) bool {
	switch current {
	case ledgerdomain.SubscriptionStatusInactive, ledgerdomain.SubscriptionStatusExpired:
		return target == ledgerdomain.SubscriptionStatusActive
	case ledgerdomain.SubscriptionStatusActive:
		return target == ledgerdomain.SubscriptionStatusCancelled || target == ledgerdomain.SubscriptionStatusExpired
	case ledgerdomain.SubscriptionStatusCancelled:
		return target == ledgerdomain.SubscriptionStatusActive || target == ledgerdomain.SubscriptionStatusExpired
	default:
		return false
	}
}
