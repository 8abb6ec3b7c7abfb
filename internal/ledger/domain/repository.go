package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository is the ledger store. Every call takes the handle to run on so
// callers can compose writes inside their own transaction.
type Repository interface {
	InsertEntry(ctx context.Context, db *gorm.DB, entry *LedgerEntry) error
	// ListValidEntries returns one-time entries still valid at `at`, in insertion order.
	ListValidEntries(ctx context.Context, db *gorm.DB, userID string, at time.Time) ([]LedgerEntry, error)
	SumValidCredits(ctx context.Context, db *gorm.DB, userID string, at time.Time) (int64, error)
	ListEntries(ctx context.Context, db *gorm.DB, userID string, beforeID int64, limit int) ([]LedgerEntry, error)
	ListEntriesBetween(ctx context.Context, db *gorm.DB, userID string, from, to time.Time) ([]LedgerEntry, error)
	FindEntryByOrderNo(ctx context.Context, db *gorm.DB, orderNo string, transType TransType) (*LedgerEntry, error)
	FindFirstEntryByType(ctx context.Context, db *gorm.DB, userID string, transType TransType) (*LedgerEntry, error)

	FindState(ctx context.Context, db *gorm.DB, userID string) (*UserCredit, error)
	EnsureState(ctx context.Context, db *gorm.DB, userID string, now time.Time) error
	UpdateState(ctx context.Context, db *gorm.DB, userID string, update StateUpdate, now time.Time) error
	// DecrementSubscriptionCredits subtracts amount only if the pool still
	// holds at least amount. It reports whether the row was changed.
	DecrementSubscriptionCredits(ctx context.Context, db *gorm.DB, userID string, amount int64, now time.Time) (bool, error)
	ListDueResets(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]UserCredit, error)
	ListElapsedTerms(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]UserCredit, error)
}
