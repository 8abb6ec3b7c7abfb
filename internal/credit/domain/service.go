package domain

import (
	"context"
	"time"

	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
)

type Service interface {
	// GetBalance has no side effects.
	GetBalance(ctx context.Context, userID string) (Balance, error)
	// DecreaseStrict fails with *InsufficientCreditsError and writes nothing
	// when both pools together cannot cover the amount.
	DecreaseStrict(ctx context.Context, req DecreaseRequest) (DecreaseResult, error)
	// DecreaseReconciling always writes. The one-time pool may go negative.
	DecreaseReconciling(ctx context.Context, req DecreaseRequest) (DecreaseResult, error)
	Increase(ctx context.Context, req IncreaseRequest) (*ledgerdomain.LedgerEntry, error)
	GrantSignupBonus(ctx context.Context, userID string) (*ledgerdomain.LedgerEntry, error)

	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
	StatementEntries(ctx context.Context, userID string, from, to time.Time) ([]ledgerdomain.LedgerEntry, error)
}
