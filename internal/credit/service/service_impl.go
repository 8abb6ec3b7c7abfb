package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/clock"
	creditdomain "github.com/smallbiznis/creditmeter/internal/credit/domain"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	"github.com/smallbiznis/creditmeter/internal/ratelimit"
	"github.com/smallbiznis/creditmeter/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 250

	// a concurrent writer can move the subscription pool between our read
	// and the conditional decrement
	maxDecrementAttempts = 3
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       ledgerdomain.Repository
	Pricing    pricingdomain.Service
	Guard      *ratelimit.BillingGuard `optional:"true"`
	ObsMetrics *obsmetrics.Metrics     `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       ledgerdomain.Repository
	pricing    pricingdomain.Service
	guard      *ratelimit.BillingGuard
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) creditdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		pricing:    p.Pricing,
		guard:      p.Guard,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) GetBalance(ctx context.Context, userID string) (creditdomain.Balance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return creditdomain.Balance{}, creditdomain.ErrInvalidUser
	}
	balance, err := s.balance(ctx, s.db, userID, s.clock.Now())
	if err != nil {
		return creditdomain.Balance{}, creditdomain.Persistence(err)
	}
	return balance, nil
}

func (s *Service) balance(ctx context.Context, db *gorm.DB, userID string, now time.Time) (creditdomain.Balance, error) {
	state, err := s.repo.FindState(ctx, db, userID)
	if err != nil {
		return creditdomain.Balance{}, err
	}
	oneTime, err := s.repo.SumValidCredits(ctx, db, userID, now)
	if err != nil {
		return creditdomain.Balance{}, err
	}

	balance := creditdomain.Balance{
		UserID:             userID,
		OneTimeCredits:     oneTime,
		SubscriptionStatus: ledgerdomain.SubscriptionStatusInactive,
	}
	if state != nil {
		balance.SubscriptionCredits = state.SubscriptionCredits
		balance.SubscriptionStatus = state.SubscriptionStatus
		balance.SubscriptionPlan = state.SubscriptionPlan
		balance.SubscriptionProduct = state.SubscriptionProductID
		balance.ResetDate = state.SubscriptionCreditsResetDate
		balance.ExpiresDate = state.SubscriptionExpiresDate
	}
	balance.IsPro = balance.SubscriptionCredits > 0
	balance.LeftCredits = max(0, balance.Total())
	return balance, nil
}

func (s *Service) DecreaseStrict(ctx context.Context, req creditdomain.DecreaseRequest) (creditdomain.DecreaseResult, error) {
	return s.decrease(ctx, req, false)
}

func (s *Service) DecreaseReconciling(ctx context.Context, req creditdomain.DecreaseRequest) (creditdomain.DecreaseResult, error) {
	return s.decrease(ctx, req, true)
}

func (s *Service) decrease(ctx context.Context, req creditdomain.DecreaseRequest, allowOverdraft bool) (creditdomain.DecreaseResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return creditdomain.DecreaseResult{}, creditdomain.ErrInvalidUser
	}
	if req.Amount < 0 {
		return creditdomain.DecreaseResult{}, creditdomain.ErrInvalidAmount
	}
	if req.Amount == 0 {
		return creditdomain.DecreaseResult{}, nil
	}

	var result creditdomain.DecreaseResult
	err := s.guard.WithUserLock(ctx, req.UserID, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			result, err = s.consume(ctx, tx, req, allowOverdraft)
			return err
		})
	})
	if err != nil {
		var insufficient *creditdomain.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			s.obsMetrics.RecordInsufficientCredits(ctx, "decrease")
			return creditdomain.DecreaseResult{}, err
		}
		s.log.Error("credit decrease failed",
			zap.String("user_id", req.UserID),
			zap.Int64("amount", req.Amount),
			zap.Bool("allow_overdraft", allowOverdraft),
			zap.Error(err),
		)
		return creditdomain.DecreaseResult{}, creditdomain.Persistence(err)
	}

	for _, entry := range result.Entries {
		s.obsMetrics.RecordLedgerEntry(ctx, string(entry.TransType))
	}
	s.obsMetrics.RecordCreditsConsumed(ctx, "subscription", result.SubscriptionTaken)
	s.obsMetrics.RecordCreditsConsumed(ctx, "one_time", result.OneTimeTaken)
	if result.Overdrawn {
		s.log.Warn("one-time credits overdrawn",
			zap.String("user_id", req.UserID),
			zap.Int64("amount", req.Amount),
			zap.Int64("one_time_taken", result.OneTimeTaken),
		)
	}
	return result, nil
}

// consume takes from the subscription pool first and books the remainder as a
// single Consume entry against one-time credits.
func (s *Service) consume(ctx context.Context, tx *gorm.DB, req creditdomain.DecreaseRequest, allowOverdraft bool) (creditdomain.DecreaseResult, error) {
	now := s.clock.Now()
	var result creditdomain.DecreaseResult

	balance, err := s.balance(ctx, tx, req.UserID, now)
	if err != nil {
		return result, err
	}
	if !allowOverdraft && balance.Total() < req.Amount {
		return result, creditdomain.NewInsufficientCreditsError(req.Amount, balance.Total())
	}

	remaining := req.Amount
	subscription := balance.SubscriptionCredits
	for attempt := 0; subscription > 0 && remaining > 0; attempt++ {
		take := min(subscription, remaining)
		ok, err := s.repo.DecrementSubscriptionCredits(ctx, tx, req.UserID, take, now)
		if err != nil {
			return result, err
		}
		if ok {
			subscription -= take
			remaining -= take
			result.SubscriptionTaken = take

			entry := s.newEntry(req.UserID, ledgerdomain.TransTypeSubscriptionConsume, -take, req.Description, now)
			entry.BalanceAfter = subscription
			if err := s.repo.InsertEntry(ctx, tx, &entry); err != nil {
				return result, err
			}
			result.Entries = append(result.Entries, entry)
			break
		}
		if attempt+1 >= maxDecrementAttempts {
			return result, errors.New("subscription credits changed concurrently")
		}
		state, err := s.repo.FindState(ctx, tx, req.UserID)
		if err != nil {
			return result, err
		}
		subscription = 0
		if state != nil {
			subscription = state.SubscriptionCredits
		}
		if !allowOverdraft && subscription+balance.OneTimeCredits < req.Amount {
			return result, creditdomain.NewInsufficientCreditsError(req.Amount, subscription+balance.OneTimeCredits)
		}
	}

	if remaining == 0 {
		return result, nil
	}

	if !allowOverdraft && balance.OneTimeCredits < remaining {
		return result, creditdomain.NewInsufficientCreditsError(req.Amount, subscription+balance.OneTimeCredits)
	}
	valid, err := s.repo.ListValidEntries(ctx, tx, req.UserID, now)
	if err != nil {
		return result, err
	}

	entry := s.newEntry(req.UserID, ledgerdomain.TransTypeConsume, -remaining, req.Description, now)
	entry.BalanceAfter = balance.OneTimeCredits - remaining + subscription
	if source := attribute(valid, remaining); source != nil {
		entry.OrderNo = source.OrderNo
		entry.ExpiredAt = source.ExpiredAt
	}
	if err := s.repo.InsertEntry(ctx, tx, &entry); err != nil {
		return result, err
	}
	result.Entries = append(result.Entries, entry)
	result.OneTimeTaken = remaining
	result.Overdrawn = balance.OneTimeCredits < remaining
	return result, nil
}

// attribute walks valid one-time entries in ledger order and returns the entry
// at which the running total first covers amount. Entries are not
// individually decremented; the walk only labels the Consume entry.
func attribute(entries []ledgerdomain.LedgerEntry, amount int64) *ledgerdomain.LedgerEntry {
	var running int64
	for i := range entries {
		running += entries[i].Credits
		if entries[i].Credits > 0 && running >= amount {
			return &entries[i]
		}
	}
	return nil
}

func (s *Service) Increase(ctx context.Context, req creditdomain.IncreaseRequest) (*ledgerdomain.LedgerEntry, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, creditdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	switch req.TransType {
	case ledgerdomain.TransTypeNewUser, ledgerdomain.TransTypeOrderPay, ledgerdomain.TransTypeAdminGrant:
	default:
		return nil, creditdomain.ErrInvalidTransType
	}

	var (
		entry    ledgerdomain.LedgerEntry
		replayed bool
	)
	err := s.guard.WithUserLock(ctx, req.UserID, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			// an order is paid out at most once
			if req.TransType == ledgerdomain.TransTypeOrderPay && req.OrderNo != nil {
				existing, err := s.repo.FindEntryByOrderNo(ctx, tx, *req.OrderNo, ledgerdomain.TransTypeOrderPay)
				if err != nil {
					return err
				}
				if existing != nil {
					entry, replayed = *existing, true
					return nil
				}
			}
			var err error
			entry, err = s.appendIncrease(ctx, tx, req)
			return err
		})
	})
	if err != nil {
		s.log.Error("credit increase failed",
			zap.String("user_id", req.UserID),
			zap.String("trans_type", string(req.TransType)),
			zap.Int64("amount", req.Amount),
			zap.Error(err),
		)
		return nil, creditdomain.Persistence(err)
	}

	if !replayed {
		s.obsMetrics.RecordLedgerEntry(ctx, string(entry.TransType))
	}
	return &entry, nil
}

func (s *Service) appendIncrease(ctx context.Context, tx *gorm.DB, req creditdomain.IncreaseRequest) (ledgerdomain.LedgerEntry, error) {
	now := s.clock.Now()
	balance, err := s.balance(ctx, tx, req.UserID, now)
	if err != nil {
		return ledgerdomain.LedgerEntry{}, err
	}
	entry := s.newEntry(req.UserID, req.TransType, req.Amount, req.Description, now)
	entry.OrderNo = req.OrderNo
	entry.ExpiredAt = req.ExpiredAt
	entry.BalanceAfter = balance.Total() + req.Amount
	if err := s.repo.InsertEntry(ctx, tx, &entry); err != nil {
		return ledgerdomain.LedgerEntry{}, err
	}
	return entry, nil
}

// GrantSignupBonus books the new-user grant once per user. Repeated calls
// return the original entry.
func (s *Service) GrantSignupBonus(ctx context.Context, userID string) (*ledgerdomain.LedgerEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, creditdomain.ErrInvalidUser
	}

	grant := s.pricing.NewUserGrant()

	var (
		entry   ledgerdomain.LedgerEntry
		granted bool
	)
	err := s.guard.WithUserLock(ctx, userID, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			existing, err := s.repo.FindFirstEntryByType(ctx, tx, userID, ledgerdomain.TransTypeNewUser)
			if err != nil {
				return err
			}
			if existing != nil {
				entry = *existing
				return nil
			}
			if grant.Credits <= 0 {
				return nil
			}

			req := creditdomain.IncreaseRequest{
				UserID:      userID,
				Amount:      grant.Credits,
				TransType:   ledgerdomain.TransTypeNewUser,
				Description: "New user bonus",
			}
			if grant.ValidDays > 0 {
				at := s.clock.Now().AddDate(0, 0, grant.ValidDays)
				req.ExpiredAt = &at
			}
			entry, err = s.appendIncrease(ctx, tx, req)
			granted = err == nil
			return err
		})
	})
	if err != nil {
		s.log.Error("signup bonus failed", zap.String("user_id", userID), zap.Error(err))
		return nil, creditdomain.Persistence(err)
	}
	if entry.ID == 0 {
		return nil, nil
	}
	if granted {
		s.obsMetrics.RecordLedgerEntry(ctx, string(entry.TransType))
		s.log.Info("signup bonus granted", zap.String("user_id", userID), zap.Int64("credits", entry.Credits))
	}
	return &entry, nil
}

func (s *Service) ListTransactions(ctx context.Context, req creditdomain.ListTransactionsRequest) (creditdomain.ListTransactionsResponse, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return creditdomain.ListTransactionsResponse{}, creditdomain.ErrInvalidUser
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	pageSize = min(pageSize, maxPageSize)

	var beforeID int64
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return creditdomain.ListTransactionsResponse{}, creditdomain.ErrInvalidPageToken
		}
		beforeID, err = strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil || beforeID <= 0 {
			return creditdomain.ListTransactionsResponse{}, creditdomain.ErrInvalidPageToken
		}
	}

	items, err := s.repo.ListEntries(ctx, s.db, req.UserID, beforeID, pageSize+1)
	if err != nil {
		return creditdomain.ListTransactionsResponse{}, creditdomain.Persistence(err)
	}

	ptrs := make([]*ledgerdomain.LedgerEntry, 0, len(items))
	for i := range items {
		ptrs = append(ptrs, &items[i])
	}
	var encodeErr error
	pageInfo := pagination.BuildCursorPageInfo(ptrs, int32(pageSize), func(e *ledgerdomain.LedgerEntry) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: e.ID.String()})
		if err != nil {
			encodeErr = err
		}
		return token
	})
	if encodeErr != nil {
		return creditdomain.ListTransactionsResponse{}, encodeErr
	}

	if len(items) > pageSize {
		items = items[:pageSize]
	}
	resp := creditdomain.ListTransactionsResponse{
		Entries: items,
		HasMore: pageInfo.HasMore,
	}
	if pageInfo.HasMore {
		resp.NextPageToken = pageInfo.NextPageToken
	}
	return resp, nil
}

func (s *Service) StatementEntries(ctx context.Context, userID string, from, to time.Time) ([]ledgerdomain.LedgerEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, creditdomain.ErrInvalidUser
	}
	items, err := s.repo.ListEntriesBetween(ctx, s.db, userID, from, to)
	if err != nil {
		return nil, creditdomain.Persistence(err)
	}
	return items, nil
}

func (s *Service) newEntry(userID string, transType ledgerdomain.TransType, credits int64, description string, now time.Time) ledgerdomain.LedgerEntry {
	id := s.genID.Generate()
	return ledgerdomain.LedgerEntry{
		ID:          id,
		TransNo:     id.String(),
		UserID:      userID,
		TransType:   transType,
		Credits:     credits,
		Description: strings.TrimSpace(description),
		CreatedAt:   now,
	}
}
