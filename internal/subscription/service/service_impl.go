package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/clock"
	creditdomain "github.com/smallbiznis/creditmeter/internal/credit/domain"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	"github.com/smallbiznis/creditmeter/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/creditmeter/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    ledgerdomain.Repository
	Pricing pricingdomain.Service

	Guard      *ratelimit.BillingGuard `optional:"true"`
	ObsMetrics *obsmetrics.Metrics     `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	clock   clock.Clock
	repo    ledgerdomain.Repository
	pricing pricingdomain.Service

	guard      *ratelimit.BillingGuard
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		pricing: p.Pricing,

		guard:      p.Guard,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) GetState(ctx context.Context, userID string) (subscriptiondomain.State, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return subscriptiondomain.State{}, subscriptiondomain.ErrInvalidUser
	}
	state, err := s.repo.FindState(ctx, s.db, userID)
	if err != nil {
		return subscriptiondomain.State{}, creditdomain.Persistence(err)
	}
	if state == nil {
		return subscriptiondomain.State{UserID: userID, Status: ledgerdomain.SubscriptionStatusInactive}, nil
	}
	return toState(state), nil
}

func (s *Service) SetupSubscriptionCredits(ctx context.Context, req subscriptiondomain.SetupRequest) (subscriptiondomain.Result, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.OrderNo = strings.TrimSpace(req.OrderNo)
	if req.UserID == "" {
		return subscriptiondomain.Result{}, subscriptiondomain.ErrInvalidUser
	}
	if req.OrderNo == "" {
		return subscriptiondomain.Result{}, subscriptiondomain.ErrInvalidOrder
	}
	product, err := s.subscriptionProduct(req.ProductID)
	if err != nil {
		return subscriptiondomain.Result{}, err
	}
	start := req.PeriodStart
	if start.IsZero() {
		start = s.clock.Now()
	}
	expires, reset, err := subscriptiondomain.TermDates(product.Interval, start.UTC())
	if err != nil {
		return subscriptiondomain.Result{}, err
	}

	var result subscriptiondomain.Result
	err = s.guard.WithUserLock(ctx, req.UserID, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.clock.Now()
			if err := s.repo.EnsureState(ctx, tx, req.UserID, now); err != nil {
				return err
			}
			state, err := s.repo.FindState(ctx, tx, req.UserID)
			if err != nil {
				return err
			}
			if state == nil {
				return subscriptiondomain.ErrSubscriptionNotFound
			}

			if state.SubscriptionStatus == ledgerdomain.SubscriptionStatusActive {
				return nil
			}
			if state.SubscriptionOrderNo != nil && *state.SubscriptionOrderNo == req.OrderNo {
				return nil
			}
			applied, err := s.repo.FindEntryByOrderNo(ctx, tx, req.OrderNo, ledgerdomain.TransTypeSubscriptionReset)
			if err != nil {
				return err
			}
			if applied != nil {
				return nil
			}
			if !subscriptiondomain.IsTransitionAllowed(state.SubscriptionStatus, ledgerdomain.SubscriptionStatusActive) {
				return subscriptiondomain.ErrInvalidTransition
			}

			status := ledgerdomain.SubscriptionStatusActive
			credits := product.Credits
			if err := s.repo.UpdateState(ctx, tx, req.UserID, ledgerdomain.StateUpdate{
				SubscriptionCredits:          &credits,
				SubscriptionStatus:           &status,
				SubscriptionPlan:             &product.Title,
				SubscriptionProductID:        &product.ID,
				SubscriptionCreditsResetDate: &reset,
				SubscriptionExpiresDate:      &expires,
				SubscriptionOrderNo:          &req.OrderNo,
			}, now); err != nil {
				return err
			}

			entry := s.newEntry(req.UserID, ledgerdomain.TransTypeSubscriptionReset, credits, credits, now)
			entry.OrderNo = &req.OrderNo
			entry.Description = fmt.Sprintf("Subscription %s activated", product.Title)
			if err := s.repo.InsertEntry(ctx, tx, &entry); err != nil {
				return err
			}
			result = subscriptiondomain.Result{Applied: true, Entry: &entry, Cycles: 1}
			return nil
		})
	})
	if err != nil {
		return subscriptiondomain.Result{}, s.wrap("subscription setup failed", req.UserID, err)
	}

	if result.Applied {
		s.obsMetrics.RecordLedgerEntry(ctx, string(ledgerdomain.TransTypeSubscriptionReset))
		s.log.Info("subscription activated",
			zap.String("user_id", req.UserID),
			zap.String("product_id", product.ID),
			zap.String("order_no", req.OrderNo),
			zap.Time("reset_date", reset),
			zap.Time("expires_date", expires),
		)
	}
	return result, nil
}

// ChangePlan applies a paid order to a live subscription: a renewal when the
// product is unchanged, otherwise an upgrade or downgrade. The term restarts
// and the pool is set to the product's allotment.
func (s *Service) ChangePlan(ctx context.Context, req subscriptiondomain.ChangePlanRequest) (subscriptiondomain.Result, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.OrderNo = strings.TrimSpace(req.OrderNo)
	if req.UserID == "" {
		return subscriptiondomain.Result{}, subscriptiondomain.ErrInvalidUser
	}
	if req.OrderNo == "" {
		return subscriptiondomain.Result{}, subscriptiondomain.ErrInvalidOrder
	}
	product, err := s.subscriptionProduct(req.ProductID)
	if err != nil {
		return subscriptiondomain.Result{}, err
	}
	start := req.PeriodStart
	if start.IsZero() {
		start = s.clock.Now()
	}
	expires, reset, err := subscriptiondomain.TermDates(product.Interval, start.UTC())
	if err != nil {
		return subscriptiondomain.Result{}, err
	}

	var result subscriptiondomain.Result
	err = s.guard.WithUserLock(ctx, req.UserID, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.clock.Now()
			state, err := s.repo.FindState(ctx, tx, req.UserID)
			if err != nil {
				return err
			}
			if state == nil {
				return subscriptiondomain.ErrSubscriptionNotFound
			}
			if state.SubscriptionOrderNo != nil && *state.SubscriptionOrderNo == req.OrderNo {
				return nil
			}
			switch state.SubscriptionStatus {
			case ledgerdomain.SubscriptionStatusActive, ledgerdomain.SubscriptionStatusCancelled:
			default:
				return subscriptiondomain.ErrInvalidTransition
			}
			transType := ledgerdomain.TransTypeSubscriptionUpgrade
			switch {
			case state.SubscriptionProductID == nil:
			case *state.SubscriptionProductID == product.ID:
				transType = ledgerdomain.TransTypeSubscriptionReset
			default:
				if current, err := s.pricing.Product(*state.SubscriptionProductID); err == nil && current.Credits > product.Credits {
					transType = ledgerdomain.TransTypeSubscriptionDowngrade
				}
			}

			status := ledgerdomain.SubscriptionStatusActive
			credits := product.Credits
			if err := s.repo.UpdateState(ctx, tx, req.UserID, ledgerdomain.StateUpdate{
				SubscriptionCredits:          &credits,
				SubscriptionStatus:           &status,
				SubscriptionPlan:             &product.Title,
				SubscriptionProductID:        &product.ID,
				SubscriptionCreditsResetDate: &reset,
				SubscriptionExpiresDate:      &expires,
				SubscriptionOrderNo:          &req.OrderNo,
			}, now); err != nil {
				return err
			}

			entry := s.newEntry(req.UserID, transType, credits-state.SubscriptionCredits, credits, now)
			entry.OrderNo = &req.OrderNo
			entry.Description = fmt.Sprintf("Subscription changed to %s", product.Title)
			if transType == ledgerdomain.TransTypeSubscriptionReset {
				entry.Description = fmt.Sprintf("Subscription %s renewed", product.Title)
			}
			if err := s.repo.InsertEntry(ctx, tx, &entry); err != nil {
				return err
			}
			result = subscriptiondomain.Result{Applied: true, Entry: &entry}
			return nil
		})
	})
	if err != nil {
		return subscriptiondomain.Result{}, s.wrap("subscription plan change failed", req.UserID, err)
	}
	if result.Applied {
		s.obsMetrics.RecordLedgerEntry(ctx, string(result.Entry.TransType))
		s.log.Info("subscription plan changed",
			zap.String("user_id", req.UserID),
			zap.String("product_id", product.ID),
			zap.String("trans_type", string(result.Entry.TransType)),
		)
	}
	return result, nil
}

// CheckAndResetSubscriptionCredits replenishes the pool once the reset date
// has passed within a live term. Missed cycles are caught up in one call and
// the balance never exceeds one allotment. A term that has run out is only
// logged here; Expire moves it to expired.
func (s *Service) CheckAndResetSubscriptionCredits(ctx context.Context, userID string) (subscriptiondomain.Result, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return subscriptiondomain.Result{}, subscriptiondomain.ErrInvalidUser
	}

	// cheap unlocked read so balance calls don't contend on the user lock
	state, err := s.repo.FindState(ctx, s.db, userID)
	if err != nil {
		return subscriptiondomain.Result{}, creditdomain.Persistence(err)
	}
	if !resetDue(state, s.clock.Now()) {
		return subscriptiondomain.Result{}, nil
	}

	var (
		result   subscriptiondomain.Result
		interval pricingdomain.Interval
	)
	err = s.guard.WithUserLock(ctx, userID, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.clock.Now()
			state, err := s.repo.FindState(ctx, tx, userID)
			if err != nil {
				return err
			}
			if !resetDue(state, now) {
				return nil
			}

			reset := *state.SubscriptionCreditsResetDate
			if state.SubscriptionExpiresDate == nil || !state.SubscriptionExpiresDate.After(reset) {
				s.log.Info("subscription term ended, reset skipped",
					zap.String("user_id", userID),
					zap.String("status", string(state.SubscriptionStatus)),
					zap.Timep("reset_date", state.SubscriptionCreditsResetDate),
					zap.Timep("expires_date", state.SubscriptionExpiresDate),
				)
				return nil
			}
			if state.SubscriptionProductID == nil {
				return subscriptiondomain.ErrInvalidProduct
			}
			product, err := s.subscriptionProduct(*state.SubscriptionProductID)
			if err != nil {
				return err
			}
			interval = product.Interval

			credits := state.SubscriptionCredits
			cycles := 0
			for !now.Before(reset) && state.SubscriptionExpiresDate.After(reset) {
				credits = min(credits+product.Credits, product.Credits)
				reset = subscriptiondomain.NextReset(product.Interval, *state.SubscriptionExpiresDate, reset)
				cycles++
			}

			if err := s.repo.UpdateState(ctx, tx, userID, ledgerdomain.StateUpdate{
				SubscriptionCredits:          &credits,
				SubscriptionCreditsResetDate: &reset,
			}, now); err != nil {
				return err
			}

			entry := s.newEntry(userID, ledgerdomain.TransTypeSubscriptionReset, credits-state.SubscriptionCredits, credits, now)
			entry.OrderNo = state.SubscriptionOrderNo
			entry.Description = fmt.Sprintf("Subscription %s credits reset", product.Title)
			if err := s.repo.InsertEntry(ctx, tx, &entry); err != nil {
				return err
			}
			result = subscriptiondomain.Result{Applied: true, Entry: &entry, Cycles: cycles}
			return nil
		})
	})
	if err != nil {
		return subscriptiondomain.Result{}, s.wrap("subscription reset failed", userID, err)
	}

	if result.Applied {
		s.obsMetrics.RecordLedgerEntry(ctx, string(ledgerdomain.TransTypeSubscriptionReset))
		s.obsMetrics.RecordSubscriptionReset(ctx, string(interval))
		s.log.Debug("subscription credits reset",
			zap.String("user_id", userID),
			zap.Int("cycles", result.Cycles),
			zap.Int64("balance", result.Entry.BalanceAfter),
		)
	}
	return result, nil
}

func (s *Service) Cancel(ctx context.Context, userID string) error {
	return s.transition(ctx, userID, ledgerdomain.SubscriptionStatusCancelled)
}

// Expire ends a term whose expiry date has passed. Remaining subscription
// credits are forfeited with a downgrade entry.
func (s *Service) Expire(ctx context.Context, userID string) error {
	return s.transition(ctx, userID, ledgerdomain.SubscriptionStatusExpired)
}

func (s *Service) transition(ctx context.Context, userID string, target ledgerdomain.SubscriptionStatus) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return subscriptiondomain.ErrInvalidUser
	}

	var forfeited *ledgerdomain.LedgerEntry
	err := s.guard.WithUserLock(ctx, userID, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.clock.Now()
			state, err := s.repo.FindState(ctx, tx, userID)
			if err != nil {
				return err
			}
			if state == nil {
				return subscriptiondomain.ErrSubscriptionNotFound
			}
			if state.SubscriptionStatus == target {
				return nil
			}
			if !subscriptiondomain.IsTransitionAllowed(state.SubscriptionStatus, target) ||
				target == ledgerdomain.SubscriptionStatusActive {
				return subscriptiondomain.ErrInvalidTransition
			}

			update := ledgerdomain.StateUpdate{SubscriptionStatus: &target}
			if target == ledgerdomain.SubscriptionStatusExpired {
				if state.SubscriptionExpiresDate != nil && now.Before(*state.SubscriptionExpiresDate) {
					return subscriptiondomain.ErrTermNotElapsed
				}
				if state.SubscriptionCredits > 0 {
					zero := int64(0)
					update.SubscriptionCredits = &zero
					entry := s.newEntry(userID, ledgerdomain.TransTypeSubscriptionDowngrade, -state.SubscriptionCredits, 0, now)
					entry.OrderNo = state.SubscriptionOrderNo
					entry.Description = "Subscription expired"
					if err := s.repo.InsertEntry(ctx, tx, &entry); err != nil {
						return err
					}
					forfeited = &entry
				}
			}
			return s.repo.UpdateState(ctx, tx, userID, update, now)
		})
	})
	if err != nil {
		return s.wrap("subscription transition failed", userID, err)
	}

	if forfeited != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(forfeited.TransType))
	}
	s.log.Info("subscription transitioned",
		zap.String("user_id", userID),
		zap.String("status", string(target)),
	)
	return nil
}

// SweepDueResets applies lazy resets to states whose reset date has passed
// and returns how many were replenished.
func (s *Service) SweepDueResets(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	due, err := s.repo.ListDueResets(ctx, s.db, s.clock.Now(), limit)
	if err != nil {
		return 0, creditdomain.Persistence(err)
	}

	var (
		processed int
		errs      []error
	)
	for _, state := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		result, err := s.CheckAndResetSubscriptionCredits(ctx, state.UserID)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", state.UserID, err))
			continue
		}
		if result.Applied {
			processed++
		}
	}
	return processed, errors.Join(errs...)
}

func (s *Service) SweepElapsedTerms(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	elapsed, err := s.repo.ListElapsedTerms(ctx, s.db, s.clock.Now(), limit)
	if err != nil {
		return 0, creditdomain.Persistence(err)
	}

	var (
		processed int
		errs      []error
	)
	for _, state := range elapsed {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if err := s.Expire(ctx, state.UserID); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", state.UserID, err))
			continue
		}
		processed++
	}
	return processed, errors.Join(errs...)
}

func (s *Service) subscriptionProduct(id string) (pricingdomain.Product, error) {
	product, err := s.pricing.Product(id)
	if err != nil {
		return pricingdomain.Product{}, err
	}
	if product.Kind != pricingdomain.ProductKindSubscription {
		return pricingdomain.Product{}, subscriptiondomain.ErrInvalidProduct
	}
	return product, nil
}

func (s *Service) newEntry(userID string, transType ledgerdomain.TransType, credits, balanceAfter int64, now time.Time) ledgerdomain.LedgerEntry {
	id := s.genID.Generate()
	return ledgerdomain.LedgerEntry{
		ID:           id,
		TransNo:      id.String(),
		UserID:       userID,
		TransType:    transType,
		Credits:      credits,
		BalanceAfter: balanceAfter,
		CreatedAt:    now,
	}
}

func (s *Service) wrap(msg, userID string, err error) error {
	switch {
	case errors.Is(err, subscriptiondomain.ErrInvalidTransition),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, subscriptiondomain.ErrTermNotElapsed),
		errors.Is(err, subscriptiondomain.ErrInvalidProduct),
		errors.Is(err, pricingdomain.ErrUnknownProduct),
		errors.Is(err, pricingdomain.ErrInvalidInterval):
		return err
	}
	s.log.Error(msg, zap.String("user_id", userID), zap.Error(err))
	return creditdomain.Persistence(err)
}

func resetDue(state *ledgerdomain.UserCredit, now time.Time) bool {
	if state == nil || state.SubscriptionCreditsResetDate == nil {
		return false
	}
	switch state.SubscriptionStatus {
	case ledgerdomain.SubscriptionStatusActive, ledgerdomain.SubscriptionStatusCancelled:
	default:
		return false
	}
	return !now.Before(*state.SubscriptionCreditsResetDate)
}

func toState(state *ledgerdomain.UserCredit) subscriptiondomain.State {
	return subscriptiondomain.State{
		UserID:      state.UserID,
		Status:      state.SubscriptionStatus,
		Plan:        state.SubscriptionPlan,
		ProductID:   state.SubscriptionProductID,
		Credits:     state.SubscriptionCredits,
		ResetDate:   state.SubscriptionCreditsResetDate,
		ExpiresDate: state.SubscriptionExpiresDate,
		OrderNo:     state.SubscriptionOrderNo,
	}
}
