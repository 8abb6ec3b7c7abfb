package domain

import (
	"context"
	"errors"
)

type Service interface {
	GetState(ctx context.Context, userID string) (State, error)
	// SetupSubscriptionCredits is a no-op while the user is active or when
	// orderNo was already applied, so duplicate webhook deliveries are safe.
	SetupSubscriptionCredits(ctx context.Context, req SetupRequest) (Result, error)
	ChangePlan(ctx context.Context, req ChangePlanRequest) (Result, error)
	CheckAndResetSubscriptionCredits(ctx context.Context, userID string) (Result, error)
	Cancel(ctx context.Context, userID string) error
	Expire(ctx context.Context, userID string) error

	SweepDueResets(ctx context.Context, limit int) (int, error)
	SweepElapsedTerms(ctx context.Context, limit int) (int, error)
}

var (
	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidOrder         = errors.New("invalid_order")
	ErrInvalidProduct       = errors.New("invalid_product")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrTermNotElapsed       = errors.New("subscription_term_not_elapsed")
)
