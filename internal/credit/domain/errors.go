package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidTransType    = errors.New("invalid_trans_type")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrPersistence         = errors.New("persistence_failure")
)

// InsufficientCreditsError carries the amounts a caller needs to route the
// user to a top-up. errors.Is(err, ErrInsufficientCredits) holds.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func NewInsufficientCreditsError(required, available int64) *InsufficientCreditsError {
	if available < 0 {
		available = 0
	}
	return &InsufficientCreditsError{Required: required, Available: available}
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient_credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// Persistence marks err as a storage failure. Already marked errors and
// nil pass through.
func Persistence(err error) error {
	if err == nil || errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}
