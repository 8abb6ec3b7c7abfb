package domain

import "errors"

var (
	ErrInvalidUser      = errors.New("invalid_user")
	ErrInvalidTransType = errors.New("invalid_trans_type")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrStateNotFound    = errors.New("user_credit_not_found")
	ErrDuplicateEntry   = errors.New("duplicate_ledger_entry")
)
