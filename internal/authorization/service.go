package authorization

import (
	"context"
	"errors"
)

const (
	ObjectCredits      = "credits"
	ObjectSubscription = "subscription"
	ObjectStatement    = "statement"
)

const (
	ActionGrant  = "grant"
	ActionExpire = "expire"
	ActionExport = "export"
)

const RoleAdmin = "role:admin"

type Service interface {
	// Authorize returns ErrForbidden unless userID holds a role allowed to
	// perform action on object.
	Authorize(ctx context.Context, userID, object, action string) error
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)

func subjectFor(userID string) string {
	return "user:" + userID
}
