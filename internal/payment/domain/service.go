package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertOrder(ctx context.Context, db *gorm.DB, order *Order) error
	FindOrderByNo(ctx context.Context, db *gorm.DB, orderNo string) (*Order, error)
	MarkOrderPaid(ctx context.Context, db *gorm.DB, orderNo string, paidAt time.Time) (bool, error)

	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}

type Service interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error)
	GetOrder(ctx context.Context, userID, orderNo string) (Order, error)
	// HandleSessionPaid is idempotent: a paid order or a replayed event is a no-op.
	HandleSessionPaid(ctx context.Context, req SessionPaidRequest) (Order, error)
}

var (
	ErrInvalidUser     = errors.New("invalid_user")
	ErrInvalidProduct  = errors.New("invalid_product")
	ErrInvalidOrder    = errors.New("invalid_order")
	ErrInvalidPayload  = errors.New("invalid_payload")
	ErrOrderNotFound   = errors.New("order_not_found")
	ErrUnsupportedKind = errors.New("unsupported_product_kind")
	ErrDuplicateOrder  = errors.New("duplicate_order")
)
