package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type OrderStatus string

const (
	OrderStatusPending OrderStatus = "pending"
	OrderStatusPaid    OrderStatus = "paid"
)

// Order is a purchase of one catalog product. Credits and kind are copied
// from the catalog at creation so later pricing edits don't change what a
// paid order grants.
type Order struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey"`
	OrderNo     string         `json:"order_no" gorm:"type:text;not null;uniqueIndex"`
	UserID      string         `json:"user_id" gorm:"type:text;not null;index"`
	ProductID   string         `json:"product_id" gorm:"type:text;not null"`
	ProductKind string         `json:"product_kind" gorm:"type:text;not null"`
	Credits     int64          `json:"credits" gorm:"not null"`
	ValidDays   int            `json:"valid_days" gorm:"not null;default:0"`
	Amount      int64          `json:"amount" gorm:"not null"`
	Currency    string         `json:"currency" gorm:"type:text;not null"`
	Status      OrderStatus    `json:"status" gorm:"type:text;not null"`
	PaidAt      *time.Time     `json:"paid_at,omitempty"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time      `json:"updated_at" gorm:"not null"`
}

func (Order) TableName() string { return "orders" }

// EventRecord deduplicates webhook deliveries.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	OrderNo         string         `json:"order_no" gorm:"type:text;not null;index"`
	Payload         datatypes.JSON `json:"payload"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const EventTypeSessionPaid = "session_paid"

type CreateOrderRequest struct {
	UserID    string         `json:"-"`
	ProductID string         `json:"product_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type SessionPaidRequest struct {
	OrderNo  string    `json:"order_no"`
	PaidAt   time.Time `json:"paid_at"`
	Provider string    `json:"provider,omitempty"`
	EventID  string    `json:"event_id,omitempty"`
	Payload  []byte    `json:"-"`
}
