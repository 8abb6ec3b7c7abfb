package domain

import (
	"github.com/shopspring/decimal"
)

type Interval string

var (
	IntervalDay   Interval = "day"
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

type ProductKind string

var (
	ProductKindSubscription ProductKind = "subscription"
	ProductKindOneTime      ProductKind = "one_time"
)

// Product is a purchasable plan or credit pack.
type Product struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Kind      ProductKind `json:"kind"`
	Interval  Interval    `json:"interval,omitempty"`
	Credits   int64       `json:"credits"`
	ValidDays int         `json:"valid_days,omitempty"`
	Amount    int64       `json:"amount"`
	Currency  string      `json:"currency"`
}

// ModelPrice is the credit price per 1K tokens for one model.
type ModelPrice struct {
	ModelID     string          `json:"model"`
	InputPer1K  decimal.Decimal `json:"input_per_1k"`
	OutputPer1K decimal.Decimal `json:"output_per_1k"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Estimate is the pre-flight cost of a prompt that has not run yet.
type Estimate struct {
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Credits      int64  `json:"credits"`
}

// NewUserGrant is the sign-up bonus policy.
type NewUserGrant struct {
	Credits   int64
	ValidDays int
}
