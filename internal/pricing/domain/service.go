package domain

import "errors"

type Service interface {
	EstimateTokens(text, model string) int64
	EstimateMessagesTokens(messages []Message, model string) int64
	CalculateCost(model string, inputTokens, outputTokens int64) (int64, error)
	EstimateRequest(model string, messages []Message) (Estimate, error)

	ModelPrice(model string) (ModelPrice, error)
	Product(id string) (Product, error)
	Products() []Product
	NewUserGrant() NewUserGrant
}

var (
	ErrUnknownModel    = errors.New("unknown_model")
	ErrUnknownProduct  = errors.New("unknown_product")
	ErrInvalidTokens   = errors.New("invalid_token_count")
	ErrInvalidInterval = errors.New("invalid_interval")
)
