package service

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/config"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var thousand = decimal.NewFromInt(1000)

type Params struct {
	fx.In

	Log     *zap.Logger
	Pricing *config.PricingHolder
}

type Service struct {
	log     *zap.Logger
	pricing *config.PricingHolder
}

func New(p Params) pricingdomain.Service {
	return &Service{
		log:     p.Log.Named("pricing.service"),
		pricing: p.Pricing,
	}
}

func (s *Service) EstimateTokens(text, model string) int64 {
	return estimateTokens(text, model)
}

func (s *Service) EstimateMessagesTokens(messages []pricingdomain.Message, model string) int64 {
	var total int64
	for _, m := range messages {
		total += estimateTokens(m.Content, model) + MessageOverheadTokens
	}
	return total
}

// CalculateCost prices a generation in whole credits, rounding up.
func (s *Service) CalculateCost(model string, inputTokens, outputTokens int64) (int64, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return 0, pricingdomain.ErrInvalidTokens
	}
	price, err := s.ModelPrice(model)
	if err != nil {
		return 0, err
	}

	raw := decimal.NewFromInt(inputTokens).Mul(price.InputPer1K).
		Add(decimal.NewFromInt(outputTokens).Mul(price.OutputPer1K)).
		Div(thousand)
	return raw.Ceil().IntPart(), nil
}

// EstimateRequest assumes the reply is a tenth of the prompt. Only for the
// affordability check; final billing uses measured usage.
func (s *Service) EstimateRequest(model string, messages []pricingdomain.Message) (pricingdomain.Estimate, error) {
	input := s.EstimateMessagesTokens(messages, model)
	output := input / 10
	credits, err := s.CalculateCost(model, input, output)
	if err != nil {
		return pricingdomain.Estimate{}, err
	}
	return pricingdomain.Estimate{
		Model:        model,
		InputTokens:  input,
		OutputTokens: output,
		Credits:      credits,
	}, nil
}

// snapshotSuffix matches dated model snapshots such as gpt-4o-2024-08-06
// or claude-3-5-sonnet-20241022.
var snapshotSuffix = regexp.MustCompile(`-(\d{4}-\d{2}-\d{2}|\d{8})$`)

// ModelPrice resolves an exact id, then the same id without a dated snapshot
// suffix. Anything else is unpriced.
func (s *Service) ModelPrice(model string) (pricingdomain.ModelPrice, error) {
	key := strings.ToLower(strings.TrimSpace(model))
	if key == "" {
		return pricingdomain.ModelPrice{}, pricingdomain.ErrUnknownModel
	}

	entry, ok := s.pricing.Model(key)
	if !ok {
		if base := snapshotSuffix.ReplaceAllString(key, ""); base != key {
			entry, ok = s.pricing.Model(base)
		}
	}
	if !ok {
		return pricingdomain.ModelPrice{}, fmt.Errorf("%w: %s", pricingdomain.ErrUnknownModel, model)
	}

	in, err := decimal.NewFromString(entry.InputPer1K)
	if err != nil {
		return pricingdomain.ModelPrice{}, fmt.Errorf("%w: %s input price", pricingdomain.ErrUnknownModel, model)
	}
	out, err := decimal.NewFromString(entry.OutputPer1K)
	if err != nil {
		return pricingdomain.ModelPrice{}, fmt.Errorf("%w: %s output price", pricingdomain.ErrUnknownModel, model)
	}
	return pricingdomain.ModelPrice{ModelID: entry.ID, InputPer1K: in, OutputPer1K: out}, nil
}

func (s *Service) Product(id string) (pricingdomain.Product, error) {
	p, ok := s.pricing.Product(id)
	if !ok {
		return pricingdomain.Product{}, fmt.Errorf("%w: %s", pricingdomain.ErrUnknownProduct, id)
	}
	return toProduct(p), nil
}

func (s *Service) Products() []pricingdomain.Product {
	catalog := s.pricing.Get()
	out := make([]pricingdomain.Product, 0, len(catalog.Products))
	for _, p := range catalog.Products {
		out = append(out, toProduct(p))
	}
	return out
}

func (s *Service) NewUserGrant() pricingdomain.NewUserGrant {
	nu := s.pricing.Get().NewUser
	return pricingdomain.NewUserGrant{Credits: nu.Credits, ValidDays: nu.ValidDays}
}

func toProduct(p config.ProductConfig) pricingdomain.Product {
	return pricingdomain.Product{
		ID:        p.ID,
		Title:     p.Title,
		Kind:      pricingdomain.ProductKind(p.Kind),
		Interval:  pricingdomain.Interval(p.Interval),
		Credits:   p.Credits,
		ValidDays: p.ValidDays,
		Amount:    p.Amount,
		Currency:  p.Currency,
	}
}
