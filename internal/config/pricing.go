package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	ProductKindSubscription = "subscription"
	ProductKindOneTime      = "one_time"

	IntervalDay   = "day"
	IntervalMonth = "month"
	IntervalYear  = "year"
)

// PricingCatalog is the external pricing table: plans/packs users can buy and
// the per-model token prices used to bill generations.
type PricingCatalog struct {
	Products []ProductConfig    `mapstructure:"products"`
	Models   []ModelPriceConfig `mapstructure:"models"`
	NewUser  NewUserConfig      `mapstructure:"new_user"`
}

type ProductConfig struct {
	ID        string `mapstructure:"id"`
	Title     string `mapstructure:"title"`
	Kind      string `mapstructure:"kind"`
	Interval  string `mapstructure:"interval"`
	Credits   int64  `mapstructure:"credits"`
	ValidDays int    `mapstructure:"valid_days"`
	Amount    int64  `mapstructure:"amount"`
	Currency  string `mapstructure:"currency"`
}

type ModelPriceConfig struct {
	ID          string `mapstructure:"id"`
	InputPer1K  string `mapstructure:"input_per_1k"`
	OutputPer1K string `mapstructure:"output_per_1k"`
}

type NewUserConfig struct {
	Credits   int64 `mapstructure:"credits"`
	ValidDays int   `mapstructure:"valid_days"`
}

// PricingHolder keeps the latest valid catalog. Reads are lock free.
type PricingHolder struct {
	value atomic.Value
}

// NewPricingHolderFromCatalog validates c and wraps it. Used by tests and by
// deployments without a pricing file.
func NewPricingHolderFromCatalog(c PricingCatalog) (*PricingHolder, error) {
	normalized, err := normalizeCatalog(c)
	if err != nil {
		return nil, err
	}
	h := &PricingHolder{}
	h.value.Store(normalized)
	return h, nil
}

// NewPricingHolder loads pricing.yml (or PRICING_FILE) and watches it for
// changes. Invalid reloads are ignored and the previous catalog stays active.
func NewPricingHolder(cfg Config, log *zap.Logger) (*PricingHolder, error) {
	log = log.Named("config.pricing")

	v := viper.New()
	if cfg.PricingFile != "" {
		v.SetConfigFile(cfg.PricingFile)
	} else {
		v.SetConfigName("pricing")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/creditmeter")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && cfg.PricingFile == "" {
			log.Info("pricing file not found, using built-in catalog")
			return NewPricingHolderFromCatalog(DefaultPricingCatalog())
		}
		return nil, fmt.Errorf("read pricing config: %w", err)
	}

	catalog, err := decodeCatalog(v)
	if err != nil {
		return nil, err
	}

	holder := &PricingHolder{}
	holder.value.Store(catalog)

	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decodeCatalog(v)
		if err != nil {
			log.Warn("pricing reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.value.Store(next)
		log.Info("pricing reloaded",
			zap.String("file", e.Name),
			zap.Int("products", len(next.Products)),
			zap.Int("models", len(next.Models)),
		)
	})
	v.WatchConfig()

	return holder, nil
}

// Get returns the active catalog.
func (h *PricingHolder) Get() PricingCatalog {
	if h == nil {
		return DefaultPricingCatalog()
	}
	if c, ok := h.value.Load().(PricingCatalog); ok {
		return c
	}
	return DefaultPricingCatalog()
}

func (h *PricingHolder) Product(id string) (ProductConfig, bool) {
	key := slug.Make(strings.TrimSpace(id))
	for _, p := range h.Get().Products {
		if p.ID == key {
			return p, true
		}
	}
	return ProductConfig{}, false
}

func (h *PricingHolder) Model(id string) (ModelPriceConfig, bool) {
	key := strings.ToLower(strings.TrimSpace(id))
	for _, m := range h.Get().Models {
		if m.ID == key {
			return m, true
		}
	}
	return ModelPriceConfig{}, false
}

func decodeCatalog(v *viper.Viper) (PricingCatalog, error) {
	var c PricingCatalog
	if err := v.Unmarshal(&c); err != nil {
		return PricingCatalog{}, fmt.Errorf("decode pricing config: %w", err)
	}
	return normalizeCatalog(c)
}

func normalizeCatalog(c PricingCatalog) (PricingCatalog, error) {
	out := PricingCatalog{NewUser: c.NewUser}
	if out.NewUser.Credits < 0 {
		return PricingCatalog{}, errors.New("new_user.credits must be >= 0")
	}
	if out.NewUser.ValidDays < 0 {
		return PricingCatalog{}, errors.New("new_user.valid_days must be >= 0")
	}

	seen := map[string]struct{}{}
	for i, p := range c.Products {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			id = p.Title
		}
		p.ID = slug.Make(id)
		if p.ID == "" {
			return PricingCatalog{}, fmt.Errorf("products[%d]: id is required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return PricingCatalog{}, fmt.Errorf("products[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = struct{}{}

		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		if p.Kind == "" {
			p.Kind = ProductKindSubscription
		}
		switch p.Kind {
		case ProductKindSubscription:
			p.Interval = strings.ToLower(strings.TrimSpace(p.Interval))
			switch p.Interval {
			case IntervalDay, IntervalMonth, IntervalYear:
			default:
				return PricingCatalog{}, fmt.Errorf("products[%d]: unsupported interval %q", i, p.Interval)
			}
		case ProductKindOneTime:
			if p.ValidDays < 0 {
				return PricingCatalog{}, fmt.Errorf("products[%d]: valid_days must be >= 0", i)
			}
		default:
			return PricingCatalog{}, fmt.Errorf("products[%d]: unsupported kind %q", i, p.Kind)
		}
		if p.Credits <= 0 {
			return PricingCatalog{}, fmt.Errorf("products[%d]: credits must be > 0", i)
		}
		out.Products = append(out.Products, p)
	}

	for i, m := range c.Models {
		m.ID = strings.ToLower(strings.TrimSpace(m.ID))
		if m.ID == "" {
			return PricingCatalog{}, fmt.Errorf("models[%d]: id is required", i)
		}
		for field, raw := range map[string]string{"input_per_1k": m.InputPer1K, "output_per_1k": m.OutputPer1K} {
			d, err := decimal.NewFromString(strings.TrimSpace(raw))
			if err != nil {
				return PricingCatalog{}, fmt.Errorf("models[%d].%s: %w", i, field, err)
			}
			if d.IsNegative() {
				return PricingCatalog{}, fmt.Errorf("models[%d].%s must be >= 0", i, field)
			}
		}
		out.Models = append(out.Models, m)
	}

	return out, nil
}

// DefaultPricingCatalog is served when no pricing file is deployed.
func DefaultPricingCatalog() PricingCatalog {
	return PricingCatalog{
		Products: []ProductConfig{
			{ID: "test-daily", Title: "Test Daily", Kind: ProductKindSubscription, Interval: IntervalDay, Credits: 10, Amount: 100, Currency: "USD"},
			{ID: "pro-monthly", Title: "Pro Monthly", Kind: ProductKindSubscription, Interval: IntervalMonth, Credits: 1000, Amount: 990, Currency: "USD"},
			{ID: "pro-yearly", Title: "Pro Yearly", Kind: ProductKindSubscription, Interval: IntervalYear, Credits: 1000, Amount: 9900, Currency: "USD"},
			{ID: "credits-500", Title: "500 Credits", Kind: ProductKindOneTime, Credits: 500, ValidDays: 365, Amount: 500, Currency: "USD"},
		},
		Models: []ModelPriceConfig{
			{ID: "gpt-4o-mini", InputPer1K: "0.5", OutputPer1K: "2"},
			{ID: "gpt-4o", InputPer1K: "5", OutputPer1K: "15"},
			{ID: "claude-3-5-sonnet", InputPer1K: "3", OutputPer1K: "15"},
			{ID: "gemini-1.5-flash", InputPer1K: "0.3", OutputPer1K: "1.2"},
			{ID: "deepseek-chat", InputPer1K: "0.3", OutputPer1K: "1.2"},
			{ID: "qwen-plus", InputPer1K: "0.4", OutputPer1K: "1.2"},
		},
		NewUser: NewUserConfig{Credits: 20, ValidDays: 30},
	}
}
