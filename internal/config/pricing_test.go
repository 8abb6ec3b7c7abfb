package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNormalizeCatalogRejectsInvalidEntries(t *testing.T) {
	cases := map[string]PricingCatalog{
		"bad interval": {Products: []ProductConfig{{ID: "p", Kind: "subscription", Interval: "week", Credits: 1}}},
		"zero credits": {Products: []ProductConfig{{ID: "p", Kind: "subscription", Interval: "month"}}},
		"bad kind":     {Products: []ProductConfig{{ID: "p", Kind: "bundle", Credits: 1}}},
		"duplicate": {Products: []ProductConfig{
			{ID: "Pro", Kind: "one_time", Credits: 1},
			{ID: "pro", Kind: "one_time", Credits: 1},
		}},
		"bad price":      {Models: []ModelPriceConfig{{ID: "gpt-4o", InputPer1K: "abc", OutputPer1K: "1"}}},
		"negative price": {Models: []ModelPriceConfig{{ID: "gpt-4o", InputPer1K: "-1", OutputPer1K: "1"}}},
		"missing model":  {Models: []ModelPriceConfig{{InputPer1K: "1", OutputPer1K: "1"}}},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewPricingHolderFromCatalog(c)
			assert.Error(t, err)
		})
	}
}

func TestDefaultCatalogIsValid(t *testing.T) {
	h, err := NewPricingHolderFromCatalog(DefaultPricingCatalog())
	require.NoError(t, err)

	p, ok := h.Product("pro-yearly")
	require.True(t, ok)
	assert.Equal(t, IntervalYear, p.Interval)

	_, ok = h.Model("gpt-4o-mini")
	assert.True(t, ok)
}

func TestNewPricingHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "pricing.yml")
	require.NoError(t, os.WriteFile(file, []byte(`
products:
  - id: Starter Pack
    kind: one_time
    credits: 100
    valid_days: 90
models:
  - id: gpt-4o
    input_per_1k: "2.5"
    output_per_1k: "10"
new_user:
  credits: 5
  valid_days: 14
`), 0o600))

	h, err := NewPricingHolder(Config{PricingFile: file}, zap.NewNop())
	require.NoError(t, err)

	p, ok := h.Product("starter-pack")
	require.True(t, ok)
	assert.Equal(t, int64(100), p.Credits)
	assert.Equal(t, 90, p.ValidDays)

	m, ok := h.Model("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, "2.5", m.InputPer1K)
	assert.Equal(t, int64(5), h.Get().NewUser.Credits)
}

func TestNilHolderFallsBackToDefaults(t *testing.T) {
	var h *PricingHolder
	assert.NotEmpty(t, h.Get().Products)
}
