package domain

import (
	"testing"
	"time"

	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 30, 0, 0, time.UTC)
}

func TestAddMonthsClampsToMonthEnd(t *testing.T) {
	assert.Equal(t, date(2026, time.February, 28), AddMonths(date(2026, time.January, 31), 1))
	assert.Equal(t, date(2026, time.March, 31), AddMonths(date(2026, time.January, 31), 2))
	assert.Equal(t, date(2028, time.February, 29), AddMonths(date(2028, time.January, 31), 1))
	assert.Equal(t, date(2026, time.February, 28), AddMonths(date(2026, time.March, 31), -1))
	assert.Equal(t, date(2027, time.January, 15), AddMonths(date(2026, time.January, 15), 12))
}

func TestYearlyResetsKeepMonthEndAnchor(t *testing.T) {
	start := date(2026, time.January, 31)
	expires, reset, err := TermDates(pricingdomain.IntervalYear, start)
	require.NoError(t, err)
	assert.Equal(t, date(2027, time.January, 31), expires)
	assert.Equal(t, date(2026, time.February, 28), reset)

	want := []time.Time{
		date(2026, time.March, 31),
		date(2026, time.April, 30),
		date(2026, time.May, 31),
	}
	for _, w := range want {
		reset = NextReset(pricingdomain.IntervalYear, expires, reset)
		assert.Equal(t, w, reset)
	}
}

func TestNextResetDaily(t *testing.T) {
	at := date(2026, time.March, 1)
	assert.Equal(t, date(2026, time.March, 2), NextReset(pricingdomain.IntervalDay, at.AddDate(0, 0, 5), at))
}

func TestTermDatesRejectsUnknownInterval(t *testing.T) {
	_, _, err := TermDates(pricingdomain.Interval("week"), date(2026, time.March, 1))
	assert.ErrorIs(t, err, pricingdomain.ErrInvalidInterval)
}
