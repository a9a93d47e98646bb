package service

import (
	"testing"
	"time"

	"services/session-engine/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHoursForConvertsToUTC(t *testing.T) {
	p := testHours(t)

	date, err := p.ParseDate("us_equities", "stock", "2024-01-02")
	require.NoError(t, err)

	hrs, err := p.HoursFor("us_equities", "stock", date)
	require.NoError(t, err)

	// EST is UTC-5 in January.
	assert.Equal(t, time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC), hrs.Open)
	assert.Equal(t, time.Date(2024, 1, 2, 21, 0, 0, 0, time.UTC), hrs.Close)
	assert.Equal(t, time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), hrs.ExtendedOpen)
	assert.Equal(t, time.Date(2024, 1, 3, 1, 0, 0, 0, time.UTC), hrs.ExtendedClose)
}

func TestExtendedHoursStraddleUTCDays(t *testing.T) {
	p := testHours(t)

	date, err := p.ParseDate("us_equities", "stock", "2024-01-02")
	require.NoError(t, err)

	hrs, err := p.HoursFor("us_equities", "stock", date)
	require.NoError(t, err)

	// The extended close lands on the next UTC calendar day, which is why a
	// single session may span two storage partitions.
	assert.NotEqual(t, hrs.ExtendedOpen.Day(), hrs.ExtendedClose.Day())
}

func TestNextTradingDateSkipsWeekendsAndHolidays(t *testing.T) {
	p := testHours(t)

	// Friday 2024-01-12; the 13th/14th are a weekend and the 15th is a
	// configured holiday.
	friday, err := p.ParseDate("us_equities", "stock", "2024-01-12")
	require.NoError(t, err)

	next, ok := p.NextTradingDate("us_equities", "stock", friday)
	require.True(t, ok)
	assert.Equal(t, "2024-01-16", next.Format("2006-01-02"))
}

func TestNextTradingDateUnknownGroup(t *testing.T) {
	p := testHours(t)

	_, ok := p.NextTradingDate("unknown", "stock", time.Now())
	assert.False(t, ok)
}

func TestNewMarketHoursProviderRejectsBadConfig(t *testing.T) {
	bad := config.MarketConfig{
		Hours: map[string]config.MarketHoursConfig{
			"x/y": {Timezone: "Not/AZone", RegularOpen: "09:30", RegularClose: "16:00", ExtendedOpen: "04:00", ExtendedClose: "20:00"},
		},
	}
	_, err := NewMarketHoursProvider(bad, zap.NewNop())
	assert.Error(t, err)

	bad = config.MarketConfig{
		Hours: map[string]config.MarketHoursConfig{
			"x/y": {Timezone: "UTC", RegularOpen: "930", RegularClose: "16:00", ExtendedOpen: "04:00", ExtendedClose: "20:00"},
		},
	}
	_, err = NewMarketHoursProvider(bad, zap.NewNop())
	assert.Error(t, err)

	bad = testMarketConfig()
	bad.Holidays = []string{"not-a-date"}
	_, err = NewMarketHoursProvider(bad, zap.NewNop())
	assert.Error(t, err)
}
