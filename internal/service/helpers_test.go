package service

import (
	"context"
	"testing"
	"time"

	"services/session-engine/internal/config"
	"services/session-engine/internal/model"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testMarketConfig() config.MarketConfig {
	return config.MarketConfig{
		Hours: map[string]config.MarketHoursConfig{
			"us_equities/stock": {
				Timezone:      "America/New_York",
				RegularOpen:   "09:30",
				RegularClose:  "16:00",
				ExtendedOpen:  "04:00",
				ExtendedClose: "20:00",
			},
		},
		Holidays: []string{"2024-01-15"},
	}
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		Mode:                "backtest",
		PacingMultiplier:    0,
		Symbols:             []string{"AAPL", "MSFT"},
		ExchangeGroup:       "us_equities",
		AssetClass:          "stock",
		NativeInterval:      "1m",
		DerivedIntervals:    []string{"5m"},
		TrailingHistoryDays: 0,
		GapRetryCeiling:     3,
		TimeoutSeconds:      120,
		StartDate:           "2024-01-02",
		EndDate:             "2024-01-03",
		ClockTick:           time.Second,
		UpkeepInterval:      time.Minute,
		BoundaryInterval:    time.Second,
		SubscriptionTimeout: 50 * time.Millisecond,
		LagCheckEvery:       1,
		LagThreshold:        30 * time.Second,
	}
}

func testHours(t *testing.T) *MarketHoursProvider {
	t.Helper()
	p, err := NewMarketHoursProvider(testMarketConfig(), zap.NewNop())
	require.NoError(t, err)
	return p
}

// nyBar builds a 1m bar stamped at the given New York wall time on
// 2024-01-02, stored in UTC.
func nyBar(t *testing.T, symbol, hhmm string, close float64) model.Bar {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	ts, err := time.ParseInLocation("2006-01-02 15:04", "2024-01-02 "+hhmm, loc)
	require.NoError(t, err)
	return model.Bar{
		Symbol:    symbol,
		Interval:  model.Interval1m,
		Timestamp: ts.UTC(),
		Open:      close - 0.5,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Volume:    100,
	}
}

// cannedSource returns a query source serving a fixed bar set filtered to
// the requested symbol and range.
func cannedSource(name string, bars []model.Bar) HistoricalSource {
	return QuerySource(name, func(_ context.Context, symbol string, interval model.Interval, start, end time.Time) ([]model.Bar, error) {
		var out []model.Bar
		for _, b := range bars {
			if b.Symbol != symbol || b.Interval != interval {
				continue
			}
			if b.Timestamp.Before(start) || !b.Timestamp.Before(end) {
				continue
			}
			out = append(out, b)
		}
		return out, nil
	})
}
