package service

import (
	"testing"
	"time"

	"services/session-engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minuteBars(symbol string, base time.Time, closes map[int]float64, minutes ...int) []model.Bar {
	var out []model.Bar
	for _, m := range minutes {
		c := 100.0
		if v, ok := closes[m]; ok {
			c = v
		}
		out = append(out, model.Bar{
			Symbol:    symbol,
			Interval:  model.Interval1m,
			Timestamp: base.Add(time.Duration(m) * time.Minute),
			Open:      c - 0.5,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    10,
		})
	}
	return out
}

func TestDetectGapsGroupsConsecutiveMisses(t *testing.T) {
	base := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	bars := minuteBars("AAPL", base, nil, 0, 1, 4, 7)

	gaps := DetectGaps("AAPL", bars, time.Minute, base, base.Add(8*time.Minute))
	require.Len(t, gaps, 2)

	assert.Equal(t, base.Add(2*time.Minute), gaps[0].Start)
	assert.Equal(t, base.Add(3*time.Minute), gaps[0].End)
	assert.Equal(t, 2, gaps[0].MissingCount)

	assert.Equal(t, base.Add(5*time.Minute), gaps[1].Start)
	assert.Equal(t, base.Add(6*time.Minute), gaps[1].End)
	assert.Equal(t, 2, gaps[1].MissingCount)
}

func TestDetectGapsIsIdempotent(t *testing.T) {
	base := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	bars := minuteBars("AAPL", base, nil, 0, 2, 3)
	end := base.Add(5 * time.Minute)

	first := DetectGaps("AAPL", bars, time.Minute, base, end)
	second := DetectGaps("AAPL", bars, time.Minute, base, end)
	assert.Equal(t, first, second)
}

func TestDetectGapsEmptyCases(t *testing.T) {
	base := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)

	assert.Nil(t, DetectGaps("AAPL", nil, time.Minute, base, base))
	assert.Nil(t, DetectGaps("AAPL", nil, 0, base, base.Add(time.Minute)))

	complete := minuteBars("AAPL", base, nil, 0, 1, 2)
	assert.Empty(t, DetectGaps("AAPL", complete, time.Minute, base, base.Add(3*time.Minute)))
}

func TestQualityScore(t *testing.T) {
	assert.Equal(t, 100.0, QualityScore(0, 0))
	assert.Equal(t, 100.0, QualityScore(5, 5))
	assert.Equal(t, 80.0, QualityScore(4, 5))
	assert.Equal(t, 100.0, QualityScore(6, 5), "score is capped at 100")
}

func TestComputeDerivedBarsAggregation(t *testing.T) {
	base := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	closes := map[int]float64{0: 101, 1: 99, 2: 104, 3: 102, 4: 103}
	bars := minuteBars("AAPL", base, closes, 0, 1, 2, 3, 4)

	derived := ComputeDerivedBars(bars, time.Minute, 5*time.Minute, model.Interval5m)
	require.Len(t, derived, 1)

	agg := derived[0]
	assert.Equal(t, "AAPL", agg.Symbol)
	assert.Equal(t, model.Interval5m, agg.Interval)
	assert.Equal(t, base, agg.Timestamp)
	assert.Equal(t, bars[0].Open, agg.Open)
	assert.Equal(t, bars[4].Close, agg.Close)
	assert.Equal(t, 105.0, agg.High)
	assert.Equal(t, 98.0, agg.Low)
	assert.Equal(t, 50.0, agg.Volume)
}

func TestComputeDerivedBarsSkipsPartialWindows(t *testing.T) {
	base := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)

	// Second window is missing minute 7: no bar may be emitted for it, and
	// the trailing partial third window is dropped too.
	bars := minuteBars("AAPL", base, nil, 0, 1, 2, 3, 4, 5, 6, 8, 9, 10, 11)

	derived := ComputeDerivedBars(bars, time.Minute, 5*time.Minute, model.Interval5m)
	require.Len(t, derived, 1)
	assert.Equal(t, base, derived[0].Timestamp)
}

func TestComputeDerivedBarsWallAlignedWindows(t *testing.T) {
	// 90 minutes of 1m bars from a 09:30 open aggregated to 1h. Windows are
	// aligned to the wall clock, so the partial 09:30-10:00 stretch emits
	// nothing and the first hourly bar covers 10:00-11:00.
	base := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	minutes := make([]int, 90)
	for i := range minutes {
		minutes[i] = i
	}
	bars := minuteBars("AAPL", base, nil, minutes...)

	derived := ComputeDerivedBars(bars, time.Minute, time.Hour, model.Interval1h)
	require.Len(t, derived, 1)
	assert.Equal(t, time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC), derived[0].Timestamp)
	assert.Equal(t, bars[30].Open, derived[0].Open)
	assert.Equal(t, bars[89].Close, derived[0].Close)
	assert.Equal(t, 600.0, derived[0].Volume)
}

func TestComputeDerivedBarsInvalidRatio(t *testing.T) {
	base := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	bars := minuteBars("AAPL", base, nil, 0, 1)

	assert.Nil(t, ComputeDerivedBars(bars, time.Minute, 90*time.Second, model.Interval5m))
	assert.Nil(t, ComputeDerivedBars(nil, time.Minute, 5*time.Minute, model.Interval5m))
}
