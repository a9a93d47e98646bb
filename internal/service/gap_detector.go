package service

import (
	"time"

	"services/session-engine/internal/model"
)

// DetectGaps diffs the expected per-interval timestamps in [start, end)
// against the timestamps actually present and groups consecutive misses into
// gaps. Pure function: rerunning over unchanged input yields an identical
// gap set.
func DetectGaps(symbol string, bars []model.Bar, interval time.Duration, start, end time.Time) []model.Gap {
	if interval <= 0 || !start.Before(end) {
		return nil
	}

	present := make(map[int64]struct{}, len(bars))
	for _, b := range bars {
		present[b.Timestamp.Unix()] = struct{}{}
	}

	var gaps []model.Gap
	var open *model.Gap
	for t := start.UTC(); t.Before(end); t = t.Add(interval) {
		if _, ok := present[t.Unix()]; ok {
			if open != nil {
				gaps = append(gaps, *open)
				open = nil
			}
			continue
		}
		if open == nil {
			open = &model.Gap{Symbol: symbol, Start: t, End: t, MissingCount: 1}
		} else {
			open.End = t
			open.MissingCount++
		}
	}
	if open != nil {
		gaps = append(gaps, *open)
	}
	return gaps
}

// ExpectedBarCount returns how many bars of the given interval are expected
// in [start, end).
func ExpectedBarCount(interval time.Duration, start, end time.Time) int {
	if interval <= 0 || !start.Before(end) {
		return 0
	}
	return int(end.Sub(start) / interval)
}

// QualityScore computes the percentage of expected bars present, capped at
// 100. With nothing expected yet the series is trivially complete.
func QualityScore(present, expected int) float64 {
	if expected <= 0 {
		return 100.0
	}
	q := float64(present) / float64(expected) * 100.0
	if q > 100.0 {
		q = 100.0
	}
	return q
}

// ComputeDerivedBars aggregates native bars into a coarser interval. Bars are
// bucketed into windows aligned to the derived interval; a window is emitted
// only when its full complement of source bars is present, so a trailing
// partial window never produces a bar. Within a window: open is the first
// source open, close the last source close, high/low the extrema, volume the
// sum.
func ComputeDerivedBars(bars []model.Bar, native, derived time.Duration, derivedInterval model.Interval) []model.Bar {
	if native <= 0 || derived <= 0 || derived%native != 0 {
		return nil
	}
	groupSize := int(derived / native)
	if groupSize < 1 || len(bars) == 0 {
		return nil
	}

	var out []model.Bar
	var window []model.Bar
	var windowStart time.Time

	flush := func() {
		if len(window) != groupSize {
			window = nil
			return
		}
		agg := model.Bar{
			Symbol:    window[0].Symbol,
			Interval:  derivedInterval,
			Timestamp: windowStart,
			Open:      window[0].Open,
			High:      window[0].High,
			Low:       window[0].Low,
			Close:     window[len(window)-1].Close,
		}
		for _, b := range window {
			if b.High > agg.High {
				agg.High = b.High
			}
			if b.Low < agg.Low {
				agg.Low = b.Low
			}
			agg.Volume += b.Volume
		}
		out = append(out, agg)
		window = nil
	}

	for _, b := range bars {
		ws := b.Timestamp.UTC().Truncate(derived)
		if len(window) == 0 || !ws.Equal(windowStart) {
			flush()
			windowStart = ws
		}
		window = append(window, b)
	}
	flush()

	return out
}
