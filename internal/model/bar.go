package model

import (
	"fmt"
	"time"
)

// Interval identifies a bar interval ("1m", "5m", "1h", ...)
type Interval string

// Supported bar intervals
const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval4h:  4 * time.Hour,
	Interval1d:  24 * time.Hour,
}

// Duration returns the wall duration covered by one bar of this interval
func (i Interval) Duration() (time.Duration, error) {
	d, ok := intervalDurations[i]
	if !ok {
		return 0, fmt.Errorf("invalid interval: %s", i)
	}
	return d, nil
}

// ParseInterval validates an interval string
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if _, ok := intervalDurations[iv]; !ok {
		return "", fmt.Errorf("invalid interval: %s", s)
	}
	return iv, nil
}

// Bar represents one OHLCV bar. Timestamps are always UTC; conversion to the
// exchange timezone happens only at I/O boundaries.
type Bar struct {
	Symbol    string    `json:"symbol" db:"symbol"`
	Interval  Interval  `json:"interval" db:"interval"`
	Timestamp time.Time `json:"timestamp" db:"bar_time"`
	Open      float64   `json:"open" db:"open"`
	High      float64   `json:"high" db:"high"`
	Low       float64   `json:"low" db:"low"`
	Close     float64   `json:"close" db:"close"`
	Volume    float64   `json:"volume" db:"volume"`
}
