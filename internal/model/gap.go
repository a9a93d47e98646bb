package model

import "time"

// Gap describes a run of missing expected bars in an otherwise regular
// series. Gaps are derived on every upkeep cycle and never persisted.
type Gap struct {
	Symbol       string    `json:"symbol"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	MissingCount int       `json:"missing_count"`
	RetryCount   int       `json:"retry_count"`
}
