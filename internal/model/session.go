package model

// SessionState represents the lifecycle state of a trading session. It is
// owned by the boundary service; the session store only exposes an active
// flag.
type SessionState string

// Session lifecycle states
const (
	StateNotStarted SessionState = "NOT_STARTED"
	StatePreMarket  SessionState = "PRE_MARKET"
	StateActive     SessionState = "ACTIVE"
	StatePostMarket SessionState = "POST_MARKET"
	StateEnded      SessionState = "ENDED"
	StateTimeout    SessionState = "TIMEOUT"
	StateError      SessionState = "ERROR"
)

// SessionStatus is the operator-visible snapshot of a running session
type SessionStatus struct {
	State    SessionState   `json:"state"`
	Active   bool           `json:"active"`
	Date     string         `json:"date"`
	Clock    string         `json:"clock"`
	Symbols  []SymbolStatus `json:"symbols"`
	Terminal bool           `json:"terminal"`
}

// SymbolStatus reports per-symbol health for consumers and operators
type SymbolStatus struct {
	Symbol   string  `json:"symbol"`
	Active   bool    `json:"active"`
	Quality  float64 `json:"quality"`
	BarCount int     `json:"bar_count"`
	Latest   string  `json:"latest,omitempty"`
}
