package service

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"services/session-engine/internal/model"

	"go.uber.org/zap"
)

// ErrNonMonotonic is returned when an append would break the strictly
// increasing timestamp invariant of a symbol+interval sequence.
var ErrNonMonotonic = errors.New("bar timestamp is not after the latest bar")

// SymbolLock blocks removal of a symbol while a dependency holds it
type SymbolLock struct {
	Held   bool   `json:"held"`
	Reason string `json:"reason,omitempty"`
}

// symbolSeries holds all per-symbol state. It is owned exclusively by the
// SessionStore and only touched under the store mutex.
type symbolSeries struct {
	symbol     string
	bars       map[model.Interval][]model.Bar
	latest     map[model.Interval]model.Bar
	historical map[model.Interval][]model.Bar
	quality    float64
	lock       SymbolLock
	updated    bool
	active     bool
}

// SessionStore is the single thread-safe in-memory time-series store shared
// by the coordinator, upkeep, boundary and prefetch loops. All mutations and
// multi-field reads are serialized by one store-scoped mutex; operations are
// short, so a coarse lock is sufficient.
type SessionStore struct {
	mu           sync.Mutex
	series       map[string]*symbolSeries
	active       bool
	date         time.Time
	sessionStart time.Time
	lastDataAt   time.Time
	maxBars      int
	logger       *zap.Logger
}

// NewSessionStore creates a new session store
func NewSessionStore(maxBars int, logger *zap.Logger) *SessionStore {
	if maxBars <= 0 {
		maxBars = 10000
	}
	return &SessionStore{
		series:  make(map[string]*symbolSeries),
		maxBars: maxBars,
		logger:  logger,
	}
}

func (s *SessionStore) ensureSeries(symbol string) *symbolSeries {
	ss, ok := s.series[symbol]
	if !ok {
		ss = &symbolSeries{
			symbol:     symbol,
			bars:       make(map[model.Interval][]model.Bar),
			latest:     make(map[model.Interval]model.Bar),
			historical: make(map[model.Interval][]model.Bar),
			active:     true,
		}
		s.series[symbol] = ss
	}
	return ss
}

// AppendBar appends one bar to the symbol's intraday series. Timestamps must
// strictly increase within a symbol+interval sequence; a violation is a
// programming error and returns ErrNonMonotonic.
func (s *SessionStore) AppendBar(bar model.Bar) error {
	if bar.Symbol == "" {
		return errors.New("bar has no symbol")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ss := s.ensureSeries(bar.Symbol)
	if last, ok := ss.latest[bar.Interval]; ok && !bar.Timestamp.After(last.Timestamp) {
		return fmt.Errorf("%w: %s %s at %s", ErrNonMonotonic, bar.Symbol, bar.Interval, bar.Timestamp.UTC())
	}

	seq := append(ss.bars[bar.Interval], bar)
	if len(seq) > s.maxBars {
		seq = seq[len(seq)-s.maxBars:]
	}
	ss.bars[bar.Interval] = seq
	ss.latest[bar.Interval] = bar
	ss.updated = true
	s.lastDataAt = time.Now().UTC()

	return nil
}

// MergeBars inserts bars into the symbol's intraday series keeping timestamp
// order, skipping timestamps already present. Used by gap filling, where bars
// land in the middle of the sequence. Returns the number of bars inserted.
func (s *SessionStore) MergeBars(symbol string, interval model.Interval, bars []model.Bar) int {
	if len(bars) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ss := s.ensureSeries(symbol)
	seq := ss.bars[interval]
	present := make(map[int64]struct{}, len(seq))
	for _, b := range seq {
		present[b.Timestamp.Unix()] = struct{}{}
	}

	inserted := 0
	for _, b := range bars {
		if _, ok := present[b.Timestamp.Unix()]; ok {
			continue
		}
		seq = append(seq, b)
		present[b.Timestamp.Unix()] = struct{}{}
		inserted++
	}
	if inserted == 0 {
		return 0
	}

	sort.Slice(seq, func(i, j int) bool { return seq[i].Timestamp.Before(seq[j].Timestamp) })
	if len(seq) > s.maxBars {
		seq = seq[len(seq)-s.maxBars:]
	}
	ss.bars[interval] = seq
	ss.latest[interval] = seq[len(seq)-1]
	ss.updated = true

	return inserted
}

// Latest returns the most recent bar for symbol+interval in O(1)
func (s *SessionStore) Latest(symbol string, interval model.Interval) (model.Bar, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.series[symbol]
	if !ok {
		return model.Bar{}, false
	}
	bar, ok := ss.latest[interval]
	return bar, ok
}

// LastN returns the n most recent bars ascending by timestamp
func (s *SessionStore) LastN(symbol string, interval model.Interval, n int) []model.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.series[symbol]
	if !ok || n <= 0 {
		return nil
	}
	seq := ss.bars[interval]
	if len(seq) > n {
		seq = seq[len(seq)-n:]
	}
	out := make([]model.Bar, len(seq))
	copy(out, seq)
	return out
}

// Since returns all bars with timestamps at or after t, ascending
func (s *SessionStore) Since(symbol string, interval model.Interval, t time.Time) []model.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.series[symbol]
	if !ok {
		return nil
	}
	seq := ss.bars[interval]
	i := sort.Search(len(seq), func(i int) bool { return !seq[i].Timestamp.Before(t) })
	out := make([]model.Bar, len(seq)-i)
	copy(out, seq[i:])
	return out
}

// Bars returns a copy of the full intraday sequence for symbol+interval
func (s *SessionStore) Bars(symbol string, interval model.Interval) []model.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.series[symbol]
	if !ok {
		return nil
	}
	seq := ss.bars[interval]
	out := make([]model.Bar, len(seq))
	copy(out, seq)
	return out
}

// LoadHistorical bulk-loads the trailing historical window for one symbol.
// Called once per roll; per-symbol load failures are handled by the caller.
func (s *SessionStore) LoadHistorical(symbol string, interval model.Interval, bars []model.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss := s.ensureSeries(symbol)
	window := make([]model.Bar, len(bars))
	copy(window, bars)
	ss.historical[interval] = window
}

// Historical returns a copy of the trailing historical window
func (s *SessionStore) Historical(symbol string, interval model.Interval) []model.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.series[symbol]
	if !ok {
		return nil
	}
	window := ss.historical[interval]
	out := make([]model.Bar, len(window))
	copy(out, window)
	return out
}

// SetDerivedBars replaces the derived series for symbol+interval wholesale.
// The upkeep loop recomputes derived intervals from native bars each cycle.
func (s *SessionStore) SetDerivedBars(symbol string, interval model.Interval, bars []model.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss := s.ensureSeries(symbol)
	seq := make([]model.Bar, len(bars))
	copy(seq, bars)
	ss.bars[interval] = seq
	if len(seq) > 0 {
		ss.latest[interval] = seq[len(seq)-1]
	} else {
		delete(ss.latest, interval)
	}
}

// Roll transitions the store to a new trading date: intraday bars are
// cleared, the historical window is kept, the date advances. Idempotent per
// date.
func (s *SessionStore) Roll(date time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	date = date.UTC()
	if s.date.Equal(date) {
		return
	}

	for _, ss := range s.series {
		ss.bars = make(map[model.Interval][]model.Bar)
		ss.latest = make(map[model.Interval]model.Bar)
		ss.quality = 0
		ss.updated = false
		ss.active = true
	}
	s.date = date
	s.active = false

	s.logger.Info("Session store rolled", zap.Time("date", date))
}

// Lock marks a symbol as held by a dependency, blocking removal. Returns
// false if the symbol is unknown.
func (s *SessionStore) Lock(symbol, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.series[symbol]
	if !ok {
		return false
	}
	ss.lock = SymbolLock{Held: true, Reason: reason}
	return true
}

// Unlock releases a symbol lock
func (s *SessionStore) Unlock(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ss, ok := s.series[symbol]; ok {
		ss.lock = SymbolLock{}
	}
}

// Remove evicts a symbol from the store. Returns false, without error, if
// the symbol is locked by an open dependency or unknown.
func (s *SessionStore) Remove(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.series[symbol]
	if !ok {
		return false
	}
	if ss.lock.Held {
		s.logger.Warn("Refusing to remove locked symbol",
			zap.String("symbol", symbol),
			zap.String("reason", ss.lock.Reason))
		return false
	}
	delete(s.series, symbol)
	return true
}

// SetActive flips the store-wide active flag
func (s *SessionStore) SetActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
}

// IsActive reports whether the session is currently active
func (s *SessionStore) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetSessionStart records the session open used for quality accounting
func (s *SessionStore) SetSessionStart(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionStart = t.UTC()
}

// SessionStart returns the recorded session open
func (s *SessionStore) SessionStart() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionStart
}

// Date returns the current trading date of the store
func (s *SessionStore) Date() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.date
}

// SetDate sets the trading date without clearing series (initial setup)
func (s *SessionStore) SetDate(date time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.date = date.UTC()
}

// LastDataAt returns the wall-clock time of the most recent append
func (s *SessionStore) LastDataAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDataAt
}

// SetSymbolActive marks a symbol active or inactive for consumers. Lag
// monitoring uses this to park symbols that fell behind.
func (s *SessionStore) SetSymbolActive(symbol string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ss, ok := s.series[symbol]; ok {
		ss.active = active
	}
}

// SymbolActive reports the per-symbol active flag
func (s *SessionStore) SymbolActive(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.series[symbol]
	return ok && ss.active
}

// SetQuality records the quality score for a symbol (0-100)
func (s *SessionStore) SetQuality(symbol string, quality float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ss, ok := s.series[symbol]; ok {
		ss.quality = quality
	}
}

// Quality returns the quality score for a symbol
func (s *SessionStore) Quality(symbol string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.series[symbol]
	if !ok {
		return 0
	}
	return ss.quality
}

// UpdatedSymbols returns symbols whose series changed since the upkeep loop
// last recomputed their derived bars.
func (s *SessionStore) UpdatedSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for sym, ss := range s.series {
		if ss.updated {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// ClearUpdated clears the updated flag after derived bars were recomputed
func (s *SessionStore) ClearUpdated(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ss, ok := s.series[symbol]; ok {
		ss.updated = false
	}
}

// Symbols returns all symbols known to the store, sorted
func (s *SessionStore) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.series))
	for sym := range s.series {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Status builds the operator-visible snapshot of the store
func (s *SessionStore) Status(nativeInterval model.Interval) []model.SymbolStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.SymbolStatus, 0, len(s.series))
	for sym, ss := range s.series {
		st := model.SymbolStatus{
			Symbol:   sym,
			Active:   ss.active,
			Quality:  ss.quality,
			BarCount: len(ss.bars[nativeInterval]),
		}
		if latest, ok := ss.latest[nativeInterval]; ok {
			st.Latest = latest.Timestamp.UTC().Format(time.RFC3339)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
