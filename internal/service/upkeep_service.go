package service

import (
	"context"
	"fmt"
	"time"

	"services/session-engine/internal/config"
	"services/session-engine/internal/model"

	"go.uber.org/zap"
)

// UpkeepService keeps the session store complete independently of the
// coordinator's pacing: it detects gaps in each active symbol's native
// series, refills them from the historical sources with a bounded retry
// budget, recomputes quality scores, and recomputes derived intervals for
// symbols whose series changed.
type UpkeepService struct {
	store   *SessionStore
	clock   *SessionClock
	sources []HistoricalSource
	events  EventPublisher
	cfg     config.SessionConfig
	logger  *zap.Logger

	native     model.Interval
	nativeDur  time.Duration
	derived    []model.Interval
	derivedDur map[model.Interval]time.Duration

	retries   map[string]int
	abandoned map[string]struct{}
	date      time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewUpkeepService creates the upkeep loop. Interval configuration is
// validated here; an invalid interval is a configuration error.
func NewUpkeepService(
	store *SessionStore,
	clock *SessionClock,
	sources []HistoricalSource,
	events EventPublisher,
	cfg config.SessionConfig,
	logger *zap.Logger,
) (*UpkeepService, error) {
	native, err := model.ParseInterval(cfg.NativeInterval)
	if err != nil {
		return nil, err
	}
	nativeDur, err := native.Duration()
	if err != nil {
		return nil, err
	}

	derivedDur := make(map[model.Interval]time.Duration)
	derived := make([]model.Interval, 0, len(cfg.DerivedIntervals))
	for _, s := range cfg.DerivedIntervals {
		iv, err := model.ParseInterval(s)
		if err != nil {
			return nil, err
		}
		d, err := iv.Duration()
		if err != nil {
			return nil, err
		}
		if d <= nativeDur || d%nativeDur != 0 {
			return nil, fmt.Errorf("derived interval %s is not a multiple of native interval %s", iv, native)
		}
		derived = append(derived, iv)
		derivedDur[iv] = d
	}

	return &UpkeepService{
		store:      store,
		clock:      clock,
		sources:    sources,
		events:     events,
		cfg:        cfg,
		logger:     logger,
		native:     native,
		nativeDur:  nativeDur,
		derived:    derived,
		derivedDur: derivedDur,
		retries:    make(map[string]int),
		abandoned:  make(map[string]struct{}),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start launches the upkeep loop
func (u *UpkeepService) Start() {
	go u.run()
}

// Stop signals the loop and waits for it to finish its current cycle
func (u *UpkeepService) Stop() {
	close(u.stopCh)
	<-u.doneCh
}

// run is the fixed-interval loop. Its exit condition depends only on the
// service's own stop signal, never on another component's running state.
func (u *UpkeepService) run() {
	defer close(u.doneCh)

	interval := u.cfg.UpkeepInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-u.stopCh:
			return
		case <-ticker.C:
			u.runCycle(context.Background())
		}
	}
}

// runCycle performs one full upkeep pass over every symbol in the store
func (u *UpkeepService) runCycle(ctx context.Context) {
	// Retry bookkeeping is scoped to one trading date; a roll clears the
	// intraday series its keys refer to.
	if d := u.store.Date(); !d.Equal(u.date) {
		u.date = d
		u.retries = make(map[string]int)
		u.abandoned = make(map[string]struct{})
	}

	if !u.store.IsActive() {
		return
	}

	start := u.store.SessionStart()
	now := u.clock.Now()
	if start.IsZero() || !start.Before(now) {
		return
	}

	for _, symbol := range u.store.Symbols() {
		u.repairSymbol(ctx, symbol, start, now)
	}

	for _, symbol := range u.store.UpdatedSymbols() {
		u.recomputeDerived(symbol)
		u.store.ClearUpdated(symbol)
	}
}

// repairSymbol detects and refills gaps for one symbol, then refreshes its
// quality score. Gap-fill failures never raise; they consume retry budget and
// leave the quality score below 100.
func (u *UpkeepService) repairSymbol(ctx context.Context, symbol string, start, now time.Time) {
	bars := u.store.Bars(symbol, u.native)
	gaps := DetectGaps(symbol, bars, u.nativeDur, start, now)

	filled := 0
	for _, gap := range gaps {
		key := gapKey(gap)
		if _, ok := u.abandoned[key]; ok {
			continue
		}
		if u.retries[key] >= u.cfg.GapRetryCeiling {
			u.abandoned[key] = struct{}{}
			u.logger.Warn("Abandoning gap after retry ceiling",
				zap.String("symbol", symbol),
				zap.Time("start", gap.Start),
				zap.Time("end", gap.End),
				zap.Int("missing", gap.MissingCount),
				zap.Int("retries", u.retries[key]))
			continue
		}

		// The query range end is exclusive, so extend one interval past the
		// last missing timestamp.
		fetched, source, err := queryAny(ctx, u.sources, symbol, u.native, gap.Start, gap.End.Add(u.nativeDur))
		if err != nil {
			u.retries[key]++
			u.logger.Warn("Gap fill query failed",
				zap.Error(err),
				zap.String("symbol", symbol),
				zap.Time("start", gap.Start),
				zap.Int("retry", u.retries[key]))
			continue
		}

		inserted := u.store.MergeBars(symbol, u.native, fetched)
		filled += inserted
		if inserted < gap.MissingCount {
			// Zero or partial results mean not yet available upstream.
			u.retries[key]++
			u.logger.Debug("Gap partially filled",
				zap.String("symbol", symbol),
				zap.String("source", source),
				zap.Int("inserted", inserted),
				zap.Int("missing", gap.MissingCount),
				zap.Int("retry", u.retries[key]))
		} else {
			delete(u.retries, key)
		}
	}

	expected := ExpectedBarCount(u.nativeDur, start, now)
	present := len(u.store.Bars(symbol, u.native))
	quality := QualityScore(present, expected)
	previous := u.store.Quality(symbol)
	u.store.SetQuality(symbol, quality)

	if quality < previous {
		publishEvent(ctx, u.events, EventQualityDegraded, map[string]interface{}{
			"symbol":  symbol,
			"quality": quality,
		})
	}

	if filled > 0 {
		u.logger.Info("Filled gaps",
			zap.String("symbol", symbol),
			zap.Int("bars", filled),
			zap.Float64("quality", quality))
	}
}

// recomputeDerived rebuilds every configured derived interval from the
// symbol's native bars.
func (u *UpkeepService) recomputeDerived(symbol string) {
	bars := u.store.Bars(symbol, u.native)
	for _, iv := range u.derived {
		derived := ComputeDerivedBars(bars, u.nativeDur, u.derivedDur[iv], iv)
		u.store.SetDerivedBars(symbol, iv, derived)
	}
}

func gapKey(gap model.Gap) string {
	return gap.Symbol + "/" + gap.Start.UTC().Format(time.RFC3339)
}
