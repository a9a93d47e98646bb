package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"services/session-engine/internal/config"
	"services/session-engine/internal/model"

	"go.uber.org/zap"
)

// SessionCoordinator is the single authority for engine time and for
// chronological data delivery into the session store. One session run is:
// historical refresh, historical derived-bar computation, queue load,
// activation, the streaming loop, end-of-session roll. In event-time mode
// (pacing multiplier 0) the clock advances to the next data timestamp and
// the coordinator blocks on the downstream subscription after every batch,
// guaranteeing at most one unacknowledged batch in flight. In paced and live
// mode the clock advances by fixed ticks and no stage blocks on another.
type SessionCoordinator struct {
	store      *SessionStore
	clock      *SessionClock
	hours      *MarketHoursProvider
	sources    []HistoricalSource
	prefetch   *PrefetchService
	downstream *StreamSubscription
	events     EventPublisher
	cfg        config.SessionConfig
	logger     *zap.Logger

	native     model.Interval
	nativeDur  time.Duration
	derived    []model.Interval
	derivedDur map[model.Interval]time.Duration

	queues   *QueueSet
	barsSeen map[string]int
	endDate  string
	terminal atomic.Bool

	stopCh chan struct{}
}

// NewSessionCoordinator creates the coordinator and positions the store and
// clock on the configured start date. Interval and date configuration errors
// abort startup.
func NewSessionCoordinator(
	store *SessionStore,
	clock *SessionClock,
	hours *MarketHoursProvider,
	sources []HistoricalSource,
	downstream *StreamSubscription,
	events EventPublisher,
	cfg config.SessionConfig,
	logger *zap.Logger,
) (*SessionCoordinator, error) {
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
		derived = append(derived, iv)
		derivedDur[iv] = d
	}

	start, err := hours.ParseDate(cfg.ExchangeGroup, cfg.AssetClass, cfg.StartDate)
	if err != nil {
		return nil, fmt.Errorf("invalid session start date: %w", err)
	}

	if cfg.EndDate != "" {
		if _, err := hours.ParseDate(cfg.ExchangeGroup, cfg.AssetClass, cfg.EndDate); err != nil {
			return nil, fmt.Errorf("invalid session end date: %w", err)
		}
	}

	r := &SessionCoordinator{
		store:      store,
		clock:      clock,
		hours:      hours,
		sources:    sources,
		downstream: downstream,
		events:     events,
		cfg:        cfg,
		logger:     logger,
		native:     native,
		nativeDur:  nativeDur,
		derived:    derived,
		derivedDur: derivedDur,
		queues:     NewQueueSet(),
		barsSeen:   make(map[string]int),
		endDate:    cfg.EndDate,
		stopCh:     make(chan struct{}),
	}
	store.SetDate(start)
	return r, nil
}

// SetPrefetch wires the prefetch service; the coordinator adopts its cache
// at session start when one is ready.
func (r *SessionCoordinator) SetPrefetch(p *PrefetchService) {
	r.prefetch = p
}

// Downstream exposes the consumer-facing subscription edge
func (r *SessionCoordinator) Downstream() *StreamSubscription {
	return r.downstream
}

// Terminal reports whether the run has no sessions left
func (r *SessionCoordinator) Terminal() bool {
	return r.terminal.Load()
}

// Stop signals every coordinator loop to wind down at the next iteration
// boundary. Batches in flight are never interrupted mid-write.
func (r *SessionCoordinator) Stop() {
	close(r.stopCh)
}

// Push feeds one live bar into the coordinator's queues
func (r *SessionCoordinator) Push(bar model.Bar) {
	r.queues.Push(bar)
}

// Run executes sessions until the run is terminal, the context is cancelled
// or Stop is called.
func (r *SessionCoordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if r.Terminal() || ctx.Err() != nil {
			return nil
		}

		if err := r.RunSession(ctx); err != nil {
			return err
		}

		if r.cfg.Mode == "backtest" {
			if err := r.RollToNext(ctx); err != nil {
				return err
			}
			continue
		}

		// Live mode: the boundary machine owns the roll. Wait for it, or
		// finish if auto-roll is off.
		if !r.cfg.AutoRoll {
			r.terminal.Store(true)
			continue
		}
		r.waitForRoll(ctx)
	}
}

// RunSession executes one full trading session against the store's current
// date. An unrecoverable whole-session historical load is fatal and aborts
// the run; per-symbol failures only exclude that symbol.
func (r *SessionCoordinator) RunSession(ctx context.Context) error {
	date := r.store.Date()
	hrs, err := r.hours.HoursFor(r.cfg.ExchangeGroup, r.cfg.AssetClass, date)
	if err != nil {
		return fmt.Errorf("resolve market hours: %w", err)
	}

	hist, err := r.historicalRefresh(ctx, date)
	if err != nil {
		return fmt.Errorf("historical refresh: %w", err)
	}
	for symbol, bars := range hist {
		r.store.LoadHistorical(symbol, r.native, bars)
	}
	r.computeHistoricalDerived()

	if r.cfg.Mode == "backtest" {
		r.loadQueues(ctx, hrs)
	}

	r.clock.AdvanceTo(hrs.Open)
	r.store.SetSessionStart(hrs.Open)
	r.store.SetActive(true)

	r.logger.Info("Session started",
		zap.String("date", date.Format("2006-01-02")),
		zap.Time("open", hrs.Open),
		zap.Time("close", hrs.Close),
		zap.Int("symbols", len(hist)))

	started := time.Now()
	if r.cfg.PacingMultiplier == 0 && r.cfg.Mode == "backtest" {
		err = r.streamEventTime(ctx, hrs)
	} else {
		err = r.streamPaced(ctx, hrs)
	}
	if err != nil {
		return err
	}

	r.endSession(ctx, date, time.Since(started))
	return nil
}

// historicalRefresh loads the trailing historical window for every
// configured symbol, adopting a prefetched load when one is ready. Failing
// every symbol is fatal; failing one excludes it from the session.
func (r *SessionCoordinator) historicalRefresh(ctx context.Context, date time.Time) (map[string][]model.Bar, error) {
	if r.prefetch != nil {
		if bars, ok := r.prefetch.Adopt(date); ok {
			r.logger.Info("Adopted prefetched session data",
				zap.String("date", date.Format("2006-01-02")),
				zap.Int("symbols", len(bars)))
			return bars, nil
		}
	}
	return r.LoadHistorical(ctx, date)
}

// LoadHistorical performs the synchronous historical load for a trading
// date. It is also the loader the prefetch service runs ahead of the open.
func (r *SessionCoordinator) LoadHistorical(ctx context.Context, date time.Time) (map[string][]model.Bar, error) {
	hrs, err := r.hours.HoursFor(r.cfg.ExchangeGroup, r.cfg.AssetClass, date)
	if err != nil {
		return nil, err
	}

	start := hrs.Open.AddDate(0, 0, -r.cfg.TrailingHistoryDays)
	out := make(map[string][]model.Bar, len(r.cfg.Symbols))
	for _, symbol := range r.cfg.Symbols {
		bars, source, err := queryAny(ctx, r.sources, symbol, r.native, start, hrs.Open)
		if err != nil {
			r.logger.Warn("Excluding symbol after historical load failure",
				zap.Error(err),
				zap.String("symbol", symbol))
			continue
		}
		r.logger.Debug("Loaded historical window",
			zap.String("symbol", symbol),
			zap.String("source", source),
			zap.Int("bars", len(bars)))
		out[symbol] = bars
	}

	if len(out) == 0 && len(r.cfg.Symbols) > 0 {
		return nil, fmt.Errorf("historical load failed for all %d symbols", len(r.cfg.Symbols))
	}
	return out, nil
}

// computeHistoricalDerived rebuilds derived intervals over each symbol's
// historical window before streaming starts, so indicators spanning the open
// have a complete basis.
func (r *SessionCoordinator) computeHistoricalDerived() {
	for _, symbol := range r.store.Symbols() {
		bars := r.store.Historical(symbol, r.native)
		if len(bars) == 0 {
			continue
		}
		for _, iv := range r.derived {
			derived := ComputeDerivedBars(bars, r.nativeDur, r.derivedDur[iv], iv)
			r.store.LoadHistorical(symbol, iv, derived)
		}
	}
}

// loadQueues fills the per-symbol queues with the session's bars. Per-symbol
// failures are logged and leave that symbol's queue empty.
func (r *SessionCoordinator) loadQueues(ctx context.Context, hrs SessionHours) {
	for _, symbol := range r.cfg.Symbols {
		bars, _, err := queryAny(ctx, r.sources, symbol, r.native, hrs.Open, hrs.Close.Add(r.nativeDur))
		if err != nil {
			r.logger.Warn("Excluding symbol after queue load failure",
				zap.Error(err),
				zap.String("symbol", symbol))
			continue
		}
		r.queues.Load(symbol, bars)
	}
}

// streamEventTime is the data-driven loop: the clock advances to the minimum
// timestamp across active queues, every item sharing that timestamp is
// consumed and written as one batch, and the coordinator blocks on the
// downstream subscription before pulling again. When the queues drain or the
// next timestamp passes the close, the clock jumps to the close and the loop
// ends. Lag monitoring is disabled here by construction; it is meaningless
// while the producer blocks.
func (r *SessionCoordinator) streamEventTime(ctx context.Context, hrs SessionHours) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ts, ok := r.queues.NextTimestamp()
		if !ok || ts.After(hrs.Close) {
			r.clock.AdvanceTo(hrs.Close)
			return nil
		}

		r.clock.AdvanceTo(ts)
		wrote := 0
		for _, bar := range r.queues.PopDue(ts) {
			if err := r.store.AppendBar(bar); err != nil {
				r.logger.Error("Dropping bar on append failure",
					zap.Error(err),
					zap.String("symbol", bar.Symbol),
					zap.Time("timestamp", bar.Timestamp))
				continue
			}
			wrote++
		}

		if wrote > 0 {
			if !r.downstream.WaitUntilReady(ctx) {
				return nil
			}
			r.downstream.Reset()
		}
	}
}

// streamPaced is the clock-driven loop: the clock advances by a fixed tick
// regardless of queue contents, due items are consumed, and a real-time
// delay of tick divided by the pacing multiplier separates iterations. The
// coordinator never blocks on the consumer here; lag is surfaced through the
// per-symbol active flag instead.
func (r *SessionCoordinator) streamPaced(ctx context.Context, hrs SessionHours) error {
	tick := r.cfg.ClockTick
	if tick <= 0 {
		tick = time.Second
	}

	live := r.cfg.Mode == "live"
	delay := tick
	if !live && r.cfg.PacingMultiplier > 0 {
		delay = time.Duration(float64(tick) / r.cfg.PacingMultiplier)
	}

	// The timer only runs between iterations; started here it could fire
	// during the first batch and a Reset on a fired timer leaves a stale
	// value in its channel, skipping one delay.
	timer := time.NewTimer(delay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		var now time.Time
		if live {
			r.clock.AdvanceTo(time.Now().UTC())
			now = r.clock.Now()
		} else {
			now = r.clock.Advance(tick)
		}
		if now.After(hrs.Close) {
			r.clock.AdvanceTo(hrs.Close)
			return nil
		}

		for _, bar := range r.queues.PopThrough(now) {
			if err := r.store.AppendBar(bar); err != nil {
				r.logger.Error("Dropping bar on append failure",
					zap.Error(err),
					zap.String("symbol", bar.Symbol),
					zap.Time("timestamp", bar.Timestamp))
				continue
			}
			r.checkLag(ctx, bar)
		}

		timer.Reset(delay)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// checkLag samples every Nth bar per symbol and parks symbols whose most
// recent processed bar is older than the lag threshold, reactivating them
// once they catch up. Only the paced and live loops call this.
func (r *SessionCoordinator) checkLag(ctx context.Context, bar model.Bar) {
	every := r.cfg.LagCheckEvery
	if every <= 0 || r.cfg.LagThreshold <= 0 {
		return
	}

	r.barsSeen[bar.Symbol]++
	if r.barsSeen[bar.Symbol]%every != 0 {
		return
	}

	age := time.Since(bar.Timestamp)
	active := r.store.SymbolActive(bar.Symbol)
	switch {
	case age > r.cfg.LagThreshold && active:
		r.store.SetSymbolActive(bar.Symbol, false)
		r.logger.Warn("Symbol lagging, deactivated for consumers",
			zap.String("symbol", bar.Symbol),
			zap.Duration("age", age))
		publishEvent(ctx, r.events, EventSymbolDeactivated, map[string]interface{}{
			"symbol": bar.Symbol,
			"age":    age.String(),
		})
	case age <= r.cfg.LagThreshold && !active:
		r.store.SetSymbolActive(bar.Symbol, true)
		r.logger.Info("Symbol caught up, reactivated",
			zap.String("symbol", bar.Symbol))
		publishEvent(ctx, r.events, EventSymbolReactivated, map[string]interface{}{
			"symbol": bar.Symbol,
		})
	}
}

// endSession deactivates the store and records the session duration. The
// roll itself happens in RollToNext (backtest) or through the boundary
// machine (live).
func (r *SessionCoordinator) endSession(ctx context.Context, date time.Time, took time.Duration) {
	r.store.SetActive(false)
	r.barsSeen = make(map[string]int)

	r.logger.Info("Session ended",
		zap.String("date", date.Format("2006-01-02")),
		zap.Duration("duration", took),
		zap.Int("pending", r.queues.Remaining()))

	publishEvent(ctx, r.events, EventSessionEnded, map[string]interface{}{
		"date":     date.Format("2006-01-02"),
		"duration": took.String(),
	})
}

// RollToNext clears intraday data, advances the store to the next trading
// date and, in backtest mode, jumps the clock to its open. When no trading
// date remains before the configured end the run is marked terminal. Also
// used as the boundary machine's roll hook in live mode.
func (r *SessionCoordinator) RollToNext(ctx context.Context) error {
	date := r.store.Date()
	next, ok := r.hours.NextTradingDate(r.cfg.ExchangeGroup, r.cfg.AssetClass, date)
	if !ok || (r.endDate != "" && next.Format("2006-01-02") > r.endDate) {
		r.terminal.Store(true)
		r.logger.Info("No trading dates remain, run is terminal",
			zap.String("last", date.Format("2006-01-02")))
		return nil
	}

	r.store.Roll(next)

	hrs, err := r.hours.HoursFor(r.cfg.ExchangeGroup, r.cfg.AssetClass, next)
	if err != nil {
		return err
	}
	if r.cfg.Mode == "backtest" {
		r.clock.AdvanceTo(hrs.Open)
	}

	publishEvent(ctx, r.events, EventSessionRolled, map[string]interface{}{
		"date": next.Format("2006-01-02"),
	})
	return nil
}

// waitForRoll blocks until the boundary machine advances the store date
func (r *SessionCoordinator) waitForRoll(ctx context.Context) {
	date := r.store.Date()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.Terminal() || !r.store.Date().Equal(date) {
				return
			}
		}
	}
}
