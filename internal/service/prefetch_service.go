package service

import (
	"context"
	"sync"
	"time"

	"services/session-engine/internal/config"
	"services/session-engine/internal/model"

	"go.uber.org/zap"
)

// HistoricalLoadFunc performs the full historical load for one trading date,
// returning native bars per symbol. The coordinator supplies its own loader
// so prefetched and synchronous loads are byte-for-byte the same work.
type HistoricalLoadFunc func(ctx context.Context, date time.Time) (map[string][]model.Bar, error)

type prefetchEntry struct {
	bars    map[string][]model.Bar
	loaded  time.Time
	loading bool
}

// PrefetchService warms the next session's historical window while the
// market is closed. Within the lead window before the next open it runs the
// coordinator's historical load asynchronously and caches the result by
// date; at session start the coordinator adopts the cache if it is ready and
// loads synchronously otherwise.
type PrefetchService struct {
	store  *SessionStore
	hours  *MarketHoursProvider
	loader HistoricalLoadFunc
	cfg    config.SessionConfig
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]*prefetchEntry

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPrefetchService creates the prefetch loop
func NewPrefetchService(
	store *SessionStore,
	hours *MarketHoursProvider,
	loader HistoricalLoadFunc,
	cfg config.SessionConfig,
	logger *zap.Logger,
) *PrefetchService {
	return &PrefetchService{
		store:  store,
		hours:  hours,
		loader: loader,
		cfg:    cfg,
		logger: logger,
		cache:  make(map[string]*prefetchEntry),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the prefetch loop
func (p *PrefetchService) Start() {
	go p.run()
}

// Stop signals the loop and waits for it to exit
func (p *PrefetchService) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

// run checks once a minute whether the lead window before the next open has
// been entered. The loop exits only on its own stop signal.
func (p *PrefetchService) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.maybePrefetch(context.Background())
		}
	}
}

// maybePrefetch starts an async load when outside market hours and within
// the configured lead window before the next session open.
func (p *PrefetchService) maybePrefetch(ctx context.Context) {
	if p.store.IsActive() {
		return
	}

	now := time.Now().UTC()
	next, ok := p.hours.NextTradingDate(p.cfg.ExchangeGroup, p.cfg.AssetClass, now)
	if !ok {
		return
	}
	hrs, err := p.hours.HoursFor(p.cfg.ExchangeGroup, p.cfg.AssetClass, next)
	if err != nil {
		p.logger.Warn("Prefetch could not resolve market hours", zap.Error(err))
		return
	}

	lead := p.cfg.PrefetchLead
	if lead <= 0 {
		lead = 60 * time.Minute
	}
	if now.Before(hrs.Open.Add(-lead)) {
		return
	}

	key := dateKey(next)
	p.mu.Lock()
	entry, exists := p.cache[key]
	if exists && (entry.loading || entry.bars != nil) {
		p.mu.Unlock()
		return
	}
	p.cache[key] = &prefetchEntry{loading: true}
	p.mu.Unlock()

	go p.load(ctx, next, key)
}

func (p *PrefetchService) load(ctx context.Context, date time.Time, key string) {
	started := time.Now()
	bars, err := p.loader(ctx, date)
	if err != nil {
		p.logger.Warn("Prefetch load failed, session will load synchronously",
			zap.Error(err),
			zap.String("date", key))
		p.mu.Lock()
		delete(p.cache, key)
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.cache[key] = &prefetchEntry{bars: bars, loaded: time.Now().UTC()}
	p.mu.Unlock()

	p.logger.Info("Prefetched session data",
		zap.String("date", key),
		zap.Int("symbols", len(bars)),
		zap.Duration("took", time.Since(started)))
}

// Ready reports whether a completed prefetch exists for the date
func (p *PrefetchService) Ready(date time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.cache[dateKey(date)]
	return ok && entry.bars != nil
}

// Adopt hands the prefetched load to the coordinator and drops it from the
// cache. Returns false when no completed prefetch exists for the date.
func (p *PrefetchService) Adopt(date time.Time) (map[string][]model.Bar, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := dateKey(date)
	entry, ok := p.cache[key]
	if !ok || entry.bars == nil {
		return nil, false
	}
	delete(p.cache, key)
	return entry.bars, true
}

func dateKey(date time.Time) string {
	return date.Format("2006-01-02")
}
