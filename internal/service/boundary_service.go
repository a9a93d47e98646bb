package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"services/session-engine/internal/config"
	"services/session-engine/internal/model"

	"go.uber.org/zap"
)

// RollFunc performs the end-of-session roll plus next-session setup. The
// coordinator supplies it so the boundary loop never reaches into coordinator
// internals.
type RollFunc func(ctx context.Context) error

// BoundaryService is the session-lifecycle state machine. Its own
// fixed-interval loop reads the clock and market-hours metadata, computes the
// target state, forces TIMEOUT when an expected-active session stops
// receiving data, and triggers the auto-roll once post-market has settled.
// ERROR is entered on any unhandled fault and left only via an explicit
// external clear.
type BoundaryService struct {
	store  *SessionStore
	clock  *SessionClock
	hours  *MarketHoursProvider
	events EventPublisher
	cfg    config.SessionConfig
	logger *zap.Logger

	rollFn RollFunc

	mu              sync.Mutex
	state           model.SessionState
	postMarketSince time.Time
	activeSince     time.Time
	lastErr         error

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBoundaryService creates the boundary state machine
func NewBoundaryService(
	store *SessionStore,
	clock *SessionClock,
	hours *MarketHoursProvider,
	events EventPublisher,
	rollFn RollFunc,
	cfg config.SessionConfig,
	logger *zap.Logger,
) *BoundaryService {
	return &BoundaryService{
		store:  store,
		clock:  clock,
		hours:  hours,
		events: events,
		rollFn: rollFn,
		cfg:    cfg,
		logger: logger,
		state:  model.StateNotStarted,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the boundary loop
func (b *BoundaryService) Start() {
	go b.run()
}

// Stop signals the loop and waits for it to exit
func (b *BoundaryService) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

// State returns the current session state
func (b *BoundaryService) State() model.SessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// LastError returns the fault that moved the machine into ERROR, if any
func (b *BoundaryService) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// ClearError acknowledges an ERROR state and returns the machine to
// NOT_STARTED. This is the only exit from ERROR; nothing clears it
// automatically.
func (b *BoundaryService) ClearError() bool {
	b.mu.Lock()
	if b.state != model.StateError {
		b.mu.Unlock()
		return false
	}
	b.lastErr = nil
	b.mu.Unlock()

	b.setState(context.Background(), model.StateNotStarted)
	b.logger.Info("Error state cleared by operator")
	return true
}

// run is the fixed-interval loop. Exit depends only on the service's own
// stop signal.
func (b *BoundaryService) run() {
	defer close(b.doneCh)

	interval := b.cfg.BoundaryInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.step(context.Background())
		}
	}
}

// step advances the state machine once. Any panic inside the machine lands
// in ERROR, the fail-safe terminal-until-acknowledged state.
func (b *BoundaryService) step(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.lastErr = fmt.Errorf("boundary fault: %v", r)
			b.mu.Unlock()
			b.setState(ctx, model.StateError)
			b.logger.Error("Unhandled fault in boundary machine",
				zap.Any("fault", r))
		}
	}()

	if b.State() == model.StateError {
		return
	}

	now := b.clock.Now()
	hrs, err := b.hours.HoursFor(b.cfg.ExchangeGroup, b.cfg.AssetClass, now)
	if err != nil {
		panic(err)
	}

	target := targetState(now, hrs)

	// TIMEOUT handling: expected ACTIVE but nothing has arrived within the
	// timeout window. The next append flips it straight back.
	if target == model.StateActive {
		timeout := time.Duration(b.cfg.TimeoutSeconds) * time.Second
		last := b.store.LastDataAt()
		if last.IsZero() {
			b.mu.Lock()
			last = b.activeSince
			b.mu.Unlock()
		}
		if !last.IsZero() && time.Since(last) > timeout {
			b.setState(ctx, model.StateTimeout)
			return
		}
	}

	b.setState(ctx, target)

	if target == model.StatePostMarket || target == model.StateEnded {
		b.maybeAutoRoll(ctx)
	}
}

// targetState maps the clock position within the session to a lifecycle state
func targetState(now time.Time, hrs SessionHours) model.SessionState {
	switch {
	case now.Before(hrs.ExtendedOpen):
		return model.StateNotStarted
	case now.Before(hrs.Open):
		return model.StatePreMarket
	case now.Before(hrs.Close):
		return model.StateActive
	case now.Before(hrs.ExtendedClose):
		return model.StatePostMarket
	default:
		return model.StateEnded
	}
}

// maybeAutoRoll triggers the session roll once post-market has persisted
// beyond the configured delay.
func (b *BoundaryService) maybeAutoRoll(ctx context.Context) {
	if !b.cfg.AutoRoll || b.rollFn == nil {
		return
	}

	b.mu.Lock()
	if b.postMarketSince.IsZero() {
		b.postMarketSince = time.Now().UTC()
		b.mu.Unlock()
		return
	}
	elapsed := time.Since(b.postMarketSince)
	b.mu.Unlock()

	delay := b.cfg.PostMarketRollDelay
	if delay <= 0 {
		delay = 15 * time.Minute
	}
	if elapsed < delay {
		return
	}

	if err := b.rollFn(ctx); err != nil {
		panic(err)
	}

	b.mu.Lock()
	b.postMarketSince = time.Time{}
	b.mu.Unlock()

	publishEvent(ctx, b.events, EventSessionRolled, map[string]interface{}{
		"date": b.store.Date().Format("2006-01-02"),
	})
	b.setState(ctx, model.StateNotStarted)
}

// setState applies a transition, keeps the store's active flag in sync and
// publishes the change.
func (b *BoundaryService) setState(ctx context.Context, next model.SessionState) {
	b.mu.Lock()
	prev := b.state
	if prev == next {
		b.mu.Unlock()
		return
	}
	b.state = next
	if next != model.StatePostMarket && next != model.StateEnded {
		b.postMarketSince = time.Time{}
	}
	if next == model.StateActive {
		b.activeSince = time.Now().UTC()
	}
	b.mu.Unlock()

	b.store.SetActive(next == model.StateActive)

	b.logger.Info("Session state changed",
		zap.String("from", string(prev)),
		zap.String("to", string(next)))

	publishEvent(ctx, b.events, EventStateChanged, map[string]interface{}{
		"from": string(prev),
		"to":   string(next),
	})
}
