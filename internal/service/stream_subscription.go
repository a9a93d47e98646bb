package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SubscriptionMode selects how waiters behave on a StreamSubscription
type SubscriptionMode string

// Subscription modes
const (
	ModeDataDriven  SubscriptionMode = "data-driven"
	ModeClockDriven SubscriptionMode = "clock-driven"
	ModeLive        SubscriptionMode = "live"
)

// StreamSubscription is a binary one-shot handshake between two pipeline
// stages. The consumer calls SignalReady once per fully processed batch; the
// producer blocks in WaitUntilReady and then Resets. In data-driven mode the
// wait is indefinite, which is the backpressure guaranteeing at most one
// unacknowledged batch in flight. In clock-driven and live mode the wait has
// a timeout and a timeout is logged, not fatal.
type StreamSubscription struct {
	mu          sync.Mutex
	name        string
	mode        SubscriptionMode
	ready       bool
	overruns    uint64
	waitTimeout time.Duration
	ch          chan struct{}
	logger      *zap.Logger
}

// SubscriptionStats is the diagnostic snapshot of a subscription edge
type SubscriptionStats struct {
	Name     string           `json:"name"`
	Mode     SubscriptionMode `json:"mode"`
	Ready    bool             `json:"ready"`
	Overruns uint64           `json:"overruns"`
}

// NewStreamSubscription creates a subscription edge between two stages
func NewStreamSubscription(name string, mode SubscriptionMode, waitTimeout time.Duration, logger *zap.Logger) *StreamSubscription {
	if waitTimeout <= 0 {
		waitTimeout = 5 * time.Second
	}
	return &StreamSubscription{
		name:        name,
		mode:        mode,
		waitTimeout: waitTimeout,
		ch:          make(chan struct{}, 1),
		logger:      logger,
	}
}

// Mode returns the subscription mode
func (s *StreamSubscription) Mode() SubscriptionMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SignalReady marks the edge ready and wakes the waiter. A signal landing
// before the prior Reset counts as an overrun; that is diagnostic only and
// only tracked outside data-driven mode, where the producer's blocking wait
// makes it impossible.
func (s *StreamSubscription) SignalReady() {
	s.mu.Lock()
	if s.ready && s.mode != ModeDataDriven {
		s.overruns++
		s.logger.Warn("Subscription overrun",
			zap.String("subscription", s.name),
			zap.Uint64("overruns", s.overruns))
	}
	s.ready = true
	s.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// WaitUntilReady blocks until the consumer signals. Returns false if the
// context was cancelled or, outside data-driven mode, the timeout elapsed.
func (s *StreamSubscription) WaitUntilReady(ctx context.Context) bool {
	if s.Mode() == ModeDataDriven {
		select {
		case <-ctx.Done():
			return false
		case <-s.ch:
			return true
		}
	}

	timer := time.NewTimer(s.waitTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-s.ch:
		return true
	case <-timer.C:
		s.logger.Warn("Subscription wait timed out",
			zap.String("subscription", s.name),
			zap.Duration("timeout", s.waitTimeout))
		return false
	}
}

// Reset clears the ready flag, completing one signal/wait/reset cycle. A
// signal that raced in after the wait returned stays pending on the channel;
// the next wait consumes it immediately.
func (s *StreamSubscription) Reset() {
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
}

// Stats returns the diagnostic snapshot
func (s *StreamSubscription) Stats() SubscriptionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriptionStats{
		Name:     s.name,
		Mode:     s.mode,
		Ready:    s.ready,
		Overruns: s.overruns,
	}
}
