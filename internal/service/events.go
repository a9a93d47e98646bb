package service

import "context"

// EventPublisher publishes session lifecycle events to downstream systems.
// Implementations must be safe for concurrent use; a nil publisher disables
// events.
type EventPublisher interface {
	Publish(ctx context.Context, key string, value interface{}) error
}

// Event keys published by the engine
const (
	EventStateChanged      = "session.state_changed"
	EventSessionRolled     = "session.rolled"
	EventSessionEnded      = "session.ended"
	EventQualityDegraded   = "session.quality_degraded"
	EventSymbolDeactivated = "session.symbol_deactivated"
	EventSymbolReactivated = "session.symbol_reactivated"
)

// publishEvent is the nil-safe helper every loop uses; publish failures are
// never allowed to affect the hot path, so errors are dropped here and logged
// by the publisher itself.
func publishEvent(ctx context.Context, p EventPublisher, key string, value interface{}) {
	if p == nil {
		return
	}
	_ = p.Publish(ctx, key, value)
}
