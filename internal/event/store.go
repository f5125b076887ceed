package event

import "context"

// Store persists and retrieves events.
type Store interface {
	// Append persists one or more events atomically.
	Append(ctx context.Context, events ...Event) error
	// Load returns all events for an aggregate, ordered by version.
	Load(ctx context.Context, aggregateID string) ([]Event, error)
	// LoadByType returns events filtered by type.
	LoadByType(ctx context.Context, eventType Type) ([]Event, error)
}

// Observer receives events after the operation that produced them has
// committed. Observers must not call back into the marketplace.
type Observer interface {
	Notify(ctx context.Context, e Event)
}

// ObserverFunc adapts a function into an Observer.
type ObserverFunc func(ctx context.Context, e Event)

// Notify calls f.
func (f ObserverFunc) Notify(ctx context.Context, e Event) { f(ctx, e) }
