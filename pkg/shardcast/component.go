package shardcast

import (
	"context"
	"iter"
)

// Component is a lifecycle-aware runtime part started before drivers and stopped after them.
type Component interface {
	// Name returns a stable unique component name.
	Name() string
	// OnStart starts background work; it must not block past setup.
	OnStart(ctx context.Context) error
	// OnShutdown stops background work and flushes state.
	OnShutdown(ctx context.Context) error
}

// Driver owns upstream connections and feeds raw events into a sink.
//
// Drivers own transport and session concerns and must publish only RawEvent values.
type Driver interface {
	// Name returns a stable unique driver name.
	Name() string
	// Start runs the connection loop until ctx is cancelled or a fatal error occurs.
	Start(ctx context.Context, sink EventSink) error
	// Shutdown releases connection resources.
	Shutdown(ctx context.Context) error
}

// EntityReader is the read-only cache view exposed to command handlers.
type EntityReader interface {
	// Get returns the current snapshot for key.
	Get(key EntityKey) (Snapshot, bool)
	// Scan yields every live snapshot matching predicate.
	Scan(predicate func(Snapshot) bool) iter.Seq[Snapshot]
}

// EntityResolver serves typed guild reads that treat entities of a guild still resyncing
// as unknown. Every lookup miss wraps ErrEntityUnknown.
type EntityResolver interface {
	Guild(id EntityID) (Guild, error)
	Channel(id EntityID) (Channel, error)
	Member(guildID, userID EntityID) (Member, error)
	Channels(guildID EntityID) ([]Channel, error)
}

// SubscriptionManager is the subscription surface exposed to command handlers.
type SubscriptionManager interface {
	Subscribe(ctx context.Context, subscription Subscription) error
	Unsubscribe(ctx context.Context, source SourceKey, destination DestinationID) error
	UnsubscribeDestination(ctx context.Context, destination DestinationID) (int, error)
	ForDestination(destination DestinationID) []Subscription
}

// ShardDirectory exposes shard assignment and session state.
type ShardDirectory interface {
	// ShardForGuild returns the shard responsible for guild.
	ShardForGuild(guild EntityID) int
	// Sessions returns one snapshot per supervised shard.
	Sessions() []ShardSession
}
