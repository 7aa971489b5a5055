package shardcast

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// MaxFilterLimit bounds the top-score limit a subscription filter may request.
const MaxFilterLimit = 100

// DestinationID identifies a chat-platform channel receiving notifications.
type DestinationID uint64

// SourceKey identifies a tracked feed source.
//
// Players and lobbies share one upstream id space, so the kind is part of the identity.
type SourceKey struct {
	Kind EntityKind `json:"kind"`
	ID   EntityID   `json:"id"`
}

// PlayerSource returns the source key of one tracked player.
func PlayerSource(id EntityID) SourceKey {
	return SourceKey{Kind: EntityKindTrackedPlayer, ID: id}
}

// LobbySource returns the source key of one live lobby.
func LobbySource(id EntityID) SourceKey {
	return SourceKey{Kind: EntityKindLiveLobby, ID: id}
}

// String returns the key as kind:id.
func (k SourceKey) String() string {
	return fmt.Sprintf("%s:%d", k.Kind, k.ID)
}

// EntityKey returns the cache key of the tracked entity.
func (k SourceKey) EntityKey() EntityKey {
	return EntityKey{Kind: k.Kind, ID: k.ID}
}

// Validate rejects empty ids and kinds that cannot be tracked.
func (k SourceKey) Validate() error {
	if k.ID == 0 {
		return fmt.Errorf("empty source")
	}
	if k.Kind != EntityKindTrackedPlayer && k.Kind != EntityKindLiveLobby {
		return fmt.Errorf("untrackable source kind %q", k.Kind)
	}

	return nil
}

// CompareSourceKeys orders keys by kind, then id.
func CompareSourceKeys(a, b SourceKey) int {
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}

	return cmp.Compare(a.ID, b.ID)
}

// ActivityKind classifies one live-activity notification.
type ActivityKind string

const (
	// ActivityWentLive is derived when a player transitions from offline to live.
	ActivityWentLive ActivityKind = "went_live"
	// ActivityWentOffline is derived when a player transitions from live to offline.
	ActivityWentOffline ActivityKind = "went_offline"
	// ActivityScoreSet reports a new score.
	ActivityScoreSet ActivityKind = "score_set"
	// ActivityLobbyUpdate reports a lobby opening or changing.
	ActivityLobbyUpdate ActivityKind = "lobby_update"
	// ActivityLobbyClosed reports a lobby ending.
	ActivityLobbyClosed ActivityKind = "lobby_closed"
)

var knownActivities = []ActivityKind{
	ActivityWentLive,
	ActivityWentOffline,
	ActivityScoreSet,
	ActivityLobbyUpdate,
	ActivityLobbyClosed,
}

// Notification is the destination-neutral content of one live update.
type Notification struct {
	Kind       ActivityKind `json:"kind"`
	Source     SourceKey    `json:"source"`
	Title      string       `json:"title"`
	Body       string       `json:"body,omitempty"`
	Mode       string       `json:"mode,omitempty"`
	Rank       uint32       `json:"rank,omitempty"`
	PP         float64      `json:"pp,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// DispatchCandidate is one notification produced by the normalizer for fan-out.
type DispatchCandidate struct {
	// Source identifies the tracked entity the notification is about.
	Source SourceKey
	// Sequence is the per-source monotonic position used for deduplication.
	Sequence uint64
	// Notification is the content delivered to accepting subscriptions.
	Notification Notification
}

// Filter is a declarative, serializable notification predicate.
//
// The zero Filter accepts everything.
type Filter struct {
	// Activities restricts accepted kinds; empty accepts all kinds.
	Activities []ActivityKind `json:"activities,omitempty"`
	// MinPP rejects scores below this performance value when > 0.
	MinPP float64 `json:"min_pp,omitempty"`
	// Limit rejects scores ranked outside the top Limit when > 0.
	Limit uint32 `json:"limit,omitempty"`
}

// Accepts reports whether the notification passes the filter.
func (f Filter) Accepts(notification Notification) bool {
	if len(f.Activities) > 0 && !slices.Contains(f.Activities, notification.Kind) {
		return false
	}
	if notification.Kind != ActivityScoreSet {
		return true
	}
	if f.Limit > 0 && (notification.Rank == 0 || notification.Rank > f.Limit) {
		return false
	}
	if f.MinPP > 0 && notification.PP < f.MinPP {
		return false
	}

	return true
}

// Validate checks filter fields against supported values.
func (f Filter) Validate() error {
	for _, activity := range f.Activities {
		if !slices.Contains(knownActivities, activity) {
			return fmt.Errorf("unknown activity %q", activity)
		}
	}
	if f.Limit > MaxFilterLimit {
		return fmt.Errorf("limit %d exceeds %d", f.Limit, MaxFilterLimit)
	}
	if f.MinPP < 0 {
		return fmt.Errorf("min_pp must be >= 0")
	}

	return nil
}

// Clone returns a deep copy of the filter.
func (f Filter) Clone() Filter {
	f.Activities = slices.Clone(f.Activities)
	return f
}

// Subscription binds a tracked source to one destination with a filter.
//
// (Source, Destination) is unique across the dispatcher.
type Subscription struct {
	Source      SourceKey     `json:"source"`
	Destination DestinationID `json:"destination"`
	Filter      Filter        `json:"filter"`
	CreatedAt   time.Time     `json:"created_at"`
	// ExpiresAt is the subscription TTL deadline; zero means no expiry.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Validate checks relation invariants.
func (s Subscription) Validate() error {
	if err := s.Source.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSubscription, err)
	}
	if s.Destination == 0 {
		return fmt.Errorf("%w: empty destination", ErrInvalidSubscription)
	}
	if err := s.Filter.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSubscription, err)
	}

	return nil
}

// Expired reports whether the subscription TTL has elapsed at now.
func (s Subscription) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
