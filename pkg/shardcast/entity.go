package shardcast

import (
	"fmt"
	"slices"
	"time"
)

// EntityID is an opaque 64-bit upstream identifier.
type EntityID uint64

// EntityKind identifies the payload type held by a cached entity.
type EntityKind string

const (
	// EntityKindGuild identifies guild entities.
	EntityKindGuild EntityKind = "guild"
	// EntityKindChannel identifies channel entities.
	EntityKindChannel EntityKind = "channel"
	// EntityKindMember identifies guild membership entities scoped by guild.
	EntityKindMember EntityKind = "member"
	// EntityKindUser identifies global user entities.
	EntityKindUser EntityKind = "user"
	// EntityKindVoiceState identifies voice presence entities scoped by guild.
	EntityKindVoiceState EntityKind = "voice_state"
	// EntityKindTrackedPlayer identifies players observed on the live-activity feed.
	EntityKindTrackedPlayer EntityKind = "tracked_player"
	// EntityKindLiveLobby identifies open multiplayer lobbies on the live-activity feed.
	EntityKindLiveLobby EntityKind = "live_lobby"
)

// EntityKey uniquely identifies one cached entity.
//
// Scope is the owning guild for member and voice state entities and zero otherwise,
// because upstream ids of those kinds are only unique within a guild.
type EntityKey struct {
	Kind  EntityKind
	Scope EntityID
	ID    EntityID
}

// String returns a stable human-readable key representation.
func (k EntityKey) String() string {
	if k.Scope != 0 {
		return fmt.Sprintf("%s:%d/%d", k.Kind, k.Scope, k.ID)
	}

	return fmt.Sprintf("%s:%d", k.Kind, k.ID)
}

// GuildKey returns the cache key of one guild.
func GuildKey(id EntityID) EntityKey {
	return EntityKey{Kind: EntityKindGuild, ID: id}
}

// ChannelKey returns the cache key of one channel.
func ChannelKey(id EntityID) EntityKey {
	return EntityKey{Kind: EntityKindChannel, ID: id}
}

// MemberKey returns the cache key of one guild membership.
func MemberKey(guild, user EntityID) EntityKey {
	return EntityKey{Kind: EntityKindMember, Scope: guild, ID: user}
}

// UserKey returns the cache key of one user.
func UserKey(id EntityID) EntityKey {
	return EntityKey{Kind: EntityKindUser, ID: id}
}

// VoiceStateKey returns the cache key of one user's voice presence in a guild.
func VoiceStateKey(guild, user EntityID) EntityKey {
	return EntityKey{Kind: EntityKindVoiceState, Scope: guild, ID: user}
}

// TrackedPlayerKey returns the cache key of one feed player.
func TrackedPlayerKey(id EntityID) EntityKey {
	return EntityKey{Kind: EntityKindTrackedPlayer, ID: id}
}

// LiveLobbyKey returns the cache key of one feed lobby.
func LiveLobbyKey(id EntityID) EntityKey {
	return EntityKey{Kind: EntityKindLiveLobby, ID: id}
}

// Payload is the closed set of entity bodies stored in the cache.
//
// Implementations are value types; Clone returns a deep copy so no caller can
// alias slices held by a published snapshot.
type Payload interface {
	// Kind returns the entity kind this payload describes.
	Kind() EntityKind
	// Clone returns an independent deep copy.
	Clone() Payload

	sealed()
}

// Guild is the cached guild body.
type Guild struct {
	ID          EntityID
	Name        string
	OwnerID     EntityID
	ShardID     int
	MemberCount int
	Unavailable bool
	// Complete reports whether the guild has been fully received since the last resync.
	Complete bool
}

// Channel is the cached channel body.
type Channel struct {
	ID       EntityID
	GuildID  EntityID
	Name     string
	Type     int
	Position int
	ParentID EntityID
}

// Member is the cached guild membership body.
type Member struct {
	GuildID  EntityID
	UserID   EntityID
	Nick     string
	Roles    []EntityID
	JoinedAt time.Time
}

// User is the cached global user body.
type User struct {
	ID         EntityID
	Username   string
	GlobalName string
	Bot        bool
}

// VoiceState is the cached voice presence body.
type VoiceState struct {
	GuildID   EntityID
	UserID    EntityID
	ChannelID EntityID
	SessionID string
	Muted     bool
	Deafened  bool
}

// TrackedPlayer is the cached feed player body.
type TrackedPlayer struct {
	PlayerID       EntityID
	Username       string
	Mode           string
	Live           bool
	StreamTitle    string
	Rank           uint32
	PP             float64
	LastActivityAt time.Time
}

// LiveLobby is the cached feed lobby body.
type LiveLobby struct {
	LobbyID   EntityID
	Name      string
	Status    string
	Players   []EntityID
	GameCount int
	UpdatedAt time.Time
}

// Kind returns EntityKindGuild.
func (Guild) Kind() EntityKind { return EntityKindGuild }

// Kind returns EntityKindChannel.
func (Channel) Kind() EntityKind { return EntityKindChannel }

// Kind returns EntityKindMember.
func (Member) Kind() EntityKind { return EntityKindMember }

// Kind returns EntityKindUser.
func (User) Kind() EntityKind { return EntityKindUser }

// Kind returns EntityKindVoiceState.
func (VoiceState) Kind() EntityKind { return EntityKindVoiceState }

// Kind returns EntityKindTrackedPlayer.
func (TrackedPlayer) Kind() EntityKind { return EntityKindTrackedPlayer }

// Kind returns EntityKindLiveLobby.
func (LiveLobby) Kind() EntityKind { return EntityKindLiveLobby }

// Clone returns a copy of the guild.
func (g Guild) Clone() Payload { return g }

// Clone returns a copy of the channel.
func (c Channel) Clone() Payload { return c }

// Clone returns a deep copy of the member.
func (m Member) Clone() Payload {
	m.Roles = slices.Clone(m.Roles)
	return m
}

// Clone returns a copy of the user.
func (u User) Clone() Payload { return u }

// Clone returns a copy of the voice state.
func (v VoiceState) Clone() Payload { return v }

// Clone returns a copy of the tracked player.
func (p TrackedPlayer) Clone() Payload { return p }

// Clone returns a deep copy of the lobby.
func (l LiveLobby) Clone() Payload {
	l.Players = slices.Clone(l.Players)
	return l
}

func (Guild) sealed()         {}
func (Channel) sealed()       {}
func (Member) sealed()        {}
func (User) sealed()          {}
func (VoiceState) sealed()    {}
func (TrackedPlayer) sealed() {}
func (LiveLobby) sealed()     {}

// Snapshot is one immutable published version of a cached entity.
type Snapshot struct {
	// Key identifies the entity.
	Key EntityKey
	// Version is the cache mutation counter, starting at 1 and increasing by one per accepted write.
	Version uint64
	// SourceVersion is the upstream ordering key of the write that produced this snapshot.
	SourceVersion uint64
	// Payload is the entity body; nil for tombstones.
	Payload Payload
	// UpdatedAt records when the snapshot was published.
	UpdatedAt time.Time
	// ExpiresAt is the TTL deadline; zero means no expiry.
	ExpiresAt time.Time
	// Deleted marks a tombstone retained to reject stale replays.
	Deleted bool
}

// Expired reports whether the snapshot TTL has elapsed at now.
func (s Snapshot) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// As extracts a typed payload from a snapshot.
func As[T Payload](snapshot Snapshot) (T, bool) {
	typed, ok := snapshot.Payload.(T)
	return typed, ok
}
