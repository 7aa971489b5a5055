package shardcast

import (
	"context"
	"encoding/json"
	"time"
)

// EventOrigin identifies which upstream stream produced a raw event.
type EventOrigin string

const (
	// OriginGateway marks dispatches received from a chat-platform gateway shard.
	OriginGateway EventOrigin = "gateway"
	// OriginFeed marks frames received from the live-activity feed.
	OriginFeed EventOrigin = "feed"
)

// EventName is the upstream dispatch or frame kind.
type EventName string

const (
	// EventGuildCreate delivers a full guild snapshot when a guild becomes available.
	EventGuildCreate      EventName = "GUILD_CREATE"
	// EventGuildUpdate reports changed guild settings.
	EventGuildUpdate      EventName = "GUILD_UPDATE"
	// EventGuildDelete reports a guild outage or the bot leaving a guild.
	EventGuildDelete      EventName = "GUILD_DELETE"
	// EventChannelCreate reports a new channel.
	EventChannelCreate    EventName = "CHANNEL_CREATE"
	// EventChannelUpdate reports changed channel settings.
	EventChannelUpdate    EventName = "CHANNEL_UPDATE"
	// EventChannelDelete reports a removed channel.
	EventChannelDelete    EventName = "CHANNEL_DELETE"
	// EventMemberAdd reports a user joining a guild.
	EventMemberAdd        EventName = "GUILD_MEMBER_ADD"
	// EventMemberUpdate reports changed membership or user details.
	EventMemberUpdate     EventName = "GUILD_MEMBER_UPDATE"
	// EventMemberRemove reports a user leaving a guild.
	EventMemberRemove     EventName = "GUILD_MEMBER_REMOVE"
	// EventUserUpdate reports changed details of the connected user.
	EventUserUpdate       EventName = "USER_UPDATE"
	// EventVoiceStateUpdate reports a user joining, moving between, or leaving voice channels.
	EventVoiceStateUpdate EventName = "VOICE_STATE_UPDATE"

	// EventPlayerStatus is the feed frame carrying a player's presence and live flag.
	EventPlayerStatus EventName = "player_status"
	// EventScoreSet is the feed frame reporting a new score.
	EventScoreSet     EventName = "score_set"
	// EventLobbyUpdate is the feed frame reporting a lobby opening or changing.
	EventLobbyUpdate  EventName = "lobby_update"
	// EventLobbyClosed is the feed frame reporting a lobby ending.
	EventLobbyClosed  EventName = "lobby_closed"
)

// RawEvent is one undecoded upstream event annotated with its stream position.
type RawEvent struct {
	// Origin identifies the producing stream.
	Origin EventOrigin
	// ShardID is the gateway shard for gateway events.
	ShardID int
	// Epoch is the identify epoch of the gateway session that produced the event.
	Epoch uint64
	// Sequence is the stream position: gateway sequence or feed frame sequence.
	Sequence uint64
	// Name is the dispatch or frame kind.
	Name EventName
	// Data is the JSON payload.
	Data json.RawMessage
	// SourceID is the feed source (player or lobby) for feed frames.
	SourceID EntityID
	// ReceivedAt records local receive time.
	ReceivedAt time.Time
}

// EventSink accepts raw events from a connection in stream order.
//
// Connections call Ingest synchronously so per-stream ordering is preserved.
type EventSink interface {
	Ingest(ctx context.Context, raw RawEvent) error
}

// Event is the closed set of decoded upstream events.
type Event interface {
	// Name returns the upstream dispatch kind.
	Name() EventName

	event()
}

// GuildCreate delivers a complete guild with its channels and members.
type GuildCreate struct {
	Guild    Guild
	Channels []Channel
	Members  []Member
	Users    []User
	Voice    []VoiceState
}

// GuildUpdate replaces guild metadata.
type GuildUpdate struct {
	Guild Guild
}

// GuildDelete removes a guild or marks it unavailable during an outage.
type GuildDelete struct {
	ID          EntityID
	Unavailable bool
}

// ChannelCreate adds a channel.
type ChannelCreate struct {
	Channel Channel
}

// ChannelUpdate replaces a channel.
type ChannelUpdate struct {
	Channel Channel
}

// ChannelDelete removes a channel.
type ChannelDelete struct {
	Channel Channel
}

// MemberAdd adds a guild membership.
type MemberAdd struct {
	Member Member
	User   User
}

// MemberUpdate replaces a guild membership.
type MemberUpdate struct {
	Member Member
	User   User
}

// MemberRemove removes a guild membership.
type MemberRemove struct {
	GuildID EntityID
	UserID  EntityID
}

// UserUpdate replaces a user.
type UserUpdate struct {
	User User
}

// VoiceStateUpdate replaces or clears one user's voice presence.
//
// A zero ChannelID means the user left voice.
type VoiceStateUpdate struct {
	State VoiceState
}

// PlayerStatus reports a feed player's current live state.
type PlayerStatus struct {
	Player TrackedPlayer
}

// ScoreSet reports a new score by a feed player.
type ScoreSet struct {
	PlayerID EntityID
	Mode     string
	Title    string
	Rank     uint32
	PP       float64
	SetAt    time.Time
}

// LobbyUpdate reports a lobby opening or changing.
type LobbyUpdate struct {
	Lobby LiveLobby
}

// LobbyClosed reports a lobby ending.
type LobbyClosed struct {
	LobbyID EntityID
}

// Name returns EventGuildCreate.
func (GuildCreate) Name() EventName { return EventGuildCreate }

// Name returns EventGuildUpdate.
func (GuildUpdate) Name() EventName { return EventGuildUpdate }

// Name returns EventGuildDelete.
func (GuildDelete) Name() EventName { return EventGuildDelete }

// Name returns EventChannelCreate.
func (ChannelCreate) Name() EventName { return EventChannelCreate }

// Name returns EventChannelUpdate.
func (ChannelUpdate) Name() EventName { return EventChannelUpdate }

// Name returns EventChannelDelete.
func (ChannelDelete) Name() EventName { return EventChannelDelete }

// Name returns EventMemberAdd.
func (MemberAdd) Name() EventName { return EventMemberAdd }

// Name returns EventMemberUpdate.
func (MemberUpdate) Name() EventName { return EventMemberUpdate }

// Name returns EventMemberRemove.
func (MemberRemove) Name() EventName { return EventMemberRemove }

// Name returns EventUserUpdate.
func (UserUpdate) Name() EventName { return EventUserUpdate }

// Name returns EventVoiceStateUpdate.
func (VoiceStateUpdate) Name() EventName { return EventVoiceStateUpdate }

// Name returns EventPlayerStatus.
func (PlayerStatus) Name() EventName { return EventPlayerStatus }

// Name returns EventScoreSet.
func (ScoreSet) Name() EventName { return EventScoreSet }

// Name returns EventLobbyUpdate.
func (LobbyUpdate) Name() EventName { return EventLobbyUpdate }

// Name returns EventLobbyClosed.
func (LobbyClosed) Name() EventName { return EventLobbyClosed }

func (GuildCreate) event()      {}
func (GuildUpdate) event()      {}
func (GuildDelete) event()      {}
func (ChannelCreate) event()    {}
func (ChannelUpdate) event()    {}
func (ChannelDelete) event()    {}
func (MemberAdd) event()        {}
func (MemberUpdate) event()     {}
func (MemberRemove) event()     {}
func (UserUpdate) event()       {}
func (VoiceStateUpdate) event() {}
func (PlayerStatus) event()     {}
func (ScoreSet) event()         {}
func (LobbyUpdate) event()      {}
func (LobbyClosed) event()      {}
