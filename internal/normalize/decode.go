package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"shardcast/pkg/shardcast"
)

// snowflake decodes upstream ids sent either as JSON strings or numbers.
type snowflake shardcast.EntityID

func (s *snowflake) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}
	data = bytes.Trim(data, `"`)
	if len(data) == 0 {
		*s = 0
		return nil
	}

	value, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("parse id %q: %w", data, err)
	}
	*s = snowflake(value)

	return nil
}

func (s snowflake) id() shardcast.EntityID {
	return shardcast.EntityID(s)
}

type wireUser struct {
	ID         snowflake `json:"id"`
	Username   string    `json:"username"`
	GlobalName string    `json:"global_name"`
	Bot        bool      `json:"bot"`
}

type wireMember struct {
	GuildID  snowflake   `json:"guild_id"`
	User     *wireUser   `json:"user"`
	Nick     string      `json:"nick"`
	Roles    []snowflake `json:"roles"`
	JoinedAt time.Time   `json:"joined_at"`
}

type wireChannel struct {
	ID       snowflake `json:"id"`
	GuildID  snowflake `json:"guild_id"`
	Name     string    `json:"name"`
	Type     int       `json:"type"`
	Position int       `json:"position"`
	ParentID snowflake `json:"parent_id"`
}

type wireVoiceState struct {
	GuildID   snowflake `json:"guild_id"`
	ChannelID snowflake `json:"channel_id"`
	UserID    snowflake `json:"user_id"`
	SessionID string    `json:"session_id"`
	Mute      bool      `json:"mute"`
	Deaf      bool      `json:"deaf"`
	SelfMute  bool      `json:"self_mute"`
	SelfDeaf  bool      `json:"self_deaf"`
}

type wireGuild struct {
	ID          snowflake        `json:"id"`
	Name        string           `json:"name"`
	OwnerID     snowflake        `json:"owner_id"`
	MemberCount int              `json:"member_count"`
	Unavailable bool             `json:"unavailable"`
	Channels    []wireChannel    `json:"channels"`
	Members     []wireMember     `json:"members"`
	VoiceStates []wireVoiceState `json:"voice_states"`
}

type wireMemberRemove struct {
	GuildID snowflake `json:"guild_id"`
	User    wireUser  `json:"user"`
}

type wirePlayerStatus struct {
	PlayerID    snowflake `json:"player_id"`
	Username    string    `json:"username"`
	Mode        string    `json:"mode"`
	Live        bool      `json:"live"`
	StreamTitle string    `json:"stream_title"`
	Rank        uint32    `json:"rank"`
	PP          float64   `json:"pp"`
	At          time.Time `json:"at"`
}

type wireScore struct {
	PlayerID snowflake `json:"player_id"`
	Mode     string    `json:"mode"`
	Title    string    `json:"title"`
	Rank     uint32    `json:"rank"`
	PP       float64   `json:"pp"`
	SetAt    time.Time `json:"set_at"`
}

type wireLobby struct {
	LobbyID   snowflake   `json:"lobby_id"`
	Name      string      `json:"name"`
	Status    string      `json:"status"`
	Players   []snowflake `json:"players"`
	GameCount int         `json:"game_count"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Decode converts one raw event into a member of the closed event set.
//
// Unknown names return shardcast.ErrUnknownEvent; malformed payloads return a
// *shardcast.ProtocolError.
func Decode(raw shardcast.RawEvent) (shardcast.Event, error) {
	event, err := decode(raw)
	if err != nil {
		return nil, &shardcast.ProtocolError{Frame: string(raw.Name), Cause: err}
	}
	if event == nil {
		return nil, fmt.Errorf("decode %s: %w", raw.Name, shardcast.ErrUnknownEvent)
	}

	return event, nil
}

func decode(raw shardcast.RawEvent) (shardcast.Event, error) {
	switch raw.Name {
	case shardcast.EventGuildCreate:
		var guild wireGuild
		if err := unmarshal(raw.Data, &guild); err != nil {
			return nil, err
		}
		return guildCreateFromWire(guild, raw.ShardID)
	case shardcast.EventGuildUpdate:
		var guild wireGuild
		if err := unmarshal(raw.Data, &guild); err != nil {
			return nil, err
		}
		if guild.ID == 0 {
			return nil, fmt.Errorf("missing guild id")
		}
		return shardcast.GuildUpdate{Guild: guildFromWire(guild, raw.ShardID)}, nil
	case shardcast.EventGuildDelete:
		var guild wireGuild
		if err := unmarshal(raw.Data, &guild); err != nil {
			return nil, err
		}
		if guild.ID == 0 {
			return nil, fmt.Errorf("missing guild id")
		}
		return shardcast.GuildDelete{ID: guild.ID.id(), Unavailable: guild.Unavailable}, nil
	case shardcast.EventChannelCreate, shardcast.EventChannelUpdate, shardcast.EventChannelDelete:
		var channel wireChannel
		if err := unmarshal(raw.Data, &channel); err != nil {
			return nil, err
		}
		if channel.ID == 0 {
			return nil, fmt.Errorf("missing channel id")
		}
		decoded := channelFromWire(channel, channel.GuildID.id())
		switch raw.Name {
		case shardcast.EventChannelCreate:
			return shardcast.ChannelCreate{Channel: decoded}, nil
		case shardcast.EventChannelUpdate:
			return shardcast.ChannelUpdate{Channel: decoded}, nil
		default:
			return shardcast.ChannelDelete{Channel: decoded}, nil
		}
	case shardcast.EventMemberAdd, shardcast.EventMemberUpdate:
		var member wireMember
		if err := unmarshal(raw.Data, &member); err != nil {
			return nil, err
		}
		decoded, user, err := memberFromWire(member, member.GuildID.id())
		if err != nil {
			return nil, err
		}
		if raw.Name == shardcast.EventMemberAdd {
			return shardcast.MemberAdd{Member: decoded, User: user}, nil
		}
		return shardcast.MemberUpdate{Member: decoded, User: user}, nil
	case shardcast.EventMemberRemove:
		var removed wireMemberRemove
		if err := unmarshal(raw.Data, &removed); err != nil {
			return nil, err
		}
		if removed.GuildID == 0 || removed.User.ID == 0 {
			return nil, fmt.Errorf("missing guild or user id")
		}
		return shardcast.MemberRemove{GuildID: removed.GuildID.id(), UserID: removed.User.ID.id()}, nil
	case shardcast.EventUserUpdate:
		var user wireUser
		if err := unmarshal(raw.Data, &user); err != nil {
			return nil, err
		}
		if user.ID == 0 {
			return nil, fmt.Errorf("missing user id")
		}
		return shardcast.UserUpdate{User: userFromWire(user)}, nil
	case shardcast.EventVoiceStateUpdate:
		var state wireVoiceState
		if err := unmarshal(raw.Data, &state); err != nil {
			return nil, err
		}
		if state.GuildID == 0 || state.UserID == 0 {
			return nil, fmt.Errorf("missing guild or user id")
		}
		return shardcast.VoiceStateUpdate{State: voiceStateFromWire(state, state.GuildID.id())}, nil
	case shardcast.EventPlayerStatus:
		var status wirePlayerStatus
		if err := unmarshal(raw.Data, &status); err != nil {
			return nil, err
		}
		playerID := firstNonZero(status.PlayerID.id(), raw.SourceID)
		if playerID == 0 {
			return nil, fmt.Errorf("missing player id")
		}
		return shardcast.PlayerStatus{Player: shardcast.TrackedPlayer{
			PlayerID:       playerID,
			Username:       status.Username,
			Mode:           status.Mode,
			Live:           status.Live,
			StreamTitle:    status.StreamTitle,
			Rank:           status.Rank,
			PP:             status.PP,
			LastActivityAt: firstTime(status.At, raw.ReceivedAt),
		}}, nil
	case shardcast.EventScoreSet:
		var score wireScore
		if err := unmarshal(raw.Data, &score); err != nil {
			return nil, err
		}
		playerID := firstNonZero(score.PlayerID.id(), raw.SourceID)
		if playerID == 0 {
			return nil, fmt.Errorf("missing player id")
		}
		return shardcast.ScoreSet{
			PlayerID: playerID,
			Mode:     score.Mode,
			Title:    score.Title,
			Rank:     score.Rank,
			PP:       score.PP,
			SetAt:    firstTime(score.SetAt, raw.ReceivedAt),
		}, nil
	case shardcast.EventLobbyUpdate:
		var lobby wireLobby
		if err := unmarshal(raw.Data, &lobby); err != nil {
			return nil, err
		}
		lobbyID := firstNonZero(lobby.LobbyID.id(), raw.SourceID)
		if lobbyID == 0 {
			return nil, fmt.Errorf("missing lobby id")
		}
		players := make([]shardcast.EntityID, 0, len(lobby.Players))
		for _, player := range lobby.Players {
			players = append(players, player.id())
		}
		return shardcast.LobbyUpdate{Lobby: shardcast.LiveLobby{
			LobbyID:   lobbyID,
			Name:      lobby.Name,
			Status:    lobby.Status,
			Players:   players,
			GameCount: lobby.GameCount,
			UpdatedAt: firstTime(lobby.UpdatedAt, raw.ReceivedAt),
		}}, nil
	case shardcast.EventLobbyClosed:
		var lobby wireLobby
		if err := unmarshal(raw.Data, &lobby); err != nil {
			return nil, err
		}
		lobbyID := firstNonZero(lobby.LobbyID.id(), raw.SourceID)
		if lobbyID == 0 {
			return nil, fmt.Errorf("missing lobby id")
		}
		return shardcast.LobbyClosed{LobbyID: lobbyID}, nil
	default:
		return nil, nil
	}
}

func unmarshal(data json.RawMessage, target any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	return nil
}

func guildCreateFromWire(guild wireGuild, shardID int) (shardcast.Event, error) {
	if guild.ID == 0 {
		return nil, fmt.Errorf("missing guild id")
	}

	guildID := guild.ID.id()
	created := shardcast.GuildCreate{
		Guild:    guildFromWire(guild, shardID),
		Channels: make([]shardcast.Channel, 0, len(guild.Channels)),
		Members:  make([]shardcast.Member, 0, len(guild.Members)),
		Users:    make([]shardcast.User, 0, len(guild.Members)),
		Voice:    make([]shardcast.VoiceState, 0, len(guild.VoiceStates)),
	}
	created.Guild.Complete = !guild.Unavailable

	for _, channel := range guild.Channels {
		if channel.ID == 0 {
			return nil, fmt.Errorf("guild %d: channel without id", guildID)
		}
		created.Channels = append(created.Channels, channelFromWire(channel, guildID))
	}
	for _, member := range guild.Members {
		decoded, user, err := memberFromWire(member, guildID)
		if err != nil {
			return nil, fmt.Errorf("guild %d: %w", guildID, err)
		}
		created.Members = append(created.Members, decoded)
		created.Users = append(created.Users, user)
	}
	for _, state := range guild.VoiceStates {
		if state.UserID == 0 || state.ChannelID == 0 {
			continue
		}
		created.Voice = append(created.Voice, voiceStateFromWire(state, guildID))
	}

	return created, nil
}

func guildFromWire(guild wireGuild, shardID int) shardcast.Guild {
	return shardcast.Guild{
		ID:          guild.ID.id(),
		Name:        guild.Name,
		OwnerID:     guild.OwnerID.id(),
		ShardID:     shardID,
		MemberCount: guild.MemberCount,
		Unavailable: guild.Unavailable,
	}
}

func channelFromWire(channel wireChannel, guildID shardcast.EntityID) shardcast.Channel {
	return shardcast.Channel{
		ID:       channel.ID.id(),
		GuildID:  guildID,
		Name:     channel.Name,
		Type:     channel.Type,
		Position: channel.Position,
		ParentID: channel.ParentID.id(),
	}
}

func memberFromWire(member wireMember, guildID shardcast.EntityID) (shardcast.Member, shardcast.User, error) {
	if member.User == nil || member.User.ID == 0 {
		return shardcast.Member{}, shardcast.User{}, fmt.Errorf("member without user id")
	}
	if guildID == 0 {
		return shardcast.Member{}, shardcast.User{}, fmt.Errorf("member without guild id")
	}

	roles := make([]shardcast.EntityID, 0, len(member.Roles))
	for _, role := range member.Roles {
		roles = append(roles, role.id())
	}

	return shardcast.Member{
		GuildID:  guildID,
		UserID:   member.User.ID.id(),
		Nick:     member.Nick,
		Roles:    roles,
		JoinedAt: member.JoinedAt,
	}, userFromWire(*member.User), nil
}

func userFromWire(user wireUser) shardcast.User {
	return shardcast.User{
		ID:         user.ID.id(),
		Username:   user.Username,
		GlobalName: user.GlobalName,
		Bot:        user.Bot,
	}
}

func voiceStateFromWire(state wireVoiceState, guildID shardcast.EntityID) shardcast.VoiceState {
	return shardcast.VoiceState{
		GuildID:   guildID,
		UserID:    state.UserID.id(),
		ChannelID: state.ChannelID.id(),
		SessionID: state.SessionID,
		Muted:     state.Mute || state.SelfMute,
		Deafened:  state.Deaf || state.SelfDeaf,
	}
}

func firstNonZero(values ...shardcast.EntityID) shardcast.EntityID {
	for _, value := range values {
		if value != 0 {
			return value
		}
	}

	return 0
}

func firstTime(values ...time.Time) time.Time {
	for _, value := range values {
		if !value.IsZero() {
			return value
		}
	}

	return time.Time{}
}
