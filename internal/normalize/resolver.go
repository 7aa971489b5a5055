package normalize

import (
	"fmt"

	"shardcast/pkg/shardcast"
)

// Resolver serves typed reads for command handlers.
//
// Entities belonging to a guild that is not fully synced (unavailable, or owned by a shard
// that is re-identifying) read as unknown instead of stale.
type Resolver struct {
	reader shardcast.EntityReader
}

var _ shardcast.EntityResolver = (*Resolver)(nil)

// NewResolver creates a resolver over reader.
func NewResolver(reader shardcast.EntityReader) *Resolver {
	return &Resolver{reader: reader}
}

// Guild returns a complete guild.
func (r *Resolver) Guild(id shardcast.EntityID) (shardcast.Guild, error) {
	snapshot, ok := r.reader.Get(shardcast.GuildKey(id))
	if !ok {
		return shardcast.Guild{}, fmt.Errorf("resolve guild %d: %w", id, shardcast.ErrEntityUnknown)
	}
	guild, ok := shardcast.As[shardcast.Guild](snapshot)
	if !ok || !guild.Complete {
		return shardcast.Guild{}, fmt.Errorf("resolve guild %d: %w", id, shardcast.ErrEntityUnknown)
	}

	return guild, nil
}

// Channel returns a channel of a complete guild.
func (r *Resolver) Channel(id shardcast.EntityID) (shardcast.Channel, error) {
	snapshot, ok := r.reader.Get(shardcast.ChannelKey(id))
	if !ok {
		return shardcast.Channel{}, fmt.Errorf("resolve channel %d: %w", id, shardcast.ErrEntityUnknown)
	}
	channel, ok := shardcast.As[shardcast.Channel](snapshot)
	if !ok {
		return shardcast.Channel{}, fmt.Errorf("resolve channel %d: %w", id, shardcast.ErrEntityUnknown)
	}
	if channel.GuildID != 0 {
		if _, err := r.Guild(channel.GuildID); err != nil {
			return shardcast.Channel{}, fmt.Errorf("resolve channel %d: %w", id, err)
		}
	}

	return channel, nil
}

// Member returns a guild member of a complete guild.
func (r *Resolver) Member(guildID, userID shardcast.EntityID) (shardcast.Member, error) {
	if _, err := r.Guild(guildID); err != nil {
		return shardcast.Member{}, fmt.Errorf("resolve member %d/%d: %w", guildID, userID, err)
	}
	snapshot, ok := r.reader.Get(shardcast.MemberKey(guildID, userID))
	if !ok {
		return shardcast.Member{}, fmt.Errorf("resolve member %d/%d: %w", guildID, userID, shardcast.ErrEntityUnknown)
	}
	member, ok := shardcast.As[shardcast.Member](snapshot)
	if !ok {
		return shardcast.Member{}, fmt.Errorf("resolve member %d/%d: %w", guildID, userID, shardcast.ErrEntityUnknown)
	}

	return member, nil
}

// Channels returns every channel of a complete guild.
func (r *Resolver) Channels(guildID shardcast.EntityID) ([]shardcast.Channel, error) {
	if _, err := r.Guild(guildID); err != nil {
		return nil, fmt.Errorf("resolve channels of %d: %w", guildID, err)
	}

	var channels []shardcast.Channel
	for snapshot := range r.reader.Scan(func(s shardcast.Snapshot) bool {
		channel, ok := shardcast.As[shardcast.Channel](s)
		return ok && channel.GuildID == guildID
	}) {
		channel, _ := shardcast.As[shardcast.Channel](snapshot)
		channels = append(channels, channel)
	}

	return channels, nil
}
