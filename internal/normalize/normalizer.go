// Package normalize turns raw upstream events into cache effects and dispatch candidates.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"shardcast/internal/cache"
	"shardcast/internal/metrics"
	"shardcast/pkg/shardcast"
)

const (
	defaultVoiceStateTTL = 6 * time.Hour
	defaultLobbyTTL      = 3 * time.Hour
	resyncRetries        = 8
)

// Dispatcher receives dispatch candidates produced by feed events.
type Dispatcher interface {
	Notify(ctx context.Context, candidate shardcast.DispatchCandidate) (int, error)
	ExpireSource(ctx context.Context, source shardcast.SourceKey) (int, error)
}

// EffectOp is the cache operation declared by one event.
type EffectOp string

const (
	// EffectUpsert stores or replaces an entity.
	EffectUpsert EffectOp = "upsert"
	// EffectRemove replaces an entity with a tombstone.
	EffectRemove EffectOp = "remove"
)

// CacheEffect records one cache mutation attempted while applying an event.
type CacheEffect struct {
	Op            EffectOp
	Key           shardcast.EntityKey
	SourceVersion uint64
	// Applied is false when the cache already held an equal or newer source version.
	Applied bool
}

// Result is the outcome of applying one raw event.
type Result struct {
	Event     shardcast.Event
	Effects   []CacheEffect
	Candidate *shardcast.DispatchCandidate
}

// Applied reports whether any effect changed the cache.
func (r Result) Applied() bool {
	for _, effect := range r.Effects {
		if effect.Applied {
			return true
		}
	}

	return false
}

// Stats counts processed events.
type Stats struct {
	Applied    uint64
	Duplicates uint64
	Unknown    uint64
	Malformed  uint64
}

// Normalizer applies decoded events to the entity cache.
//
// Apply must be called by one goroutine per stream so per-shard order is preserved;
// different shards may call it concurrently.
type Normalizer struct {
	cache      *cache.Cache
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics

	voiceStateTTL time.Duration
	lobbyTTL      time.Duration

	// userMarks holds, per shard, the newest source version whose embedded users were written.
	userMarks sync.Map // int -> *atomic.Uint64

	applied    atomic.Uint64
	duplicates atomic.Uint64
	unknown    atomic.Uint64
	malformed  atomic.Uint64
}

var _ shardcast.EventSink = (*Normalizer)(nil)

// Option mutates normalizer construction configuration.
type Option func(*Normalizer)

// WithDispatcher configures where feed candidates are forwarded.
func WithDispatcher(dispatcher Dispatcher) Option {
	return func(n *Normalizer) {
		n.dispatcher = dispatcher
	}
}

// WithLogger configures the normalizer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithMetrics configures Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Normalizer) {
		n.metrics = m
	}
}

// WithVoiceStateTTL configures how long voice presence is retained without refresh.
func WithVoiceStateTTL(ttl time.Duration) Option {
	return func(n *Normalizer) {
		if ttl > 0 {
			n.voiceStateTTL = ttl
		}
	}
}

// WithLobbyTTL configures how long lobbies are retained without refresh.
func WithLobbyTTL(ttl time.Duration) Option {
	return func(n *Normalizer) {
		if ttl > 0 {
			n.lobbyTTL = ttl
		}
	}
}

// New creates a normalizer writing into entityCache.
func New(entityCache *cache.Cache, options ...Option) *Normalizer {
	n := &Normalizer{
		cache:         entityCache,
		logger:        slog.Default(),
		voiceStateTTL: defaultVoiceStateTTL,
		lobbyTTL:      defaultLobbyTTL,
	}
	for _, option := range options {
		option(n)
	}

	return n
}

// Ingest applies raw and forwards any candidate to the dispatcher.
//
// Unknown, replayed, and malformed events are counted and dropped; they never fail the
// calling connection. Only context cancellation is returned.
func (n *Normalizer) Ingest(ctx context.Context, raw shardcast.RawEvent) error {
	result, err := n.Apply(ctx, raw)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ingest %s: %w", raw.Name, ctxErr)
		}
		if !errors.Is(err, shardcast.ErrUnknownEvent) {
			n.logger.WarnContext(ctx, "dropping event",
				"origin", raw.Origin,
				"event", raw.Name,
				"shard_id", raw.ShardID,
				"sequence", raw.Sequence,
				"error", err,
			)
		}
		return nil
	}
	if result.Candidate == nil || n.dispatcher == nil {
		return nil
	}

	if _, err := n.dispatcher.Notify(ctx, *result.Candidate); err != nil {
		n.logger.ErrorContext(ctx, "notify candidate failed",
			"source", result.Candidate.Source.String(),
			"sequence", result.Candidate.Sequence,
			"error", err,
		)
	}
	if closed, ok := result.Event.(shardcast.LobbyClosed); ok {
		if _, err := n.dispatcher.ExpireSource(ctx, shardcast.LobbySource(closed.LobbyID)); err != nil {
			n.logger.ErrorContext(ctx, "expire lobby subscriptions failed",
				"lobby_id", closed.LobbyID,
				"error", err,
			)
		}
	}

	return nil
}

// Apply decodes raw, applies its declared effects, and returns the outcome.
func (n *Normalizer) Apply(ctx context.Context, raw shardcast.RawEvent) (Result, error) {
	origin := string(raw.Origin)

	event, err := Decode(raw)
	if err != nil {
		if errors.Is(err, shardcast.ErrUnknownEvent) {
			n.unknown.Add(1)
			n.metrics.IncEventDropped(origin, "unknown")
			n.logger.DebugContext(ctx, "unknown event kind", "origin", origin, "event", raw.Name)
		} else {
			n.malformed.Add(1)
			n.metrics.IncEventDropped(origin, "malformed")
		}
		return Result{}, err
	}

	result := Result{Event: event}
	sourceVersion := SourceVersion(raw)

	switch typed := event.(type) {
	case shardcast.GuildCreate:
		result.Effects = n.applyGuildCreate(typed, sourceVersion, n.claimUsers(raw.ShardID, sourceVersion))
	case shardcast.GuildUpdate:
		result.Effects = n.applyGuildUpdate(typed, sourceVersion)
	case shardcast.GuildDelete:
		result.Effects = n.applyGuildDelete(typed, sourceVersion)
	case shardcast.ChannelCreate:
		result.Effects = []CacheEffect{n.upsert(shardcast.ChannelKey(typed.Channel.ID), sourceVersion, typed.Channel, 0)}
	case shardcast.ChannelUpdate:
		result.Effects = []CacheEffect{n.upsert(shardcast.ChannelKey(typed.Channel.ID), sourceVersion, typed.Channel, 0)}
	case shardcast.ChannelDelete:
		result.Effects = []CacheEffect{n.remove(shardcast.ChannelKey(typed.Channel.ID), sourceVersion)}
	case shardcast.MemberAdd:
		result.Effects = n.applyMember(typed.Member, typed.User, sourceVersion, n.claimUsers(raw.ShardID, sourceVersion), true)
	case shardcast.MemberUpdate:
		result.Effects = n.applyMember(typed.Member, typed.User, sourceVersion, n.claimUsers(raw.ShardID, sourceVersion), false)
	case shardcast.MemberRemove:
		result.Effects = n.applyMemberRemove(typed, sourceVersion)
	case shardcast.UserUpdate:
		result.Effects = []CacheEffect{n.upsertUser(typed.User, sourceVersion, n.claimUsers(raw.ShardID, sourceVersion))}
	case shardcast.VoiceStateUpdate:
		key := shardcast.VoiceStateKey(typed.State.GuildID, typed.State.UserID)
		if typed.State.ChannelID == 0 {
			result.Effects = []CacheEffect{n.remove(key, sourceVersion)}
		} else {
			result.Effects = []CacheEffect{n.upsert(key, sourceVersion, typed.State, n.voiceStateTTL)}
		}
	case shardcast.PlayerStatus:
		result.Effects, result.Candidate = n.applyPlayerStatus(typed, raw)
	case shardcast.ScoreSet:
		result.Effects, result.Candidate = n.applyScore(typed, raw)
	case shardcast.LobbyUpdate:
		result.Effects, result.Candidate = n.applyLobbyUpdate(typed, raw)
	case shardcast.LobbyClosed:
		result.Effects, result.Candidate = n.applyLobbyClosed(typed, raw)
	}

	if result.Applied() {
		n.applied.Add(1)
		n.metrics.IncEventApplied(origin, string(raw.Name))
	} else {
		n.duplicates.Add(1)
		n.metrics.IncEventDropped(origin, "duplicate")
	}

	return result, nil
}

// Stats returns event counters.
func (n *Normalizer) Stats() Stats {
	return Stats{
		Applied:    n.applied.Load(),
		Duplicates: n.duplicates.Load(),
		Unknown:    n.unknown.Load(),
		Malformed:  n.malformed.Load(),
	}
}

// SourceVersion returns the cache ordering key of raw.
//
// Gateway events order by (identify epoch, sequence) so a fresh session always supersedes
// state cached by an earlier one; feed frames order by frame sequence.
func SourceVersion(raw shardcast.RawEvent) uint64 {
	if raw.Origin == shardcast.OriginGateway {
		return raw.Epoch<<32 | (raw.Sequence & 0xffffffff)
	}

	return raw.Sequence
}

// MarkShardResyncing flags every guild owned by shardID as incomplete.
//
// Reads through a Resolver report those guilds as unknown until a fresh GUILD_CREATE
// arrives after the resync.
func (n *Normalizer) MarkShardResyncing(ctx context.Context, shardID int) int {
	marked := 0
	for snapshot := range n.cache.Scan(func(s shardcast.Snapshot) bool {
		guild, ok := shardcast.As[shardcast.Guild](s)
		return ok && guild.ShardID == shardID && guild.Complete
	}) {
		if n.markIncomplete(snapshot.Key) {
			marked++
		}
	}
	if marked > 0 {
		n.logger.InfoContext(ctx, "shard guilds marked incomplete", "shard_id", shardID, "guilds", marked)
	}

	return marked
}

func (n *Normalizer) markIncomplete(key shardcast.EntityKey) bool {
	for attempt := 0; attempt < resyncRetries; attempt++ {
		snapshot, ok := n.cache.Get(key)
		if !ok {
			return false
		}
		guild, ok := shardcast.As[shardcast.Guild](snapshot)
		if !ok || !guild.Complete {
			return false
		}
		guild.Complete = false
		expected := snapshot.Version
		_, err := n.cache.Upsert(key, guild, &expected, 0)
		if err == nil {
			return true
		}
		if !errors.Is(err, shardcast.ErrVersionConflict) {
			n.logger.Error("mark guild incomplete failed", "guild_id", key.ID, "error", err)
			return false
		}
	}

	return false
}

func (n *Normalizer) applyGuildCreate(
	event shardcast.GuildCreate,
	sourceVersion uint64,
	writeUsers bool,
) []CacheEffect {
	guildID := event.Guild.ID
	effects := make([]CacheEffect, 0, 1+len(event.Channels)+2*len(event.Members)+len(event.Voice))
	effects = append(effects, n.upsert(shardcast.GuildKey(guildID), sourceVersion, event.Guild, 0))

	present := make(map[shardcast.EntityID]struct{}, len(event.Channels))
	for _, channel := range event.Channels {
		present[channel.ID] = struct{}{}
		effects = append(effects, n.upsert(shardcast.ChannelKey(channel.ID), sourceVersion, channel, 0))
	}
	for idx, member := range event.Members {
		effects = append(effects, n.upsert(shardcast.MemberKey(guildID, member.UserID), sourceVersion, member, 0))
		effects = append(effects, n.upsertUser(event.Users[idx], sourceVersion, writeUsers))
	}
	for _, state := range event.Voice {
		effects = append(effects, n.upsert(shardcast.VoiceStateKey(guildID, state.UserID), sourceVersion, state, n.voiceStateTTL))
	}

	// A guild create is a full channel snapshot; channels missing from it were deleted while
	// the shard was away.
	for stale := range n.cache.Scan(func(s shardcast.Snapshot) bool {
		channel, ok := shardcast.As[shardcast.Channel](s)
		if !ok || channel.GuildID != guildID || s.SourceVersion >= sourceVersion {
			return false
		}
		_, keep := present[channel.ID]
		return !keep
	}) {
		effects = append(effects, n.remove(stale.Key, sourceVersion))
	}

	return effects
}

func (n *Normalizer) applyGuildUpdate(event shardcast.GuildUpdate, sourceVersion uint64) []CacheEffect {
	guild := event.Guild
	if current, ok := n.cache.Get(shardcast.GuildKey(guild.ID)); ok {
		if cached, ok := shardcast.As[shardcast.Guild](current); ok {
			guild.Complete = cached.Complete
			if guild.MemberCount == 0 {
				guild.MemberCount = cached.MemberCount
			}
		}
	}

	return []CacheEffect{n.upsert(shardcast.GuildKey(guild.ID), sourceVersion, guild, 0)}
}

func (n *Normalizer) applyGuildDelete(event shardcast.GuildDelete, sourceVersion uint64) []CacheEffect {
	key := shardcast.GuildKey(event.ID)
	if event.Unavailable {
		guild := shardcast.Guild{ID: event.ID}
		if current, ok := n.cache.Get(key); ok {
			if cached, ok := shardcast.As[shardcast.Guild](current); ok {
				guild = cached
			}
		}
		guild.Unavailable = true
		guild.Complete = false
		return []CacheEffect{n.upsert(key, sourceVersion, guild, 0)}
	}

	effects := []CacheEffect{n.remove(key, sourceVersion)}
	for owned := range n.cache.Scan(func(s shardcast.Snapshot) bool {
		return ownedByGuild(s, event.ID)
	}) {
		effects = append(effects, n.remove(owned.Key, sourceVersion))
	}

	return effects
}

func (n *Normalizer) applyMember(
	member shardcast.Member,
	user shardcast.User,
	sourceVersion uint64,
	writeUser bool,
	added bool,
) []CacheEffect {
	effects := []CacheEffect{
		n.upsert(shardcast.MemberKey(member.GuildID, member.UserID), sourceVersion, member, 0),
	}
	if user.ID != 0 {
		effects = append(effects, n.upsertUser(user, sourceVersion, writeUser))
	}
	if added && effects[0].Applied {
		n.adjustMemberCount(member.GuildID, 1)
	}

	return effects
}

func (n *Normalizer) applyMemberRemove(event shardcast.MemberRemove, sourceVersion uint64) []CacheEffect {
	effect := n.remove(shardcast.MemberKey(event.GuildID, event.UserID), sourceVersion)
	if effect.Applied {
		n.adjustMemberCount(event.GuildID, -1)
	}

	return []CacheEffect{effect}
}

// adjustMemberCount applies a delta with optimistic concurrency so concurrent shards
// touching the same guild never lose an increment.
func (n *Normalizer) adjustMemberCount(guildID shardcast.EntityID, delta int) {
	key := shardcast.GuildKey(guildID)
	for attempt := 0; attempt < resyncRetries; attempt++ {
		snapshot, ok := n.cache.Get(key)
		if !ok {
			return
		}
		guild, ok := shardcast.As[shardcast.Guild](snapshot)
		if !ok {
			return
		}
		guild.MemberCount = max(0, guild.MemberCount+delta)
		expected := snapshot.Version
		_, err := n.cache.Upsert(key, guild, &expected, 0)
		if err == nil || !errors.Is(err, shardcast.ErrVersionConflict) {
			return
		}
	}
}

func (n *Normalizer) applyPlayerStatus(
	event shardcast.PlayerStatus,
	raw shardcast.RawEvent,
) ([]CacheEffect, *shardcast.DispatchCandidate) {
	key := shardcast.TrackedPlayerKey(event.Player.PlayerID)
	wasLive := false
	if current, ok := n.cache.Get(key); ok {
		if player, ok := shardcast.As[shardcast.TrackedPlayer](current); ok {
			wasLive = player.Live
		}
	}

	effect := n.upsert(key, raw.Sequence, event.Player, 0)
	if !effect.Applied || wasLive == event.Player.Live {
		return []CacheEffect{effect}, nil
	}

	notification := shardcast.Notification{
		Source:     shardcast.PlayerSource(event.Player.PlayerID),
		Mode:       event.Player.Mode,
		OccurredAt: event.Player.LastActivityAt,
	}
	if event.Player.Live {
		notification.Kind = shardcast.ActivityWentLive
		notification.Title = fmt.Sprintf("%s is now live", displayName(event.Player))
		notification.Body = event.Player.StreamTitle
	} else {
		notification.Kind = shardcast.ActivityWentOffline
		notification.Title = fmt.Sprintf("%s went offline", displayName(event.Player))
	}

	return []CacheEffect{effect}, candidate(raw.Sequence, notification)
}

func (n *Normalizer) applyScore(
	event shardcast.ScoreSet,
	raw shardcast.RawEvent,
) ([]CacheEffect, *shardcast.DispatchCandidate) {
	key := shardcast.TrackedPlayerKey(event.PlayerID)
	player := shardcast.TrackedPlayer{PlayerID: event.PlayerID, Mode: event.Mode}
	if current, ok := n.cache.Get(key); ok {
		if cached, ok := shardcast.As[shardcast.TrackedPlayer](current); ok {
			player = cached
		}
	}
	player.LastActivityAt = event.SetAt

	effect := n.upsert(key, raw.Sequence, player, 0)
	if !effect.Applied {
		return []CacheEffect{effect}, nil
	}

	notification := shardcast.Notification{
		Kind:       shardcast.ActivityScoreSet,
		Source:     shardcast.PlayerSource(event.PlayerID),
		Title:      fmt.Sprintf("%s set a new score", displayName(player)),
		Body:       event.Title,
		Mode:       event.Mode,
		Rank:       event.Rank,
		PP:         event.PP,
		OccurredAt: event.SetAt,
	}
	if event.Rank > 0 {
		notification.Title = fmt.Sprintf("%s set a new #%d score", displayName(player), event.Rank)
	}

	return []CacheEffect{effect}, candidate(raw.Sequence, notification)
}

func (n *Normalizer) applyLobbyUpdate(
	event shardcast.LobbyUpdate,
	raw shardcast.RawEvent,
) ([]CacheEffect, *shardcast.DispatchCandidate) {
	lobby := event.Lobby
	effect := n.upsert(shardcast.LiveLobbyKey(lobby.LobbyID), raw.Sequence, lobby, n.lobbyTTL)
	if !effect.Applied {
		return []CacheEffect{effect}, nil
	}

	return []CacheEffect{effect}, candidate(raw.Sequence, shardcast.Notification{
		Kind:       shardcast.ActivityLobbyUpdate,
		Source:     shardcast.LobbySource(lobby.LobbyID),
		Title:      fmt.Sprintf("Lobby %s: %s", lobby.Name, lobby.Status),
		Body:       fmt.Sprintf("%d players, %d games played", len(lobby.Players), lobby.GameCount),
		OccurredAt: lobby.UpdatedAt,
	})
}

func (n *Normalizer) applyLobbyClosed(
	event shardcast.LobbyClosed,
	raw shardcast.RawEvent,
) ([]CacheEffect, *shardcast.DispatchCandidate) {
	key := shardcast.LiveLobbyKey(event.LobbyID)
	name := fmt.Sprintf("%d", event.LobbyID)
	if current, ok := n.cache.Get(key); ok {
		if lobby, ok := shardcast.As[shardcast.LiveLobby](current); ok && lobby.Name != "" {
			name = lobby.Name
		}
	}

	effect := n.remove(key, raw.Sequence)
	if !effect.Applied {
		return []CacheEffect{effect}, nil
	}

	return []CacheEffect{effect}, candidate(raw.Sequence, shardcast.Notification{
		Kind:       shardcast.ActivityLobbyClosed,
		Source:     shardcast.LobbySource(event.LobbyID),
		Title:      fmt.Sprintf("Lobby %s closed", name),
		OccurredAt: raw.ReceivedAt,
	})
}

func (n *Normalizer) upsert(
	key shardcast.EntityKey,
	sourceVersion uint64,
	payload shardcast.Payload,
	ttl time.Duration,
) CacheEffect {
	_, applied, err := n.cache.ApplyIfNewer(key, sourceVersion, payload, ttl)
	if err != nil {
		n.logger.Error("apply cache effect failed", "key", key.String(), "error", err)
	}

	return CacheEffect{Op: EffectUpsert, Key: key, SourceVersion: sourceVersion, Applied: applied}
}

// claimUsers reports whether users carried by a gateway event at sourceVersion may be
// written, advancing the shard's user mark when they may.
//
// Users are shared by every shard, and sequences of different shards are not comparable,
// so user writes are ordered only within the shard that carried them. The newest event of
// any shard wins the cached user.
func (n *Normalizer) claimUsers(shardID int, sourceVersion uint64) bool {
	value, _ := n.userMarks.LoadOrStore(shardID, new(atomic.Uint64))
	mark := value.(*atomic.Uint64)
	for {
		current := mark.Load()
		if sourceVersion <= current {
			return false
		}
		if mark.CompareAndSwap(current, sourceVersion) {
			return true
		}
	}
}

// upsertUser writes user unconditionally when its shard claimed the event.
func (n *Normalizer) upsertUser(user shardcast.User, sourceVersion uint64, claimed bool) CacheEffect {
	key := shardcast.UserKey(user.ID)
	effect := CacheEffect{Op: EffectUpsert, Key: key, SourceVersion: sourceVersion}
	if !claimed {
		return effect
	}
	if _, err := n.cache.Upsert(key, user, nil, 0); err != nil {
		n.logger.Error("apply user effect failed", "key", key.String(), "error", err)
		return effect
	}
	effect.Applied = true

	return effect
}

func (n *Normalizer) remove(key shardcast.EntityKey, sourceVersion uint64) CacheEffect {
	return CacheEffect{
		Op:            EffectRemove,
		Key:           key,
		SourceVersion: sourceVersion,
		Applied:       n.cache.RemoveIfNewer(key, sourceVersion),
	}
}

func ownedByGuild(snapshot shardcast.Snapshot, guildID shardcast.EntityID) bool {
	switch payload := snapshot.Payload.(type) {
	case shardcast.Channel:
		return payload.GuildID == guildID
	case shardcast.Member:
		return payload.GuildID == guildID
	case shardcast.VoiceState:
		return payload.GuildID == guildID
	default:
		return false
	}
}

func candidate(sequence uint64, notification shardcast.Notification) *shardcast.DispatchCandidate {
	return &shardcast.DispatchCandidate{
		Source:       notification.Source,
		Sequence:     sequence,
		Notification: notification,
	}
}

func displayName(player shardcast.TrackedPlayer) string {
	if player.Username != "" {
		return player.Username
	}

	return fmt.Sprintf("player %d", player.PlayerID)
}
