package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"shardcast/internal/cache"
	"shardcast/pkg/shardcast"
)

type recordingDispatcher struct {
	mu         sync.Mutex
	candidates []shardcast.DispatchCandidate
	expired    []shardcast.SourceKey
}

func (r *recordingDispatcher) Notify(_ context.Context, candidate shardcast.DispatchCandidate) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.candidates = append(r.candidates, candidate)
	return 1, nil
}

func (r *recordingDispatcher) ExpireSource(_ context.Context, source shardcast.SourceKey) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.expired = append(r.expired, source)
	return 0, nil
}

func (r *recordingDispatcher) snapshot() ([]shardcast.DispatchCandidate, []shardcast.SourceKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]shardcast.DispatchCandidate(nil), r.candidates...), append([]shardcast.SourceKey(nil), r.expired...)
}

func gatewayEvent(epoch, sequence uint64, name shardcast.EventName, data string) shardcast.RawEvent {
	return shardcast.RawEvent{
		Origin:   shardcast.OriginGateway,
		ShardID:  0,
		Epoch:    epoch,
		Sequence: sequence,
		Name:     name,
		Data:     json.RawMessage(data),
	}
}

func feedEvent(source shardcast.EntityID, sequence uint64, name shardcast.EventName, data string) shardcast.RawEvent {
	return shardcast.RawEvent{
		Origin:     shardcast.OriginFeed,
		Sequence:   sequence,
		SourceID:   source,
		Name:       name,
		Data:       json.RawMessage(data),
		ReceivedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

const guildCreatePayload = `{"id":"10","name":"osu","member_count":1,
	"channels":[{"id":"100","name":"general"},{"id":"101","name":"scores"}],
	"members":[{"user":{"id":"7","username":"owner"}}]}`

// TestApplyIsIdempotent verifies replaying the same event changes cache state at most once.
func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := cache.New()
	n := New(c)

	first, err := n.Apply(ctx, gatewayEvent(1, 1, shardcast.EventGuildCreate, guildCreatePayload))
	if err != nil {
		t.Fatalf("Apply first: %v", err)
	}
	if !first.Applied() {
		t.Fatal("first Apply applied = false, want true")
	}
	before, _ := c.Get(shardcast.GuildKey(10))

	second, err := n.Apply(ctx, gatewayEvent(1, 1, shardcast.EventGuildCreate, guildCreatePayload))
	if err != nil {
		t.Fatalf("Apply replay: %v", err)
	}
	if second.Applied() {
		t.Fatal("replayed Apply applied = true, want false")
	}
	after, _ := c.Get(shardcast.GuildKey(10))
	if after.Version != before.Version {
		t.Fatalf("guild version after replay = %d, want %d", after.Version, before.Version)
	}

	stats := n.Stats()
	if stats.Applied != 1 || stats.Duplicates != 1 {
		t.Fatalf("stats = %+v, want applied=1 duplicates=1", stats)
	}
}

// TestApplyOutOfOrderDoesNotRegress verifies an older update never overwrites a newer one.
func TestApplyOutOfOrderDoesNotRegress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := cache.New()
	n := New(c)

	if _, err := n.Apply(ctx, gatewayEvent(1, 5, shardcast.EventChannelUpdate, `{"id":"100","guild_id":"10","name":"new"}`)); err != nil {
		t.Fatalf("Apply newer: %v", err)
	}
	if _, err := n.Apply(ctx, gatewayEvent(1, 4, shardcast.EventChannelUpdate, `{"id":"100","guild_id":"10","name":"old"}`)); err != nil {
		t.Fatalf("Apply older: %v", err)
	}

	snapshot, ok := c.Get(shardcast.ChannelKey(100))
	if !ok {
		t.Fatal("channel missing")
	}
	channel, _ := shardcast.As[shardcast.Channel](snapshot)
	if channel.Name != "new" {
		t.Fatalf("channel name = %q, want new", channel.Name)
	}
}

// TestApplyDeleteBlocksReplayedCreate verifies a tombstone outranks an older create.
func TestApplyDeleteBlocksReplayedCreate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := cache.New()
	n := New(c)

	create := gatewayEvent(1, 1, shardcast.EventChannelCreate, `{"id":"100","guild_id":"10","name":"tmp"}`)
	if _, err := n.Apply(ctx, create); err != nil {
		t.Fatalf("Apply create: %v", err)
	}
	if _, err := n.Apply(ctx, gatewayEvent(1, 2, shardcast.EventChannelDelete, `{"id":"100","guild_id":"10"}`)); err != nil {
		t.Fatalf("Apply delete: %v", err)
	}
	if _, err := n.Apply(ctx, create); err != nil {
		t.Fatalf("Apply replayed create: %v", err)
	}

	if _, ok := c.Get(shardcast.ChannelKey(100)); ok {
		t.Fatal("channel resurrected by replayed create")
	}
}

// TestApplyResumeMatchesUninterrupted verifies replaying a suffix after resume yields the same state.
func TestApplyResumeMatchesUninterrupted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	frames := []shardcast.RawEvent{
		gatewayEvent(1, 1, shardcast.EventGuildCreate, guildCreatePayload),
		gatewayEvent(1, 2, shardcast.EventChannelUpdate, `{"id":"100","guild_id":"10","name":"lobby"}`),
		gatewayEvent(1, 3, shardcast.EventMemberAdd, `{"guild_id":"10","user":{"id":"8","username":"guest"}}`),
		gatewayEvent(1, 4, shardcast.EventVoiceStateUpdate, `{"guild_id":"10","user_id":"8","channel_id":"101"}`),
		gatewayEvent(1, 5, shardcast.EventChannelDelete, `{"id":"101","guild_id":"10"}`),
		gatewayEvent(1, 6, shardcast.EventMemberRemove, `{"guild_id":"10","user":{"id":"7"}}`),
	}

	uninterrupted := cache.New()
	direct := New(uninterrupted)
	for _, frame := range frames {
		if _, err := direct.Apply(ctx, frame); err != nil {
			t.Fatalf("Apply seq %d: %v", frame.Sequence, err)
		}
	}

	resumed := cache.New()
	replay := New(resumed)
	for _, frame := range frames[:4] {
		if _, err := replay.Apply(ctx, frame); err != nil {
			t.Fatalf("Apply seq %d: %v", frame.Sequence, err)
		}
	}
	// Resume replays from the last acknowledged sequence, duplicating 3 and 4.
	for _, frame := range frames[2:] {
		if _, err := replay.Apply(ctx, frame); err != nil {
			t.Fatalf("Apply replay seq %d: %v", frame.Sequence, err)
		}
	}

	if diff := cmp.Diff(payloads(uninterrupted), payloads(resumed)); diff != "" {
		t.Fatalf("resumed cache mismatch (-uninterrupted +resumed):\n%s", diff)
	}
}

func payloads(c *cache.Cache) map[string]shardcast.Payload {
	out := make(map[string]shardcast.Payload)
	for snapshot := range c.Scan(nil) {
		out[snapshot.Key.String()] = snapshot.Payload
	}

	return out
}

// TestApplyMemberCount verifies member joins and leaves adjust the cached guild count.
func TestApplyMemberCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := cache.New()
	n := New(c)

	events := []shardcast.RawEvent{
		gatewayEvent(1, 1, shardcast.EventGuildCreate, guildCreatePayload),
		gatewayEvent(1, 2, shardcast.EventMemberAdd, `{"guild_id":"10","user":{"id":"8"}}`),
		gatewayEvent(1, 2, shardcast.EventMemberAdd, `{"guild_id":"10","user":{"id":"8"}}`),
		gatewayEvent(1, 3, shardcast.EventMemberAdd, `{"guild_id":"10","user":{"id":"9"}}`),
		gatewayEvent(1, 4, shardcast.EventMemberRemove, `{"guild_id":"10","user":{"id":"7"}}`),
	}
	for _, event := range events {
		if _, err := n.Apply(ctx, event); err != nil {
			t.Fatalf("Apply seq %d: %v", event.Sequence, err)
		}
	}

	guild, err := NewResolver(c).Guild(10)
	if err != nil {
		t.Fatalf("Guild: %v", err)
	}
	if guild.MemberCount != 2 {
		t.Fatalf("member count = %d, want 2", guild.MemberCount)
	}
}

// TestApplyGuildCreatePrunesMissingChannels verifies a fresh guild snapshot drops vanished channels.
func TestApplyGuildCreatePrunesMissingChannels(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := cache.New()
	n := New(c)

	if _, err := n.Apply(ctx, gatewayEvent(1, 1, shardcast.EventGuildCreate, guildCreatePayload)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	resynced := `{"id":"10","name":"osu","channels":[{"id":"100","name":"general"}]}`
	if _, err := n.Apply(ctx, gatewayEvent(2, 1, shardcast.EventGuildCreate, resynced)); err != nil {
		t.Fatalf("Apply resync: %v", err)
	}

	if _, ok := c.Get(shardcast.ChannelKey(101)); ok {
		t.Fatal("channel 101 survived resync without it")
	}
	if _, ok := c.Get(shardcast.ChannelKey(100)); !ok {
		t.Fatal("channel 100 missing after resync")
	}
}

// TestApplyGuildDelete verifies outages keep the guild but hide it and removals cascade.
func TestApplyGuildDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := cache.New()
	n := New(c)
	resolver := NewResolver(c)

	if _, err := n.Apply(ctx, gatewayEvent(1, 1, shardcast.EventGuildCreate, guildCreatePayload)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := n.Apply(ctx, gatewayEvent(1, 2, shardcast.EventGuildDelete, `{"id":"10","unavailable":true}`)); err != nil {
		t.Fatalf("Apply outage: %v", err)
	}
	if _, err := resolver.Guild(10); !errors.Is(err, shardcast.ErrEntityUnknown) {
		t.Fatalf("Guild during outage error = %v, want ErrEntityUnknown", err)
	}
	if _, ok := c.Get(shardcast.GuildKey(10)); !ok {
		t.Fatal("unavailable guild removed from cache")
	}

	if _, err := n.Apply(ctx, gatewayEvent(1, 3, shardcast.EventGuildDelete, `{"id":"10"}`)); err != nil {
		t.Fatalf("Apply delete: %v", err)
	}
	for _, key := range []shardcast.EntityKey{
		shardcast.GuildKey(10),
		shardcast.ChannelKey(100),
		shardcast.ChannelKey(101),
		shardcast.MemberKey(10, 7),
	} {
		if _, ok := c.Get(key); ok {
			t.Fatalf("%s survived guild delete", key)
		}
	}
	if _, ok := c.Get(shardcast.UserKey(7)); !ok {
		t.Fatal("user removed with guild, want retained")
	}
}

// TestApplyUsersAcrossShards verifies a user shared by two shards takes the latest write
// even when the later shard's sequence is far behind the earlier one.
func TestApplyUsersAcrossShards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := cache.New()
	n := New(c)

	onShard := func(shardID int, sequence uint64, name shardcast.EventName, data string) shardcast.RawEvent {
		raw := gatewayEvent(1, sequence, name, data)
		raw.ShardID = shardID
		return raw
	}
	username := func() string {
		t.Helper()
		snapshot, ok := c.Get(shardcast.UserKey(7))
		if !ok {
			t.Fatal("user 7 missing")
		}
		user, _ := shardcast.As[shardcast.User](snapshot)
		return user.Username
	}

	steps := []struct {
		raw  shardcast.RawEvent
		want string
	}{
		{onShard(0, 500, shardcast.EventMemberAdd, `{"guild_id":"10","user":{"id":"7","username":"old"}}`), "old"},
		{onShard(1, 3, shardcast.EventMemberUpdate, `{"guild_id":"20","user":{"id":"7","username":"new"}}`), "new"},
		// A replay on shard 1 is ignored even though its sequence is new to shard 0.
		{onShard(1, 3, shardcast.EventMemberUpdate, `{"guild_id":"20","user":{"id":"7","username":"stale"}}`), "new"},
		{onShard(0, 501, shardcast.EventUserUpdate, `{"id":"7","username":"newest"}`), "newest"},
		{onShard(0, 499, shardcast.EventUserUpdate, `{"id":"7","username":"replayed"}`), "newest"},
	}
	for idx, step := range steps {
		if _, err := n.Apply(ctx, step.raw); err != nil {
			t.Fatalf("step %d Apply: %v", idx, err)
		}
		if got := username(); got != step.want {
			t.Fatalf("step %d username = %q, want %q", idx, got, step.want)
		}
	}
}

// TestMarkShardResyncing verifies entities of a resyncing shard read as unknown until refreshed.
func TestMarkShardResyncing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := cache.New()
	n := New(c)
	resolver := NewResolver(c)

	if _, err := n.Apply(ctx, gatewayEvent(1, 1, shardcast.EventGuildCreate, guildCreatePayload)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := resolver.Channel(100); err != nil {
		t.Fatalf("Channel before resync: %v", err)
	}

	if marked := n.MarkShardResyncing(ctx, 0); marked != 1 {
		t.Fatalf("MarkShardResyncing = %d, want 1", marked)
	}
	if marked := n.MarkShardResyncing(ctx, 1); marked != 0 {
		t.Fatalf("MarkShardResyncing other shard = %d, want 0", marked)
	}
	if _, err := resolver.Channel(100); !errors.Is(err, shardcast.ErrEntityUnknown) {
		t.Fatalf("Channel during resync error = %v, want ErrEntityUnknown", err)
	}
	if _, err := resolver.Member(10, 7); !errors.Is(err, shardcast.ErrEntityUnknown) {
		t.Fatalf("Member during resync error = %v, want ErrEntityUnknown", err)
	}

	// A fresh identify bumps the epoch so its guild create outranks the old session.
	if _, err := n.Apply(ctx, gatewayEvent(2, 1, shardcast.EventGuildCreate, guildCreatePayload)); err != nil {
		t.Fatalf("Apply resync: %v", err)
	}
	channels, err := resolver.Channels(10)
	if err != nil {
		t.Fatalf("Channels after resync: %v", err)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })
	if len(channels) != 2 || channels[0].ID != 100 {
		t.Fatalf("channels = %+v, want 100 and 101", channels)
	}
}

// TestApplyUnknownAndMalformed verifies bad input is counted and never fails ingestion.
func TestApplyUnknownAndMalformed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := New(cache.New())

	_, err := n.Apply(ctx, gatewayEvent(1, 1, "TYPING_START", `{}`))
	if !errors.Is(err, shardcast.ErrUnknownEvent) {
		t.Fatalf("Apply unknown error = %v, want ErrUnknownEvent", err)
	}
	_, err = n.Apply(ctx, gatewayEvent(1, 2, shardcast.EventGuildUpdate, `{`))
	var protocolErr *shardcast.ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("Apply malformed error = %v, want *ProtocolError", err)
	}

	if err := n.Ingest(ctx, gatewayEvent(1, 3, "PRESENCE_UPDATE", `{}`)); err != nil {
		t.Fatalf("Ingest unknown: %v", err)
	}
	if err := n.Ingest(ctx, gatewayEvent(1, 4, shardcast.EventChannelCreate, `[]`)); err != nil {
		t.Fatalf("Ingest malformed: %v", err)
	}

	stats := n.Stats()
	if stats.Unknown != 2 || stats.Malformed != 2 {
		t.Fatalf("stats = %+v, want unknown=2 malformed=2", stats)
	}
}

// TestIngestDerivesLiveTransitions verifies only live flips produce candidates.
func TestIngestDerivesLiveTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dispatcher := &recordingDispatcher{}
	n := New(cache.New(), WithDispatcher(dispatcher))

	frames := []shardcast.RawEvent{
		feedEvent(42, 1, shardcast.EventPlayerStatus, `{"username":"cookiezi","live":false}`),
		feedEvent(42, 2, shardcast.EventPlayerStatus, `{"username":"cookiezi","live":true,"stream_title":"farming"}`),
		feedEvent(42, 2, shardcast.EventPlayerStatus, `{"username":"cookiezi","live":true,"stream_title":"farming"}`),
		feedEvent(42, 3, shardcast.EventPlayerStatus, `{"username":"cookiezi","live":true,"stream_title":"still farming"}`),
		feedEvent(42, 4, shardcast.EventPlayerStatus, `{"username":"cookiezi","live":false}`),
	}
	for _, frame := range frames {
		if err := n.Ingest(ctx, frame); err != nil {
			t.Fatalf("Ingest seq %d: %v", frame.Sequence, err)
		}
	}

	candidates, _ := dispatcher.snapshot()
	if len(candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(candidates))
	}
	wantKinds := []shardcast.ActivityKind{shardcast.ActivityWentLive, shardcast.ActivityWentOffline}
	wantSeqs := []uint64{2, 4}
	for idx, candidate := range candidates {
		if candidate.Notification.Kind != wantKinds[idx] || candidate.Sequence != wantSeqs[idx] {
			t.Fatalf("candidate %d = %s@%d, want %s@%d",
				idx, candidate.Notification.Kind, candidate.Sequence, wantKinds[idx], wantSeqs[idx])
		}
		if candidate.Source != shardcast.PlayerSource(42) {
			t.Fatalf("candidate %d source = %s, want tracked_player:42", idx, candidate.Source)
		}
	}
	if got := candidates[0].Notification.Title; got != "cookiezi is now live" {
		t.Fatalf("went live title = %q", got)
	}
}

// TestIngestScoreAndLobbyLifecycle verifies scores notify and closed lobbies expire subscriptions.
func TestIngestScoreAndLobbyLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := cache.New()
	dispatcher := &recordingDispatcher{}
	n := New(c, WithDispatcher(dispatcher))

	frames := []shardcast.RawEvent{
		feedEvent(42, 1, shardcast.EventScoreSet, `{"mode":"osu","title":"song","rank":7,"pp":300}`),
		feedEvent(900, 1, shardcast.EventLobbyUpdate, `{"name":"mwc","status":"playing","players":["1","2"],"game_count":3}`),
		feedEvent(900, 2, shardcast.EventLobbyClosed, `{}`),
		feedEvent(900, 2, shardcast.EventLobbyClosed, `{}`),
	}
	for _, frame := range frames {
		if err := n.Ingest(ctx, frame); err != nil {
			t.Fatalf("Ingest %s: %v", frame.Name, err)
		}
	}

	candidates, expired := dispatcher.snapshot()
	got := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		got = append(got, fmt.Sprintf("%s %s", candidate.Source, candidate.Notification.Kind))
	}
	want := []string{
		"tracked_player:42 score_set",
		"live_lobby:900 lobby_update",
		"live_lobby:900 lobby_closed",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("candidates mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]shardcast.SourceKey{shardcast.LobbySource(900)}, expired); diff != "" {
		t.Fatalf("expired sources mismatch (-want +got):\n%s", diff)
	}
	if candidates[0].Notification.Rank != 7 || candidates[0].Notification.PP != 300 {
		t.Fatalf("score notification = %+v", candidates[0].Notification)
	}
	if _, ok := c.Get(shardcast.LiveLobbyKey(900)); ok {
		t.Fatal("closed lobby still cached")
	}
	if _, ok := c.Get(shardcast.TrackedPlayerKey(42)); !ok {
		t.Fatal("score did not track player")
	}
}

// TestIngestLobbyDoesNotTouchPlayerWithSameID verifies lobby expiry targets the lobby source.
func TestIngestLobbyDoesNotTouchPlayerWithSameID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dispatcher := &recordingDispatcher{}
	n := New(cache.New(), WithDispatcher(dispatcher))

	frames := []shardcast.RawEvent{
		feedEvent(42, 900, shardcast.EventLobbyUpdate, `{"name":"mwc","status":"open"}`),
		feedEvent(42, 901, shardcast.EventLobbyClosed, `{}`),
	}
	for _, frame := range frames {
		if err := n.Ingest(ctx, frame); err != nil {
			t.Fatalf("Ingest %s: %v", frame.Name, err)
		}
	}

	candidates, expired := dispatcher.snapshot()
	for _, candidate := range candidates {
		if candidate.Source != shardcast.LobbySource(42) || candidate.Notification.Source != candidate.Source {
			t.Fatalf("candidate source = %s / %s, want live_lobby:42", candidate.Source, candidate.Notification.Source)
		}
	}
	if diff := cmp.Diff([]shardcast.SourceKey{shardcast.LobbySource(42)}, expired); diff != "" {
		t.Fatalf("expired sources mismatch (-want +got):\n%s", diff)
	}
}

// TestSourceVersion verifies a fresh epoch outranks any sequence of an earlier one.
func TestSourceVersion(t *testing.T) {
	t.Parallel()

	old := SourceVersion(shardcast.RawEvent{Origin: shardcast.OriginGateway, Epoch: 1, Sequence: 1 << 20})
	fresh := SourceVersion(shardcast.RawEvent{Origin: shardcast.OriginGateway, Epoch: 2, Sequence: 1})
	if fresh <= old {
		t.Fatalf("fresh source version %d <= old %d", fresh, old)
	}
	if got := SourceVersion(shardcast.RawEvent{Origin: shardcast.OriginFeed, Epoch: 9, Sequence: 5}); got != 5 {
		t.Fatalf("feed source version = %d, want 5", got)
	}
}
