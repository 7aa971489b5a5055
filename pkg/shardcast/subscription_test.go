package shardcast

import (
	"errors"
	"testing"
	"time"
)

func TestFilterAccepts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		filter       Filter
		notification Notification
		want         bool
	}{
		{
			name:         "zero filter accepts everything",
			notification: Notification{Kind: ActivityWentLive},
			want:         true,
		},
		{
			name:         "activity not listed",
			filter:       Filter{Activities: []ActivityKind{ActivityScoreSet}},
			notification: Notification{Kind: ActivityWentLive},
			want:         false,
		},
		{
			name:         "score within limit",
			filter:       Filter{Limit: 50},
			notification: Notification{Kind: ActivityScoreSet, Rank: 50},
			want:         true,
		},
		{
			name:         "score outside limit",
			filter:       Filter{Limit: 50},
			notification: Notification{Kind: ActivityScoreSet, Rank: 51},
			want:         false,
		},
		{
			name:         "unranked score with limit",
			filter:       Filter{Limit: 10},
			notification: Notification{Kind: ActivityScoreSet},
			want:         false,
		},
		{
			name:         "score below min pp",
			filter:       Filter{MinPP: 200},
			notification: Notification{Kind: ActivityScoreSet, Rank: 1, PP: 150},
			want:         false,
		},
		{
			name:         "limit ignored for non score",
			filter:       Filter{Limit: 5},
			notification: Notification{Kind: ActivityLobbyUpdate},
			want:         true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if got := testCase.filter.Accepts(testCase.notification); got != testCase.want {
				t.Fatalf("Accepts() = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestSubscriptionValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		sub     Subscription
		wantErr bool
	}{
		{name: "valid player", sub: Subscription{Source: PlayerSource(1), Destination: 2}},
		{name: "valid lobby", sub: Subscription{Source: LobbySource(1), Destination: 2}},
		{name: "missing source", sub: Subscription{Destination: 2}, wantErr: true},
		{name: "missing source id", sub: Subscription{Source: PlayerSource(0), Destination: 2}, wantErr: true},
		{
			name:    "untrackable kind",
			sub:     Subscription{Source: SourceKey{Kind: EntityKindGuild, ID: 1}, Destination: 2},
			wantErr: true,
		},
		{name: "missing destination", sub: Subscription{Source: PlayerSource(1)}, wantErr: true},
		{
			name:    "limit too large",
			sub:     Subscription{Source: PlayerSource(1), Destination: 2, Filter: Filter{Limit: MaxFilterLimit + 1}},
			wantErr: true,
		},
		{
			name:    "unknown activity",
			sub:     Subscription{Source: PlayerSource(1), Destination: 2, Filter: Filter{Activities: []ActivityKind{"dance"}}},
			wantErr: true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.sub.Validate()
			if testCase.wantErr {
				if !errors.Is(err, ErrInvalidSubscription) {
					t.Fatalf("Validate() = %v, want ErrInvalidSubscription", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
		})
	}
}

// TestSourceKeyDistinguishesKinds verifies players and lobbies sharing an id stay distinct.
func TestSourceKeyDistinguishesKinds(t *testing.T) {
	t.Parallel()

	player, lobby := PlayerSource(42), LobbySource(42)
	if player == lobby {
		t.Fatal("player and lobby sources with the same id compare equal")
	}
	if player.String() != "tracked_player:42" || lobby.String() != "live_lobby:42" {
		t.Fatalf("String() = %q, %q", player.String(), lobby.String())
	}
	if player.EntityKey() != TrackedPlayerKey(42) || lobby.EntityKey() != LiveLobbyKey(42) {
		t.Fatal("EntityKey() does not match the cache key of the tracked entity")
	}
	if CompareSourceKeys(lobby, player) >= 0 || CompareSourceKeys(PlayerSource(1), PlayerSource(2)) >= 0 {
		t.Fatal("CompareSourceKeys does not order by kind then id")
	}
}

func TestSubscriptionExpired(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	if (Subscription{}).Expired(now) {
		t.Fatal("zero ExpiresAt reported expired")
	}
	if !(Subscription{ExpiresAt: now}).Expired(now) {
		t.Fatal("ExpiresAt == now not reported expired")
	}
	if (Subscription{ExpiresAt: now.Add(time.Second)}).Expired(now) {
		t.Fatal("future ExpiresAt reported expired")
	}
}

func TestPayloadCloneDoesNotAlias(t *testing.T) {
	t.Parallel()

	member := Member{GuildID: 1, UserID: 2, Roles: []EntityID{10, 11}}
	cloned, ok := member.Clone().(Member)
	if !ok {
		t.Fatal("Member.Clone returned a different type")
	}
	cloned.Roles[0] = 99
	if member.Roles[0] != 10 {
		t.Fatalf("original roles mutated: %v", member.Roles)
	}

	if got := MemberKey(1, 2).String(); got != "member:1/2" {
		t.Fatalf("MemberKey string = %q, want member:1/2", got)
	}
	if got := GuildKey(7).String(); got != "guild:7" {
		t.Fatalf("GuildKey string = %q, want guild:7", got)
	}
}
