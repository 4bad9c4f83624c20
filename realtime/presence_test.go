package realtime

import (
	"testing"
	"time"

	"sync_core/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTTL = 300 * time.Second

func TestPresenceDecayAndRevival(t *testing.T) {
	tr := newPresenceTracker(testTTL)
	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	tr.OnHeartbeat("P1", "Alice", t0, t0)
	require.Equal(t, 1, tr.OnlineCount(t0))

	// still online just inside the TTL
	almost := t0.Add(testTTL - time.Second)
	assert.False(t, tr.Sweep(almost))
	assert.Equal(t, 1, tr.OnlineCount(almost))

	// decayed one second past it
	past := t0.Add(testTTL + time.Second)
	assert.True(t, tr.Sweep(past))
	assert.Equal(t, 0, tr.OnlineCount(past))

	// peer is not deleted, only offline
	snap := tr.Snapshot(past)
	require.Len(t, snap, 1)
	assert.False(t, snap[0].IsOnline)
	assert.Equal(t, "Alice", snap[0].DisplayName)

	// a fresh heartbeat revives it
	revived := past.Add(time.Second)
	assert.True(t, tr.OnHeartbeat("P1", "Alice", revived, revived))
	assert.Equal(t, 1, tr.OnlineCount(revived))
}

func TestPresenceExplicitLeave(t *testing.T) {
	tr := newPresenceTracker(testTTL)
	now := time.Now().UTC()

	tr.OnHeartbeat("P1", "Alice", now, now)
	require.Equal(t, 1, tr.OnlineCount(now))

	// leave drops the peer offline immediately, no TTL wait
	assert.True(t, tr.OnLeave("P1"))
	assert.Equal(t, 0, tr.OnlineCount(now))

	// leaving an unknown peer changes nothing
	assert.False(t, tr.OnLeave("P9"))
}

func TestPresenceHeartbeatChangeReporting(t *testing.T) {
	tr := newPresenceTracker(testTTL)
	now := time.Now().UTC()

	assert.True(t, tr.OnHeartbeat("P1", "Alice", now, now), "first sighting is a change")
	assert.False(t, tr.OnHeartbeat("P1", "Alice", now.Add(time.Second), now.Add(time.Second)),
		"heartbeat of an already-online peer is not")
	assert.True(t, tr.OnHeartbeat("P1", "Alicia", now.Add(2*time.Second), now.Add(2*time.Second)),
		"a renamed peer is")
	assert.Equal(t, "Alicia", tr.Snapshot(now.Add(2*time.Second))[0].DisplayName)
}

func TestPresenceStaleHeartbeatDoesNotRewind(t *testing.T) {
	tr := newPresenceTracker(testTTL)
	now := time.Now().UTC()

	tr.OnHeartbeat("P1", "Alice", now, now)
	tr.OnHeartbeat("P1", "Alice", now.Add(-time.Hour), now)

	snap := tr.Snapshot(now)
	require.Len(t, snap, 1)
	assert.Equal(t, now, snap[0].LastSeenAt)
}

func TestPresenceResyncIdempotent(t *testing.T) {
	tr := newPresenceTracker(testTTL)
	now := time.Now().UTC()
	peers := []domain.Peer{
		{ID: "P1", DisplayName: "Alice", LastSeenAt: now},
		{ID: "P2", DisplayName: "Bob", LastSeenAt: now.Add(-2 * testTTL)},
	}

	tr.OnResync(peers, now)
	first := tr.Snapshot(now)

	tr.OnResync(peers, now)
	second := tr.Snapshot(now)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, tr.OnlineCount(now))
}

func TestPresenceResyncReplacesFully(t *testing.T) {
	tr := newPresenceTracker(testTTL)
	now := time.Now().UTC()
	tr.OnHeartbeat("P9", "Ghost", now, now)

	tr.OnResync([]domain.Peer{{ID: "P1", DisplayName: "Alice", LastSeenAt: now}}, now)

	snap := tr.Snapshot(now)
	require.Len(t, snap, 1)
	assert.Equal(t, "P1", snap[0].ID)
}

func TestPresenceDirectoryMergeKeepsFresherHeartbeat(t *testing.T) {
	tr := newPresenceTracker(testTTL)
	now := time.Now().UTC()

	tr.OnHeartbeat("P1", "", now, now)

	// polled directory is older but carries the display name
	changed := tr.OnDirectory([]domain.Peer{
		{ID: "P1", DisplayName: "Alice", LastSeenAt: now.Add(-time.Minute)},
		{ID: "P2", DisplayName: "Bob", LastSeenAt: now.Add(-time.Hour)},
	}, now)
	assert.True(t, changed)

	snap := tr.Snapshot(now)
	require.Len(t, snap, 2)
	assert.Equal(t, "Alice", snap[0].DisplayName)
	assert.Equal(t, now, snap[0].LastSeenAt, "heartbeat last-seen wins over the older poll")
	assert.Equal(t, "Bob", snap[1].DisplayName)
}

func TestPresenceOnlinePeersListsOnlyLive(t *testing.T) {
	tr := newPresenceTracker(testTTL)
	now := time.Now().UTC()
	tr.OnResync([]domain.Peer{
		{ID: "P1", DisplayName: "Alice", LastSeenAt: now},
		{ID: "P2", DisplayName: "Bob", LastSeenAt: now.Add(-2 * testTTL)},
	}, now)

	online := tr.OnlinePeers(now)
	require.Len(t, online, 1)
	assert.Equal(t, "P1", online[0].ID)
}
