package realtime

import (
	"sort"
	"time"

	"sync_core/internal/domain"
)

// presenceTracker answers "who is online right now". Liveness is always
// computed from the last-seen timestamp against the TTL, never taken as a
// boolean from the wire, so a dropped leave event can only ever cost one
// TTL of staleness. Peers are never deleted: the set is bounded by team
// size and a departed peer is still useful as "last seen at".
type presenceTracker struct {
	ttl   time.Duration
	peers map[string]*domain.Peer
	// wasOnline remembers the last published liveness per peer so the
	// sweep can report exactly which peers flipped.
	wasOnline map[string]bool
}

func newPresenceTracker(ttl time.Duration) *presenceTracker {
	return &presenceTracker{
		ttl:       ttl,
		peers:     make(map[string]*domain.Peer),
		wasOnline: make(map[string]bool),
	}
}

func (t *presenceTracker) online(p *domain.Peer, now time.Time) bool {
	return now.Sub(p.LastSeenAt) < t.ttl
}

// OnHeartbeat upserts the peer. Reports true when the visible peer set
// changed: a new peer, one that was considered offline, or a renamed one.
func (t *presenceTracker) OnHeartbeat(peerID, name string, ts, now time.Time) bool {
	p, ok := t.peers[peerID]
	if !ok {
		p = &domain.Peer{ID: peerID}
		t.peers[peerID] = p
	}
	renamed := name != "" && name != p.DisplayName
	if renamed {
		p.DisplayName = name
	}
	if ts.After(p.LastSeenAt) {
		p.LastSeenAt = ts
	}
	changed := !ok || renamed || !t.wasOnline[peerID]
	t.wasOnline[peerID] = t.online(p, now)
	return changed
}

// OnLeave zeroes the peer's last-seen so the staleness check fails at the
// very next read instead of waiting out the TTL.
func (t *presenceTracker) OnLeave(peerID string) bool {
	p, ok := t.peers[peerID]
	if !ok {
		return false
	}
	p.LastSeenAt = time.Time{}
	changed := t.wasOnline[peerID]
	t.wasOnline[peerID] = false
	return changed
}

// OnResync replaces the full peer set from a server snapshot. Applying the
// same snapshot twice leaves the state identical.
func (t *presenceTracker) OnResync(peers []domain.Peer, now time.Time) {
	t.peers = make(map[string]*domain.Peer, len(peers))
	t.wasOnline = make(map[string]bool, len(peers))
	for i := range peers {
		p := peers[i]
		t.peers[p.ID] = &p
		t.wasOnline[p.ID] = t.online(&p, now)
	}
}

// OnDirectory merges the polled peer directory without clobbering fresher
// heartbeat data: names are taken, last-seen only moves forward.
func (t *presenceTracker) OnDirectory(peers []domain.Peer, now time.Time) bool {
	changed := false
	for i := range peers {
		d := peers[i]
		p, ok := t.peers[d.ID]
		if !ok {
			cp := d
			t.peers[d.ID] = &cp
			t.wasOnline[d.ID] = t.online(&cp, now)
			changed = true
			continue
		}
		if d.DisplayName != "" && d.DisplayName != p.DisplayName {
			p.DisplayName = d.DisplayName
			changed = true
		}
		if d.LastSeenAt.After(p.LastSeenAt) {
			p.LastSeenAt = d.LastSeenAt
			if !t.wasOnline[p.ID] && t.online(p, now) {
				t.wasOnline[p.ID] = true
				changed = true
			}
		}
	}
	return changed
}

// Sweep recomputes liveness for every peer and reports whether any flipped
// since the last publish. Runs on a fixed interval (TTL/2).
func (t *presenceTracker) Sweep(now time.Time) bool {
	changed := false
	for id, p := range t.peers {
		on := t.online(p, now)
		if on != t.wasOnline[id] {
			t.wasOnline[id] = on
			changed = true
		}
	}
	return changed
}

// Snapshot returns the full peer set with computed liveness, ordered by
// display name then id for a stable listing.
func (t *presenceTracker) Snapshot(now time.Time) []domain.PeerStatus {
	out := make([]domain.PeerStatus, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, domain.PeerStatus{Peer: *p, IsOnline: t.online(p, now)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *presenceTracker) OnlinePeers(now time.Time) []domain.PeerStatus {
	all := t.Snapshot(now)
	out := all[:0]
	for _, p := range all {
		if p.IsOnline {
			out = append(out, p)
		}
	}
	return out
}

func (t *presenceTracker) OnlineCount(now time.Time) int {
	n := 0
	for _, p := range t.peers {
		if t.online(p, now) {
			n++
		}
	}
	return n
}
