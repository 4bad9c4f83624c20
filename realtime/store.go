package realtime

import (
	"sync"

	"sync_core/internal/domain"
)

// ChangeKind tells a subscriber which slice of state moved.
type ChangeKind string

const (
	ChangePeers         ChangeKind = "peers"
	ChangeNotifications ChangeKind = "notifications"
	ChangeChannel       ChangeKind = "channel"
	ChangeConnection    ChangeKind = "connection"
)

type Change struct {
	Kind      ChangeKind
	ChannelID string
}

// Store is the single structure downstream consumers read from. The event
// loop is its only writer; it pushes a fresh snapshot per logically
// complete update and notifies subscribers exactly once for it, never per
// micro-mutation.
type Store struct {
	mu        sync.RWMutex
	peers     []domain.PeerStatus
	feed      []domain.Notification
	channels  map[string]ChannelView
	connState State

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

func NewStore() *Store {
	return &Store{
		channels:  make(map[string]ChannelView),
		connState: StateDisconnected,
		subs:      make(map[int]func(Change)),
	}
}

// Subscribe registers a callback and returns its unsubscribe func.
// Unsubscribing only removes the callback; shared state is untouched.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) publish(ch Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

func (s *Store) SetPeers(peers []domain.PeerStatus) {
	s.mu.Lock()
	s.peers = peers
	s.mu.Unlock()
	s.publish(Change{Kind: ChangePeers})
}

func (s *Store) SetFeed(feed []domain.Notification) {
	s.mu.Lock()
	s.feed = feed
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeNotifications})
}

func (s *Store) SetChannel(view ChannelView) {
	s.mu.Lock()
	s.channels[view.ID] = view
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeChannel, ChannelID: view.ID})
}

func (s *Store) SetConnState(st State) {
	s.mu.Lock()
	s.connState = st
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeConnection})
}

func (s *Store) Peers() []domain.PeerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PeerStatus, len(s.peers))
	copy(out, s.peers)
	return out
}

func (s *Store) Notifications() []domain.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Notification, len(s.feed))
	copy(out, s.feed)
	return out
}

func (s *Store) Channel(id string) (ChannelView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.channels[id]
	return view, ok
}

func (s *Store) ConnState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connState
}
