package realtime

import (
	"sort"
	"strings"
	"time"

	"sync_core/internal/domain"

	"github.com/google/uuid"
)

// ChannelView is the read-side snapshot of one conversation.
type ChannelView struct {
	ID             string             `json:"id"`
	Kind           domain.ChannelKind `json:"kind"`
	ParticipantIDs []string           `json:"participant_ids,omitempty"`
	Messages       []domain.Message   `json:"messages"`
	UnreadCount    int                `json:"unread_count"`
}

// seqMessage pairs a message with its local insertion sequence. Wall-clock
// timestamps alone are not a safe total order across client/server clock
// skew; the sequence breaks ties.
type seqMessage struct {
	domain.Message
	seq int64
}

type channelState struct {
	id           string
	kind         domain.ChannelKind
	participants []string
	messages     []seqMessage
	present      map[string]bool
	nextSeq      int64
	unread       int
}

// channelManager keeps per-channel ordered message lists with optimistic
// sends. All mutation happens on the client event loop; nothing in here
// locks.
type channelManager struct {
	selfID   string
	channels map[string]*channelState
	focused  string
}

func newChannelManager(selfID string) *channelManager {
	m := &channelManager{
		selfID:   selfID,
		channels: make(map[string]*channelState),
	}
	m.ensure(domain.GroupChannelID)
	return m
}

func (m *channelManager) ensure(channelID string) *channelState {
	ch, ok := m.channels[channelID]
	if !ok {
		kind := domain.ChannelDirect
		if !strings.HasPrefix(channelID, "direct:") {
			kind = domain.ChannelGroup
		}
		ch = &channelState{
			id:      channelID,
			kind:    kind,
			present: make(map[string]bool),
		}
		if kind == domain.ChannelDirect {
			parts := strings.Split(channelID, ":")
			if len(parts) == 3 {
				ch.participants = []string{parts[1], parts[2]}
			}
		}
		m.channels[channelID] = ch
	}
	return ch
}

func (ch *channelState) append(msg domain.Message) {
	ch.nextSeq++
	ch.messages = append(ch.messages, seqMessage{Message: msg, seq: ch.nextSeq})
	ch.present[msg.ID] = true
}

func (ch *channelState) indexOf(id string) int {
	for i := range ch.messages {
		if ch.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// PrepareSend appends the optimistic pending message under a fresh
// client-generated temp id and returns it. The caller transmits; this
// side-effect is the zero-latency half of the send protocol.
func (m *channelManager) PrepareSend(channelID, content string, now time.Time) domain.Message {
	ch := m.ensure(channelID)
	msg := domain.Message{
		ID:            "tmp-" + uuid.NewString(),
		ChannelID:     channelID,
		SenderID:      m.selfID,
		Content:       content,
		CreatedAt:     now,
		DeliveryState: domain.DeliveryPending,
	}
	ch.append(msg)
	return msg
}

// MarkFailed flips a still-pending message to failed. The message stays in
// the list: a visible failure beats a silent drop, and the caller owns any
// retry decision.
func (m *channelManager) MarkFailed(channelID, id string) bool {
	ch, ok := m.channels[channelID]
	if !ok {
		return false
	}
	i := ch.indexOf(id)
	if i < 0 || ch.messages[i].DeliveryState != domain.DeliveryPending {
		return false
	}
	ch.messages[i].DeliveryState = domain.DeliveryFailed
	return true
}

// OnAck replaces the pending message with the server's copy at the same
// list position, keyed by temp id. No re-sort: the visual position must
// not jump when the server-assigned timestamp differs.
func (m *channelManager) OnAck(ack domain.AckEvent) bool {
	ch, ok := m.channels[ack.Message.ChannelID]
	if !ok {
		return false
	}
	i := ch.indexOf(ack.TempID)
	if i < 0 {
		return false
	}
	delete(ch.present, ack.TempID)
	confirmed := ack.Message
	confirmed.DeliveryState = domain.DeliveryConfirmed
	if ch.present[confirmed.ID] {
		// the server's copy raced in ahead of the ack; drop the
		// pending slot rather than duplicating
		ch.messages = append(ch.messages[:i], ch.messages[i+1:]...)
		return true
	}
	seq := ch.messages[i].seq
	ch.messages[i] = seqMessage{Message: confirmed, seq: seq}
	ch.present[confirmed.ID] = true
	return true
}

// OnIncoming appends a live-pushed message, deduplicating by id. The
// server may legitimately deliver the same message twice around a
// reconnect; the second copy is absorbed.
func (m *channelManager) OnIncoming(msg domain.Message) bool {
	ch := m.ensure(msg.ChannelID)
	if ch.present[msg.ID] {
		return false
	}
	msg.DeliveryState = domain.DeliveryConfirmed
	ch.append(msg)
	if m.focused != msg.ChannelID && msg.SenderID != m.selfID {
		ch.unread++
	}
	return true
}

// OnResync merges a server snapshot into the channel after a reconnect:
// locally-pending messages absent from the server list survive, unseen
// server messages are appended, and the list is re-sorted by
// (createdAt, seq). This is the only operation allowed to re-sort.
func (m *channelManager) OnResync(snap domain.ChannelSnapshot) bool {
	ch := m.ensure(snap.ID)
	if len(snap.ParticipantIDs) > 0 {
		ch.participants = snap.ParticipantIDs
	}
	changed := false
	for _, msg := range snap.Messages {
		if ch.present[msg.ID] {
			continue
		}
		msg.DeliveryState = domain.DeliveryConfirmed
		ch.append(msg)
		if m.focused != snap.ID && msg.SenderID != m.selfID {
			ch.unread++
		}
		changed = true
	}
	if changed {
		sort.SliceStable(ch.messages, func(i, j int) bool {
			if !ch.messages[i].CreatedAt.Equal(ch.messages[j].CreatedAt) {
				return ch.messages[i].CreatedAt.Before(ch.messages[j].CreatedAt)
			}
			return ch.messages[i].seq < ch.messages[j].seq
		})
	}
	return changed
}

// Focus marks a channel as the one on screen: its unread count resets and
// new arrivals stop counting against it.
func (m *channelManager) Focus(channelID string) bool {
	m.focused = channelID
	ch, ok := m.channels[channelID]
	if !ok || ch.unread == 0 {
		return false
	}
	ch.unread = 0
	return true
}

func (m *channelManager) View(channelID string) (ChannelView, bool) {
	ch, ok := m.channels[channelID]
	if !ok {
		return ChannelView{}, false
	}
	return ch.view(), true
}

func (m *channelManager) Views() []ChannelView {
	out := make([]ChannelView, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (ch *channelState) view() ChannelView {
	msgs := make([]domain.Message, len(ch.messages))
	for i := range ch.messages {
		msgs[i] = ch.messages[i].Message
	}
	participants := make([]string, len(ch.participants))
	copy(participants, ch.participants)
	return ChannelView{
		ID:             ch.id,
		Kind:           ch.kind,
		ParticipantIDs: participants,
		Messages:       msgs,
		UnreadCount:    ch.unread,
	}
}
