package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"sync_core/internal/broker"
	"sync_core/internal/domain"
	"sync_core/internal/presence"
	"sync_core/internal/repository"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const resyncHistoryLimit = 200

// Hub owns the node's live connections. Events between peers travel
// through RabbitMQ, so a cluster of hubs behaves like one: targeted
// events ride per-peer queues, presence events ride the broadcast queue.
type Hub struct {
	clients map[string]*Client // peerID -> client

	Register   chan *Client
	Unregister chan *Client

	presenceRepo presence.Repository
	chatRepo     *repository.ChatRepository
	broker       *broker.RabbitMQClient
	log          *zap.SugaredLogger
	nodeID       string

	consumers map[string]func()

	mu sync.RWMutex
}

func NewHub(presenceRepo presence.Repository, chatRepo *repository.ChatRepository, mq *broker.RabbitMQClient, log *zap.SugaredLogger, nodeID string) *Hub {
	return &Hub{
		clients:      make(map[string]*Client),
		Register:     make(chan *Client),
		Unregister:   make(chan *Client),
		presenceRepo: presenceRepo,
		chatRepo:     chatRepo,
		broker:       mq,
		log:          log,
		nodeID:       nodeID,
		consumers:    make(map[string]func()),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.Register:
			h.register(ctx, client)
		case client := <-h.Unregister:
			h.unregister(ctx, client)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) register(ctx context.Context, client *Client) {
	h.mu.Lock()
	if old, ok := h.clients[client.PeerID]; ok {
		// a reconnect replaces the previous connection
		old.closeSend()
		if cancel, ok := h.consumers[client.PeerID]; ok {
			cancel()
			delete(h.consumers, client.PeerID)
		}
	}
	h.clients[client.PeerID] = client

	msgs, cancel, err := h.broker.ConsumePeerQueue(client.PeerID)
	if err != nil {
		h.log.Errorw("failed to consume peer queue", "peer", client.PeerID, "err", err)
	} else {
		h.consumers[client.PeerID] = cancel
		go h.forwardDeliveries(client, msgs)
	}
	h.mu.Unlock()

	if err := h.chatRepo.EnsurePeer(ctx, client.PeerID, client.Name); err != nil {
		h.log.Errorw("failed to ensure peer", "peer", client.PeerID, "err", err)
	}
	h.HandleHeartbeat(ctx, client.PeerID, client.Name, time.Now().UTC())

	if err := h.SendResync(ctx, client); err != nil {
		h.log.Errorw("failed to send resync", "peer", client.PeerID, "err", err)
	}

	h.log.Infow("client registered", "peer", client.PeerID, "node", h.nodeID)
}

func (h *Hub) unregister(ctx context.Context, client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.PeerID]
	if ok && current == client {
		delete(h.clients, client.PeerID)
		client.closeSend()
		if cancel, ok := h.consumers[client.PeerID]; ok {
			cancel()
			delete(h.consumers, client.PeerID)
		}
	}
	h.mu.Unlock()
	if !ok || current != client {
		return
	}

	h.HandleLeave(ctx, client.PeerID)
	h.log.Infow("client unregistered", "peer", client.PeerID, "node", h.nodeID)
}

// forwardDeliveries moves broker deliveries onto the client's send buffer.
func (h *Hub) forwardDeliveries(client *Client, msgs <-chan amqp.Delivery) {
	for d := range msgs {
		client.trySend(d.Body)
	}
}

// RunBroadcast consumes the node's broadcast queue and forwards every
// delivery to all local clients.
func (h *Hub) RunBroadcast(ctx context.Context) {
	msgs, err := h.broker.ConsumeBroadcast()
	if err != nil {
		h.log.Errorw("failed to consume broadcast queue", "err", err)
		return
	}
	for {
		select {
		case d, ok := <-msgs:
			if !ok {
				return
			}
			h.mu.RLock()
			for _, client := range h.clients {
				client.trySend(d.Body)
			}
			h.mu.RUnlock()
		case <-ctx.Done():
			return
		}
	}
}

// HandleHeartbeat refreshes the peer's presence session and re-broadcasts
// the heartbeat so every client can keep its own liveness view current.
func (h *Hub) HandleHeartbeat(ctx context.Context, peerID, name string, ts time.Time) {
	if err := h.presenceRepo.Touch(ctx, peerID, name, ts); err != nil {
		h.log.Errorw("failed to touch presence", "peer", peerID, "err", err)
	}
	ev, err := domain.NewEvent(domain.EventTypeHeartbeat, domain.HeartbeatEvent{PeerID: peerID, Name: name, TS: ts})
	if err != nil {
		return
	}
	if err := h.broker.PublishBroadcast(ctx, ev); err != nil {
		h.log.Errorw("failed to broadcast heartbeat", "peer", peerID, "err", err)
	}
}

// HandleLeave marks the session gone immediately (no TTL wait) and tells
// everyone.
func (h *Hub) HandleLeave(ctx context.Context, peerID string) {
	if err := h.presenceRepo.MarkLeft(ctx, peerID); err != nil {
		h.log.Errorw("failed to mark peer left", "peer", peerID, "err", err)
	}
	ev, err := domain.NewEvent(domain.EventTypeLeave, domain.LeaveEvent{PeerID: peerID})
	if err != nil {
		return
	}
	if err := h.broker.PublishBroadcast(ctx, ev); err != nil {
		h.log.Errorw("failed to broadcast leave", "peer", peerID, "err", err)
	}
}

// HandleMessage runs the server half of the send protocol: persist under a
// fresh server id, ack the sender with the temp id, fan out to the other
// participants.
func (h *Hub) HandleMessage(ctx context.Context, client *Client, cm domain.ClientMessage) {
	if cm.Content == "" || cm.ChannelID == "" {
		h.reject(client, cm.TempID, "empty message or channel")
		return
	}

	msg := domain.Message{
		ID:        uuid.NewString(),
		ChannelID: cm.ChannelID,
		SenderID:  client.PeerID, // the connection, not the frame, names the sender
		Content:   cm.Content,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.chatRepo.SaveMessage(ctx, &msg); err != nil {
		h.log.Errorw("failed to save message", "channel", cm.ChannelID, "err", err)
		h.reject(client, cm.TempID, "storage failure")
		return
	}

	ack, err := domain.NewEvent(domain.EventTypeAck, domain.AckEvent{TempID: cm.TempID, Message: msg})
	if err == nil {
		data, _ := json.Marshal(ack)
		client.trySend(data)
	}

	h.fanOut(ctx, msg)
}

// PostMessage is the REST ingress for sends: same persistence and fan-out,
// no ack protocol.
func (h *Hub) PostMessage(ctx context.Context, channelID, senderID, content string) (domain.Message, error) {
	msg := domain.Message{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.chatRepo.SaveMessage(ctx, &msg); err != nil {
		return domain.Message{}, err
	}
	h.fanOut(ctx, msg)
	return msg, nil
}

func (h *Hub) fanOut(ctx context.Context, msg domain.Message) {
	ev, err := domain.NewEvent(domain.EventTypeMessage, msg)
	if err != nil {
		return
	}
	if strings.HasPrefix(msg.ChannelID, "direct:") {
		for _, peerID := range directParticipants(msg.ChannelID) {
			if peerID == msg.SenderID {
				continue
			}
			if err := h.broker.PublishToPeer(ctx, peerID, ev); err != nil {
				h.log.Errorw("failed to publish message", "peer", peerID, "err", err)
			}
		}
		return
	}
	// group traffic goes to everyone; the sender's client dedups its own
	// copy by id
	if err := h.broker.PublishBroadcast(ctx, ev); err != nil {
		h.log.Errorw("failed to broadcast message", "channel", msg.ChannelID, "err", err)
	}
}

func (h *Hub) reject(client *Client, tempID, reason string) {
	ev, err := domain.NewEvent(domain.EventTypeReject, domain.RejectEvent{TempID: tempID, Reason: reason})
	if err != nil {
		return
	}
	data, _ := json.Marshal(ev)
	client.trySend(data)
}

// SendResync ships the full snapshot a freshly (re)connected client needs
// to repair whatever it missed: the peer directory with last-seen merged
// in, plus the message history of every channel the peer belongs to.
func (h *Hub) SendResync(ctx context.Context, client *Client) error {
	peers, err := h.chatRepo.ListPeers(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, len(peers))
	for i, p := range peers {
		ids[i] = p.ID
	}
	sessions, err := h.presenceRepo.LastSeen(ctx, ids)
	if err != nil {
		return err
	}
	for i := range peers {
		if s, ok := sessions[peers[i].ID]; ok {
			peers[i].LastSeenAt = s.LastSeen
		}
	}

	channelIDs, err := h.chatRepo.ListChannelsFor(ctx, client.PeerID)
	if err != nil {
		return err
	}
	channels := make([]domain.ChannelSnapshot, 0, len(channelIDs))
	for _, id := range channelIDs {
		messages, err := h.chatRepo.ListChannelMessages(ctx, id, resyncHistoryLimit)
		if err != nil {
			return err
		}
		snap := domain.ChannelSnapshot{ID: id, Kind: domain.ChannelGroup, Messages: messages}
		if strings.HasPrefix(id, "direct:") {
			snap.Kind = domain.ChannelDirect
			snap.ParticipantIDs = directParticipants(id)
		}
		channels = append(channels, snap)
	}

	ev, err := domain.NewEvent(domain.EventTypeResync, domain.ResyncEvent{Peers: peers, Channels: channels})
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	client.trySend(data)
	return nil
}

func directParticipants(channelID string) []string {
	parts := strings.Split(channelID, ":")
	if len(parts) != 3 {
		return nil
	}
	return []string{parts[1], parts[2]}
}
