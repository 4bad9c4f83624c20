package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is the wire envelope for every frame on the live channel, in both
// directions.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const (
	EventTypeHeartbeat    = "heartbeat"
	EventTypeLeave        = "leave"
	EventTypeNotification = "notification"
	EventTypeMessage      = "message"
	EventTypeAck          = "ack"
	EventTypeReject       = "reject"
	EventTypeResync       = "resync"
)

func NewEvent(eventType string, payload interface{}) (Event, error) {
	bytes, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Payload: bytes}, nil
}

// HeartbeatEvent flows both ways: clients announce themselves with it, the
// server re-broadcasts it to everyone else.
type HeartbeatEvent struct {
	PeerID string    `json:"peer_id"`
	Name   string    `json:"name,omitempty"`
	TS     time.Time `json:"ts"`
}

type LeaveEvent struct {
	PeerID string `json:"peer_id"`
}

// ClientMessage is the client-to-server send frame. TempID is the
// client-generated id echoed back in the ack.
type ClientMessage struct {
	TempID    string    `json:"temp_id"`
	ChannelID string    `json:"channel_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type AckEvent struct {
	TempID  string  `json:"temp_id"`
	Message Message `json:"message"`
}

type RejectEvent struct {
	TempID string `json:"temp_id"`
	Reason string `json:"reason,omitempty"`
}

// ChannelSnapshot is one channel's full server-side message list, shipped
// inside a resync frame.
type ChannelSnapshot struct {
	ID             string      `json:"id"`
	Kind           ChannelKind `json:"kind"`
	ParticipantIDs []string    `json:"participant_ids,omitempty"`
	Messages       []Message   `json:"messages"`
}

// ResyncEvent repairs whatever a client missed while disconnected. The
// server sends one on every connection open.
type ResyncEvent struct {
	Peers    []Peer            `json:"peers"`
	Channels []ChannelSnapshot `json:"channels"`
}
