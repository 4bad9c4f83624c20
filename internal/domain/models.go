package domain

import (
	"time"
)

// Priority orders notifications in the feed. Rank is fixed; the feed sorts
// by rank first, recency second.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Peer is one member of the team directory. Online-ness is never stored:
// it is computed from LastSeenAt against the presence TTL at read time.
type Peer struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// PeerStatus is a Peer with its computed liveness, the shape served by
// GET /team and published to feed subscribers.
type PeerStatus struct {
	Peer
	IsOnline bool `json:"is_online"`
}

type Notification struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
	Priority       Priority  `json:"priority"`
	SourceEntityID string    `json:"source_entity_id,omitempty"`
	ActionRef      string    `json:"action_ref,omitempty"`
	Read           bool      `json:"read,omitempty"`
}

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

type Message struct {
	ID            string        `json:"id"`
	ChannelID     string        `json:"channel_id"`
	SenderID      string        `json:"sender_id"`
	Content       string        `json:"content"`
	CreatedAt     time.Time     `json:"created_at"`
	DeliveryState DeliveryState `json:"delivery_state,omitempty"`
}

type ChannelKind string

const (
	ChannelGroup  ChannelKind = "group"
	ChannelDirect ChannelKind = "direct"
)

// GroupChannelID is the id of the single shared channel every peer is in.
const GroupChannelID = "group"

// DirectChannelID returns the canonical channel id between two peers,
// independent of which side opens it.
func DirectChannelID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "direct:" + a + ":" + b
}

type Task struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	DueDate   time.Time `json:"due_date"`
	ProjectID string    `json:"project_id,omitempty"`
}

type Project struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Status   string    `json:"status"`
	Deadline time.Time `json:"deadline"`
}

const StatusCompleted = "completed"
