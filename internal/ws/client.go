package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"sync_core/internal/domain"

	"github.com/gorilla/websocket"
)

const (
	pongWait       = 60 * time.Second
	pingInterval   = 25 * time.Second
	writeDeadline  = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Client is one live connection to a peer.
type Client struct {
	Hub    *Hub
	Conn   *websocket.Conn
	PeerID string
	Name   string
	Send   chan []byte

	mu     sync.Mutex
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, peerID, name string) *Client {
	return &Client{
		Hub:    hub,
		Conn:   conn,
		PeerID: peerID,
		Name:   name,
		Send:   make(chan []byte, 256),
	}
}

// trySend enqueues without blocking; a full or closed buffer drops the
// frame. Clients repair drops through the next resync.
func (c *Client) trySend(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.Hub.Unregister <- c
		_ = c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		var ev domain.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		c.handle(ctx, ev)
	}
}

func (c *Client) handle(ctx context.Context, ev domain.Event) {
	switch ev.Type {
	case domain.EventTypeHeartbeat:
		var hb domain.HeartbeatEvent
		if err := json.Unmarshal(ev.Payload, &hb); err != nil {
			return
		}
		ts := hb.TS
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		c.Hub.HandleHeartbeat(ctx, c.PeerID, c.Name, ts)
	case domain.EventTypeMessage:
		var cm domain.ClientMessage
		if err := json.Unmarshal(ev.Payload, &cm); err != nil {
			return
		}
		c.Hub.HandleMessage(ctx, c, cm)
	case domain.EventTypeLeave:
		c.Hub.HandleLeave(ctx, c.PeerID)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.Send:
			if !ok {
				_ = c.Conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second))
				return
			}
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}
