package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sync_core/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emptyRESTServer answers every poll endpoint with an empty list, keeping
// the poll cycle quiet so tests can drive state through the live channel.
func emptyRESTServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	}))
}

func startTestClient(t *testing.T, conn *fakeConn, srv *httptest.Server) (*Client, chan Change) {
	t.Helper()
	c := NewClient(Config{
		RESTBase:   srv.URL,
		SelfID:     "me",
		SelfName:   "Me",
		AckTimeout: 100 * time.Millisecond,
		HTTPClient: srv.Client(),
		Dialer:     func(context.Context) (Conn, error) { return conn, nil },
	})

	changes := make(chan Change, 64)
	c.Subscribe(func(ch Change) { changes <- ch })

	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Close)
	t.Cleanup(srv.Close)

	waitForChange(t, changes, func(ch Change) bool {
		return ch.Kind == ChangeConnection && c.State() == StateConnected
	})
	return c, changes
}

func waitForChange(t *testing.T, changes chan Change, match func(Change) bool) Change {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ch := <-changes:
			if match(ch) {
				return ch
			}
		case <-deadline:
			t.Fatal("timed out waiting for a matching change")
			return Change{}
		}
	}
}

func TestClientResyncPopulatesState(t *testing.T) {
	conn := newFakeConn()
	c, changes := startTestClient(t, conn, emptyRESTServer())

	now := time.Now().UTC()
	resync, err := domain.NewEvent(domain.EventTypeResync, domain.ResyncEvent{
		Peers: []domain.Peer{
			{ID: "p1", DisplayName: "Alice", LastSeenAt: now},
			{ID: "p2", DisplayName: "Bob", LastSeenAt: now.Add(-time.Hour)},
		},
		Channels: []domain.ChannelSnapshot{{
			ID:   domain.GroupChannelID,
			Kind: domain.ChannelGroup,
			Messages: []domain.Message{
				{ID: "m1", ChannelID: domain.GroupChannelID, SenderID: "p1", Content: "hi", CreatedAt: now.Add(-time.Minute)},
			},
		}},
	})
	require.NoError(t, err)
	conn.pushEvent(t, resync)

	waitForChange(t, changes, func(ch Change) bool {
		return ch.Kind == ChangeChannel && ch.ChannelID == domain.GroupChannelID
	})

	view, ok := c.Channel(domain.GroupChannelID)
	require.True(t, ok)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, domain.DeliveryConfirmed, view.Messages[0].DeliveryState)

	peers := c.Peers()
	require.Len(t, peers, 2)
	online := c.OnlinePeers()
	require.Len(t, online, 1)
	assert.Equal(t, "p1", online[0].ID)
}

func TestClientSendAndAck(t *testing.T) {
	conn := newFakeConn()
	c, changes := startTestClient(t, conn, emptyRESTServer())

	msg, err := c.SendMessage(context.Background(), domain.GroupChannelID, "hello")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPending, msg.DeliveryState)

	view, ok := c.Channel(domain.GroupChannelID)
	require.True(t, ok)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, domain.DeliveryPending, view.Messages[0].DeliveryState)

	// the wire carried the temp id so the server can echo it back
	var sent domain.ClientMessage
	require.Eventually(t, func() bool {
		for _, ev := range conn.writtenEvents(t) {
			if ev.Type == domain.EventTypeMessage {
				require.NoError(t, json.Unmarshal(ev.Payload, &sent))
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, msg.ID, sent.TempID)

	ack, err := domain.NewEvent(domain.EventTypeAck, domain.AckEvent{
		TempID: msg.ID,
		Message: domain.Message{
			ID: "srv-1", ChannelID: domain.GroupChannelID, SenderID: "me",
			Content: "hello", CreatedAt: time.Now().UTC(),
		},
	})
	require.NoError(t, err)
	conn.pushEvent(t, ack)

	// the optimistic publish already left a channel change behind, so wait
	// on the confirmed state itself rather than the first channel change
	waitForChange(t, changes, func(ch Change) bool {
		view, ok := c.Channel(domain.GroupChannelID)
		return ch.Kind == ChangeChannel && ok && len(view.Messages) == 1 &&
			view.Messages[0].DeliveryState == domain.DeliveryConfirmed
	})
	view, _ = c.Channel(domain.GroupChannelID)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "srv-1", view.Messages[0].ID)
	assert.Equal(t, domain.DeliveryConfirmed, view.Messages[0].DeliveryState)

	// the ack timeout has nothing left to fail
	time.Sleep(150 * time.Millisecond)
	view, _ = c.Channel(domain.GroupChannelID)
	assert.Equal(t, domain.DeliveryConfirmed, view.Messages[0].DeliveryState)
}

func TestClientAckTimeoutFailsMessage(t *testing.T) {
	conn := newFakeConn()
	c, _ := startTestClient(t, conn, emptyRESTServer())

	msg, err := c.SendMessage(context.Background(), domain.GroupChannelID, "lost")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, ok := c.Channel(domain.GroupChannelID)
		return ok && len(view.Messages) == 1 &&
			view.Messages[0].DeliveryState == domain.DeliveryFailed
	}, time.Second, 10*time.Millisecond)

	view, _ := c.Channel(domain.GroupChannelID)
	assert.Equal(t, msg.ID, view.Messages[0].ID, "the failed message stays visible")
}

func TestClientRejectFailsMessage(t *testing.T) {
	conn := newFakeConn()
	c, changes := startTestClient(t, conn, emptyRESTServer())

	msg, err := c.SendMessage(context.Background(), domain.GroupChannelID, "nope")
	require.NoError(t, err)

	reject, err := domain.NewEvent(domain.EventTypeReject, domain.RejectEvent{
		TempID: msg.ID, Reason: "empty channel id",
	})
	require.NoError(t, err)
	conn.pushEvent(t, reject)

	waitForChange(t, changes, func(ch Change) bool {
		view, ok := c.Channel(domain.GroupChannelID)
		return ch.Kind == ChangeChannel && ok &&
			view.Messages[0].DeliveryState == domain.DeliveryFailed
	})
}

func TestClientSendWhileDisconnected(t *testing.T) {
	srv := emptyRESTServer()
	c := NewClient(Config{
		RESTBase:   srv.URL,
		SelfID:     "me",
		HTTPClient: srv.Client(),
		Dialer: func(ctx context.Context) (Conn, error) {
			<-ctx.Done() // never connects
			return nil, ctx.Err()
		},
	})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Close)
	t.Cleanup(srv.Close)

	msg, err := c.SendMessage(context.Background(), domain.GroupChannelID, "offline")
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, domain.DeliveryFailed, msg.DeliveryState)

	// the failed message is kept, visibly failed, for the caller to retry
	view, ok := c.Channel(domain.GroupChannelID)
	require.True(t, ok)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, domain.DeliveryFailed, view.Messages[0].DeliveryState)
}

func TestClientStartIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	c, _ := startTestClient(t, conn, emptyRESTServer())

	// a second start must not spin up a second loop; the single close of
	// the done channel during shutdown would panic otherwise
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))

	_, err := c.SendMessage(context.Background(), domain.GroupChannelID, "still one loop")
	require.NoError(t, err)
}

func TestClientHeartbeatAndLeave(t *testing.T) {
	conn := newFakeConn()
	c, changes := startTestClient(t, conn, emptyRESTServer())

	hb, err := domain.NewEvent(domain.EventTypeHeartbeat, domain.HeartbeatEvent{
		PeerID: "p1", Name: "Alice", TS: time.Now().UTC(),
	})
	require.NoError(t, err)
	conn.pushEvent(t, hb)

	waitForChange(t, changes, func(ch Change) bool { return ch.Kind == ChangePeers })
	require.Len(t, c.OnlinePeers(), 1)

	leave, err := domain.NewEvent(domain.EventTypeLeave, domain.LeaveEvent{PeerID: "p1"})
	require.NoError(t, err)
	conn.pushEvent(t, leave)

	waitForChange(t, changes, func(ch Change) bool {
		return ch.Kind == ChangePeers && len(c.OnlinePeers()) == 0
	})
	assert.Len(t, c.Peers(), 1, "a departed peer stays in the roster, offline")
}

func TestClientNotificationPush(t *testing.T) {
	conn := newFakeConn()
	c, changes := startTestClient(t, conn, emptyRESTServer())

	n := domain.Notification{
		ID: "overdue:T1", Kind: "task_overdue", Title: "Task overdue",
		Priority: domain.PriorityUrgent, CreatedAt: time.Now().UTC(),
	}
	ev, err := domain.NewEvent(domain.EventTypeNotification, n)
	require.NoError(t, err)
	conn.pushEvent(t, ev)
	waitForChange(t, changes, func(ch Change) bool { return ch.Kind == ChangeNotifications })

	require.Len(t, c.Notifications(), 1)
	require.NoError(t, c.MarkNotificationRead(context.Background(), "overdue:T1"))
	assert.True(t, c.Notifications()[0].Read)

	require.NoError(t, c.ClearNotifications(context.Background()))
	assert.Empty(t, c.Notifications())
}
