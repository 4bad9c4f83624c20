package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"sync_core/internal/domain"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a scripted in-memory connection. Frames pushed into inbound
// come out of ReadMessage; everything written is recorded.
type fakeConn struct {
	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.done:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetPongHandler(func(string) error)         {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) writtenEvents(t *testing.T) []domain.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Event, 0, len(c.written))
	for _, data := range c.written {
		var ev domain.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		out = append(out, ev)
	}
	return out
}

func (c *fakeConn) pushEvent(t *testing.T, ev domain.Event) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	c.inbound <- data
}

func waitFor(t *testing.T, ch <-chan State, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-ch:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q", want)
		}
	}
}

func TestReconnectBackoffSchedule(t *testing.T) {
	bo := newReconnectBackOff()

	// jitter is half the interval either way, so the first wait sits
	// around the 1s base
	first := bo.NextBackOff()
	assert.GreaterOrEqual(t, first, 500*time.Millisecond)
	assert.LessOrEqual(t, first, 1500*time.Millisecond)

	second := bo.NextBackOff()
	assert.GreaterOrEqual(t, second, time.Second)
	assert.LessOrEqual(t, second, 3*time.Second)

	for i := 0; i < 20; i++ {
		next := bo.NextBackOff()
		assert.NotEqual(t, backoff.Stop, next, "reconnects never give up")
		assert.LessOrEqual(t, next, 45*time.Second, "jittered cap")
	}
	// after many failures the wait has reached the ceiling
	capped := bo.NextBackOff()
	assert.GreaterOrEqual(t, capped, 15*time.Second)

	bo.Reset()
	reset := bo.NextBackOff()
	assert.LessOrEqual(t, reset, 1500*time.Millisecond, "success resets the schedule")
}

func TestSupervisorSendFailsFastWhenDown(t *testing.T) {
	s := NewSupervisor(SupervisorConfig{
		Dialer: func(context.Context) (Conn, error) { return nil, errors.New("refused") },
		SelfID: "me",
	})

	ev, err := domain.NewEvent(domain.EventTypeLeave, domain.LeaveEvent{PeerID: "me"})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Send(ev), ErrNotConnected)
}

func TestSupervisorConnectDeliversEvents(t *testing.T) {
	conn := newFakeConn()
	states := make(chan State, 16)
	events := make(chan domain.Event, 16)

	s := NewSupervisor(SupervisorConfig{
		Dialer:            func(context.Context) (Conn, error) { return conn, nil },
		SelfID:            "me",
		SelfName:          "Me",
		HeartbeatInterval: time.Hour, // keep the ticker out of the test
		OnEvent:           func(ev domain.Event) { events <- ev },
		OnState:           func(st State) { states <- st },
	})
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Connect(context.Background()), "second connect is a no-op")
	waitFor(t, states, StateConnected)

	leave, err := domain.NewEvent(domain.EventTypeLeave, domain.LeaveEvent{PeerID: "p2"})
	require.NoError(t, err)
	conn.pushEvent(t, leave)

	select {
	case got := <-events:
		assert.Equal(t, domain.EventTypeLeave, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the handler")
	}

	// the connected handshake announces this peer; it runs on its own
	// goroutine, so give it a moment
	require.Eventually(t, func() bool {
		return len(conn.writtenEvents(t)) > 0
	}, 2*time.Second, 10*time.Millisecond)
	written := conn.writtenEvents(t)
	assert.Equal(t, domain.EventTypeHeartbeat, written[0].Type)
	var hb domain.HeartbeatEvent
	require.NoError(t, json.Unmarshal(written[0].Payload, &hb))
	assert.Equal(t, "me", hb.PeerID)
}

func TestSupervisorReconnectsAfterConnectionLoss(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	conns := make(chan *fakeConn, 2)
	conns <- first
	conns <- second

	states := make(chan State, 32)
	connected := make(chan struct{}, 4)

	s := NewSupervisor(SupervisorConfig{
		Dialer: func(ctx context.Context) (Conn, error) {
			select {
			case c := <-conns:
				return c, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		SelfID:            "me",
		HeartbeatInterval: time.Hour,
		OnState:           func(st State) { states <- st },
		OnConnected:       func() { connected <- struct{}{} },
	})
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))
	waitFor(t, states, StateConnected)
	<-connected

	first.Close()
	waitFor(t, states, StateReconnecting)
	waitFor(t, states, StateConnected)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnected did not fire for the second connection")
	}

	ev, err := domain.NewEvent(domain.EventTypeLeave, domain.LeaveEvent{PeerID: "me"})
	require.NoError(t, err)
	require.NoError(t, s.Send(ev))
	assert.NotEmpty(t, second.writtenEvents(t), "sends go out over the replacement connection")
}

func TestSupervisorCloseIsFinal(t *testing.T) {
	conn := newFakeConn()
	states := make(chan State, 16)

	s := NewSupervisor(SupervisorConfig{
		Dialer:            func(context.Context) (Conn, error) { return conn, nil },
		SelfID:            "me",
		HeartbeatInterval: time.Hour,
		OnState:           func(st State) { states <- st },
	})

	require.NoError(t, s.Connect(context.Background()))
	waitFor(t, states, StateConnected)

	s.Close()
	waitFor(t, states, StateDisconnected)
	assert.ErrorIs(t, s.Connect(context.Background()), ErrClosed)
}
