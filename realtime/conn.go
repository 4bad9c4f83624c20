package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"sync_core/internal/domain"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the supervisor's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Conn is the subset of *websocket.Conn the supervisor needs. Tests swap in
// a fake.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Dialer opens one live connection. The production dialer wraps gorilla;
// tests substitute scripted conns.
type Dialer func(ctx context.Context) (Conn, error)

func WebsocketDialer(url string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Supervisor owns at most one live connection and hides reconnection from
// the layers above it. It dials, pumps inbound events, heartbeats, and on
// any failure backs off and redials until closed.
type Supervisor struct {
	dial              Dialer
	log               *zap.SugaredLogger
	heartbeatInterval time.Duration
	writeDeadline     time.Duration
	selfID            string
	selfName          string

	onEvent     func(domain.Event) // called from the read goroutine
	onState     func(State)
	onConnected func() // fired on every entry into Connected

	mu      sync.Mutex
	writeMu sync.Mutex
	state   State
	conn    Conn
	running bool
	closed  bool
	cancel  context.CancelFunc
	bo      *backoff.ExponentialBackOff
}

type SupervisorConfig struct {
	Dialer            Dialer
	SelfID            string
	SelfName          string
	HeartbeatInterval time.Duration
	WriteDeadline     time.Duration
	Logger            *zap.SugaredLogger
	OnEvent           func(domain.Event)
	OnState           func(State)
	OnConnected       func()
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}
	if cfg.WriteDeadline == 0 {
		cfg.WriteDeadline = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Supervisor{
		dial:              cfg.Dialer,
		log:               cfg.Logger,
		heartbeatInterval: cfg.HeartbeatInterval,
		writeDeadline:     cfg.WriteDeadline,
		selfID:            cfg.SelfID,
		selfName:          cfg.SelfName,
		onEvent:           cfg.OnEvent,
		onState:           cfg.OnState,
		onConnected:       cfg.OnConnected,
		state:             StateDisconnected,
		bo:                newReconnectBackOff(),
	}
}

// newReconnectBackOff builds the reconnect schedule: 1s initial, doubling,
// jittered, capped at 30s, never giving up.
func newReconnectBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts the supervise loop. It is idempotent: a second call while
// connecting or connected is a no-op.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
	return nil
}

// Close tears the connection down for good.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

// Send transmits one event, failing fast with ErrNotConnected when the
// channel is down. Queueing and retry policy belong to the caller.
func (s *Supervisor) Send(ev domain.Event) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeDeadline))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed && s.onState != nil {
		s.onState(st)
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer func() {
		s.setState(StateDisconnected)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(StateConnecting)
		conn, err := s.dial(ctx)
		if err != nil {
			s.log.Warnw("dial failed", "err", err)
			if !s.waitBackoff(ctx) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.bo.Reset()
		s.setState(StateConnected)
		if s.onConnected != nil {
			s.onConnected()
		}

		err = s.pump(ctx, conn)
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		s.log.Warnw("connection lost", "err", err)
		if !s.waitBackoff(ctx) {
			return
		}
	}
}

// waitBackoff sleeps the next backoff interval and flags the state as
// Reconnecting while it does. Returns false when the context ended.
func (s *Supervisor) waitBackoff(ctx context.Context) bool {
	s.setState(StateReconnecting)
	select {
	case <-time.After(s.bo.NextBackOff()):
		return true
	case <-ctx.Done():
		return false
	}
}

// pump reads frames until the connection dies. Liveness: a ping goes out
// every heartbeat interval and the read deadline sits at twice that, so a
// silently partitioned peer surfaces as a deadline error rather than
// hanging forever.
func (s *Supervisor) pump(ctx context.Context, conn Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(2 * s.heartbeatInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * s.heartbeatInterval))
	})

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.heartbeatLoop(hbCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev domain.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Warnw("dropping undecodable frame", "err", err)
			continue
		}
		if s.onEvent != nil {
			s.onEvent(ev)
		}
	}
}

// heartbeatLoop sends a transport ping plus the application heartbeat
// frame announcing this peer, once per interval.
func (s *Supervisor) heartbeatLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	s.sendHeartbeat(conn)
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeDeadline))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
			s.sendHeartbeat(conn)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) sendHeartbeat(conn Conn) {
	ev, err := domain.NewEvent(domain.EventTypeHeartbeat, domain.HeartbeatEvent{
		PeerID: s.selfID,
		Name:   s.selfName,
		TS:     time.Now().UTC(),
	})
	if err != nil {
		return
	}
	data, _ := json.Marshal(ev)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeDeadline))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Warnw("heartbeat write failed", "err", err)
	}
}
