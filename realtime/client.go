package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"sync_core/internal/domain"

	"go.uber.org/zap"
)

type Config struct {
	// WSURL is the live channel endpoint, e.g. ws://host:8080/ws.
	// The peer id and name are appended as query parameters.
	WSURL string
	// RESTBase is the snapshot/poll endpoint base, e.g. http://host:8080.
	RESTBase string

	SelfID   string
	SelfName string

	PresenceTTL       time.Duration // default 5m
	SweepInterval     time.Duration // default PresenceTTL/2
	PollInterval      time.Duration // default 30s
	HeartbeatInterval time.Duration // default 25s
	AckTimeout        time.Duration // default 10s

	Logger     *zap.SugaredLogger
	HTTPClient *http.Client
	// Dialer overrides the websocket dialer; tests inject fakes here.
	Dialer Dialer
}

func (c *Config) withDefaults() {
	if c.PresenceTTL == 0 {
		c.PresenceTTL = 5 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = c.PresenceTTL / 2
	}
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
}

// Client is the realtime sync core. One goroutine owns every state
// mutation: inbound live events, poll results and local calls are all
// serialized through one queue, so the trackers never run concurrently
// with each other.
type Client struct {
	cfg      Config
	log      *zap.SugaredLogger
	sup      *Supervisor
	presence *presenceTracker
	feed     *notificationFeed
	channels *channelManager
	store    *Store
	poll     *poller

	calls   chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	started bool

	now func() time.Time
}

func NewClient(cfg Config) *Client {
	cfg.withDefaults()
	c := &Client{
		cfg:      cfg,
		log:      cfg.Logger,
		presence: newPresenceTracker(cfg.PresenceTTL),
		feed:     newNotificationFeed(),
		channels: newChannelManager(cfg.SelfID),
		store:    NewStore(),
		poll:     newPoller(cfg.RESTBase, cfg.HTTPClient, cfg.Logger),
		calls:    make(chan func(), 64),
		done:     make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	dial := cfg.Dialer
	if dial == nil {
		dial = WebsocketDialer(cfg.WSURL + "?peer_id=" + cfg.SelfID + "&name=" + cfg.SelfName)
	}
	c.sup = NewSupervisor(SupervisorConfig{
		Dialer:            dial,
		SelfID:            cfg.SelfID,
		SelfName:          cfg.SelfName,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            cfg.Logger,
		OnEvent: func(ev domain.Event) {
			c.enqueue(func() { c.handleEvent(ev) })
		},
		OnState: func(st State) {
			c.enqueue(func() { c.store.SetConnState(st) })
		},
		// the server's resync frame repairs presence and channels; a fresh
		// poll cycle repairs the derived notification feed
		OnConnected: func() {
			go c.pollOnce()
		},
	})
	return c
}

// Start launches the event loop, the connection supervisor and the poll
// timer. Cancelling ctx shuts the whole client down. Idempotent: a second
// call is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	go func() {
		select {
		case <-ctx.Done():
			c.cancel()
		case <-c.ctx.Done():
		}
	}()
	if err := c.sup.Connect(c.ctx); err != nil {
		return err
	}
	c.started = true
	go c.run()
	go c.pollOnce() // prime the feed without waiting a full interval
	return nil
}

func (c *Client) Close() {
	c.cancel()
	c.sup.Close()
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
}

func (c *Client) run() {
	defer close(c.done)
	sweep := time.NewTicker(c.cfg.SweepInterval)
	poll := time.NewTicker(c.cfg.PollInterval)
	defer sweep.Stop()
	defer poll.Stop()
	for {
		select {
		case fn := <-c.calls:
			fn()
		case <-sweep.C:
			if c.presence.Sweep(c.now()) {
				c.publishPeers()
			}
		case <-poll.C:
			go c.pollOnce()
		case <-c.ctx.Done():
			return
		}
	}
}

// enqueue hands a closure to the event loop. Drops it if the client is
// shutting down.
func (c *Client) enqueue(fn func()) {
	select {
	case c.calls <- fn:
	case <-c.ctx.Done():
	}
}

// pollOnce fetches one snapshot on its own goroutine and funnels the
// result back into the loop for application.
func (c *Client) pollOnce() {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.PollInterval)
	defer cancel()

	snap, err := c.poll.FetchSnapshot(ctx)
	if err != nil {
		c.log.Warnw("poll cycle skipped", "err", err)
	} else {
		c.enqueue(func() {
			if added, err := c.feed.OnPollResult(snap, c.now()); err != nil {
				c.log.Warnw("derivation skipped", "err", err)
			} else if added > 0 {
				c.publishFeed()
			}
		})
	}

	team, err := c.poll.FetchTeam(ctx)
	if err != nil {
		c.log.Warnw("team poll skipped", "err", err)
		return
	}
	c.enqueue(func() {
		if c.presence.OnDirectory(team, c.now()) {
			c.publishPeers()
		}
	})
}

func (c *Client) handleEvent(ev domain.Event) {
	switch ev.Type {
	case domain.EventTypeHeartbeat:
		var hb domain.HeartbeatEvent
		if !c.decode(ev, &hb) {
			return
		}
		if c.presence.OnHeartbeat(hb.PeerID, hb.Name, hb.TS, c.now()) {
			c.publishPeers()
		}
	case domain.EventTypeLeave:
		var lv domain.LeaveEvent
		if !c.decode(ev, &lv) {
			return
		}
		if c.presence.OnLeave(lv.PeerID) {
			c.publishPeers()
		}
	case domain.EventTypeNotification:
		var n domain.Notification
		if !c.decode(ev, &n) {
			return
		}
		if c.feed.OnPush(n) {
			c.publishFeed()
		}
	case domain.EventTypeMessage:
		var msg domain.Message
		if !c.decode(ev, &msg) {
			return
		}
		if c.channels.OnIncoming(msg) {
			c.publishChannel(msg.ChannelID)
		}
	case domain.EventTypeAck:
		var ack domain.AckEvent
		if !c.decode(ev, &ack) {
			return
		}
		if c.channels.OnAck(ack) {
			c.publishChannel(ack.Message.ChannelID)
		}
	case domain.EventTypeReject:
		var rej domain.RejectEvent
		if !c.decode(ev, &rej) {
			return
		}
		c.markFailedByTempID(rej.TempID)
	case domain.EventTypeResync:
		var rs domain.ResyncEvent
		if !c.decode(ev, &rs) {
			return
		}
		c.presence.OnResync(rs.Peers, c.now())
		c.publishPeers()
		for _, snap := range rs.Channels {
			if c.channels.OnResync(snap) {
				c.publishChannel(snap.ID)
			}
		}
	default:
		c.log.Debugw("ignoring unknown event", "type", ev.Type)
	}
}

func (c *Client) decode(ev domain.Event, out interface{}) bool {
	if err := json.Unmarshal(ev.Payload, out); err != nil {
		c.log.Warnw("dropping malformed payload", "type", ev.Type, "err", err)
		return false
	}
	return true
}

func (c *Client) markFailedByTempID(tempID string) {
	for _, view := range c.channels.Views() {
		if c.channels.MarkFailed(view.ID, tempID) {
			c.publishChannel(view.ID)
			return
		}
	}
}

func (c *Client) publishPeers() {
	c.store.SetPeers(c.presence.Snapshot(c.now()))
}

func (c *Client) publishFeed() {
	c.store.SetFeed(c.feed.Feed())
}

func (c *Client) publishChannel(id string) {
	if view, ok := c.channels.View(id); ok {
		c.store.SetChannel(view)
	}
}

// call runs fn on the event loop and waits for it, so public mutators are
// serialized with every other state change. Must not be invoked from the
// loop itself (i.e. from a subscriber callback); see Subscribe.
func (c *Client) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	c.enqueue(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// SendMessage performs the optimistic send protocol: the pending message
// is appended and published immediately, then transmitted. A dead channel
// fails the message synchronously; a missing ack fails it after the ack
// timeout. It is never retried silently.
func (c *Client) SendMessage(ctx context.Context, channelID, content string) (domain.Message, error) {
	var (
		msg     domain.Message
		sendErr error
	)
	err := c.call(ctx, func() {
		msg = c.channels.PrepareSend(channelID, content, c.now())
		c.publishChannel(channelID)

		ev, err := domain.NewEvent(domain.EventTypeMessage, domain.ClientMessage{
			TempID:    msg.ID,
			ChannelID: channelID,
			SenderID:  c.cfg.SelfID,
			Content:   content,
			CreatedAt: msg.CreatedAt,
		})
		if err == nil {
			err = c.sup.Send(ev)
		}
		if err != nil {
			c.channels.MarkFailed(channelID, msg.ID)
			c.publishChannel(channelID)
			msg.DeliveryState = domain.DeliveryFailed
			sendErr = err
			return
		}
		c.scheduleAckTimeout(channelID, msg.ID)
	})
	if err != nil {
		return domain.Message{}, err
	}
	return msg, sendErr
}

func (c *Client) scheduleAckTimeout(channelID, tempID string) {
	time.AfterFunc(c.cfg.AckTimeout, func() {
		c.enqueue(func() {
			if c.channels.MarkFailed(channelID, tempID) {
				c.log.Warnw("message ack timed out", "channel", channelID, "temp_id", tempID)
				c.publishChannel(channelID)
			}
		})
	})
}

// FocusChannel marks the conversation currently on screen; its unread
// count resets and stays at zero while focused.
func (c *Client) FocusChannel(ctx context.Context, channelID string) error {
	return c.call(ctx, func() {
		if c.channels.Focus(channelID) {
			c.publishChannel(channelID)
		}
	})
}

func (c *Client) ClearNotifications(ctx context.Context) error {
	return c.call(ctx, func() {
		if c.feed.ClearAll() {
			c.publishFeed()
		}
	})
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.call(ctx, func() {
		if c.feed.MarkRead(id) {
			c.publishFeed()
		}
	})
}

// Subscribe registers a change callback, invoked once per logically
// complete update. The returned func unsubscribes.
//
// Callbacks run on the client's event loop, so they must not invoke
// blocking mutators (SendMessage, FocusChannel, ClearNotifications,
// MarkNotificationRead) synchronously: that deadlocks the loop. Hand such
// work to another goroutine instead.
func (c *Client) Subscribe(fn func(Change)) func() {
	return c.store.Subscribe(fn)
}

func (c *Client) OnlinePeers() []domain.PeerStatus {
	peers := c.store.Peers()
	out := peers[:0]
	for _, p := range peers {
		if p.IsOnline {
			out = append(out, p)
		}
	}
	return out
}

func (c *Client) Peers() []domain.PeerStatus { return c.store.Peers() }

func (c *Client) Notifications() []domain.Notification { return c.store.Notifications() }

func (c *Client) Channel(id string) (ChannelView, bool) { return c.store.Channel(id) }

func (c *Client) State() State { return c.store.ConnState() }
