// Package realtime owns the single long-lived socket shared by every open
// conversation. A Conn is created once by the composition root, opened
// explicitly, and redials with backoff when the socket drops, re-joining
// every group it was asked to join.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ridechat/internal/model"
)

var (
	ErrNotConnected = errors.New("realtime: not connected")
	ErrAlreadyOpen  = errors.New("realtime: connection already opened")
	ErrClosed       = errors.New("realtime: connection closed")
)

// State is the lifecycle state of a Conn.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Handler receives delivered messages for one group.
type Handler func(model.Message)

// Subscription detaches a Handler. Unsubscribe is safe to call more than once.
type Subscription interface {
	Unsubscribe()
}

// Options tunes a Conn. Zero values fall back to defaults.
type Options struct {
	Token        string
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	DialTimeout  time.Duration
	Backoff      Backoff
	Dialer       *websocket.Dialer
	Logger       zerolog.Logger
}

const (
	defaultPingInterval = 10 * time.Second
	defaultPongWait     = 15 * time.Second
	defaultWriteWait    = 10 * time.Second
	defaultDialTimeout  = 15 * time.Second
)

// Conn is the shared bidirectional connection to the backend's real-time endpoint.
type Conn struct {
	url    string
	header http.Header
	opts   Options
	log    zerolog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	ws        *websocket.Conn
	state     State
	groups    map[string]struct{}
	handlers  map[string]map[uint64]Handler
	nextSubID uint64
	listeners []func(State)

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New prepares a connection to baseURL. Nothing is dialed until Open.
func New(baseURL string, opts Options) (*Conn, error) {
	wsURL, err := WebSocketURL(baseURL)
	if err != nil {
		return nil, err
	}

	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ctx:      ctx,
		cancel:   cancel,
		url:      wsURL,
		header:   header,
		opts:     opts,
		log:      opts.Logger,
		state:    StateIdle,
		groups:   make(map[string]struct{}),
		handlers: make(map[string]map[uint64]Handler),
		done:     make(chan struct{}),
	}, nil
}

// WebSocketURL maps an http(s) base address to the backend's /ws endpoint.
func WebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid base url %q: unsupported scheme", baseURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid base url %q: missing host", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// URL returns the websocket address this connection dials.
func (c *Conn) URL() string {
	return c.url
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn to be called on every state transition.
func (c *Conn) OnStateChange(fn func(State)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Open dials the backend once and starts the read loop. A failed first dial is
// returned to the caller; later drops are retried in the background.
func (c *Conn) Open(ctx context.Context) error {
	if c.closed() {
		return ErrClosed
	}
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.mu.Unlock()
	c.setState(StateConnecting)

	ws, err := c.dial(ctx)
	if err != nil {
		c.setState(StateIdle)
		return err
	}

	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	c.ws = ws
	c.wg.Add(1)
	c.mu.Unlock()
	c.setState(StateConnected)

	c.log.Info().Str("url", c.url).Msg("[realtime] connected")

	go c.run(ws)
	return nil
}

// Close shuts the socket and stops reconnecting. It is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()

		c.mu.Lock()
		ws := c.ws
		c.ws = nil
		c.mu.Unlock()

		if ws != nil {
			deadline := time.Now().Add(c.opts.WriteWait)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			ws.Close()
		}
		c.wg.Wait()
		c.setState(StateClosed)
		c.log.Info().Msg("[realtime] closed")
	})
	return nil
}

// Emit writes a single event to the socket.
func (c *Conn) Emit(ev model.Event) error {
	data, err := model.Encode(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to emit %s: %w", ev.EventName(), err)
	}
	return nil
}

// Join asks the backend to route groupID's messages here. The group is
// remembered and re-joined after every reconnect, so a failed emit while the
// socket is down is still returned but not lost.
func (c *Conn) Join(groupID string) error {
	if strings.TrimSpace(groupID) == "" {
		return model.ErrEmptyGroup
	}
	c.mu.Lock()
	c.groups[groupID] = struct{}{}
	c.mu.Unlock()

	return c.Emit(model.JoinEvent{GroupID: groupID})
}

// Leave forgets groupID and tells the backend to stop routing it. It is a
// no-op while other subscriptions on the group are still live.
func (c *Conn) Leave(groupID string) error {
	c.mu.Lock()
	_, joined := c.groups[groupID]
	if !joined || len(c.handlers[groupID]) > 0 {
		c.mu.Unlock()
		return nil
	}
	delete(c.groups, groupID)
	c.mu.Unlock()

	err := c.Emit(model.LeaveEvent{GroupID: groupID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Joined reports whether groupID will be re-joined on reconnect.
func (c *Conn) Joined(groupID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.groups[groupID]
	return ok
}

// Subscribe registers h for messages delivered to groupID.
func (c *Conn) Subscribe(groupID string, h Handler) (Subscription, error) {
	if strings.TrimSpace(groupID) == "" {
		return nil, model.ErrEmptyGroup
	}
	if h == nil {
		return nil, errors.New("realtime: nil handler")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	if c.handlers[groupID] == nil {
		c.handlers[groupID] = make(map[uint64]Handler)
	}
	c.handlers[groupID][id] = h

	return &subscription{conn: c, groupID: groupID, id: id}, nil
}

type subscription struct {
	conn    *Conn
	groupID string
	id      uint64
	once    sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		c := s.conn
		c.mu.Lock()
		defer c.mu.Unlock()
		if hs, ok := c.handlers[s.groupID]; ok {
			delete(hs, s.id)
			if len(hs) == 0 {
				delete(c.handlers, s.groupID)
			}
		}
	})
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	listeners := append([]func(State){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	ws, resp, err := c.opts.Dialer.DialContext(dialCtx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", c.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", c.url, err)
	}
	return ws, nil
}

// run serves the socket until it drops, then redials until Close.
func (c *Conn) run(ws *websocket.Conn) {
	defer c.wg.Done()

	for {
		err := c.serve(ws)
		if c.closed() {
			return
		}
		c.log.Warn().Err(err).Msg("[realtime] connection lost")

		ws = c.reconnect()
		if ws == nil {
			return
		}
	}
}

func (c *Conn) serve(ws *websocket.Conn) error {
	ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.keepalive(ws, stop)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return err
		}
		c.dispatch(data)
	}
}

func (c *Conn) keepalive(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteWait)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug().Err(err).Msg("[realtime] ping failed")
				return
			}
		}
	}
}

func (c *Conn) reconnect() *websocket.Conn {
	c.mu.Lock()
	c.ws = nil
	c.mu.Unlock()
	c.setState(StateReconnecting)

	for attempt := 1; ; attempt++ {
		delay := c.opts.Backoff.Delay(attempt)
		select {
		case <-c.done:
			return nil
		case <-time.After(delay):
		}

		ws, err := c.dial(c.ctx)
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("[realtime] redial failed")
			continue
		}

		c.mu.Lock()
		if c.closed() {
			c.mu.Unlock()
			ws.Close()
			return nil
		}
		c.ws = ws
		groups := make([]string, 0, len(c.groups))
		for g := range c.groups {
			groups = append(groups, g)
		}
		c.mu.Unlock()

		sort.Strings(groups)
		for _, g := range groups {
			if err := c.Emit(model.JoinEvent{GroupID: g}); err != nil {
				c.log.Warn().Err(err).Str("group", g).Msg("[realtime] re-join failed")
			}
		}

		c.setState(StateConnected)
		c.log.Info().Int("attempt", attempt).Int("groups", len(groups)).Msg("[realtime] reconnected")
		return ws
	}
}

func (c *Conn) dispatch(data []byte) {
	ev, err := model.Decode(data)
	if err != nil {
		c.log.Warn().Err(err).Msg("[realtime] dropping invalid frame")
		return
	}

	switch e := ev.(type) {
	case model.DeliveredEvent:
		for _, h := range c.handlersFor(e.Message.GroupID) {
			h(e.Message)
		}
	case model.ErrorEvent:
		c.log.Warn().Str("error", e.Error).Msg("[realtime] backend rejected event")
	default:
		c.log.Debug().Str("event", ev.EventName()).Msg("[realtime] ignoring event")
	}
}

// handlersFor returns a group's handlers in subscription order.
func (c *Conn) handlersFor(groupID string) []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()

	hs := c.handlers[groupID]
	ids := make([]uint64, 0, len(hs))
	for id := range hs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, hs[id])
	}
	return out
}
