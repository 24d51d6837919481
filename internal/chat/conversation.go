// Package chat keeps one conversation's transcript in sync with the backend:
// history fetched once over HTTP, optimistic local sends, and live echoes
// reconciled so each message id appears once.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ridechat/internal/model"
	"ridechat/internal/realtime"
)

const DefaultAckTimeout = 10 * time.Second

var (
	ErrClosed         = errors.New("conversation closed")
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotFailed      = errors.New("message has not failed")
)

// Channel is the shared real-time connection as seen by a conversation.
type Channel interface {
	Subscribe(groupID string, h realtime.Handler) (realtime.Subscription, error)
	Join(groupID string) error
	Leave(groupID string) error
	Emit(ev model.Event) error
}

// HistoryLoader fetches a group's persisted messages.
type HistoryLoader interface {
	Load(ctx context.Context, groupID string) ([]model.Message, error)
}

// Options configures a Conversation.
type Options struct {
	GroupID string
	// Role is the local participant's sender tag, e.g. "customer" or "driver".
	Role       string
	AckTimeout time.Duration
	// OnChange receives a snapshot after every transcript change, never an
	// older one after a newer. It must not call back into the Conversation's
	// mutating methods.
	OnChange func([]model.Message)
	Logger   zerolog.Logger
}

// Conversation is the message store for one group.
type Conversation struct {
	ch     Channel
	loader HistoryLoader
	opts   Options
	log    zerolog.Logger

	mu         sync.Mutex
	transcript *Transcript
	sub        realtime.Subscription
	timers     map[string]*time.Timer
	historyErr error
	closed     bool
	version    uint64

	// notifyMu orders OnChange calls; delivered is the newest version handed out.
	notifyMu  sync.Mutex
	delivered uint64
}

// New creates a conversation for opts.GroupID. Nothing is sent until Open or Join.
func New(ch Channel, loader HistoryLoader, opts Options) (*Conversation, error) {
	if strings.TrimSpace(opts.GroupID) == "" {
		return nil, model.ErrEmptyGroup
	}
	if ch == nil || loader == nil {
		return nil, errors.New("chat: channel and history loader are required")
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}

	return &Conversation{
		ch:         ch,
		loader:     loader,
		opts:       opts,
		log:        opts.Logger.With().Str("group", opts.GroupID).Logger(),
		transcript: NewTranscript(),
		timers:     make(map[string]*time.Timer),
	}, nil
}

// GroupID returns the conversation's group.
func (c *Conversation) GroupID() string { return c.opts.GroupID }

// Role returns the local participant's sender tag.
func (c *Conversation) Role() string { return c.opts.Role }

// Open subscribes to live messages, joins the group and loads history. Only a
// failed subscription is fatal: join and history errors are logged and
// returned, and the conversation stays usable with whatever it has.
func (c *Conversation) Open(ctx context.Context) error {
	if err := c.Subscribe(); err != nil {
		return err
	}

	var errs []error
	if err := c.Join(); err != nil {
		c.log.Warn().Err(err).Msg("[chat] join failed, will re-join on reconnect")
		errs = append(errs, err)
	}
	if _, err := c.LoadHistory(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Subscribe attaches the incoming-message handler. Calling it again is a no-op.
func (c *Conversation) Subscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.sub != nil {
		return nil
	}

	sub, err := c.ch.Subscribe(c.opts.GroupID, c.handleIncoming)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.opts.GroupID, err)
	}
	c.sub = sub
	return nil
}

// Join asks the backend to route this group's messages to the shared connection.
// Joining twice is harmless.
func (c *Conversation) Join() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.ch.Join(c.opts.GroupID)
}

// LoadHistory fetches the persisted messages once. The "no messages" answer
// yields an empty history. On failure the history segment stays empty and the
// error is returned; a result arriving after Close is discarded.
func (c *Conversation) LoadHistory(ctx context.Context) ([]model.Message, error) {
	msgs, err := c.loader.Load(ctx, c.opts.GroupID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if err != nil {
		c.historyErr = err
		c.mu.Unlock()
		c.log.Error().Err(err).Msg("[chat] history fetch failed")
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	c.historyErr = nil
	changed := c.transcript.SetHistory(msgs)
	for _, m := range msgs {
		c.stopTimerLocked(m.ID)
	}
	snap, v := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Debug().Int("messages", len(msgs)).Msg("[chat] history loaded")
	if changed {
		c.notify(snap, v)
	}
	return msgs, nil
}

// HistoryErr returns the last history fetch error, if any.
func (c *Conversation) HistoryErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.historyErr
}

// Send appends a pending copy of body to the transcript and emits it. It does
// not wait for the echo; a message left unconfirmed past the ack timeout
// becomes failed and can be retried.
func (c *Conversation) Send(body string) (model.Message, error) {
	msg, err := model.NewPending(c.opts.GroupID, body, c.opts.Role)
	if err != nil {
		return model.Message{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return model.Message{}, ErrClosed
	}
	c.transcript.AddPending(msg)
	c.startTimerLocked(msg.ID)
	snap, v := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap, v)

	if err := c.ch.Emit(model.SendEvent{Message: msg}); err != nil {
		c.fail(msg.ID)
		return msg, fmt.Errorf("failed to send message: %w", err)
	}
	return msg, nil
}

// Retry re-emits a failed message with its original id.
func (c *Conversation) Retry(id string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	msg, ok := c.transcript.Get(id)
	if !ok {
		c.mu.Unlock()
		return ErrUnknownMessage
	}
	if !c.transcript.MarkPending(id) {
		c.mu.Unlock()
		return ErrNotFailed
	}
	msg.Status = model.StatusPending
	c.startTimerLocked(id)
	snap, v := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap, v)

	if err := c.ch.Emit(model.SendEvent{Message: msg}); err != nil {
		c.fail(id)
		return fmt.Errorf("failed to resend message: %w", err)
	}
	return nil
}

// Messages returns the rendered transcript: history, then live messages in arrival order.
func (c *Conversation) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.Messages()
}

// IsOwn reports whether msg was written by the local participant's role.
func (c *Conversation) IsOwn(msg model.Message) bool {
	return msg.Sender == c.opts.Role
}

// Close detaches from the shared connection and stops ack timers. It is idempotent.
func (c *Conversation) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id := range c.timers {
		c.stopTimerLocked(id)
	}
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if err := c.ch.Leave(c.opts.GroupID); err != nil {
		c.log.Warn().Err(err).Msg("[chat] leave failed")
	}
	return nil
}

func (c *Conversation) handleIncoming(msg model.Message) {
	if msg.GroupID != c.opts.GroupID {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed := c.transcript.Apply(msg)
	c.stopTimerLocked(msg.ID)
	snap, v := c.snapshotLocked()
	c.mu.Unlock()

	if changed {
		c.notify(snap, v)
	} else {
		c.log.Debug().Str("id", msg.ID).Msg("[chat] dropped re-delivered message")
	}
}

func (c *Conversation) fail(id string) {
	c.mu.Lock()
	if c.closed || !c.transcript.MarkFailed(id) {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked(id)
	snap, v := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Warn().Str("id", id).Msg("[chat] message not acknowledged")
	c.notify(snap, v)
}

// expire fails id only if t is still its current ack timer.
func (c *Conversation) expire(id string, t *time.Timer) {
	c.mu.Lock()
	current := c.timers[id] == t
	c.mu.Unlock()
	if current {
		c.fail(id)
	}
}

func (c *Conversation) startTimerLocked(id string) {
	c.stopTimerLocked(id)
	var t *time.Timer
	t = time.AfterFunc(c.opts.AckTimeout, func() { c.expire(id, t) })
	c.timers[id] = t
}

func (c *Conversation) stopTimerLocked(id string) {
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}

// snapshotLocked copies the transcript and stamps it with the next version.
func (c *Conversation) snapshotLocked() ([]model.Message, uint64) {
	c.version++
	return c.transcript.Messages(), c.version
}

// notify hands snap to OnChange unless a newer snapshot already went out.
func (c *Conversation) notify(snap []model.Message, v uint64) {
	if c.opts.OnChange == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if v <= c.delivered {
		return
	}
	c.delivered = v
	c.opts.OnChange(snap)
}
