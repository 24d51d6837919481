// Package client is the composition root for a chat participant: one shared
// real-time connection and one history client, handed to every conversation.
package client

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"ridechat/internal/chat"
	"ridechat/internal/config"
	"ridechat/internal/history"
	"ridechat/internal/model"
	"ridechat/internal/realtime"
)

var (
	ErrNotStarted = errors.New("client: app not started")
	ErrClosed     = errors.New("client: app closed")
)

type App struct {
	cfg     config.ClientConfig
	log     zerolog.Logger
	conn    *realtime.Conn
	history *history.Client

	mu      sync.Mutex
	started bool
	closed  bool
	convs   map[*chat.Conversation]struct{}
}

// New builds an App from cfg. Nothing is dialed until Start.
func New(cfg config.ClientConfig, log zerolog.Logger) (*App, error) {
	conn, err := realtime.New(cfg.BaseURL, realtime.Options{
		Token:        cfg.Token,
		PingInterval: cfg.PingInterval,
		PongWait:     cfg.PongWait,
		Backoff: realtime.Backoff{
			Initial: cfg.ReconnectMin,
			Max:     cfg.ReconnectMax,
			Factor:  2,
			Jitter:  cfg.ReconnectJitter,
		},
		Logger: log.With().Str("component", "realtime").Logger(),
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:     cfg,
		log:     log,
		conn:    conn,
		history: history.NewClient(cfg.BaseURL, cfg.Token, cfg.HistoryTimeout),
		convs:   make(map[*chat.Conversation]struct{}),
	}, nil
}

// Start opens the shared connection. Calling it again is a no-op.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.started {
		return nil
	}
	if err := a.conn.Open(ctx); err != nil {
		return err
	}
	a.started = true
	a.log.Info().Str("url", a.conn.URL()).Msg("[client] connected")
	return nil
}

// Connection returns the shared connection.
func (a *App) Connection() *realtime.Conn {
	return a.conn
}

// History returns the history endpoint client.
func (a *App) History() *history.Client {
	return a.history
}

// OpenConversation creates and opens a conversation for groupID as role. A
// join or history failure is returned together with a usable conversation;
// only a failed subscription yields a nil conversation.
func (a *App) OpenConversation(ctx context.Context, groupID, role string, onChange func([]model.Message)) (*chat.Conversation, error) {
	a.mu.Lock()
	switch {
	case a.closed:
		a.mu.Unlock()
		return nil, ErrClosed
	case !a.started:
		a.mu.Unlock()
		return nil, ErrNotStarted
	}
	a.mu.Unlock()

	conv, err := chat.New(a.conn, a.history, chat.Options{
		GroupID:    groupID,
		Role:       role,
		AckTimeout: a.cfg.AckTimeout,
		OnChange:   onChange,
		Logger:     a.log.With().Str("component", "chat").Logger(),
	})
	if err != nil {
		return nil, err
	}
	if err := conv.Subscribe(); err != nil {
		conv.Close()
		return nil, err
	}

	if !a.register(conv) {
		conv.Close()
		return nil, ErrClosed
	}
	return conv, conv.Open(ctx)
}

// register tracks conv for Close. It fails once the App is closed, since
// Close may already have swept the set.
func (a *App) register(conv *chat.Conversation) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.convs[conv] = struct{}{}
	return true
}

// CloseConversation closes conv and forgets it.
func (a *App) CloseConversation(conv *chat.Conversation) error {
	a.mu.Lock()
	delete(a.convs, conv)
	a.mu.Unlock()
	return conv.Close()
}

// Close closes every open conversation, then the shared connection.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	convs := make([]*chat.Conversation, 0, len(a.convs))
	for c := range a.convs {
		convs = append(convs, c)
	}
	a.convs = make(map[*chat.Conversation]struct{})
	a.mu.Unlock()

	for _, c := range convs {
		c.Close()
	}
	return a.conn.Close()
}
