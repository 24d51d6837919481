// Package broker fans relayed messages out between relay instances so that
// members of a group connected to different processes all receive them.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ridechat/internal/config"
)

var ErrClosed = errors.New("broker: closed")

// HandlerFunc receives a payload published to groupID.
type HandlerFunc func(groupID string, payload []byte)

// Broker publishes group payloads and delivers every group's payloads to subscribers.
type Broker interface {
	Publish(ctx context.Context, groupID string, payload []byte) error
	// Subscribe delivers payloads for all groups to fn until ctx is done.
	Subscribe(ctx context.Context, fn HandlerFunc) error
	Close() error
}

// CheckGroup reports whether b can carry groupID. Drivers with naming rules
// implement CheckGroup(string) error; the others accept any group.
func CheckGroup(b Broker, groupID string) error {
	if c, ok := b.(interface{ CheckGroup(string) error }); ok {
		return c.CheckGroup(groupID)
	}
	return nil
}

// New returns the broker selected by cfg.BrokerDriver.
func New(cfg config.Config) (Broker, error) {
	switch cfg.BrokerDriver {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg.RedisURL)
	case "nats":
		return NewNATS(cfg.NATSURL)
	default:
		return nil, fmt.Errorf("unsupported broker driver %q", cfg.BrokerDriver)
	}
}

// Memory delivers in-process, synchronously on the publishing goroutine.
type Memory struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]HandlerFunc
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[int]HandlerFunc)}
}

func (m *Memory) Publish(_ context.Context, groupID string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]HandlerFunc, 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.RUnlock()

	for _, fn := range subs {
		fn(groupID, payload)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, fn HandlerFunc) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.nextID++
	id := m.nextID
	m.subs[id] = fn
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}()
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[int]HandlerFunc)
	return nil
}
