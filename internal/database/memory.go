package database

import (
	"context"
	"sync"

	"ridechat/internal/model"
)

// MemoryStore is a process-local Store used when no database is configured
type MemoryStore struct {
	mu     sync.RWMutex
	groups map[string][]model.Message
	seen   map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups: make(map[string][]model.Message),
		seen:   make(map[string]struct{}),
	}
}

func (s *MemoryStore) Save(_ context.Context, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[msg.ID]; ok {
		return nil
	}
	s.seen[msg.ID] = struct{}{}
	msg.Status = model.StatusDelivered
	s.groups[msg.GroupID] = append(s.groups[msg.GroupID], msg)
	return nil
}

func (s *MemoryStore) ListByGroup(_ context.Context, groupID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, len(s.groups[groupID]))
	copy(out, s.groups[groupID])
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
