package profile

import (
	"context"
	"sync"
)

// MemoryStore 测试用的内存实现
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]Profile)}
}

func (s *MemoryStore) Put(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[p.UserID] = p
}

func (s *MemoryStore) Resolve(ctx context.Context, userID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.users[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}
