package userstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is a map-backed Store. It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryStore returns a MemoryStore seeded with users.
func NewMemoryStore(users ...User) *MemoryStore {
	s := &MemoryStore{users: make(map[string]User, len(users))}
	for _, u := range users {
		s.users[u.Name] = u
	}
	return s
}

func (s *MemoryStore) Lookup(ctx context.Context, name string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[name]
	if !ok {
		return User{}, ErrNotFound
	}

	return u, nil
}

func (s *MemoryStore) Put(_ context.Context, u User) error {
	if u.Name == "" {
		return fmt.Errorf("userstore: put: empty name")
	}

	s.mu.Lock()
	s.users[u.Name] = u
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetBanned(_ context.Context, name string, banned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[name]
	if !ok {
		return ErrNotFound
	}

	u.Banned = banned
	s.users[name] = u
	return nil
}

// Len returns the number of stored users.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}
