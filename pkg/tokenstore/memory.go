package tokenstore

import (
	"context"
	"sync"
)

// MemoryStore keeps the token in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	token    string
	getErr   error
	setErr   error
	setCalls int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// NewMemoryStoreWith creates a store pre-seeded with token.
func NewMemoryStoreWith(token string) *MemoryStore {
	return &MemoryStore{token: token}
}

func (s *MemoryStore) Readable() bool { return true }

func (s *MemoryStore) Get(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.getErr != nil {
		return "", s.getErr
	}
	return s.token, nil
}

func (s *MemoryStore) Set(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCalls++
	if s.setErr != nil {
		return s.setErr
	}
	s.token = token
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

// FailWrites makes subsequent Set calls return err. Pass nil to restore.
func (s *MemoryStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErr = err
}

// FailReads makes subsequent Get calls return err. Pass nil to restore.
func (s *MemoryStore) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr = err
}

// SetCalls returns how many times Set was called.
func (s *MemoryStore) SetCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.setCalls
}
