package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
)

// Store keeps the pending queue and the key/value cache in process memory.
// It does not survive restarts and is meant for tests and demo mode.
type Store struct {
	mu      sync.RWMutex
	pending []domain.PendingSale
	byTemp  map[string]struct{}
	kv      map[string][]byte
}

func New() *Store {
	return &Store{
		pending: make([]domain.PendingSale, 0, 16),
		byTemp:  make(map[string]struct{}),
		kv:      make(map[string][]byte),
	}
}

func (s *Store) Enqueue(_ context.Context, sale domain.PendingSale) error {
	if strings.TrimSpace(sale.TempID) == "" {
		return store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byTemp[sale.TempID]; exists {
		return nil
	}
	s.byTemp[sale.TempID] = struct{}{}
	s.pending = append(s.pending, clonePending(sale))
	return nil
}

func (s *Store) ListAll(_ context.Context) ([]domain.PendingSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PendingSale, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, clonePending(p))
	}
	return out, nil
}

func (s *Store) Remove(_ context.Context, tempIDs ...string) error {
	if len(tempIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]struct{}, len(tempIDs))
	for _, id := range tempIDs {
		drop[id] = struct{}{}
		delete(s.byTemp, id)
	}
	s.pending = slices.DeleteFunc(s.pending, func(p domain.PendingSale) bool {
		_, ok := drop[p.TempID]
		return ok
	})
	return nil
}

func (s *Store) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = s.pending[:0]
	s.byTemp = make(map[string]struct{})
	return nil
}

func (s *Store) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending), nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, ok := s.kv[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return slices.Clone(val), nil
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = slices.Clone(value)
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func clonePending(src domain.PendingSale) domain.PendingSale {
	dst := src
	dst.Items = slices.Clone(src.Items)
	return dst
}
