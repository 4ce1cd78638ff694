// Package memory is a mutex-guarded in-process implementation of the local
// durable store. It does not survive restarts and is used for tests and for
// running the agent without a data directory.
package memory

import (
	"context"
	"sort"
	"sync"

	"rutapos/core/internal/domain"
	"rutapos/core/internal/store"
)

type Store struct {
	mu       sync.RWMutex
	actions  map[string]domain.QueuedAction
	order    map[string]int64
	seq      int64
	payments map[string]domain.PendingPayment
	meta     domain.SyncMeta
}

func New() *Store {
	return &Store{
		actions:  make(map[string]domain.QueuedAction),
		order:    make(map[string]int64),
		payments: make(map[string]domain.PendingPayment),
	}
}

func (s *Store) ListActions(_ context.Context) ([]domain.QueuedAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.QueuedAction, 0, len(s.actions))
	for id := range s.actions {
		out = append(out, s.actions[id])
	}
	sort.Slice(out, func(i, j int) bool {
		return s.order[out[i].ID] < s.order[out[j].ID]
	})
	return out, nil
}

func (s *Store) PutAction(_ context.Context, action domain.QueuedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.order[action.ID]; !ok {
		s.seq++
		s.order[action.ID] = s.seq
	}
	s.actions[action.ID] = action
	return nil
}

func (s *Store) DeleteAction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.actions, id)
	delete(s.order, id)
	return nil
}

func (s *Store) ListPayments(_ context.Context) ([]domain.PendingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PendingPayment, 0, len(s.payments))
	for id := range s.payments {
		out = append(out, s.payments[id])
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) GetPayment(_ context.Context, id string) (*domain.PendingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) PutPayment(_ context.Context, payment domain.PendingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.payments[payment.ID] = payment
	return nil
}

func (s *Store) GetSyncMeta(_ context.Context) (domain.SyncMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta, nil
}

func (s *Store) PutSyncMeta(_ context.Context, meta domain.SyncMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = meta
	return nil
}

func (s *Store) Close() error {
	return nil
}
