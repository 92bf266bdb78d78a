package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
)

// MemoryStore keeps wallets in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]Wallet
}

// NewMemoryStore creates a store holding the given wallets.
func NewMemoryStore(seed ...Wallet) (*MemoryStore, error) {
	s := &MemoryStore{wallets: make(map[string]Wallet)}
	for i := range seed {
		if err := s.Create(context.Background(), &seed[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (s *MemoryStore) Create(_ context.Context, w *Wallet) error {
	if err := w.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.wallets[w.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("wallet %s already exists", w.ID))
	}
	now := time.Now()
	w.CreatedAt, w.UpdatedAt = now, now
	s.wallets[w.ID] = *w
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(w.Status, status) {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("wallet %s cannot move from %s to %s", id, w.Status, status))
	}
	w.Status = status
	w.UpdatedAt = time.Now()
	s.wallets[id] = w
	return nil
}

func (s *MemoryStore) Close() error { return nil }
