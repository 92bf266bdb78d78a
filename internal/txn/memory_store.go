package txn

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
)

// MemoryStore keeps transactions in process memory. It backs tests and
// single-node deployments without MySQL.
type MemoryStore struct {
	mu        sync.RWMutex
	txs       map[string]*Transaction
	approvals map[string]PendingApproval

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:       make(map[string]*Transaction),
		approvals: make(map[string]PendingApproval),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Create inserts a new transaction.
func (s *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	if tx == nil || strings.TrimSpace(tx.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction id is required")
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.txs[tx.ID]; exists {
		return ErrConflict
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	s.txs[tx.ID] = tx.Clone()
	return nil
}

// Get returns a copy of the transaction.
func (s *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return tx.Clone(), nil
}

// ListByWallet returns the wallet's newest transactions first.
func (s *MemoryStore) ListByWallet(_ context.Context, walletID string, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	var out []*Transaction
	for _, tx := range s.txs {
		if tx.WalletID == walletID {
			out = append(out, tx.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

// Update applies mutate to a copy and stores it when mutate succeeds.
func (s *MemoryStore) Update(_ context.Context, id string, mutate Mutation) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := current.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return current.Clone(), err
		}
	}
	if next.Status != current.Status && !CanTransition(current.Status, next.Status) {
		return current.Clone(), ErrConflict
	}
	next.ID = current.ID
	next.UpdatedAt = time.Now()
	s.txs[id] = next
	return next.Clone(), nil
}

// ReserveSpending serialises reservations per wallet.
func (s *MemoryStore) ReserveSpending(_ context.Context, id string, since time.Time, decide Decider) (*Transaction, error) {
	s.mu.RLock()
	tx, ok := s.txs[id]
	var walletID string
	if ok {
		walletID = tx.WalletID
	}
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	lock := s.walletLock(walletID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current := s.txs[id]
	if current.Status != StatusPending {
		s.mu.RUnlock()
		return current.Clone(), ErrConflict
	}
	acc := newAccumulator()
	for _, other := range s.txs {
		if other.ID == id || other.WalletID != walletID || other.Network != current.Network {
			continue
		}
		acc.add(other.Status, other.CreatedAt, since, other.ReservedAmount, other.ReservedUSD, other.SpendNative, other.SpendUSD)
	}
	s.mu.RUnlock()

	hold, err := decide(acc.usage())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current = s.txs[id]
	if current.Status != StatusPending {
		return current.Clone(), ErrConflict
	}
	next := current.Clone()
	applyHold(next, hold)
	next.UpdatedAt = time.Now()
	s.txs[id] = next
	return next.Clone(), nil
}

// ReleaseReservation clears any hold. Releasing twice is a no-op.
func (s *MemoryStore) ReleaseReservation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return ErrNotFound
	}
	if !tx.Reserved() {
		return nil
	}
	next := tx.Clone()
	clearHold(next)
	next.UpdatedAt = time.Now()
	s.txs[id] = next
	return nil
}

// ListResumable returns due delays, approved transactions and PENDING
// transactions whose worker lease lapsed.
func (s *MemoryStore) ListResumable(_ context.Context, now time.Time, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	var out []*Transaction
	for _, tx := range s.txs {
		if tx.Claimed(now) {
			continue
		}
		switch {
		case tx.Status == StatusQueued && tx.DelayUntil != nil && !tx.DelayUntil.After(now):
			out = append(out, tx.Clone())
		case tx.Status == StatusAwaitingApproval && tx.ApprovedAt != nil:
			out = append(out, tx.Clone())
		case tx.Status == StatusPending && tx.Attempts > 0:
			out = append(out, tx.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

// ListSubmitted returns stale SUBMITTED transactions.
func (s *MemoryStore) ListSubmitted(_ context.Context, before time.Time, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	var out []*Transaction
	for _, tx := range s.txs {
		if tx.Status == StatusSubmitted && tx.UpdatedAt.Before(before) && !tx.Claimed(time.Now()) {
			out = append(out, tx.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

// CreateApproval records a pending approval.
func (s *MemoryStore) CreateApproval(_ context.Context, approval PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.approvals[approval.TxID]; exists {
		return ErrConflict
	}
	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = time.Now()
	}
	s.approvals[approval.TxID] = approval
	return nil
}

// GetApproval returns the pending approval of a transaction.
func (s *MemoryStore) GetApproval(_ context.Context, txID string) (*PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	approval, ok := s.approvals[txID]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	return &approval, nil
}

// DeleteApproval removes a pending approval. Missing rows are ignored.
func (s *MemoryStore) DeleteApproval(_ context.Context, txID string) error {
	s.mu.Lock()
	delete(s.approvals, txID)
	s.mu.Unlock()
	return nil
}

// ListExpiredApprovals returns approvals whose deadline passed.
func (s *MemoryStore) ListExpiredApprovals(_ context.Context, now time.Time, limit int) ([]PendingApproval, error) {
	s.mu.RLock()
	var out []PendingApproval
	for _, approval := range s.approvals {
		if !approval.Deadline.After(now) {
			out = append(out, approval)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) walletLock(walletID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[walletID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[walletID] = lock
	}
	return lock
}

func truncate(txs []*Transaction, limit int) []*Transaction {
	if limit > 0 && len(txs) > limit {
		return txs[:limit]
	}
	return txs
}
