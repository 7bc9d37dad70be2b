// Package memstore is a thread-safe in-memory TransactionStore. The guarded
// write is a compare-and-set on status under the store mutex. Used by the
// "memory" database driver and by tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/groupfinance/txengine/internal/domain"
)

// Store keeps transactions in a map keyed by ID.
type Store struct {
	mu  sync.RWMutex
	txs map[string]*domain.Transaction
}

var _ domain.TransactionStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{txs: make(map[string]*domain.Transaction)}
}

func (s *Store) Create(_ context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx.ID = uuid.NewString()
	s.txs[tx.ID] = tx.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	return tx.Clone(), nil
}

func (s *Store) SetRequestToken(_ context.Context, id, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	if tx.Status != domain.StatusPending {
		return fmt.Errorf("%w: %s", domain.ErrNotPending, id)
	}
	tx.GatewayRequestToken = token
	if at.After(tx.UpdatedAt) {
		tx.UpdatedAt = at
	}
	return nil
}

// Finalize applies f only while the record is PENDING.
func (s *Store) Finalize(_ context.Context, id string, f domain.Finalization) (bool, error) {
	if err := f.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return false, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	if tx.Status != domain.StatusPending {
		return false, nil
	}
	f.Apply(tx)
	return true, nil
}

// ─── Listing ────────────────────────────────────────────────────────────────

func (s *Store) ListByOwner(_ context.Context, ownerID string) ([]*domain.Transaction, error) {
	return s.filter(func(tx *domain.Transaction) bool { return tx.OwnerID == ownerID }), nil
}

func (s *Store) ListAll(_ context.Context) ([]*domain.Transaction, error) {
	return s.filter(func(*domain.Transaction) bool { return true }), nil
}

func (s *Store) ListByStatus(_ context.Context, status domain.Status) ([]*domain.Transaction, error) {
	return s.filter(func(tx *domain.Transaction) bool { return tx.Status == status }), nil
}

func (s *Store) ListPendingCreatedBefore(_ context.Context, cutoff time.Time) ([]*domain.Transaction, error) {
	return s.filter(func(tx *domain.Transaction) bool {
		return tx.Status == domain.StatusPending && tx.CreatedAt.Before(cutoff)
	}), nil
}

func (s *Store) ListByOriginal(_ context.Context, originalID string) ([]*domain.Transaction, error) {
	return s.filter(func(tx *domain.Transaction) bool {
		return originalID != "" && tx.OriginalID == originalID
	}), nil
}

func (s *Store) ListCreatedBetween(_ context.Context, from, to time.Time) ([]*domain.Transaction, error) {
	return s.filter(func(tx *domain.Transaction) bool {
		return !tx.CreatedAt.Before(from) && !tx.CreatedAt.After(to)
	}), nil
}

func (s *Store) Close() error { return nil }

// filter returns clones of matching records, newest first.
func (s *Store) filter(keep func(*domain.Transaction) bool) []*domain.Transaction {
	s.mu.RLock()
	out := make([]*domain.Transaction, 0, len(s.txs))
	for _, tx := range s.txs {
		if keep(tx) {
			out = append(out, tx.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.txs)
}
