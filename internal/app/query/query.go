// Package query serves read-only projections of stored transactions. It holds
// no transition logic.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/groupfinance/txengine/internal/domain"
)

// Transaction is the response shape of a stored transaction. The gateway
// outcome note stays internal.
type Transaction struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	Amount       string     `json:"amount"`
	Description  string     `json:"description"`
	Category     string     `json:"category"`
	Status       string     `json:"status"`
	PayeeHandle  string     `json:"payee_handle"`
	RequestToken string     `json:"request_token,omitempty"`
	ReceiptToken string     `json:"receipt_token,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	OwnerID      string     `json:"owner_id"`
	OriginalID   string     `json:"original_id,omitempty"`
}

// Project maps a domain record to its response shape.
func Project(tx *domain.Transaction) Transaction {
	return Transaction{
		ID:           tx.ID,
		Kind:         string(tx.Kind),
		Amount:       tx.Amount.String(),
		Description:  tx.Description,
		Category:     string(tx.Category),
		Status:       string(tx.Status),
		PayeeHandle:  tx.PayeeHandle,
		RequestToken: tx.GatewayRequestToken,
		ReceiptToken: tx.GatewayReceiptToken,
		CreatedAt:    tx.CreatedAt,
		UpdatedAt:    tx.UpdatedAt,
		CompletedAt:  tx.CompletedAt,
		OwnerID:      tx.OwnerID,
		OriginalID:   tx.OriginalID,
	}
}

func projectAll(txs []*domain.Transaction) []Transaction {
	out := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		out = append(out, Project(tx))
	}
	return out
}

// Service answers read requests against the store.
type Service struct {
	store domain.TransactionStore
}

// New creates a query service.
func New(store domain.TransactionStore) *Service {
	return &Service{store: store}
}

// UserTransactions lists an owner's transactions, newest first.
func (s *Service) UserTransactions(ctx context.Context, ownerID string) ([]Transaction, error) {
	txs, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return projectAll(txs), nil
}

// TransactionByID returns one of the owner's transactions. Records owned by
// someone else are reported as not found.
func (s *Service) TransactionByID(ctx context.Context, id, ownerID string) (Transaction, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if tx.OwnerID != ownerID {
		return Transaction{}, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	return Project(tx), nil
}

// AllTransactions lists every transaction, newest first.
func (s *Service) AllTransactions(ctx context.Context) ([]Transaction, error) {
	txs, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return projectAll(txs), nil
}

// TransactionsByStatus lists transactions in the named status, newest first.
func (s *Service) TransactionsByStatus(ctx context.Context, status string) ([]Transaction, error) {
	st, err := domain.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	txs, err := s.store.ListByStatus(ctx, st)
	if err != nil {
		return nil, err
	}
	return projectAll(txs), nil
}

// Corrections lists the corrections that reference originalID.
func (s *Service) Corrections(ctx context.Context, originalID string) ([]Transaction, error) {
	if _, err := s.store.Get(ctx, originalID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w %s", domain.ErrOriginalNotFound, originalID)
		}
		return nil, err
	}
	txs, err := s.store.ListByOriginal(ctx, originalID)
	if err != nil {
		return nil, err
	}
	return projectAll(txs), nil
}

// Between lists transactions created within [from, to], newest first.
func (s *Service) Between(ctx context.Context, from, to time.Time) ([]Transaction, error) {
	if from.After(to) {
		return nil, fmt.Errorf("%w: range start %s is after end %s", domain.ErrValidation,
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	txs, err := s.store.ListCreatedBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return projectAll(txs), nil
}
