package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// TransactionStore is durable keyed storage for transactions.
//
// Finalize is the only terminal-mutation primitive: it applies the change
// atomically if and only if the record is still PENDING, and reports whether
// it did. Every List method returns records newest first.
type TransactionStore interface {
	// Create assigns the ID and persists a new record.
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	// SetRequestToken records the gateway request token on a PENDING record.
	SetRequestToken(ctx context.Context, id, token string, at time.Time) error
	Finalize(ctx context.Context, id string, f Finalization) (applied bool, err error)

	ListByOwner(ctx context.Context, ownerID string) ([]*Transaction, error)
	ListAll(ctx context.Context) ([]*Transaction, error)
	ListByStatus(ctx context.Context, status Status) ([]*Transaction, error)
	// ListPendingCreatedBefore returns PENDING records created strictly before cutoff.
	ListPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]*Transaction, error)
	ListByOriginal(ctx context.Context, originalID string) ([]*Transaction, error)
	ListCreatedBetween(ctx context.Context, from, to time.Time) ([]*Transaction, error)

	Close() error
}

// InitiationRequest is what the gateway needs to push a payment prompt.
type InitiationRequest struct {
	PayeeHandle string
	Amount      decimal.Decimal
	Description string
	Reference   string // transaction ID
}

// OutcomeState is the gateway's view of an initiated payment.
type OutcomeState int

const (
	OutcomePending OutcomeState = iota
	OutcomeSucceeded
	OutcomeFailed
)

// Outcome is a gateway answer about an initiated payment.
type Outcome struct {
	State OutcomeState
	Note  string
}

// PaymentGateway abstracts the mobile-money provider.
type PaymentGateway interface {
	// Initiate sends the payment prompt and returns the provider's request token.
	Initiate(ctx context.Context, req InitiationRequest) (requestToken string, err error)
	// QueryOutcome asks whether the provider already knows the result.
	QueryOutcome(ctx context.Context, requestToken string, req InitiationRequest) (Outcome, error)
	// NewReceipt generates a provider-style receipt token.
	NewReceipt() string
}

// Scheduler runs one-shot callbacks keyed by transaction ID.
type Scheduler interface {
	// ScheduleAt arms fn to run at (or as soon as possible after) deadline.
	ScheduleAt(key string, deadline time.Time, fn func())
}
