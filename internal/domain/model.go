// Package domain contains pure business types with ZERO infrastructure imports.
// Transactions, their lifecycle states, and the error taxonomy live here; the
// store, the gateway and the scheduler are described only as interfaces.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ─── Transaction Kind ───────────────────────────────────────────────────────

// Kind distinguishes ordinary payments from corrections of earlier ones.
type Kind string

const (
	KindOrdinary   Kind = "ORDINARY"
	KindCorrection Kind = "CORRECTION"
)

// ─── Category ───────────────────────────────────────────────────────────────

// Category classifies what a payment is for within the group.
type Category string

const (
	CategoryContribution     Category = "CONTRIBUTION"
	CategoryLoanRepayment    Category = "LOAN_REPAYMENT"
	CategoryLoanDisbursement Category = "LOAN_DISBURSEMENT"
	CategoryWithdrawal       Category = "WITHDRAWAL"
	CategoryExpense          Category = "EXPENSE"
	CategoryWelfare          Category = "WELFARE"
	CategoryInvestment       Category = "INVESTMENT"
	CategoryCorrection       Category = "CORRECTION"
)

// Categories lists every known category in display order.
func Categories() []Category {
	return []Category{
		CategoryContribution,
		CategoryLoanRepayment,
		CategoryLoanDisbursement,
		CategoryWithdrawal,
		CategoryExpense,
		CategoryWelfare,
		CategoryInvestment,
		CategoryCorrection,
	}
}

// ParseCategory converts a case-insensitive name into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Categories() {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: unknown category %q", ErrValidation, s)
}

// ─── Status & State Machine ─────────────────────────────────────────────────

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "PENDING"   // initiated, awaiting confirmation
	StatusCompleted Status = "COMPLETED" // payment confirmed
	StatusFailed    Status = "FAILED"    // payment rejected or initiation failed
	StatusCancelled Status = "CANCELLED" // cancelled by the owner inside the window
)

// allowedTransitions maps a state to the states it may move to.
// Terminal states map to nothing.
var allowedTransitions = map[Status][]Status{
	StatusPending:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	next, ok := allowedTransitions[s]
	return ok && len(next) == 0
}

// Settles reports whether entering s stamps CompletedAt.
func (s Status) Settles() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus converts a case-insensitive name into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := allowedTransitions[st]; !ok {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
	return st, nil
}

// ─── Transaction ────────────────────────────────────────────────────────────

// Transaction is the single persisted entity. Amount, description, category,
// kind, owner and original reference never change after creation.
type Transaction struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Category    Category        `json:"category"`
	Status      Status          `json:"status"`

	// Gateway integration fields, filled in as the payment progresses.
	PayeeHandle         string `json:"payee_handle"`
	GatewayRequestToken string `json:"gateway_request_token,omitempty"`
	GatewayReceiptToken string `json:"gateway_receipt_token,omitempty"`
	GatewayOutcomeNote  string `json:"gateway_outcome_note,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	OwnerID    string `json:"owner_id"`
	OriginalID string `json:"original_id,omitempty"`
}

// Age returns how long the transaction has existed at now.
func (t *Transaction) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Finalization describes a terminal write. It is applied only while the
// record is still PENDING.
type Finalization struct {
	Status       Status
	ReceiptToken string // empty leaves the stored receipt untouched
	Note         string
	At           time.Time
}

// Validate checks that the finalization targets a terminal state.
func (f Finalization) Validate() error {
	if !CanTransition(StatusPending, f.Status) {
		return fmt.Errorf("%w: cannot finalize into %s", ErrInvalidState, f.Status)
	}
	if f.At.IsZero() {
		return fmt.Errorf("%w: finalization time is required", ErrValidation)
	}
	return nil
}

// Apply mutates t the way a successful guarded write does. Stores share it so
// both backends stamp timestamps identically.
func (f Finalization) Apply(t *Transaction) {
	t.Status = f.Status
	if f.ReceiptToken != "" {
		t.GatewayReceiptToken = f.ReceiptToken
	}
	t.GatewayOutcomeNote = f.Note
	if f.At.After(t.UpdatedAt) {
		t.UpdatedAt = f.At
	}
	if f.Status.Settles() && t.CompletedAt == nil {
		at := f.At
		t.CompletedAt = &at
	}
}

// ─── Requests ───────────────────────────────────────────────────────────────

// CreateRequest carries the caller-supplied fields of a new transaction.
type CreateRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	PayeeHandle string          `json:"payee_handle"`
	Description string          `json:"description"`
	Category    Category        `json:"category"`
	OwnerID     string          `json:"-"`
	OriginalID  string          `json:"original_id,omitempty"`
}

// CorrectionRequest carries the fields of a correction; kind and category are
// forced by the engine.
type CorrectionRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	PayeeHandle string          `json:"payee_handle"`
	Description string          `json:"description"`
	OwnerID     string          `json:"-"`
}
