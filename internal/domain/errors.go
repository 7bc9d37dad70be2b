package domain

import (
	"errors"
	"fmt"
	"time"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.
// Callers classify with errors.Is; refined sentinels wrap their category.

var (
	// Taxonomy
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid transaction state")
	ErrGateway      = errors.New("payment gateway initiation failed")

	// Ownership
	ErrNotOwned = errors.New("transaction belongs to another owner")

	// State refinements
	ErrNotPending           = fmt.Errorf("%w: transaction is not pending", ErrInvalidState)
	ErrWindowExpired        = fmt.Errorf("%w: cancellation window expired", ErrInvalidState)
	ErrOriginalNotCompleted = fmt.Errorf("%w: original transaction is not completed", ErrInvalidState)

	// Lookup refinements
	ErrOriginalNotFound = fmt.Errorf("%w: original transaction", ErrNotFound)
)

// WindowExpiredError reports a cancellation attempted after the window closed.
// The transaction is expected to settle on its own; the caller should re-check.
type WindowExpiredError struct {
	ID      string
	Window  time.Duration
	Elapsed time.Duration
}

func (e *WindowExpiredError) Error() string {
	return fmt.Sprintf(
		"cancellation window expired for transaction %s: transactions can only be cancelled within %s, time elapsed: %s; check its status again, it should settle shortly",
		e.ID, e.Window, e.Elapsed.Truncate(time.Millisecond))
}

func (e *WindowExpiredError) Unwrap() error { return ErrWindowExpired }

// GatewayError wraps a synchronous failure from the payment gateway.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("failed to initiate payment (%s): %v", e.Op, e.Err)
}

// Is lets errors.Is(err, ErrGateway) match any gateway failure.
func (e *GatewayError) Is(target error) bool { return target == ErrGateway }

func (e *GatewayError) Unwrap() error { return e.Err }
