package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// CreditLedger defines the billing primitives admission relies on. Charge
// and Refund must mutate the balance and write a journal row in the same
// transaction as the task-state write they accompany, so that "charge at
// most once per submission" and "refund at most once per failure" hold.
type CreditLedger interface {
	// Balance returns the user's current credit balance. Fails with
	// ErrAccountNotFound for unknown users.
	Balance(ctx context.Context, userID string) (int, error)

	// Charge decrements the user's balance by credits and records a
	// CONSUME journal row referencing the task. Fails with
	// ErrInsufficientCredits when the balance is short.
	Charge(ctx context.Context, userID string, credits int, taskID uuid.UUID) error

	// Refund credits back the task's charge if and only if the task
	// charged more than zero credits and has not been refunded yet, and
	// marks the charge record refunded. Calling it again is a no-op.
	Refund(ctx context.Context, taskID uuid.UUID) error

	// FreeUsageToday returns how many free generations of the given kind
	// the user has consumed in the current UTC day.
	FreeUsageToday(ctx context.Context, userID string, kind string) (int, error)

	// ConsumeFreeUsage records one free generation of the given kind.
	ConsumeFreeUsage(ctx context.Context, userID string, kind string) error

	// WithTx returns a CreditLedger bound to the provided transaction.
	WithTx(tx *sql.Tx) CreditLedger
}
