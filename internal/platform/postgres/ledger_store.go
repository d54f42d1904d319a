package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opencanvas/genstudio-api/internal/platform/logger"
	"github.com/opencanvas/genstudio-api/internal/store"
)

// Journal entry types for credit_transactions rows.
const (
	entryTypeConsume = "CONSUME"
	entryTypeRefund  = "REFUND"
)

// PostgresCreditLedger implements the store.CreditLedger interface using
// PostgreSQL. Charges and refunds write both the balance and a journal row;
// callers run them inside the same transaction as the task-state write they
// accompany, which is what makes "charge at most once" and "refund at most
// once" hold under concurrency.
type PostgresCreditLedger struct {
	db store.DBTX
}

// NewPostgresCreditLedger creates a new PostgresCreditLedger.
func NewPostgresCreditLedger(db store.DBTX) *PostgresCreditLedger {
	return &PostgresCreditLedger{
		db: db,
	}
}

// WithTx returns a new CreditLedger bound to the given transaction.
func (l *PostgresCreditLedger) WithTx(tx *sql.Tx) store.CreditLedger {
	return &PostgresCreditLedger{db: tx}
}

// Balance returns the user's current credit balance.
func (l *PostgresCreditLedger) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := l.db.QueryRowContext(ctx,
		`SELECT balance FROM credit_accounts WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to get credit balance: %w", MapError(err))
	}

	return balance, nil
}

// Charge decrements the user's balance by credits and records a CONSUME
// journal row referencing the task. The balance guard in the WHERE clause
// rejects overdrafts atomically, so two racing charges can never both
// succeed against the last credits.
func (l *PostgresCreditLedger) Charge(
	ctx context.Context,
	userID string,
	credits int,
	taskID uuid.UUID,
) error {
	if credits <= 0 {
		return fmt.Errorf("charge amount must be positive, got %d", credits)
	}

	now := time.Now().UTC()

	result, err := l.db.ExecContext(ctx, `
		UPDATE credit_accounts
		SET balance = balance - $2, updated_at = $3
		WHERE user_id = $1 AND balance >= $2
	`, userID, credits, now)
	if err != nil {
		return fmt.Errorf("failed to charge credits: %w", MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// The guarded update cannot tell a missing account from a short
		// balance, so look again to report the right error.
		if _, err := l.Balance(ctx, userID); err != nil {
			return err
		}
		return store.ErrInsufficientCredits
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, task_id, amount, entry_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), userID, taskID, -credits, entryTypeConsume, now)
	if err != nil {
		return fmt.Errorf("failed to record charge journal entry: %w", MapError(err))
	}

	return nil
}

// Refund credits back the task's charge if and only if the task charged more
// than zero credits and has not been refunded yet, and marks the charge
// record refunded. Calling it again is a no-op. The row lock on the task
// serializes concurrent refund attempts (reaper vs. supervisor) so exactly
// one of them performs the credit.
func (l *PostgresCreditLedger) Refund(ctx context.Context, taskID uuid.UUID) error {
	log := logger.FromContext(ctx)

	var ownerID string
	var creditsCharged int
	var refunded bool

	err := l.db.QueryRowContext(ctx, `
		SELECT owner_id, credits_charged, refunded
		FROM tasks
		WHERE id = $1
		FOR UPDATE
	`, taskID).Scan(&ownerID, &creditsCharged, &refunded)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrTaskNotFound
		}
		return fmt.Errorf("failed to lock task charge record: %w", MapError(err))
	}

	if creditsCharged <= 0 || refunded {
		log.Debug("refund skipped",
			slog.String("task_id", taskID.String()),
			slog.Int("credits_charged", creditsCharged),
			slog.Bool("already_refunded", refunded))
		return nil
	}

	now := time.Now().UTC()

	result, err := l.db.ExecContext(ctx, `
		UPDATE tasks SET refunded = TRUE, updated_at = $2 WHERE id = $1
	`, taskID, now)
	if err != nil {
		return fmt.Errorf("failed to mark task refunded: %w", MapError(err))
	}
	if err := CheckRowsAffected(result, "task"); err != nil {
		return err
	}

	_, err = l.db.ExecContext(ctx, `
		UPDATE credit_accounts SET balance = balance + $2, updated_at = $3 WHERE user_id = $1
	`, ownerID, creditsCharged, now)
	if err != nil {
		return fmt.Errorf("failed to credit refund: %w", MapError(err))
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, task_id, amount, entry_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), ownerID, taskID, creditsCharged, entryTypeRefund, now)
	if err != nil {
		return fmt.Errorf("failed to record refund journal entry: %w", MapError(err))
	}

	log.Info("refunded task charge",
		slog.String("task_id", taskID.String()),
		slog.String("user_id", ownerID),
		slog.Int("credits", creditsCharged))

	return nil
}

// FreeUsageToday returns how many free generations of the given kind the
// user has consumed in the current UTC day.
func (l *PostgresCreditLedger) FreeUsageToday(
	ctx context.Context,
	userID string,
	kind string,
) (int, error) {
	var used int
	err := l.db.QueryRowContext(ctx, `
		SELECT used FROM free_usage
		WHERE user_id = $1 AND kind = $2 AND usage_date = $3
	`, userID, kind, utcToday()).Scan(&used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get free usage: %w", MapError(err))
	}

	return used, nil
}

// ConsumeFreeUsage records one free generation of the given kind for today.
func (l *PostgresCreditLedger) ConsumeFreeUsage(
	ctx context.Context,
	userID string,
	kind string,
) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO free_usage (user_id, kind, usage_date, used)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (user_id, kind, usage_date)
		DO UPDATE SET used = free_usage.used + 1
	`, userID, kind, utcToday())
	if err != nil {
		return fmt.Errorf("failed to record free usage: %w", MapError(err))
	}

	return nil
}

// utcToday returns the current UTC calendar date, the granularity at which
// free-usage quotas reset.
func utcToday() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour)
}
