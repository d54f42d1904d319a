package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/opencanvas/genstudio-api/internal/domain"
	"github.com/opencanvas/genstudio-api/internal/platform/logger"
	"github.com/opencanvas/genstudio-api/internal/store"
)

// AdmissionConfig tunes the admission gates.
type AdmissionConfig struct {
	// MaxActivePerUser caps a user's simultaneously active tasks.
	MaxActivePerUser int

	// FreeDailyLimit is how many generations per kind per UTC day cost
	// nothing. Zero disables free usage.
	FreeDailyLimit int
}

// defaultPrices is the credit price per task kind. Providers of the same
// kind are priced alike.
var defaultPrices = map[domain.TaskKind]int{
	domain.TaskKindImage: 5,
	domain.TaskKindVideo: 20,
	domain.TaskKindAudio: 10,
	domain.TaskKindText:  1,
}

// Admission decides whether a submission may run and, if so, charges for it
// and creates the task - charge and creation in one transaction, so no
// crash can leave a charge without a task or a task without its charge
// record.
type Admission struct {
	db     *sql.DB
	tasks  store.TaskStore
	ledger store.CreditLedger
	access AccessControl
	cfg    AdmissionConfig
	prices map[domain.TaskKind]int
}

// NewAdmission creates an Admission service. A nil access control allows
// everyone.
func NewAdmission(
	db *sql.DB,
	tasks store.TaskStore,
	ledger store.CreditLedger,
	access AccessControl,
	cfg AdmissionConfig,
) *Admission {
	if access == nil {
		access = &StaticAccessControl{}
	}
	if cfg.MaxActivePerUser <= 0 {
		cfg.MaxActivePerUser = 5
	}

	return &Admission{
		db:     db,
		tasks:  tasks,
		ledger: ledger,
		access: access,
		cfg:    cfg,
		prices: defaultPrices,
	}
}

// Price returns the credit price for a task kind.
func (a *Admission) Price(kind domain.TaskKind) int {
	return a.prices[kind]
}

// Authorize runs the admission gates in order: policy, concurrency, then
// quota and balance. It returns the charge that Admit will apply, or a
// domain.PermissionDeniedError carrying the first gate that refused.
// Nothing is written; Authorize is a pure decision.
func (a *Admission) Authorize(ctx context.Context, spec *domain.JobSpec) (domain.ChargeRecord, error) {
	decision, err := a.access.CheckAccess(ctx, spec.OwnerID, spec.Kind)
	if err != nil {
		return domain.ChargeRecord{}, fmt.Errorf("access check failed: %w", err)
	}
	if !decision.Allowed {
		return domain.ChargeRecord{}, domain.NewPermissionDenied(decision.Reason, decision.Message)
	}

	active, err := a.tasks.CountActiveByUser(ctx, spec.OwnerID)
	if err != nil {
		return domain.ChargeRecord{}, fmt.Errorf("failed to count active tasks: %w", err)
	}
	if active >= a.cfg.MaxActivePerUser {
		return domain.ChargeRecord{}, domain.NewPermissionDenied(
			domain.DenialConcurrencyLimit,
			fmt.Sprintf("at most %d tasks may run at once", a.cfg.MaxActivePerUser))
	}

	// Free daily quota first; paid credits only once it is used up.
	if a.cfg.FreeDailyLimit > 0 {
		used, err := a.ledger.FreeUsageToday(ctx, spec.OwnerID, string(spec.Kind))
		if err != nil {
			return domain.ChargeRecord{}, fmt.Errorf("failed to read free usage: %w", err)
		}
		if used < a.cfg.FreeDailyLimit {
			return domain.ChargeRecord{
				IsFreeUsage:        true,
				FreeUsageRemaining: a.cfg.FreeDailyLimit - used - 1,
			}, nil
		}
	}

	price := a.Price(spec.Kind)
	balance, err := a.ledger.Balance(ctx, spec.OwnerID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			// No credit account means a free-tier user whose daily quota
			// is spent.
			return domain.ChargeRecord{}, domain.NewPermissionDenied(
				domain.DenialQuotaExceeded,
				fmt.Sprintf("free daily limit of %d %s generations reached",
					a.cfg.FreeDailyLimit, spec.Kind))
		}
		return domain.ChargeRecord{}, fmt.Errorf("failed to read credit balance: %w", err)
	}
	if balance < price {
		return domain.ChargeRecord{}, domain.NewPermissionDenied(
			domain.DenialInsufficientCredits,
			fmt.Sprintf("%s generation costs %d credits, balance is %d", spec.Kind, price, balance))
	}

	return domain.ChargeRecord{CreditsCharged: price}, nil
}

// Admit applies the authorized charge and creates the task, atomically. A
// duplicate idempotency key rolls everything back and surfaces
// store.ErrDuplicateSubmission; nothing is charged twice.
func (a *Admission) Admit(
	ctx context.Context,
	spec *domain.JobSpec,
	charge domain.ChargeRecord,
) (*domain.Task, error) {
	var created *domain.Task

	err := a.inTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		t, err := a.tasks.WithTx(tx).Create(ctx, spec, charge)
		if err != nil {
			return err
		}

		ledger := a.ledger.WithTx(tx)
		if charge.IsFreeUsage {
			if err := ledger.ConsumeFreeUsage(ctx, spec.OwnerID, string(spec.Kind)); err != nil {
				return err
			}
		} else if charge.CreditsCharged > 0 {
			if err := ledger.Charge(ctx, spec.OwnerID, charge.CreditsCharged, t.ID); err != nil {
				return err
			}
		}

		created = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("task admitted",
		slog.String("task_id", created.ID.String()),
		slog.String("owner_id", created.OwnerID),
		slog.String("kind", string(created.Kind)),
		slog.Int("credits_charged", charge.CreditsCharged),
		slog.Bool("free_usage", charge.IsFreeUsage))

	return created, nil
}

// RefundTask credits back a failed task's charge. It implements
// task.Refunder for the supervisor and the reaper; the ledger makes the
// refund idempotent, so racing callers are safe.
func (a *Admission) RefundTask(ctx context.Context, taskID uuid.UUID) error {
	return a.inTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return a.ledger.WithTx(tx).Refund(ctx, taskID)
	})
}

// inTransaction runs fn inside a database transaction. Stores without a
// backing database (the in-memory ones) run fn directly; their WithTx
// ignores the nil transaction.
func (a *Admission) inTransaction(ctx context.Context, fn store.TxFn) error {
	if a.db == nil {
		return fn(ctx, nil)
	}
	return store.RunInTransaction(ctx, a.db, fn)
}
