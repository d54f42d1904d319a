package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencanvas/genstudio-api/internal/domain"
	"github.com/opencanvas/genstudio-api/internal/mocks"
	"github.com/opencanvas/genstudio-api/internal/store"
)

func newJobSpec(ownerID string) *domain.JobSpec {
	return &domain.JobSpec{
		OwnerID:    ownerID,
		Kind:       domain.TaskKindImage,
		ProviderID: "mock-provider",
		Prompt:     "a lighthouse at dusk",
	}
}

func requireDenied(t *testing.T, err error, reason domain.DenialReason) {
	t.Helper()
	denied, ok := domain.IsPermissionDenied(err)
	require.True(t, ok, "expected a permission denial, got %v", err)
	assert.Equal(t, reason, denied.Reason)
}

func TestAuthorize_BlockedUser(t *testing.T) {
	t.Parallel()

	access := &StaticAccessControl{BlockedUsers: map[string]bool{"user-1": true}}
	admission := NewAdmission(nil, mocks.NewMemoryTaskStore(), mocks.NewMemoryLedger(), access,
		AdmissionConfig{})

	_, err := admission.Authorize(context.Background(), newJobSpec("user-1"))
	requireDenied(t, err, domain.DenialNoPermission)
}

func TestAuthorize_TierRestricted(t *testing.T) {
	t.Parallel()

	access := &StaticAccessControl{
		PremiumKinds: map[domain.TaskKind]bool{domain.TaskKindVideo: true},
		PremiumUsers: map[string]bool{"user-premium": true},
	}
	ledger := mocks.NewMemoryLedger()
	ledger.SetBalance("user-basic", 1000)
	ledger.SetBalance("user-premium", 1000)
	admission := NewAdmission(nil, mocks.NewMemoryTaskStore(), ledger, access, AdmissionConfig{})

	spec := newJobSpec("user-basic")
	spec.Kind = domain.TaskKindVideo

	_, err := admission.Authorize(context.Background(), spec)
	requireDenied(t, err, domain.DenialTierRestricted)

	spec = newJobSpec("user-premium")
	spec.Kind = domain.TaskKindVideo

	charge, err := admission.Authorize(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, admission.Price(domain.TaskKindVideo), charge.CreditsCharged)
}

func TestAuthorize_ConcurrencyLimit(t *testing.T) {
	t.Parallel()

	tasks := mocks.NewMemoryTaskStore()
	for range 3 {
		tasks.Seed(&domain.Task{
			ID:      uuid.New(),
			OwnerID: "user-1",
			Kind:    domain.TaskKindImage,
			Status:  domain.TaskStatusProcessing,
		})
	}

	ledger := mocks.NewMemoryLedger()
	ledger.SetBalance("user-1", 1000)
	admission := NewAdmission(nil, tasks, ledger, nil, AdmissionConfig{MaxActivePerUser: 3})

	_, err := admission.Authorize(context.Background(), newJobSpec("user-1"))
	requireDenied(t, err, domain.DenialConcurrencyLimit)

	// Terminal tasks do not count against the limit.
	tasks2 := mocks.NewMemoryTaskStore()
	tasks2.Seed(&domain.Task{
		ID:      uuid.New(),
		OwnerID: "user-1",
		Kind:    domain.TaskKindImage,
		Status:  domain.TaskStatusSuccess,
	})
	admission = NewAdmission(nil, tasks2, ledger, nil, AdmissionConfig{MaxActivePerUser: 3})

	_, err = admission.Authorize(context.Background(), newJobSpec("user-1"))
	assert.NoError(t, err)
}

func TestAuthorize_FreeQuotaBeforeCredits(t *testing.T) {
	t.Parallel()

	// No credit account at all; the free quota alone admits the task.
	admission := NewAdmission(nil, mocks.NewMemoryTaskStore(), mocks.NewMemoryLedger(), nil,
		AdmissionConfig{FreeDailyLimit: 2})

	charge, err := admission.Authorize(context.Background(), newJobSpec("user-1"))
	require.NoError(t, err)
	assert.True(t, charge.IsFreeUsage)
	assert.Equal(t, 0, charge.CreditsCharged)
	assert.Equal(t, 1, charge.FreeUsageRemaining)
}

func TestAuthorize_QuotaExceededWithoutAccount(t *testing.T) {
	t.Parallel()

	ledger := mocks.NewMemoryLedger()
	admission := NewAdmission(nil, mocks.NewMemoryTaskStore(), ledger, nil,
		AdmissionConfig{FreeDailyLimit: 1})

	ctx := context.Background()
	require.NoError(t, ledger.ConsumeFreeUsage(ctx, "user-1", string(domain.TaskKindImage)))

	_, err := admission.Authorize(ctx, newJobSpec("user-1"))
	requireDenied(t, err, domain.DenialQuotaExceeded)
}

func TestAuthorize_InsufficientCredits(t *testing.T) {
	t.Parallel()

	ledger := mocks.NewMemoryLedger()
	ledger.SetBalance("user-1", 2)
	admission := NewAdmission(nil, mocks.NewMemoryTaskStore(), ledger, nil, AdmissionConfig{})

	_, err := admission.Authorize(context.Background(), newJobSpec("user-1"))
	requireDenied(t, err, domain.DenialInsufficientCredits)
}

func TestAuthorize_PaidCharge(t *testing.T) {
	t.Parallel()

	ledger := mocks.NewMemoryLedger()
	ledger.SetBalance("user-1", 100)
	admission := NewAdmission(nil, mocks.NewMemoryTaskStore(), ledger, nil, AdmissionConfig{})

	charge, err := admission.Authorize(context.Background(), newJobSpec("user-1"))
	require.NoError(t, err)
	assert.False(t, charge.IsFreeUsage)
	assert.Equal(t, admission.Price(domain.TaskKindImage), charge.CreditsCharged)
}

func TestAdmit_ChargesAndCreatesTogether(t *testing.T) {
	t.Parallel()

	tasks := mocks.NewMemoryTaskStore()
	ledger := mocks.NewMemoryLedger()
	ledger.SetBalance("user-1", 100)
	admission := NewAdmission(nil, tasks, ledger, nil, AdmissionConfig{})

	ctx := context.Background()
	spec := newJobSpec("user-1")

	charge, err := admission.Authorize(ctx, spec)
	require.NoError(t, err)

	created, err := admission.Admit(ctx, spec, charge)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, created.Status)
	assert.Equal(t, charge.CreditsCharged, created.Charge.CreditsCharged)

	balance, err := ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 100-charge.CreditsCharged, balance)
}

func TestAdmit_ConsumesFreeUsage(t *testing.T) {
	t.Parallel()

	tasks := mocks.NewMemoryTaskStore()
	ledger := mocks.NewMemoryLedger()
	admission := NewAdmission(nil, tasks, ledger, nil, AdmissionConfig{FreeDailyLimit: 1})

	ctx := context.Background()
	spec := newJobSpec("user-1")

	charge, err := admission.Authorize(ctx, spec)
	require.NoError(t, err)
	require.True(t, charge.IsFreeUsage)

	_, err = admission.Admit(ctx, spec, charge)
	require.NoError(t, err)

	used, err := ledger.FreeUsageToday(ctx, "user-1", string(domain.TaskKindImage))
	require.NoError(t, err)
	assert.Equal(t, 1, used)

	// The quota is spent, and there is no credit account to fall back on.
	_, err = admission.Authorize(ctx, newJobSpec("user-1"))
	requireDenied(t, err, domain.DenialQuotaExceeded)
}

func TestAdmit_DuplicateSubmission(t *testing.T) {
	t.Parallel()

	tasks := mocks.NewMemoryTaskStore()
	ledger := mocks.NewMemoryLedger()
	ledger.SetBalance("user-1", 100)
	admission := NewAdmission(nil, tasks, ledger, nil, AdmissionConfig{})

	ctx := context.Background()
	spec := newJobSpec("user-1")
	spec.IdempotencyKey = "retry-abc"

	charge, err := admission.Authorize(ctx, spec)
	require.NoError(t, err)

	_, err = admission.Admit(ctx, spec, charge)
	require.NoError(t, err)

	_, err = admission.Admit(ctx, spec, charge)
	require.ErrorIs(t, err, store.ErrDuplicateSubmission)

	// Only the first admission charged.
	balance, err := ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 100-charge.CreditsCharged, balance)
}

func TestRefundTask_Idempotent(t *testing.T) {
	t.Parallel()

	tasks := mocks.NewMemoryTaskStore()
	ledger := mocks.NewMemoryLedger()
	ledger.SetBalance("user-1", 100)
	admission := NewAdmission(nil, tasks, ledger, nil, AdmissionConfig{})

	ctx := context.Background()
	spec := newJobSpec("user-1")

	charge, err := admission.Authorize(ctx, spec)
	require.NoError(t, err)
	created, err := admission.Admit(ctx, spec, charge)
	require.NoError(t, err)

	require.NoError(t, admission.RefundTask(ctx, created.ID))
	require.NoError(t, admission.RefundTask(ctx, created.ID))

	balance, err := ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 100, balance, "exactly one refund should have applied")
}
