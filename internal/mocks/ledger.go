package mocks

import (
	"context"
	"database/sql"
	"sync"

	"github.com/google/uuid"

	"github.com/opencanvas/genstudio-api/internal/store"
)

// chargeRecord tracks one charge for refund bookkeeping.
type chargeRecord struct {
	userID   string
	credits  int
	refunded bool
}

// MemoryLedger implements store.CreditLedger in memory. Refunds are
// idempotent like the real ledger: the second refund of a task is a no-op.
type MemoryLedger struct {
	mu        sync.Mutex
	balances  map[string]int
	charges   map[uuid.UUID]*chargeRecord
	freeUsage map[string]int // userID+"/"+kind

	// Custom behavior functions
	ChargeFn func(ctx context.Context, userID string, credits int, taskID uuid.UUID) error
	RefundFn func(ctx context.Context, taskID uuid.UUID) error

	// Call tracking for verification
	RefundCalls struct {
		mu      sync.Mutex
		Count   int
		TaskIDs []uuid.UUID
	}
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:  make(map[string]int),
		charges:   make(map[uuid.UUID]*chargeRecord),
		freeUsage: make(map[string]int),
	}
}

// SetBalance seeds a user's balance. Test setup only.
func (m *MemoryLedger) SetBalance(userID string, balance int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = balance
}

// Balance implements store.CreditLedger.
func (m *MemoryLedger) Balance(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	balance, ok := m.balances[userID]
	if !ok {
		return 0, store.ErrAccountNotFound
	}
	return balance, nil
}

// Charge implements store.CreditLedger.
func (m *MemoryLedger) Charge(
	ctx context.Context,
	userID string,
	credits int,
	taskID uuid.UUID,
) error {
	if m.ChargeFn != nil {
		return m.ChargeFn(ctx, userID, credits, taskID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	balance, ok := m.balances[userID]
	if !ok {
		return store.ErrAccountNotFound
	}
	if balance < credits {
		return store.ErrInsufficientCredits
	}

	m.balances[userID] = balance - credits
	m.charges[taskID] = &chargeRecord{userID: userID, credits: credits}
	return nil
}

// Refund implements store.CreditLedger.
func (m *MemoryLedger) Refund(ctx context.Context, taskID uuid.UUID) error {
	m.RefundCalls.mu.Lock()
	m.RefundCalls.Count++
	m.RefundCalls.TaskIDs = append(m.RefundCalls.TaskIDs, taskID)
	m.RefundCalls.mu.Unlock()

	if m.RefundFn != nil {
		return m.RefundFn(ctx, taskID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	charge, ok := m.charges[taskID]
	if !ok || charge.refunded {
		return nil
	}

	charge.refunded = true
	m.balances[charge.userID] += charge.credits
	return nil
}

// FreeUsageToday implements store.CreditLedger.
func (m *MemoryLedger) FreeUsageToday(_ context.Context, userID string, kind string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeUsage[userID+"/"+kind], nil
}

// ConsumeFreeUsage implements store.CreditLedger.
func (m *MemoryLedger) ConsumeFreeUsage(_ context.Context, userID string, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeUsage[userID+"/"+kind]++
	return nil
}

// WithTx implements store.CreditLedger. The in-memory ledger has no real
// transactions; it returns itself.
func (m *MemoryLedger) WithTx(_ *sql.Tx) store.CreditLedger {
	return m
}
