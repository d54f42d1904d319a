// Package mocks provides centralized mock implementations for testing.
//
// This package contains mock implementations of interfaces used throughout the
// application, facilitating consistent and DRY testing across the codebase.
// Instead of defining inline mocks in individual test files, these standardized
// mock implementations can be reused.
//
// The in-memory stores (MemoryTaskStore, MemoryLedger) intentionally implement
// the real semantics of their production counterparts - compare-and-set status
// transitions, idempotent refunds - so concurrency tests exercise genuine
// interleavings rather than stubbed answers.
package mocks
