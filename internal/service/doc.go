// Package service contains the application-specific use cases and business
// logic. It orchestrates interactions between domain objects and repositories
// (defined in internal/store) to fulfill application features.
//
// The two central components are the admission service, which decides whether
// a submission may run and charges for it, and the orchestrator, which is the
// single facade the API layer talks to: it admits, persists, and launches
// tasks, and answers every read about them. Transactional boundaries live
// here; the store packages only execute.
package service
