package service

import (
	"context"

	"github.com/opencanvas/genstudio-api/internal/domain"
)

// AccessDecision is the outcome of a policy check. Reason and Message are
// only meaningful when Allowed is false.
type AccessDecision struct {
	Allowed bool
	Reason  domain.DenialReason
	Message string
}

// AccessControl answers whether a user may run a generation of the given
// kind. Implementations are pure policy; quota and billing checks live in
// the admission service.
type AccessControl interface {
	CheckAccess(ctx context.Context, userID string, kind domain.TaskKind) (AccessDecision, error)
}

// ReadAccess is the external sharing collaborator's answer to whether a
// caller may read a task they do not own. The orchestrator consults it only
// after the owner check fails; a nil collaborator means reads stay
// owner-only.
type ReadAccess interface {
	CanRead(ctx context.Context, callerID string, t *domain.Task) (bool, error)
}

// StaticAccessControl is a table-driven AccessControl: blocked users are
// denied outright, and kinds marked premium require membership in the
// premium set. The zero value allows everyone.
type StaticAccessControl struct {
	BlockedUsers map[string]bool
	PremiumKinds map[domain.TaskKind]bool
	PremiumUsers map[string]bool
}

// CheckAccess implements AccessControl.
func (s *StaticAccessControl) CheckAccess(
	_ context.Context,
	userID string,
	kind domain.TaskKind,
) (AccessDecision, error) {
	if s.BlockedUsers[userID] {
		return AccessDecision{
			Reason:  domain.DenialNoPermission,
			Message: "account is not allowed to run generations",
		}, nil
	}

	if s.PremiumKinds[kind] && !s.PremiumUsers[userID] {
		return AccessDecision{
			Reason:  domain.DenialTierRestricted,
			Message: string(kind) + " generation requires a premium plan",
		}, nil
	}

	return AccessDecision{Allowed: true}, nil
}
