package call

import (
	"context"

	"github.com/google/uuid"

	"callcore-backend/internal/domain"
	apperrors "callcore-backend/pkg/errors"
)

// Access is the typed result of one membership lookup
type Access struct {
	ConversationID   uuid.UUID
	UserID           uuid.UUID
	Member           bool
	Role             domain.MemberRole
	ConversationType domain.ConversationType
}

// CanModerate reports whether the caller may end calls or remove others
func (a *Access) CanModerate() bool {
	return a.Member && a.Role.CanModerate()
}

// RequireMember fails with NOT_A_PARTICIPANT for non-members
func (a *Access) RequireMember() error {
	if !a.Member {
		return apperrors.NotAParticipantError()
	}
	return nil
}

// Authorizer is the single place the Call Session Manager consults the
// Membership Gate. Every operation calls Check once before mutating.
type Authorizer struct {
	gate MembershipGate
}

// NewAuthorizer creates an Authorizer over gate
func NewAuthorizer(gate MembershipGate) *Authorizer {
	return &Authorizer{gate: gate}
}

// Check resolves the caller's access to a conversation. Gate failures surface
// as INTERNAL_ERROR; an unknown conversation is reported as non-membership.
func (a *Authorizer) Check(ctx context.Context, conversationID, userID uuid.UUID) (*Access, error) {
	m, err := a.gate.GetMembership(ctx, conversationID, userID)
	if err != nil {
		return nil, apperrors.StoreError(err)
	}

	access := &Access{ConversationID: conversationID, UserID: userID}
	if m == nil || !m.Found {
		return access, nil
	}
	access.ConversationType = m.ConversationType
	access.Member = m.Active
	access.Role = m.Role
	return access, nil
}
