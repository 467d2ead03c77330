package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"callcore-backend/internal/domain"
)

// Directory is an in-process Membership Gate backed by maps. main seeds nothing
// into it; tests and local tooling add conversations explicitly.
type Directory struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]domain.ConversationType
	members       map[uuid.UUID]map[uuid.UUID]domain.MemberRole
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{
		conversations: make(map[uuid.UUID]domain.ConversationType),
		members:       make(map[uuid.UUID]map[uuid.UUID]domain.MemberRole),
	}
}

// AddConversation registers a conversation and its members with RoleMember
func (d *Directory) AddConversation(conversationID uuid.UUID, convType domain.ConversationType, memberIDs ...uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.conversations[conversationID] = convType
	if d.members[conversationID] == nil {
		d.members[conversationID] = make(map[uuid.UUID]domain.MemberRole)
	}
	for _, id := range memberIDs {
		d.members[conversationID][id] = domain.RoleMember
	}
}

// SetRole adds or updates a member with the given role
func (d *Directory) SetRole(conversationID, userID uuid.UUID, role domain.MemberRole) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.members[conversationID] == nil {
		d.members[conversationID] = make(map[uuid.UUID]domain.MemberRole)
	}
	d.members[conversationID][userID] = role
}

// RemoveMember revokes a membership
func (d *Directory) RemoveMember(conversationID, userID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.members[conversationID], userID)
}

// GetMembership implements call.MembershipGate
func (d *Directory) GetMembership(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Membership, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m := &domain.Membership{ConversationID: conversationID, UserID: userID}
	convType, ok := d.conversations[conversationID]
	if !ok {
		return m, nil
	}
	m.Found = true
	m.ConversationType = convType
	if role, ok := d.members[conversationID][userID]; ok {
		m.Active = true
		m.Role = role
	}
	return m, nil
}

// ListMemberIDs returns every member of the conversation
func (d *Directory) ListMemberIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(d.members[conversationID]))
	for id := range d.members[conversationID] {
		ids = append(ids, id)
	}
	return ids, nil
}
