package domain

import (
	"github.com/google/uuid"
)

// ConversationType mirrors the chat service's conversation kinds
type ConversationType string

const (
	ConversationDirect    ConversationType = "direct"
	ConversationGroup     ConversationType = "group"
	ConversationBroadcast ConversationType = "broadcast"
	ConversationChannel   ConversationType = "channel"
)

// SupportsCalls reports whether calls may be started in this conversation type
func (t ConversationType) SupportsCalls() bool {
	return t == ConversationDirect || t == ConversationGroup
}

// MemberRole is a user's role inside a conversation
type MemberRole string

const (
	RoleMember    MemberRole = "member"
	RoleModerator MemberRole = "moderator"
	RoleAdmin     MemberRole = "admin"
)

// CanModerate reports whether the role may end calls or remove other participants
func (r MemberRole) CanModerate() bool {
	return r == RoleAdmin || r == RoleModerator
}

// Membership is the Membership Gate's answer for one (conversation, user) pair.
// Found is false when the conversation does not exist.
type Membership struct {
	ConversationID   uuid.UUID
	UserID           uuid.UUID
	Found            bool
	ConversationType ConversationType
	Active           bool
	Role             MemberRole
}
