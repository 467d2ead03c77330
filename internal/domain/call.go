package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType is the media type of a call
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a supported call type
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus is the session-level state
type CallStatus string

const (
	CallStatusPending  CallStatus = "pending"
	CallStatusActive   CallStatus = "active"
	CallStatusEnded    CallStatus = "ended"
	CallStatusRejected CallStatus = "rejected"
	CallStatusMissed   CallStatus = "missed"
)

// IsTerminal reports whether no further mutation is allowed
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusRejected, CallStatusMissed:
		return true
	}
	return false
}

// OpenCallStatuses are the non-terminal statuses. At most one call per
// conversation may be in one of them.
var OpenCallStatuses = []CallStatus{CallStatusPending, CallStatusActive}

// EndReason records why a call reached a terminal status
type EndReason string

const (
	EndReasonCompleted  EndReason = "completed"
	EndReasonForceEnded EndReason = "force_ended"
	EndReasonRejected   EndReason = "rejected"
	EndReasonMissed     EndReason = "missed"
)

// ParticipantStatus is the per-user state inside a call
type ParticipantStatus string

const (
	ParticipantJoined ParticipantStatus = "joined"
	ParticipantLeft   ParticipantStatus = "left"
)

// Call represents a video/audio call session
type Call struct {
	CallID         uuid.UUID          `json:"call_id"`
	ConversationID uuid.UUID          `json:"conversation_id"`
	InitiatorID    uuid.UUID          `json:"initiator_id"`
	CallType       CallType           `json:"call_type"`
	Status         CallStatus         `json:"status"`
	EndReason      *EndReason         `json:"end_reason"`
	CreatedAt      time.Time          `json:"created_at"`
	StartedAt      *time.Time         `json:"started_at"`
	EndedAt        *time.Time         `json:"ended_at"`
	Duration       *int               `json:"duration"` // seconds, null if never active
	Participants   []*CallParticipant `json:"participants"`
}

// CallParticipant represents a participant in a call. A user has one record per
// call; re-joining reuses it.
type CallParticipant struct {
	CallID    uuid.UUID         `json:"call_id"`
	UserID    uuid.UUID         `json:"user_id"`
	Status    ParticipantStatus `json:"status"`
	JoinedAt  time.Time         `json:"joined_at"`
	LeftAt    *time.Time        `json:"left_at"`
	IsMuted   bool              `json:"is_muted"`
	IsVideoOn bool              `json:"is_video_on"`
}

// CallSettings is the optional media state supplied on initiate/join
type CallSettings struct {
	AudioEnabled *bool `json:"audio_enabled,omitempty"`
	VideoEnabled *bool `json:"video_enabled,omitempty"`
}

// Apply resolves the settings against the call type defaults:
// audio on, video on only for video calls.
func (s *CallSettings) Apply(callType CallType) (isMuted, isVideoOn bool) {
	isMuted = false
	isVideoOn = callType == CallTypeVideo
	if s == nil {
		return isMuted, isVideoOn
	}
	if s.AudioEnabled != nil {
		isMuted = !*s.AudioEnabled
	}
	if s.VideoEnabled != nil {
		isVideoOn = *s.VideoEnabled && callType == CallTypeVideo
	}
	return isMuted, isVideoOn
}

// Participant returns the record for userID, or nil
func (c *Call) Participant(userID uuid.UUID) *CallParticipant {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// JoinedCount counts participants currently in the call
func (c *Call) JoinedCount() int {
	n := 0
	for _, p := range c.Participants {
		if p.Status == ParticipantJoined {
			n++
		}
	}
	return n
}

// DistinctJoinedCount counts users that ever joined. Every record is created by
// a join, so this is the record count.
func (c *Call) DistinctJoinedCount() int {
	return len(c.Participants)
}

// JoinedUserIDs lists users currently in the call, in join order
func (c *Call) JoinedUserIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.Status == ParticipantJoined {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// Clone returns a deep copy so callers never share records with a store
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	out := *c
	out.EndReason = clonePtr(c.EndReason)
	out.StartedAt = clonePtr(c.StartedAt)
	out.EndedAt = clonePtr(c.EndedAt)
	out.Duration = clonePtr(c.Duration)
	out.Participants = make([]*CallParticipant, len(c.Participants))
	for i, p := range c.Participants {
		cp := *p
		cp.LeftAt = clonePtr(p.LeftAt)
		out.Participants[i] = &cp
	}
	return &out
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}
