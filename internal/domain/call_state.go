package domain

import (
	"time"

	"github.com/google/uuid"
)

// The methods below are the only code that changes a Call's status or
// participant list. Callers must check IsTerminal first and hold the store's
// per-call lock while applying them.

// Join adds userID or reactivates their record. It reports whether the record
// changed and whether this join activated the call (second distinct user).
func (c *Call) Join(userID uuid.UUID, now time.Time, settings *CallSettings) (changed, activated bool) {
	isMuted, isVideoOn := settings.Apply(c.CallType)

	p := c.Participant(userID)
	switch {
	case p == nil:
		c.Participants = append(c.Participants, &CallParticipant{
			CallID:    c.CallID,
			UserID:    userID,
			Status:    ParticipantJoined,
			JoinedAt:  now,
			IsMuted:   isMuted,
			IsVideoOn: isVideoOn,
		})
		changed = true
	case p.Status == ParticipantLeft:
		p.Status = ParticipantJoined
		p.JoinedAt = now
		p.LeftAt = nil
		p.IsMuted = isMuted
		p.IsVideoOn = isVideoOn
		changed = true
	default:
		return false, false
	}

	// Activation depends on distinct-ever-joined users, so a leave/rejoin
	// cycle can never fire it twice.
	if c.Status == CallStatusPending && c.StartedAt == nil && c.DistinctJoinedCount() >= 2 {
		c.Status = CallStatusActive
		started := now
		c.StartedAt = &started
		activated = true
	}

	return changed, activated
}

// Leave marks userID as left. When nobody remains joined the call ends with
// EndReasonCompleted. changed is false when the user had already left.
func (c *Call) Leave(userID uuid.UUID, now time.Time) (changed, ended bool) {
	p := c.Participant(userID)
	if p == nil || p.Status == ParticipantLeft {
		return false, false
	}

	p.Status = ParticipantLeft
	left := now
	p.LeftAt = &left

	if c.JoinedCount() == 0 {
		c.finish(CallStatusEnded, EndReasonCompleted, now)
		return true, true
	}
	return true, false
}

// End force-ends the call regardless of remaining participants
func (c *Call) End(now time.Time) {
	c.finish(CallStatusEnded, EndReasonForceEnded, now)
}

// Reject moves a pending call to rejected
func (c *Call) Reject(now time.Time) {
	c.finish(CallStatusRejected, EndReasonRejected, now)
}

// Miss moves an unanswered pending call to missed
func (c *Call) Miss(now time.Time) {
	c.finish(CallStatusMissed, EndReasonMissed, now)
}

// UpdateMedia changes a joined participant's mute/video flags
func (c *Call) UpdateMedia(userID uuid.UUID, settings *CallSettings) bool {
	p := c.Participant(userID)
	if p == nil || p.Status != ParticipantJoined || settings == nil {
		return false
	}
	if settings.AudioEnabled != nil {
		p.IsMuted = !*settings.AudioEnabled
	}
	if settings.VideoEnabled != nil {
		p.IsVideoOn = *settings.VideoEnabled && c.CallType == CallTypeVideo
	}
	return true
}

func (c *Call) finish(status CallStatus, reason EndReason, now time.Time) {
	for _, p := range c.Participants {
		if p.Status == ParticipantJoined {
			p.Status = ParticipantLeft
			left := now
			p.LeftAt = &left
		}
	}

	c.Status = status
	r := reason
	c.EndReason = &r
	ended := now
	c.EndedAt = &ended
	c.Duration = nil
	if c.StartedAt != nil {
		d := DurationSeconds(*c.StartedAt, ended)
		c.Duration = &d
	}
}

// DurationSeconds is the whole-second length between start and end
func DurationSeconds(start, end time.Time) int {
	if end.Before(start) {
		return 0
	}
	return int(end.Sub(start) / time.Second)
}
