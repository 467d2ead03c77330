package notify

import (
	"context"

	"callcore-backend/internal/domain"
	"callcore-backend/pkg/audit"
)

// AuditLog stores audit events. Implemented by audit.AuditLogger.
type AuditLog interface {
	Log(ctx context.Context, event *audit.AuditEvent) error
}

// AuditSink records who started, declined or ended calls and who removed
// other participants
type AuditSink struct {
	log AuditLog
}

// NewAuditSink creates an audit sink
func NewAuditSink(log AuditLog) *AuditSink {
	return &AuditSink{log: log}
}

// Name implements Sink
func (s *AuditSink) Name() string { return "audit" }

// Deliver implements Sink
func (s *AuditSink) Deliver(ctx context.Context, ev domain.Event) error {
	event := auditEventFor(ev)
	if event == nil {
		return nil
	}
	return s.log.Log(ctx, event)
}

func auditEventFor(ev domain.Event) *audit.AuditEvent {
	switch e := ev.(type) {
	case *domain.CallInitiated:
		return &audit.AuditEvent{
			EventType:      audit.EventCallInitiate,
			ActorID:        e.Call.InitiatorID,
			CallID:         e.Call.CallID,
			ConversationID: e.Call.ConversationID,
			Details:        string(e.Call.CallType),
		}
	case *domain.CallRejected:
		return &audit.AuditEvent{
			EventType:      audit.EventCallReject,
			ActorID:        e.UserID,
			CallID:         e.CallID,
			ConversationID: e.ConversationID,
			Details:        string(e.Status),
		}
	case *domain.CallEnded:
		// ends without an actor come from the sweeper or the last leave
		if e.EndedBy == nil {
			return nil
		}
		return &audit.AuditEvent{
			EventType:      audit.EventCallEnd,
			ActorID:        *e.EndedBy,
			CallID:         e.CallID,
			ConversationID: e.ConversationID,
			Details:        string(e.Reason),
		}
	case *domain.ParticipantLeftEvent:
		if e.RemovedBy == nil || *e.RemovedBy == e.UserID {
			return nil
		}
		target := e.UserID
		return &audit.AuditEvent{
			EventType:      audit.EventParticipantRemoved,
			ActorID:        *e.RemovedBy,
			TargetID:       &target,
			CallID:         e.CallID,
			ConversationID: e.ConversationID,
		}
	}
	return nil
}
