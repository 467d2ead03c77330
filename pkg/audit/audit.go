package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// AuditEventType is the kind of privileged call action recorded
type AuditEventType string

const (
	EventCallInitiate       AuditEventType = "call_initiate"
	EventCallEnd            AuditEventType = "call_end"
	EventCallReject         AuditEventType = "call_reject"
	EventParticipantRemoved AuditEventType = "participant_removed"
)

const (
	// Retention is how long a day's audit list is kept
	Retention = 90 * 24 * time.Hour
	// MaxEventsPerDay caps one day's list
	MaxEventsPerDay = 100000
)

// AuditEvent represents an audit log entry
type AuditEvent struct {
	EventID        uuid.UUID      `json:"event_id"`
	EventType      AuditEventType `json:"event_type"`
	ActorID        uuid.UUID      `json:"actor_id"`
	TargetID       *uuid.UUID     `json:"target_id,omitempty"`
	CallID         uuid.UUID      `json:"call_id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	Details        string         `json:"details,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Store is the Redis list surface the audit log needs
type Store interface {
	SafeLPushCapped(ctx context.Context, key string, value interface{}, maxLen int64, ttl time.Duration) error
	SafeLRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// AuditLogger appends call audit events to one Redis list per UTC day
type AuditLogger struct {
	store Store
	now   func() time.Time
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(store Store) *AuditLogger {
	return &AuditLogger{store: store, now: time.Now}
}

// Key returns the list holding a day's events
func Key(day time.Time) string {
	return fmt.Sprintf("audit:calls:%s", day.UTC().Format("2006-01-02"))
}

// Log logs an audit event
func (al *AuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = al.now().UTC()
	}
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	if err := al.store.SafeLPushCapped(ctx, Key(event.Timestamp), eventJSON, MaxEventsPerDay, Retention); err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}
	return nil
}

// Recent returns up to limit of a day's events, newest first
func (al *AuditLogger) Recent(ctx context.Context, day time.Time, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	members, err := al.store.SafeLRange(ctx, Key(day), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get audit events: %w", err)
	}

	events := make([]*AuditEvent, 0, len(members))
	for _, member := range members {
		var event AuditEvent
		if err := json.Unmarshal([]byte(member), &event); err != nil {
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}
