package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"callcore-backend/internal/domain"
	"callcore-backend/pkg/pagination"
	"callcore-backend/pkg/resilience"
)

const callEventsTable = "call_events"

// QueryRecorder receives per-query outcomes
type QueryRecorder interface {
	RecordCassandraQuery(operation, table, status string, duration time.Duration)
}

// CallEventRepository stores the append-only lifecycle timeline of calls.
// One partition per call, clustered by a time-based event id.
type CallEventRepository struct {
	session  *gocql.Session
	breaker  *resilience.Breaker
	recorder QueryRecorder
}

// NewCallEventRepository creates a new CallEventRepository. breaker and
// recorder may be nil.
func NewCallEventRepository(session *gocql.Session, breaker *resilience.Breaker, recorder QueryRecorder) *CallEventRepository {
	return &CallEventRepository{session: session, breaker: breaker, recorder: recorder}
}

func (r *CallEventRepository) observe(operation string, start time.Time, err error) {
	if r.recorder == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	r.recorder.RecordCassandraQuery(operation, callEventsTable, status, time.Since(start))
}

// Append inserts a timeline entry
func (r *CallEventRepository) Append(ctx context.Context, entry *domain.TimelineEntry) error {
	query := `
		INSERT INTO call_events (
			call_id, event_id, conversation_id, event_type, user_id, payload
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	var userID interface{}
	if entry.UserID != nil {
		userID = gocql.UUID(*entry.UserID)
	}

	eventID := gocql.UUIDFromTime(entry.At)
	start := time.Now()
	err := r.breaker.Execute(ctx, "append", func(ctx context.Context) error {
		return r.session.Query(query,
			gocql.UUID(entry.CallID),
			eventID,
			gocql.UUID(entry.ConversationID),
			string(entry.Event),
			userID,
			string(entry.Payload),
		).WithContext(ctx).Exec()
	})
	r.observe("append", start, err)

	if err != nil {
		return fmt.Errorf("failed to append call event: %w", err)
	}

	return nil
}

// ListByCall retrieves a call's timeline in event order
func (r *CallEventRepository) ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.TimelineEntry, error) {
	limit = pagination.ClampLimit(limit, pagination.MaxLimit)

	query := `
		SELECT event_id, conversation_id, event_type, user_id, payload
		FROM call_events
		WHERE call_id = ?
		LIMIT ?
	`

	var entries []*domain.TimelineEntry
	start := time.Now()
	err := r.breaker.Execute(ctx, "list", func(ctx context.Context) error {
		entries = entries[:0]
		return r.scan(ctx, query, callID, limit, &entries)
	})
	r.observe("list", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list call events: %w", err)
	}

	return entries, nil
}

func (r *CallEventRepository) scan(ctx context.Context, query string, callID uuid.UUID, limit int, entries *[]*domain.TimelineEntry) error {
	iter := r.session.Query(query, gocql.UUID(callID), limit).WithContext(ctx).Iter()

	var (
		eventID        gocql.UUID
		conversationID gocql.UUID
		eventType      string
		userID         gocql.UUID
		payload        string
	)
	for iter.Scan(&eventID, &conversationID, &eventType, &userID, &payload) {
		entry := &domain.TimelineEntry{
			CallID:         callID,
			ConversationID: uuid.UUID(conversationID),
			Event:          domain.EventType(eventType),
			Payload:        []byte(payload),
			At:             eventID.Time().UTC(),
		}
		if userID != (gocql.UUID{}) {
			id := uuid.UUID(userID)
			entry.UserID = &id
		}
		*entries = append(*entries, entry)
		userID = gocql.UUID{}
	}

	return iter.Close()
}
