package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TimelineEntry is one persisted lifecycle event of a call
type TimelineEntry struct {
	CallID         uuid.UUID       `json:"call_id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	Event          EventType       `json:"event"`
	UserID         *uuid.UUID      `json:"user_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	At             time.Time       `json:"at"`
}

// TimelineEntryFor builds the entry recorded for ev. ok is false for events
// that are not kept on the call timeline.
func TimelineEntryFor(ev Event, at time.Time) (entry *TimelineEntry, ok bool, err error) {
	var (
		callID uuid.UUID
		userID *uuid.UUID
	)
	switch e := ev.(type) {
	case *CallInitiated:
		callID = e.Call.CallID
		userID = &e.Call.InitiatorID
	case *CallAccepted:
		callID = e.CallID
		userID = &e.UserID
	case *CallActive:
		callID = e.CallID
	case *CallRejected:
		callID = e.CallID
		userID = &e.UserID
	case *CallEnded:
		callID = e.CallID
		userID = e.EndedBy
	case *ParticipantLeftEvent:
		callID = e.CallID
		userID = &e.UserID
	case *QualityLevelChanged:
		callID = e.CallID
		userID = &e.UserID
	default:
		return nil, false, nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, false, err
	}
	return &TimelineEntry{
		CallID:         callID,
		ConversationID: ev.Conversation(),
		Event:          ev.Type(),
		UserID:         userID,
		Payload:        payload,
		At:             at.UTC(),
	}, true, nil
}
