package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names one variant of the event surface
type EventType string

const (
	EventCallInitiated       EventType = "call:initiated"
	EventCallAccepted        EventType = "call:accepted"
	EventCallActive          EventType = "call:active"
	EventCallRejected        EventType = "call:rejected"
	EventCallEnded           EventType = "call:ended"
	EventParticipantLeft     EventType = "call:participant-left"
	EventQualitySnapshot     EventType = "quality:snapshot"
	EventQualityLevelChanged EventType = "quality:level-changed"
)

// Event is the closed set of payloads pushed to the Event Notifier. Only types
// in this file implement it.
type Event interface {
	Type() EventType
	Conversation() uuid.UUID
	Validate() error
	sealed()
}

// CallInitiated carries the fresh pending session
type CallInitiated struct {
	Call *Call `json:"call"`
}

// CallAccepted is emitted for every successful join
type CallAccepted struct {
	CallID         uuid.UUID  `json:"call_id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	UserID         uuid.UUID  `json:"user_id"`
	Status         CallStatus `json:"status"`
	JoinedCount    int        `json:"joined_count"`
}

// CallActive is emitted once, when the second distinct participant joins
type CallActive struct {
	CallID         uuid.UUID `json:"call_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	StartedAt      time.Time `json:"started_at"`
}

// CallRejected is emitted when an invitee declines
type CallRejected struct {
	CallID         uuid.UUID  `json:"call_id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	UserID         uuid.UUID  `json:"user_id"`
	Status         CallStatus `json:"status"`
}

// CallEnded is emitted on every transition to ended or missed
type CallEnded struct {
	CallID         uuid.UUID  `json:"call_id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	InitiatorID    uuid.UUID  `json:"initiator_id"`
	CallType       CallType   `json:"call_type"`
	Status         CallStatus `json:"status"`
	Reason         EndReason  `json:"reason"`
	Duration       *int       `json:"duration"`
	EndedBy        *uuid.UUID `json:"ended_by,omitempty"`
	EndedAt        time.Time  `json:"ended_at"`
}

// ParticipantLeftEvent is emitted when a user leaves or is removed
type ParticipantLeftEvent struct {
	CallID         uuid.UUID  `json:"call_id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	UserID         uuid.UUID  `json:"user_id"`
	RemovedBy      *uuid.UUID `json:"removed_by,omitempty"`
	JoinedCount    int        `json:"joined_count"`
}

// QualitySnapshot is reported on every sampling tick
type QualitySnapshot struct {
	ConnectionKey
	ConversationID uuid.UUID    `json:"conversation_id"`
	Stats          QualityStats `json:"stats"`
}

// QualityLevelChanged is reported only when the level differs from the previous tick
type QualityLevelChanged struct {
	QualityLevelChange
	ConversationID uuid.UUID `json:"conversation_id"`
}

func (e *CallInitiated) Type() EventType        { return EventCallInitiated }
func (e *CallAccepted) Type() EventType         { return EventCallAccepted }
func (e *CallActive) Type() EventType           { return EventCallActive }
func (e *CallRejected) Type() EventType         { return EventCallRejected }
func (e *CallEnded) Type() EventType            { return EventCallEnded }
func (e *ParticipantLeftEvent) Type() EventType { return EventParticipantLeft }
func (e *QualitySnapshot) Type() EventType      { return EventQualitySnapshot }
func (e *QualityLevelChanged) Type() EventType  { return EventQualityLevelChanged }

func (e *CallInitiated) Conversation() uuid.UUID {
	if e.Call == nil {
		return uuid.Nil
	}
	return e.Call.ConversationID
}
func (e *CallAccepted) Conversation() uuid.UUID         { return e.ConversationID }
func (e *CallActive) Conversation() uuid.UUID           { return e.ConversationID }
func (e *CallRejected) Conversation() uuid.UUID         { return e.ConversationID }
func (e *CallEnded) Conversation() uuid.UUID            { return e.ConversationID }
func (e *ParticipantLeftEvent) Conversation() uuid.UUID { return e.ConversationID }
func (e *QualitySnapshot) Conversation() uuid.UUID      { return e.ConversationID }
func (e *QualityLevelChanged) Conversation() uuid.UUID  { return e.ConversationID }

func (*CallInitiated) sealed()        {}
func (*CallAccepted) sealed()         {}
func (*CallActive) sealed()           {}
func (*CallRejected) sealed()         {}
func (*CallEnded) sealed()            {}
func (*ParticipantLeftEvent) sealed() {}
func (*QualitySnapshot) sealed()      {}
func (*QualityLevelChanged) sealed()  {}

var errMissingIDs = errors.New("event is missing call or conversation id")

func requireIDs(callID, conversationID uuid.UUID) error {
	if callID == uuid.Nil || conversationID == uuid.Nil {
		return errMissingIDs
	}
	return nil
}

func (e *CallInitiated) Validate() error {
	if e.Call == nil {
		return errors.New("call:initiated requires a call")
	}
	if e.Call.Status != CallStatusPending {
		return fmt.Errorf("call:initiated with status %q", e.Call.Status)
	}
	return requireIDs(e.Call.CallID, e.Call.ConversationID)
}

func (e *CallAccepted) Validate() error {
	if e.UserID == uuid.Nil {
		return errors.New("call:accepted requires user_id")
	}
	return requireIDs(e.CallID, e.ConversationID)
}

func (e *CallActive) Validate() error {
	if e.StartedAt.IsZero() {
		return errors.New("call:active requires started_at")
	}
	return requireIDs(e.CallID, e.ConversationID)
}

func (e *CallRejected) Validate() error {
	if e.UserID == uuid.Nil {
		return errors.New("call:rejected requires user_id")
	}
	return requireIDs(e.CallID, e.ConversationID)
}

func (e *CallEnded) Validate() error {
	if !e.Status.IsTerminal() {
		return fmt.Errorf("call:ended with non-terminal status %q", e.Status)
	}
	if e.Reason == "" {
		return errors.New("call:ended requires reason")
	}
	return requireIDs(e.CallID, e.ConversationID)
}

func (e *ParticipantLeftEvent) Validate() error {
	if e.UserID == uuid.Nil {
		return errors.New("call:participant-left requires user_id")
	}
	return requireIDs(e.CallID, e.ConversationID)
}

func (e *QualitySnapshot) Validate() error {
	if e.Stats.Level == "" {
		return errors.New("quality:snapshot requires level")
	}
	return requireIDs(e.CallID, e.ConversationID)
}

func (e *QualityLevelChanged) Validate() error {
	if e.From == e.To {
		return errors.New("quality:level-changed requires distinct levels")
	}
	return requireIDs(e.CallID, e.ConversationID)
}

// Envelope is the wire form shared by Redis pub/sub and websocket clients
type Envelope struct {
	Event          EventType       `json:"event"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	Data           json.RawMessage `json:"data"`
	At             time.Time       `json:"at"`
}

// Encode validates ev and wraps it in an Envelope
func Encode(ev Event, at time.Time) (*Envelope, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s event: %w", ev.Type(), err)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.Type(), err)
	}
	return &Envelope{
		Event:          ev.Type(),
		ConversationID: ev.Conversation(),
		Data:           data,
		At:             at.UTC(),
	}, nil
}

// Decode turns an Envelope back into its variant and validates it.
// Unknown event names are rejected.
func (env *Envelope) Decode() (Event, error) {
	var ev Event
	switch env.Event {
	case EventCallInitiated:
		ev = &CallInitiated{}
	case EventCallAccepted:
		ev = &CallAccepted{}
	case EventCallActive:
		ev = &CallActive{}
	case EventCallRejected:
		ev = &CallRejected{}
	case EventCallEnded:
		ev = &CallEnded{}
	case EventParticipantLeft:
		ev = &ParticipantLeftEvent{}
	case EventQualitySnapshot:
		ev = &QualitySnapshot{}
	case EventQualityLevelChanged:
		ev = &QualityLevelChanged{}
	default:
		return nil, fmt.Errorf("unknown event %q", env.Event)
	}

	if err := json.Unmarshal(env.Data, ev); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", env.Event, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s event: %w", env.Event, err)
	}
	return ev, nil
}
