package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callcore-backend/internal/domain"
	"callcore-backend/pkg/push"
)

const defaultPushTimeout = 10 * time.Second

// MemberLister resolves who belongs to a conversation
type MemberLister interface {
	ListMemberIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}

// PushSink rings other members on call:initiated and tells them about calls
// that stopped ringing. Sends run in the background.
type PushSink struct {
	push    *push.Service
	members MemberLister
	timeout time.Duration
	log     *zap.Logger

	wg sync.WaitGroup
}

// NewPushSink creates a push sink
func NewPushSink(svc *push.Service, members MemberLister, log *zap.Logger) *PushSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &PushSink{
		push:    svc,
		members: members,
		timeout: defaultPushTimeout,
		log:     log.Named("push"),
	}
}

// Name implements Sink
func (s *PushSink) Name() string { return "push" }

// Deliver implements Sink
func (s *PushSink) Deliver(ctx context.Context, ev domain.Event) error {
	var (
		data *push.CallNotification
		send func(context.Context, *push.CallNotification, []uuid.UUID) error
	)

	switch e := ev.(type) {
	case *domain.CallInitiated:
		data = &push.CallNotification{
			CallID:         e.Call.CallID,
			ConversationID: e.Call.ConversationID,
			InitiatorID:    e.Call.InitiatorID,
			CallType:       string(e.Call.CallType),
			At:             e.Call.CreatedAt,
		}
		send = s.push.SendIncomingCall
	case *domain.CallEnded:
		data = &push.CallNotification{
			CallID:         e.CallID,
			ConversationID: e.ConversationID,
			InitiatorID:    e.InitiatorID,
			CallType:       string(e.CallType),
			Duration:       e.Duration,
			At:             e.EndedAt,
		}
		switch {
		case e.Status == domain.CallStatusMissed:
			send = s.push.SendMissedCall
		case e.Status == domain.CallStatusEnded && e.Duration == nil:
			// Ended while still ringing; devices stop the incoming call UI
			send = s.push.SendCallEnded
		default:
			return nil
		}
	default:
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		recipients, err := s.recipients(ctx, data.ConversationID, data.InitiatorID)
		if err != nil {
			s.log.Warn("Failed to resolve push recipients",
				zap.String("call_id", data.CallID.String()),
				zap.Error(err))
			return
		}
		if len(recipients) == 0 {
			return
		}
		if err := send(ctx, data, recipients); err != nil {
			s.log.Warn("Failed to send call push",
				zap.String("call_id", data.CallID.String()),
				zap.String("event", string(ev.Type())),
				zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until in-flight sends finish
func (s *PushSink) Wait() {
	s.wg.Wait()
}

func (s *PushSink) recipients(ctx context.Context, conversationID, initiatorID uuid.UUID) ([]uuid.UUID, error) {
	members, err := s.members.ListMemberIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(members))
	for _, id := range members {
		if id != initiatorID {
			out = append(out, id)
		}
	}
	return out, nil
}
