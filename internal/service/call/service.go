package call

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"callcore-backend/internal/domain"
	apperrors "callcore-backend/pkg/errors"
	"callcore-backend/pkg/pagination"
	"callcore-backend/pkg/tracing"
)

// Service is the Call Session Manager. It owns the call state machine; the
// Store serializes mutations per call and enforces one open call per
// conversation.
type Service struct {
	store    Store
	auth     *Authorizer
	notifier Notifier
	metrics  Metrics
	log      *zap.Logger
	now      func() time.Time
}

// Option customizes a Service
type Option func(*Service)

// WithClock replaces time.Now, used by tests to control durations
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics attaches call metrics
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a new call service
func NewService(store Store, gate MembershipGate, notifier Notifier, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		store:    store,
		auth:     NewAuthorizer(gate),
		notifier: notifier,
		metrics:  noopMetrics{},
		log:      log.Named("call"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitiateCallInput contains call initiation data
type InitiateCallInput struct {
	ConversationID uuid.UUID
	InitiatorID    uuid.UUID
	CallType       domain.CallType
	Settings       *domain.CallSettings
}

// InitiateCall creates a pending call with the initiator as its only participant
func (s *Service) InitiateCall(ctx context.Context, input *InitiateCallInput) (c *domain.Call, err error) {
	ctx, span := tracing.TraceCallOperation(ctx, "initiate",
		tracing.ConversationIDKey.String(input.ConversationID.String()),
		tracing.UserIDKey.String(input.InitiatorID.String()))
	defer span.End()
	defer func() { err = s.observe(ctx, "initiate", err) }()

	if input.ConversationID == uuid.Nil {
		return nil, apperrors.InvalidInputError("conversation_id is required")
	}
	if !input.CallType.Valid() {
		return nil, apperrors.InvalidInputError("type must be 'audio' or 'video'")
	}

	access, err := s.auth.Check(ctx, input.ConversationID, input.InitiatorID)
	if err != nil {
		return nil, err
	}
	if err := access.RequireMember(); err != nil {
		return nil, err
	}
	if !access.ConversationType.SupportsCalls() {
		return nil, apperrors.InvalidConversationTypeError(string(access.ConversationType))
	}

	now := s.now()
	c = &domain.Call{
		CallID:         uuid.New(),
		ConversationID: input.ConversationID,
		InitiatorID:    input.InitiatorID,
		CallType:       input.CallType,
		Status:         domain.CallStatusPending,
		CreatedAt:      now,
	}
	c.Join(input.InitiatorID, now, input.Settings)

	if err := s.store.Create(ctx, c); err != nil {
		var exists *domain.OpenCallExistsError
		if errors.As(err, &exists) {
			return nil, apperrors.AlreadyInCallError(exists.ExistingCallID.String())
		}
		return nil, apperrors.StoreError(err)
	}

	span.SetAttributes(tracing.CallIDKey.String(c.CallID.String()))
	s.metrics.RecordCall(string(c.CallType), string(c.Status))
	s.log.Info("Call initiated",
		zap.String("call_id", c.CallID.String()),
		zap.String("conversation_id", c.ConversationID.String()),
		zap.String("type", string(c.CallType)))

	s.notify(ctx, &domain.CallInitiated{Call: c.Clone()})
	return c, nil
}

// GetCallSession returns a call. A non-nil requesterID must be a participant
// or a member of the owning conversation.
func (s *Service) GetCallSession(ctx context.Context, callID, requesterID uuid.UUID) (c *domain.Call, err error) {
	ctx, span := tracing.TraceCallOperation(ctx, "get", tracing.CallIDKey.String(callID.String()))
	defer span.End()
	defer func() { err = s.observe(ctx, "get", err) }()

	c, err = s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if requesterID == uuid.Nil || c.Participant(requesterID) != nil {
		return c, nil
	}

	access, err := s.auth.Check(ctx, c.ConversationID, requesterID)
	if err != nil {
		return nil, err
	}
	if !access.Member {
		return nil, apperrors.PermissionDeniedError("You do not have access to this call")
	}
	return c, nil
}

// JoinCall adds or reactivates userID. The second distinct user to ever join
// activates the call.
func (s *Service) JoinCall(ctx context.Context, callID, userID uuid.UUID, settings *domain.CallSettings) (c *domain.Call, err error) {
	ctx, span := tracing.TraceCallOperation(ctx, "join",
		tracing.CallIDKey.String(callID.String()),
		tracing.UserIDKey.String(userID.String()))
	defer span.End()
	defer func() { err = s.observe(ctx, "join", err) }()

	current, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, apperrors.CallEndedError(string(current.Status))
	}

	access, err := s.auth.Check(ctx, current.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if err := access.RequireMember(); err != nil {
		return nil, err
	}

	var joined, activated bool
	c, err = s.mutate(ctx, callID, func(call *domain.Call) (bool, error) {
		if call.Status.IsTerminal() {
			return false, apperrors.CallEndedError(string(call.Status))
		}
		joined, activated = call.Join(userID, s.now(), settings)
		return joined, nil
	})
	if err != nil {
		return nil, err
	}
	if !joined {
		return c, nil
	}

	s.notify(ctx, &domain.CallAccepted{
		CallID:         c.CallID,
		ConversationID: c.ConversationID,
		UserID:         userID,
		Status:         c.Status,
		JoinedCount:    c.JoinedCount(),
	})

	if activated {
		s.metrics.RecordCall(string(c.CallType), string(c.Status))
		s.metrics.IncActiveCalls()
		s.log.Info("Call active",
			zap.String("call_id", c.CallID.String()),
			zap.Int("participants", c.JoinedCount()))
		s.notify(ctx, &domain.CallActive{
			CallID:         c.CallID,
			ConversationID: c.ConversationID,
			StartedAt:      *c.StartedAt,
		})
	}
	return c, nil
}

// LeaveCall marks targetUserID as left. Removing someone else requires a
// moderator or admin role. The call ends when nobody remains joined.
func (s *Service) LeaveCall(ctx context.Context, callID, targetUserID, actingUserID uuid.UUID) (c *domain.Call, err error) {
	ctx, span := tracing.TraceCallOperation(ctx, "leave",
		tracing.CallIDKey.String(callID.String()),
		tracing.UserIDKey.String(actingUserID.String()),
		attribute.String("call.target_user_id", targetUserID.String()))
	defer span.End()
	defer func() { err = s.observe(ctx, "leave", err) }()

	current, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, apperrors.CallEndedError(string(current.Status))
	}

	forced := targetUserID != actingUserID
	if forced {
		access, err := s.auth.Check(ctx, current.ConversationID, actingUserID)
		if err != nil {
			return nil, err
		}
		if !access.CanModerate() {
			return nil, apperrors.PermissionDeniedError("Only conversation moderators can remove other participants")
		}
	}

	var (
		prev        domain.CallStatus
		left, ended bool
	)
	c, err = s.mutate(ctx, callID, func(call *domain.Call) (bool, error) {
		if call.Status.IsTerminal() {
			return false, apperrors.CallEndedError(string(call.Status))
		}
		if call.Participant(targetUserID) == nil {
			return false, apperrors.ParticipantNotFoundError()
		}
		prev = call.Status
		left, ended = call.Leave(targetUserID, s.now())
		return left, nil
	})
	if err != nil {
		return nil, err
	}
	if !left {
		return c, nil
	}

	ev := &domain.ParticipantLeftEvent{
		CallID:         c.CallID,
		ConversationID: c.ConversationID,
		UserID:         targetUserID,
		JoinedCount:    c.JoinedCount(),
	}
	if forced {
		ev.RemovedBy = &actingUserID
	}
	s.notify(ctx, ev)

	if ended {
		s.recordTerminal(prev, c)
		s.notify(ctx, endedEvent(c, nil))
	}
	return c, nil
}

// EndCall force-ends a call. Only the initiator or a conversation moderator may
// end it; ending an already ended call returns it unchanged.
func (s *Service) EndCall(ctx context.Context, callID, actingUserID uuid.UUID) (c *domain.Call, err error) {
	ctx, span := tracing.TraceCallOperation(ctx, "end",
		tracing.CallIDKey.String(callID.String()),
		tracing.UserIDKey.String(actingUserID.String()))
	defer span.End()
	defer func() { err = s.observe(ctx, "end", err) }()

	current, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}

	if actingUserID != current.InitiatorID {
		access, err := s.auth.Check(ctx, current.ConversationID, actingUserID)
		if err != nil {
			return nil, err
		}
		if err := access.RequireMember(); err != nil {
			return nil, err
		}
		if !access.CanModerate() {
			return nil, apperrors.PermissionDeniedError("Only the initiator or a conversation moderator can end this call")
		}
	}

	var (
		prev    domain.CallStatus
		changed bool
	)
	c, err = s.mutate(ctx, callID, func(call *domain.Call) (bool, error) {
		switch call.Status {
		case domain.CallStatusEnded:
			return false, nil
		case domain.CallStatusRejected, domain.CallStatusMissed:
			return false, apperrors.CallEndedError(string(call.Status))
		}
		prev = call.Status
		call.End(s.now())
		changed = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return c, nil
	}

	s.recordTerminal(prev, c)
	s.notify(ctx, endedEvent(c, &actingUserID))
	return c, nil
}

// RejectCall declines a ringing call. In a direct conversation the call becomes
// rejected; in a group only the rejection is announced since one invitee cannot
// cancel the call for everyone.
func (s *Service) RejectCall(ctx context.Context, callID, userID uuid.UUID) (c *domain.Call, err error) {
	ctx, span := tracing.TraceCallOperation(ctx, "reject",
		tracing.CallIDKey.String(callID.String()),
		tracing.UserIDKey.String(userID.String()))
	defer span.End()
	defer func() { err = s.observe(ctx, "reject", err) }()

	current, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, apperrors.CallEndedError(string(current.Status))
	}
	if current.Status != domain.CallStatusPending {
		return nil, apperrors.InvalidInputError("Only ringing calls can be rejected")
	}
	if userID == current.InitiatorID {
		return nil, apperrors.InvalidInputError("The initiator cannot reject their own call")
	}

	access, err := s.auth.Check(ctx, current.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if err := access.RequireMember(); err != nil {
		return nil, err
	}

	if access.ConversationType != domain.ConversationDirect {
		s.notify(ctx, &domain.CallRejected{
			CallID:         current.CallID,
			ConversationID: current.ConversationID,
			UserID:         userID,
			Status:         current.Status,
		})
		return current, nil
	}

	c, err = s.mutate(ctx, callID, func(call *domain.Call) (bool, error) {
		if call.Status.IsTerminal() {
			return false, apperrors.CallEndedError(string(call.Status))
		}
		if call.Status != domain.CallStatusPending {
			return false, apperrors.InvalidInputError("Only ringing calls can be rejected")
		}
		call.Reject(s.now())
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.recordTerminal(domain.CallStatusPending, c)
	s.notify(ctx, &domain.CallRejected{
		CallID:         c.CallID,
		ConversationID: c.ConversationID,
		UserID:         userID,
		Status:         c.Status,
	})
	return c, nil
}

// ExpireUnanswered moves pending calls older than ringTimeout that nobody but
// the initiator joined to missed. Failures on one call do not stop the sweep.
func (s *Service) ExpireUnanswered(ctx context.Context, ringTimeout time.Duration) ([]*domain.Call, error) {
	ctx, span := tracing.TraceCallOperation(ctx, "expire_unanswered")
	defer span.End()

	ids, err := s.store.ListPendingCreatedBefore(ctx, s.now().Add(-ringTimeout))
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, apperrors.StoreError(err)
	}

	var missed []*domain.Call
	for _, id := range ids {
		var changed bool
		c, err := s.store.Update(ctx, id, func(call *domain.Call) (bool, error) {
			if call.Status != domain.CallStatusPending || call.DistinctJoinedCount() > 1 {
				return false, nil
			}
			call.Miss(s.now())
			changed = true
			return true, nil
		})
		if err != nil {
			s.log.Warn("Failed to expire unanswered call",
				zap.String("call_id", id.String()),
				zap.Error(err))
			continue
		}
		if !changed {
			continue
		}

		s.recordTerminal(domain.CallStatusPending, c)
		s.notify(ctx, endedEvent(c, nil))
		missed = append(missed, c)
	}

	if len(missed) > 0 {
		s.log.Info("Expired unanswered calls", zap.Int("count", len(missed)))
	}
	return missed, nil
}

// StartRingTimeoutSweeper runs ExpireUnanswered every interval until ctx is done
func (s *Service) StartRingTimeoutSweeper(ctx context.Context, interval, ringTimeout time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.ExpireUnanswered(ctx, ringTimeout); err != nil {
					s.log.Error("Ring timeout sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// GetActiveCallForConversation returns the pending or active call, or nil
func (s *Service) GetActiveCallForConversation(ctx context.Context, conversationID, requesterID uuid.UUID) (c *domain.Call, err error) {
	ctx, span := tracing.TraceCallOperation(ctx, "active_for_conversation",
		tracing.ConversationIDKey.String(conversationID.String()))
	defer span.End()
	defer func() { err = s.observe(ctx, "active_for_conversation", err) }()

	access, err := s.auth.Check(ctx, conversationID, requesterID)
	if err != nil {
		return nil, err
	}
	if err := access.RequireMember(); err != nil {
		return nil, err
	}

	c, err = s.store.GetOpenByConversation(ctx, conversationID)
	if err != nil {
		return nil, apperrors.StoreError(err)
	}
	return c, nil
}

// GetUserCallHistory lists calls the user took part in, newest first
func (s *Service) GetUserCallHistory(ctx context.Context, userID uuid.UUID, limit, offset int) (calls []*domain.Call, err error) {
	ctx, span := tracing.TraceCallOperation(ctx, "history", tracing.UserIDKey.String(userID.String()))
	defer span.End()
	defer func() { err = s.observe(ctx, "history", err) }()

	window, err := pagination.Normalize(limit, offset)
	if err != nil {
		return nil, apperrors.InvalidInputError(err.Error())
	}

	calls, err = s.store.ListByUser(ctx, userID, window.Limit, window.Offset)
	if err != nil {
		return nil, apperrors.StoreError(err)
	}
	return calls, nil
}

// UpdateMediaState toggles a joined participant's audio or video
func (s *Service) UpdateMediaState(ctx context.Context, callID, userID uuid.UUID, settings *domain.CallSettings) (c *domain.Call, err error) {
	ctx, span := tracing.TraceCallOperation(ctx, "update_media",
		tracing.CallIDKey.String(callID.String()),
		tracing.UserIDKey.String(userID.String()))
	defer span.End()
	defer func() { err = s.observe(ctx, "update_media", err) }()

	if settings == nil || (settings.AudioEnabled == nil && settings.VideoEnabled == nil) {
		return nil, apperrors.InvalidInputError("settings must change audio_enabled or video_enabled")
	}

	return s.mutate(ctx, callID, func(call *domain.Call) (bool, error) {
		if call.Status.IsTerminal() {
			return false, apperrors.CallEndedError(string(call.Status))
		}
		if !call.UpdateMedia(userID, settings) {
			return false, apperrors.ParticipantNotFoundError()
		}
		return true, nil
	})
}

func (s *Service) load(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	c, err := s.store.Get(ctx, callID)
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.StoreError(err)
	}
	return c, nil
}

func (s *Service) mutate(ctx context.Context, callID uuid.UUID, fn MutateFunc) (*domain.Call, error) {
	c, err := s.store.Update(ctx, callID, fn)
	if err != nil {
		if apperrors.IsAppError(err) {
			return nil, err
		}
		if errors.Is(err, domain.ErrCallNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.StoreError(err)
	}
	return c, nil
}

// notify dispatches after commit. Delivery must not depend on the caller's
// request staying open.
func (s *Service) notify(ctx context.Context, ev domain.Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(context.WithoutCancel(ctx), ev)
}

func (s *Service) recordTerminal(prev domain.CallStatus, c *domain.Call) {
	s.metrics.RecordCall(string(c.CallType), string(c.Status))
	if prev == domain.CallStatusActive {
		s.metrics.DecActiveCalls()
	}
	if c.Duration != nil {
		s.metrics.RecordCallDuration(string(c.CallType), *c.Duration)
	}
	s.log.Info("Call finished",
		zap.String("call_id", c.CallID.String()),
		zap.String("status", string(c.Status)),
		zap.Any("duration", c.Duration))
}

func (s *Service) observe(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	appErr := apperrors.GetAppError(err)
	s.metrics.RecordCallFailure(op, string(appErr.Code))
	tracing.RecordError(ctx, appErr)
	if appErr.Kind == apperrors.KindInternal {
		s.log.Error("Call operation failed", zap.String("operation", op), zap.Error(err))
	}
	return appErr
}

func endedEvent(c *domain.Call, endedBy *uuid.UUID) *domain.CallEnded {
	ev := &domain.CallEnded{
		CallID:         c.CallID,
		ConversationID: c.ConversationID,
		InitiatorID:    c.InitiatorID,
		CallType:       c.CallType,
		Status:         c.Status,
		Duration:       c.Duration,
		EndedBy:        endedBy,
	}
	if c.EndReason != nil {
		ev.Reason = *c.EndReason
	}
	if c.EndedAt != nil {
		ev.EndedAt = *c.EndedAt
	}
	return ev
}

type noopMetrics struct{}

func (noopMetrics) RecordCall(string, string)        {}
func (noopMetrics) IncActiveCalls()                  {}
func (noopMetrics) DecActiveCalls()                  {}
func (noopMetrics) RecordCallDuration(string, int)   {}
func (noopMetrics) RecordCallFailure(string, string) {}
