package call_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callcore-backend/internal/domain"
	"callcore-backend/internal/repository/memory"
	"callcore-backend/internal/service/call"
	apperrors "callcore-backend/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, ev domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) Types() []domain.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.EventType, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Type()
	}
	return out
}

func (n *recordingNotifier) Count(t domain.EventType) int {
	count := 0
	for _, typ := range n.Types() {
		if typ == t {
			count++
		}
	}
	return count
}

type failingGate struct{}

func (failingGate) GetMembership(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Membership, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	svc      *call.Service
	store    *memory.CallStore
	dir      *memory.Directory
	notifier *recordingNotifier
	clock    *fakeClock

	direct, group, channel uuid.UUID
	u1, u2, u3, mod, outsider uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.NewCallStore(),
		dir:      memory.NewDirectory(),
		notifier: &recordingNotifier{},
		clock:    newFakeClock(),
		direct:   uuid.New(),
		group:    uuid.New(),
		channel:  uuid.New(),
		u1:       uuid.New(),
		u2:       uuid.New(),
		u3:       uuid.New(),
		mod:      uuid.New(),
		outsider: uuid.New(),
	}
	f.dir.AddConversation(f.direct, domain.ConversationDirect, f.u1, f.u2)
	f.dir.AddConversation(f.group, domain.ConversationGroup, f.u1, f.u2, f.u3)
	f.dir.SetRole(f.group, f.mod, domain.RoleModerator)
	f.dir.AddConversation(f.channel, domain.ConversationChannel, f.u1, f.u2)

	f.svc = call.NewService(f.store, f.dir, f.notifier, nil, call.WithClock(f.clock.Now))
	return f
}

func (f *fixture) initiate(t *testing.T, conversationID uuid.UUID, callType domain.CallType) *domain.Call {
	t.Helper()
	c, err := f.svc.InitiateCall(context.Background(), &call.InitiateCallInput{
		ConversationID: conversationID,
		InitiatorID:    f.u1,
		CallType:       callType,
	})
	require.NoError(t, err)
	return c
}

func assertCode(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, code), "expected %s, got %v", code, err)
}

func TestCallLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Initiate: pending with the initiator only
	c := f.initiate(t, f.group, domain.CallTypeVideo)
	assert.Equal(t, domain.CallStatusPending, c.Status)
	require.Len(t, c.Participants, 1)
	assert.Equal(t, f.u1, c.Participants[0].UserID)
	assert.Equal(t, domain.ParticipantJoined, c.Participants[0].Status)
	assert.True(t, c.Participants[0].IsVideoOn)
	assert.Nil(t, c.StartedAt)

	// Second user activates the call
	f.clock.Advance(5 * time.Second)
	c, err := f.svc.JoinCall(ctx, c.CallID, f.u2, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, c.Status)
	require.Len(t, c.Participants, 2)
	assert.Equal(t, []uuid.UUID{f.u1, f.u2}, c.JoinedUserIDs())
	require.NotNil(t, c.StartedAt)
	startedAt := *c.StartedAt

	// Initiator leaves; call remains active
	f.clock.Advance(90 * time.Second)
	c, err = f.svc.LeaveCall(ctx, c.CallID, f.u1, f.u1)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, c.Status)
	assert.Equal(t, []uuid.UUID{f.u2}, c.JoinedUserIDs())
	assert.Equal(t, domain.ParticipantLeft, c.Participant(f.u1).Status)
	assert.NotNil(t, c.Participant(f.u1).LeftAt)

	// Last participant leaves; call ends with a duration
	f.clock.Advance(30 * time.Second)
	c, err = f.svc.LeaveCall(ctx, c.CallID, f.u2, f.u2)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, c.Status)
	require.NotNil(t, c.EndedAt)
	require.NotNil(t, c.Duration)
	assert.Equal(t, int(c.EndedAt.Sub(startedAt)/time.Second), *c.Duration)
	assert.Equal(t, 120, *c.Duration)
	require.NotNil(t, c.EndReason)
	assert.Equal(t, domain.EndReasonCompleted, *c.EndReason)

	assert.Equal(t, []domain.EventType{
		domain.EventCallInitiated,
		domain.EventCallAccepted,
		domain.EventCallActive,
		domain.EventParticipantLeft,
		domain.EventParticipantLeft,
		domain.EventCallEnded,
	}, f.notifier.Types())

	// The conversation slot is free again
	active, err := f.svc.GetActiveCallForConversation(ctx, f.group, f.u1)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestInitiateCall_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input *call.InitiateCallInput
		code  apperrors.ErrorCode
	}{
		{
			name:  "invalid type",
			input: &call.InitiateCallInput{ConversationID: f.direct, InitiatorID: f.u1, CallType: "screen"},
			code:  apperrors.ErrCodeInvalidInput,
		},
		{
			name:  "missing conversation",
			input: &call.InitiateCallInput{InitiatorID: f.u1, CallType: domain.CallTypeAudio},
			code:  apperrors.ErrCodeInvalidInput,
		},
		{
			name:  "not a member",
			input: &call.InitiateCallInput{ConversationID: f.direct, InitiatorID: f.outsider, CallType: domain.CallTypeAudio},
			code:  apperrors.ErrCodeNotAParticipant,
		},
		{
			name:  "unknown conversation",
			input: &call.InitiateCallInput{ConversationID: uuid.New(), InitiatorID: f.u1, CallType: domain.CallTypeAudio},
			code:  apperrors.ErrCodeNotAParticipant,
		},
		{
			name:  "channel conversation",
			input: &call.InitiateCallInput{ConversationID: f.channel, InitiatorID: f.u1, CallType: domain.CallTypeAudio},
			code:  apperrors.ErrCodeInvalidConversationType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.InitiateCall(ctx, tt.input)
			assertCode(t, err, tt.code)
		})
	}
	assert.Empty(t, f.notifier.Types())
}

func TestInitiateCall_AudioDefaults(t *testing.T) {
	f := newFixture(t)
	off := false

	c, err := f.svc.InitiateCall(context.Background(), &call.InitiateCallInput{
		ConversationID: f.direct,
		InitiatorID:    f.u1,
		CallType:       domain.CallTypeAudio,
		Settings:       &domain.CallSettings{AudioEnabled: &off},
	})
	require.NoError(t, err)
	assert.True(t, c.Participants[0].IsMuted)
	assert.False(t, c.Participants[0].IsVideoOn)
}

func TestInitiateCall_AlreadyInCall(t *testing.T) {
	f := newFixture(t)
	first := f.initiate(t, f.direct, domain.CallTypeAudio)

	_, err := f.svc.InitiateCall(context.Background(), &call.InitiateCallInput{
		ConversationID: f.direct,
		InitiatorID:    f.u2,
		CallType:       domain.CallTypeVideo,
	})
	assertCode(t, err, apperrors.ErrCodeAlreadyInCall)

	appErr := apperrors.GetAppError(err)
	assert.Equal(t, 409, appErr.StatusCode)
	assert.Equal(t, map[string]string{"call_id": first.CallID.String()}, appErr.Details)
}

func TestInitiateCall_Concurrent(t *testing.T) {
	f := newFixture(t)
	const n = 32

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.InitiateCall(context.Background(), &call.InitiateCallInput{
				ConversationID: f.group,
				InitiatorID:    f.u1,
				CallType:       domain.CallTypeAudio,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case apperrors.HasCode(err, apperrors.ErrCodeAlreadyInCall):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, conflicts)
	assert.Equal(t, 1, f.notifier.Count(domain.EventCallInitiated))
}

func TestJoinCall_ActivationOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.initiate(t, f.group, domain.CallTypeAudio)

	f.clock.Advance(time.Second)
	c, err := f.svc.JoinCall(ctx, c.CallID, f.u2, nil)
	require.NoError(t, err)
	startedAt := *c.StartedAt

	// Leave and rejoin cycles never move started_at
	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Second)
		_, err = f.svc.LeaveCall(ctx, c.CallID, f.u2, f.u2)
		require.NoError(t, err)
		f.clock.Advance(time.Second)
		c, err = f.svc.JoinCall(ctx, c.CallID, f.u2, nil)
		require.NoError(t, err)
	}
	c, err = f.svc.JoinCall(ctx, c.CallID, f.u3, nil)
	require.NoError(t, err)

	assert.Equal(t, startedAt, *c.StartedAt)
	assert.Equal(t, 1, f.notifier.Count(domain.EventCallActive))

	// Re-join reuses the participant record
	assert.Len(t, c.Participants, 3)
	assert.Nil(t, c.Participant(f.u2).LeftAt)
}

func TestJoinCall_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.initiate(t, f.group, domain.CallTypeAudio)

	again, err := f.svc.JoinCall(ctx, c.CallID, f.u1, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusPending, again.Status)
	assert.Len(t, again.Participants, 1)
	assert.Equal(t, 0, f.notifier.Count(domain.EventCallAccepted))
}

func TestJoinCall_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.initiate(t, f.group, domain.CallTypeAudio)

	_, err := f.svc.JoinCall(ctx, uuid.New(), f.u2, nil)
	assertCode(t, err, apperrors.ErrCodeCallNotFound)

	_, err = f.svc.JoinCall(ctx, c.CallID, f.outsider, nil)
	assertCode(t, err, apperrors.ErrCodeNotAParticipant)

	// Revoked membership is not membership
	f.dir.RemoveMember(f.group, f.u3)
	_, err = f.svc.JoinCall(ctx, c.CallID, f.u3, nil)
	assertCode(t, err, apperrors.ErrCodeNotAParticipant)
}

func TestTerminalCallsAreClosed(t *testing.T) {
	ctx := context.Background()

	finishers := map[string]func(f *fixture, c *domain.Call){
		"ended": func(f *fixture, c *domain.Call) {
			_, err := f.svc.EndCall(ctx, c.CallID, f.u1)
			require.NoError(t, err)
		},
		"rejected": func(f *fixture, c *domain.Call) {
			_, err := f.svc.RejectCall(ctx, c.CallID, f.u2)
			require.NoError(t, err)
		},
		"missed": func(f *fixture, c *domain.Call) {
			f.clock.Advance(time.Minute)
			missed, err := f.svc.ExpireUnanswered(ctx, 30*time.Second)
			require.NoError(t, err)
			require.Len(t, missed, 1)
		},
	}

	for name, finish := range finishers {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			c := f.initiate(t, f.direct, domain.CallTypeVideo)
			finish(f, c)

			before, err := f.svc.GetCallSession(ctx, c.CallID, uuid.Nil)
			require.NoError(t, err)
			assert.Equal(t, domain.CallStatus(name), before.Status)

			_, err = f.svc.JoinCall(ctx, c.CallID, f.u2, nil)
			assertCode(t, err, apperrors.ErrCodeCallEnded)
			_, err = f.svc.LeaveCall(ctx, c.CallID, f.u1, f.u1)
			assertCode(t, err, apperrors.ErrCodeCallEnded)
			_, err = f.svc.RejectCall(ctx, c.CallID, f.u2)
			assertCode(t, err, apperrors.ErrCodeCallEnded)
			_, err = f.svc.UpdateMediaState(ctx, c.CallID, f.u1, &domain.CallSettings{AudioEnabled: new(bool)})
			assertCode(t, err, apperrors.ErrCodeCallEnded)

			ended, err := f.svc.EndCall(ctx, c.CallID, f.u1)
			if name == "ended" {
				require.NoError(t, err)
			} else {
				assertCode(t, err, apperrors.ErrCodeCallEnded)
				ended = before
			}

			after, err := f.svc.GetCallSession(ctx, c.CallID, uuid.Nil)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Equal(t, before, ended)
		})
	}
}

func TestEndCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.initiate(t, f.group, domain.CallTypeAudio)
	_, err := f.svc.JoinCall(ctx, c.CallID, f.u2, nil)
	require.NoError(t, err)

	_, err = f.svc.EndCall(ctx, c.CallID, f.u2)
	assertCode(t, err, apperrors.ErrCodePermissionDenied)

	_, err = f.svc.EndCall(ctx, c.CallID, f.outsider)
	assertCode(t, err, apperrors.ErrCodeNotAParticipant)

	f.clock.Advance(42 * time.Second)
	c, err = f.svc.EndCall(ctx, c.CallID, f.mod)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, c.Status)
	assert.Equal(t, domain.EndReasonForceEnded, *c.EndReason)
	assert.Equal(t, 42, *c.Duration)
	assert.Empty(t, c.JoinedUserIDs())

	// Ending twice is a no-op
	again, err := f.svc.EndCall(ctx, c.CallID, f.u1)
	require.NoError(t, err)
	assert.Equal(t, c, again)
	assert.Equal(t, 1, f.notifier.Count(domain.EventCallEnded))
}

func TestEndCall_PendingHasNoDuration(t *testing.T) {
	f := newFixture(t)
	c := f.initiate(t, f.direct, domain.CallTypeAudio)

	f.clock.Advance(10 * time.Second)
	c, err := f.svc.EndCall(context.Background(), c.CallID, f.u1)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, c.Status)
	assert.Nil(t, c.Duration)
	assert.Nil(t, c.StartedAt)
}

func TestLeaveCall_ForceRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.initiate(t, f.group, domain.CallTypeAudio)
	_, err := f.svc.JoinCall(ctx, c.CallID, f.u2, nil)
	require.NoError(t, err)

	_, err = f.svc.LeaveCall(ctx, c.CallID, f.u2, f.u3)
	assertCode(t, err, apperrors.ErrCodePermissionDenied)

	_, err = f.svc.LeaveCall(ctx, c.CallID, f.u3, f.u3)
	assertCode(t, err, apperrors.ErrCodeParticipantNotFound)

	c, err = f.svc.LeaveCall(ctx, c.CallID, f.u2, f.mod)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantLeft, c.Participant(f.u2).Status)

	// Already left is a no-op
	again, err := f.svc.LeaveCall(ctx, c.CallID, f.u2, f.u2)
	require.NoError(t, err)
	assert.Equal(t, c, again)

	f.notifier.mu.Lock()
	var removed *domain.ParticipantLeftEvent
	for _, ev := range f.notifier.events {
		if pl, ok := ev.(*domain.ParticipantLeftEvent); ok {
			removed = pl
		}
	}
	f.notifier.mu.Unlock()
	require.NotNil(t, removed)
	require.NotNil(t, removed.RemovedBy)
	assert.Equal(t, f.mod, *removed.RemovedBy)
	assert.Equal(t, 1, f.notifier.Count(domain.EventParticipantLeft))
}

func TestRejectCall(t *testing.T) {
	ctx := context.Background()

	t.Run("direct conversation rejects the call", func(t *testing.T) {
		f := newFixture(t)
		c := f.initiate(t, f.direct, domain.CallTypeVideo)

		_, err := f.svc.RejectCall(ctx, c.CallID, f.u1)
		assertCode(t, err, apperrors.ErrCodeInvalidInput)

		c, err = f.svc.RejectCall(ctx, c.CallID, f.u2)
		require.NoError(t, err)
		assert.Equal(t, domain.CallStatusRejected, c.Status)
		assert.Equal(t, domain.EndReasonRejected, *c.EndReason)
		assert.Nil(t, c.Duration)
		assert.Equal(t, 1, f.notifier.Count(domain.EventCallRejected))

		// The conversation accepts a new call
		_ = f.initiate(t, f.direct, domain.CallTypeAudio)
	})

	t.Run("group conversation keeps ringing", func(t *testing.T) {
		f := newFixture(t)
		c := f.initiate(t, f.group, domain.CallTypeVideo)

		got, err := f.svc.RejectCall(ctx, c.CallID, f.u2)
		require.NoError(t, err)
		assert.Equal(t, domain.CallStatusPending, got.Status)
		assert.Equal(t, 1, f.notifier.Count(domain.EventCallRejected))

		got, err = f.svc.JoinCall(ctx, c.CallID, f.u3, nil)
		require.NoError(t, err)
		assert.Equal(t, domain.CallStatusActive, got.Status)

		_, err = f.svc.RejectCall(ctx, c.CallID, f.u2)
		assertCode(t, err, apperrors.ErrCodeInvalidInput)
	})
}

func TestExpireUnanswered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unanswered := f.initiate(t, f.direct, domain.CallTypeAudio)
	answered := f.initiate(t, f.group, domain.CallTypeAudio)
	_, err := f.svc.JoinCall(ctx, answered.CallID, f.u2, nil)
	require.NoError(t, err)

	// Too young to expire
	missed, err := f.svc.ExpireUnanswered(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, missed)

	f.clock.Advance(31 * time.Second)
	missed, err = f.svc.ExpireUnanswered(ctx, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, missed, 1)
	assert.Equal(t, unanswered.CallID, missed[0].CallID)
	assert.Equal(t, domain.CallStatusMissed, missed[0].Status)
	assert.Equal(t, domain.EndReasonMissed, *missed[0].EndReason)
	assert.Nil(t, missed[0].Duration)
	assert.Equal(t, domain.ParticipantLeft, missed[0].Participant(f.u1).Status)

	still, err := f.svc.GetCallSession(ctx, answered.CallID, f.u1)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, still.Status)

	// A second sweep finds nothing
	missed, err = f.svc.ExpireUnanswered(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, missed)
}

func TestRingTimeoutSweeper(t *testing.T) {
	store := memory.NewCallStore()
	dir := memory.NewDirectory()
	conv, u1 := uuid.New(), uuid.New()
	dir.AddConversation(conv, domain.ConversationDirect, u1, uuid.New())
	svc := call.NewService(store, dir, nil, nil)

	c, err := svc.InitiateCall(context.Background(), &call.InitiateCallInput{
		ConversationID: conv, InitiatorID: u1, CallType: domain.CallTypeAudio,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.StartRingTimeoutSweeper(ctx, 10*time.Millisecond, time.Millisecond)

	assert.Eventually(t, func() bool {
		got, err := svc.GetCallSession(context.Background(), c.CallID, uuid.Nil)
		return err == nil && got.Status == domain.CallStatusMissed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetCallSession_Access(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.initiate(t, f.group, domain.CallTypeAudio)

	_, err := f.svc.GetCallSession(ctx, uuid.New(), f.u1)
	assertCode(t, err, apperrors.ErrCodeCallNotFound)

	got, err := f.svc.GetCallSession(ctx, c.CallID, f.u3)
	require.NoError(t, err)
	assert.Equal(t, c.CallID, got.CallID)

	_, err = f.svc.GetCallSession(ctx, c.CallID, f.outsider)
	assertCode(t, err, apperrors.ErrCodePermissionDenied)

	// Participants keep access after leaving the conversation
	f.dir.RemoveMember(f.group, f.u1)
	_, err = f.svc.GetCallSession(ctx, c.CallID, f.u1)
	require.NoError(t, err)
}

func TestGetActiveCallForConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	none, err := f.svc.GetActiveCallForConversation(ctx, f.direct, f.u2)
	require.NoError(t, err)
	assert.Nil(t, none)

	c := f.initiate(t, f.direct, domain.CallTypeAudio)
	got, err := f.svc.GetActiveCallForConversation(ctx, f.direct, f.u2)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c.CallID, got.CallID)

	_, err = f.svc.GetActiveCallForConversation(ctx, f.direct, f.outsider)
	assertCode(t, err, apperrors.ErrCodeNotAParticipant)
}

func TestGetUserCallHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.initiate(t, f.direct, domain.CallTypeAudio)
	_, err := f.svc.EndCall(ctx, first.CallID, f.u1)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second := f.initiate(t, f.group, domain.CallTypeVideo)

	calls, err := f.svc.GetUserCallHistory(ctx, f.u1, 0, 0)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, second.CallID, calls[0].CallID)
	assert.Equal(t, first.CallID, calls[1].CallID)

	calls, err = f.svc.GetUserCallHistory(ctx, f.u1, 1, 1)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, first.CallID, calls[0].CallID)

	calls, err = f.svc.GetUserCallHistory(ctx, f.u2, 500, 0)
	require.NoError(t, err)
	assert.Empty(t, calls)

	_, err = f.svc.GetUserCallHistory(ctx, f.u1, 10, -1)
	assertCode(t, err, apperrors.ErrCodeInvalidInput)
}

func TestUpdateMediaState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.initiate(t, f.group, domain.CallTypeAudio)
	off, on := false, true

	c, err := f.svc.UpdateMediaState(ctx, c.CallID, f.u1, &domain.CallSettings{AudioEnabled: &off, VideoEnabled: &on})
	require.NoError(t, err)
	assert.True(t, c.Participant(f.u1).IsMuted)
	// Audio calls never turn video on
	assert.False(t, c.Participant(f.u1).IsVideoOn)

	_, err = f.svc.UpdateMediaState(ctx, c.CallID, f.u2, &domain.CallSettings{AudioEnabled: &off})
	assertCode(t, err, apperrors.ErrCodeParticipantNotFound)

	_, err = f.svc.UpdateMediaState(ctx, c.CallID, f.u1, &domain.CallSettings{})
	assertCode(t, err, apperrors.ErrCodeInvalidInput)
}

func TestConcurrentJoinLeave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	users := make([]uuid.UUID, 16)
	for i := range users {
		users[i] = uuid.New()
		f.dir.SetRole(f.group, users[i], domain.RoleMember)
	}
	c := f.initiate(t, f.group, domain.CallTypeVideo)

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u uuid.UUID) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, err := f.svc.JoinCall(ctx, c.CallID, u, nil)
				assert.NoError(t, err)
				_, err = f.svc.LeaveCall(ctx, c.CallID, u, u)
				assert.NoError(t, err)
			}
		}(u)
	}
	wg.Wait()

	got, err := f.svc.GetCallSession(ctx, c.CallID, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, got.Status)
	assert.Equal(t, []uuid.UUID{f.u1}, got.JoinedUserIDs())
	assert.Len(t, got.Participants, len(users)+1)
	assert.Equal(t, 1, f.notifier.Count(domain.EventCallActive))
}

func TestMembershipGateFailure(t *testing.T) {
	svc := call.NewService(memory.NewCallStore(), failingGate{}, nil, nil)

	_, err := svc.InitiateCall(context.Background(), &call.InitiateCallInput{
		ConversationID: uuid.New(),
		InitiatorID:    uuid.New(),
		CallType:       domain.CallTypeAudio,
	})
	assertCode(t, err, apperrors.ErrCodeInternal)
	assert.Equal(t, apperrors.KindInternal, apperrors.GetAppError(err).Kind)
}
