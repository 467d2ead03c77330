package push

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockTokenRepository struct {
	mock.Mock
}

func (m *MockTokenRepository) Store(ctx context.Context, token *Token) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Token), args.Error(1)
}

func (m *MockTokenRepository) Delete(ctx context.Context, userID uuid.UUID, token string) error {
	args := m.Called(ctx, userID, token)
	return args.Error(0)
}

func (m *MockTokenRepository) MarkInactive(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

type stubProvider struct {
	result *SendResult
	err    error
	tokens []string
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Send(ctx context.Context, n *Notification, tokens []string) (*SendResult, error) {
	p.tokens = tokens
	return p.result, p.err
}

func TestSendIncomingCall_CollectsActiveTokensAndDropsInvalid(t *testing.T) {
	repo := new(MockTokenRepository)
	provider := &stubProvider{result: &SendResult{SuccessCount: 1, FailureCount: 1, InvalidTokens: []string{"stale"}}}
	svc := NewService(provider, repo, nil)

	alice, bob := uuid.New(), uuid.New()
	repo.On("GetByUserID", mock.Anything, alice).Return([]*Token{
		{UserID: alice, Token: "fresh", Active: true},
		{UserID: alice, Token: "disabled", Active: false},
	}, nil)
	repo.On("GetByUserID", mock.Anything, bob).Return([]*Token{
		{UserID: bob, Token: "stale", Active: true},
	}, nil)
	repo.On("MarkInactive", mock.Anything, "stale").Return(nil)

	err := svc.SendIncomingCall(context.Background(), &CallNotification{
		CallID:   uuid.New(),
		CallType: "video",
		At:       time.Now(),
	}, []uuid.UUID{alice, bob})

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fresh", "stale"}, provider.tokens)
	repo.AssertExpectations(t)
}

func TestSendMissedCall_NoTokensIsNoop(t *testing.T) {
	repo := new(MockTokenRepository)
	provider := &MockProvider{}
	svc := NewService(provider, repo, nil)

	user := uuid.New()
	repo.On("GetByUserID", mock.Anything, user).Return([]*Token{}, nil)

	err := svc.SendMissedCall(context.Background(), &CallNotification{CallID: uuid.New(), CallType: "audio"}, []uuid.UUID{user})

	require.NoError(t, err)
	assert.Zero(t, provider.Count())
}

func TestSendCallEnded_ProviderError(t *testing.T) {
	repo := new(MockTokenRepository)
	provider := &stubProvider{err: errors.New("unavailable")}
	svc := NewService(provider, repo, nil)

	user := uuid.New()
	repo.On("GetByUserID", mock.Anything, user).Return([]*Token{{Token: "t", Active: true}}, nil)

	duration := 75
	err := svc.SendCallEnded(context.Background(), &CallNotification{CallID: uuid.New(), Duration: &duration}, []uuid.UUID{user})

	assert.Error(t, err)
}

func TestRegisterToken_RejectsUnknownType(t *testing.T) {
	svc := NewService(&MockProvider{}, new(MockTokenRepository), nil)

	err := svc.RegisterToken(context.Background(), &Token{UserID: uuid.New(), Token: "abc", Type: "sms"})

	assert.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", formatDuration(45))
	assert.Equal(t, "1m 15s", formatDuration(75))
	assert.Equal(t, "2h 5m", formatDuration(7500))
}
