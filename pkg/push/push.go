package push

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callcore-backend/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
	Name() string
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
	TTL      time.Duration     `json:"-"`
}

// CallNotification carries the call fields every call push includes
type CallNotification struct {
	CallID         uuid.UUID
	ConversationID uuid.UUID
	InitiatorID    uuid.UUID
	CallType       string
	Duration       *int
	At             time.Time
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"
	TokenTypeAPNs TokenType = "apns"
)

// Valid reports whether t is a known token type
func (t TokenType) Valid() bool {
	return t == TokenTypeFCM || t == TokenTypeAPNs
}

// Token represents a push notification token for a user
type Token struct {
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	Delete(ctx context.Context, userID uuid.UUID, token string) error
	MarkInactive(ctx context.Context, token string) error
}

// Recorder receives delivery counts
type Recorder interface {
	RecordPushNotification(notifType, platform string)
	RecordPushNotificationFailure(notifType, platform string)
}

// Notification kinds sent by the call service
const (
	KindIncomingCall = "incoming_call"
	KindMissedCall   = "missed_call"
	KindCallEnded    = "call_ended"
)

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
	recorder Recorder
}

// NewService creates a new push notification service. recorder may be nil.
func NewService(provider Provider, repo TokenRepository, recorder Recorder) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
		recorder: recorder,
	}
}

// RegisterToken stores or refreshes a device token for a user
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	if token.Token == "" {
		return fmt.Errorf("token is required")
	}
	if !token.Type.Valid() {
		return fmt.Errorf("unsupported token type %q", token.Type)
	}
	token.Active = true
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a device token
func (s *Service) UnregisterToken(ctx context.Context, userID uuid.UUID, token string) error {
	return s.repo.Delete(ctx, userID, token)
}

// SendIncomingCall rings the other members of the conversation
func (s *Service) SendIncomingCall(ctx context.Context, data *CallNotification, calleeIDs []uuid.UUID) error {
	notification := &Notification{
		Title:    "Incoming Call",
		Body:     fmt.Sprintf("Incoming %s call", data.CallType),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		TTL:      time.Minute,
		Data:     callData(KindIncomingCall, data),
	}
	return s.sendToUsers(ctx, KindIncomingCall, notification, calleeIDs)
}

// SendMissedCall tells invitees that nobody answered in time
func (s *Service) SendMissedCall(ctx context.Context, data *CallNotification, calleeIDs []uuid.UUID) error {
	notification := &Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a %s call", data.CallType),
		Priority: "normal",
		Sound:    "default",
		Data:     callData(KindMissedCall, data),
	}
	return s.sendToUsers(ctx, KindMissedCall, notification, calleeIDs)
}

// SendCallEnded tells participants a call was ended for them
func (s *Service) SendCallEnded(ctx context.Context, data *CallNotification, participantIDs []uuid.UUID) error {
	body := "Call ended"
	if data.Duration != nil {
		body = fmt.Sprintf("Call ended. Duration: %s", formatDuration(int64(*data.Duration)))
	}
	notification := &Notification{
		Title:    "Call Ended",
		Body:     body,
		Priority: "normal",
		Data:     callData(KindCallEnded, data),
	}
	return s.sendToUsers(ctx, KindCallEnded, notification, participantIDs)
}

func callData(kind string, data *CallNotification) map[string]string {
	m := map[string]string{
		"type":            kind,
		"call_id":         data.CallID.String(),
		"conversation_id": data.ConversationID.String(),
		"initiator_id":    data.InitiatorID.String(),
		"call_type":       data.CallType,
		"timestamp":       strconv.FormatInt(data.At.Unix(), 10),
	}
	if data.Duration != nil {
		m["duration"] = strconv.Itoa(*data.Duration)
	}
	return m
}

func (s *Service) sendToUsers(ctx context.Context, kind string, notification *Notification, userIDs []uuid.UUID) error {
	var allTokens []string
	for _, userID := range userIDs {
		tokens, err := s.repo.GetByUserID(ctx, userID)
		if err != nil {
			logger.Warn("Failed to get push tokens for user",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		for _, token := range tokens {
			if token.Active {
				allTokens = append(allTokens, token.Token)
			}
		}
	}

	if len(allTokens) == 0 {
		logger.Debug("No active push tokens for recipients",
			zap.String("kind", kind),
			zap.Int("recipient_count", len(userIDs)))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, allTokens)
	if err != nil {
		s.record(kind, err)
		return fmt.Errorf("failed to send %s notification: %w", kind, err)
	}
	s.record(kind, nil)

	logger.Info("Push notification sent",
		zap.String("kind", kind),
		zap.String("call_id", notification.Data["call_id"]),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	for _, tokenStr := range result.InvalidTokens {
		if err := s.repo.MarkInactive(ctx, tokenStr); err != nil {
			logger.Warn("Failed to mark token as inactive",
				zap.String("token", maskPushToken(tokenStr)),
				zap.Error(err))
		}
	}

	return nil
}

func (s *Service) record(kind string, err error) {
	if s.recorder == nil {
		return
	}
	if err != nil {
		s.recorder.RecordPushNotificationFailure(kind, s.provider.Name())
		return
	}
	s.recorder.RecordPushNotification(kind, s.provider.Name())
}

// formatDuration formats duration in seconds to human-readable format
func formatDuration(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm %ds", minutes, seconds%60)
	}
	hours := minutes / 60
	minutes = minutes % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// maskPushToken returns a safe masked version of a push token for logging
func maskPushToken(token string) string {
	if len(token) <= 16 {
		return "********"
	}
	return token[:8] + "..." + token[len(token)-8:]
}

// MockProvider records notifications instead of delivering them
type MockProvider struct {
	mu   sync.Mutex
	Sent []*Notification
}

// Name implements Provider
func (m *MockProvider) Name() string { return "mock" }

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.Sent = append(m.Sent, notification)
	m.mu.Unlock()

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}

// Count returns how many notifications were sent
func (m *MockProvider) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
