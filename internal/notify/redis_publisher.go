package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"callcore-backend/internal/database"
	"callcore-backend/internal/domain"
)

// ChannelPrefix namespaces the per-conversation pub/sub channels
const ChannelPrefix = "call:events:"

// ChannelPattern matches every conversation channel
const ChannelPattern = ChannelPrefix + "*"

// Channel returns the pub/sub channel for a conversation
func Channel(conversationID uuid.UUID) string {
	return ChannelPrefix + conversationID.String()
}

// LocalDeliverer receives envelopes directly when Redis cannot carry them.
// The websocket EventHub implements it.
type LocalDeliverer interface {
	Deliver(env *domain.Envelope)
}

// FallbackRecorder counts deliveries that bypassed Redis
type FallbackRecorder interface {
	RecordRedisFallback()
}

// RedisPublisher publishes envelopes to the conversation channel so every
// instance's EventHub can forward them. While Redis is degraded envelopes go
// to the local hub only.
type RedisPublisher struct {
	redis    *database.RedisClient
	local    LocalDeliverer
	fallback FallbackRecorder
	now      func() time.Time
}

// NewRedisPublisher creates a publisher. local and fallback may be nil.
func NewRedisPublisher(redis *database.RedisClient, local LocalDeliverer, fallback FallbackRecorder) *RedisPublisher {
	return &RedisPublisher{
		redis:    redis,
		local:    local,
		fallback: fallback,
		now:      time.Now,
	}
}

// Name implements Sink
func (p *RedisPublisher) Name() string { return "redis" }

// Deliver implements Sink
func (p *RedisPublisher) Deliver(ctx context.Context, ev domain.Event) error {
	env, err := domain.Encode(ev, p.now())
	if err != nil {
		return err
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	pubErr := p.redis.SafePublish(ctx, Channel(env.ConversationID), payload).Err()
	if pubErr == nil {
		return nil
	}
	if p.local == nil {
		return fmt.Errorf("failed to publish %s: %w", env.Event, pubErr)
	}

	if p.fallback != nil {
		p.fallback.RecordRedisFallback()
	}
	p.local.Deliver(env)
	return nil
}
