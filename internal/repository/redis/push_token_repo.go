package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callcore-backend/internal/database"
	"callcore-backend/pkg/logger"
	"callcore-backend/pkg/push"
)

// TokenExpiry bounds how long an unused device token is kept
const TokenExpiry = 30 * 24 * time.Hour

// PushTokenRepository handles push notification token storage in Redis.
// Keys: push:token:{token} holds the JSON record, push:user:{userID}:tokens is
// the set of a user's tokens.
type PushTokenRepository struct {
	rdb *database.RedisClient
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(rdb *database.RedisClient) *PushTokenRepository {
	return &PushTokenRepository{rdb: rdb}
}

func tokenKey(token string) string {
	return "push:token:" + token
}

func userTokensKey(userID uuid.UUID) string {
	return fmt.Sprintf("push:user:%s:tokens", userID)
}

// Store stores a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	now := time.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := r.rdb.SafeSet(ctx, tokenKey(token.Token), data, TokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	setKey := userTokensKey(token.UserID)
	if err := r.rdb.SafeSAdd(ctx, setKey, token.Token).Err(); err != nil {
		return fmt.Errorf("failed to add token to user set: %w", err)
	}
	if err := r.rdb.SafeExpire(ctx, setKey, TokenExpiry).Err(); err != nil {
		logger.Warn("Failed to set expiration on user tokens set",
			zap.String("user_id", token.UserID.String()),
			zap.Error(err))
	}

	return nil
}

func (r *PushTokenRepository) get(ctx context.Context, tokenStr string) (*push.Token, error) {
	data, err := r.rdb.SafeGet(ctx, tokenKey(tokenStr)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// GetByUserID retrieves all tokens for a user. Set members whose record has
// expired are pruned.
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	setKey := userTokensKey(userID)
	members, err := r.rdb.SafeSMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	result := make([]*push.Token, 0, len(members))
	for _, tokenStr := range members {
		token, err := r.get(ctx, tokenStr)
		if err != nil {
			logger.Warn("Failed to get token",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		if token == nil {
			r.rdb.SafeSRem(ctx, setKey, tokenStr)
			continue
		}
		result = append(result, token)
	}

	return result, nil
}

// Delete removes one of a user's tokens. Removing a missing token is not an error.
func (r *PushTokenRepository) Delete(ctx context.Context, userID uuid.UUID, tokenStr string) error {
	if err := r.rdb.SafeSRem(ctx, userTokensKey(userID), tokenStr).Err(); err != nil {
		return fmt.Errorf("failed to remove token from user set: %w", err)
	}

	existing, err := r.get(ctx, tokenStr)
	if err != nil {
		return err
	}
	// Tokens migrate between accounts on shared devices; only drop the record
	// when it still belongs to this user.
	if existing != nil && existing.UserID == userID {
		if err := r.rdb.SafeDel(ctx, tokenKey(tokenStr)).Err(); err != nil {
			return fmt.Errorf("failed to delete token: %w", err)
		}
	}
	return nil
}

// MarkInactive flags a token the provider reported as invalid
func (r *PushTokenRepository) MarkInactive(ctx context.Context, tokenStr string) error {
	token, err := r.get(ctx, tokenStr)
	if err != nil || token == nil {
		return err
	}

	token.Active = false
	token.UpdatedAt = time.Now().Unix()
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := r.rdb.SafeSet(ctx, tokenKey(tokenStr), data, TokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	return nil
}
