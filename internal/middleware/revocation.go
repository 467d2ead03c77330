package middleware

import (
	"context"
	"fmt"

	"callcore-backend/internal/database"
	"callcore-backend/pkg/jwt"
)

// RevokedTokenPrefix is the key prefix the auth service writes on logout
const RevokedTokenPrefix = "blacklist:"

// RedisRevocationChecker implements RevocationChecker using Redis
type RedisRevocationChecker struct {
	redis *database.RedisClient
}

// NewRedisRevocationChecker creates a new RedisRevocationChecker
func NewRedisRevocationChecker(redis *database.RedisClient) *RedisRevocationChecker {
	return &RedisRevocationChecker{redis: redis}
}

// IsTokenRevoked checks if the token id is in the Redis blacklist. Tokens
// without a jti cannot be revoked individually.
func (r *RedisRevocationChecker) IsTokenRevoked(ctx context.Context, claims *jwt.Claims) (bool, error) {
	if claims.ID == "" {
		return false, nil
	}

	exists, err := r.redis.SafeExists(ctx, RevokedTokenPrefix+claims.ID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist in redis: %w", err)
	}
	return exists > 0, nil
}
