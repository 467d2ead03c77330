package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"callcore-backend/pkg/logger"
)

// ProviderType represents the type of push notification provider
type ProviderType string

const (
	ProviderTypeMock ProviderType = "mock"
	ProviderTypeFCM  ProviderType = "fcm"
	ProviderTypeAPNs ProviderType = "apns"
)

// ProviderConfig selects and configures one provider
type ProviderConfig struct {
	Type ProviderType
	FCM  FCMConfig
	APNs APNsConfig
}

// NewProvider creates the configured push provider. Unknown types fall back to
// the mock provider.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	logger.Info("Initializing push notification provider",
		zap.String("provider_type", string(cfg.Type)))

	switch cfg.Type {
	case ProviderTypeFCM:
		p, err := NewFCMProvider(ctx, &cfg.FCM)
		if err != nil {
			return nil, fmt.Errorf("fcm provider: %w", err)
		}
		return p, nil
	case ProviderTypeAPNs:
		p, err := NewAPNsProvider(&cfg.APNs)
		if err != nil {
			return nil, fmt.Errorf("apns provider: %w", err)
		}
		return p, nil
	case ProviderTypeMock, "":
		return &MockProvider{}, nil
	default:
		logger.Warn("Unknown push provider type, falling back to mock",
			zap.String("provider_type", string(cfg.Type)))
		return &MockProvider{}, nil
	}
}
