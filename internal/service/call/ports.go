package call

import (
	"context"
	"time"

	"github.com/google/uuid"

	"callcore-backend/internal/domain"
)

// MutateFunc changes a working copy of a call. It reports whether anything
// changed; returning false or an error leaves the stored call untouched.
type MutateFunc func(c *domain.Call) (changed bool, err error)

// Store is the durable Call Store. Implementations serialize Update per call and
// make Create an atomic conditional insert: it fails with
// *domain.OpenCallExistsError when the conversation already has a pending or
// active call.
type Store interface {
	Create(ctx context.Context, call *domain.Call) error
	Get(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	Update(ctx context.Context, callID uuid.UUID, fn MutateFunc) (*domain.Call, error)
	GetOpenByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error)
	ListPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
}

// MembershipGate answers conversation membership questions. A missing
// conversation yields a Membership with Found=false, not an error.
type MembershipGate interface {
	GetMembership(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Membership, error)
}

// Notifier receives lifecycle events after the state change is committed.
// Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, ev domain.Event)
}

// Metrics receives call counters. Implemented by pkg/metrics.
type Metrics interface {
	RecordCall(callType, status string)
	IncActiveCalls()
	DecActiveCalls()
	RecordCallDuration(callType string, seconds int)
	RecordCallFailure(operation, code string)
}
