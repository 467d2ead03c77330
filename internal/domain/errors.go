package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrCallNotFound is returned by call stores for unknown ids
var ErrCallNotFound = errors.New("call not found")

// OpenCallExistsError is returned by a store's conditional insert when the
// conversation already has a pending or active call
type OpenCallExistsError struct {
	ConversationID uuid.UUID
	ExistingCallID uuid.UUID
}

func (e *OpenCallExistsError) Error() string {
	return fmt.Sprintf("conversation %s already has open call %s", e.ConversationID, e.ExistingCallID)
}
