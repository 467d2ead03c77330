package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"callcore-backend/internal/domain"
	"callcore-backend/internal/service/call"
)

// CallStore is an in-process Call Store used in development and tests.
// Lock order is entry.mu before s.mu; readers copy entries out of the maps
// before locking them.
type CallStore struct {
	mu    sync.RWMutex
	calls map[uuid.UUID]*entry
	open  map[uuid.UUID]uuid.UUID // conversation -> pending/active call
}

type entry struct {
	mu   sync.Mutex
	call *domain.Call
}

var _ call.Store = (*CallStore)(nil)

// NewCallStore creates an empty store
func NewCallStore() *CallStore {
	return &CallStore{
		calls: make(map[uuid.UUID]*entry),
		open:  make(map[uuid.UUID]uuid.UUID),
	}
}

// Create claims the conversation slot and stores the call in one critical section
func (s *CallStore) Create(ctx context.Context, c *domain.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.open[c.ConversationID]; ok {
		return &domain.OpenCallExistsError{ConversationID: c.ConversationID, ExistingCallID: existing}
	}

	s.calls[c.CallID] = &entry{call: c.Clone()}
	if !c.Status.IsTerminal() {
		s.open[c.ConversationID] = c.CallID
	}
	return nil
}

func (s *CallStore) lookup(callID uuid.UUID) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.calls[callID]
	return e, ok
}

// Get returns a copy of the call
func (s *CallStore) Get(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	e, ok := s.lookup(callID)
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.call.Clone(), nil
}

// Update applies fn under the call's lock
func (s *CallStore) Update(ctx context.Context, callID uuid.UUID, fn call.MutateFunc) (*domain.Call, error) {
	e, ok := s.lookup(callID)
	if !ok {
		return nil, domain.ErrCallNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	work := e.call.Clone()
	changed, err := fn(work)
	if err != nil {
		return e.call.Clone(), err
	}
	if !changed {
		return work, nil
	}

	if work.Status.IsTerminal() && !e.call.Status.IsTerminal() {
		s.mu.Lock()
		if s.open[work.ConversationID] == work.CallID {
			delete(s.open, work.ConversationID)
		}
		s.mu.Unlock()
	}
	e.call = work
	return work.Clone(), nil
}

// GetOpenByConversation returns the pending or active call, or nil
func (s *CallStore) GetOpenByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error) {
	s.mu.RLock()
	callID, ok := s.open[conversationID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	c, err := s.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	// The slot may have been released between the two reads
	if c.Status.IsTerminal() {
		return nil, nil
	}
	return c, nil
}

func (s *CallStore) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*entry, 0, len(s.calls))
	for _, e := range s.calls {
		entries = append(entries, e)
	}
	return entries
}

// ListPendingCreatedBefore returns pending calls created before cutoff
func (s *CallStore) ListPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if e.call.Status == domain.CallStatusPending && e.call.CreatedAt.Before(cutoff) {
			ids = append(ids, e.call.CallID)
		}
		e.mu.Unlock()
	}
	return ids, nil
}

// ListByUser returns calls the user took part in, newest first
func (s *CallStore) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	var out []*domain.Call
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if e.call.Participant(userID) != nil {
			out = append(out, e.call.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if offset >= len(out) {
		return []*domain.Call{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
