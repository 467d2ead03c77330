package notify

import (
	"context"
	"time"

	"callcore-backend/internal/domain"
)

// TimelineWriter persists timeline entries. Implemented by the Cassandra
// call event repository.
type TimelineWriter interface {
	Append(ctx context.Context, entry *domain.TimelineEntry) error
}

// TimelineSink records lifecycle events and quality level changes. Per-tick
// quality snapshots are not persisted.
type TimelineSink struct {
	repo TimelineWriter
	now  func() time.Time
}

// NewTimelineSink creates a timeline sink
func NewTimelineSink(repo TimelineWriter) *TimelineSink {
	return &TimelineSink{repo: repo, now: time.Now}
}

// Name implements Sink
func (s *TimelineSink) Name() string { return "timeline" }

// Deliver implements Sink
func (s *TimelineSink) Deliver(ctx context.Context, ev domain.Event) error {
	entry, ok, err := domain.TimelineEntryFor(ev, s.now())
	if err != nil || !ok {
		return err
	}
	return s.repo.Append(ctx, entry)
}
