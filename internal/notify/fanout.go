// Package notify delivers call and quality events to every interested sink:
// Redis pub/sub for connected clients, mobile push, the call timeline and the
// quality monitor.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"callcore-backend/internal/domain"
)

// Sink is one delivery target. Deliver must not block for long; slow sinks
// hand work to their own goroutines.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev domain.Event) error
}

// Metrics receives per-sink delivery outcomes
type Metrics interface {
	RecordEvent(event, sink string, err error)
}

// Fanout implements call.Notifier and quality.Notifier. Events are validated
// once and then offered to each sink; a failing sink never affects the others
// or the caller.
type Fanout struct {
	sinks   []Sink
	metrics Metrics
	log     *zap.Logger
	now     func() time.Time
}

// NewFanout creates a fan-out over sinks. metrics may be nil.
func NewFanout(log *zap.Logger, metrics Metrics, sinks ...Sink) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fanout{
		sinks:   sinks,
		metrics: metrics,
		log:     log.Named("notify"),
		now:     time.Now,
	}
}

// Add appends sinks. It must be called before the first Notify.
func (f *Fanout) Add(sinks ...Sink) {
	f.sinks = append(f.sinks, sinks...)
}

// Notify validates ev and delivers it to every sink
func (f *Fanout) Notify(ctx context.Context, ev domain.Event) {
	if err := ev.Validate(); err != nil {
		f.log.Error("Dropping invalid event",
			zap.String("event", string(ev.Type())),
			zap.Error(err))
		return
	}

	for _, sink := range f.sinks {
		err := sink.Deliver(ctx, ev)
		if f.metrics != nil {
			f.metrics.RecordEvent(string(ev.Type()), sink.Name(), err)
		}
		if err != nil {
			f.log.Warn("Event delivery failed",
				zap.String("event", string(ev.Type())),
				zap.String("sink", sink.Name()),
				zap.String("conversation_id", ev.Conversation().String()),
				zap.Error(err))
		}
	}
}
