package notify

import (
	"context"

	"github.com/google/uuid"

	"callcore-backend/internal/domain"
)

// QualityStopper is the part of quality.Monitor the fan-out drives
type QualityStopper interface {
	Stop(key domain.ConnectionKey)
	StopCall(callID uuid.UUID)
}

// MonitorSink stops quality sampling for users who left and calls that ended
type MonitorSink struct {
	monitor QualityStopper
}

// NewMonitorSink creates a monitor sink
func NewMonitorSink(monitor QualityStopper) *MonitorSink {
	return &MonitorSink{monitor: monitor}
}

// Name implements Sink
func (s *MonitorSink) Name() string { return "monitor" }

// Deliver implements Sink
func (s *MonitorSink) Deliver(ctx context.Context, ev domain.Event) error {
	switch e := ev.(type) {
	case *domain.ParticipantLeftEvent:
		s.monitor.Stop(domain.ConnectionKey{CallID: e.CallID, UserID: e.UserID})
	case *domain.CallEnded:
		s.monitor.StopCall(e.CallID)
	case *domain.CallRejected:
		if e.Status.IsTerminal() {
			s.monitor.StopCall(e.CallID)
		}
	}
	return nil
}
