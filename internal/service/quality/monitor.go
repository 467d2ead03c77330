package quality

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callcore-backend/internal/domain"
)

// stopRetention is how long a stop is remembered to refuse late reports
const stopRetention = time.Minute

// ErrMonitoringStopped is returned by Report when the connection or its call was
// stopped after the caller last checked it
var ErrMonitoringStopped = errors.New("monitoring stopped for this connection")

// Monitor owns the samplers of one process, keyed by (call, user). It is
// created in main and injected wherever monitoring starts or stops.
type Monitor struct {
	cfg      SamplerConfig
	notifier Notifier
	metrics  Metrics
	log      *zap.Logger
	maxAge   time.Duration
	now      func() time.Time

	mu           sync.Mutex
	samplers     map[domain.ConnectionKey]*monitored
	stoppedKeys  map[domain.ConnectionKey]time.Time
	stoppedCalls map[uuid.UUID]time.Time
}

type monitored struct {
	sampler  *Sampler
	reported *ReportedSource // set when the client pushes its own stats
}

// NewMonitor creates an empty registry. Client-reported stats older than
// three intervals are ignored.
func NewMonitor(cfg SamplerConfig, notifier Notifier, metrics Metrics, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:      cfg,
		notifier: notifier,
		metrics:  metrics,
		log:      log.Named("quality"),
		maxAge:   3 * cfg.Interval,
		now:      time.Now,

		samplers:     make(map[domain.ConnectionKey]*monitored),
		stoppedKeys:  make(map[domain.ConnectionKey]time.Time),
		stoppedCalls: make(map[uuid.UUID]time.Time),
	}
}

func (m *Monitor) newSampler(target Target, source StatsSource) *Sampler {
	s := NewSampler(target, source, m.cfg, m.notifier, m.metrics, m.log)
	s.onExit = m.release
	return s
}

// release drops the entry of a sampler whose connection closed
func (m *Monitor) release(s *Sampler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry := m.samplers[s.target.ConnectionKey]; entry != nil && entry.sampler == s {
		delete(m.samplers, s.target.ConnectionKey)
	}
}

// pruneStops forgets stops older than stopRetention and returns now.
// Callers hold m.mu.
func (m *Monitor) pruneStops() time.Time {
	now := m.now()
	cutoff := now.Add(-stopRetention)
	for k, at := range m.stoppedKeys {
		if at.Before(cutoff) {
			delete(m.stoppedKeys, k)
		}
	}
	for id, at := range m.stoppedCalls {
		if at.Before(cutoff) {
			delete(m.stoppedCalls, id)
		}
	}
	return now
}

// stoppedSince reports whether key or its call was stopped at or after t.
// Callers hold m.mu.
func (m *Monitor) stoppedSince(key domain.ConnectionKey, t time.Time) bool {
	if at, ok := m.stoppedKeys[key]; ok && !at.Before(t) {
		return true
	}
	if at, ok := m.stoppedCalls[key.CallID]; ok && !at.Before(t) {
		return true
	}
	return false
}

// Start begins sampling source for target, replacing any sampler already
// registered for the same connection.
func (m *Monitor) Start(ctx context.Context, target Target, source StatsSource) *Sampler {
	s := m.newSampler(target, source)

	m.mu.Lock()
	old := m.samplers[target.ConnectionKey]
	m.samplers[target.ConnectionKey] = &monitored{sampler: s}
	m.mu.Unlock()

	if old != nil {
		old.sampler.Stop()
	}
	s.Start(ctx)
	return s
}

// Report feeds a client-side stats report for target, starting a sampler over
// the reported stats on first use. checkedAt is when the caller last confirmed
// the user is in the call; a sampler is not started if the connection or call
// was stopped since then.
func (m *Monitor) Report(ctx context.Context, target Target, data []byte, checkedAt time.Time) error {
	m.mu.Lock()
	entry := m.samplers[target.ConnectionKey]
	if entry == nil || entry.reported == nil {
		if m.stoppedSince(target.ConnectionKey, checkedAt) {
			m.mu.Unlock()
			return ErrMonitoringStopped
		}
		var old *Sampler
		if entry != nil {
			old = entry.sampler
		}
		src := NewReportedSource(m.maxAge)
		entry = &monitored{
			sampler:  m.newSampler(target, src),
			reported: src,
		}
		m.samplers[target.ConnectionKey] = entry
		m.mu.Unlock()

		if old != nil {
			old.Stop()
		}
		entry.sampler.Start(ctx)
	} else {
		m.mu.Unlock()
	}

	return entry.reported.Update(data)
}

// Stop ends monitoring of one connection. Unknown keys are ignored.
func (m *Monitor) Stop(key domain.ConnectionKey) {
	m.mu.Lock()
	entry := m.samplers[key]
	delete(m.samplers, key)
	m.stoppedKeys[key] = m.pruneStops()
	m.mu.Unlock()

	if entry != nil {
		entry.sampler.Stop()
	}
}

// StopCall ends monitoring of every connection in a call
func (m *Monitor) StopCall(callID uuid.UUID) {
	m.mu.Lock()
	var stopping []*Sampler
	for key, entry := range m.samplers {
		if key.CallID == callID {
			stopping = append(stopping, entry.sampler)
			delete(m.samplers, key)
		}
	}
	m.stoppedCalls[callID] = m.pruneStops()
	m.mu.Unlock()

	for _, s := range stopping {
		s.Stop()
	}
}

// StopAll stops every sampler; used on shutdown
func (m *Monitor) StopAll() {
	m.mu.Lock()
	entries := m.samplers
	m.samplers = make(map[domain.ConnectionKey]*monitored)
	m.mu.Unlock()

	for _, entry := range entries {
		entry.sampler.Stop()
	}
}

// Monitoring reports whether a sampler is registered for key
func (m *Monitor) Monitoring(key domain.ConnectionKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.samplers[key]
	return ok
}

// Latest returns the last snapshot for a connection, or nil
func (m *Monitor) Latest(key domain.ConnectionKey) *domain.QualityStats {
	m.mu.Lock()
	entry := m.samplers[key]
	m.mu.Unlock()
	if entry == nil {
		return nil
	}
	return entry.sampler.Latest()
}

// LatestForCall returns the last snapshot of every monitored user in a call
func (m *Monitor) LatestForCall(callID uuid.UUID) map[uuid.UUID]domain.QualityStats {
	m.mu.Lock()
	var entries []*monitored
	for key, entry := range m.samplers {
		if key.CallID == callID {
			entries = append(entries, entry)
		}
	}
	m.mu.Unlock()

	out := make(map[uuid.UUID]domain.QualityStats, len(entries))
	for _, entry := range entries {
		if latest := entry.sampler.Latest(); latest != nil {
			out[entry.sampler.target.UserID] = *latest
		}
	}
	return out
}

// Count returns the number of registered samplers
func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samplers)
}
