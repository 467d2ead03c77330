package quality

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callcore-backend/internal/domain"
)

// scriptedSource replays reports in order, repeating the last one
type scriptedSource struct {
	mu      sync.Mutex
	reports []webrtc.StatsReport
	errs    []error
	calls   int
}

func (s *scriptedSource) GetStats(ctx context.Context) (webrtc.StatsReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.reports) {
		i = len(s.reports) - 1
	}
	return s.reports[i], nil
}

type blockingSource struct{}

func (blockingSource) GetStats(ctx context.Context) (webrtc.StatsReport, error) {
	select {}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, ev domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) snapshots() []*domain.QualitySnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*domain.QualitySnapshot
	for _, ev := range n.events {
		if s, ok := ev.(*domain.QualitySnapshot); ok {
			out = append(out, s)
		}
	}
	return out
}

func (n *recordingNotifier) changes() []*domain.QualityLevelChanged {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*domain.QualityLevelChanged
	for _, ev := range n.events {
		if c, ok := ev.(*domain.QualityLevelChanged); ok {
			out = append(out, c)
		}
	}
	return out
}

type countingMetrics struct {
	mu        sync.Mutex
	monitored int
	failures  int
	samples   int
}

func (m *countingMetrics) IncMonitored() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitored++
}

func (m *countingMetrics) DecMonitored() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitored--
}

func (m *countingMetrics) RecordQualitySample(string, int, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples++
}

func (m *countingMetrics) RecordQualityChange(string, string) {}

func (m *countingMetrics) RecordStatsFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *countingMetrics) get() (monitored, failures, samples int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitored, m.failures, m.samples
}

func lossReport(lossPercent int32) webrtc.StatsReport {
	return webrtc.StatsReport{
		"in": inboundStat("in", "audio", uint32(100-lossPercent), lossPercent, 0, 0),
	}
}

func newTarget() Target {
	return Target{
		ConnectionKey:  domain.ConnectionKey{CallID: uuid.New(), UserID: uuid.New()},
		ConversationID: uuid.New(),
	}
}

var fastConfig = SamplerConfig{Interval: 5 * time.Millisecond, Timeout: 5 * time.Millisecond}

func TestSampler_ReportsSnapshotsAndLevelChanges(t *testing.T) {
	source := &scriptedSource{reports: []webrtc.StatsReport{
		lossReport(0), // excellent
		lossReport(0), // excellent, no change
		lossReport(2), // good
		lossReport(8), // poor, then repeats
	}}
	notifier := &recordingNotifier{}
	target := newTarget()

	s := NewSampler(target, source, fastConfig, notifier, nil, nil)
	require.True(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return len(notifier.snapshots()) >= 6
	}, 2*time.Second, 5*time.Millisecond)

	changes := notifier.changes()
	require.Len(t, changes, 2)
	assert.Equal(t, domain.QualityExcellent, changes[0].From)
	assert.Equal(t, domain.QualityGood, changes[0].To)
	assert.Equal(t, domain.QualityGood, changes[1].From)
	assert.Equal(t, domain.QualityPoor, changes[1].To)
	assert.True(t, changes[1].Degraded())
	assert.Equal(t, target.ConversationID, changes[1].ConversationID)
	assert.Equal(t, target.CallID, changes[1].CallID)

	snap := notifier.snapshots()[0]
	assert.NoError(t, snap.Validate())
	assert.Equal(t, target.UserID, snap.UserID)

	latest := s.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, domain.QualityPoor, latest.Level)
}

func TestSampler_StartStopIdempotent(t *testing.T) {
	metrics := &countingMetrics{}
	source := &scriptedSource{reports: []webrtc.StatsReport{lossReport(0)}}
	s := NewSampler(newTarget(), source, fastConfig, nil, metrics, nil)

	assert.Nil(t, s.Latest())
	assert.True(t, s.Start(context.Background()))
	assert.False(t, s.Start(context.Background()))
	assert.True(t, s.Running())

	require.Eventually(t, func() bool { return s.Latest() != nil }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	assert.False(t, s.Running())
	assert.Nil(t, s.Latest())

	monitored, _, _ := metrics.get()
	assert.Equal(t, 0, monitored)

	// No ticks after Stop
	_, _, samples := metrics.get()
	time.Sleep(30 * time.Millisecond)
	_, _, after := metrics.get()
	assert.Equal(t, samples, after)
}

func TestSampler_FailuresSkipTick(t *testing.T) {
	metrics := &countingMetrics{}
	notifier := &recordingNotifier{}
	source := &scriptedSource{
		reports: []webrtc.StatsReport{lossReport(0), lossReport(0), lossReport(0)},
		errs:    []error{errors.New("transport busy"), nil},
	}
	s := NewSampler(newTarget(), source, fastConfig, notifier, metrics, nil)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return len(notifier.snapshots()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	_, failures, _ := metrics.get()
	assert.Equal(t, 1, failures)
	assert.Empty(t, notifier.changes())
}

func TestSampler_TimeoutBoundsPull(t *testing.T) {
	metrics := &countingMetrics{}
	s := NewSampler(newTarget(), blockingSource{}, fastConfig, nil, metrics, nil)
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		_, failures, _ := metrics.get()
		return failures >= 2
	}, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a hung stats source")
	}
	assert.Nil(t, s.Latest())
}

func TestSampler_ConnectionClosedExits(t *testing.T) {
	source := &scriptedSource{
		reports: []webrtc.StatsReport{lossReport(0), lossReport(0)},
		errs:    []error{nil, ErrConnectionClosed},
	}
	metrics := &countingMetrics{}
	s := NewSampler(newTarget(), source, fastConfig, nil, metrics, nil)
	require.True(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return !s.Running() }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	source.mu.Lock()
	calls := source.calls
	source.mu.Unlock()
	assert.Equal(t, 2, calls, "no polling after the connection closed")
	assert.Nil(t, s.Latest(), "snapshot is dropped with the connection")

	monitored, _, samples := metrics.get()
	assert.Zero(t, monitored)
	assert.Equal(t, 1, samples)

	// Stop after a self-exit must not decrement twice
	s.Stop()
	monitored, _, _ = metrics.get()
	assert.Zero(t, monitored)
}

func TestSamplerConfig_Defaults(t *testing.T) {
	cfg := SamplerConfig{}.withDefaults()
	assert.Equal(t, DefaultInterval, cfg.Interval)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)

	cfg = SamplerConfig{Interval: 100 * time.Millisecond, Timeout: time.Second}.withDefaults()
	assert.Equal(t, 100*time.Millisecond, cfg.Timeout)
}

func TestMonitor(t *testing.T) {
	notifier := &recordingNotifier{}
	m := NewMonitor(fastConfig, notifier, nil, nil)
	ctx := context.Background()

	a := newTarget()
	b := Target{
		ConnectionKey:  domain.ConnectionKey{CallID: a.CallID, UserID: uuid.New()},
		ConversationID: a.ConversationID,
	}
	other := newTarget()

	m.Start(ctx, a, &scriptedSource{reports: []webrtc.StatsReport{lossReport(0)}})
	m.Start(ctx, b, &scriptedSource{reports: []webrtc.StatsReport{lossReport(4)}})
	m.Start(ctx, other, &scriptedSource{reports: []webrtc.StatsReport{lossReport(0)}})
	assert.Equal(t, 3, m.Count())

	require.Eventually(t, func() bool {
		return len(m.LatestForCall(a.CallID)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	latest := m.LatestForCall(a.CallID)
	assert.Equal(t, domain.QualityExcellent, latest[a.UserID].Level)
	assert.Equal(t, domain.QualityFair, latest[b.UserID].Level)

	// Replacing a sampler keeps one entry per connection
	m.Start(ctx, a, &scriptedSource{reports: []webrtc.StatsReport{lossReport(0)}})
	assert.Equal(t, 3, m.Count())

	m.StopCall(a.CallID)
	assert.Equal(t, 1, m.Count())
	assert.Nil(t, m.Latest(a.ConnectionKey))

	m.Stop(other.ConnectionKey)
	m.Stop(other.ConnectionKey)
	assert.Equal(t, 0, m.Count())

	m.StopAll()
}

func TestMonitor_Report(t *testing.T) {
	notifier := &recordingNotifier{}
	m := NewMonitor(fastConfig, notifier, nil, nil)
	defer m.StopAll()
	target := newTarget()

	err := m.Report(context.Background(), target, []byte(`[
		{"id":"in","type":"inbound-rtp","kind":"audio","packetsReceived":96,"packetsLost":4},
		{"id":"cp","type":"candidate-pair","state":"succeeded","currentRoundTripTime":0.05}
	]`), time.Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		latest := m.Latest(target.ConnectionKey)
		return latest != nil && latest.Level == domain.QualityFair
	}, 2*time.Second, 5*time.Millisecond)

	// Later reports update the same sampler
	err = m.Report(context.Background(), target, []byte(`[{"id":"in","type":"inbound-rtp","kind":"audio","packetsReceived":100,"packetsLost":0}]`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count())

	require.Eventually(t, func() bool {
		latest := m.Latest(target.ConnectionKey)
		return latest != nil && latest.Level == domain.QualityExcellent
	}, 2*time.Second, 5*time.Millisecond)

	assert.Error(t, m.Report(context.Background(), target, []byte(`{bad`), time.Now()))
}

const reportedStats = `[{"id":"in","type":"inbound-rtp","kind":"audio","packetsReceived":100,"packetsLost":0}]`

func TestMonitor_ReportAfterStop(t *testing.T) {
	m := NewMonitor(fastConfig, nil, nil, nil)
	defer m.StopAll()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()
	target := newTarget()

	checked := now
	require.NoError(t, m.Report(ctx, target, []byte(reportedStats), checked))
	require.True(t, m.Monitoring(target.ConnectionKey))

	now = now.Add(time.Second)
	m.StopCall(target.CallID)
	err := m.Report(ctx, target, []byte(reportedStats), checked)
	assert.ErrorIs(t, err, ErrMonitoringStopped)
	assert.Zero(t, m.Count())

	// A check made after the stop starts monitoring again
	checked = now.Add(time.Second)
	require.NoError(t, m.Report(ctx, target, []byte(reportedStats), checked))
	assert.True(t, m.Monitoring(target.ConnectionKey))

	now = now.Add(2 * time.Second)
	m.Stop(target.ConnectionKey)
	assert.ErrorIs(t, m.Report(ctx, target, []byte(reportedStats), checked), ErrMonitoringStopped)
	assert.False(t, m.Monitoring(target.ConnectionKey))
}

func TestMonitor_StopRecordsExpire(t *testing.T) {
	m := NewMonitor(fastConfig, nil, nil, nil)
	defer m.StopAll()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	stale := newTarget()
	m.Stop(stale.ConnectionKey)
	now = now.Add(2 * stopRetention)
	m.StopCall(uuid.New())

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.stoppedKeys, stale.ConnectionKey)
	assert.Len(t, m.stoppedCalls, 1)
}

func TestMonitor_ClosedConnectionReleasesEntry(t *testing.T) {
	metrics := &countingMetrics{}
	m := NewMonitor(fastConfig, nil, metrics, nil)
	defer m.StopAll()
	target := newTarget()

	m.Start(context.Background(), target, &scriptedSource{
		reports: []webrtc.StatsReport{lossReport(0), lossReport(0)},
		errs:    []error{nil, ErrConnectionClosed},
	})

	require.Eventually(t, func() bool { return m.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, m.Monitoring(target.ConnectionKey))
	assert.Nil(t, m.Latest(target.ConnectionKey))
	assert.Empty(t, m.LatestForCall(target.CallID))

	monitored, _, _ := metrics.get()
	assert.Zero(t, monitored)
}
