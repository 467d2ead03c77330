package quality

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"callcore-backend/internal/domain"
)

const (
	DefaultInterval = time.Second
	DefaultTimeout  = 500 * time.Millisecond
)

// Notifier receives quality events. The notify fan-out implements it.
type Notifier interface {
	Notify(ctx context.Context, ev domain.Event)
}

// Metrics receives sampler counters. Implemented by pkg/metrics.
type Metrics interface {
	IncMonitored()
	DecMonitored()
	RecordQualitySample(level string, rttMs int, packetLoss float64)
	RecordQualityChange(from, to string)
	RecordStatsFailure()
}

// SamplerConfig controls the polling loop
type SamplerConfig struct {
	Interval time.Duration
	Timeout  time.Duration // bound on a single stats pull
}

func (c SamplerConfig) withDefaults() SamplerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 || c.Timeout > c.Interval {
		c.Timeout = c.Interval
		if c.Interval > DefaultTimeout {
			c.Timeout = DefaultTimeout
		}
	}
	return c
}

// Target identifies what a sampler watches and where its events go
type Target struct {
	domain.ConnectionKey
	ConversationID uuid.UUID
}

// Sampler polls one peer connection on a fixed interval, classifies each
// sample and reports snapshots and level changes.
type Sampler struct {
	target   Target
	source   StatsSource
	cfg      SamplerConfig
	notifier Notifier
	metrics  Metrics
	log      *zap.Logger
	now      func() time.Time

	mu     sync.RWMutex
	latest *domain.QualityStats
	cancel context.CancelFunc
	done   chan struct{}

	// onExit runs when the loop ends on its own because the connection closed
	onExit func(*Sampler)
}

// NewSampler creates a stopped sampler
func NewSampler(target Target, source StatsSource, cfg SamplerConfig, notifier Notifier, metrics Metrics, log *zap.Logger) *Sampler {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sampler{
		target:   target,
		source:   source,
		cfg:      cfg.withDefaults(),
		notifier: notifier,
		metrics:  metrics,
		log: log.With(
			zap.String("call_id", target.CallID.String()),
			zap.String("user_id", target.UserID.String())),
		now: time.Now,
	}
}

// Start launches the polling goroutine. It reports false if already running.
func (s *Sampler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.metrics.IncMonitored()

	go s.run(ctx, s.done)
	return true
}

// Stop cancels the loop and waits for it. The latest snapshot is cleared.
// Stopping a stopped sampler is a no-op.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.mu.Lock()
	s.latest = nil
	s.mu.Unlock()
	s.metrics.DecMonitored()
}

// Running reports whether Start was called without a matching Stop
func (s *Sampler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancel != nil
}

// Latest returns a copy of the last snapshot, or nil
func (s *Sampler) Latest() *domain.QualityStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil
	}
	cp := *s.latest
	return &cp
}

func (s *Sampler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var (
		ext  Extractor
		prev domain.QualityLevel
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			level, err := s.sample(ctx, &ext, prev)
			if errors.Is(err, ErrConnectionClosed) {
				s.log.Info("Peer connection closed, sampler exiting")
				s.release(done)
				return
			}
			prev = level
		}
	}
}

// release puts a self-exiting sampler back into the stopped state. A Stop that
// already claimed this run does the cleanup itself.
func (s *Sampler) release(done chan struct{}) {
	s.mu.Lock()
	owned := s.done == done
	if owned {
		s.cancel()
		s.cancel, s.done = nil, nil
		s.latest = nil
	}
	s.mu.Unlock()

	if !owned {
		return
	}
	s.metrics.DecMonitored()
	if s.onExit != nil {
		s.onExit(s)
	}
}

// sample performs one tick. Stats failures skip the tick and keep the
// previous level.
func (s *Sampler) sample(ctx context.Context, ext *Extractor, prev domain.QualityLevel) (domain.QualityLevel, error) {
	report, err := s.pull(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return prev, nil
		}
		s.metrics.RecordStatsFailure()
		s.log.Debug("Stats collection failed", zap.Error(err))
		return prev, err
	}

	stats := ext.Extract(report, s.now())

	s.mu.Lock()
	s.latest = &stats
	s.mu.Unlock()

	s.metrics.RecordQualitySample(string(stats.Level), stats.RTT, stats.PacketLoss)
	s.notify(ctx, &domain.QualitySnapshot{
		ConnectionKey:  s.target.ConnectionKey,
		ConversationID: s.target.ConversationID,
		Stats:          stats,
	})

	if prev != "" && prev != stats.Level {
		change := domain.QualityLevelChange{
			ConnectionKey: s.target.ConnectionKey,
			From:          prev,
			To:            stats.Level,
			At:            stats.Timestamp,
		}
		s.metrics.RecordQualityChange(string(prev), string(stats.Level))
		if change.Degraded() {
			s.log.Info("Connection quality degraded",
				zap.String("from", string(prev)),
				zap.String("to", string(stats.Level)))
		}
		s.notify(ctx, &domain.QualityLevelChanged{
			QualityLevelChange: change,
			ConversationID:     s.target.ConversationID,
		})
	}
	return stats.Level, nil
}

type pullResult struct {
	report webrtc.StatsReport
	err    error
}

// pull bounds a stats read by the per-tick timeout. A source that ignores its
// context is abandoned; its goroutine finishes into a buffered channel.
func (s *Sampler) pull(ctx context.Context) (webrtc.StatsReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ch := make(chan pullResult, 1)
	go func() {
		report, err := s.source.GetStats(ctx)
		ch <- pullResult{report: report, err: err}
	}()

	select {
	case res := <-ch:
		return res.report, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Sampler) notify(ctx context.Context, ev domain.Event) {
	if s.notifier == nil || ctx.Err() != nil {
		return
	}
	s.notifier.Notify(ctx, ev)
}

type noopMetrics struct{}

func (noopMetrics) IncMonitored()                            {}
func (noopMetrics) DecMonitored()                            {}
func (noopMetrics) RecordQualitySample(string, int, float64) {}
func (noopMetrics) RecordQualityChange(string, string)       {}
func (noopMetrics) RecordStatsFailure()                      {}
