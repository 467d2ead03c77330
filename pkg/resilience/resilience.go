package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without calling the operation while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// Recorder receives breaker metrics
type Recorder interface {
	SetCircuitBreakerState(name string, state int)
	RecordCircuitBreakerFailure(name, errorType string)
}

// Config controls retries and tripping
type Config struct {
	FailureThreshold int           // consecutive failures that open the circuit
	Cooldown         time.Duration // time open before a half-open probe
	MaxAttempts      int           // attempts per Execute, including the first
	AttemptTimeout   time.Duration
	BackoffStep      time.Duration // linear backoff between attempts
}

// DefaultConfig suits a best-effort secondary store
var DefaultConfig = Config{
	FailureThreshold: 3,
	Cooldown:         10 * time.Second,
	MaxAttempts:      2,
	AttemptTimeout:   2 * time.Second,
	BackoffStep:      100 * time.Millisecond,
}

// Breaker wraps calls to one dependency with retry, per-attempt timeout and
// a circuit breaker. A nil *Breaker runs operations directly.
type Breaker struct {
	name     string
	cfg      Config
	recorder Recorder
	log      *zap.Logger
	now      func() time.Time

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool
}

// NewBreaker creates a closed breaker. recorder and log may be nil.
func NewBreaker(name string, cfg Config, recorder Recorder, log *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig.Cooldown
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Breaker{
		name:     name,
		cfg:      cfg,
		recorder: recorder,
		log:      log.With(zap.String("dependency", name)),
		now:      time.Now,
		state:    CircuitBreakerClosed,
	}
}

// Execute runs fn, retrying failures while the circuit stays closed
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if b == nil {
		return fn(ctx)
	}

	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if !b.allow() {
			if lastErr != nil {
				return fmt.Errorf("%s %s: %w", b.name, operation, lastErr)
			}
			return fmt.Errorf("%s %s: %w", b.name, operation, ErrCircuitOpen)
		}

		err := b.run(ctx, fn)
		if err == nil {
			b.onSuccess()
			return nil
		}
		lastErr = err
		b.onFailure(operation, err)

		if attempt == b.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		b.log.Warn("Operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * b.cfg.BackoffStep):
		}
	}

	return fmt.Errorf("%s %s failed: %w", b.name, operation, lastErr)
}

// State returns the current circuit breaker state
func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.cfg.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, b.cfg.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx)
}

// allow admits calls while closed and a single probe once the cooldown passed
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitBreakerClosed:
		return true
	case CircuitBreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.setState(CircuitBreakerHalfOpen)
		b.probing = true
		return true
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.probing = false
	if b.state != CircuitBreakerClosed {
		b.log.Info("Circuit breaker closed")
		b.setState(CircuitBreakerClosed)
	}
}

func (b *Breaker) onFailure(operation string, err error) {
	if b.recorder != nil {
		b.recorder.RecordCircuitBreakerFailure(b.name, classifyError(err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.probing = false
	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= b.cfg.FailureThreshold {
		if b.state != CircuitBreakerOpen {
			b.log.Error("Circuit breaker opened",
				zap.String("operation", operation),
				zap.Int("consecutive_failures", b.consecutiveFailures),
				zap.Error(err))
		}
		b.openedAt = b.now()
		b.setState(CircuitBreakerOpen)
	}
}

// setState requires b.mu
func (b *Breaker) setState(state CircuitBreakerState) {
	b.state = state
	if b.recorder == nil {
		return
	}
	switch state {
	case CircuitBreakerClosed:
		b.recorder.SetCircuitBreakerState(b.name, 0)
	case CircuitBreakerHalfOpen:
		b.recorder.SetCircuitBreakerState(b.name, 1)
	case CircuitBreakerOpen:
		b.recorder.SetCircuitBreakerState(b.name, 2)
	}
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "unavailable") || strings.Contains(errMsg, "no hosts available"):
		return "unavailable"
	default:
		return "unknown"
	}
}
