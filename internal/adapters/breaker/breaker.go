package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/loom/internal/domain"
)

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests while circuit breaker is half-open")
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Counts is a point-in-time view of one breaker.
type Counts struct {
	State              State
	Requests           int64
	Rejected           int64
	Failures           int64
	ConsecutiveFailure int
	ConsecutiveSuccess int
	LastStateChange    time.Time
}

// Breaker trips after a run of consecutive failures, rejects calls for a
// cooldown, then lets a bounded number of trial calls through.
type Breaker struct {
	name   string
	cfg    domain.BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu                 sync.Mutex
	state              State
	consecutiveFailure int
	consecutiveSuccess int
	halfOpenInFlight   int
	nextAttempt          time.Time
	lastStateChange    time.Time
	requests           int64
	rejected           int64
	failures           int64
}

func New(name string, cfg domain.BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}

	defaults := domain.DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = defaults.SuccessThreshold
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = defaults.MaxRequests
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaults.Cooldown
	}

	return &Breaker{
		name:            name,
		cfg:             cfg,
		logger:          logger.With("component", "circuit-breaker", "name", name),
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Call runs fn unless the breaker rejects it. A cancelled caller context is
// not counted against the endpoint.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	switch {
	case err == nil:
		b.onSuccess()
	case ctx.Err() != nil:
		b.release()
	default:
		b.onFailure()
	}
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests++
	if b.state == StateOpen && !b.now().Before(b.nextAttempt) {
		b.setState(StateHalfOpen)
	}

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.halfOpenInFlight < b.cfg.MaxRequests {
			b.halfOpenInFlight++
			return nil
		}
		b.rejected++
		return ErrTooManyRequests
	default:
		b.rejected++
		b.logger.Debug("request rejected", "state", b.state.String())
		return ErrOpen
	}
}

func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailure = 0
	b.consecutiveSuccess++

	if b.state == StateHalfOpen {
		b.halfOpenInFlight--
		if b.consecutiveSuccess >= b.cfg.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.consecutiveSuccess = 0
	b.consecutiveFailure++

	switch b.state {
	case StateClosed:
		if b.consecutiveFailure >= b.cfg.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

func (b *Breaker) setState(next State) {
	prev := b.state
	if prev == next {
		return
	}

	b.logger.Info("circuit breaker state change",
		"from", prev.String(),
		"to", next.String(),
		"consecutive_failures", b.consecutiveFailure)

	b.state = next
	b.lastStateChange = b.now()
	b.halfOpenInFlight = 0

	switch next {
	case StateOpen:
		b.nextAttempt = b.now().Add(b.cfg.Cooldown)
	case StateHalfOpen:
		b.consecutiveSuccess = 0
	case StateClosed:
		b.consecutiveFailure = 0
		b.nextAttempt = time.Time{}
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Counts{
		State:              b.state,
		Requests:           b.requests,
		Rejected:           b.rejected,
		Failures:           b.failures,
		ConsecutiveFailure: b.consecutiveFailure,
		ConsecutiveSuccess: b.consecutiveSuccess,
		LastStateChange:    b.lastStateChange,
	}
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(StateClosed)
	b.consecutiveFailure = 0
	b.consecutiveSuccess = 0
	b.requests, b.rejected, b.failures = 0, 0, 0
}
