// Package breaker guards calls to external dependencies with a three-state circuit breaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultResetTimeout     = 30 * time.Second
)

// ErrOpen is returned (wrapped in *OpenError) when a call is rejected without being attempted.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker position.
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
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// OpenError describes a rejected call.
type OpenError struct {
	Name  string
	State State
	// RetryIn is the remaining time until a trial call is admitted. Zero while a trial is in flight.
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("%s: %s (state %s, retry in %s)", e.Name, ErrOpen, e.State, e.RetryIn.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s: %s (state %s)", e.Name, ErrOpen, e.State)
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// Config holds the thresholds of a single breaker.
type Config struct {
	FailureThreshold int           `mapstructure:"failure-threshold"`
	SuccessThreshold int           `mapstructure:"success-threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset-timeout"`
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = defaultSuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = defaultResetTimeout
	}
	return c
}

// Listener is notified after every state transition.
type Listener func(name string, from, to State)

type Option func(*Breaker)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithListener registers a transition listener.
func WithListener(l Listener) Option {
	return func(b *Breaker) {
		if l != nil {
			b.listeners = append(b.listeners, l)
		}
	}
}

// Breaker is safe for concurrent use and is meant to live for the whole process.
type Breaker struct {
	name      string
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
	listeners []Listener

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	trial       bool
}

// Snapshot is a point-in-time copy of the breaker counters.
type Snapshot struct {
	Name        string
	State       State
	Failures    int
	Successes   int
	LastFailure time.Time
}

func New(name string, cfg Config, logger *zap.Logger, opts ...Option) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{
		name:   name,
		cfg:    cfg.WithDefaults(),
		logger: logger.With(zap.String("breaker", name)),
		now:    time.Now,
		state:  StateClosed,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

func (b *Breaker) Name() string { return b.name }

// State reports the current position. An OPEN breaker whose reset timeout elapsed
// still reports OPEN until the next call moves it to HALF_OPEN.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:        b.name,
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
	}
}

// Execute runs fn if the breaker admits the call and records the outcome.
// Rejected calls return an *OpenError without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := b.acquire()
	if err != nil {
		return err
	}

	defer func() {
		// A panicking call still gives back its half-open slot and counts as a failure.
		if r := recover(); r != nil {
			b.release(ctx, trial, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	err = fn(ctx)
	b.release(ctx, trial, err)
	return err
}

// Call is Execute for operations that return a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

func (b *Breaker) acquire() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.lastFailure)
		if elapsed < b.cfg.ResetTimeout {
			return false, &OpenError{Name: b.name, State: b.state, RetryIn: b.cfg.ResetTimeout - elapsed}
		}
		b.successes = 0
		b.transition(StateHalfOpen)
		b.trial = true
		return true, nil
	case StateHalfOpen:
		if b.trial {
			return false, &OpenError{Name: b.name, State: b.state}
		}
		b.trial = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) release(ctx context.Context, trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trial = false
	}

	// The caller gave up; this says nothing about the dependency.
	if err != nil && ctx.Err() != nil {
		b.logger.Debug("breaker ignoring cancelled call", zap.Error(err))
		return
	}

	if err == nil {
		b.onSuccess(trial)
		return
	}

	b.onFailure(trial, err)
}

func (b *Breaker) onSuccess(trial bool) {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if !trial {
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) onFailure(trial bool, err error) {
	switch b.state {
	case StateClosed:
		b.failures++
		b.lastFailure = b.now()
		if b.failures >= b.cfg.FailureThreshold {
			b.logger.Warn("breaker tripped", zap.Int("failures", b.failures), zap.Error(err))
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		if !trial {
			return
		}
		b.failures++
		b.successes = 0
		b.lastFailure = b.now()
		b.logger.Warn("breaker trial failed", zap.Error(err))
		b.transition(StateOpen)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	b.logger.Info("breaker state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)

	for _, l := range b.listeners {
		l(b.name, from, to)
	}
}
