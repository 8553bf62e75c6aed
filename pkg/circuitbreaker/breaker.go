// Package circuitbreaker wraps sony/gobreaker for the engine's external
// collaborators (staff directory, task service). A tripped breaker turns a
// failing collaborator into fast assignment/task-creation failures instead
// of a stalled dispatch loop.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrOpen reports that the circuit rejected the call without attempting it.
var ErrOpen = errors.New("circuit open")

// Config holds circuit breaker configuration.
type Config struct {
	Name string
	// MaxRequests is max probe requests allowed while half-open.
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts while closed.
	Interval time.Duration
	// Timeout is how long to stay open before probing again.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

// DefaultConfig returns defaults tuned for the clinical collaborators: trip
// fast, probe after 15s so a recovered task service resumes promptly.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         2,
		Interval:            60 * time.Second,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// StateFunc receives breaker state transitions, encoded as 0=closed,
// 1=open, 2=half-open, for the metrics gauge.
type StateFunc func(name string, state int)

// Breaker guards one external collaborator.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
}

// New creates a breaker. onState may be nil.
func New(cfg Config, onState StateFunc, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{name: cfg.Name, logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if onState != nil {
				onState(name, stateCode(to))
			}
		},
	})
	return b
}

// Do runs fn through the breaker. Context cancellation inside fn counts as
// a failure like any other error.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

func stateCode(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Manager hands out one breaker per collaborator name.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	onState  StateFunc
	logger   *zap.Logger
}

// NewManager creates a breaker manager.
func NewManager(onState StateFunc, logger *zap.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		onState:  onState,
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it with defaults on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := New(DefaultConfig(name), m.onState, m.logger)
	m.breakers[name] = b
	return b
}
