// Package breaker keeps one circuit breaker per mirror so a dead mirror fails fast.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/JakeFAU/mirrorshield/internal/metrics"
)

// ErrOpen is returned while a mirror's breaker rejects requests.
var ErrOpen = gobreaker.ErrOpenState

// ErrTooManyRequests is returned when a half-open breaker is already probing.
var ErrTooManyRequests = gobreaker.ErrTooManyRequests

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures that opens a breaker. Zero disables breaking.
	MaxFailures uint32
	// Timeout is how long a breaker stays open before letting a probe through.
	Timeout time.Duration
	// MaxRequests bounds concurrent probes while half-open.
	MaxRequests uint32
	// IsSuccessful classifies errors that should not count against the mirror.
	IsSuccessful func(err error) bool
}

// Set lazily creates a breaker per mirror.
type Set struct {
	cfg      Config
	logger   *zap.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a Set.
func New(cfg Config, logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	return &Set{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs fn through the breaker for mirror.
func (s *Set) Execute(mirror string, fn func() error) error {
	if s == nil || s.cfg.MaxFailures == 0 {
		return fn()
	}
	cb := s.get(mirror)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		return fmt.Errorf("breaker (%s): %w", cb.Name(), err)
	}
	return nil
}

// State reports the current state of mirror's breaker.
func (s *Set) State(mirror string) gobreaker.State {
	if s == nil || s.cfg.MaxFailures == 0 {
		return gobreaker.StateClosed
	}
	return s.get(mirror).State()
}

func (s *Set) get(mirror string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[mirror]; ok {
		return cb
	}
	maxFailures := s.cfg.MaxFailures
	settings := gobreaker.Settings{
		Name:        mirror,
		MaxRequests: s.cfg.MaxRequests,
		Timeout:     s.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: s.cfg.IsSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("mirror breaker state changed",
				zap.String("mirror", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.ObserveBreakerTransition(name, to.String())
		},
	}
	cb := gobreaker.NewCircuitBreaker(settings)
	s.breakers[mirror] = cb
	return cb
}
