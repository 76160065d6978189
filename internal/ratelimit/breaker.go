package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/perpsync/internal/metrics"
)

// BreakerConfig tunes the circuit breaker around exchange calls.
type BreakerConfig struct {
	MaxFailures       uint32        `yaml:"max_failures"`
	OpenTimeout       time.Duration `yaml:"open_timeout"`
	HalfOpenSuccesses uint32        `yaml:"half_open_successes"`
}

// DefaultBreakerConfig matches the documented defaults: trip after 5
// consecutive failures, probe after 60s, close after 3 successes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:       5,
		OpenTimeout:       60 * time.Second,
		HalfOpenSuccesses: 3,
	}
}

// Breaker wraps gobreaker with reset support. gobreaker has no public reset,
// so Reset swaps in a fresh breaker built from the same settings.
type Breaker struct {
	cfg BreakerConfig
	mu  sync.RWMutex
	cb  *gobreaker.CircuitBreaker
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg = DefaultBreakerConfig()
	}
	b := &Breaker{cfg: cfg}
	b.cb = gobreaker.NewCircuitBreaker(b.settings())
	return b
}

func (b *Breaker) settings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "exchange",
		MaxRequests: b.cfg.HalfOpenSuccesses,
		Timeout:     b.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.Set(stateGauge(to))
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	}
}

// Execute runs fn under the breaker. While open, calls fail fast with
// gobreaker.ErrOpenState.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	b.mu.RLock()
	cb := b.cb
	b.mu.RUnlock()
	return cb.Execute(fn)
}

// State returns the current state as a lowercase string.
func (b *Breaker) State() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb.State().String()
}

// Reset returns the breaker to CLOSED with cleared counts. Called by the
// governor's recovery task.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.cb = gobreaker.NewCircuitBreaker(b.settings())
	b.mu.Unlock()
	metrics.BreakerState.Set(0)
}

// IsOpen reports whether calls would currently fail fast.
func (b *Breaker) IsOpen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb.State() == gobreaker.StateOpen
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
