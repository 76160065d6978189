// Package ratelimit enforces the exchange's per-IP quotas: two fixed-window
// token buckets (market data vs account/trading), a circuit breaker around
// every call, and a response cache that short-circuits admission entirely.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sawpanic/perpsync/internal/errs"
	"github.com/sawpanic/perpsync/internal/metrics"
)

// Category selects which quota bucket a call is charged against.
type Category int

const (
	CategoryMarket Category = iota
	CategoryAccount
)

func (c Category) String() string {
	if c == CategoryAccount {
		return "account"
	}
	return "market"
}

// Priority orders queued waiters; lower values preempt higher ones.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

const priorityLevels = 4

// BucketConfig describes one fixed-window token bucket. Available tokens are
// hard-reset to Capacity at every RefillInterval boundary, matching the
// upstream's fixed-window accounting.
type BucketConfig struct {
	Capacity       int           `yaml:"capacity"`
	RefillInterval time.Duration `yaml:"refill_interval"`
	MinSpacing     time.Duration `yaml:"min_spacing"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
}

// Config holds both bucket configurations plus recovery behavior.
type Config struct {
	Market      BucketConfig  `yaml:"market"`
	Account     BucketConfig  `yaml:"account"`
	MinRecovery time.Duration `yaml:"min_recovery"`
	DevMode     bool          `yaml:"dev_mode"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

// DefaultConfig returns bucket settings calibrated to the published quotas.
func DefaultConfig() Config {
	return Config{
		Market: BucketConfig{
			Capacity:       95,
			RefillInterval: 10 * time.Second,
			MinSpacing:     105 * time.Millisecond,
			MaxConcurrent:  2,
		},
		Account: BucketConfig{
			Capacity:       950,
			RefillInterval: 10 * time.Second,
			MinSpacing:     12 * time.Millisecond,
			MaxConcurrent:  3,
		},
		MinRecovery: 10 * time.Second,
		Breaker:     DefaultBreakerConfig(),
	}
}

type waiter struct {
	pri       Priority
	ch        chan error
	cancelled bool
}

type bucket struct {
	cfg   BucketConfig
	pacer *rate.Limiter
	kick  chan struct{}

	mu             sync.Mutex
	available      int
	inflight       int
	refillDeadline time.Time
	queues         [priorityLevels][]*waiter
}

func newBucket(cfg BucketConfig) *bucket {
	return &bucket{
		cfg:            cfg,
		pacer:          rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
		kick:           make(chan struct{}, 1),
		available:      cfg.Capacity,
		refillDeadline: time.Now().Add(cfg.RefillInterval),
	}
}

func (b *bucket) queueLenLocked() int {
	n := 0
	for _, q := range b.queues {
		n += len(q)
	}
	return n
}

// tryAcquire grants immediately when a token is free, nobody is queued and
// the in-flight cap is not hit.
func (b *bucket) tryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.available > 0 && b.inflight < b.cfg.MaxConcurrent && b.queueLenLocked() == 0 {
		b.available--
		b.inflight++
		return true
	}
	return false
}

func (b *bucket) enqueue(w *waiter) {
	b.mu.Lock()
	b.queues[w.pri] = append(b.queues[w.pri], w)
	b.mu.Unlock()
	b.kickDispatch()
}

// pop dequeues the highest-priority waiter if a token and an in-flight slot
// are available, charging the token in the same step. Cancelled waiters are
// discarded in passing.
func (b *bucket) pop() *waiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.available <= 0 || b.inflight >= b.cfg.MaxConcurrent {
		return nil
	}
	for p := 0; p < priorityLevels; p++ {
		for len(b.queues[p]) > 0 {
			w := b.queues[p][0]
			b.queues[p] = b.queues[p][1:]
			if w.cancelled {
				continue
			}
			b.available--
			b.inflight++
			return w
		}
	}
	return nil
}

// cancel removes w from its queue. Returns false when w was already popped,
// in which case the grant arriving on w.ch must be released by the caller.
func (b *bucket) cancel(w *waiter) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	w.cancelled = true
	for i, queued := range b.queues[w.pri] {
		if queued == w {
			b.queues[w.pri] = append(b.queues[w.pri][:i], b.queues[w.pri][i+1:]...)
			return true
		}
	}
	return false
}

func (b *bucket) release() {
	b.mu.Lock()
	if b.inflight > 0 {
		b.inflight--
	}
	b.mu.Unlock()
	b.kickDispatch()
}

func (b *bucket) refill() {
	b.mu.Lock()
	b.available = b.cfg.Capacity
	b.refillDeadline = time.Now().Add(b.cfg.RefillInterval)
	b.mu.Unlock()
	b.kickDispatch()
}

func (b *bucket) failAll(err error) {
	b.mu.Lock()
	var drained []*waiter
	for p := range b.queues {
		drained = append(drained, b.queues[p]...)
		b.queues[p] = nil
	}
	b.mu.Unlock()
	for _, w := range drained {
		w.ch <- err
	}
}

func (b *bucket) kickDispatch() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Governor is the process-wide admission controller. Construct with
// NewGovernor, then Start before use and Stop on shutdown.
type Governor struct {
	cfg     Config
	buckets [2]*bucket
	breaker *Breaker

	mu            sync.Mutex
	rateLimited   bool
	recoveryAt    time.Time
	recoveryTimer *time.Timer

	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewGovernor builds a governor from cfg. Tests construct dedicated
// instances; there is no package-level singleton.
func NewGovernor(cfg Config) *Governor {
	if cfg.MinRecovery == 0 {
		cfg.MinRecovery = 10 * time.Second
	}
	return &Governor{
		cfg:     cfg,
		buckets: [2]*bucket{newBucket(cfg.Market), newBucket(cfg.Account)},
		breaker: NewBreaker(cfg.Breaker),
		stop:    make(chan struct{}),
	}
}

// Start launches the refill tickers and dispatchers.
func (g *Governor) Start() {
	for _, b := range g.buckets {
		g.wg.Add(2)
		go g.refillLoop(b)
		go g.dispatchLoop(b)
	}
}

// Stop halts refills, fails every queued waiter and cancels any pending
// recovery task.
func (g *Governor) Stop() {
	g.stopped.Do(func() {
		close(g.stop)
		g.mu.Lock()
		if g.recoveryTimer != nil {
			g.recoveryTimer.Stop()
		}
		g.mu.Unlock()
		for _, b := range g.buckets {
			b.failAll(errors.New("rate governor stopped"))
		}
		g.wg.Wait()
	})
}

func (g *Governor) refillLoop(b *bucket) {
	defer g.wg.Done()
	ticker := time.NewTicker(b.cfg.RefillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			b.refill()
		}
	}
}

func (g *Governor) dispatchLoop(b *bucket) {
	defer g.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-g.stop
		cancel()
	}()
	for {
		select {
		case <-g.stop:
			return
		case <-b.kick:
		}
		for {
			w := b.pop()
			if w == nil {
				break
			}
			// Spacing between consecutive dequeues.
			if err := b.pacer.Wait(ctx); err != nil {
				w.ch <- errors.New("rate governor stopped")
				return
			}
			w.ch <- nil
		}
	}
}

func (g *Governor) bucket(cat Category) *bucket {
	if cat == CategoryAccount {
		return g.buckets[1]
	}
	return g.buckets[0]
}

// Breaker returns the circuit breaker wrapping exchange calls.
func (g *Governor) Breaker() *Breaker { return g.breaker }

// Acquire admits one outbound call in the given category, blocking until a
// token is available. While the governor is suspended after an upstream rate
// limit, Acquire fails fast with a typed RATE_LIMIT error carrying the
// remaining recovery window.
func (g *Governor) Acquire(ctx context.Context, cat Category, pri Priority) error {
	if suspended, remaining := g.Suspended(); suspended {
		return &errs.APIError{
			Kind:       errs.KindRateLimit,
			Message:    fmt.Sprintf("rate limit active, recovery in %.0fs", remaining.Seconds()),
			RetryAfter: remaining,
		}
	}

	b := g.bucket(cat)
	if b.tryAcquire() {
		metrics.GovernorAdmitted.WithLabelValues(cat.String()).Inc()
		return nil
	}

	metrics.GovernorQueued.WithLabelValues(cat.String()).Inc()
	w := &waiter{pri: pri, ch: make(chan error, 1)}
	b.enqueue(w)

	select {
	case err := <-w.ch:
		if err == nil {
			metrics.GovernorAdmitted.WithLabelValues(cat.String()).Inc()
		}
		return err
	case <-ctx.Done():
		if !b.cancel(w) {
			// Grant raced with cancellation; give the token back once it lands.
			go func() {
				if err := <-w.ch; err == nil {
					b.release()
				}
			}()
		}
		return ctx.Err()
	case <-g.stop:
		return errors.New("rate governor stopped")
	}
}

// Release returns the in-flight slot taken by a successful Acquire.
func (g *Governor) Release(cat Category) {
	g.bucket(cat).release()
}

// OnRateLimit suspends both buckets and schedules the single recovery task.
// retryAfter comes from the upstream Retry-After header when present.
func (g *Governor) OnRateLimit(retryAfter time.Duration) time.Duration {
	delay := retryAfter
	if delay < g.cfg.MinRecovery {
		delay = g.cfg.MinRecovery
	}
	if g.cfg.DevMode {
		delay = time.Duration(float64(delay) * 1.2)
	}

	g.mu.Lock()
	g.rateLimited = true
	g.recoveryAt = time.Now().Add(delay)
	if g.recoveryTimer != nil {
		g.recoveryTimer.Stop()
	}
	g.recoveryTimer = time.AfterFunc(delay, g.recover)
	g.mu.Unlock()

	metrics.GovernorSuspensions.Inc()
	failErr := &errs.APIError{
		Kind:       errs.KindRateLimit,
		Message:    fmt.Sprintf("rate limit active, recovery in %.0fs", delay.Seconds()),
		RetryAfter: delay,
	}
	for _, b := range g.buckets {
		b.failAll(failErr)
	}

	log.Warn().
		Dur("recovery", delay).
		Msg("Rate limit hit, suspending both buckets")
	return delay
}

func (g *Governor) recover() {
	g.mu.Lock()
	g.rateLimited = false
	g.recoveryTimer = nil
	g.mu.Unlock()

	for _, b := range g.buckets {
		b.refill()
	}
	g.breaker.Reset()
	log.Info().Msg("Rate limit recovery complete, buckets reset")
}

// Suspended reports whether the global rate-limited flag is set, and the
// remaining recovery window.
func (g *Governor) Suspended() (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.rateLimited {
		return false, 0
	}
	remaining := time.Until(g.recoveryAt)
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}

// Snapshot reports per-bucket state for the health surface.
func (g *Governor) Snapshot() map[string]interface{} {
	suspended, remaining := g.Suspended()
	out := map[string]interface{}{
		"suspended":        suspended,
		"recovery_seconds": remaining.Seconds(),
		"breaker_state":    g.breaker.State(),
	}
	for i, b := range g.buckets {
		b.mu.Lock()
		nextRefill := time.Until(b.refillDeadline).Seconds()
		if nextRefill < 0 {
			nextRefill = 0
		}
		out[Category(i).String()] = map[string]interface{}{
			"available":           b.available,
			"capacity":            b.cfg.Capacity,
			"inflight":            b.inflight,
			"queued":              b.queueLenLocked(),
			"next_refill_seconds": nextRefill,
		}
		b.mu.Unlock()
	}
	return out
}
