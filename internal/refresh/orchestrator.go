// Package refresh runs the staged market-data refresh pipeline: fetch,
// deduplicate, transform, bulk persist, finalize. Each run streams progress
// to its session's subscribers and is cancellable at stage and batch
// boundaries.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/perpsync/internal/bulk"
	"github.com/sawpanic/perpsync/internal/errs"
	"github.com/sawpanic/perpsync/internal/exchange"
	"github.com/sawpanic/perpsync/internal/metrics"
	"github.com/sawpanic/perpsync/internal/ratelimit"
	"github.com/sawpanic/perpsync/internal/store"
	"github.com/sawpanic/perpsync/internal/stream"
)

// ExchangeAPI is the slice of the exchange client the pipeline consumes.
type ExchangeAPI interface {
	GetSymbolsAndTickers(ctx context.Context) (*exchange.SymbolsAndTickers, error)
	GetSymbols(ctx context.Context) ([]exchange.Contract, error)
	GetAllTickers(ctx context.Context) ([]exchange.Ticker, error)
}

// Config tunes orchestration behavior.
type Config struct {
	// DeltaWindow is how fresh the newest row must be for a delta request to
	// take the reduced market-data-only path.
	DeltaWindow time.Duration `yaml:"delta_window"`
}

// DefaultConfig returns the documented orchestration defaults.
func DefaultConfig() Config {
	return Config{DeltaWindow: time.Hour}
}

// ErrSessionActive is returned when a session id already has a running
// refresh.
var ErrSessionActive = errors.New("refresh session already active")

// Summary is the terminal accounting of one refresh.
type Summary struct {
	SessionID         string           `json:"sessionId"`
	DeltaMode         string           `json:"deltaMode,omitempty"`
	ContractsFetched  int              `json:"contractsFetched"`
	Duplicates        int              `json:"duplicates"`
	Created           int              `json:"created"`
	Updated           int              `json:"updated"`
	Errors            int              `json:"errors"`
	Skipped           int              `json:"skipped"`
	WithoutMarketData int              `json:"withoutMarketData"`
	Synthesized       int              `json:"synthesized"`
	Warning           string           `json:"warning,omitempty"`
	DurationMs        int64            `json:"durationMs"`
	RowsPerSecond     float64          `json:"rowsPerSecond"`
	Distribution      map[string]int64 `json:"statusDistribution,omitempty"`
}

// Orchestrator owns refresh sessions: one cancellable task per session id.
type Orchestrator struct {
	client ExchangeAPI
	store  store.AssetStore
	engine *bulk.Engine
	hub    *stream.Hub
	cache  ratelimit.ResponseCache
	cfg    Config

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

// NewOrchestrator wires the pipeline's collaborators together.
func NewOrchestrator(client ExchangeAPI, st store.AssetStore, engine *bulk.Engine, hub *stream.Hub, cache ratelimit.ResponseCache, cfg Config) *Orchestrator {
	if cfg.DeltaWindow <= 0 {
		cfg.DeltaWindow = time.Hour
	}
	return &Orchestrator{
		client:   client,
		store:    st,
		engine:   engine,
		hub:      hub,
		cache:    cache,
		cfg:      cfg,
		sessions: make(map[string]context.CancelFunc),
	}
}

// NewSessionID mints the session identifier a refresh runs under.
func NewSessionID() string {
	return fmt.Sprintf("refresh_%d", time.Now().UnixMilli())
}

// Start launches a refresh in the background and returns immediately.
// Progress flows through the hub; the caller subscribes with the same id.
func (o *Orchestrator) Start(sessionID string, delta bool) error {
	ctx, err := o.register(sessionID)
	if err != nil {
		return err
	}
	go func() {
		// Failures are reported on the progress stream.
		_, _ = o.execute(ctx, sessionID, delta)
	}()
	return nil
}

// Run executes a refresh in the calling goroutine and returns its summary.
// Failures are also published to the session's progress stream.
func (o *Orchestrator) Run(sessionID string, delta bool) (*Summary, error) {
	ctx, err := o.register(sessionID)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, sessionID, delta)
}

func (o *Orchestrator) register(sessionID string) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.sessions[sessionID]; running {
		return nil, ErrSessionActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.sessions[sessionID] = cancel
	return ctx, nil
}

// Cancel aborts a running session. Returns false when no such session.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	cancel, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active lists session ids with a refresh in flight.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		out = append(out, id)
	}
	return out
}

func (o *Orchestrator) finish(sessionID string) {
	o.mu.Lock()
	if cancel, ok := o.sessions[sessionID]; ok {
		delete(o.sessions, sessionID)
		cancel()
	}
	o.mu.Unlock()
	o.hub.Unsubscribe(sessionID)
}

func (o *Orchestrator) execute(ctx context.Context, sessionID string, delta bool) (*Summary, error) {
	defer o.finish(sessionID)

	mode := "full"
	if delta {
		mode = "delta"
	}
	start := time.Now()
	outcome := "completed"
	defer func() {
		metrics.RefreshDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
		metrics.RefreshTotal.WithLabelValues(mode, outcome).Inc()
	}()

	log.Info().Str("session", sessionID).Bool("delta", delta).Msg("Refresh started")

	if delta {
		summary, ran, err := o.runDelta(ctx, sessionID, start)
		if ran {
			if err != nil {
				outcome = o.failed(ctx, sessionID, err)
				return nil, err
			}
			return summary, nil
		}
		// Store too stale for the reduced path, fall through to a full
		// refresh under the same session id.
		log.Info().Str("session", sessionID).Msg("Store stale, escalating delta to full refresh")
	}

	summary, err := o.runFull(ctx, sessionID, start)
	if err != nil {
		outcome = o.failed(ctx, sessionID, err)
		return nil, err
	}
	return summary, nil
}

// failed emits the terminal event for an aborted refresh and names the
// metrics outcome.
func (o *Orchestrator) failed(ctx context.Context, sessionID string, err error) string {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		o.hub.Publish(sessionID, stream.Cancelled(sessionID))
		log.Warn().Str("session", sessionID).Msg("Refresh cancelled")
		return "cancelled"
	}

	if errs.IsRateLimit(err) {
		minutes := int(math.Ceil(RecoveryAfter(err).Minutes()))
		if minutes < 1 {
			minutes = 1
		}
		ev := stream.ErrorEvent(sessionID, fmt.Sprintf(
			"Exchange rate limit active. Please wait %d minutes before retrying.", minutes))
		ev["recoverySeconds"] = int(math.Ceil(RecoveryAfter(err).Seconds()))
		o.hub.Publish(sessionID, ev)
		log.Error().Err(err).Str("session", sessionID).Msg("Refresh aborted by rate limit")
		return "rate_limited"
	}

	o.hub.Publish(sessionID, stream.ErrorEvent(sessionID, err.Error()))
	log.Error().Err(err).Str("session", sessionID).Msg("Refresh failed")
	return "failed"
}

// RecoveryAfter extracts the suggested wait from a rate-limit error,
// defaulting to one minute.
func RecoveryAfter(err error) time.Duration {
	var api *errs.APIError
	if errors.As(err, &api) && api.RetryAfter > 0 {
		return api.RetryAfter
	}
	return time.Minute
}

func (o *Orchestrator) progress(sessionID, message string, pct, processed, total int, current string) {
	o.hub.Publish(sessionID, stream.Progress(sessionID, message, pct, processed, total, current))
}

// runFull executes the six-stage pipeline.
func (o *Orchestrator) runFull(ctx context.Context, sessionID string, start time.Time) (*Summary, error) {
	// Stage 1: initialize. Upstream reads must not be served from a
	// pre-refresh cache.
	o.progress(sessionID, "Starting refresh", 0, 0, 0, "")
	invalidated := o.cache.Invalidate(ctx, "symbols") + o.cache.Invalidate(ctx, "tickers")
	log.Debug().Str("session", sessionID).Int("keys", invalidated).Msg("Response cache invalidated")
	o.progress(sessionID, "Initialized", 5, 0, 0, "")
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 2: fetch.
	contracts, tickers, warning, err := o.fetch(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		return nil, errors.New("upstream returned zero contracts, refusing to touch the store")
	}
	o.progress(sessionID, fmt.Sprintf("Fetched %d contracts, %d tickers", len(contracts), len(tickers)),
		45, len(contracts), len(contracts), "")
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 3: deduplicate, first occurrence wins.
	fetched := len(contracts)
	deduped, duplicates := dedupe(contracts)
	o.progress(sessionID, fmt.Sprintf("Deduplicated: %d unique, %d duplicates", len(deduped), duplicates),
		55, len(deduped), fetched, "")
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 4: transform and enrich.
	total := len(deduped)
	tres, err := transformAll(ctx, deduped, tickers, func(processed int) {
		pct := 55 + processed*20/total
		o.progress(sessionID, "Transforming contracts", pct, processed, total, "")
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 5: bulk persist with nested per-batch progress.
	bres, err := o.engine.Upsert(ctx, tres.assets, func(processed, t int) {
		pct := 75
		if t > 0 {
			pct = 75 + processed*23/t
		}
		o.progress(sessionID, "Persisting assets", pct, processed, t, "")
	})
	if err != nil {
		return nil, err
	}

	// Stage 6: finalize.
	summary := &Summary{
		SessionID:         sessionID,
		ContractsFetched:  fetched,
		Duplicates:        duplicates,
		Created:           bres.Created,
		Updated:           bres.Updated,
		Errors:            bres.Errors,
		Skipped:           bres.Invalid,
		WithoutMarketData: tres.withoutMarketData,
		Synthesized:       tres.synthesized,
		Warning:           warning,
		DurationMs:        time.Since(start).Milliseconds(),
	}
	if elapsed := time.Since(start).Seconds(); elapsed > 0 {
		summary.RowsPerSecond = float64(bres.Processed()) / elapsed
	}
	if dist, derr := o.store.StatusDistribution(ctx); derr == nil {
		summary.Distribution = dist
	}

	o.hub.Publish(sessionID, stream.Completed(sessionID, summary.fields()))
	log.Info().
		Str("session", sessionID).
		Int("created", summary.Created).
		Int("updated", summary.Updated).
		Int("errors", summary.Errors).
		Int("duplicates", summary.Duplicates).
		Int64("duration_ms", summary.DurationMs).
		Msg("Refresh completed")
	return summary, nil
}

// fetch runs the combined symbols+tickers call, degrading to serial fetches
// and then to an empty ticker set. A rate limit anywhere aborts.
func (o *Orchestrator) fetch(ctx context.Context, sessionID string) ([]exchange.Contract, []exchange.Ticker, string, error) {
	o.progress(sessionID, "Fetching contracts and tickers", 5, 0, 0, "")

	combined, err := o.client.GetSymbolsAndTickers(ctx)
	if err == nil {
		return combined.Contracts, combined.Tickers, "", nil
	}
	if errs.IsRateLimit(err) || ctx.Err() != nil {
		return nil, nil, "", err
	}
	log.Warn().Err(err).Str("session", sessionID).Msg("Combined fetch failed, falling back to serial fetches")

	contracts, err := o.client.GetSymbols(ctx)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to fetch contracts: %w", err)
	}
	o.progress(sessionID, "Fetched contracts, fetching tickers", 25, len(contracts), len(contracts), "")

	tickers, err := o.client.GetAllTickers(ctx)
	if err != nil {
		if errs.IsRateLimit(err) || ctx.Err() != nil {
			return nil, nil, "", err
		}
		log.Warn().Err(err).Str("session", sessionID).Msg("Ticker fetch failed, proceeding without market data")
		return contracts, nil, "ticker fetch failed, market data unavailable", nil
	}
	return contracts, tickers, "", nil
}

// runDelta executes the reduced market-data-only path. ran is false when the
// store is too stale and the caller must fall through to a full refresh.
func (o *Orchestrator) runDelta(ctx context.Context, sessionID string, start time.Time) (summary *Summary, ran bool, err error) {
	maxUpdated, err := o.store.MaxUpdatedAt(ctx)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read store freshness: %w", err)
	}
	if maxUpdated.IsZero() || time.Since(maxUpdated) > o.cfg.DeltaWindow {
		return nil, false, nil
	}

	o.progress(sessionID, "Starting delta refresh", 0, 0, 0, "")
	o.cache.Invalidate(ctx, "tickers")
	o.progress(sessionID, "Fetching tickers", 20, 0, 0, "")

	tickers, err := o.client.GetAllTickers(ctx)
	if err != nil {
		return nil, true, err
	}
	if err := ctx.Err(); err != nil {
		return nil, true, err
	}
	o.progress(sessionID, fmt.Sprintf("Fetched %d tickers", len(tickers)), 60, len(tickers), len(tickers), "")

	updated, err := o.store.UpdateMarketData(ctx, tickersToMarketData(tickers))
	if err != nil {
		return nil, true, fmt.Errorf("failed to update market data: %w", err)
	}

	summary = &Summary{
		SessionID:        sessionID,
		DeltaMode:        "MARKET_DATA_ONLY",
		ContractsFetched: len(tickers),
		Updated:          int(updated),
		DurationMs:       time.Since(start).Milliseconds(),
	}
	if elapsed := time.Since(start).Seconds(); elapsed > 0 {
		summary.RowsPerSecond = float64(updated) / elapsed
	}

	o.hub.Publish(sessionID, stream.Completed(sessionID, summary.fields()))
	log.Info().
		Str("session", sessionID).
		Int64("updated", updated).
		Int("tickers", len(tickers)).
		Msg("Delta refresh completed")
	return summary, true, nil
}

// fields renders the summary as completed-event payload fields.
func (s *Summary) fields() map[string]interface{} {
	out := map[string]interface{}{
		"contractsFetched":  s.ContractsFetched,
		"duplicates":        s.Duplicates,
		"created":           s.Created,
		"updated":           s.Updated,
		"errors":            s.Errors,
		"skipped":           s.Skipped,
		"withoutMarketData": s.WithoutMarketData,
		"durationMs":        s.DurationMs,
		"rowsPerSecond":     s.RowsPerSecond,
	}
	if s.DeltaMode != "" {
		out["deltaMode"] = s.DeltaMode
	}
	if s.Warning != "" {
		out["warning"] = s.Warning
	}
	if s.Synthesized > 0 {
		out["synthesized"] = s.Synthesized
	}
	if s.Distribution != nil {
		out["statusDistribution"] = s.Distribution
	}
	return out
}
