// Package bulk merges transformed asset records into the store in
// transactional batches with retry and per-row fallback.
package bulk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/perpsync/internal/domain"
	"github.com/sawpanic/perpsync/internal/metrics"
)

// Merger is the slice of the asset store the engine needs.
type Merger interface {
	UpsertBatch(ctx context.Context, records []domain.Asset) ([]bool, error)
	UpsertOne(ctx context.Context, record domain.Asset) (bool, error)
}

// ProgressFunc is invoked after each committed batch.
type ProgressFunc func(processed, total int)

// Config tunes batching and retry behavior.
type Config struct {
	BatchSize    int           `yaml:"batch_size"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DefaultConfig returns the documented batching defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    500,
		MaxRetries:   3,
		RetryBackoff: time.Second,
	}
}

// Result tallies one bulk merge.
type Result struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Errors  int `json:"errors"`
	Invalid int `json:"invalid"`
}

// Processed is the number of rows that reached the store successfully.
func (r Result) Processed() int {
	return r.Created + r.Updated
}

// Engine chunks records into fixed-size batches, commits each batch in one
// transaction, and degrades to per-row upserts when a batch keeps failing.
type Engine struct {
	store Merger
	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine builds an engine over the given store.
func NewEngine(store Merger, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Engine{store: store, cfg: cfg, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Upsert validates, chunks and merges records. Rejected rows are counted as
// Invalid; rows that fail even the per-row fallback are counted as Errors.
// Neither aborts the merge. The returned error is non-nil only on
// cancellation.
func (e *Engine) Upsert(ctx context.Context, records []domain.Asset, onProgress ProgressFunc) (Result, error) {
	var res Result

	valid := make([]domain.Asset, 0, len(records))
	for _, rec := range records {
		rec.Symbol = strings.ToUpper(strings.TrimSpace(rec.Symbol))
		if rec.Symbol == "" {
			res.Invalid++
			continue
		}
		rec.Sanitize()
		valid = append(valid, rec)
	}

	total := len(valid)
	processed := 0
	start := time.Now()

	for offset := 0; offset < total; offset += e.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := offset + e.cfg.BatchSize
		if end > total {
			end = total
		}
		batch := valid[offset:end]

		created, updated, errCount, err := e.mergeBatch(ctx, batch)
		if err != nil {
			return res, err
		}
		res.Created += created
		res.Updated += updated
		res.Errors += errCount

		processed = end
		if onProgress != nil {
			onProgress(processed, total)
		}
	}

	metrics.UpsertRows.WithLabelValues("created").Add(float64(res.Created))
	metrics.UpsertRows.WithLabelValues("updated").Add(float64(res.Updated))
	metrics.UpsertRows.WithLabelValues("error").Add(float64(res.Errors))
	metrics.UpsertRows.WithLabelValues("invalid").Add(float64(res.Invalid))
	elapsed := time.Since(start)
	log.Info().
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("errors", res.Errors).
		Int("invalid", res.Invalid).
		Dur("elapsed", elapsed).
		Msg("Bulk upsert finished")
	return res, nil
}

// mergeBatch retries the transactional merge, then falls back to per-row
// upserts when the batch cannot commit as a unit.
func (e *Engine) mergeBatch(ctx context.Context, batch []domain.Asset) (created, updated, errCount int, err error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		flags, mergeErr := e.store.UpsertBatch(ctx, batch)
		if mergeErr == nil {
			for _, inserted := range flags {
				if inserted {
					created++
				} else {
					updated++
				}
			}
			return created, updated, 0, nil
		}
		lastErr = mergeErr
		if ctx.Err() != nil {
			return 0, 0, 0, ctx.Err()
		}
		log.Warn().
			Err(mergeErr).
			Int("attempt", attempt).
			Int("batch_size", len(batch)).
			Msg("Batch upsert failed, retrying")
		if attempt < e.cfg.MaxRetries {
			if err := e.sleep(ctx, e.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
				return 0, 0, 0, err
			}
		}
	}

	log.Error().
		Err(lastErr).
		Int("batch_size", len(batch)).
		Msg("Batch upsert exhausted retries, falling back to per-row upserts")

	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			return created, updated, errCount, err
		}
		inserted, rowErr := e.store.UpsertOne(ctx, rec)
		if rowErr != nil {
			errCount++
			log.Debug().Err(rowErr).Str("symbol", rec.Symbol).Msg("Row upsert failed")
			continue
		}
		if inserted {
			created++
		} else {
			updated++
		}
	}
	return created, updated, errCount, nil
}

// String summarizes a result for log lines.
func (r Result) String() string {
	return fmt.Sprintf("created=%d updated=%d errors=%d invalid=%d",
		r.Created, r.Updated, r.Errors, r.Invalid)
}
