// Package store persists the asset table. Postgres is the production
// backend; an embedded sqlite file stands in when no DATABASE_URL is set in
// development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sawpanic/perpsync/internal/domain"
)

// ErrNotFound is returned when a symbol has no row.
var ErrNotFound = errors.New("asset not found")

// Filter narrows reads.
type Filter struct {
	Status string
	Search string
}

// Query describes an ordered, paginated read.
type Query struct {
	Filter
	SortBy    string
	SortOrder string // asc or desc
	Limit     int
	Offset    int
}

// sortColumns whitelists the API's sort keys against real columns.
var sortColumns = map[string]string{
	"symbol":             "symbol",
	"name":               "name",
	"updatedAt":          "updated_at",
	"lastPrice":          "last_price",
	"priceChangePercent": "price_change_percent",
	"volume24h":          "volume_24h",
	"quoteVolume24h":     "quote_volume_24h",
	"highPrice24h":       "high_price_24h",
	"lowPrice24h":        "low_price_24h",
	"openInterest":       "open_interest",
}

// ValidSortColumn reports whether key is an allowed sort column.
func ValidSortColumn(key string) bool {
	_, ok := sortColumns[key]
	return ok
}

// AssetStore is the persistence boundary for the refresh pipeline.
type AssetStore interface {
	// UpsertBatch merges records atomically, returning a per-row flag that is
	// true when the row was newly inserted.
	UpsertBatch(ctx context.Context, records []domain.Asset) ([]bool, error)
	// UpsertOne merges a single record; the per-row fallback path.
	UpsertOne(ctx context.Context, record domain.Asset) (bool, error)
	// UpdateMarketData overwrites market-state columns by symbol, returning
	// the number of rows touched. Unknown symbols are skipped.
	UpdateMarketData(ctx context.Context, records []domain.Asset) (int64, error)

	FindAll(ctx context.Context, q Query) ([]domain.Asset, error)
	FindBySymbol(ctx context.Context, symbol string) (*domain.Asset, error)
	Count(ctx context.Context, f Filter) (int64, error)
	MaxUpdatedAt(ctx context.Context) (time.Time, error)
	StatusDistribution(ctx context.Context) (map[string]int64, error)
	// TopAssets returns TRADING rows ordered by the given sort key.
	TopAssets(ctx context.Context, sortBy string, desc bool, limit int) ([]domain.Asset, error)

	Truncate(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Stats() map[string]interface{}
	Close() error
}
