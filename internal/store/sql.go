package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/perpsync/internal/domain"
)

// Dialect selects placeholder style and driver-specific behavior.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

type sqlStore struct {
	db      *sqlx.DB
	dialect Dialect
	timeout time.Duration
}

// NewSQLStore wraps an open connection. Migrate must have been run.
func NewSQLStore(db *sqlx.DB, dialect Dialect, timeout time.Duration) AssetStore {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &sqlStore{db: db, dialect: dialect, timeout: timeout}
}

// Migrate applies the schema. Idempotent.
func Migrate(db *sqlx.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *sqlStore) rebind(q string) string {
	if s.dialect == DialectPostgres {
		return sqlx.Rebind(sqlx.DOLLAR, q)
	}
	return q
}

func upsertArgs(a *domain.Asset) []interface{} {
	return []interface{}{
		a.Symbol, a.Name, a.BaseCurrency, a.QuoteCurrency, string(a.Status),
		a.MinQty, a.MaxQty, a.TickSize, a.StepSize, a.MaxLeverage, a.MaintMarginRate,
		a.LastPrice, a.PriceChangePercent, a.Volume24h, a.QuoteVolume24h,
		a.HighPrice24h, a.LowPrice24h, a.OpenInterest, a.CreatedAt, a.UpdatedAt,
	}
}

// UpsertBatch merges records in one transaction. The per-row inserted flags
// come from a pre-select of existing symbols inside the same transaction, so
// they are exact rather than estimated.
func (s *sqlStore) UpsertBatch(ctx context.Context, records []domain.Asset) ([]bool, error) {
	if len(records) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	symbols := make([]string, len(records))
	for i := range records {
		symbols[i] = records[i].Symbol
	}
	existQuery, args, err := sqlx.In(`SELECT symbol FROM assets WHERE symbol IN (?)`, symbols)
	if err != nil {
		return nil, fmt.Errorf("failed to build existence query: %w", err)
	}
	var existing []string
	if err := tx.SelectContext(ctx, &existing, s.rebind(existQuery), args...); err != nil {
		return nil, fmt.Errorf("failed to query existing symbols: %w", err)
	}
	exists := make(map[string]bool, len(existing))
	for _, sym := range existing {
		exists[sym] = true
	}

	stmt, err := tx.PreparexContext(ctx, s.rebind(upsertSQL))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := make([]bool, len(records))
	for i := range records {
		rec := &records[i]
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		if _, err := stmt.ExecContext(ctx, upsertArgs(rec)...); err != nil {
			return nil, fmt.Errorf("failed to upsert %s: %w", rec.Symbol, err)
		}
		inserted[i] = !exists[rec.Symbol]
		exists[rec.Symbol] = true
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit upsert batch: %w", err)
	}
	return inserted, nil
}

func (s *sqlStore) UpsertOne(ctx context.Context, record domain.Asset) (bool, error) {
	flags, err := s.UpsertBatch(ctx, []domain.Asset{record})
	if err != nil {
		return false, err
	}
	return flags[0], nil
}

func (s *sqlStore) UpdateMarketData(ctx context.Context, records []domain.Asset) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, s.rebind(updateMarketSQL))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare market update: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var updated int64
	for i := range records {
		rec := &records[i]
		res, err := stmt.ExecContext(ctx,
			rec.LastPrice, rec.PriceChangePercent, rec.Volume24h, rec.QuoteVolume24h,
			rec.HighPrice24h, rec.LowPrice24h, rec.OpenInterest, now, rec.Symbol)
		if err != nil {
			return 0, fmt.Errorf("failed to update market data for %s: %w", rec.Symbol, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			updated += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit market update: %w", err)
	}
	return updated, nil
}

func buildWhere(f Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Search != "" {
		clauses = append(clauses, "(symbol LIKE ? OR name LIKE ?)")
		like := "%" + strings.ToUpper(f.Search) + "%"
		args = append(args, like, "%"+f.Search+"%")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *sqlStore) FindAll(ctx context.Context, q Query) ([]domain.Asset, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	col, ok := sortColumns[q.SortBy]
	if !ok {
		col = "symbol"
	}
	dir := "ASC"
	if strings.EqualFold(q.SortOrder, "desc") {
		dir = "DESC"
	}

	where, args := buildWhere(q.Filter)
	query := "SELECT " + selectColumns + " FROM assets" + where +
		" ORDER BY " + col + " " + dir
	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	}

	var out []domain.Asset
	if err := s.db.SelectContext(ctx, &out, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	return out, nil
}

func (s *sqlStore) FindBySymbol(ctx context.Context, symbol string) (*domain.Asset, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var a domain.Asset
	query := s.rebind("SELECT " + selectColumns + " FROM assets WHERE symbol = ?")
	if err := s.db.GetContext(ctx, &a, query, symbol); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get asset %s: %w", symbol, err)
	}
	return &a, nil
}

func (s *sqlStore) Count(ctx context.Context, f Filter) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	where, args := buildWhere(f)
	var count int64
	if err := s.db.GetContext(ctx, &count, s.rebind("SELECT COUNT(*) FROM assets"+where), args...); err != nil {
		return 0, fmt.Errorf("failed to count assets: %w", err)
	}
	return count, nil
}

func (s *sqlStore) MaxUpdatedAt(ctx context.Context) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var max sql.NullTime
	if err := s.db.GetContext(ctx, &max, "SELECT MAX(updated_at) FROM assets"); err != nil {
		return time.Time{}, fmt.Errorf("failed to query max updated_at: %w", err)
	}
	if !max.Valid {
		return time.Time{}, nil
	}
	return max.Time, nil
}

func (s *sqlStore) StatusDistribution(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, "SELECT status, COUNT(*) FROM assets GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to query status distribution: %w", err)
	}
	defer rows.Close()

	dist := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		dist[status] = count
	}
	return dist, rows.Err()
}

func (s *sqlStore) TopAssets(ctx context.Context, sortBy string, desc bool, limit int) ([]domain.Asset, error) {
	col, ok := sortColumns[sortBy]
	if !ok {
		return nil, fmt.Errorf("invalid sort column %q", sortBy)
	}
	dir := "ASC"
	if desc {
		dir = "DESC"
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := s.rebind("SELECT " + selectColumns + " FROM assets WHERE status = ? ORDER BY " + col + " " + dir + " LIMIT ?")
	var out []domain.Asset
	if err := s.db.SelectContext(ctx, &out, query, string(domain.StatusTrading), limit); err != nil {
		return nil, fmt.Errorf("failed to query top assets: %w", err)
	}
	return out, nil
}

func (s *sqlStore) Truncate(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, "DELETE FROM assets")
	if err != nil {
		return 0, fmt.Errorf("failed to truncate assets: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Stats() map[string]interface{} {
	stats := s.db.Stats()
	return map[string]interface{}{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
	}
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
