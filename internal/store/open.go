package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // embedded sqlite driver for the dev fallback
)

// Config holds store connection configuration.
type Config struct {
	DSN             string        `yaml:"dsn"`
	SQLitePath      string        `yaml:"sqlite_path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	Development     bool          `yaml:"development"`
}

// DefaultConfig returns reasonable pool defaults.
func DefaultConfig() Config {
	return Config{
		SQLitePath:      "perpsync.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// Open connects, applies the schema and returns a ready store. Without a DSN
// the embedded sqlite fallback is used, but only in development.
func Open(cfg Config) (AssetStore, error) {
	var (
		db      *sqlx.DB
		dialect Dialect
		err     error
	)

	switch {
	case cfg.DSN != "":
		db, err = sqlx.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		dialect = DialectPostgres
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	case cfg.Development:
		path := cfg.SQLitePath
		if path == "" {
			path = "perpsync.db"
		}
		db, err = sqlx.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		dialect = DialectSQLite
		// The embedded file store serializes writers.
		db.SetMaxOpenConns(1)
		log.Warn().Str("path", path).Msg("No DATABASE_URL set, using embedded sqlite store")
	default:
		return nil, fmt.Errorf("DATABASE_URL is required outside development")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return NewSQLStore(db, dialect, cfg.QueryTimeout), nil
}
