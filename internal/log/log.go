// Package log bootstraps the global zerolog logger.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Config controls where and how the process logs.
type Config struct {
	Level       string `yaml:"level"`
	Dir         string `yaml:"dir"`
	Development bool   `yaml:"development"`
}

// Init configures the global logger. A console writer is used when stderr is
// a terminal, JSON otherwise. When Dir is set, output is additionally written
// to a date-stamped file there. Returns a closer for the file handle, if any.
func Init(cfg Config) (func() error, error) {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	if cfg.Development {
		level = zerolog.DebugLevel
	}
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}
	zerolog.SetGlobalLevel(level)

	var base io.Writer = os.Stderr
	if term.IsTerminal(int(os.Stderr.Fd())) {
		base = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}

	closer := func() error { return nil }
	writers := []io.Writer{base}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log dir: %w", err)
		}
		name := filepath.Join(cfg.Dir, "perpsync-"+time.Now().Format("2006-01-02")+".log")
		f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, f)
		closer = f.Close
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return closer, nil
}
