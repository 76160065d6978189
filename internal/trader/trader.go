// Package trader is the optional account-monitoring collaborator started by
// AUTO_START_BOT. It keeps a live view of positions and balance by polling
// the REST surface and consuming the user-data stream.
package trader

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/perpsync/internal/exchange"
)

// AccountAPI is the slice of the exchange client the trader polls.
type AccountAPI interface {
	GetPositions(ctx context.Context) ([]exchange.Position, error)
	GetBalance(ctx context.Context) (*exchange.Balance, error)
}

// EventSource delivers raw user-data stream payloads.
type EventSource interface {
	Run(ctx context.Context) error
	Events() <-chan []byte
}

// Config tunes the polling cadence.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns the default polling cadence.
func DefaultConfig() Config {
	return Config{PollInterval: 30 * time.Second}
}

// Snapshot is the trader's last observed account state.
type Snapshot struct {
	Positions []exchange.Position `json:"positions"`
	Balance   *exchange.Balance   `json:"balance"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// Trader maintains the account snapshot. Safe for concurrent use.
type Trader struct {
	api    AccountAPI
	source EventSource
	cfg    Config

	mu   sync.Mutex
	snap Snapshot
}

// New builds a trader. source may be nil when the websocket stream is not
// wanted.
func New(api AccountAPI, source EventSource, cfg Config) *Trader {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Trader{api: api, source: source, cfg: cfg}
}

// Snapshot returns the last observed account state.
func (t *Trader) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Run polls the account and consumes stream events until ctx is cancelled.
func (t *Trader) Run(ctx context.Context) error {
	log.Info().Dur("poll_interval", t.cfg.PollInterval).Msg("Trader collaborator started")

	var events <-chan []byte
	if t.source != nil {
		go func() {
			if err := t.source.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("User stream terminated")
			}
		}()
		events = t.source.Events()
	}

	t.poll(ctx)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Trader collaborator stopped")
			return ctx.Err()
		case <-ticker.C:
			t.poll(ctx)
		case payload, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			t.handleEvent(ctx, payload)
		}
	}
}

func (t *Trader) poll(ctx context.Context) {
	positions, err := t.api.GetPositions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to poll positions")
		return
	}
	balance, err := t.api.GetBalance(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to poll balance")
		return
	}

	t.mu.Lock()
	t.snap = Snapshot{Positions: positions, Balance: balance, UpdatedAt: time.Now().UTC()}
	t.mu.Unlock()

	log.Debug().
		Int("positions", len(positions)).
		Float64("equity", balance.Equity.Float()).
		Msg("Account snapshot refreshed")
}

// handleEvent reacts to pushed account changes: order and account updates
// trigger an immediate re-poll so the snapshot does not wait for the ticker.
func (t *Trader) handleEvent(ctx context.Context, payload []byte) {
	var head struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		log.Debug().Err(err).Msg("Unparseable stream event")
		return
	}

	switch head.Event {
	case "ORDER_TRADE_UPDATE", "ACCOUNT_UPDATE":
		log.Info().Str("event", head.Event).Msg("Account change pushed, refreshing snapshot")
		t.poll(ctx)
	case "listenKeyExpired":
		log.Warn().Msg("Listen key expired upstream")
	default:
		log.Debug().Str("event", head.Event).Msg("Ignoring stream event")
	}
}
