package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/perpsync/internal/bulk"
	"github.com/sawpanic/perpsync/internal/domain"
	"github.com/sawpanic/perpsync/internal/errs"
	"github.com/sawpanic/perpsync/internal/exchange"
	"github.com/sawpanic/perpsync/internal/ratelimit"
	"github.com/sawpanic/perpsync/internal/store"
	"github.com/sawpanic/perpsync/internal/stream"
)

// fakeExchange scripts the three fetch operations.
type fakeExchange struct {
	combined    *exchange.SymbolsAndTickers
	combinedErr error
	symbols     []exchange.Contract
	symbolsErr  error
	tickers     []exchange.Ticker
	tickersErr  error
	block       chan struct{} // when set, GetSymbolsAndTickers waits on it
}

func (f *fakeExchange) GetSymbolsAndTickers(ctx context.Context) (*exchange.SymbolsAndTickers, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.combined, f.combinedErr
}

func (f *fakeExchange) GetSymbols(ctx context.Context) ([]exchange.Contract, error) {
	return f.symbols, f.symbolsErr
}

func (f *fakeExchange) GetAllTickers(ctx context.Context) ([]exchange.Ticker, error) {
	return f.tickers, f.tickersErr
}

// memStore is an in-memory AssetStore for pipeline tests.
type memStore struct {
	mu   sync.Mutex
	rows map[string]domain.Asset
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]domain.Asset)}
}

func (m *memStore) UpsertBatch(ctx context.Context, records []domain.Asset) ([]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flags := make([]bool, len(records))
	now := time.Now().UTC()
	for i, rec := range records {
		_, exists := m.rows[rec.Symbol]
		flags[i] = !exists
		rec.UpdatedAt = now
		m.rows[rec.Symbol] = rec
	}
	return flags, nil
}

func (m *memStore) UpsertOne(ctx context.Context, record domain.Asset) (bool, error) {
	flags, err := m.UpsertBatch(ctx, []domain.Asset{record})
	if err != nil {
		return false, err
	}
	return flags[0], nil
}

func (m *memStore) UpdateMarketData(ctx context.Context, records []domain.Asset) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var touched int64
	now := time.Now().UTC()
	for _, rec := range records {
		row, ok := m.rows[rec.Symbol]
		if !ok {
			continue
		}
		row.LastPrice = rec.LastPrice
		row.Volume24h = rec.Volume24h
		row.UpdatedAt = now
		m.rows[rec.Symbol] = row
		touched++
	}
	return touched, nil
}

func (m *memStore) FindAll(ctx context.Context, q store.Query) ([]domain.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Asset, 0, len(m.rows))
	for _, a := range m.rows {
		out = append(out, a)
	}
	return out, nil
}

func (m *memStore) FindBySymbol(ctx context.Context, symbol string) (*domain.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.rows[symbol]; ok {
		return &a, nil
	}
	return nil, store.ErrNotFound
}

func (m *memStore) Count(ctx context.Context, f store.Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.rows)), nil
}

func (m *memStore) MaxUpdatedAt(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max time.Time
	for _, a := range m.rows {
		if a.UpdatedAt.After(max) {
			max = a.UpdatedAt
		}
	}
	return max, nil
}

func (m *memStore) StatusDistribution(ctx context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dist := make(map[string]int64)
	for _, a := range m.rows {
		dist[string(a.Status)]++
	}
	return dist, nil
}

func (m *memStore) TopAssets(ctx context.Context, sortBy string, desc bool, limit int) ([]domain.Asset, error) {
	return m.FindAll(ctx, store.Query{})
}

func (m *memStore) Truncate(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.rows))
	m.rows = make(map[string]domain.Asset)
	return n, nil
}

func (m *memStore) Ping(ctx context.Context) error { return nil }
func (m *memStore) Stats() map[string]interface{}  { return nil }
func (m *memStore) Close() error                   { return nil }

func (m *memStore) get(symbol string) (domain.Asset, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[symbol]
	return a, ok
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func intPtr(v int) *int { return &v }

func contract(symbol string) exchange.Contract {
	return exchange.Contract{
		Symbol:      symbol,
		DisplayName: symbol,
		Status:      intPtr(1),
	}
}

func ticker(symbol string, price float64) exchange.Ticker {
	return exchange.Ticker{Symbol: symbol, LastPrice: exchange.FlexFloat(price), Volume: 10}
}

func newTestOrchestrator(t *testing.T, client ExchangeAPI, st store.AssetStore) (*Orchestrator, *stream.Hub) {
	t.Helper()
	hub := stream.NewHub(stream.Config{
		HeartbeatInterval: time.Hour,
		VisibleEvery:      6,
		WarnAfter:         time.Hour,
		QueueSize:         512,
	})
	t.Cleanup(hub.Stop)
	engine := bulk.NewEngine(st, bulk.Config{BatchSize: 500, MaxRetries: 1, RetryBackoff: time.Millisecond})
	cache := ratelimit.NewMemoryCache(100)
	return NewOrchestrator(client, st, engine, hub, cache, DefaultConfig()), hub
}

// collect drains the subscription until the orchestrator closes it,
// returning the decoded events (keep-alive comments skipped).
func collect(t *testing.T, sub *stream.Subscription) []map[string]interface{} {
	t.Helper()
	var events []map[string]interface{}
	timeout := time.After(5 * time.Second)
	for {
		select {
		case frame, ok := <-sub.Frames:
			if !ok {
				return events
			}
			if !strings.HasPrefix(string(frame), "data: ") {
				continue
			}
			s := strings.TrimPrefix(string(frame), "data: ")
			var ev map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(s)), &ev))
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream never closed")
		}
	}
}

func terminal(events []map[string]interface{}) map[string]interface{} {
	for _, ev := range events {
		switch ev["type"] {
		case stream.TypeCompleted, stream.TypeError, stream.TypeCancelled:
			return ev
		}
	}
	return nil
}

func TestFullRefreshCountsInvariant(t *testing.T) {
	client := &fakeExchange{
		combined: &exchange.SymbolsAndTickers{
			Contracts: []exchange.Contract{
				contract("BTC-USDT"),
				contract("ETH-USDT"),
				contract("BTC-USDT"), // duplicate, first wins
				{Symbol: "", Status: nil}, // synthesized
				contract("SOL-USDT"),      // no ticker
			},
			Tickers: []exchange.Ticker{
				ticker("BTC-USDT", 50000),
				ticker("ETH-USDT", 3000),
			},
		},
	}
	st := newMemStore()
	o, hub := newTestOrchestrator(t, client, st)

	sid := NewSessionID()
	sub := hub.Subscribe(sid)
	require.NoError(t, o.Start(sid, false))

	done := terminal(collect(t, sub))
	require.NotNil(t, done)
	require.Equal(t, stream.TypeCompleted, done["type"])

	fetched := int(done["contractsFetched"].(float64))
	duplicates := int(done["duplicates"].(float64))
	created := int(done["created"].(float64))
	updated := int(done["updated"].(float64))
	errCount := int(done["errors"].(float64))
	skipped := int(done["skipped"].(float64))

	assert.Equal(t, 5, fetched)
	assert.Equal(t, 1, duplicates)
	assert.Equal(t, fetched-duplicates, created+updated+errCount+skipped)
	assert.Equal(t, 4, created)
	assert.Equal(t, float64(2), done["withoutMarketData"].(float64))

	// Market data landed on the tickered rows.
	btc, ok := st.get("BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, float64(50000), btc.LastPrice)

	// The no-ticker row persisted with zeroed market state.
	sol, ok := st.get("SOL-USDT")
	require.True(t, ok)
	assert.Zero(t, sol.LastPrice)

	// The synthesized row exists under its generated symbol.
	found := false
	rows, _ := st.FindAll(context.Background(), store.Query{})
	for _, a := range rows {
		if strings.HasPrefix(a.Symbol, "UNKNOWN_") {
			found = true
			assert.Equal(t, domain.StatusUnknown, a.Status)
		}
	}
	assert.True(t, found, "synthesized contract must persist")
}

func TestRefreshIsIdempotent(t *testing.T) {
	client := &fakeExchange{
		combined: &exchange.SymbolsAndTickers{
			Contracts: []exchange.Contract{contract("BTC-USDT"), contract("ETH-USDT")},
			Tickers:   []exchange.Ticker{ticker("BTC-USDT", 1), ticker("ETH-USDT", 2)},
		},
	}
	st := newMemStore()
	o, hub := newTestOrchestrator(t, client, st)

	run := func() map[string]interface{} {
		sid := NewSessionID()
		sub := hub.Subscribe(sid)
		require.NoError(t, o.Start(sid, false))
		done := terminal(collect(t, sub))
		require.Equal(t, stream.TypeCompleted, done["type"])
		return done
	}

	first := run()
	time.Sleep(2 * time.Millisecond) // distinct session ids
	second := run()

	assert.Equal(t, float64(2), first["created"])
	assert.Equal(t, float64(0), second["created"])
	assert.Equal(t, first["created"].(float64)+first["updated"].(float64), second["updated"])
}

func TestSerialFallbackWithTickerWarning(t *testing.T) {
	client := &fakeExchange{
		combinedErr: errors.New("optimized endpoint unavailable"),
		symbols:     []exchange.Contract{contract("BTC-USDT")},
		tickersErr:  errors.New("ticker endpoint down"),
	}
	st := newMemStore()
	o, hub := newTestOrchestrator(t, client, st)

	sid := NewSessionID()
	sub := hub.Subscribe(sid)
	require.NoError(t, o.Start(sid, false))

	done := terminal(collect(t, sub))
	require.Equal(t, stream.TypeCompleted, done["type"])
	assert.Contains(t, done["warning"], "ticker fetch failed")
	assert.Equal(t, float64(1), done["withoutMarketData"])
	assert.Equal(t, 1, st.len())
}

func TestRateLimitAbortsWithRecovery(t *testing.T) {
	client := &fakeExchange{
		combinedErr: &errs.APIError{
			Kind:       errs.KindRateLimit,
			HTTPStatus: 429,
			Message:    "rate limit exceeded",
			RetryAfter: 3 * time.Minute,
		},
	}
	st := newMemStore()
	o, hub := newTestOrchestrator(t, client, st)

	sid := NewSessionID()
	sub := hub.Subscribe(sid)
	require.NoError(t, o.Start(sid, false))

	done := terminal(collect(t, sub))
	require.Equal(t, stream.TypeError, done["type"])
	assert.Contains(t, done["message"], "wait 3 minutes")
	assert.Equal(t, float64(180), done["recoverySeconds"])
	assert.Zero(t, st.len(), "store untouched on abort")
}

func TestZeroContractsIsFatal(t *testing.T) {
	st := newMemStore()
	// Seed a row to prove the abort does not wipe it.
	_, err := st.UpsertOne(context.Background(), domain.Asset{Symbol: "BTC-USDT", Status: domain.StatusTrading})
	require.NoError(t, err)

	client := &fakeExchange{combined: &exchange.SymbolsAndTickers{}}
	o, hub := newTestOrchestrator(t, client, st)

	sid := NewSessionID()
	sub := hub.Subscribe(sid)
	require.NoError(t, o.Start(sid, false))

	done := terminal(collect(t, sub))
	require.Equal(t, stream.TypeError, done["type"])
	assert.Contains(t, done["message"], "zero contracts")
	assert.Equal(t, 1, st.len())
}

func TestDeltaRefreshUpdatesMarketDataOnly(t *testing.T) {
	st := newMemStore()
	_, err := st.UpsertOne(context.Background(), domain.Asset{Symbol: "BTC-USDT", Status: domain.StatusTrading, Name: "BTC-USDT"})
	require.NoError(t, err)

	client := &fakeExchange{tickers: []exchange.Ticker{ticker("BTC-USDT", 60000), ticker("GONE-USDT", 1)}}
	o, hub := newTestOrchestrator(t, client, st)

	sid := NewSessionID()
	sub := hub.Subscribe(sid)
	require.NoError(t, o.Start(sid, true))

	done := terminal(collect(t, sub))
	require.Equal(t, stream.TypeCompleted, done["type"])
	assert.Equal(t, "MARKET_DATA_ONLY", done["deltaMode"])
	assert.Equal(t, float64(1), done["updated"], "unknown symbols are skipped")

	btc, _ := st.get("BTC-USDT")
	assert.Equal(t, float64(60000), btc.LastPrice)
	assert.Equal(t, "BTC-USDT", btc.Name, "metadata untouched")
}

func TestDeltaFallsThroughToFullWhenStale(t *testing.T) {
	st := newMemStore()
	// Empty store: MaxUpdatedAt is zero, delta must escalate.
	client := &fakeExchange{
		combined: &exchange.SymbolsAndTickers{
			Contracts: []exchange.Contract{contract("BTC-USDT")},
			Tickers:   []exchange.Ticker{ticker("BTC-USDT", 1)},
		},
	}
	o, hub := newTestOrchestrator(t, client, st)

	sid := NewSessionID()
	sub := hub.Subscribe(sid)
	require.NoError(t, o.Start(sid, true))

	done := terminal(collect(t, sub))
	require.Equal(t, stream.TypeCompleted, done["type"])
	assert.Nil(t, done["deltaMode"])
	assert.Equal(t, float64(1), done["created"])
}

func TestCancelEmitsCancelled(t *testing.T) {
	client := &fakeExchange{block: make(chan struct{})}
	st := newMemStore()
	o, hub := newTestOrchestrator(t, client, st)

	sid := NewSessionID()
	sub := hub.Subscribe(sid)
	require.NoError(t, o.Start(sid, false))
	require.True(t, o.Cancel(sid))

	done := terminal(collect(t, sub))
	require.NotNil(t, done)
	assert.Equal(t, stream.TypeCancelled, done["type"])
	assert.Zero(t, st.len())
}

func TestStartRejectsDuplicateSession(t *testing.T) {
	client := &fakeExchange{block: make(chan struct{})}
	defer close(client.block)
	o, _ := newTestOrchestrator(t, client, newMemStore())

	sid := NewSessionID()
	require.NoError(t, o.Start(sid, false))
	assert.ErrorIs(t, o.Start(sid, false), ErrSessionActive)
	assert.Contains(t, o.Active(), sid)
	o.Cancel(sid)
}

func TestRunReturnsSummarySynchronously(t *testing.T) {
	client := &fakeExchange{
		combined: &exchange.SymbolsAndTickers{
			Contracts: []exchange.Contract{contract("BTC-USDT"), contract("ETH-USDT")},
			Tickers:   []exchange.Ticker{ticker("BTC-USDT", 1)},
		},
	}
	st := newMemStore()
	o, _ := newTestOrchestrator(t, client, st)

	summary, err := o.Run(NewSessionID(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 2, summary.ContractsFetched)
	assert.Equal(t, 1, summary.WithoutMarketData)
	assert.Equal(t, int64(2), summary.Distribution["TRADING"])
	assert.Empty(t, o.Active(), "session released after run")
}

func TestProgressTimestampsMonotonic(t *testing.T) {
	client := &fakeExchange{
		combined: &exchange.SymbolsAndTickers{
			Contracts: []exchange.Contract{contract("BTC-USDT")},
			Tickers:   []exchange.Ticker{ticker("BTC-USDT", 1)},
		},
	}
	o, hub := newTestOrchestrator(t, client, newMemStore())

	sid := NewSessionID()
	sub := hub.Subscribe(sid)
	require.NoError(t, o.Start(sid, false))

	events := collect(t, sub)
	require.NotEmpty(t, events)
	prev := float64(0)
	for _, ev := range events {
		ts := ev["timestamp"].(float64)
		assert.GreaterOrEqual(t, ts, prev)
		prev = ts
	}
}
