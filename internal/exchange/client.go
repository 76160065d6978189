// Package exchange implements the typed BingX perpetual-futures REST client.
// Every call is admitted by the rate governor, wrapped by the circuit
// breaker, and routed to the best-ranked proven endpoint for its operation.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/perpsync/internal/errs"
	"github.com/sawpanic/perpsync/internal/metrics"
	"github.com/sawpanic/perpsync/internal/ratelimit"
)

const maxBodyBytes = 8 << 20

// Config holds exchange client configuration.
type Config struct {
	BaseURL         string        `yaml:"base_url"`
	DemoURL         string        `yaml:"demo_url"`
	Demo            bool          `yaml:"demo"`
	APIKey          string        `yaml:"api_key"`
	SecretKey       string        `yaml:"secret_key"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	SymbolsTimeout  time.Duration `yaml:"symbols_timeout"`
	CombinedTimeout time.Duration `yaml:"combined_timeout"`
	MarketRetries   int           `yaml:"market_retries"`
	AccountRetries  int           `yaml:"account_retries"`
	AltSpacing      time.Duration `yaml:"alt_spacing"`
	SymbolsTTL      time.Duration `yaml:"symbols_ttl"`
	TickersTTL      time.Duration `yaml:"tickers_ttl"`
	UserAgent       string        `yaml:"user_agent"`
}

// DefaultConfig returns production defaults for the live host.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "https://open-api.bingx.com",
		DemoURL:         "https://open-api-vst.bingx.com",
		RequestTimeout:  10 * time.Second,
		SymbolsTimeout:  15 * time.Second,
		CombinedTimeout: 20 * time.Second,
		MarketRetries:   3,
		AccountRetries:  5,
		AltSpacing:      time.Second,
		SymbolsTTL:      5 * time.Minute,
		TickersTTL:      30 * time.Second,
		UserAgent:       "perpsync/1.0",
	}
}

// Client is safe for concurrent use.
type Client struct {
	cfg       Config
	baseURL   string
	http      *http.Client
	governor  *ratelimit.Governor
	cache     ratelimit.ResponseCache
	endpoints *endpointMetrics
}

// NewClient builds a client over the given governor and response cache.
func NewClient(cfg Config, governor *ratelimit.Governor, cache ratelimit.ResponseCache) *Client {
	base := cfg.BaseURL
	if cfg.Demo && cfg.DemoURL != "" {
		base = cfg.DemoURL
	}
	return &Client{
		cfg:       cfg,
		baseURL:   base,
		http:      &http.Client{},
		governor:  governor,
		cache:     cache,
		endpoints: newEndpointMetrics(),
	}
}

// EndpointMetrics returns a copy of the per-path health metrics.
func (c *Client) EndpointMetrics() map[string]EndpointMetric {
	return c.endpoints.snapshot()
}

type envelope struct {
	Code int64           `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type call struct {
	op       string
	method   string
	category ratelimit.Category
	priority ratelimit.Priority
	private  bool
	params   url.Values
	cacheKey string
	cacheTTL time.Duration
	timeout  time.Duration
}

// do executes one logical operation: cache lookup, then ranked candidate
// endpoints with retry for transient kinds. Rate-limit, auth and validation
// failures surface immediately; an open breaker fails fast.
func (c *Client) do(ctx context.Context, cl call, out interface{}) error {
	if cl.cacheKey != "" {
		if data, ok := c.cache.Get(ctx, cl.cacheKey); ok {
			return json.Unmarshal(data, out)
		}
	}

	maxAttempts := c.cfg.MarketRetries
	if cl.category == ratelimit.CategoryAccount {
		maxAttempts = c.cfg.AccountRetries
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	candidates := c.endpoints.ranked(cl.op)
	if len(candidates) == 0 {
		return fmt.Errorf("no endpoints registered for operation %s", cl.op)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		path := candidates[attempt%len(candidates)]

		data, err := c.roundTrip(ctx, path, cl)
		if err == nil {
			metrics.ExchangeCalls.WithLabelValues(cl.op, "success").Inc()
			if cl.cacheKey != "" {
				c.cache.Set(ctx, cl.cacheKey, data, cl.cacheTTL)
			}
			if out == nil || len(data) == 0 {
				return nil
			}
			if uerr := json.Unmarshal(data, out); uerr != nil {
				return fmt.Errorf("failed to decode %s response: %w", cl.op, uerr)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ExchangeCalls.WithLabelValues(cl.op, "breaker_open").Inc()
			return &errs.APIError{Kind: errs.KindServer, Message: "circuit breaker open", Endpoint: path}
		}

		kind := errs.KindOf(err)
		metrics.ExchangeCalls.WithLabelValues(cl.op, kind.String()).Inc()
		lastErr = err
		if !errs.Retryable(kind) {
			// Rate limits surface untouched so callers can drive recovery;
			// auth and validation never retry.
			return err
		}

		if attempt+1 < maxAttempts {
			log.Debug().
				Str("op", cl.op).
				Str("endpoint", path).
				Int("attempt", attempt+1).
				Err(err).
				Msg("Exchange call failed, trying next candidate")
			select {
			case <-time.After(c.spacing(attempt + 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", cl.op, maxAttempts, lastErr)
}

// spacing returns the delay before moving to the next candidate: at least the
// configured alternate spacing, growing linearly with jitter.
func (c *Client) spacing(attempt int) time.Duration {
	base := c.cfg.AltSpacing
	if base <= 0 {
		base = time.Second
	}
	d := base * time.Duration(attempt)
	if d < base {
		d = base
	}
	return d + time.Duration(rand.Intn(250))*time.Millisecond
}

func (c *Client) roundTrip(ctx context.Context, path string, cl call) ([]byte, error) {
	if err := c.governor.Acquire(ctx, cl.category, cl.priority); err != nil {
		return nil, err
	}
	defer c.governor.Release(cl.category)

	timeout := cl.timeout
	if timeout == 0 {
		timeout = c.cfg.RequestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := url.Values{}
	for k, vs := range cl.params {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	if cl.private {
		signParams(params, c.cfg.SecretKey, time.Now())
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(reqCtx, cl.method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	if cl.private {
		req.Header.Set(apiKeyHeader, c.cfg.APIKey)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	result, err := c.governor.Breaker().Execute(func() (interface{}, error) {
		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return nil, &errs.APIError{
				Kind:     errs.ClassifyTransport(doErr),
				Message:  doErr.Error(),
				Endpoint: path,
			}
		}
		defer resp.Body.Close()

		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if readErr != nil {
			return nil, &errs.APIError{
				Kind:     errs.KindNetwork,
				Message:  "failed to read response body: " + readErr.Error(),
				Endpoint: path,
			}
		}

		var env envelope
		_ = json.Unmarshal(raw, &env)
		if resp.StatusCode == http.StatusOK && env.Code == 0 {
			return []byte(env.Data), nil
		}

		msg := env.Msg
		if msg == "" {
			msg = truncate(string(raw), 200)
		}
		return nil, &errs.APIError{
			Kind:       errs.ClassifyResponse(resp.StatusCode, env.Code, string(raw)),
			HTTPStatus: resp.StatusCode,
			Code:       env.Code,
			Message:    msg,
			Endpoint:   path,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	})
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, err
		}
		c.endpoints.recordFailure(path)
		var apiErr *errs.APIError
		if errors.As(err, &apiErr) && apiErr.Kind == errs.KindRateLimit {
			// Single recovery entry point: the governor owns the backoff.
			apiErr.RetryAfter = c.governor.OnRateLimit(apiErr.RetryAfter)
		}
		return nil, err
	}

	c.endpoints.recordSuccess(path, elapsed)
	return result.([]byte), nil
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// GetSymbols fetches all perpetual contract descriptors.
func (c *Client) GetSymbols(ctx context.Context) ([]Contract, error) {
	var out []Contract
	err := c.do(ctx, call{
		op:       opSymbols,
		method:   http.MethodGet,
		category: ratelimit.CategoryMarket,
		priority: ratelimit.PriorityHigh,
		cacheKey: "symbols",
		cacheTTL: c.cfg.SymbolsTTL,
		timeout:  c.cfg.SymbolsTimeout,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("get symbols: %w", err)
	}
	return out, nil
}

// GetAllTickers fetches the 24h snapshot for every symbol.
func (c *Client) GetAllTickers(ctx context.Context) ([]Ticker, error) {
	var out []Ticker
	err := c.do(ctx, call{
		op:       opTickers,
		method:   http.MethodGet,
		category: ratelimit.CategoryMarket,
		priority: ratelimit.PriorityHigh,
		cacheKey: "tickers",
		cacheTTL: c.cfg.TickersTTL,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("get tickers: %w", err)
	}
	return out, nil
}

// GetTicker fetches the snapshot for one symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var out Ticker
	err := c.do(ctx, call{
		op:       opTicker,
		method:   http.MethodGet,
		category: ratelimit.CategoryMarket,
		priority: ratelimit.PriorityMedium,
		params:   params,
		cacheKey: "ticker:" + symbol,
		cacheTTL: 10 * time.Second,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("get ticker %s: %w", symbol, err)
	}
	return &out, nil
}

// GetSymbolsAndTickers runs the two fetches concurrently, each admitted by
// the governor independently. The combined result is cached under its own
// key so it expires independently of the individual fetches.
func (c *Client) GetSymbolsAndTickers(ctx context.Context) (*SymbolsAndTickers, error) {
	const combinedKey = "symbols_tickers_combined"
	if data, ok := c.cache.Get(ctx, combinedKey); ok {
		var pair SymbolsAndTickers
		if err := json.Unmarshal(data, &pair); err == nil {
			return &pair, nil
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.CombinedTimeout)
	defer cancel()

	var (
		wg        sync.WaitGroup
		contracts []Contract
		tickers   []Ticker
		cErr      error
		tErr      error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		contracts, cErr = c.GetSymbols(fetchCtx)
	}()
	go func() {
		defer wg.Done()
		tickers, tErr = c.GetAllTickers(fetchCtx)
	}()
	wg.Wait()

	// A rate limit on either leg dominates: it must reach the caller typed.
	if errs.IsRateLimit(cErr) {
		return nil, cErr
	}
	if errs.IsRateLimit(tErr) {
		return nil, tErr
	}
	if cErr != nil {
		return nil, cErr
	}
	if tErr != nil {
		return nil, tErr
	}

	pair := &SymbolsAndTickers{Contracts: contracts, Tickers: tickers}
	if data, err := json.Marshal(pair); err == nil {
		c.cache.Set(ctx, combinedKey, data, c.cfg.TickersTTL)
	}
	return pair, nil
}

// GetPositions returns all open positions.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := c.do(ctx, call{
		op:       opPositions,
		method:   http.MethodGet,
		category: ratelimit.CategoryAccount,
		priority: ratelimit.PriorityMedium,
		private:  true,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	return out, nil
}

// GetBalance returns the perpetual account balance.
func (c *Client) GetBalance(ctx context.Context) (*Balance, error) {
	var out struct {
		Balance Balance `json:"balance"`
	}
	err := c.do(ctx, call{
		op:       opBalance,
		method:   http.MethodGet,
		category: ratelimit.CategoryAccount,
		priority: ratelimit.PriorityMedium,
		private:  true,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &out.Balance, nil
}

// PlaceOrder submits an order.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("positionSide", req.PositionSide)
	params.Set("type", req.Type)
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.Price > 0 {
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	}
	var out struct {
		Order OrderResponse `json:"order"`
	}
	err := c.do(ctx, call{
		op:       opPlaceOrder,
		method:   http.MethodPost,
		category: ratelimit.CategoryAccount,
		priority: ratelimit.PriorityCritical,
		private:  true,
		params:   params,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("place order %s: %w", req.Symbol, err)
	}
	return &out.Order, nil
}

// CancelOrder cancels an open order by id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	err := c.do(ctx, call{
		op:       opCancelOrder,
		method:   http.MethodDelete,
		category: ratelimit.CategoryAccount,
		priority: ratelimit.PriorityCritical,
		private:  true,
		params:   params,
	}, nil)
	if err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	return nil
}

// GetKlines returns up to limit candles for symbol at the given interval.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var out []Kline
	err := c.do(ctx, call{
		op:       opKlines,
		method:   http.MethodGet,
		category: ratelimit.CategoryMarket,
		priority: ratelimit.PriorityLow,
		params:   params,
		cacheKey: "klines:" + symbol + ":" + interval,
		cacheTTL: 30 * time.Second,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("get klines %s: %w", symbol, err)
	}
	return out, nil
}

// GetDepth returns an order book snapshot.
func (c *Client) GetDepth(ctx context.Context, symbol string, limit int) (*Depth, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var out Depth
	err := c.do(ctx, call{
		op:       opDepth,
		method:   http.MethodGet,
		category: ratelimit.CategoryMarket,
		priority: ratelimit.PriorityLow,
		params:   params,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("get depth %s: %w", symbol, err)
	}
	return &out, nil
}

// CreateListenKey opens a user-data stream session.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	err := c.do(ctx, call{
		op:       opListenKey,
		method:   http.MethodPost,
		category: ratelimit.CategoryAccount,
		priority: ratelimit.PriorityHigh,
		private:  true,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends a stream session; call at least every 30 minutes.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	err := c.do(ctx, call{
		op:       opListenKey,
		method:   http.MethodPut,
		category: ratelimit.CategoryAccount,
		priority: ratelimit.PriorityHigh,
		private:  true,
		params:   params,
	}, nil)
	if err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	return nil
}

// CloseListenKey ends a stream session.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	err := c.do(ctx, call{
		op:       opListenKey,
		method:   http.MethodDelete,
		category: ratelimit.CategoryAccount,
		priority: ratelimit.PriorityHigh,
		private:  true,
		params:   params,
	}, nil)
	if err != nil {
		return fmt.Errorf("close listen key: %w", err)
	}
	return nil
}
