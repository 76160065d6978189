package refresh

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sawpanic/perpsync/internal/domain"
	"github.com/sawpanic/perpsync/internal/exchange"
)

const (
	transformBatchSize     = 100
	transformMaxConcurrent = 5
	transformEmitEvery     = 200
)

// transformResult carries the mapped records plus the tallies the completed
// summary reports.
type transformResult struct {
	assets            []domain.Asset
	withoutMarketData int
	synthesized       int
}

// mapContract builds one Asset from a raw contract and its ticker, applying
// the documented per-field fallbacks. idx disambiguates synthesized symbols.
func mapContract(c exchange.Contract, idx int, now time.Time, tk *exchange.Ticker) (asset domain.Asset, hasMarketData, synthesized bool) {
	symbol := strings.TrimSpace(c.Symbol)
	if symbol == "" || c.Status == nil {
		symbol = fmt.Sprintf("UNKNOWN_%d_%d", idx, now.UnixMilli())
		synthesized = true
	}

	name := strings.TrimSpace(c.DisplayName)
	if name == "" {
		name = symbol
	}

	base := strings.TrimSpace(c.Asset)
	quote := strings.TrimSpace(c.Currency)
	if base == "" || quote == "" {
		var b, q string
		if i := strings.LastIndex(symbol, "-"); i > 0 {
			b, q = symbol[:i], symbol[i+1:]
		}
		if base == "" {
			if base = b; base == "" {
				base = "UNKNOWN"
			}
		}
		if quote == "" {
			if quote = q; quote == "" {
				quote = "USDT"
			}
		}
	}

	a := domain.Asset{
		Symbol:        symbol,
		Name:          name,
		BaseCurrency:  base,
		QuoteCurrency: quote,
		Status:        domain.StatusFromCode(c.Status),

		MaxQty:          999_999_999,
		TickSize:        0.0001,
		StepSize:        0.001,
		MaxLeverage:     100,
		MaintMarginRate: 0,
	}
	if synthesized {
		a.Status = domain.StatusUnknown
	}

	switch {
	case c.TradeMinQuantity != nil:
		a.MinQty = c.TradeMinQuantity.Float()
	case c.Size != nil:
		a.MinQty = c.Size.Float()
	}
	if c.MaxQty != nil {
		a.MaxQty = c.MaxQty.Float()
	}
	if c.PricePrecision != nil {
		a.TickSize = math.Pow(10, -float64(*c.PricePrecision))
	}
	if c.QuantityPrecision != nil {
		a.StepSize = math.Pow(10, -float64(*c.QuantityPrecision))
	}
	if c.MaxLeverage != nil {
		a.MaxLeverage = c.MaxLeverage.Float()
	}
	if c.FeeRate != nil {
		a.MaintMarginRate = c.FeeRate.Float()
	}

	hasMarketData = tk != nil
	if hasMarketData {
		a.LastPrice = tk.LastPrice.Float()
		a.PriceChangePercent = tk.PriceChangePercent.Float()
		a.Volume24h = tk.Volume.Float()
		a.QuoteVolume24h = tk.QuoteVolume.Float()
		a.HighPrice24h = tk.HighPrice.Float()
		a.LowPrice24h = tk.LowPrice.Float()
		a.OpenInterest = tk.OpenInterest.Float()
	}

	a.Sanitize()
	return a, hasMarketData, synthesized
}

// transformAll maps contracts to assets in parallel batches. Order is
// preserved: results land at the same index as their source contract.
// onEmit fires roughly every transformEmitEvery contracts and once at the
// end with the running processed count.
func transformAll(ctx context.Context, contracts []exchange.Contract, tickers []exchange.Ticker, onEmit func(processed int)) (*transformResult, error) {
	tickerBySymbol := make(map[string]*exchange.Ticker, len(tickers))
	for i := range tickers {
		tickerBySymbol[tickers[i].Symbol] = &tickers[i]
	}

	now := time.Now()
	res := &transformResult{assets: make([]domain.Asset, len(contracts))}

	var (
		wg          sync.WaitGroup
		sem         = make(chan struct{}, transformMaxConcurrent)
		processed   atomic.Int64
		lastEmitted atomic.Int64
		noTicker    atomic.Int64
		synth       atomic.Int64
	)

	for offset := 0; offset < len(contracts); offset += transformBatchSize {
		if err := ctx.Err(); err != nil {
			break
		}
		end := offset + transformBatchSize
		if end > len(contracts) {
			end = len(contracts)
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(lo, hi int) {
			defer wg.Done()
			defer func() { <-sem }()
			for i := lo; i < hi; i++ {
				c := contracts[i]
				asset, hasMD, synthesized := mapContract(c, i, now, tickerBySymbol[strings.TrimSpace(c.Symbol)])
				res.assets[i] = asset
				if !hasMD {
					noTicker.Add(1)
				}
				if synthesized {
					synth.Add(1)
				}
			}
			done := processed.Add(int64(hi - lo))
			if onEmit != nil && done-lastEmitted.Load() >= transformEmitEvery {
				lastEmitted.Store(done)
				onEmit(int(done))
			}
		}(offset, end)
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if onEmit != nil {
		onEmit(len(contracts))
	}

	res.withoutMarketData = int(noTicker.Load())
	res.synthesized = int(synth.Load())
	return res, nil
}

// tickersToMarketData maps raw tickers to sparse asset records carrying only
// the market-state columns, for the delta refresh's by-symbol update.
func tickersToMarketData(tickers []exchange.Ticker) []domain.Asset {
	out := make([]domain.Asset, 0, len(tickers))
	for _, tk := range tickers {
		symbol := strings.TrimSpace(tk.Symbol)
		if symbol == "" {
			continue
		}
		a := domain.Asset{
			Symbol:             symbol,
			LastPrice:          tk.LastPrice.Float(),
			PriceChangePercent: tk.PriceChangePercent.Float(),
			Volume24h:          tk.Volume.Float(),
			QuoteVolume24h:     tk.QuoteVolume.Float(),
			HighPrice24h:       tk.HighPrice.Float(),
			LowPrice24h:        tk.LowPrice.Float(),
			OpenInterest:       tk.OpenInterest.Float(),
		}
		a.Sanitize()
		out = append(out, a)
	}
	return out
}

// dedupe keeps the first occurrence of each symbol and counts the rest.
// Contracts with blank symbols are never considered duplicates of one
// another; each synthesizes its own key later.
func dedupe(contracts []exchange.Contract) ([]exchange.Contract, int) {
	seen := make(map[string]struct{}, len(contracts))
	out := make([]exchange.Contract, 0, len(contracts))
	duplicates := 0
	for _, c := range contracts {
		key := strings.TrimSpace(c.Symbol)
		if key == "" {
			out = append(out, c)
			continue
		}
		if _, ok := seen[key]; ok {
			duplicates++
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out, duplicates
}
