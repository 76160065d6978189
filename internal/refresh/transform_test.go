package refresh

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/perpsync/internal/domain"
	"github.com/sawpanic/perpsync/internal/exchange"
)

func flex(v float64) *exchange.FlexFloat {
	f := exchange.FlexFloat(v)
	return &f
}

func TestMapContractFieldMapping(t *testing.T) {
	c := exchange.Contract{
		Symbol:            "BTC-USDT",
		DisplayName:       "Bitcoin Perp",
		Asset:             "BTC",
		Currency:          "USDT",
		Status:            intPtr(1),
		TradeMinQuantity:  flex(0.001),
		MaxQty:            flex(5000),
		PricePrecision:    intPtr(2),
		QuantityPrecision: intPtr(4),
		MaxLeverage:       flex(125),
		FeeRate:           flex(0.0005),
	}
	tk := &exchange.Ticker{
		Symbol:             "BTC-USDT",
		LastPrice:          50000,
		PriceChangePercent: 2.5,
		Volume:             1234,
		QuoteVolume:        61700000,
		HighPrice:          51000,
		LowPrice:           49000,
		OpenInterest:       777,
	}

	a, hasMD, synthesized := mapContract(c, 0, time.Now(), tk)
	assert.True(t, hasMD)
	assert.False(t, synthesized)
	assert.Equal(t, "BTC-USDT", a.Symbol)
	assert.Equal(t, "Bitcoin Perp", a.Name)
	assert.Equal(t, "BTC", a.BaseCurrency)
	assert.Equal(t, "USDT", a.QuoteCurrency)
	assert.Equal(t, domain.StatusTrading, a.Status)
	assert.Equal(t, 0.001, a.MinQty)
	assert.Equal(t, float64(5000), a.MaxQty)
	assert.InDelta(t, 0.01, a.TickSize, 1e-12)
	assert.InDelta(t, 0.0001, a.StepSize, 1e-12)
	assert.Equal(t, float64(125), a.MaxLeverage)
	assert.Equal(t, 0.0005, a.MaintMarginRate)
	assert.Equal(t, float64(50000), a.LastPrice)
	assert.Equal(t, float64(777), a.OpenInterest)
}

func TestMapContractFallbacks(t *testing.T) {
	a, hasMD, synthesized := mapContract(exchange.Contract{
		Symbol: "ETH-USDC",
		Status: intPtr(9), // unmapped code
	}, 0, time.Now(), nil)

	assert.False(t, hasMD)
	assert.False(t, synthesized)
	assert.Equal(t, "ETH-USDC", a.Name, "name falls back to symbol")
	assert.Equal(t, "ETH", a.BaseCurrency)
	assert.Equal(t, "USDC", a.QuoteCurrency)
	assert.Equal(t, domain.StatusUnknown, a.Status)
	assert.Zero(t, a.MinQty)
	assert.Equal(t, float64(999_999_999), a.MaxQty)
	assert.Equal(t, 0.0001, a.TickSize)
	assert.Equal(t, 0.001, a.StepSize)
	assert.Equal(t, float64(100), a.MaxLeverage)
	assert.Zero(t, a.MaintMarginRate)
}

func TestMapContractSizeStandsInForMinQty(t *testing.T) {
	a, _, _ := mapContract(exchange.Contract{
		Symbol: "SOL-USDT",
		Status: intPtr(1),
		Size:   flex(0.1),
	}, 0, time.Now(), nil)
	assert.Equal(t, 0.1, a.MinQty)
}

func TestMapContractSynthesizesSymbol(t *testing.T) {
	now := time.Now()
	a, _, synthesized := mapContract(exchange.Contract{}, 7, now, nil)

	assert.True(t, synthesized)
	assert.Equal(t, fmt.Sprintf("UNKNOWN_7_%d", now.UnixMilli()), a.Symbol)
	assert.Equal(t, domain.StatusUnknown, a.Status)
	assert.Equal(t, "UNKNOWN", a.BaseCurrency)
	assert.Equal(t, "USDT", a.QuoteCurrency)
}

func TestMapContractMissingStatusSynthesizes(t *testing.T) {
	_, _, synthesized := mapContract(exchange.Contract{Symbol: "BTC-USDT"}, 0, time.Now(), nil)
	assert.True(t, synthesized)
}

func TestDedupeFirstWins(t *testing.T) {
	in := []exchange.Contract{
		{Symbol: "BTC-USDT", DisplayName: "first"},
		{Symbol: "ETH-USDT"},
		{Symbol: "BTC-USDT", DisplayName: "second"},
		{Symbol: ""},
		{Symbol: ""},
	}
	out, dups := dedupe(in)
	assert.Equal(t, 1, dups)
	require.Len(t, out, 4, "blank symbols are never duplicates")
	assert.Equal(t, "first", out[0].DisplayName)
}

func TestTransformAllPreservesOrderAndEmits(t *testing.T) {
	contracts := make([]exchange.Contract, 450)
	for i := range contracts {
		contracts[i] = contract(fmt.Sprintf("C%d-USDT", i))
	}
	var (
		mu    sync.Mutex
		emits []int
	)
	res, err := transformAll(context.Background(), contracts, nil, func(processed int) {
		mu.Lock()
		emits = append(emits, processed)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Len(t, res.assets, 450)
	for i, a := range res.assets {
		assert.Equal(t, fmt.Sprintf("C%d-USDT", i), a.Symbol)
	}
	assert.Equal(t, 450, res.withoutMarketData)
	require.NotEmpty(t, emits)
	assert.Equal(t, 450, emits[len(emits)-1])
}

func TestTickersToMarketData(t *testing.T) {
	out := tickersToMarketData([]exchange.Ticker{
		ticker("BTC-USDT", 50000),
		{Symbol: "  "},
	})
	require.Len(t, out, 1)
	assert.Equal(t, "BTC-USDT", out[0].Symbol)
	assert.Equal(t, float64(50000), out[0].LastPrice)
}
