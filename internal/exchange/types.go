package exchange

import (
	"bytes"
	"strconv"
)

// FlexFloat tolerates the upstream's habit of encoding numbers either as
// JSON numbers or quoted strings, sometimes empty.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = FlexFloat(v)
	return nil
}

func (f FlexFloat) Float() float64 { return float64(f) }

// Contract is the raw perpetual contract descriptor from the symbols
// endpoint. Pointer fields distinguish absent from zero so the transform
// stage can apply documented fallbacks.
type Contract struct {
	Symbol             string     `json:"symbol"`
	DisplayName        string     `json:"displayName"`
	Asset              string     `json:"asset"`
	Currency           string     `json:"currency"`
	Status             *int       `json:"status"`
	TradeMinQuantity   *FlexFloat `json:"tradeMinQuantity"`
	Size               *FlexFloat `json:"size"`
	MaxQty             *FlexFloat `json:"maxQty"`
	PricePrecision     *int       `json:"pricePrecision"`
	QuantityPrecision  *int       `json:"quantityPrecision"`
	MaxLeverage        *FlexFloat `json:"maxLeverage"`
	FeeRate            *FlexFloat `json:"feeRate"`
}

// Ticker is the raw 24h price snapshot from the ticker endpoint.
type Ticker struct {
	Symbol             string    `json:"symbol"`
	LastPrice          FlexFloat `json:"lastPrice"`
	PriceChangePercent FlexFloat `json:"priceChangePercent"`
	Volume             FlexFloat `json:"volume"`
	QuoteVolume        FlexFloat `json:"quoteVolume"`
	HighPrice          FlexFloat `json:"highPrice"`
	LowPrice           FlexFloat `json:"lowPrice"`
	OpenInterest       FlexFloat `json:"openInterest"`
	Time               int64     `json:"time"`
}

// SymbolsAndTickers is the joined result of the combined fetch.
type SymbolsAndTickers struct {
	Contracts []Contract `json:"contracts"`
	Tickers   []Ticker   `json:"tickers"`
}

// Kline is one OHLCV candle.
type Kline struct {
	Open   FlexFloat `json:"open"`
	High   FlexFloat `json:"high"`
	Low    FlexFloat `json:"low"`
	Close  FlexFloat `json:"close"`
	Volume FlexFloat `json:"volume"`
	Time   int64     `json:"time"`
}

// Depth is an order book snapshot; levels are [price, quantity] pairs.
type Depth struct {
	Bids [][]FlexFloat `json:"bids"`
	Asks [][]FlexFloat `json:"asks"`
	Time int64         `json:"T"`
}

// Position is one open perpetual position.
type Position struct {
	Symbol           string    `json:"symbol"`
	PositionSide     string    `json:"positionSide"`
	PositionAmt      FlexFloat `json:"positionAmt"`
	AvgPrice         FlexFloat `json:"avgPrice"`
	UnrealizedProfit FlexFloat `json:"unrealizedProfit"`
	Leverage         FlexFloat `json:"leverage"`
}

// Balance is the perpetual account balance snapshot.
type Balance struct {
	Asset            string    `json:"asset"`
	Balance          FlexFloat `json:"balance"`
	Equity           FlexFloat `json:"equity"`
	UnrealizedProfit FlexFloat `json:"unrealizedProfit"`
	AvailableMargin  FlexFloat `json:"availableMargin"`
}

// OrderRequest describes an order to place.
type OrderRequest struct {
	Symbol       string
	Side         string // BUY or SELL
	PositionSide string // LONG or SHORT
	Type         string // MARKET, LIMIT, ...
	Quantity     float64
	Price        float64
}

// OrderResponse carries the exchange-assigned order id.
type OrderResponse struct {
	OrderID int64  `json:"orderId"`
	Symbol  string `json:"symbol"`
	Status  string `json:"status"`
}
