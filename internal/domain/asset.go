package domain

import (
	"math"
	"time"
)

// Status is the lifecycle state of a perpetual contract as persisted.
// Upstream status codes outside the known set collapse to StatusUnknown.
type Status string

const (
	StatusTrading     Status = "TRADING"
	StatusSuspended   Status = "SUSPENDED"
	StatusDelisted    Status = "DELISTED"
	StatusMaintenance Status = "MAINTENANCE"
	StatusUnknown     Status = "UNKNOWN"
)

// StatusFromCode maps the exchange's integer status code to the enum.
func StatusFromCode(code *int) Status {
	if code == nil {
		return StatusUnknown
	}
	switch *code {
	case 1:
		return StatusTrading
	case 0:
		return StatusSuspended
	case 2:
		return StatusDelisted
	case 3:
		return StatusMaintenance
	default:
		return StatusUnknown
	}
}

// Valid reports whether s is one of the five enumerated states.
func (s Status) Valid() bool {
	switch s {
	case StatusTrading, StatusSuspended, StatusDelisted, StatusMaintenance, StatusUnknown:
		return true
	}
	return false
}

// Asset is the persisted record for one perpetual contract. The contract
// metadata half changes slowly; the market state half is overwritten on every
// refresh. Rows are keyed by Symbol and never deleted by the refresh path.
type Asset struct {
	Symbol        string `db:"symbol" json:"symbol"`
	Name          string `db:"name" json:"name"`
	BaseCurrency  string `db:"base_currency" json:"baseCurrency"`
	QuoteCurrency string `db:"quote_currency" json:"quoteCurrency"`
	Status        Status `db:"status" json:"status"`

	MinQty          float64 `db:"min_qty" json:"minQty"`
	MaxQty          float64 `db:"max_qty" json:"maxQty"`
	TickSize        float64 `db:"tick_size" json:"tickSize"`
	StepSize        float64 `db:"step_size" json:"stepSize"`
	MaxLeverage     float64 `db:"max_leverage" json:"maxLeverage"`
	MaintMarginRate float64 `db:"maint_margin_rate" json:"maintMarginRate"`

	LastPrice          float64 `db:"last_price" json:"lastPrice"`
	PriceChangePercent float64 `db:"price_change_percent" json:"priceChangePercent"`
	Volume24h          float64 `db:"volume_24h" json:"volume24h"`
	QuoteVolume24h     float64 `db:"quote_volume_24h" json:"quoteVolume24h"`
	HighPrice24h       float64 `db:"high_price_24h" json:"highPrice24h"`
	LowPrice24h        float64 `db:"low_price_24h" json:"lowPrice24h"`
	OpenInterest       float64 `db:"open_interest" json:"openInterest"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// FiniteOr returns v unless it is NaN or infinite, in which case def is
// returned. Every numeric column goes through this before persistence.
func FiniteOr(v, def float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}

// Sanitize coerces non-finite numerics to their documented defaults and
// normalizes the status enum. It mutates a in place.
func (a *Asset) Sanitize() {
	if !a.Status.Valid() {
		a.Status = StatusUnknown
	}
	a.MinQty = FiniteOr(a.MinQty, 0)
	a.MaxQty = FiniteOr(a.MaxQty, 999_999_999)
	a.TickSize = FiniteOr(a.TickSize, 0.0001)
	a.StepSize = FiniteOr(a.StepSize, 0.001)
	a.MaxLeverage = FiniteOr(a.MaxLeverage, 100)
	a.MaintMarginRate = FiniteOr(a.MaintMarginRate, 0)
	a.LastPrice = FiniteOr(a.LastPrice, 0)
	a.PriceChangePercent = FiniteOr(a.PriceChangePercent, 0)
	a.Volume24h = FiniteOr(a.Volume24h, 0)
	a.QuoteVolume24h = FiniteOr(a.QuoteVolume24h, 0)
	a.HighPrice24h = FiniteOr(a.HighPrice24h, 0)
	a.LowPrice24h = FiniteOr(a.LowPrice24h, 0)
	a.OpenInterest = FiniteOr(a.OpenInterest, 0)
}
