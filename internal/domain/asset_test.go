package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusFromCode(t *testing.T) {
	code := func(c int) *int { return &c }

	tests := []struct {
		name string
		code *int
		want Status
	}{
		{name: "trading", code: code(1), want: StatusTrading},
		{name: "suspended", code: code(0), want: StatusSuspended},
		{name: "delisted", code: code(2), want: StatusDelisted},
		{name: "maintenance", code: code(3), want: StatusMaintenance},
		{name: "unknown_code", code: code(25), want: StatusUnknown},
		{name: "negative_code", code: code(-1), want: StatusUnknown},
		{name: "missing", code: nil, want: StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFromCode(tt.code))
		})
	}
}

func TestAssetSanitize(t *testing.T) {
	a := Asset{
		Symbol:       "BTC-USDT",
		Status:       Status("BOGUS"),
		MinQty:       math.NaN(),
		MaxQty:       math.Inf(1),
		TickSize:     math.Inf(-1),
		StepSize:     math.NaN(),
		MaxLeverage:  math.NaN(),
		LastPrice:    math.NaN(),
		OpenInterest: math.Inf(1),
	}
	a.Sanitize()

	assert.Equal(t, StatusUnknown, a.Status)
	assert.Equal(t, 0.0, a.MinQty)
	assert.Equal(t, 999_999_999.0, a.MaxQty)
	assert.Equal(t, 0.0001, a.TickSize)
	assert.Equal(t, 0.001, a.StepSize)
	assert.Equal(t, 100.0, a.MaxLeverage)
	assert.Equal(t, 0.0, a.LastPrice)
	assert.Equal(t, 0.0, a.OpenInterest)

	// Finite values survive untouched.
	b := Asset{Status: StatusTrading, MinQty: 0.5, MaxQty: 10, LastPrice: 42000.5}
	b.Sanitize()
	assert.Equal(t, 0.5, b.MinQty)
	assert.Equal(t, 10.0, b.MaxQty)
	assert.Equal(t, 42000.5, b.LastPrice)
	assert.Equal(t, StatusTrading, b.Status)
}
