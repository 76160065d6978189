package exchange

import (
	"sort"
	"sync"
	"time"
)

// Logical operation names used to key the proven endpoint lists.
const (
	opSymbols     = "symbols"
	opTickers     = "tickers"
	opTicker      = "ticker"
	opDepth       = "depth"
	opKlines      = "klines"
	opPositions   = "positions"
	opBalance     = "balance"
	opPlaceOrder  = "place_order"
	opCancelOrder = "cancel_order"
	opListenKey   = "listen_key"
)

// provenEndpoints holds, per operation, the ordered candidate paths that have
// worked against the live API. Ranking by observed success rate decides which
// one is tried first; the list order is only the cold-start fallback order.
var provenEndpoints = map[string][]string{
	opSymbols:     {"/openApi/swap/v2/quote/contracts", "/openApi/swap/v1/quote/contracts"},
	opTickers:     {"/openApi/swap/v2/quote/ticker", "/openApi/swap/v1/ticker"},
	opTicker:      {"/openApi/swap/v2/quote/ticker", "/openApi/swap/v1/ticker"},
	opDepth:       {"/openApi/swap/v2/quote/depth"},
	opKlines:      {"/openApi/swap/v3/quote/klines", "/openApi/swap/v2/quote/klines"},
	opPositions:   {"/openApi/swap/v2/user/positions"},
	opBalance:     {"/openApi/swap/v2/user/balance", "/openApi/swap/v3/user/balance"},
	opPlaceOrder:  {"/openApi/swap/v2/trade/order"},
	opCancelOrder: {"/openApi/swap/v2/trade/order"},
	opListenKey:   {"/openApi/user/auth/userDataStream"},
}

// EndpointMetric tracks per-path health used for candidate ranking.
type EndpointMetric struct {
	SuccessRate     float64   `json:"successRate"`
	LastSuccessTime time.Time `json:"lastSuccessTime"`
	AvgResponseTime float64   `json:"avgResponseTimeMs"`
	TotalCalls      int64     `json:"totalCalls"`
	Failures        int64     `json:"failures"`
}

type endpointMetrics struct {
	mu      sync.Mutex
	metrics map[string]*EndpointMetric
}

func newEndpointMetrics() *endpointMetrics {
	return &endpointMetrics{metrics: make(map[string]*EndpointMetric)}
}

func (em *endpointMetrics) get(path string) *EndpointMetric {
	m, ok := em.metrics[path]
	if !ok {
		// Unproven paths start optimistic so they get tried at least once.
		m = &EndpointMetric{SuccessRate: 100}
		em.metrics[path] = m
	}
	return m
}

func (em *endpointMetrics) recordSuccess(path string, elapsed time.Duration) {
	em.mu.Lock()
	defer em.mu.Unlock()
	m := em.get(path)
	m.TotalCalls++
	m.SuccessRate = ((m.SuccessRate * float64(m.TotalCalls-1)) + 100) / float64(m.TotalCalls)
	m.LastSuccessTime = time.Now()
	// Exponential smoothing with equal weight on the latest sample; recent
	// latency dominates the ranking quickly.
	m.AvgResponseTime = (m.AvgResponseTime + float64(elapsed.Milliseconds())) / 2
}

func (em *endpointMetrics) recordFailure(path string) {
	em.mu.Lock()
	defer em.mu.Unlock()
	m := em.get(path)
	m.TotalCalls++
	m.Failures++
	m.SuccessRate = (m.SuccessRate * float64(m.TotalCalls-1)) / float64(m.TotalCalls)
}

// ranked returns the operation's candidate paths ordered by success rate,
// ties broken by most recent success.
func (em *endpointMetrics) ranked(op string) []string {
	candidates := provenEndpoints[op]
	out := make([]string, len(candidates))
	copy(out, candidates)

	em.mu.Lock()
	defer em.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		a, b := em.get(out[i]), em.get(out[j])
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		return a.LastSuccessTime.After(b.LastSuccessTime)
	})
	return out
}

// snapshot copies all metrics for the health surface.
func (em *endpointMetrics) snapshot() map[string]EndpointMetric {
	em.mu.Lock()
	defer em.mu.Unlock()
	out := make(map[string]EndpointMetric, len(em.metrics))
	for path, m := range em.metrics {
		out[path] = *m
	}
	return out
}
