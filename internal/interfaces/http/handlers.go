package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/perpsync/internal/domain"
	"github.com/sawpanic/perpsync/internal/errs"
	"github.com/sawpanic/perpsync/internal/ratelimit"
	"github.com/sawpanic/perpsync/internal/refresh"
	"github.com/sawpanic/perpsync/internal/store"
	"github.com/sawpanic/perpsync/internal/stream"
)

// Handlers binds the HTTP surface to the pipeline's collaborators.
type Handlers struct {
	orchestrator *refresh.Orchestrator
	store        store.AssetStore
	hub          *stream.Hub
	cache        ratelimit.ResponseCache
	governor     *ratelimit.Governor
}

// NewHandlers wires the handler set.
func NewHandlers(o *refresh.Orchestrator, st store.AssetStore, hub *stream.Hub, cache ratelimit.ResponseCache, governor *ratelimit.Governor) *Handlers {
	return &Handlers{
		orchestrator: o,
		store:        st,
		hub:          hub,
		cache:        cache,
		governor:     governor,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, message string, extra map[string]interface{}) {
	body := map[string]interface{}{"success": false, "error": message}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

type refreshRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *Handlers) sessionID(r *http.Request) string {
	var req refreshRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if strings.TrimSpace(req.SessionID) != "" {
		return strings.TrimSpace(req.SessionID)
	}
	return refresh.NewSessionID()
}

func recoveryMinutes(d time.Duration) int {
	minutes := int(math.Ceil(d.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// Refresh runs a full refresh and answers with its summary. Progress is
// streamed concurrently to subscribers of the same session id.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	if suspended, remaining := h.governor.Suspended(); suspended {
		writeError(w, http.StatusTooManyRequests,
			"Exchange rate limit active, refresh refused",
			map[string]interface{}{"recoveryMinutes": recoveryMinutes(remaining)})
		return
	}

	sessionID := h.sessionID(r)
	summary, err := h.orchestrator.Run(sessionID, false)
	if err != nil {
		h.refreshError(w, sessionID, err)
		return
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"sessionId":          summary.SessionID,
		"created":            summary.Created,
		"updated":            summary.Updated,
		"total":              summary.ContractsFetched - summary.Duplicates,
		"processed":          summary.Created + summary.Updated,
		"statusDistribution": summary.Distribution,
	})
}

// RefreshDelta runs the reduced market-data-only refresh.
func (h *Handlers) RefreshDelta(w http.ResponseWriter, r *http.Request) {
	sessionID := h.sessionID(r)
	summary, err := h.orchestrator.Run(sessionID, true)
	if err != nil {
		h.refreshError(w, sessionID, err)
		return
	}

	message := "Full refresh executed (store was stale)"
	if summary.DeltaMode != "" {
		message = "Market data updated"
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"sessionId":     summary.SessionID,
		"message":       message,
		"updated":       summary.Updated,
		"created":       summary.Created,
		"total":         summary.ContractsFetched,
		"deltaMode":     summary.DeltaMode,
		"executionTime": summary.DurationMs,
	})
}

func (h *Handlers) refreshError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, refresh.ErrSessionActive):
		writeError(w, http.StatusConflict, err.Error(), map[string]interface{}{"sessionId": sessionID})
	case errs.IsRateLimit(err):
		writeError(w, http.StatusTooManyRequests, err.Error(), map[string]interface{}{
			"sessionId":       sessionID,
			"recoveryMinutes": recoveryMinutes(refresh.RecoveryAfter(err)),
		})
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), map[string]interface{}{"sessionId": sessionID})
	}
}

// Progress streams the session's events as server-sent events until the
// refresh finishes or the client goes away.
func (h *Handlers) Progress(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.hub.Subscribe(sessionID)
	defer sub.Close()

	for {
		select {
		case <-r.Context().Done():
			log.Debug().Str("session", sessionID).Msg("Progress subscriber disconnected")
			return
		case frame, open := <-sub.Frames:
			if !open {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// CancelRefresh aborts a running session.
func (h *Handlers) CancelRefresh(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	if !h.orchestrator.Cancel(sessionID) {
		writeError(w, http.StatusNotFound, "no active refresh for session", map[string]interface{}{"sessionId": sessionID})
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{"sessionId": sessionID, "cancelled": true})
}

func parsePositive(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// ListAssets serves the paginated asset listing.
func (h *Handlers) ListAssets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := parsePositive(q.Get("page"), 1)
	limit := parsePositive(q.Get("limit"), 50)
	if limit > 500 {
		limit = 500
	}

	sortBy := q.Get("sortBy")
	if sortBy == "" {
		sortBy = "symbol"
	}
	if !store.ValidSortColumn(sortBy) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid sort column %q", sortBy), nil)
		return
	}
	sortOrder := strings.ToLower(q.Get("sortOrder"))
	if sortOrder != "desc" {
		sortOrder = "asc"
	}

	filter := store.Filter{Status: q.Get("status"), Search: q.Get("search")}
	query := store.Query{
		Filter:    filter,
		SortBy:    sortBy,
		SortOrder: sortOrder,
		Limit:     limit,
		Offset:    (page - 1) * limit,
	}

	assets, err := h.store.FindAll(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	total, err := h.store.Count(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}

	totalPages := int((total + int64(limit) - 1) / int64(limit))
	writeData(w, http.StatusOK, map[string]interface{}{
		"assets": assets,
		"pagination": map[string]interface{}{
			"page":       page,
			"limit":      limit,
			"total":      total,
			"totalPages": totalPages,
		},
	})
}

// AllAssets serves the unpaginated listing.
func (h *Handlers) AllAssets(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	sortBy := q.Get("sortBy")
	if sortBy == "" {
		sortBy = "symbol"
	}
	if !store.ValidSortColumn(sortBy) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid sort column %q", sortBy), nil)
		return
	}
	sortOrder := strings.ToLower(q.Get("sortOrder"))
	if sortOrder != "desc" {
		sortOrder = "asc"
	}

	assets, err := h.store.FindAll(r.Context(), store.Query{
		Filter:    store.Filter{Status: q.Get("status"), Search: q.Get("search")},
		SortBy:    sortBy,
		SortOrder: sortOrder,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}

	lastUpdated, _ := h.store.MaxUpdatedAt(r.Context())
	writeData(w, http.StatusOK, map[string]interface{}{
		"assets":        assets,
		"count":         len(assets),
		"executionTime": time.Since(start).Milliseconds(),
		"lastUpdated":   lastUpdated,
	})
}

// GetAsset serves one asset by its (normalized) symbol.
func (h *Handlers) GetAsset(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["symbol"]
	symbol := domain.Normalize(raw)
	if !domain.ValidSymbol(symbol) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid symbol %q", raw), nil)
		return
	}

	asset, err := h.store.FindBySymbol(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("asset %s not found", symbol), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	writeData(w, http.StatusOK, asset)
}

// StatsOverview serves headline store statistics.
func (h *Handlers) StatsOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	total, err := h.store.Count(ctx, store.Filter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	trading, err := h.store.Count(ctx, store.Filter{Status: string(domain.StatusTrading)})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}

	gainers, err := h.store.TopAssets(ctx, "priceChangePercent", true, 5)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	losers, err := h.store.TopAssets(ctx, "priceChangePercent", false, 5)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	volume, err := h.store.TopAssets(ctx, "quoteVolume24h", true, 5)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"totalAssets":   total,
		"tradingAssets": trading,
		"topGainers":    gainers,
		"topLosers":     losers,
		"topVolume":     volume,
	})
}

// InvalidateCache drops response-cache entries matching the pattern.
func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pattern string `json:"pattern"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	removed := h.cache.Invalidate(r.Context(), req.Pattern)
	writeData(w, http.StatusOK, map[string]interface{}{
		"pattern":         req.Pattern,
		"invalidatedKeys": removed,
	})
}

// Clear truncates the asset table.
func (h *Handlers) Clear(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.store.Truncate(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	log.Warn().Int64("deleted", deleted).Msg("Asset table cleared by operator")
	writeData(w, http.StatusOK, map[string]interface{}{"deletedCount": deleted})
}

// Health reports liveness of the store plus governor, breaker and cache
// state.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK

	dbErr := h.store.Ping(r.Context())
	if dbErr != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	suspended, remaining := h.governor.Suspended()
	body := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"database": map[string]interface{}{
			"healthy": dbErr == nil,
			"stats":   h.store.Stats(),
		},
		"governor": map[string]interface{}{
			"suspended":       suspended,
			"recoverySeconds": int(remaining.Seconds()),
			"buckets":         h.governor.Snapshot(),
			"breaker":         h.governor.Breaker().State(),
		},
		"cache":          h.cache.Stats(),
		"activeSessions": h.orchestrator.Active(),
	}
	if dbErr != nil {
		body["database"].(map[string]interface{})["error"] = dbErr.Error()
	}
	writeJSON(w, code, body)
}

// NotFound answers unknown routes in the envelope shape.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path), nil)
}
