package stream

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/perpsync/internal/metrics"
)

// Config tunes per-session heartbeat behavior.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	VisibleEvery      int           `yaml:"visible_every"` // every Nth heartbeat is a visible event
	WarnAfter         time.Duration `yaml:"warn_after"`
	QueueSize         int           `yaml:"queue_size"`
}

// DefaultConfig matches the documented cadence: 30s keep-alives, a visible
// heartbeat roughly every 3 minutes, and a timeout warning after 55s of
// silence.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		VisibleEvery:      6,
		WarnAfter:         55 * time.Second,
		QueueSize:         64,
	}
}

type session struct {
	id       string
	frames   chan []byte
	done     chan struct{}
	lastSent time.Time
	closed   bool
}

// Hub is the registry of active progress streams. Writes never block the
// orchestrator: each sink has a bounded queue drained by its subscriber, and
// a full queue drops the frame.
type Hub struct {
	cfg      Config
	mu       sync.Mutex
	sessions map[string]*session
	stop     chan struct{}
	stopped  sync.Once
	wg       sync.WaitGroup
}

// NewHub builds a hub; tests construct dedicated instances.
func NewHub(cfg Config) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.VisibleEvery <= 0 {
		cfg.VisibleEvery = 6
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = 55 * time.Second
	}
	return &Hub{
		cfg:      cfg,
		sessions: make(map[string]*session),
		stop:     make(chan struct{}),
	}
}

// Subscription hands the subscriber its frame channel. The channel closes
// when the session ends.
type Subscription struct {
	SessionID string
	Frames    <-chan []byte
	hub       *Hub
	sess      *session
}

// Close detaches the subscriber and tears its session down. A subscription
// that was already replaced by a reconnect is a no-op: teardown only touches
// the registry entry that still points at this subscription's session.
func (s *Subscription) Close() {
	s.hub.drop(s.sess)
}

// Subscribe registers a sink for the session id, replacing any previous one,
// and queues the initial connected event.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	h.mu.Lock()
	replaced := false
	if old, ok := h.sessions[sessionID]; ok {
		h.closeLocked(old)
		replaced = true
	}
	s := &session{
		id:       sessionID,
		frames:   make(chan []byte, h.cfg.QueueSize),
		done:     make(chan struct{}),
		lastSent: time.Now(),
	}
	h.sessions[sessionID] = s
	h.sendLocked(s, Connected(sessionID).Encode())
	h.mu.Unlock()

	if !replaced {
		metrics.StreamSubscribers.Inc()
	}
	h.wg.Add(1)
	go h.heartbeatLoop(s)

	log.Debug().Str("session", sessionID).Msg("Progress stream subscribed")
	return &Subscription{SessionID: sessionID, Frames: s.frames, hub: h, sess: s}
}

// Publish queues an event for the session. Returns false when no subscriber
// is registered or the frame was dropped.
func (h *Hub) Publish(sessionID string, ev Event) bool {
	frame := ev.Encode()
	if frame == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return false
	}
	return h.sendLocked(s, frame)
}

// KeepAlive writes the comment frame; used by the heartbeat loop.
func (h *Hub) keepAlive(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[sessionID]; ok {
		h.sendLocked(s, KeepAliveFrame)
	}
}

func (h *Hub) sendLocked(s *session, frame []byte) bool {
	if s.closed {
		return false
	}
	select {
	case s.frames <- frame:
		s.lastSent = time.Now()
		return true
	default:
		metrics.StreamDropped.Inc()
		log.Warn().Str("session", s.id).Msg("Progress sink queue full, dropping frame")
		return false
	}
}

// Unsubscribe removes the session by id; called by the orchestrator at
// stream end.
func (h *Hub) Unsubscribe(sessionID string) {
	h.mu.Lock()
	s := h.sessions[sessionID]
	h.mu.Unlock()
	if s != nil {
		h.drop(s)
	}
}

// drop removes the session from the registry only while it is still the
// registered sink for its id; a session displaced by a reconnect was already
// closed and must not take the replacement down with it.
func (h *Hub) drop(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.sessions[s.id]; !ok || cur != s {
		return
	}
	delete(h.sessions, s.id)
	h.closeLocked(s)
	metrics.StreamSubscribers.Dec()
	log.Debug().Str("session", s.id).Msg("Progress stream closed")
}

func (h *Hub) closeLocked(s *session) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.frames)
}

// Subscribed reports whether the session currently has a sink.
func (h *Hub) Subscribed(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[sessionID]
	return ok
}

// ActiveSessions lists currently registered session ids.
func (h *Hub) ActiveSessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		out = append(out, id)
	}
	return out
}

// Stop tears down every session and waits for heartbeat loops to exit.
func (h *Hub) Stop() {
	h.stopped.Do(func() {
		close(h.stop)
		h.mu.Lock()
		for id, s := range h.sessions {
			delete(h.sessions, id)
			h.closeLocked(s)
			metrics.StreamSubscribers.Dec()
		}
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// heartbeatLoop writes keep-alives on the configured cadence, promotes every
// Nth one to a visible heartbeat event, and emits a timeout warning when the
// stream has been silent too long.
func (h *Hub) heartbeatLoop(s *session) {
	defer h.wg.Done()

	hbTicker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer hbTicker.Stop()
	warnTicker := time.NewTicker(h.cfg.WarnAfter / 4)
	defer warnTicker.Stop()

	beats := 0
	for {
		select {
		case <-s.done:
			return
		case <-h.stop:
			return
		case <-hbTicker.C:
			beats++
			if beats%h.cfg.VisibleEvery == 0 {
				h.Publish(s.id, Heartbeat(s.id))
			} else {
				h.keepAlive(s.id)
			}
		case <-warnTicker.C:
			h.mu.Lock()
			silent := time.Since(s.lastSent) >= h.cfg.WarnAfter
			h.mu.Unlock()
			if silent {
				h.Publish(s.id, TimeoutWarning(s.id))
			}
		}
	}
}
