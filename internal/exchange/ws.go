package exchange

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// UserStreamConfig tunes the user-data stream subscriber.
type UserStreamConfig struct {
	WSBaseURL     string        `yaml:"ws_base_url"`
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
	KeepAlive     time.Duration `yaml:"keep_alive"`
}

// DefaultUserStreamConfig returns the live websocket host and conservative
// reconnect pacing.
func DefaultUserStreamConfig() UserStreamConfig {
	return UserStreamConfig{
		WSBaseURL:     "wss://open-api-swap.bingx.com/swap-market",
		ReconnectBase: 2 * time.Second,
		ReconnectMax:  time.Minute,
		KeepAlive:     20 * time.Minute,
	}
}

// UserStream maintains the listen-key lifecycle and a websocket connection
// delivering raw account events. Messages arrive gzip-compressed.
type UserStream struct {
	cfg    UserStreamConfig
	client *Client
	events chan []byte
}

// NewUserStream builds a subscriber over the REST client's listen-key ops.
func NewUserStream(cfg UserStreamConfig, client *Client) *UserStream {
	return &UserStream{cfg: cfg, client: client, events: make(chan []byte, 256)}
}

// Events returns the channel of decompressed event payloads. Closed when Run
// returns.
func (s *UserStream) Events() <-chan []byte { return s.events }

// Run connects and pumps events until ctx is cancelled, reconnecting with
// exponential backoff and refreshing the listen key on schedule.
func (s *UserStream) Run(ctx context.Context) error {
	defer close(s.events)

	backoff := s.cfg.ReconnectBase
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		listenKey, err := s.client.CreateListenKey(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create listen key, backing off")
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, s.cfg.ReconnectMax)
			continue
		}

		err = s.pump(ctx, listenKey)
		_ = s.client.CloseListenKey(context.WithoutCancel(ctx), listenKey)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Dur("backoff", backoff).Msg("User stream disconnected, reconnecting")
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, s.cfg.ReconnectMax)
	}
}

func (s *UserStream) pump(ctx context.Context, listenKey string) error {
	wsURL := s.cfg.WSBaseURL + "?listenKey=" + listenKey
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial user stream: %w", err)
	}
	defer conn.Close()
	log.Info().Msg("User data stream connected")

	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()

	done := make(chan error, 1)
	go func() {
		for {
			_, payload, readErr := conn.ReadMessage()
			if readErr != nil {
				done <- readErr
				return
			}
			data, decErr := maybeGunzip(payload)
			if decErr != nil {
				log.Warn().Err(decErr).Msg("Failed to decompress stream message")
				continue
			}
			// Upstream liveness probe: answer Ping with Pong.
			if bytes.Equal(data, []byte("Ping")) {
				_ = conn.WriteMessage(websocket.TextMessage, []byte("Pong"))
				continue
			}
			select {
			case s.events <- data:
			default:
				log.Warn().Msg("User stream consumer slow, dropping event")
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()
		case <-keepAlive.C:
			if err := s.client.KeepAliveListenKey(ctx, listenKey); err != nil {
				return fmt.Errorf("listen key keepalive failed: %w", err)
			}
		case err := <-done:
			return err
		}
	}
}

func maybeGunzip(payload []byte) ([]byte, error) {
	if len(payload) < 2 || payload[0] != 0x1f || payload[1] != 0x8b {
		return payload, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
