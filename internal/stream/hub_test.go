package stream

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeFrame(t *testing.T, frame []byte) Event {
	t.Helper()
	s := string(frame)
	require.True(t, strings.HasPrefix(s, "data: "), "frame %q", s)
	require.True(t, strings.HasSuffix(s, "\n\n"))
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(s, "data: "), "\n\n")), &ev))
	return ev
}

func testHubConfig() Config {
	return Config{
		HeartbeatInterval: 20 * time.Millisecond,
		VisibleEvery:      2,
		WarnAfter:         40 * time.Millisecond,
		QueueSize:         4,
	}
}

func TestSubscribeEmitsConnected(t *testing.T) {
	h := NewHub(testHubConfig())
	defer h.Stop()

	sub := h.Subscribe("refresh_1")
	defer sub.Close()

	select {
	case frame := <-sub.Frames:
		ev := decodeFrame(t, frame)
		assert.Equal(t, TypeConnected, ev["type"])
		assert.Equal(t, "refresh_1", ev["sessionId"])
		assert.NotZero(t, ev["timestamp"])
	case <-time.After(time.Second):
		t.Fatal("no connected event")
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	h := NewHub(testHubConfig())
	defer h.Stop()

	sub := h.Subscribe("refresh_2")
	defer sub.Close()
	<-sub.Frames // connected

	require.True(t, h.Publish("refresh_2", Progress("refresh_2", "fetching", 10, 0, 100, "")))
	require.True(t, h.Publish("refresh_2", Progress("refresh_2", "merging", 50, 50, 100, "BTC-USDT")))

	first := decodeFrame(t, <-sub.Frames)
	second := decodeFrame(t, <-sub.Frames)
	assert.Equal(t, "fetching", first["message"])
	assert.Equal(t, "merging", second["message"])
	assert.Equal(t, "BTC-USDT", second["current"])
	assert.LessOrEqual(t, first["timestamp"].(float64), second["timestamp"].(float64))
}

func TestPublishToUnknownSessionIsDropped(t *testing.T) {
	h := NewHub(testHubConfig())
	defer h.Stop()

	assert.False(t, h.Publish("nobody", Heartbeat("nobody")))
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(testHubConfig())
	defer h.Stop()

	sub := h.Subscribe("refresh_3")
	defer sub.Close()

	// Queue size 4, one slot taken by connected. Publishes past the cap must
	// return promptly and report the drop.
	delivered := 0
	for i := 0; i < 10; i++ {
		if h.Publish("refresh_3", Progress("refresh_3", "m", i, i, 10, "")) {
			delivered++
		}
	}
	assert.Equal(t, 3, delivered)
}

func TestUnsubscribeClosesFrames(t *testing.T) {
	h := NewHub(testHubConfig())
	defer h.Stop()

	sub := h.Subscribe("refresh_4")
	require.True(t, h.Subscribed("refresh_4"))
	sub.Close()
	assert.False(t, h.Subscribed("refresh_4"))

	// Channel drains then closes.
	for range sub.Frames {
	}
	assert.False(t, h.Publish("refresh_4", Heartbeat("refresh_4")))
}

func TestResubscribeReplacesSink(t *testing.T) {
	h := NewHub(testHubConfig())
	defer h.Stop()

	old := h.Subscribe("refresh_5")
	fresh := h.Subscribe("refresh_5")
	defer fresh.Close()

	// The replaced sink's channel is closed once drained.
	for range old.Frames {
	}

	require.True(t, h.Publish("refresh_5", Heartbeat("refresh_5")))
	<-fresh.Frames // connected
	ev := decodeFrame(t, <-fresh.Frames)
	assert.Equal(t, TypeHeartbeat, ev["type"])
}

func TestReconnectSurvivesOldConnectionTeardown(t *testing.T) {
	h := NewHub(testHubConfig())
	defer h.Stop()

	old := h.Subscribe("refresh_8")
	fresh := h.Subscribe("refresh_8")
	defer fresh.Close()

	// The displaced handler drains its closed channel and tears down, exactly
	// as the SSE handler does on return. That must not touch the new sink.
	for range old.Frames {
	}
	old.Close()

	require.True(t, h.Subscribed("refresh_8"))
	require.True(t, h.Publish("refresh_8", Progress("refresh_8", "merging", 60, 60, 100, "")))
	<-fresh.Frames // connected
	ev := decodeFrame(t, <-fresh.Frames)
	assert.Equal(t, "merging", ev["message"])
}

func TestNewHubNormalizesZeroIntervals(t *testing.T) {
	h := NewHub(Config{QueueSize: 8})
	defer h.Stop()

	assert.Equal(t, 30*time.Second, h.cfg.HeartbeatInterval)
	assert.Equal(t, 55*time.Second, h.cfg.WarnAfter)

	// The heartbeat loop starts tickers from these values on first subscribe.
	sub := h.Subscribe("refresh_9")
	defer sub.Close()
	select {
	case frame := <-sub.Frames:
		assert.Equal(t, TypeConnected, decodeFrame(t, frame)["type"])
	case <-time.After(time.Second):
		t.Fatal("no connected event")
	}
}

func TestHeartbeatAndTimeoutWarning(t *testing.T) {
	h := NewHub(testHubConfig())
	defer h.Stop()

	sub := h.Subscribe("refresh_6")
	defer sub.Close()
	<-sub.Frames // connected

	var sawKeepAlive, sawVisible, sawWarning bool
	deadline := time.After(500 * time.Millisecond)
	for !(sawKeepAlive && sawVisible && sawWarning) {
		select {
		case frame, ok := <-sub.Frames:
			if !ok {
				t.Fatal("frames closed early")
			}
			if string(frame) == string(KeepAliveFrame) {
				sawKeepAlive = true
				continue
			}
			ev := decodeFrame(t, frame)
			switch ev["type"] {
			case TypeHeartbeat:
				sawVisible = true
			case TypeTimeoutWarning:
				sawWarning = true
			}
		case <-deadline:
			t.Fatalf("missing frames: keepalive=%v visible=%v warning=%v",
				sawKeepAlive, sawVisible, sawWarning)
		}
	}
}

func TestCompletedEventCarriesCounts(t *testing.T) {
	ev := Completed("refresh_7", map[string]interface{}{
		"created": 10, "updated": 5, "errors": 0,
	})
	assert.Equal(t, TypeCompleted, ev["type"])
	assert.Equal(t, 100, ev["progress"])
	assert.Equal(t, 10, ev["created"])
	assert.Equal(t, 5, ev["updated"])
}
