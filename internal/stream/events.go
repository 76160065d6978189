// Package stream delivers typed refresh progress events over server-sent
// event channels, one per session id.
package stream

import (
	"encoding/json"
	"time"
)

// Event types on the wire.
const (
	TypeConnected      = "connected"
	TypeProgress       = "progress"
	TypeCompleted      = "completed"
	TypeError          = "error"
	TypeCancelled      = "cancelled"
	TypeHeartbeat      = "heartbeat"
	TypeTimeoutWarning = "timeout_warning"
	TypeTest           = "test"
)

// KeepAliveFrame is the SSE comment line written between real events.
var KeepAliveFrame = []byte(":\n\n")

// Event is one progress stream message. Every event carries at least type,
// sessionId and timestamp.
type Event map[string]interface{}

func newEvent(typ, sessionID string) Event {
	return Event{
		"type":      typ,
		"sessionId": sessionID,
		"timestamp": time.Now().UnixMilli(),
	}
}

// Encode renders the SSE frame: a single data: line plus blank terminator.
func (e Event) Encode() []byte {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	return frame
}

// Connected is emitted once on subscribe.
func Connected(sessionID string) Event {
	return newEvent(TypeConnected, sessionID)
}

// Progress reports stage advancement; progress is a 0-100 percent.
func Progress(sessionID, message string, progress, processed, total int, current string) Event {
	e := newEvent(TypeProgress, sessionID)
	e["message"] = message
	e["progress"] = progress
	e["processed"] = processed
	e["total"] = total
	if current != "" {
		e["current"] = current
	}
	return e
}

// Completed carries the cumulative counts of a finished refresh.
func Completed(sessionID string, summary map[string]interface{}) Event {
	e := newEvent(TypeCompleted, sessionID)
	e["progress"] = 100
	for k, v := range summary {
		e[k] = v
	}
	return e
}

// ErrorEvent terminates a stream with a failure message.
func ErrorEvent(sessionID, message string) Event {
	e := newEvent(TypeError, sessionID)
	e["message"] = message
	return e
}

// Cancelled terminates a stream after an operator cancellation.
func Cancelled(sessionID string) Event {
	return newEvent(TypeCancelled, sessionID)
}

// Heartbeat is the periodically visible liveness event.
func Heartbeat(sessionID string) Event {
	return newEvent(TypeHeartbeat, sessionID)
}

// TimeoutWarning is written pre-emptively when no event has gone out for a
// while, so intermediate proxies keep the connection open.
func TimeoutWarning(sessionID string) Event {
	e := newEvent(TypeTimeoutWarning, sessionID)
	e["message"] = "no recent activity, connection kept alive"
	return e
}

// TestEvent exists for connectivity probes from operators.
func TestEvent(sessionID string) Event {
	return newEvent(TypeTest, sessionID)
}
