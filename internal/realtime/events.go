package realtime

import (
	"encoding/json"
	"time"

	"ginger/server/internal/vibe"
)

// EventType represents different WebSocket event types
type EventType string

const (
	// Client commands
	EventStartSearch  EventType = "start_search"
	EventCancelSearch EventType = "cancel_search"
	EventEndCall      EventType = "end_call"
	EventDecide       EventType = "decide"
	EventFindAnother  EventType = "find_another"
	EventExit         EventType = "exit"
	EventToggleMedia  EventType = "toggle_media"
	EventSignal       EventType = "signal"

	// Media device round trip
	EventMediaAcquire EventType = "media_acquire"
	EventMediaReady   EventType = "media_ready"
	EventMediaError   EventType = "media_error"
	EventMediaRelease EventType = "media_release"
	EventMediaToggle  EventType = "media_toggle"

	// Flow state, pushed on connect
	EventStateChanged EventType = "state_changed"

	// Error events
	EventError EventType = "error"
)

// WSMessage represents a WebSocket message structure
type WSMessage struct {
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// IncomingMessage represents messages received from clients
type IncomingMessage struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorPayload represents error event payload
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecidePayload is sent with EventDecide
type DecidePayload struct {
	Decision string `json:"decision"`
}

// TogglePayload is sent with EventToggleMedia and EventMediaToggle
type TogglePayload struct {
	Kind    vibe.TrackKind `json:"kind"`
	Enabled bool           `json:"enabled"`
}

// MediaAcquirePayload asks the browser to open its camera and microphone
type MediaAcquirePayload struct {
	RequestID   string           `json:"requestId"`
	Constraints vibe.Constraints `json:"constraints"`
}

// MediaReplyPayload answers a MediaAcquirePayload. Name carries the
// browser's DOMException name on failure.
type MediaReplyPayload struct {
	RequestID string       `json:"requestId"`
	Tracks    []vibe.Track `json:"tracks,omitempty"`
	Name      string       `json:"name,omitempty"`
	Message   string       `json:"message,omitempty"`
}

func newMessage(t EventType, payload interface{}) WSMessage {
	return WSMessage{Type: t, Payload: payload, Timestamp: time.Now()}
}
