package vibe

import (
	"time"

	"ginger/server/internal/models"
)

// State is the client-visible state of a vibe flow.
type State string

const (
	StateIdle      State = "idle"
	StateSearching State = "searching"
	StateInCall    State = "in-call"
	StateDecision  State = "decision"
	StateMatched   State = "matched"
	StateNoMatch   State = "no-match"
)

// Resting reports whether a flow in state s holds no queue entry, call
// or media.
func (s State) Resting() bool {
	return s == StateIdle || s == StateMatched || s == StateNoMatch
}

// IdleSnapshot is the state of a user without a flow.
func IdleSnapshot() Snapshot {
	return Snapshot{State: StateIdle}
}

// EventType names a server-to-client event.
type EventType string

const (
	EventStateChanged    EventType = "state_changed"
	EventSearchStatus    EventType = "search_status"
	EventCallStarted     EventType = "call_started"
	EventCallTick        EventType = "call_tick"
	EventCooldownElapsed EventType = "cooldown_elapsed"
	EventCallEnded       EventType = "call_ended"
	EventPartnerDecided  EventType = "partner_decided"
	EventOutcome         EventType = "outcome"
	EventPartnerLeft     EventType = "partner_left"
	EventSignal          EventType = "signal"
	EventMediaError      EventType = "media_error"
	EventMediaFallback   EventType = "media_fallback"
	EventError           EventType = "error"
)

// Event is delivered to the user's connected clients.
type Event struct {
	Type    EventType
	Payload any
}

// Sink delivers events to a user. Deliver must not block.
type Sink interface {
	Deliver(userID string, ev Event)
}

// Snapshot is the full client-visible state of a flow.
type Snapshot struct {
	State             State           `json:"state"`
	SessionID         string          `json:"sessionId,omitempty"`
	Role              models.Side     `json:"role,omitempty"`
	Initiator         bool            `json:"initiator"`
	Room              string          `json:"room,omitempty"`
	Partner           *models.Profile `json:"partner,omitempty"`
	QueueCount        int             `json:"queueCount"`
	SearchMessage     string          `json:"searchMessage,omitempty"`
	DurationSeconds   int             `json:"durationSeconds"`
	CooldownRemaining int             `json:"cooldownRemaining"`
	CanEnd            bool            `json:"canEnd"`
	MyDecision        models.Decision `json:"myDecision,omitempty"`
	PartnerDecided    bool            `json:"partnerDecided"`
	Outcome           Outcome         `json:"outcome,omitempty"`
	MatchID           string          `json:"matchId,omitempty"`
	PartnerLeft       bool            `json:"partnerLeft"`
	VideoEnabled      bool            `json:"videoEnabled"`
	AudioEnabled      bool            `json:"audioEnabled"`
	MediaError        string          `json:"mediaError,omitempty"`
}

// CallStarted is the payload of EventCallStarted.
type CallStarted struct {
	SessionID       string         `json:"sessionId"`
	Room            string         `json:"room"`
	Role            models.Side    `json:"role"`
	Initiator       bool           `json:"initiator"`
	Partner         models.Profile `json:"partner"`
	CooldownSeconds int            `json:"cooldownSeconds"`
}

// CallTick is the payload of EventCallTick.
type CallTick struct {
	DurationSeconds   int  `json:"durationSeconds"`
	CooldownRemaining int  `json:"cooldownRemaining"`
	CanEnd            bool `json:"canEnd"`
}

// CallEnded is the payload of EventCallEnded.
type CallEnded struct {
	SessionID       string `json:"sessionId"`
	DurationSeconds int    `json:"durationSeconds"`
	EndedByMe       bool   `json:"endedByMe"`
}

// OutcomeReached is the payload of EventOutcome.
type OutcomeReached struct {
	SessionID string          `json:"sessionId"`
	Outcome   Outcome         `json:"outcome"`
	MatchID   string          `json:"matchId,omitempty"`
	Partner   *models.Profile `json:"partner,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// SearchStatus is the payload of EventSearchStatus.
type SearchStatus struct {
	QueueCount int    `json:"queueCount"`
	Message    string `json:"message"`
}

// ErrorPayload is the payload of EventError and EventMediaError.
type ErrorPayload struct {
	Message string `json:"message"`
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
