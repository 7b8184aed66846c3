package vibe

import (
	"errors"
	"fmt"
)

var (
	// Flow contract violations.
	ErrInvalidState    = errors.New("operation not allowed in the current state")
	ErrCooldownActive  = errors.New("call cannot end before the cooldown elapses")
	ErrInvalidDecision = errors.New("decision must be yes or no")
	ErrAlreadyDecided  = errors.New("decision already recorded")
	ErrFlowClosed      = errors.New("vibe flow closed")
	ErrUnknownTrack    = errors.New("unknown media track")

	// Matching races, absorbed by the flow.
	ErrCandidateTaken = errors.New("candidate is no longer queued")
	ErrNotQueued      = errors.New("own queue entry is gone")

	// Store lookups.
	ErrSessionNotFound = errors.New("call session not found")
	ErrSessionClosed   = errors.New("call session is closed")
	ErrProfileNotFound = errors.New("profile not found")
	ErrDuplicateMatch  = errors.New("match already exists for this pair")

	// Signaling; dropped silently by the relay's callers.
	ErrMalformedSignal = errors.New("malformed signaling message")
	ErrNotParticipant  = errors.New("sender is not a participant of the room")

	// Media resources.
	ErrPermissionDenied  = errors.New("media permission denied")
	ErrDeviceNotFound    = errors.New("media device not found")
	ErrDeviceInUse       = errors.New("media device in use")
	ErrOverconstrained   = errors.New("media constraints cannot be satisfied")
	ErrDeviceUnavailable = errors.New("media device unavailable")
)

// StoreError wraps a failure of the shared store. Callers treat it as
// transient: the next poll or heartbeat tick retries.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// MediaError is the only error kind with a user-facing message.
type MediaError struct {
	Err     error
	Message string
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media: %v", e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// NewMediaError classifies a device failure and attaches the message the
// client shows next to its retry control.
func NewMediaError(err error) *MediaError {
	var me *MediaError
	if errors.As(err, &me) {
		return me
	}

	var msg string
	switch {
	case errors.Is(err, ErrPermissionDenied):
		msg = "Camera permission denied. Please allow camera access in your browser settings and try again."
	case errors.Is(err, ErrDeviceNotFound):
		msg = "No camera found. Please connect a camera and try again."
	case errors.Is(err, ErrDeviceInUse):
		msg = "Camera is being used by another application. Please close other apps using your camera."
	case errors.Is(err, ErrOverconstrained):
		msg = "Could not access camera with supported settings."
	default:
		msg = "Could not access camera. Please check your permissions and try again."
	}
	return &MediaError{Err: err, Message: msg}
}

// Describe maps err to a stable code and a message safe to show to the
// user. Unknown errors collapse to "internal".
func Describe(err error) (code, message string) {
	var me *MediaError
	if errors.As(err, &me) {
		return "media", me.Message
	}

	switch {
	case errors.Is(err, ErrInvalidState):
		return "invalid_state", ErrInvalidState.Error()
	case errors.Is(err, ErrCooldownActive):
		return "cooldown_active", ErrCooldownActive.Error()
	case errors.Is(err, ErrInvalidDecision):
		return "invalid_decision", ErrInvalidDecision.Error()
	case errors.Is(err, ErrAlreadyDecided):
		return "already_decided", ErrAlreadyDecided.Error()
	case errors.Is(err, ErrUnknownTrack):
		return "unknown_track", ErrUnknownTrack.Error()
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionClosed):
		return "session_closed", ErrSessionClosed.Error()
	case errors.Is(err, ErrMalformedSignal):
		return "malformed_signal", ErrMalformedSignal.Error()
	case errors.Is(err, ErrNotParticipant):
		return "not_participant", ErrNotParticipant.Error()
	case errors.Is(err, ErrFlowClosed):
		return "flow_closed", ErrFlowClosed.Error()
	}

	var se *StoreError
	if errors.As(err, &se) {
		return "unavailable", "Service temporarily unavailable, please try again"
	}
	return "internal", "Internal server error"
}
