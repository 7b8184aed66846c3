package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ginger/server/internal/vibe"
)

// RemoteMedia drives the camera and microphone of a connected browser.
// Each acquisition is a request/response round trip over the user's
// WebSocket connection.
type RemoteMedia struct {
	hub *Hub
	log zerolog.Logger

	mu      sync.Mutex
	pending map[string]*mediaRequest
}

type mediaRequest struct {
	userID string
	reply  chan mediaReply
}

type mediaReply struct {
	tracks []vibe.Track
	err    error
}

// NewRemoteMedia creates a media driver that talks through hub.
func NewRemoteMedia(hub *Hub, log zerolog.Logger) *RemoteMedia {
	return &RemoteMedia{
		hub:     hub,
		log:     log.With().Str("module", "realtime.media").Logger(),
		pending: make(map[string]*mediaRequest),
	}
}

// Device returns the media device of userID.
func (m *RemoteMedia) Device(userID string) vibe.MediaDevice {
	return &remoteDevice{media: m, userID: userID}
}

// Resolve completes the pending request named in reply. Replies from a
// different user than the one asked are ignored.
func (m *RemoteMedia) Resolve(userID string, kind EventType, reply MediaReplyPayload) {
	m.mu.Lock()
	req, ok := m.pending[reply.RequestID]
	if ok && req.userID == userID {
		delete(m.pending, reply.RequestID)
	}
	m.mu.Unlock()

	if !ok || req.userID != userID {
		m.log.Debug().Str("user_id", userID).Str("request_id", reply.RequestID).Msg("unexpected media reply")
		return
	}

	var r mediaReply
	if kind == EventMediaError {
		r.err = browserError(reply.Name, reply.Message)
	} else {
		r.tracks = reply.Tracks
	}
	req.reply <- r
}

// Pending returns the number of unanswered acquisitions.
func (m *RemoteMedia) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *RemoteMedia) acquire(ctx context.Context, userID string, c vibe.Constraints) ([]vibe.Track, error) {
	if !m.hub.IsUserOnline(userID) {
		return nil, vibe.ErrDeviceUnavailable
	}

	id := uuid.NewString()
	req := &mediaRequest{userID: userID, reply: make(chan mediaReply, 1)}
	m.mu.Lock()
	m.pending[id] = req
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	sent := m.hub.BroadcastToUser(userID, newMessage(EventMediaAcquire, MediaAcquirePayload{
		RequestID:   id,
		Constraints: c,
	}))
	if !sent {
		return nil, vibe.ErrDeviceUnavailable
	}

	select {
	case r := <-req.reply:
		return r.tracks, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", vibe.ErrDeviceUnavailable, ctx.Err())
	}
}

// browserError maps a getUserMedia DOMException name to a media sentinel.
func browserError(name, message string) error {
	var base error
	switch name {
	case "NotAllowedError", "PermissionDeniedError", "SecurityError":
		base = vibe.ErrPermissionDenied
	case "NotFoundError", "DevicesNotFoundError":
		base = vibe.ErrDeviceNotFound
	case "NotReadableError", "TrackStartError", "AbortError":
		base = vibe.ErrDeviceInUse
	case "OverconstrainedError", "ConstraintNotSatisfiedError":
		base = vibe.ErrOverconstrained
	default:
		base = vibe.ErrDeviceUnavailable
	}
	if message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, message)
}

type remoteDevice struct {
	media  *RemoteMedia
	userID string
}

func (d *remoteDevice) Acquire(ctx context.Context, c vibe.Constraints) (vibe.MediaStream, error) {
	tracks, err := d.media.acquire(ctx, d.userID, c)
	if err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		tracks = []vibe.Track{{Kind: vibe.TrackVideo, Enabled: true}, {Kind: vibe.TrackAudio, Enabled: true}}
	}
	return &remoteStream{device: d, tracks: tracks}, nil
}

type remoteStream struct {
	device *remoteDevice

	mu      sync.Mutex
	tracks  []vibe.Track
	stopped bool
}

func (s *remoteStream) Tracks() []vibe.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]vibe.Track(nil), s.tracks...)
}

func (s *remoteStream) SetTrackEnabled(kind vibe.TrackKind, enabled bool) error {
	s.mu.Lock()
	found := false
	for i := range s.tracks {
		if s.tracks[i].Kind == kind {
			s.tracks[i].Enabled = enabled
			found = true
		}
	}
	s.mu.Unlock()
	if !found {
		return vibe.ErrUnknownTrack
	}

	s.device.media.hub.BroadcastToUser(s.device.userID, newMessage(EventMediaToggle, TogglePayload{
		Kind:    kind,
		Enabled: enabled,
	}))
	return nil
}

func (s *remoteStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.device.media.hub.BroadcastToUser(s.device.userID, newMessage(EventMediaRelease, nil))
}
