package vibe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"ginger/server/internal/bus"
)

// SignalKind is the type of a signaling message.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// DefaultSTUNURLs are used when no ICE servers are configured.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Signal is one relayed WebRTC handshake message.
type Signal struct {
	Kind      SignalKind               `json:"kind"`
	Room      string                   `json:"room,omitempty"`
	SessionID string                   `json:"session,omitempty"`
	From      string                   `json:"from"`
	To        string                   `json:"to"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// SessionRoom is the signaling room of a call session.
func SessionRoom(sessionID string) string {
	return "session." + sessionID
}

// ICEServers builds the ICE configuration handed to clients.
func ICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		urls = DefaultSTUNURLs
	}
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}

// Relay forwards offers, answers and ICE candidates between the two
// participants of a room over the room bus.
type Relay struct {
	rooms    bus.Bus
	sessions SessionStore
	log      zerolog.Logger
}

func NewRelay(rooms bus.Bus, sessions SessionStore, log zerolog.Logger) *Relay {
	return &Relay{
		rooms:    rooms,
		sessions: sessions,
		log:      log.With().Str("module", "vibe.relay").Logger(),
	}
}

// Send validates sig and publishes it to the SessionRoom of its session.
// Signals without a session are malformed.
func (r *Relay) Send(ctx context.Context, sig Signal) error {
	initiator, err := r.route(ctx, &sig)
	if err != nil {
		return err
	}
	if err := validateSignal(sig, initiator); err != nil {
		return err
	}

	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}
	if err := r.rooms.Publish(ctx, bus.RoomTopic(sig.Room), payload); err != nil {
		return fmt.Errorf("failed to publish signal: %w", err)
	}
	return nil
}

// route resolves the room of sig, checks the participants and returns the
// user allowed to send offers.
func (r *Relay) route(ctx context.Context, sig *Signal) (string, error) {
	if sig.From == "" || sig.To == "" || sig.From == sig.To {
		return "", ErrNotParticipant
	}

	if sig.SessionID == "" {
		return "", fmt.Errorf("%w: no session", ErrMalformedSignal)
	}

	sess, err := r.sessions.GetSession(ctx, sig.SessionID)
	if err != nil {
		return "", err
	}
	if _, ok := sess.SideOf(sig.From); !ok || sess.PeerOf(sig.From) != sig.To {
		return "", ErrNotParticipant
	}
	if sess.Status.Terminal() || sess.EndedAt != nil {
		return "", ErrSessionClosed
	}
	sig.Room = SessionRoom(sess.ID)
	return sess.CallerID, nil
}

func validateSignal(sig Signal, initiator string) error {
	switch sig.Kind {
	case SignalOffer, SignalAnswer:
		if (sig.Kind == SignalOffer) != (sig.From == initiator) {
			return fmt.Errorf("%w: %s from wrong side", ErrMalformedSignal, sig.Kind)
		}
		desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(string(sig.Kind)), SDP: sig.SDP}
		parsed, err := desc.Unmarshal()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedSignal, err)
		}
		if !hasMedia(parsed) {
			return fmt.Errorf("%w: no media sections", ErrMalformedSignal)
		}
	case SignalCandidate:
		// An empty candidate string marks the end of gathering.
		if sig.Candidate == nil {
			return fmt.Errorf("%w: missing candidate", ErrMalformedSignal)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedSignal, sig.Kind)
	}
	return nil
}

// EndOfCandidates reports whether sig tells the peer that ICE gathering
// has finished.
func (s Signal) EndOfCandidates() bool {
	return s.Kind == SignalCandidate && s.Candidate != nil && strings.TrimSpace(s.Candidate.Candidate) == ""
}

func hasMedia(desc *sdp.SessionDescription) bool {
	return desc != nil && len(desc.MediaDescriptions) > 0
}

// SignalSubscription yields signals addressed to one participant.
type SignalSubscription struct {
	Room string
	C    <-chan Signal

	sub  *bus.Subscription
	stop chan struct{}
	once sync.Once
}

// Close ends the subscription. Safe on nil and more than once.
func (s *SignalSubscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		close(s.stop)
		s.sub.Close()
	})
}

// Subscribe delivers the signals of room that are addressed to self.
func (r *Relay) Subscribe(ctx context.Context, room, self string) (*SignalSubscription, error) {
	sub, err := r.rooms.Subscribe(ctx, bus.RoomTopic(room))
	if err != nil {
		return nil, fmt.Errorf("failed to join room %s: %w", room, err)
	}

	out := make(chan Signal, 32)
	s := &SignalSubscription{Room: room, C: out, sub: sub, stop: make(chan struct{})}
	go func() {
		defer close(out)
		for {
			var payload []byte
			var ok bool
			select {
			case <-s.stop:
				return
			case payload, ok = <-sub.C:
				if !ok {
					return
				}
			}

			var sig Signal
			if err := json.Unmarshal(payload, &sig); err != nil {
				r.log.Debug().Err(err).Str("room", room).Msg("dropping undecodable signal")
				continue
			}
			if sig.To != self || sig.Room != room {
				continue
			}
			select {
			case out <- sig:
			case <-s.stop:
				return
			}
		}
	}()
	return s, nil
}
