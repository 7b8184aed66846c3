package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"ginger/server/internal/models"
	"ginger/server/internal/realtime"
	"ginger/server/internal/vibe"
)

// inbound mirrors realtime.WSMessage with a raw payload.
type inbound struct {
	Type    realtime.EventType `json:"type"`
	Payload json.RawMessage    `json:"payload"`
}

type bot struct {
	conn     *websocket.Conn
	userID   string
	decision models.Decision
	talk     time.Duration
	loop     bool
	ice      []webrtc.ICEServer
	log      zerolog.Logger

	writeMu sync.Mutex

	// Owned by the read loop.
	call     *vibe.CallStarted
	pc       *webrtc.PeerConnection
	pending  []webrtc.ICECandidateInit
	endTimer *time.Timer
}

func newBot(conn *websocket.Conn, userID string, decision models.Decision, talk time.Duration, loop bool, ice []webrtc.ICEServer, log zerolog.Logger) *bot {
	return &bot{
		conn:     conn,
		userID:   userID,
		decision: decision,
		talk:     talk,
		loop:     loop,
		ice:      ice,
		log:      log.With().Str("module", "vibe-bot").Str("user_id", userID).Logger(),
	}
}

func (b *bot) run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		b.send(realtime.EventExit, nil)
		b.conn.Close()
	}()

	if err := b.send(realtime.EventStartSearch, nil); err != nil {
		return err
	}
	b.log.Info().Msg("🤖 searching for a partner")

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			b.hangUp()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			b.log.Debug().Err(err).Msg("ignoring unparsable message")
			continue
		}
		done, err := b.handle(msg)
		if err != nil {
			b.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("failed to handle message")
		}
		if done {
			return nil
		}
	}
}

func (b *bot) send(t realtime.EventType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(realtime.IncomingMessage{Type: t, Payload: raw})
	if err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return b.conn.WriteMessage(websocket.TextMessage, data)
}

// handle reacts to one server message and reports whether the bot is done.
func (b *bot) handle(msg inbound) (bool, error) {
	switch msg.Type {
	case realtime.EventMediaAcquire:
		var req realtime.MediaAcquirePayload
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return false, err
		}
		return false, b.send(realtime.EventMediaReady, realtime.MediaReplyPayload{
			RequestID: req.RequestID,
			Tracks: []vibe.Track{
				{Kind: vibe.TrackVideo, Enabled: true},
				{Kind: vibe.TrackAudio, Enabled: true},
			},
		})

	case realtime.EventType(vibe.EventSearchStatus):
		var st vibe.SearchStatus
		if err := json.Unmarshal(msg.Payload, &st); err == nil {
			b.log.Debug().Int("queue", st.QueueCount).Msg(st.Message)
		}

	case realtime.EventType(vibe.EventCallStarted):
		var call vibe.CallStarted
		if err := json.Unmarshal(msg.Payload, &call); err != nil {
			return false, err
		}
		return false, b.startCall(call)

	case realtime.EventType(vibe.EventSignal):
		var sig vibe.Signal
		if err := json.Unmarshal(msg.Payload, &sig); err != nil {
			return false, err
		}
		return false, b.onSignal(sig)

	case realtime.EventType(vibe.EventCallEnded):
		b.hangUp()
		b.log.Info().Str("decision", string(b.decision)).Msg("call ended, deciding")
		return false, b.send(realtime.EventDecide, realtime.DecidePayload{Decision: string(b.decision)})

	case realtime.EventType(vibe.EventOutcome):
		var out vibe.OutcomeReached
		if err := json.Unmarshal(msg.Payload, &out); err != nil {
			return false, err
		}
		b.hangUp()
		b.log.Info().Str("outcome", string(out.Outcome)).Str("match_id", out.MatchID).Str("reason", out.Reason).Msg("call resolved")
		if !b.loop {
			return true, b.send(realtime.EventExit, nil)
		}
		return false, b.send(realtime.EventFindAnother, nil)

	case realtime.EventType(vibe.EventMediaError), realtime.EventError:
		var p realtime.ErrorPayload
		_ = json.Unmarshal(msg.Payload, &p)
		b.log.Warn().Str("code", p.Code).Msg(p.Message)
	}
	return false, nil
}

func (b *bot) startCall(call vibe.CallStarted) error {
	b.hangUp()
	b.call = &call
	b.log.Info().Str("partner", call.Partner.Name()).Bool("initiator", call.Initiator).Msg("📞 call started")

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: b.ice})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	b.pc = pc

	partner, session, room := call.Partner.ID, call.SessionID, call.Room
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		err := b.send(realtime.EventSignal, vibe.Signal{
			Kind:      vibe.SignalCandidate,
			Room:      room,
			SessionID: session,
			To:        partner,
			Candidate: &init,
		})
		if err != nil {
			b.log.Debug().Err(err).Msg("failed to send candidate")
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		b.log.Debug().Str("state", s.String()).Msg("peer connection")
	})

	// End the call once the cooldown allows it and we have talked enough.
	wait := b.talk
	if floor := time.Duration(call.CooldownSeconds) * time.Second; wait < floor {
		wait = floor
	}
	b.endTimer = time.AfterFunc(wait, func() {
		if err := b.send(realtime.EventEndCall, nil); err != nil {
			b.log.Debug().Err(err).Msg("failed to end call")
		}
	})

	if !call.Initiator {
		return nil
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("failed to add transceiver: %w", err)
		}
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return b.send(realtime.EventSignal, vibe.Signal{
		Kind:      vibe.SignalOffer,
		Room:      room,
		SessionID: session,
		To:        partner,
		SDP:       offer.SDP,
	})
}

func (b *bot) onSignal(sig vibe.Signal) error {
	if b.pc == nil || b.call == nil || sig.SessionID != b.call.SessionID {
		return nil
	}

	switch sig.Kind {
	case vibe.SignalOffer:
		if err := b.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}); err != nil {
			return fmt.Errorf("failed to apply offer: %w", err)
		}
		answer, err := b.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer: %w", err)
		}
		if err := b.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("failed to set local description: %w", err)
		}
		if err := b.flushCandidates(); err != nil {
			return err
		}
		return b.send(realtime.EventSignal, vibe.Signal{
			Kind:      vibe.SignalAnswer,
			Room:      b.call.Room,
			SessionID: b.call.SessionID,
			To:        sig.From,
			SDP:       answer.SDP,
		})

	case vibe.SignalAnswer:
		if err := b.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
			return fmt.Errorf("failed to apply answer: %w", err)
		}
		return b.flushCandidates()

	case vibe.SignalCandidate:
		if sig.Candidate == nil {
			return nil
		}
		if b.pc.RemoteDescription() == nil {
			b.pending = append(b.pending, *sig.Candidate)
			return nil
		}
		return b.pc.AddICECandidate(*sig.Candidate)
	}
	return nil
}

func (b *bot) flushCandidates() error {
	var errs []error
	for _, c := range b.pending {
		if err := b.pc.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	b.pending = nil
	return errors.Join(errs...)
}

func (b *bot) hangUp() {
	if b.endTimer != nil {
		b.endTimer.Stop()
		b.endTimer = nil
	}
	if b.pc != nil {
		if err := b.pc.Close(); err != nil {
			b.log.Debug().Err(err).Msg("failed to close peer connection")
		}
		b.pc = nil
	}
	b.pending = nil
	b.call = nil
}
