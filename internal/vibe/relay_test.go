package vibe_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"ginger/server/internal/vibe"
)

const testSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

func candidate() *webrtc.ICECandidateInit {
	return &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host"}
}

func TestRelaySessionHandshake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, _ := h.store.InsertSession(ctx, "bob", "alice", t0)
	relay := vibe.NewRelay(h.rooms, h.store, h.log)
	room := vibe.SessionRoom(sess.ID)

	aliceSub, err := relay.Subscribe(ctx, room, "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer aliceSub.Close()
	bobSub, err := relay.Subscribe(ctx, room, "bob")
	if err != nil {
		t.Fatal(err)
	}
	defer bobSub.Close()

	offer := vibe.Signal{Kind: vibe.SignalOffer, SessionID: sess.ID, From: "bob", To: "alice", SDP: testSDP}
	if err := relay.Send(ctx, offer); err != nil {
		t.Fatalf("offer from caller: %v", err)
	}
	got := receive(t, aliceSub)
	if got.Kind != vibe.SignalOffer || got.From != "bob" || got.Room != room {
		t.Errorf("alice received %+v", got)
	}

	answer := vibe.Signal{Kind: vibe.SignalAnswer, SessionID: sess.ID, From: "alice", To: "bob", SDP: testSDP}
	if err := relay.Send(ctx, answer); err != nil {
		t.Fatalf("answer from receiver: %v", err)
	}
	if got := receive(t, bobSub); got.Kind != vibe.SignalAnswer {
		t.Errorf("bob received %+v", got)
	}

	select {
	case sig := <-aliceSub.C:
		t.Errorf("alice received her own answer: %+v", sig)
	case <-time.After(20 * time.Millisecond):
	}
}

func receive(t *testing.T, sub *vibe.SignalSubscription) vibe.Signal {
	t.Helper()
	select {
	case sig := <-sub.C:
		return sig
	case <-time.After(time.Second):
		t.Fatal("no signal delivered")
	}
	return vibe.Signal{}
}

func TestRelayRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, _ := h.store.InsertSession(ctx, "bob", "alice", t0)
	relay := vibe.NewRelay(h.rooms, h.store, h.log)

	tests := []struct {
		name string
		sig  vibe.Signal
		want error
	}{
		{
			name: "offer from receiver",
			sig:  vibe.Signal{Kind: vibe.SignalOffer, SessionID: sess.ID, From: "alice", To: "bob", SDP: testSDP},
			want: vibe.ErrMalformedSignal,
		},
		{
			name: "answer from caller",
			sig:  vibe.Signal{Kind: vibe.SignalAnswer, SessionID: sess.ID, From: "bob", To: "alice", SDP: testSDP},
			want: vibe.ErrMalformedSignal,
		},
		{
			name: "garbage sdp",
			sig:  vibe.Signal{Kind: vibe.SignalOffer, SessionID: sess.ID, From: "bob", To: "alice", SDP: "hello"},
			want: vibe.ErrMalformedSignal,
		},
		{
			name: "missing candidate",
			sig:  vibe.Signal{Kind: vibe.SignalCandidate, SessionID: sess.ID, From: "bob", To: "alice"},
			want: vibe.ErrMalformedSignal,
		},
		{
			name: "unknown kind",
			sig:  vibe.Signal{Kind: "bye", SessionID: sess.ID, From: "bob", To: "alice"},
			want: vibe.ErrMalformedSignal,
		},
		{
			name: "outsider",
			sig:  vibe.Signal{Kind: vibe.SignalCandidate, SessionID: sess.ID, From: "carol", To: "alice", Candidate: candidate()},
			want: vibe.ErrNotParticipant,
		},
		{
			name: "to self",
			sig:  vibe.Signal{Kind: vibe.SignalCandidate, SessionID: sess.ID, From: "bob", To: "bob", Candidate: candidate()},
			want: vibe.ErrNotParticipant,
		},
		{
			name: "unknown session",
			sig:  vibe.Signal{Kind: vibe.SignalCandidate, SessionID: "nope", From: "bob", To: "alice", Candidate: candidate()},
			want: vibe.ErrSessionNotFound,
		},
		{
			name: "no session",
			sig:  vibe.Signal{Kind: vibe.SignalCandidate, From: "bob", To: "alice", Candidate: candidate()},
			want: vibe.ErrMalformedSignal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := relay.Send(ctx, tt.sig); !errors.Is(err, tt.want) {
				t.Errorf("Send = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRelayDropsLateSignals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, _ := h.store.InsertSession(ctx, "bob", "alice", t0)
	relay := vibe.NewRelay(h.rooms, h.store, h.log)

	if _, err := h.store.AbandonSession(ctx, sess.ID, "alice", t0); err != nil {
		t.Fatal(err)
	}
	err := relay.Send(ctx, vibe.Signal{Kind: vibe.SignalCandidate, SessionID: sess.ID, From: "bob", To: "alice", Candidate: candidate()})
	if !errors.Is(err, vibe.ErrSessionClosed) {
		t.Fatalf("late candidate: got %v, want ErrSessionClosed", err)
	}
}

func TestRelaySignalsNeedASession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, _ := h.store.InsertSession(ctx, "bob", "alice", t0)
	relay := vibe.NewRelay(h.rooms, h.store, h.log)

	sub, err := relay.Subscribe(ctx, vibe.SessionRoom(sess.ID), "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	err = relay.Send(ctx, vibe.Signal{Kind: vibe.SignalCandidate, From: "bob", To: "alice", Candidate: candidate()})
	if !errors.Is(err, vibe.ErrMalformedSignal) {
		t.Fatalf("candidate without session: got %v, want ErrMalformedSignal", err)
	}
	select {
	case sig := <-sub.C:
		t.Errorf("alice received %+v", sig)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRelayForwardsEndOfCandidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, _ := h.store.InsertSession(ctx, "bob", "alice", t0)
	relay := vibe.NewRelay(h.rooms, h.store, h.log)

	sub, err := relay.Subscribe(ctx, vibe.SessionRoom(sess.ID), "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	end := vibe.Signal{Kind: vibe.SignalCandidate, SessionID: sess.ID, From: "bob", To: "alice", Candidate: &webrtc.ICECandidateInit{}}
	if err := relay.Send(ctx, end); err != nil {
		t.Fatalf("end of candidates: %v", err)
	}
	if got := receive(t, sub); !got.EndOfCandidates() {
		t.Errorf("alice received %+v", got)
	}
	if (vibe.Signal{Kind: vibe.SignalCandidate, Candidate: candidate()}).EndOfCandidates() {
		t.Error("real candidate reported as end of candidates")
	}
}

func TestICEServersDefaults(t *testing.T) {
	servers := vibe.ICEServers(nil)
	if len(servers) != len(vibe.DefaultSTUNURLs) || servers[0].URLs[0] != vibe.DefaultSTUNURLs[0] {
		t.Errorf("ICEServers(nil) = %+v", servers)
	}
	if got := vibe.ICEServers([]string{"stun:example.org:3478"}); len(got) != 1 || got[0].URLs[0] != "stun:example.org:3478" {
		t.Errorf("ICEServers(custom) = %+v", got)
	}
}
