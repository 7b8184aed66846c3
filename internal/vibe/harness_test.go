package vibe_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ginger/server/internal/bus"
	"ginger/server/internal/clock"
	"ginger/server/internal/models"
	"ginger/server/internal/store/memory"
	"ginger/server/internal/vibe"
	"ginger/server/internal/vibe/vibetest"
)

var t0 = time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	clk     *clock.FakeClock
	store   *memory.Store
	changes *bus.Memory
	rooms   *bus.Memory
	sink    *vibetest.RecordingSink
	cfg     vibe.Config
	log     zerolog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clk:     clock.Fake(t0),
		changes: bus.NewMemory(zerolog.Nop()),
		rooms:   bus.NewMemory(zerolog.Nop()),
		sink:    vibetest.NewRecordingSink(),
		cfg:     vibe.DefaultConfig(),
		log:     zerolog.Nop(),
	}
	h.store = memory.New(h.changes, h.log)
	for _, id := range []string{"alice", "bob", "carol", "demo"} {
		h.store.PutProfile(models.Profile{ID: id, DisplayName: id})
	}
	t.Cleanup(func() {
		h.changes.Close()
		h.rooms.Close()
	})
	return h
}

func (h *harness) deps(media vibe.MediaDevice) vibe.Deps {
	d := vibe.NewDeps(vibe.Options{
		Store:   h.store,
		Changes: h.changes,
		Rooms:   h.rooms,
		Sink:    h.sink,
		Clock:   h.clk,
		Config:  h.cfg,
		Log:     h.log,
	})
	d.Media = media
	return d
}

// flow starts a flow for userID. mutate may replace collaborators.
func (h *harness) flow(userID string, mutate func(*vibe.Deps)) (*vibe.Flow, *vibetest.FakeMedia) {
	media := &vibetest.FakeMedia{}
	d := h.deps(media)
	if mutate != nil {
		mutate(&d)
	}
	f := vibe.NewFlow(userID, d)
	h.t.Cleanup(f.Close)
	return f, media
}

func (h *harness) snapshot(f *vibe.Flow) vibe.Snapshot {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := f.Snapshot(ctx)
	if err != nil {
		h.t.Fatalf("Snapshot(%s): %v", f.UserID(), err)
	}
	return snap
}

// advance moves the fake clock in small steps and lets every flow drain
// the timers that fired at each step.
func (h *harness) advance(d time.Duration, flows ...*vibe.Flow) {
	h.t.Helper()
	const step = 250 * time.Millisecond
	for d > 0 {
		s := step
		if d < s {
			s = d
		}
		h.clk.Advance(s)
		d -= s
		for _, f := range flows {
			h.snapshot(f)
		}
	}
}

// waitState polls until f reaches want; cross-flow notifications arrive
// asynchronously.
func (h *harness) waitState(f *vibe.Flow, want vibe.State) vibe.Snapshot {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := h.snapshot(f)
		if snap.State == want {
			return snap
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("%s: state %s, want %s", f.UserID(), snap.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// pair starts alice then bob and waits until both are in the call. Bob
// finds alice waiting, so bob is the caller.
func (h *harness) pair() (alice, bob *vibe.Flow, aliceMedia, bobMedia *vibetest.FakeMedia) {
	h.t.Helper()
	ctx := context.Background()
	alice, aliceMedia = h.flow("alice", nil)
	bob, bobMedia = h.flow("bob", nil)

	if err := alice.Start(ctx); err != nil {
		h.t.Fatalf("alice.Start: %v", err)
	}
	if err := bob.Start(ctx); err != nil {
		h.t.Fatalf("bob.Start: %v", err)
	}
	h.waitState(bob, vibe.StateInCall)
	h.waitState(alice, vibe.StateInCall)
	return alice, bob, aliceMedia, bobMedia
}

// endCall waits out the cooldown and ends the call from ender.
func (h *harness) endCall(ender, other *vibe.Flow) {
	h.t.Helper()
	h.advance(h.cfg.Cooldown, ender, other)
	if err := ender.EndCall(context.Background()); err != nil {
		h.t.Fatalf("EndCall: %v", err)
	}
	h.waitState(ender, vibe.StateDecision)
	h.waitState(other, vibe.StateDecision)
}
