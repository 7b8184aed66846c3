package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ginger/server/internal/bus"
	"ginger/server/internal/clock"
	"ginger/server/internal/models"
	"ginger/server/internal/store/memory"
)

var t0 = time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

func TestReaperSweep(t *testing.T) {
	ctx := context.Background()
	changes := bus.NewMemory(zerolog.Nop())
	defer changes.Close()
	store := memory.New(changes, zerolog.Nop())
	clk := clock.Fake(t0)

	if _, err := store.ReplaceEntry(ctx, "alice", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ReplaceEntry(ctx, "bob", t0.Add(50*time.Second)); err != nil {
		t.Fatal(err)
	}
	sess, err := store.InsertSession(ctx, "carol", "dave", t0)
	if err != nil {
		t.Fatal(err)
	}
	sub, err := changes.Subscribe(ctx, bus.SessionUpdateTopic(sess.ID))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	reaper := NewReaper(store, clk, DefaultConfig(), zerolog.Nop())
	clk.Advance(61 * time.Second)

	sweep, err := reaper.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sweep.PurgedEntries != 1 || sweep.AbandonedSessions != 1 || sweep.PurgedSessions != 0 {
		t.Fatalf("sweep = %+v", sweep)
	}
	entries := store.Entries()
	if len(entries) != 1 || entries[0].UserID != "bob" {
		t.Fatalf("entries = %+v", entries)
	}

	select {
	case payload := <-sub.C:
		var got models.CallSession
		if err := json.Unmarshal(payload, &got); err != nil {
			t.Fatal(err)
		}
		if got.Status != models.StatusAbandoned || got.EndedAt == nil {
			t.Fatalf("published %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abandonment not announced")
	}

	clk.Advance(25 * time.Hour)
	sweep, err = reaper.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sweep.PurgedSessions != 1 {
		t.Fatalf("sweep = %+v", sweep)
	}
	if _, err := store.GetSession(ctx, sess.ID); err == nil {
		t.Fatal("finished session kept past retention")
	}
}

type brokenStore struct{ Store }

var errDown = errors.New("database down")

func (brokenStore) PurgeEntries(context.Context, time.Time) (int64, error) { return 0, errDown }

func TestReaperContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil, zerolog.Nop())
	sess, _ := store.InsertSession(ctx, "carol", "dave", t0)
	clk := clock.Fake(t0.Add(time.Minute))

	sweep, err := NewReaper(brokenStore{store}, clk, DefaultConfig(), zerolog.Nop()).Run(ctx)
	if !errors.Is(err, errDown) {
		t.Fatalf("err = %v", err)
	}
	if sweep.AbandonedSessions != 1 {
		t.Fatalf("sweep = %+v", sweep)
	}
	got, _ := store.GetSession(ctx, sess.ID)
	if got.Status != models.StatusAbandoned {
		t.Fatalf("status = %s", got.Status)
	}
}

type fakeFlows struct {
	users    []string
	released []string
}

func (f *fakeFlows) ReleaseResting(_ context.Context, online func(string) bool) int {
	for _, u := range f.users {
		if !online(u) {
			f.released = append(f.released, u)
		}
	}
	return len(f.released)
}

func TestReaperReleasesOfflineFlows(t *testing.T) {
	store := memory.New(nil, zerolog.Nop())
	flows := &fakeFlows{users: []string{"alice", "bob"}}
	online := func(userID string) bool { return userID == "bob" }

	reaper := NewReaper(store, clock.Fake(t0), DefaultConfig(), zerolog.Nop()).WithFlows(flows, online)
	sweep, err := reaper.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sweep.ReleasedFlows != 1 || len(flows.released) != 1 || flows.released[0] != "alice" {
		t.Fatalf("sweep = %+v, released = %v", sweep, flows.released)
	}
}

func TestSchedulerRunsReaper(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil, zerolog.Nop())
	if _, err := store.ReplaceEntry(ctx, "alice", time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Interval = 20 * time.Millisecond
	s, err := NewScheduler(NewReaper(store, clock.Real(), cfg, zerolog.Nop()), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Shutdown()

	deadline := time.Now().Add(2 * time.Second)
	for len(store.Entries()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("reaper never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.StaleAfter = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero stale_after accepted")
	}
}
