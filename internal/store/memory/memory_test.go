package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ginger/server/internal/bus"
	"ginger/server/internal/models"
	"ginger/server/internal/vibe"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*Store, *bus.Memory) {
	t.Helper()
	b := bus.NewMemory(zerolog.Nop())
	t.Cleanup(func() { b.Close() })
	return New(b, zerolog.Nop()), b
}

func join(t *testing.T, s *Store, user string, at time.Time) models.QueueEntry {
	t.Helper()
	e, err := s.ReplaceEntry(context.Background(), user, at)
	if err != nil {
		t.Fatalf("ReplaceEntry(%s): %v", user, err)
	}
	return e
}

func TestReplaceEntryKeepsOnePerUser(t *testing.T) {
	s, _ := newStore(t)
	join(t, s, "alice", t0)
	second := join(t, s, "alice", t0.Add(time.Second))

	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].ID != second.ID {
		t.Errorf("kept entry %s, want the newest %s", entries[0].ID, second.ID)
	}
}

func TestActiveEntriesBoundaryAndOrder(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	join(t, s, "late", t0.Add(2*time.Second))
	join(t, s, "early", t0)
	stale := join(t, s, "stale", t0.Add(time.Second))
	if err := s.TouchEntry(ctx, stale.ID, t0.Add(-time.Second)); err != nil {
		t.Fatal(err)
	}

	got, err := s.ActiveEntries(ctx, "self", t0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].UserID != "early" || got[1].UserID != "late" {
		t.Fatalf("ActiveEntries = %+v, want early then late", got)
	}
}

func TestClaimSessionRace(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	target := join(t, s, "target", t0)

	const claimers = 8
	var wg sync.WaitGroup
	results := make(chan error, claimers)
	for i := 0; i < claimers; i++ {
		caller := join(t, s, "caller-"+string(rune('a'+i)), t0)
		wg.Add(1)
		go func(caller models.QueueEntry) {
			defer wg.Done()
			_, err := s.ClaimSession(ctx, vibe.Claim{
				CallerEntry:   caller,
				ReceiverEntry: target,
				ActiveSince:   t0.Add(-15 * time.Second),
				Now:           t0,
			})
			results <- err
		}(caller)
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, vibe.ErrCandidateTaken):
		default:
			t.Errorf("unexpected claim error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("%d claims succeeded, want exactly 1", won)
	}
	if got := len(s.Entries()); got != claimers-1 {
		t.Errorf("%d entries left, want %d", got, claimers-1)
	}
}

func TestClaimSessionRejectsStaleAndMissing(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	caller := join(t, s, "caller", t0)
	receiver := join(t, s, "receiver", t0.Add(-20*time.Second))

	_, err := s.ClaimSession(ctx, vibe.Claim{CallerEntry: caller, ReceiverEntry: receiver, ActiveSince: t0.Add(-15 * time.Second), Now: t0})
	if !errors.Is(err, vibe.ErrCandidateTaken) {
		t.Fatalf("stale candidate: got %v, want ErrCandidateTaken", err)
	}

	fresh := join(t, s, "receiver", t0)
	if err := s.DeleteEntries(ctx, "caller"); err != nil {
		t.Fatal(err)
	}
	_, err = s.ClaimSession(ctx, vibe.Claim{CallerEntry: caller, ReceiverEntry: fresh, ActiveSince: t0.Add(-15 * time.Second), Now: t0})
	if !errors.Is(err, vibe.ErrNotQueued) {
		t.Fatalf("missing caller: got %v, want ErrNotQueued", err)
	}
}

func TestClaimSessionPublishesInsert(t *testing.T) {
	s, b := newStore(t)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, bus.SessionInsertTopic("receiver"))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	caller := join(t, s, "caller", t0)
	receiver := join(t, s, "receiver", t0)
	sess, err := s.ClaimSession(ctx, vibe.Claim{CallerEntry: caller, ReceiverEntry: receiver, ActiveSince: t0, Now: t0})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case payload := <-sub.C:
		var got models.CallSession
		if err := json.Unmarshal(payload, &got); err != nil {
			t.Fatal(err)
		}
		if got.ID != sess.ID || got.Status != models.StatusConnecting {
			t.Errorf("notification = %+v, want session %s connecting", got, sess.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no insert notification")
	}
	if len(s.Entries()) != 0 {
		t.Error("claim left queue entries behind")
	}
}

func TestSetDecisionOnce(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	sess, _ := s.InsertSession(ctx, "a", "b", t0)

	if _, err := s.SetDecision(ctx, sess.ID, models.SideCaller, models.DecisionYes, t0); err != nil {
		t.Fatal(err)
	}
	got, err := s.SetDecision(ctx, sess.ID, models.SideCaller, models.DecisionNo, t0)
	if !errors.Is(err, vibe.ErrAlreadyDecided) {
		t.Fatalf("second decision: got %v, want ErrAlreadyDecided", err)
	}
	if got.CallerDecision != models.DecisionYes {
		t.Errorf("decision overwritten: %q", got.CallerDecision)
	}

	got, err = s.SetDecision(ctx, sess.ID, models.SideReceiver, models.DecisionNo, t0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusDecided {
		t.Errorf("status = %s, want decided", got.Status)
	}
}

func TestEndSessionCooldown(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	sess, _ := s.InsertSession(ctx, "a", "b", t0)
	cooldown := 30 * time.Second

	now := t0.Add(29 * time.Second)
	if _, err := s.EndSession(ctx, sess.ID, "a", now, now.Add(-cooldown)); !errors.Is(err, vibe.ErrCooldownActive) {
		t.Fatalf("early end: got %v, want ErrCooldownActive", err)
	}

	now = t0.Add(cooldown)
	ended, err := s.EndSession(ctx, sess.ID, "a", now, now.Add(-cooldown))
	if err != nil {
		t.Fatal(err)
	}
	if ended.EndedAt == nil || !ended.EndedAt.Equal(now) || ended.EndedBy == nil || *ended.EndedBy != "a" {
		t.Fatalf("ended = %+v", ended)
	}

	again, err := s.EndSession(ctx, sess.ID, "b", now.Add(time.Second), now)
	if err != nil {
		t.Fatal(err)
	}
	if !again.EndedAt.Equal(now) || *again.EndedBy != "a" {
		t.Error("second end overwrote the first")
	}
}

func TestAbandonStaleSessions(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	stale, _ := s.InsertSession(ctx, "a", "b", t0)
	live, _ := s.InsertSession(ctx, "c", "d", t0)
	if _, err := s.MarkActive(ctx, live.ID, t0.Add(10*time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchSession(ctx, live.ID, models.SideCaller, t0.Add(10*time.Second)); err != nil {
		t.Fatal(err)
	}

	out, err := s.AbandonStaleSessions(ctx, t0.Add(5*time.Second), t0.Add(20*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != stale.ID || out[0].Status != models.StatusAbandoned {
		t.Fatalf("abandoned = %+v, want only %s", out, stale.ID)
	}
	if _, err := s.SetDecision(ctx, stale.ID, models.SideCaller, models.DecisionYes, t0); !errors.Is(err, vibe.ErrSessionClosed) {
		t.Errorf("decision on abandoned session: got %v, want ErrSessionClosed", err)
	}
}

func TestCreateMatchDedupesUnorderedPair(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	first, err := s.CreateMatch(ctx, models.MatchRecord{ID: "m1", UserA: "a", UserB: "b"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.CreateMatch(ctx, models.MatchRecord{ID: "m2", UserA: "b", UserB: "a"})
	if !errors.Is(err, vibe.ErrDuplicateMatch) {
		t.Fatalf("got %v, want ErrDuplicateMatch", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate returned %s, want existing %s", second.ID, first.ID)
	}

	list, _ := s.ListMatches(ctx, "b")
	if len(list) != 1 {
		t.Errorf("ListMatches = %d records, want 1", len(list))
	}
}

func TestAutoProfiles(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	if _, err := s.GetProfile(ctx, "x"); !errors.Is(err, vibe.ErrProfileNotFound) {
		t.Fatalf("got %v, want ErrProfileNotFound", err)
	}
	s.AutoProfiles = true
	p, err := s.GetProfile(ctx, "x")
	if err != nil || p.ID != "x" {
		t.Fatalf("GetProfile = %+v, %v", p, err)
	}
}
