package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"ginger/server/internal/bus"
	"ginger/server/internal/database"
	"ginger/server/internal/models"
	"ginger/server/internal/vibe"
)

func TestTopics(t *testing.T) {
	payload := []byte(`{"op":"INSERT","session":{"id":"s1","callerId":"a","receiverId":"b","status":"connecting","callerDecision":"","receiverDecision":"","callerSeenAt":"2026-03-14T20:00:00+00:00","receiverSeenAt":null,"endedAt":null,"endedBy":null,"createdAt":"2026-03-14T20:00:00+00:00","updatedAt":"2026-03-14T20:00:00+00:00"}}`)

	topics, session, err := Topics(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(topics) != 2 || topics[0] != bus.SessionInsertTopic("b") || topics[1] != bus.SessionUpdateTopic("s1") {
		t.Fatalf("topics = %v", topics)
	}
	var sess models.CallSession
	if err := json.Unmarshal(session, &sess); err != nil {
		t.Fatalf("session payload does not decode: %v", err)
	}
	if sess.ReceiverID != "b" || sess.CallerSeenAt == nil || sess.EndedAt != nil {
		t.Fatalf("session = %+v", sess)
	}

	topics, _, err = Topics([]byte(`{"op":"UPDATE","session":{"id":"s1","receiverId":"b"}}`))
	if err != nil || len(topics) != 1 {
		t.Fatalf("update topics = %v, err = %v", topics, err)
	}

	for _, bad := range []string{`nope`, `{"op":"UPDATE","session":{}}`} {
		if _, _, err := Topics([]byte(bad)); err == nil {
			t.Errorf("Topics(%s) accepted", bad)
		}
	}
}

// testStore connects to TEST_DATABASE_URL and applies the schema.
func testStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := database.Connect(ctx, url, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)
	if err := database.Migrate(ctx, pool); err != nil {
		t.Fatal(err)
	}
	return New(pool, zerolog.Nop()), pool
}

// user returns an ID unique to this test run.
func user(name string) string {
	return name + "-" + uuid.NewString()[:8]
}

func TestQueueAndClaim(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	alice, bob := user("alice"), user("bob")

	if _, err := s.ReplaceEntry(ctx, alice, now); err != nil {
		t.Fatal(err)
	}
	a, err := s.ReplaceEntry(ctx, alice, now)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.ReplaceEntry(ctx, bob, now)
	if err != nil {
		t.Fatal(err)
	}

	active, err := s.ActiveEntries(ctx, bob, now.Add(-time.Second))
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, e := range active {
		if e.UserID == alice {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("alice has %d active entries, want 1", n)
	}

	// Both sides claim each other at once; exactly one session results.
	var wg sync.WaitGroup
	results := make([]error, 2)
	claims := []vibe.Claim{
		{CallerEntry: a, ReceiverEntry: b, ActiveSince: now.Add(-time.Minute), Now: now},
		{CallerEntry: b, ReceiverEntry: a, ActiveSince: now.Add(-time.Minute), Now: now},
	}
	for i := range claims {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.ClaimSession(ctx, claims[i])
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, vibe.ErrNotQueued), errors.Is(err, vibe.ErrCandidateTaken):
		default:
			t.Fatalf("claim: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
	if err := s.TouchEntry(ctx, a.ID, now); !errors.Is(err, vibe.ErrNotQueued) {
		t.Fatalf("touch claimed entry: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	alice, bob := user("alice"), user("bob")

	a, _ := s.ReplaceEntry(ctx, alice, now)
	b, _ := s.ReplaceEntry(ctx, bob, now)
	sess, err := s.ClaimSession(ctx, vibe.Claim{CallerEntry: a, ReceiverEntry: b, ActiveSince: now.Add(-time.Minute), Now: now})
	if err != nil {
		t.Fatal(err)
	}

	pending, err := s.PendingSessions(ctx, bob, now.Add(-time.Second))
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %v, err = %v", pending, err)
	}
	if sess, err = s.MarkActive(ctx, sess.ID, now); err != nil || sess.Status != models.StatusActive {
		t.Fatalf("MarkActive = %+v, %v", sess, err)
	}

	if _, err := s.EndSession(ctx, sess.ID, alice, now.Add(time.Second), now.Add(-time.Second)); !errors.Is(err, vibe.ErrCooldownActive) {
		t.Fatalf("early end: %v", err)
	}
	if sess, err = s.EndSession(ctx, sess.ID, alice, now.Add(31*time.Second), now.Add(time.Second)); err != nil || sess.EndedAt == nil {
		t.Fatalf("EndSession = %+v, %v", sess, err)
	}

	if _, err := s.SetDecision(ctx, sess.ID, models.SideCaller, models.DecisionYes, now); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetDecision(ctx, sess.ID, models.SideCaller, models.DecisionNo, now); !errors.Is(err, vibe.ErrAlreadyDecided) {
		t.Fatalf("second decision: %v", err)
	}
	sess, err = s.SetDecision(ctx, sess.ID, models.SideReceiver, models.DecisionYes, now)
	if err != nil || sess.Status != models.StatusDecided {
		t.Fatalf("SetDecision = %+v, %v", sess, err)
	}

	rec := models.MatchRecord{ID: uuid.NewString(), UserA: alice, UserB: bob, DecisionA: "yes", DecisionB: "yes", SessionID: sess.ID, MatchedAt: now}
	if _, err := s.CreateMatch(ctx, rec); err != nil {
		t.Fatal(err)
	}
	dup := rec
	dup.ID, dup.UserA, dup.UserB = uuid.NewString(), bob, alice
	existing, err := s.CreateMatch(ctx, dup)
	if !errors.Is(err, vibe.ErrDuplicateMatch) || existing.ID != rec.ID {
		t.Fatalf("duplicate = %+v, %v", existing, err)
	}
	matches, err := s.ListMatches(ctx, bob)
	if err != nil || len(matches) != 1 {
		t.Fatalf("matches = %v, %v", matches, err)
	}

	if _, err := s.GetSession(ctx, uuid.NewString()); !errors.Is(err, vibe.ErrSessionNotFound) {
		t.Fatalf("missing session: %v", err)
	}
	if _, err := s.GetProfile(ctx, user("nobody")); !errors.Is(err, vibe.ErrProfileNotFound) {
		t.Fatalf("missing profile: %v", err)
	}
}

func TestListenerRepublishesChanges(t *testing.T) {
	s, pool := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := bus.NewMemory(zerolog.Nop())
	defer changes.Close()
	bob := user("bob")
	sub, err := changes.Subscribe(ctx, bus.SessionInsertTopic(bob))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	go NewListener(pool, changes, zerolog.Nop()).Run(ctx)

	now := time.Now().UTC()
	alice := user("alice")
	deadline := time.After(5 * time.Second)
	for {
		// The listener may not be subscribed yet; keep pairing until a
		// notification arrives.
		a, _ := s.ReplaceEntry(ctx, alice, now)
		b, _ := s.ReplaceEntry(ctx, bob, now)
		if _, err := s.ClaimSession(ctx, vibe.Claim{CallerEntry: a, ReceiverEntry: b, ActiveSince: now.Add(-time.Minute), Now: now}); err != nil {
			t.Fatal(err)
		}
		select {
		case payload := <-sub.C:
			var sess models.CallSession
			if err := json.Unmarshal(payload, &sess); err != nil {
				t.Fatal(err)
			}
			if sess.CallerID != alice || sess.ReceiverID != bob {
				t.Fatalf("session = %+v", sess)
			}
			return
		case <-time.After(200 * time.Millisecond):
		case <-deadline:
			t.Fatal("no notification")
		}
	}
}
