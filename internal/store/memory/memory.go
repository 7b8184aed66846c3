// Package memory is an in-process vibe store. It backs the tests and the
// STORE=memory development mode and announces session changes on a bus
// the same way the Postgres triggers do.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ginger/server/internal/bus"
	"ginger/server/internal/models"
	"ginger/server/internal/vibe"
)

// Store implements vibe.Store.
type Store struct {
	changes bus.Bus
	log     zerolog.Logger

	// AutoProfiles synthesizes a profile for unknown users.
	AutoProfiles bool

	mu       sync.Mutex
	entries  map[string]models.QueueEntry
	sessions map[string]models.CallSession
	matches  map[string]models.MatchRecord
	profiles map[string]models.Profile
	history  []models.VibeHistory
}

var _ vibe.Store = (*Store)(nil)

// New returns an empty store publishing session changes on changes.
func New(changes bus.Bus, log zerolog.Logger) *Store {
	return &Store{
		changes:  changes,
		log:      log.With().Str("module", "store.memory").Logger(),
		entries:  make(map[string]models.QueueEntry),
		sessions: make(map[string]models.CallSession),
		matches:  make(map[string]models.MatchRecord),
		profiles: make(map[string]models.Profile),
	}
}

// PutProfile adds or replaces a profile.
func (s *Store) PutProfile(p models.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

// ---- queue ----

func (s *Store) ReplaceEntry(ctx context.Context, userID string, now time.Time) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteEntriesLocked(userID)
	e := models.QueueEntry{
		ID:            uuid.NewString(),
		UserID:        userID,
		JoinedAt:      now,
		LastHeartbeat: now,
	}
	s.entries[e.ID] = e
	return e, nil
}

func (s *Store) TouchEntry(ctx context.Context, entryID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return vibe.ErrNotQueued
	}
	e.LastHeartbeat = now
	s.entries[entryID] = e
	return nil
}

func (s *Store) DeleteEntries(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteEntriesLocked(userID)
	return nil
}

func (s *Store) deleteEntriesLocked(userID string) {
	for id, e := range s.entries {
		if e.UserID == userID {
			delete(s.entries, id)
		}
	}
}

func (s *Store) ActiveEntries(ctx context.Context, excludeUserID string, since time.Time) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.QueueEntry
	for _, e := range s.entries {
		if e.UserID != excludeUserID && !e.LastHeartbeat.Before(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (s *Store) PurgeEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.entries {
		if e.LastHeartbeat.Before(cutoff) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

// Entries returns every queue entry.
func (s *Store) Entries() []models.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.QueueEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// ---- sessions ----

func (s *Store) ClaimSession(ctx context.Context, claim vibe.Claim) (models.CallSession, error) {
	s.mu.Lock()
	caller, ok := s.entries[claim.CallerEntry.ID]
	if !ok || caller.UserID != claim.CallerEntry.UserID {
		s.mu.Unlock()
		return models.CallSession{}, vibe.ErrNotQueued
	}
	receiver, ok := s.entries[claim.ReceiverEntry.ID]
	if !ok || receiver.UserID == caller.UserID || receiver.LastHeartbeat.Before(claim.ActiveSince) {
		s.mu.Unlock()
		return models.CallSession{}, vibe.ErrCandidateTaken
	}

	delete(s.entries, caller.ID)
	delete(s.entries, receiver.ID)
	sess := s.insertSessionLocked(caller.UserID, receiver.UserID, claim.Now)
	s.mu.Unlock()

	s.publishInsert(ctx, sess)
	return sess, nil
}

// InsertSession creates a connecting session directly, bypassing the
// queue claim.
func (s *Store) InsertSession(ctx context.Context, callerID, receiverID string, now time.Time) (models.CallSession, error) {
	s.mu.Lock()
	sess := s.insertSessionLocked(callerID, receiverID, now)
	s.mu.Unlock()

	s.publishInsert(ctx, sess)
	return sess, nil
}

func (s *Store) insertSessionLocked(callerID, receiverID string, now time.Time) models.CallSession {
	seen := now
	sess := models.CallSession{
		ID:           uuid.NewString(),
		CallerID:     callerID,
		ReceiverID:   receiverID,
		Status:       models.StatusConnecting,
		CallerSeenAt: &seen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.sessions[sess.ID] = sess
	return sess
}

func (s *Store) GetSession(ctx context.Context, id string) (models.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return models.CallSession{}, vibe.ErrSessionNotFound
	}
	return sess, nil
}

func (s *Store) PendingSessions(ctx context.Context, receiverID string, since time.Time) ([]models.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.CallSession
	for _, sess := range s.sessions {
		if sess.ReceiverID == receiverID && !sess.Status.Terminal() && !sess.CreatedAt.Before(since) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// update applies fn to the session under the lock and publishes the result
// when fn reports a change.
func (s *Store) update(ctx context.Context, id string, fn func(*models.CallSession) (bool, error)) (models.CallSession, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return models.CallSession{}, vibe.ErrSessionNotFound
	}
	changed, err := fn(&sess)
	if err != nil {
		s.mu.Unlock()
		return sess, err
	}
	if changed {
		s.sessions[id] = sess
	}
	s.mu.Unlock()

	if changed {
		s.publish(ctx, bus.SessionUpdateTopic(sess.ID), sess)
	}
	return sess, nil
}

func (s *Store) MarkActive(ctx context.Context, id string, now time.Time) (models.CallSession, error) {
	return s.update(ctx, id, func(sess *models.CallSession) (bool, error) {
		if sess.Status != models.StatusConnecting {
			return false, nil
		}
		seen := now
		sess.Status = models.StatusActive
		sess.ReceiverSeenAt = &seen
		sess.UpdatedAt = now
		return true, nil
	})
}

func (s *Store) EndSession(ctx context.Context, id, userID string, now, createdBefore time.Time) (models.CallSession, error) {
	return s.update(ctx, id, func(sess *models.CallSession) (bool, error) {
		if sess.Status == models.StatusAbandoned {
			return false, vibe.ErrSessionClosed
		}
		if sess.EndedAt != nil {
			return false, nil
		}
		if sess.CreatedAt.After(createdBefore) {
			return false, vibe.ErrCooldownActive
		}
		ended, by := now, userID
		sess.EndedAt = &ended
		sess.EndedBy = &by
		sess.UpdatedAt = now
		return true, nil
	})
}

func (s *Store) SetDecision(ctx context.Context, id string, side models.Side, decision models.Decision, now time.Time) (models.CallSession, error) {
	return s.update(ctx, id, func(sess *models.CallSession) (bool, error) {
		if sess.Status == models.StatusAbandoned {
			return false, vibe.ErrSessionClosed
		}
		if sess.DecisionOf(side) != models.DecisionUnset {
			return false, vibe.ErrAlreadyDecided
		}
		if side == models.SideCaller {
			sess.CallerDecision = decision
		} else {
			sess.ReceiverDecision = decision
		}
		if sess.EndedAt == nil {
			ended := now
			sess.EndedAt = &ended
		}
		if sess.BothDecided() {
			sess.Status = models.StatusDecided
		}
		sess.UpdatedAt = now
		return true, nil
	})
}

func (s *Store) TouchSession(ctx context.Context, id string, side models.Side, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return vibe.ErrSessionNotFound
	}
	seen := now
	if side == models.SideCaller {
		sess.CallerSeenAt = &seen
	} else {
		sess.ReceiverSeenAt = &seen
	}
	s.sessions[id] = sess
	return nil
}

func (s *Store) AbandonSession(ctx context.Context, id, userID string, now time.Time) (models.CallSession, error) {
	return s.update(ctx, id, func(sess *models.CallSession) (bool, error) {
		if sess.Status.Terminal() {
			return false, nil
		}
		abandon(sess, &userID, now)
		return true, nil
	})
}

func abandon(sess *models.CallSession, by *string, now time.Time) {
	sess.Status = models.StatusAbandoned
	if sess.EndedAt == nil {
		ended := now
		sess.EndedAt = &ended
		sess.EndedBy = by
	}
	sess.UpdatedAt = now
}

func (s *Store) AbandonStaleSessions(ctx context.Context, cutoff, now time.Time) ([]models.CallSession, error) {
	s.mu.Lock()
	var out []models.CallSession
	for id, sess := range s.sessions {
		if sess.Status.Terminal() {
			continue
		}
		if !seenBefore(sess.CallerSeenAt, sess.CreatedAt, cutoff) && !seenBefore(sess.ReceiverSeenAt, sess.CreatedAt, cutoff) {
			continue
		}
		abandon(&sess, nil, now)
		s.sessions[id] = sess
		out = append(out, sess)
	}
	s.mu.Unlock()

	for _, sess := range out {
		s.publish(ctx, bus.SessionUpdateTopic(sess.ID), sess)
	}
	return out, nil
}

func seenBefore(seen *time.Time, created, cutoff time.Time) bool {
	if seen == nil {
		return created.Before(cutoff)
	}
	return seen.Before(cutoff)
}

func (s *Store) PurgeSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, sess := range s.sessions {
		if sess.Status.Terminal() && sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) publishInsert(ctx context.Context, sess models.CallSession) {
	s.publish(ctx, bus.SessionInsertTopic(sess.ReceiverID), sess)
	s.publish(ctx, bus.SessionUpdateTopic(sess.ID), sess)
}

func (s *Store) publish(ctx context.Context, topic string, sess models.CallSession) {
	if s.changes == nil {
		return
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode session change")
		return
	}
	if err := s.changes.Publish(ctx, topic, payload); err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Msg("failed to publish session change")
	}
}

// ---- matches ----

func (s *Store) CreateMatch(ctx context.Context, rec models.MatchRecord) (models.MatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(rec.UserA, rec.UserB)
	if existing, ok := s.matches[key]; ok {
		return existing, vibe.ErrDuplicateMatch
	}
	s.matches[key] = rec
	return rec, nil
}

func (s *Store) ListMatches(ctx context.Context, userID string) ([]models.MatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.MatchRecord
	for _, m := range s.matches {
		if m.UserA == userID || m.UserB == userID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MatchedAt.After(out[j].MatchedAt) })
	return out, nil
}

func pairKey(a, b string) string {
	low, high := models.PairKey(a, b)
	return low + "|" + high
}

// ---- profiles & history ----

func (s *Store) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.profiles[userID]; ok {
		return p, nil
	}
	if s.AutoProfiles && userID != "" {
		name := userID
		if len(name) > 8 {
			name = name[:8]
		}
		return models.Profile{ID: userID, DisplayName: "Guest " + name}, nil
	}
	return models.Profile{}, vibe.ErrProfileNotFound
}

func (s *Store) RecordVibe(ctx context.Context, h models.VibeHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, h)
	return nil
}

// History returns the vibe history rows of userID.
func (s *Store) History(userID string) []models.VibeHistory {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.VibeHistory
	for _, h := range s.history {
		if h.UserID == userID {
			out = append(out, h)
		}
	}
	return out
}
