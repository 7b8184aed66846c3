package vibe

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"ginger/server/internal/clock"
	"ginger/server/internal/models"
)

const (
	msgSearching = "Looking for someone compatible..."
	msgWaiting   = "Waiting for more people to join..."
	msgMatched   = "Found someone! Connecting..."
)

// Candidate is a queued user whose profile resolved.
type Candidate struct {
	Entry   models.QueueEntry
	Profile models.Profile
}

// SearchResult reports one matchmaking attempt. Session is set once a
// pairing was written.
type SearchResult struct {
	Candidate *Candidate
	Session   *models.CallSession
	Active    int
	Message   string
}

// Matcher pairs a queued user with a partner.
type Matcher interface {
	Match(ctx context.Context, self models.QueueEntry) (SearchResult, error)
}

// Matchmaker implements FIFO pairing over the presence queue.
type Matchmaker struct {
	queue    *Queue
	sessions SessionStore
	profiles *Profiles
	clock    clock.Clock
	cfg      Config
	log      zerolog.Logger
}

func NewMatchmaker(queue *Queue, sessions SessionStore, profiles *Profiles, clk clock.Clock, cfg Config, log zerolog.Logger) *Matchmaker {
	return &Matchmaker{
		queue:    queue,
		sessions: sessions,
		profiles: profiles,
		clock:    clk,
		cfg:      cfg,
		log:      log.With().Str("module", "vibe.matchmaker").Logger(),
	}
}

// Search returns the oldest active candidate with a resolvable profile.
// Candidates whose profile cannot be read are skipped.
func (m *Matchmaker) Search(ctx context.Context, self models.QueueEntry) (SearchResult, error) {
	entries, err := m.queue.Active(ctx, self.UserID)
	if err != nil {
		return SearchResult{}, err
	}
	res := SearchResult{Active: len(entries), Message: waitingMessage(len(entries))}
	for _, e := range entries {
		if c, ok := m.resolve(ctx, e); ok {
			res.Candidate = &c
			break
		}
	}
	return res, nil
}

// Match claims the first available candidate. A candidate taken by someone
// else is skipped; ErrNotQueued means self was claimed first and the
// incoming session is on its way. Profiles are read one candidate at a
// time, so a tick costs one lookup unless claims fail.
func (m *Matchmaker) Match(ctx context.Context, self models.QueueEntry) (SearchResult, error) {
	entries, err := m.queue.Active(ctx, self.UserID)
	if err != nil {
		return SearchResult{}, err
	}
	res := SearchResult{Active: len(entries), Message: waitingMessage(len(entries))}

	for _, e := range entries {
		c, ok := m.resolve(ctx, e)
		if !ok {
			continue
		}
		now := m.clock.Now()
		session, err := m.sessions.ClaimSession(ctx, Claim{
			CallerEntry:   self,
			ReceiverEntry: e,
			ActiveSince:   now.Add(-m.cfg.ActiveThreshold),
			Now:           now,
		})
		switch {
		case errors.Is(err, ErrCandidateTaken):
			m.log.Debug().Str("candidate", e.UserID).Msg("candidate taken, trying next")
			continue
		case errors.Is(err, ErrNotQueued):
			return res, ErrNotQueued
		case err != nil:
			return res, storeError("claim session", err)
		}

		m.log.Info().
			Str("session_id", session.ID).
			Str("caller", session.CallerID).
			Str("receiver", session.ReceiverID).
			Msg("paired")
		res.Candidate = &c
		res.Session = &session
		res.Message = msgMatched
		return res, nil
	}
	return res, nil
}

func (m *Matchmaker) resolve(ctx context.Context, e models.QueueEntry) (Candidate, bool) {
	profile, err := m.profiles.Get(ctx, e.UserID)
	if err != nil {
		m.log.Debug().Err(err).Str("candidate", e.UserID).Msg("skipping candidate without profile")
		return Candidate{}, false
	}
	return Candidate{Entry: e, Profile: profile}, true
}

func waitingMessage(active int) string {
	if active == 0 {
		return msgWaiting
	}
	if active == 1 {
		return "1 person is looking for a vibe"
	}
	return fmt.Sprintf("%d people are looking for a vibe", active)
}
