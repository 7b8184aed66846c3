package vibe

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ginger/server/internal/clock"
	"ginger/server/internal/models"
)

// Outcome is the combined result of both decisions.
type Outcome string

const (
	OutcomeMatched Outcome = "matched"
	OutcomeNoMatch Outcome = "no-match"
)

// Result is a finalized outcome. Match is set only for OutcomeMatched.
type Result struct {
	Outcome Outcome
	Match   *models.MatchRecord
}

// Synchronizer records each side's decision and combines them.
type Synchronizer struct {
	sessions SessionStore
	matches  MatchStore
	history  HistoryStore
	clock    clock.Clock
	log      zerolog.Logger
}

func NewSynchronizer(sessions SessionStore, matches MatchStore, history HistoryStore, clk clock.Clock, log zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		sessions: sessions,
		matches:  matches,
		history:  history,
		clock:    clk,
		log:      log.With().Str("module", "vibe.decision").Logger(),
	}
}

// Submit writes side's decision exactly once.
func (s *Synchronizer) Submit(ctx context.Context, sessionID string, side models.Side, decision models.Decision) (models.CallSession, error) {
	if !decision.Valid() {
		return models.CallSession{}, ErrInvalidDecision
	}
	sess, err := s.sessions.SetDecision(ctx, sessionID, side, decision, s.clock.Now())
	switch {
	case errors.Is(err, ErrAlreadyDecided), errors.Is(err, ErrSessionClosed), errors.Is(err, ErrSessionNotFound):
		return sess, err
	case err != nil:
		return sess, storeError("submit decision", err)
	}
	s.log.Info().
		Str("session_id", sessionID).
		Str("side", string(side)).
		Str("decision", string(decision)).
		Msg("decision recorded")
	return sess, nil
}

// RecordHistory stores side's view of a finished call. Failures are logged
// only.
func (s *Synchronizer) RecordHistory(ctx context.Context, sess models.CallSession, side models.Side, durationSeconds int) {
	if s.history == nil {
		return
	}
	userID := sess.CallerID
	if side == models.SideReceiver {
		userID = sess.ReceiverID
	}
	h := models.VibeHistory{
		ID:                  uuid.NewString(),
		UserID:              userID,
		PartnerID:           sess.PeerOf(userID),
		SessionID:           sess.ID,
		Decision:            sess.DecisionOf(side),
		CallDurationSeconds: durationSeconds,
		CreatedAt:           s.clock.Now(),
	}
	if err := s.history.RecordVibe(ctx, h); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to record vibe history")
	}
}

// Outcome reports the combined outcome and whether it is final. Abandoned
// sessions that never collected both decisions end without a match.
func (s *Synchronizer) Outcome(sess models.CallSession) (Outcome, bool) {
	return outcomeOf(sess)
}

func outcomeOf(sess models.CallSession) (Outcome, bool) {
	if sess.BothDecided() {
		if sess.CallerDecision == models.DecisionYes && sess.ReceiverDecision == models.DecisionYes {
			return OutcomeMatched, true
		}
		return OutcomeNoMatch, true
	}
	if sess.Status == models.StatusAbandoned {
		return OutcomeNoMatch, true
	}
	return "", false
}

// Finalize resolves a decided session. Both participants call it; the
// match insert is idempotent so both obtain the same record.
func (s *Synchronizer) Finalize(ctx context.Context, sess models.CallSession) (Result, error) {
	outcome, ok := outcomeOf(sess)
	if !ok {
		return Result{}, ErrInvalidState
	}
	if outcome != OutcomeMatched {
		return Result{Outcome: outcome}, nil
	}

	rec, err := s.matches.CreateMatch(ctx, models.MatchRecord{
		ID:        uuid.NewString(),
		UserA:     sess.CallerID,
		UserB:     sess.ReceiverID,
		DecisionA: sess.CallerDecision,
		DecisionB: sess.ReceiverDecision,
		SessionID: sess.ID,
		MatchedAt: s.clock.Now(),
	})
	if err != nil && !errors.Is(err, ErrDuplicateMatch) {
		return Result{}, storeError("create match", err)
	}
	if err == nil {
		s.log.Info().Str("match_id", rec.ID).Str("session_id", sess.ID).Msg("match created")
	}
	return Result{Outcome: OutcomeMatched, Match: &rec}, nil
}
