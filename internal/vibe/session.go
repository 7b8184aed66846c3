package vibe

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"ginger/server/internal/clock"
	"ginger/server/internal/models"
)

// Sessions wraps the call session store with the participant and cooldown
// rules both sides of a call rely on.
type Sessions struct {
	store SessionStore
	clock clock.Clock
	cfg   Config
	log   zerolog.Logger
}

func NewSessions(store SessionStore, clk clock.Clock, cfg Config, log zerolog.Logger) *Sessions {
	return &Sessions{
		store: store,
		clock: clk,
		cfg:   cfg,
		log:   log.With().Str("module", "vibe.sessions").Logger(),
	}
}

func (s *Sessions) Get(ctx context.Context, id string) (models.CallSession, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return sess, storeError("get session", err)
	}
	return sess, err
}

// Pending lists sessions addressed to receiverID since the given time.
func (s *Sessions) Pending(ctx context.Context, receiverID string, since time.Time) ([]models.CallSession, error) {
	list, err := s.store.PendingSessions(ctx, receiverID, since)
	if err != nil {
		return nil, storeError("pending sessions", err)
	}
	return list, nil
}

// Accept marks a session active on behalf of its receiver.
func (s *Sessions) Accept(ctx context.Context, id string) (models.CallSession, error) {
	sess, err := s.store.MarkActive(ctx, id, s.clock.Now())
	if err != nil {
		return sess, storeError("accept session", err)
	}
	return sess, nil
}

// End stamps the session as ended by userID. The cooldown is enforced
// against the session's creation time.
func (s *Sessions) End(ctx context.Context, sess models.CallSession, userID string) (models.CallSession, error) {
	if _, ok := sess.SideOf(userID); !ok {
		return sess, ErrNotParticipant
	}
	now := s.clock.Now()
	if now.Sub(sess.CreatedAt) < s.cfg.Cooldown {
		return sess, ErrCooldownActive
	}
	ended, err := s.store.EndSession(ctx, sess.ID, userID, now, now.Add(-s.cfg.Cooldown))
	switch {
	case errors.Is(err, ErrCooldownActive), errors.Is(err, ErrSessionClosed), errors.Is(err, ErrSessionNotFound):
		return sess, err
	case err != nil:
		return sess, storeError("end session", err)
	}
	return ended, nil
}

// Abandon marks the session abandoned by userID. Sessions that are
// already terminal come back unchanged.
func (s *Sessions) Abandon(ctx context.Context, sess models.CallSession, userID string) (models.CallSession, error) {
	out, err := s.store.AbandonSession(ctx, sess.ID, userID, s.clock.Now())
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return sess, storeError("abandon session", err)
	}
	return out, err
}

// Touch refreshes side's liveness stamp.
func (s *Sessions) Touch(ctx context.Context, id string, side models.Side) error {
	return storeError("touch session", s.store.TouchSession(ctx, id, side, s.clock.Now()))
}
