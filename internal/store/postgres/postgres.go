// Package postgres is the shared vibe store on PostgreSQL. Session
// changes are announced by a database trigger and republished on the
// change bus by Listener.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"ginger/server/internal/models"
	"ginger/server/internal/vibe"
)

const (
	entryColumns   = `id, user_id, joined_at, last_heartbeat`
	sessionColumns = `id, caller_id, receiver_id, status, caller_decision, receiver_decision,
		caller_seen_at, receiver_seen_at, ended_at, ended_by, created_at, updated_at`
	matchColumns = `id, user_a, user_b, decision_a, decision_b, session_id, matched_at`
)

// Store implements vibe.Store over a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

var _ vibe.Store = (*Store)(nil)

// New creates a store over pool.
func New(pool *pgxpool.Pool, log zerolog.Logger) *Store {
	return &Store{pool: pool, log: log.With().Str("module", "store.postgres").Logger()}
}

// ---- queue ----

func (s *Store) ReplaceEntry(ctx context.Context, userID string, now time.Time) (models.QueueEntry, error) {
	var entry models.QueueEntry
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM queue_entries WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to delete entries: %w", err)
		}
		rows, _ := tx.Query(ctx,
			`INSERT INTO queue_entries (id, user_id, joined_at, last_heartbeat)
			 VALUES ($1, $2, $3, $3)
			 RETURNING `+entryColumns,
			uuid.NewString(), userID, now)
		e, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[models.QueueEntry])
		if err != nil {
			return fmt.Errorf("failed to insert entry: %w", err)
		}
		entry = e
		return nil
	})
	return entry, err
}

func (s *Store) TouchEntry(ctx context.Context, entryID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE queue_entries SET last_heartbeat = $2 WHERE id = $1`, entryID, now)
	if err != nil {
		return fmt.Errorf("failed to touch entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return vibe.ErrNotQueued
	}
	return nil
}

func (s *Store) DeleteEntries(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM queue_entries WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete entries: %w", err)
	}
	return nil
}

func (s *Store) ActiveEntries(ctx context.Context, excludeUserID string, since time.Time) ([]models.QueueEntry, error) {
	rows, _ := s.pool.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM queue_entries
		 WHERE user_id <> $1 AND last_heartbeat >= $2
		 ORDER BY joined_at ASC, id ASC`,
		excludeUserID, since)
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.QueueEntry])
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, nil
}

func (s *Store) PurgeEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queue_entries WHERE last_heartbeat < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ---- sessions ----

// ClaimSession locks both entries in ID order so that two users claiming
// each other cannot deadlock, then swaps them for a session row.
func (s *Store) ClaimSession(ctx context.Context, claim vibe.Claim) (models.CallSession, error) {
	var sess models.CallSession
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, _ := tx.Query(ctx,
			`SELECT `+entryColumns+`
			 FROM queue_entries
			 WHERE id = ANY($1)
			 ORDER BY id
			 FOR UPDATE`,
			[]string{claim.CallerEntry.ID, claim.ReceiverEntry.ID})
		locked, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.QueueEntry])
		if err != nil {
			return fmt.Errorf("failed to lock entries: %w", err)
		}

		var caller, receiver *models.QueueEntry
		for i := range locked {
			switch locked[i].ID {
			case claim.CallerEntry.ID:
				caller = &locked[i]
			case claim.ReceiverEntry.ID:
				receiver = &locked[i]
			}
		}
		if caller == nil || caller.UserID != claim.CallerEntry.UserID {
			return vibe.ErrNotQueued
		}
		if receiver == nil || receiver.UserID == caller.UserID || receiver.LastHeartbeat.Before(claim.ActiveSince) {
			return vibe.ErrCandidateTaken
		}

		if _, err := tx.Exec(ctx, `DELETE FROM queue_entries WHERE id IN ($1, $2)`, caller.ID, receiver.ID); err != nil {
			return fmt.Errorf("failed to delete claimed entries: %w", err)
		}

		rows, _ = tx.Query(ctx,
			`INSERT INTO call_sessions (id, caller_id, receiver_id, status, caller_seen_at, created_at, updated_at)
			 VALUES ($1, $2, $3, 'connecting', $4, $4, $4)
			 RETURNING `+sessionColumns,
			uuid.NewString(), caller.UserID, receiver.UserID, claim.Now)
		sess, err = pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[models.CallSession])
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
	return sess, err
}

func (s *Store) GetSession(ctx context.Context, id string) (models.CallSession, error) {
	rows, _ := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE id = $1`, id)
	sess, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[models.CallSession])
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CallSession{}, vibe.ErrSessionNotFound
	}
	if err != nil {
		return models.CallSession{}, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *Store) PendingSessions(ctx context.Context, receiverID string, since time.Time) ([]models.CallSession, error) {
	rows, _ := s.pool.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM call_sessions
		 WHERE receiver_id = $1 AND status IN ('connecting', 'active') AND created_at >= $2
		 ORDER BY created_at ASC`,
		receiverID, since)
	sessions, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.CallSession])
	if err != nil {
		return nil, fmt.Errorf("failed to list pending sessions: %w", err)
	}
	return sessions, nil
}

// updateSession runs a conditional UPDATE ... RETURNING. When no row
// matches, miss decides the result from the current row.
func (s *Store) updateSession(ctx context.Context, op, query string, args []any, miss func(models.CallSession) (models.CallSession, error)) (models.CallSession, error) {
	rows, _ := s.pool.Query(ctx, query, args...)
	sess, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[models.CallSession])
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.CallSession{}, fmt.Errorf("failed to %s: %w", op, err)
	}

	id, _ := args[0].(string)
	current, err := s.GetSession(ctx, id)
	if err != nil {
		return models.CallSession{}, err
	}
	return miss(current)
}

func unchanged(sess models.CallSession) (models.CallSession, error) { return sess, nil }

func (s *Store) MarkActive(ctx context.Context, id string, now time.Time) (models.CallSession, error) {
	return s.updateSession(ctx, "mark session active",
		`UPDATE call_sessions
		 SET status = 'active', receiver_seen_at = $2, updated_at = $2
		 WHERE id = $1 AND status = 'connecting'
		 RETURNING `+sessionColumns,
		[]any{id, now}, unchanged)
}

func (s *Store) EndSession(ctx context.Context, id, userID string, now, createdBefore time.Time) (models.CallSession, error) {
	return s.updateSession(ctx, "end session",
		`UPDATE call_sessions
		 SET ended_at = $3, ended_by = $2, updated_at = $3
		 WHERE id = $1 AND status <> 'abandoned' AND ended_at IS NULL AND created_at <= $4
		 RETURNING `+sessionColumns,
		[]any{id, userID, now, createdBefore},
		func(sess models.CallSession) (models.CallSession, error) {
			switch {
			case sess.Status == models.StatusAbandoned:
				return sess, vibe.ErrSessionClosed
			case sess.EndedAt != nil:
				return sess, nil
			default:
				return sess, vibe.ErrCooldownActive
			}
		})
}

func decisionColumns(side models.Side) (own, other string) {
	if side == models.SideCaller {
		return "caller_decision", "receiver_decision"
	}
	return "receiver_decision", "caller_decision"
}

func (s *Store) SetDecision(ctx context.Context, id string, side models.Side, decision models.Decision, now time.Time) (models.CallSession, error) {
	own, other := decisionColumns(side)
	query := fmt.Sprintf(
		`UPDATE call_sessions
		 SET %[1]s = $2,
		     ended_at = COALESCE(ended_at, $3),
		     status = CASE WHEN %[2]s <> '' THEN 'decided' ELSE status END,
		     updated_at = $3
		 WHERE id = $1 AND status <> 'abandoned' AND %[1]s = ''
		 RETURNING `+sessionColumns, own, other)

	return s.updateSession(ctx, "set decision", query, []any{id, string(decision), now},
		func(sess models.CallSession) (models.CallSession, error) {
			if sess.Status == models.StatusAbandoned {
				return sess, vibe.ErrSessionClosed
			}
			return sess, vibe.ErrAlreadyDecided
		})
}

func (s *Store) TouchSession(ctx context.Context, id string, side models.Side, now time.Time) error {
	column := "receiver_seen_at"
	if side == models.SideCaller {
		column = "caller_seen_at"
	}
	tag, err := s.pool.Exec(ctx, `UPDATE call_sessions SET `+column+` = $2 WHERE id = $1`, id, now)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return vibe.ErrSessionNotFound
	}
	return nil
}

func (s *Store) AbandonSession(ctx context.Context, id, userID string, now time.Time) (models.CallSession, error) {
	return s.updateSession(ctx, "abandon session",
		`UPDATE call_sessions
		 SET status = 'abandoned',
		     ended_by = CASE WHEN ended_at IS NULL THEN $2 ELSE ended_by END,
		     ended_at = COALESCE(ended_at, $3),
		     updated_at = $3
		 WHERE id = $1 AND status IN ('connecting', 'active')
		 RETURNING `+sessionColumns,
		[]any{id, userID, now}, unchanged)
}

func (s *Store) AbandonStaleSessions(ctx context.Context, cutoff, now time.Time) ([]models.CallSession, error) {
	rows, _ := s.pool.Query(ctx,
		`UPDATE call_sessions
		 SET status = 'abandoned', ended_at = COALESCE(ended_at, $2), updated_at = $2
		 WHERE status IN ('connecting', 'active')
		   AND (COALESCE(caller_seen_at, created_at) < $1 OR COALESCE(receiver_seen_at, created_at) < $1)
		 RETURNING `+sessionColumns,
		cutoff, now)
	sessions, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.CallSession])
	if err != nil {
		return nil, fmt.Errorf("failed to abandon stale sessions: %w", err)
	}
	return sessions, nil
}

func (s *Store) PurgeSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM call_sessions WHERE status IN ('decided', 'abandoned') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ---- matches ----

func (s *Store) CreateMatch(ctx context.Context, rec models.MatchRecord) (models.MatchRecord, error) {
	rows, _ := s.pool.Query(ctx,
		`INSERT INTO matches (`+matchColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT ((LEAST(user_a, user_b)), (GREATEST(user_a, user_b))) DO NOTHING
		 RETURNING `+matchColumns,
		rec.ID, rec.UserA, rec.UserB, string(rec.DecisionA), string(rec.DecisionB), rec.SessionID, rec.MatchedAt)
	created, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[models.MatchRecord])
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.MatchRecord{}, fmt.Errorf("failed to create match: %w", err)
	}

	rows, _ = s.pool.Query(ctx,
		`SELECT `+matchColumns+`
		 FROM matches
		 WHERE LEAST(user_a, user_b) = LEAST($1::text, $2::text)
		   AND GREATEST(user_a, user_b) = GREATEST($1::text, $2::text)`,
		rec.UserA, rec.UserB)
	existing, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[models.MatchRecord])
	if err != nil {
		return models.MatchRecord{}, fmt.Errorf("failed to load existing match: %w", err)
	}
	return existing, vibe.ErrDuplicateMatch
}

func (s *Store) ListMatches(ctx context.Context, userID string) ([]models.MatchRecord, error) {
	rows, _ := s.pool.Query(ctx,
		`SELECT `+matchColumns+`
		 FROM matches
		 WHERE user_a = $1 OR user_b = $1
		 ORDER BY matched_at DESC`,
		userID)
	matches, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.MatchRecord])
	if err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}
	return matches, nil
}

// ---- profiles & history ----

func (s *Store) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	var p models.Profile
	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, avatar_url, gender, looking_for FROM profiles WHERE id = $1`,
		userID,
	).Scan(&p.ID, &p.DisplayName, &p.AvatarRef, &p.Gender, &p.LookingFor)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Profile{}, vibe.ErrProfileNotFound
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

func (s *Store) RecordVibe(ctx context.Context, h models.VibeHistory) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vibe_history (id, user_id, partner_id, session_id, decision, call_duration_seconds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		h.ID, h.UserID, h.PartnerID, h.SessionID, string(h.Decision), h.CallDurationSeconds, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record vibe: %w", err)
	}
	return nil
}
