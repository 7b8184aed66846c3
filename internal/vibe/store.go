package vibe

import (
	"context"
	"time"

	"ginger/server/internal/models"
)

// QueueStore persists presence queue entries.
type QueueStore interface {
	// ReplaceEntry deletes every entry of userID and inserts a fresh one,
	// atomically.
	ReplaceEntry(ctx context.Context, userID string, now time.Time) (models.QueueEntry, error)

	// TouchEntry refreshes the heartbeat. Returns ErrNotQueued if the
	// entry no longer exists.
	TouchEntry(ctx context.Context, entryID string, now time.Time) error

	DeleteEntries(ctx context.Context, userID string) error

	// ActiveEntries lists entries of other users with a heartbeat at or
	// after since, oldest join first.
	ActiveEntries(ctx context.Context, excludeUserID string, since time.Time) ([]models.QueueEntry, error)

	// PurgeEntries deletes entries whose heartbeat is before cutoff.
	PurgeEntries(ctx context.Context, cutoff time.Time) (int64, error)
}

// Claim describes a compare-and-swap pairing: both queue entries are
// removed and the session inserted in one step, or nothing happens.
type Claim struct {
	CallerEntry   models.QueueEntry
	ReceiverEntry models.QueueEntry
	// ActiveSince is the oldest heartbeat the receiver entry may carry.
	ActiveSince time.Time
	Now         time.Time
}

// SessionStore persists call sessions. Every insert and update must be
// announced on the change bus (bus.SessionInsertTopic for inserts,
// bus.SessionUpdateTopic for every change).
type SessionStore interface {
	// ClaimSession fails with ErrNotQueued when the caller's own entry is
	// gone and ErrCandidateTaken when the receiver's entry is gone or stale.
	ClaimSession(ctx context.Context, claim Claim) (models.CallSession, error)

	GetSession(ctx context.Context, id string) (models.CallSession, error)

	// PendingSessions lists non-terminal sessions addressed to receiverID
	// created at or after since.
	PendingSessions(ctx context.Context, receiverID string, since time.Time) ([]models.CallSession, error)

	// MarkActive moves a connecting session to active and stamps the
	// receiver's liveness.
	MarkActive(ctx context.Context, id string, now time.Time) (models.CallSession, error)

	// EndSession stamps ended_at once. It fails with ErrCooldownActive if
	// the session was created after createdBefore and ErrSessionClosed if
	// the session was abandoned.
	EndSession(ctx context.Context, id, userID string, now, createdBefore time.Time) (models.CallSession, error)

	// SetDecision writes side's decision only if it is unset, otherwise
	// ErrAlreadyDecided. When both decisions are set the status becomes
	// decided. Abandoned sessions fail with ErrSessionClosed.
	SetDecision(ctx context.Context, id string, side models.Side, decision models.Decision, now time.Time) (models.CallSession, error)

	// TouchSession refreshes side's liveness stamp.
	TouchSession(ctx context.Context, id string, side models.Side, now time.Time) error

	// AbandonSession marks a non-terminal session abandoned by userID.
	// Terminal sessions are returned unchanged.
	AbandonSession(ctx context.Context, id, userID string, now time.Time) (models.CallSession, error)

	// AbandonStaleSessions abandons non-terminal sessions in which either
	// side has not been seen since cutoff.
	AbandonStaleSessions(ctx context.Context, cutoff, now time.Time) ([]models.CallSession, error)

	// PurgeSessions deletes terminal sessions last updated before cutoff.
	PurgeSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// MatchStore persists durable match records.
type MatchStore interface {
	// CreateMatch inserts rec unless the unordered pair already has a
	// match, in which case it returns the existing record together with
	// ErrDuplicateMatch.
	CreateMatch(ctx context.Context, rec models.MatchRecord) (models.MatchRecord, error)

	ListMatches(ctx context.Context, userID string) ([]models.MatchRecord, error)
}

// ProfileStore reads profiles owned by the profile service.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
}

// HistoryStore records per-side call outcomes.
type HistoryStore interface {
	RecordVibe(ctx context.Context, h models.VibeHistory) error
}

// Store is everything the vibe core needs from persistence.
type Store interface {
	QueueStore
	SessionStore
	MatchStore
	ProfileStore
	HistoryStore
}

// AvatarResolver turns a stored avatar reference into a URL the partner's
// client can load.
type AvatarResolver interface {
	AvatarURL(ctx context.Context, ref string) (string, error)
}
