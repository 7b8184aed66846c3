package vibe

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"ginger/server/internal/clock"
	"ginger/server/internal/models"
)

// Queue is the presence queue: the set of users currently searching.
type Queue struct {
	store QueueStore
	clock clock.Clock
	cfg   Config
	log   zerolog.Logger
}

func NewQueue(store QueueStore, clk clock.Clock, cfg Config, log zerolog.Logger) *Queue {
	return &Queue{
		store: store,
		clock: clk,
		cfg:   cfg,
		log:   log.With().Str("module", "vibe.queue").Logger(),
	}
}

// Join replaces any previous entry of userID with a fresh one.
func (q *Queue) Join(ctx context.Context, userID string) (models.QueueEntry, error) {
	entry, err := q.store.ReplaceEntry(ctx, userID, q.clock.Now())
	if err != nil {
		return models.QueueEntry{}, storeError("join queue", err)
	}
	q.log.Debug().Str("user_id", userID).Str("entry_id", entry.ID).Msg("joined queue")
	return entry, nil
}

// Heartbeat refreshes the entry's liveness stamp.
func (q *Queue) Heartbeat(ctx context.Context, entryID string) error {
	err := q.store.TouchEntry(ctx, entryID, q.clock.Now())
	if err != nil && !errors.Is(err, ErrNotQueued) {
		return storeError("queue heartbeat", err)
	}
	return err
}

// Leave removes every entry of userID. Failures are only logged; stale
// entries age out of the active window anyway.
func (q *Queue) Leave(ctx context.Context, userID string) {
	if err := q.store.DeleteEntries(ctx, userID); err != nil {
		q.log.Warn().Err(err).Str("user_id", userID).Msg("failed to leave queue")
	}
}

// Active lists the other users whose heartbeat is within the activity
// threshold, oldest join first.
func (q *Queue) Active(ctx context.Context, selfID string) ([]models.QueueEntry, error) {
	since := q.clock.Now().Add(-q.cfg.ActiveThreshold)
	entries, err := q.store.ActiveEntries(ctx, selfID, since)
	if err != nil {
		return nil, storeError("list queue", err)
	}
	return entries, nil
}
