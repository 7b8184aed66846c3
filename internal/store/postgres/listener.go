package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"ginger/server/internal/bus"
	"ginger/server/internal/database"
)

const listenRetry = 2 * time.Second

// change is the payload of the call session trigger.
type change struct {
	Op      string          `json:"op"`
	Session json.RawMessage `json:"session"`
}

type sessionKeys struct {
	ID         string `json:"id"`
	ReceiverID string `json:"receiverId"`
}

// Listener republishes call session notifications on the change bus.
type Listener struct {
	pool    *pgxpool.Pool
	changes bus.Bus
	log     zerolog.Logger
}

// NewListener creates a listener publishing to changes.
func NewListener(pool *pgxpool.Pool, changes bus.Bus, log zerolog.Logger) *Listener {
	return &Listener{
		pool:    pool,
		changes: changes,
		log:     log.With().Str("module", "store.postgres.listener").Logger(),
	}
}

// Run listens until ctx is cancelled, reconnecting after failures.
// Notifications sent while disconnected are lost; flows recover them by
// polling.
func (l *Listener) Run(ctx context.Context) {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		l.log.Warn().Err(err).Dur("retry_in", listenRetry).Msg("notification listener stopped")

		select {
		case <-ctx.Done():
			return
		case <-time.After(listenRetry):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() {
		// Never hand a listening connection back to the pool.
		conn.Conn().Close(context.Background())
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+database.ChangesChannel); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	l.log.Info().Str("channel", database.ChangesChannel).Msg("📡 Listening for session changes")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.dispatch(ctx, []byte(n.Payload))
	}
}

func (l *Listener) dispatch(ctx context.Context, payload []byte) {
	topics, session, err := Topics(payload)
	if err != nil {
		l.log.Warn().Err(err).Msg("dropping malformed notification")
		return
	}
	for _, topic := range topics {
		if err := l.changes.Publish(ctx, topic, session); err != nil {
			l.log.Warn().Err(err).Str("topic", topic).Msg("failed to republish session change")
		}
	}
}

// Topics decodes a trigger payload into the bus topics it belongs on and
// the session JSON to publish.
func Topics(payload []byte) ([]string, []byte, error) {
	var c change
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, nil, fmt.Errorf("failed to decode notification: %w", err)
	}
	var keys sessionKeys
	if err := json.Unmarshal(c.Session, &keys); err != nil {
		return nil, nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if keys.ID == "" {
		return nil, nil, fmt.Errorf("notification without session id")
	}

	topics := []string{bus.SessionUpdateTopic(keys.ID)}
	if c.Op == "INSERT" {
		topics = append([]string{bus.SessionInsertTopic(keys.ReceiverID)}, topics...)
	}
	return topics, c.Session, nil
}
