// Package bus carries change notifications and ephemeral room broadcasts
// between vibe flows. Delivery is at-least-once per subscriber with no
// ordering guarantee across topics; consumers must be idempotent.
package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("bus closed")

// Bus is a topic-addressed publish/subscribe channel.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
	Close() error
}

// Subscription delivers payloads published to one topic after Subscribe
// returned. C is closed when the subscription ends.
type Subscription struct {
	Topic string
	C     <-chan []byte

	once   sync.Once
	cancel func()
}

func newSubscription(topic string, c <-chan []byte, cancel func()) *Subscription {
	return &Subscription{Topic: topic, C: c, cancel: cancel}
}

// Close ends the subscription. Safe to call more than once and on nil.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

const (
	sessionReceiverPrefix = "sessions.receiver."
	sessionPrefix         = "sessions."
	roomPrefix            = "rooms."
)

// SessionInsertTopic carries call sessions created for receiverID.
func SessionInsertTopic(receiverID string) string {
	return sessionReceiverPrefix + receiverID
}

// SessionUpdateTopic carries every change to one call session row.
func SessionUpdateTopic(sessionID string) string {
	return sessionPrefix + sessionID
}

// RoomTopic carries ephemeral broadcasts for a signaling room.
func RoomTopic(room string) string {
	return roomPrefix + room
}
