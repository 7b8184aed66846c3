package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// subscriberBuffer bounds each subscriber's backlog. A slow subscriber
// loses messages rather than blocking publishers; vibe flows recover
// through their fallback polls.
const subscriberBuffer = 64

// Memory is an in-process Bus.
type Memory struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySub]struct{}
	closed bool
	log    zerolog.Logger
}

type memorySub struct {
	ch chan []byte
}

// NewMemory creates an empty in-process bus.
func NewMemory(log zerolog.Logger) *Memory {
	return &Memory{
		topics: make(map[string]map[*memorySub]struct{}),
		log:    log.With().Str("module", "bus.memory").Logger(),
	}
}

func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	for sub := range m.topics[topic] {
		select {
		case sub.ch <- payload:
		default:
			m.log.Warn().Str("topic", topic).Msg("subscriber backlog full, dropping message")
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, topic string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{ch: make(chan []byte, subscriberBuffer)}
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[*memorySub]struct{})
	}
	m.topics[topic][sub] = struct{}{}

	return newSubscription(topic, sub.ch, func() { m.unsubscribe(topic, sub) }), nil
}

func (m *Memory) unsubscribe(topic string, sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.topics[topic]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(m.topics, topic)
	}
	close(sub.ch)
}

// Subscribers returns the number of live subscriptions on topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for topic, subs := range m.topics {
		for sub := range subs {
			close(sub.ch)
		}
		delete(m.topics, topic)
	}
	return nil
}
