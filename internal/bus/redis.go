package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis is a Bus backed by Redis pub/sub, used for signaling rooms when
// the two participants may be connected to different server instances.
type Redis struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewRedis connects to the Redis server at url (redis://host:port/db) and
// verifies the connection.
func NewRedis(ctx context.Context, url, prefix string, log zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Redis{
		client: client,
		prefix: prefix,
		log:    log.With().Str("module", "bus.redis").Logger(),
	}, nil
}

func (r *Redis) channel(topic string) string {
	return r.prefix + topic
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if r.isClosed() {
		return ErrClosed
	}
	if err := r.client.Publish(ctx, r.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}

	pubsub := r.client.Subscribe(ctx, r.channel(topic))
	// Receive blocks until the server confirms the subscription, so
	// messages published after Subscribe returns are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	out := make(chan []byte, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		messages := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					r.log.Warn().Str("topic", topic).Msg("subscriber backlog full, dropping message")
				}
			}
		}
	}()

	return newSubscription(topic, out, func() {
		close(done)
		if err := pubsub.Close(); err != nil {
			r.log.Debug().Err(err).Str("topic", topic).Msg("closing pubsub")
		}
	}), nil
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
