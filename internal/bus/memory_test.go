package bus

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func receive(t *testing.T, sub *Subscription) []byte {
	t.Helper()
	select {
	case payload, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed")
		}
		return payload
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestMemoryDeliversToTopicSubscribersOnly(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(zerolog.Nop())

	alice, err := b.Subscribe(ctx, SessionInsertTopic("alice"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	bob, err := b.Subscribe(ctx, SessionInsertTopic("bob"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, SessionInsertTopic("alice"), []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := string(receive(t, alice)); got != "hello" {
		t.Fatalf("alice got %q", got)
	}
	select {
	case msg := <-bob.C:
		t.Fatalf("bob received %q on another topic", msg)
	default:
	}
}

func TestMemoryUnsubscribeClosesChannel(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(zerolog.Nop())
	topic := RoomTopic("session.1")

	sub, err := b.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if b.Subscribers(topic) != 1 {
		t.Fatalf("Subscribers = %d, want 1", b.Subscribers(topic))
	}

	sub.Close()
	sub.Close()

	if _, ok := <-sub.C; ok {
		t.Fatal("channel still open after Close")
	}
	if b.Subscribers(topic) != 0 {
		t.Fatalf("Subscribers = %d after Close, want 0", b.Subscribers(topic))
	}
	if err := b.Publish(ctx, topic, []byte("late")); err != nil {
		t.Fatalf("Publish with no subscribers: %v", err)
	}
}

func TestMemoryClose(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(zerolog.Nop())

	sub, _ := b.Subscribe(ctx, "t")
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("subscription not closed by bus Close")
	}
	sub.Close()

	if err := b.Publish(ctx, "t", nil); err != ErrClosed {
		t.Fatalf("Publish after Close = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe(ctx, "t"); err != ErrClosed {
		t.Fatalf("Subscribe after Close = %v, want ErrClosed", err)
	}
}

func TestTopicNames(t *testing.T) {
	if got := SessionInsertTopic("u1"); got != "sessions.receiver.u1" {
		t.Errorf("SessionInsertTopic = %q", got)
	}
	if got := SessionUpdateTopic("s1"); got != "sessions.s1" {
		t.Errorf("SessionUpdateTopic = %q", got)
	}
	if got := RoomTopic("pair.a-b"); got != "rooms.pair.a-b" {
		t.Errorf("RoomTopic = %q", got)
	}
}
