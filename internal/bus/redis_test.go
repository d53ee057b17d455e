package bus

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// TestNewRedisInvalidURL verifies URL parsing errors are returned, not panicked on.
func TestNewRedisInvalidURL(t *testing.T) {
	if _, err := NewRedis(context.Background(), "not a url", quietLogger()); err == nil {
		t.Error("Expected error for invalid Redis URL")
	}
}

// TestNewRedisUnreachable verifies a failed ping is reported.
func TestNewRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := NewRedis(context.Background(), "redis://"+addr, quietLogger()); err == nil {
		t.Error("Expected error connecting to a stopped Redis")
	}
}

// TestPublishSubscribeRoundTrip verifies a published message reaches a subscriber intact.
func TestPublishSubscribeRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := NewRedis(ctx, "redis://"+mr.Addr(), quietLogger())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer b.Close()

	received := make(chan Message, 1)
	if err := b.Subscribe(ctx, func(m Message) { received <- m }); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}

	payload := []byte(`{"text":"hi","senderName":"X","timestamp":"2024-01-01T00:00:00Z"}`)
	if err := b.Publish(ctx, Message{Origin: "instance-a", RoomID: "room-1", Payload: payload}); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	select {
	case m := <-received:
		if m.Origin != "instance-a" || m.RoomID != "room-1" || string(m.Payload) != string(payload) {
			t.Errorf("Unexpected message: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for bus message")
	}
}

// TestSubscribeSkipsMalformed verifies garbage on a room channel is dropped
// and does not stop later messages.
func TestSubscribeSkipsMalformed(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := NewRedis(ctx, "redis://"+mr.Addr(), quietLogger())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer b.Close()

	received := make(chan Message, 2)
	if err := b.Subscribe(ctx, func(m Message) { received <- m }); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}

	mr.Publish(channel("room-1"), "not json")
	if err := b.Publish(ctx, Message{Origin: "o", RoomID: "room-1", Payload: []byte("ok")}); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	select {
	case m := <-received:
		if string(m.Payload) != "ok" {
			t.Errorf("Expected the well-formed message, got %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for bus message")
	}
}
