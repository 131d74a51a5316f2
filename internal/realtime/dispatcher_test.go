package realtime

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDispatcherDeliversToUserSubscribers(t *testing.T) {
	dispatcher := NewDispatcher(DispatcherConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice, _ := dispatcher.Subscribe(ctx, "alice")
	bob, _ := dispatcher.Subscribe(ctx, "bob")

	dispatcher.Publish(Message{UserID: "alice", EventType: EventGiftSent, ResourceIDs: []string{"gift-1"}})

	select {
	case message := <-alice:
		if message.EventType != EventGiftSent || len(message.ResourceIDs) != 1 {
			t.Fatalf("unexpected message %+v", message)
		}
		if message.Timestamp.IsZero() {
			t.Fatalf("expected timestamp to be stamped")
		}
	case <-time.After(time.Second):
		t.Fatalf("alice did not receive the message")
	}
	select {
	case message := <-bob:
		t.Fatalf("bob received a message meant for alice: %+v", message)
	default:
	}
}

func TestDispatcherIgnoresIncompleteMessages(t *testing.T) {
	dispatcher := NewDispatcher(DispatcherConfig{})
	stream, cleanup := dispatcher.Subscribe(context.Background(), "alice")
	defer cleanup()

	dispatcher.Publish(Message{UserID: "alice"})
	dispatcher.Publish(Message{EventType: EventCreditsChanged})

	select {
	case message := <-stream:
		t.Fatalf("unexpected delivery %+v", message)
	default:
	}
}

func TestDispatcherDropsWhenSubscriberIsFull(t *testing.T) {
	dispatcher := NewDispatcher(DispatcherConfig{BufferSize: 1})
	stream, cleanup := dispatcher.Subscribe(context.Background(), "alice")
	defer cleanup()

	dispatcher.Publish(Message{UserID: "alice", EventType: EventCreditsChanged})
	dispatcher.Publish(Message{UserID: "alice", EventType: EventGiftSent})

	first := <-stream
	if first.EventType != EventCreditsChanged {
		t.Fatalf("expected first message to be kept, got %s", first.EventType)
	}
	select {
	case message := <-stream:
		t.Fatalf("expected overflow to be dropped, got %+v", message)
	default:
	}
}

func TestDispatcherUnsubscribesOnContextCancel(t *testing.T) {
	dispatcher := NewDispatcher(DispatcherConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Subscribe(ctx, "alice")
	if count := dispatcher.SubscriberCount("alice"); count != 1 {
		t.Fatalf("expected one subscriber, got %d", count)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("alice") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber was not removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcherCleanupReleasesWatcher(t *testing.T) {
	dispatcher := NewDispatcher(DispatcherConfig{})
	baseline := runtime.NumGoroutine()

	const subscriptions = 200
	for i := 0; i < subscriptions; i++ {
		_, cleanup := dispatcher.Subscribe(context.Background(), "alice")
		cleanup()
		cleanup()
	}
	if count := dispatcher.SubscriberCount("alice"); count != 0 {
		t.Fatalf("expected no subscribers after cleanup, got %d", count)
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > baseline+10 {
		if time.Now().After(deadline) {
			t.Fatalf("watcher goroutines still running: baseline %d, now %d", baseline, runtime.NumGoroutine())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatcherEmptyUserGetsClosedStream(t *testing.T) {
	stream, cleanup := NewDispatcher(DispatcherConfig{}).Subscribe(context.Background(), "")
	defer cleanup()
	if _, ok := <-stream; ok {
		t.Fatalf("expected closed stream for empty user")
	}
}

func TestDispatcherCountsEvents(t *testing.T) {
	collectors := metrics.New("test")
	dispatcher := NewDispatcher(DispatcherConfig{Metrics: collectors})
	dispatcher.Publish(Message{UserID: "alice", EventType: EventConversationChanged})
	dispatcher.Publish(Message{UserID: "bob", EventType: EventConversationChanged})

	if got := testutil.ToFloat64(collectors.RealtimeEvents.WithLabelValues(EventConversationChanged)); got != 2 {
		t.Fatalf("expected 2 counted events, got %v", got)
	}
}
