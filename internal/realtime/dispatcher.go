package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/metrics"
)

const (
	EventConversationChanged = "conversation-change"
	EventGiftSent            = "gift-sent"
	EventCreditsChanged      = "credits-change"
	EventHeartbeat           = "heartbeat"

	defaultBufferSize = 16
)

// Message is a per-user change notification.
type Message struct {
	UserID      string    `json:"userId"`
	EventType   string    `json:"eventType"`
	ResourceIDs []string  `json:"resourceIds,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher delivers messages to the subscribers of a user.
type Publisher interface {
	Publish(message Message)
}

// Hub is a Publisher that also accepts subscriptions.
type Hub interface {
	Publisher
	Subscribe(ctx context.Context, userID string) (<-chan Message, func())
}

// DispatcherConfig tunes the in-process dispatcher.
type DispatcherConfig struct {
	BufferSize int
	Metrics    *metrics.Metrics
}

// Dispatcher fans messages out to in-process subscribers. Sends never block:
// a subscriber whose buffer is full misses the message.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	metrics     *metrics.Metrics
}

type subscriber struct {
	id     int64
	stream chan Message
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
		metrics:     cfg.Metrics,
	}
}

// Subscribe registers a stream for userID. The stream is unregistered when ctx
// ends or the returned cleanup runs; the channel itself is never closed.
func (d *Dispatcher) Subscribe(ctx context.Context, userID string) (<-chan Message, func()) {
	if userID == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Message, d.bufferSize),
	}
	d.register(userID, sub)
	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(userID, sub.id)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return sub.stream, cleanup
}

func (d *Dispatcher) Publish(message Message) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	d.metrics.ObserveRealtimeEvent(message.EventType)

	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the live subscriptions for userID.
func (d *Dispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(userID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*subscriber)
	}
	d.subscribers[userID][sub.id] = sub
}

func (d *Dispatcher) unregister(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
