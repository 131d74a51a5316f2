package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

const (
	EventTypeGiftSent = "gift.sent"

	defaultGiftTopic = "kindred.gifts.sent"
)

var (
	errMissingProducer = errors.New("events: kafka producer is required")
	errNoBrokers       = errors.New("events: at least one kafka broker is required")
)

// GiftEvent tells the chat responder that a gift landed in a conversation.
type GiftEvent struct {
	Type                    string    `json:"type"`
	GiftTransactionID       string    `json:"giftTransactionId"`
	ChatMessageID           string    `json:"chatMessageId"`
	ConversationID          string    `json:"conversationId"`
	SenderID                string    `json:"senderId"`
	SenderName              string    `json:"senderName"`
	RecipientID             string    `json:"recipientId"`
	GiftID                  int       `json:"giftId"`
	GiftName                string    `json:"giftName"`
	Message                 string    `json:"message,omitempty"`
	SentAt                  time.Time `json:"sentAt"`
	ShouldTriggerAIResponse bool      `json:"shouldTriggerAiResponse"`
}

// Notifier publishes gift events.
type Notifier interface {
	NotifyGiftSent(ctx context.Context, event GiftEvent) error
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) NotifyGiftSent(context.Context, GiftEvent) error {
	return nil
}

// NewSyncProducer dials the brokers with acks from all replicas.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, errNoBrokers
	}
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("events: create kafka producer: %w", err)
	}
	return producer, nil
}

// KafkaConfig wires a KafkaNotifier.
type KafkaConfig struct {
	Producer sarama.SyncProducer
	Topic    string
	Logger   *zap.Logger
}

// KafkaNotifier publishes gift events keyed by recipient so one responder
// sees a persona's events in order.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

func NewKafkaNotifier(cfg KafkaConfig) (*KafkaNotifier, error) {
	if cfg.Producer == nil {
		return nil, errMissingProducer
	}
	topic := cfg.Topic
	if topic == "" {
		topic = defaultGiftTopic
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaNotifier{producer: cfg.Producer, topic: topic, logger: logger}, nil
}

func (n *KafkaNotifier) NotifyGiftSent(ctx context.Context, event GiftEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Type == "" {
		event.Type = EventTypeGiftSent
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: encode gift event: %w", err)
	}
	message := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(event.RecipientID),
		Value: sarama.ByteEncoder(payload),
	}
	partition, offset, err := n.producer.SendMessage(message)
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", n.topic, err)
	}
	n.logger.Debug("gift event published",
		zap.String("topic", n.topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("gift_transaction_id", event.GiftTransactionID))
	return nil
}

// Close releases the producer.
func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}
