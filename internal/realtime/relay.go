package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultChannelPrefix = "kindred"
	relayChannelSuffix   = "realtime"
	publishTimeout       = 2 * time.Second
)

var (
	errMissingRedisClient = errors.New("realtime relay: redis client is required")
	errMissingDispatcher  = errors.New("realtime relay: local dispatcher is required")
	errMissingOrigin      = errors.New("realtime relay: origin is required")
)

type envelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

// RelayConfig wires a RedisRelay.
type RelayConfig struct {
	Client        redis.UniversalClient
	Local         *Dispatcher
	ChannelPrefix string
	Origin        string
	Logger        *zap.Logger
}

// RedisRelay delivers messages to local subscribers and mirrors them through a
// Redis channel so subscribers attached to other instances see them too.
type RedisRelay struct {
	client  redis.UniversalClient
	local   *Dispatcher
	channel string
	origin  string
	logger  *zap.Logger
}

func NewRedisRelay(cfg RelayConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if cfg.Local == nil {
		return nil, errMissingDispatcher
	}
	if cfg.Origin == "" {
		return nil, errMissingOrigin
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:  cfg.Client,
		local:   cfg.Local,
		channel: fmt.Sprintf("%s:%s", prefix, relayChannelSuffix),
		origin:  cfg.Origin,
		logger:  logger,
	}, nil
}

// Channel returns the Redis channel the relay publishes to.
func (r *RedisRelay) Channel() string {
	return r.channel
}

func (r *RedisRelay) Subscribe(ctx context.Context, userID string) (<-chan Message, func()) {
	return r.local.Subscribe(ctx, userID)
}

// Publish delivers locally first; a failed Redis publish is logged and the
// local delivery stands.
func (r *RedisRelay) Publish(message Message) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	r.local.Publish(message)

	payload, err := json.Marshal(envelope{Origin: r.origin, Message: message})
	if err != nil {
		r.logger.Error("realtime relay encode failed", zap.Error(err), zap.String("event_type", message.EventType))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("realtime relay publish failed",
			zap.Error(err),
			zap.String("channel", r.channel),
			zap.String("event_type", message.EventType))
	}
}

// Run forwards messages published by other instances to local subscribers
// until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("realtime relay subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("realtime relay subscribed", zap.String("channel", r.channel))

	incoming := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-incoming:
			if !ok {
				return nil
			}
			r.handlePayload(msg.Payload)
		}
	}
}

func (r *RedisRelay) handlePayload(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("realtime relay dropped malformed payload", zap.Error(err))
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.local.Publish(env.Message)
}
