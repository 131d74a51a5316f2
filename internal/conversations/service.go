package conversations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultListLimit = 50

// ServiceConfig describes the dependencies of the conversation service.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Hub        realtime.Hub
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service maintains conversation summaries and unread counters.
type Service struct {
	db         *gorm.DB
	idProvider ids.Provider
	hub        realtime.Hub
	clock      func() time.Time
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("conversations: database connection required")
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = realtime.NewDispatcher(realtime.DispatcherConfig{})
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		idProvider: idProvider,
		hub:        hub,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Get loads a conversation by id.
func (s *Service) Get(ctx context.Context, conversationID string) (Conversation, error) {
	var conversation Conversation
	err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("conversations: load %s: %w", conversationID, err)
	}
	return conversation, nil
}

// FindByPair looks up the conversation between a user and a bot profile.
func (s *Service) FindByPair(ctx context.Context, userID, botProfileID string) (Conversation, error) {
	var conversation Conversation
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND bot_profile_id = ?", userID, botProfileID).
		Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("conversations: find %s/%s: %w", userID, botProfileID, err)
	}
	return conversation, nil
}

// FindOrCreate returns the conversation for the pair, creating it on first use.
// The boolean reports whether this call created it.
func (s *Service) FindOrCreate(ctx context.Context, userID, botProfileID string) (Conversation, bool, error) {
	userID = strings.TrimSpace(userID)
	botProfileID = strings.TrimSpace(botProfileID)
	if userID == "" || botProfileID == "" {
		return Conversation{}, false, ErrInvalidParticipants
	}
	if existing, err := s.FindByPair(ctx, userID, botProfileID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrConversationNotFound) {
		return Conversation{}, false, err
	}

	conversationID, err := s.idProvider.NewID()
	if err != nil {
		return Conversation{}, false, fmt.Errorf("conversations: generate id: %w", err)
	}
	candidate := Conversation{
		ConversationID: conversationID,
		UserID:         userID,
		BotProfileID:   botProfileID,
		LastMessageAt:  s.clock().UTC(),
		IsActive:       true,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&candidate)
	if result.Error != nil {
		return Conversation{}, false, fmt.Errorf("conversations: create %s/%s: %w", userID, botProfileID, result.Error)
	}
	if result.RowsAffected == 0 {
		existing, err := s.FindByPair(ctx, userID, botProfileID)
		return existing, false, err
	}
	s.publish(userID, candidate.ConversationID)
	return candidate, true, nil
}

// UpdateLastMessage stores the newest message summary. When the store rejects
// the has_gifts column the update is retried without it.
func (s *Service) UpdateLastMessage(ctx context.Context, conversationID string, update LastMessageUpdate) error {
	var owner Conversation
	err := s.db.WithContext(ctx).
		Select("conversation_id", "user_id").
		Where("conversation_id = ?", conversationID).
		Take(&owner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("conversations: load %s: %w", conversationID, err)
	}

	at := update.At
	if at.IsZero() {
		at = s.clock()
	}
	fields := map[string]any{
		"last_message":    update.Text,
		"last_message_at": at.UTC(),
	}
	if update.HasGifts {
		fields["has_gifts"] = true
	}
	err = s.db.WithContext(ctx).Model(&Conversation{}).Where("conversation_id = ?", conversationID).Updates(fields).Error
	if err != nil && update.HasGifts {
		s.logger.Warn("conversation update rejected, retrying without has_gifts",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		delete(fields, "has_gifts")
		err = s.db.WithContext(ctx).Model(&Conversation{}).Where("conversation_id = ?", conversationID).Updates(fields).Error
	}
	if err != nil {
		return fmt.Errorf("conversations: update %s: %w", conversationID, err)
	}
	s.publish(owner.UserID, conversationID)
	return nil
}

// RecordIncomingMessage stores a message addressed to the user and bumps the
// unread counter.
func (s *Service) RecordIncomingMessage(ctx context.Context, conversationID, text string) error {
	conversation, err := s.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("conversation_id = ?", conversationID).
		Updates(map[string]any{
			"last_message":    text,
			"last_message_at": s.clock().UTC(),
			"message_count":   gorm.Expr("message_count + 1"),
		}).Error
	if err != nil {
		return fmt.Errorf("conversations: record message %s: %w", conversationID, err)
	}
	s.publish(conversation.UserID, conversationID)
	return nil
}

// MarkRead clears the unread counter of one of the user's conversations.
func (s *Service) MarkRead(ctx context.Context, userID, conversationID string) error {
	result := s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("message_count", 0)
	if result.Error != nil {
		return fmt.Errorf("conversations: mark read %s: %w", conversationID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConversationNotFound
	}
	s.publish(userID, conversationID)
	return nil
}

// ListForUser returns the user's conversations, most recent first. It returns
// an empty list on failure.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) []Conversation {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var found []Conversation
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_message_at DESC").
		Limit(limit).
		Find(&found).Error; err != nil {
		s.logger.Error("conversation list failed",
			zap.String("operation", "conversations.list"),
			zap.String("user_id", userID),
			zap.Error(err))
		return []Conversation{}
	}
	return found
}

// GetTotalUnreadCount sums the positive unread counters across the user's
// conversations. It returns 0 on failure and never caches.
func (s *Service) GetTotalUnreadCount(ctx context.Context, userID string) int64 {
	if userID == "" {
		return 0
	}
	var total int64
	err := s.db.WithContext(ctx).
		Model(&Conversation{}).
		Select("COALESCE(SUM(message_count), 0)").
		Where("user_id = ? AND message_count > 0", userID).
		Scan(&total).Error
	if err != nil {
		s.logger.Error("unread count failed",
			zap.String("operation", "conversations.unread_count"),
			zap.String("user_id", userID),
			zap.Error(err))
		return 0
	}
	return total
}

// SubscribeUnread emits the current unread count and then a fresh count after
// every conversation change for the user. Only the latest count is buffered.
// The channel closes when ctx ends or the returned cancel runs.
func (s *Service) SubscribeUnread(ctx context.Context, userID string) (<-chan int64, func()) {
	counts := make(chan int64, 1)
	if userID == "" {
		close(counts)
		return counts, func() {}
	}
	subscriptionCtx, cancel := context.WithCancel(ctx)
	events, unsubscribe := s.hub.Subscribe(subscriptionCtx, userID)

	go func() {
		defer close(counts)
		defer unsubscribe()
		s.emitCount(subscriptionCtx, counts, userID)
		for {
			select {
			case <-subscriptionCtx.Done():
				return
			case message, ok := <-events:
				if !ok {
					return
				}
				if message.EventType != realtime.EventConversationChanged {
					continue
				}
				s.emitCount(subscriptionCtx, counts, userID)
			}
		}
	}()
	return counts, cancel
}

func (s *Service) emitCount(ctx context.Context, counts chan int64, userID string) {
	count := s.GetTotalUnreadCount(ctx, userID)
	select {
	case counts <- count:
		return
	default:
	}
	select {
	case <-counts:
	default:
	}
	select {
	case counts <- count:
	default:
	}
}

func (s *Service) publish(userID, conversationID string) {
	s.hub.Publish(realtime.Message{
		UserID:      userID,
		EventType:   realtime.EventConversationChanged,
		ResourceIDs: []string{conversationID},
		Timestamp:   s.clock().UTC(),
	})
}
