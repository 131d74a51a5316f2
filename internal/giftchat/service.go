package giftchat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/events"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/gifts"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/personas"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/users"
	"go.uber.org/zap"
)

const anonymousSenderName = "Anonymous"

var (
	errMissingGifts         = errors.New("gift sender is required")
	errMissingSenders       = errors.New("sender directory is required")
	errMissingConversations = errors.New("conversation store is required")
	errMissingPersonaStats  = errors.New("persona stats are required")
)

// GiftSender is the gift transaction surface used by the chat integration.
type GiftSender interface {
	SendGift(ctx context.Context, request gifts.SendRequest) gifts.SendResult
	AttachConversation(ctx context.Context, recordID, conversationID string) error
}

// SenderDirectory resolves display names for senders.
type SenderDirectory interface {
	DisplayName(ctx context.Context, userID users.UserID) (string, bool)
}

// ConversationStore finds and updates chat summaries.
type ConversationStore interface {
	Get(ctx context.Context, conversationID string) (conversations.Conversation, error)
	FindOrCreate(ctx context.Context, userID, botProfileID string) (conversations.Conversation, bool, error)
	UpdateLastMessage(ctx context.Context, conversationID string, update conversations.LastMessageUpdate) error
}

// PersonaStats bumps persona counters.
type PersonaStats interface {
	IncrementStat(ctx context.Context, id personas.PersonaID, stat personas.Stat, delta int64) error
}

// ServiceConfig describes the collaborators of the gift chat integration.
type ServiceConfig struct {
	Gifts         GiftSender
	Senders       SenderDirectory
	Conversations ConversationStore
	PersonaStats  PersonaStats
	Notifier      events.Notifier
	Logger        *zap.Logger
}

// Service delivers gifts into chat conversations.
type Service struct {
	gifts         GiftSender
	senders       SenderDirectory
	conversations ConversationStore
	personaStats  PersonaStats
	notifier      events.Notifier
	logger        *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Gifts == nil:
		return nil, errMissingGifts
	case cfg.Senders == nil:
		return nil, errMissingSenders
	case cfg.Conversations == nil:
		return nil, errMissingConversations
	case cfg.PersonaStats == nil:
		return nil, errMissingPersonaStats
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = events.NopNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		gifts:         cfg.Gifts,
		senders:       cfg.Senders,
		conversations: cfg.Conversations,
		personaStats:  cfg.PersonaStats,
		notifier:      notifier,
		logger:        logger,
	}, nil
}

// Request is a gift sent from a chat.
type Request struct {
	SenderID       users.UserID
	RecipientID    personas.PersonaID
	GiftID         gifts.GiftID
	Message        string
	ConversationID string
}

// GiftMessage is the chat entry rendered for a delivered gift.
type GiftMessage struct {
	ID              string
	ConversationID  string
	SenderID        string
	SenderName      string
	RecipientID     string
	RecipientName   string
	GiftID          gifts.GiftID
	GiftName        string
	GiftImage       string
	GiftPrice       int64
	IsAnimated      bool
	AnimationURL    string
	PersonalMessage string
	Text            string
	SentAt          time.Time
}

// Result reports the outcome of SendGiftToChat. Callers must check Success.
type Result struct {
	Success                 bool
	ChatMessageID           string
	GiftMessage             *GiftMessage
	ConversationID          string
	NewBalance              int64
	Error                   string
	Settlement              gifts.Settlement
	ShouldTriggerAIResponse bool
}

// SendGiftToChat charges for the gift, then places it in the sender's
// conversation with the recipient. Only the charge decides success; the
// conversation and notification steps are logged when they fail.
func (s *Service) SendGiftToChat(ctx context.Context, request Request) Result {
	request.ConversationID = s.ownedConversation(ctx, request)
	sent := s.gifts.SendGift(ctx, gifts.SendRequest{
		SenderID:       request.SenderID,
		RecipientID:    request.RecipientID,
		GiftID:         request.GiftID,
		Message:        request.Message,
		ConversationID: request.ConversationID,
	})
	if !sent.Success || sent.Record == nil {
		return Result{NewBalance: sent.NewBalance, Error: sent.Error, Settlement: sent.Status}
	}
	record := *sent.Record

	senderName := s.senderName(ctx, request.SenderID)
	conversationID := strings.TrimSpace(request.ConversationID)
	if conversationID == "" {
		conversationID = s.ensureConversation(ctx, request, record.GiftTransactionID)
	}

	message := buildGiftMessage(record, senderName, conversationID)

	if conversationID != "" {
		err := s.conversations.UpdateLastMessage(ctx, conversationID, conversations.LastMessageUpdate{
			Text:     message.Text,
			At:       message.SentAt,
			HasGifts: true,
		})
		if err != nil {
			s.logger.Warn("gift conversation update failed",
				zap.String("conversation_id", conversationID),
				zap.String("gift_transaction_id", record.GiftTransactionID),
				zap.Error(err))
		}
	}

	err := s.notifier.NotifyGiftSent(ctx, events.GiftEvent{
		GiftTransactionID:       record.GiftTransactionID,
		ChatMessageID:           message.ID,
		ConversationID:          conversationID,
		SenderID:                record.SenderID,
		SenderName:              senderName,
		RecipientID:             record.RecipientID,
		GiftID:                  int(record.GiftID),
		GiftName:                record.GiftName,
		Message:                 record.Message,
		SentAt:                  record.SentAt,
		ShouldTriggerAIResponse: true,
	})
	if err != nil {
		s.logger.Warn("gift event publish failed",
			zap.String("gift_transaction_id", record.GiftTransactionID),
			zap.Error(err))
	}

	return Result{
		Success:                 true,
		ChatMessageID:           message.ID,
		GiftMessage:             &message,
		ConversationID:          conversationID,
		NewBalance:              sent.NewBalance,
		ShouldTriggerAIResponse: true,
	}
}

// ownedConversation returns the supplied conversation id when it is the
// sender's conversation with the recipient, and "" otherwise.
func (s *Service) ownedConversation(ctx context.Context, request Request) string {
	conversationID := strings.TrimSpace(request.ConversationID)
	if conversationID == "" {
		return ""
	}
	conversation, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		s.logger.Warn("supplied conversation ignored",
			zap.String("conversation_id", conversationID),
			zap.String("sender_id", request.SenderID.String()),
			zap.Error(err))
		return ""
	}
	if conversation.UserID != request.SenderID.String() || conversation.BotProfileID != request.RecipientID.String() {
		s.logger.Warn("supplied conversation ignored",
			zap.String("conversation_id", conversationID),
			zap.String("sender_id", request.SenderID.String()),
			zap.String("recipient_id", request.RecipientID.String()),
			zap.String("reason", "participant_mismatch"))
		return ""
	}
	return conversationID
}

func (s *Service) ensureConversation(ctx context.Context, request Request, recordID string) string {
	conversation, created, err := s.conversations.FindOrCreate(ctx, request.SenderID.String(), request.RecipientID.String())
	if err != nil {
		s.logger.Warn("gift conversation lookup failed",
			zap.String("sender_id", request.SenderID.String()),
			zap.String("recipient_id", request.RecipientID.String()),
			zap.Error(err))
		return ""
	}
	if created {
		if err := s.personaStats.IncrementStat(ctx, request.RecipientID, personas.StatTotalChats, 1); err != nil {
			s.logger.Warn("persona chat counter update failed",
				zap.String("persona_id", request.RecipientID.String()),
				zap.Error(err))
		}
	}
	if err := s.gifts.AttachConversation(ctx, recordID, conversation.ConversationID); err != nil {
		s.logger.Warn("gift conversation back-fill failed",
			zap.String("gift_transaction_id", recordID),
			zap.String("conversation_id", conversation.ConversationID),
			zap.Error(err))
	}
	return conversation.ConversationID
}

func (s *Service) senderName(ctx context.Context, senderID users.UserID) string {
	if name, ok := s.senders.DisplayName(ctx, senderID); ok && strings.TrimSpace(name) != "" {
		return name
	}
	return anonymousSenderName
}

func buildGiftMessage(record gifts.GiftTransactionRecord, senderName, conversationID string) GiftMessage {
	text := fmt.Sprintf("%s sent %s", senderName, withArticle(record.GiftName))
	if personal := strings.TrimSpace(record.Message); personal != "" {
		text = fmt.Sprintf("%s: %q", text, personal)
	}
	return GiftMessage{
		ID:              "gift_" + record.GiftTransactionID,
		ConversationID:  conversationID,
		SenderID:        record.SenderID,
		SenderName:      senderName,
		RecipientID:     record.RecipientID,
		RecipientName:   record.RecipientName,
		GiftID:          record.GiftID,
		GiftName:        record.GiftName,
		GiftImage:       record.GiftImage,
		GiftPrice:       record.GiftPrice,
		IsAnimated:      record.IsAnimated,
		AnimationURL:    record.AnimationURL,
		PersonalMessage: record.Message,
		Text:            text,
		SentAt:          record.SentAt,
	}
}

func withArticle(name string) string {
	if name == "" {
		return "a gift"
	}
	switch strings.ToLower(name[:1]) {
	case "a", "e", "i", "o", "u":
		return "an " + name
	default:
		return "a " + name
	}
}
