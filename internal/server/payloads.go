package server

import (
	"time"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/credits"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/giftchat"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/gifts"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/personas"
)

type creditTransactionPayload struct {
	TransactionID string    `json:"transaction_id"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	Description   string    `json:"description"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	CreatedAt     time.Time `json:"created_at"`
}

type creditSummaryPayload struct {
	CurrentBalance  int64                     `json:"current_balance"`
	TotalPurchased  int64                     `json:"total_purchased"`
	TotalUsed       int64                     `json:"total_used"`
	LastTransaction *creditTransactionPayload `json:"last_transaction,omitempty"`
}

type creditTransactionsPayload struct {
	Transactions []creditTransactionPayload `json:"transactions"`
}

type giftListPayload struct {
	Gifts []gifts.GiftCatalogItem `json:"gifts"`
}

type groupedGiftsPayload struct {
	Categories []string                           `json:"categories"`
	Groups     map[string][]gifts.GiftCatalogItem `json:"groups"`
}

type sendGiftRequestPayload struct {
	RecipientID    string `json:"recipient_id"`
	GiftID         int    `json:"gift_id"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

type giftMessagePayload struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	SenderID        string    `json:"sender_id"`
	SenderName      string    `json:"sender_name"`
	RecipientID     string    `json:"recipient_id"`
	RecipientName   string    `json:"recipient_name"`
	GiftID          int       `json:"gift_id"`
	GiftName        string    `json:"gift_name"`
	GiftImage       string    `json:"gift_image"`
	GiftPrice       int64     `json:"gift_price"`
	IsAnimated      bool      `json:"is_animated"`
	AnimationURL    string    `json:"animation_url,omitempty"`
	PersonalMessage string    `json:"personal_message,omitempty"`
	Text            string    `json:"text"`
	SentAt          time.Time `json:"sent_at"`
}

type sendGiftResponsePayload struct {
	Success                 bool                `json:"success"`
	ChatMessageID           string              `json:"chat_message_id,omitempty"`
	ConversationID          string              `json:"conversation_id,omitempty"`
	NewBalance              int64               `json:"new_balance"`
	GiftMessage             *giftMessagePayload `json:"gift_message,omitempty"`
	ShouldTriggerAIResponse bool                `json:"should_trigger_ai_response"`
	Error                   string              `json:"error,omitempty"`
	Settlement              string              `json:"settlement,omitempty"`
}

type giftTransactionPayload struct {
	GiftTransactionID string     `json:"gift_transaction_id"`
	SenderID          string     `json:"sender_id"`
	RecipientID       string     `json:"recipient_id"`
	RecipientName     string     `json:"recipient_name"`
	GiftID            int        `json:"gift_id"`
	GiftName          string     `json:"gift_name"`
	GiftPrice         int64      `json:"gift_price"`
	GiftImage         string     `json:"gift_image"`
	Message           string     `json:"message,omitempty"`
	IsAnimated        bool       `json:"is_animated"`
	AnimationURL      string     `json:"animation_url,omitempty"`
	Category          string     `json:"category"`
	Status            string     `json:"status"`
	ConversationID    string     `json:"conversation_id,omitempty"`
	SentAt            time.Time  `json:"sent_at"`
	ViewedAt          *time.Time `json:"viewed_at,omitempty"`
}

type giftTransactionsPayload struct {
	Transactions []giftTransactionPayload `json:"transactions"`
}

type personaPayload struct {
	PersonaID         string         `json:"persona_id"`
	Name              string         `json:"name"`
	Username          string         `json:"username,omitempty"`
	Gender            string         `json:"gender,omitempty"`
	Age               int            `json:"age,omitempty"`
	Location          string         `json:"location,omitempty"`
	Bio               string         `json:"bio,omitempty"`
	AvatarURL         string         `json:"avatar_url,omitempty"`
	Interests         []string       `json:"interests"`
	PersonalityTraits []string       `json:"personality_traits"`
	Languages         []string       `json:"languages"`
	IsVerified        bool           `json:"is_verified"`
	IsPremium         bool           `json:"is_premium"`
	FollowingCount    int64          `json:"following_count"`
	TotalChats        int64          `json:"total_chats"`
	TotalMatches      int64          `json:"total_matches"`
	Preferences       map[string]any `json:"preferences"`
	Goals             map[string]any `json:"goals"`
	LastActiveAt      time.Time      `json:"last_active_at"`
}

type personaListPayload struct {
	Personas []personaPayload `json:"personas"`
}

type conversationPayload struct {
	ConversationID string    `json:"conversation_id"`
	BotProfileID   string    `json:"bot_profile_id"`
	LastMessage    string    `json:"last_message"`
	LastMessageAt  time.Time `json:"last_message_at"`
	UnreadCount    int64     `json:"unread_count"`
	HasGifts       bool      `json:"has_gifts"`
}

type conversationListPayload struct {
	Conversations []conversationPayload `json:"conversations"`
}

type unreadPayload struct {
	Unread int64 `json:"unread"`
}

func newCreditTransactionPayload(entry credits.CreditTransaction) creditTransactionPayload {
	return creditTransactionPayload{
		TransactionID: entry.TransactionID,
		Type:          string(entry.Type),
		Amount:        entry.Amount,
		Description:   entry.Description,
		BalanceBefore: entry.BalanceBefore,
		BalanceAfter:  entry.BalanceAfter,
		CreatedAt:     entry.CreatedAt,
	}
}

func newCreditSummaryPayload(summary credits.Summary) creditSummaryPayload {
	payload := creditSummaryPayload{
		CurrentBalance: summary.CurrentBalance,
		TotalPurchased: summary.TotalPurchased,
		TotalUsed:      summary.TotalUsed,
	}
	if summary.LastTransaction != nil {
		last := newCreditTransactionPayload(*summary.LastTransaction)
		payload.LastTransaction = &last
	}
	return payload
}

func newSendGiftResponsePayload(result giftchat.Result) sendGiftResponsePayload {
	payload := sendGiftResponsePayload{
		Success:                 result.Success,
		ChatMessageID:           result.ChatMessageID,
		ConversationID:          result.ConversationID,
		NewBalance:              result.NewBalance,
		ShouldTriggerAIResponse: result.ShouldTriggerAIResponse,
		Error:                   result.Error,
	}
	if !result.Success {
		payload.Settlement = string(result.Settlement)
	}
	if message := result.GiftMessage; message != nil {
		payload.GiftMessage = &giftMessagePayload{
			ID:              message.ID,
			ConversationID:  message.ConversationID,
			SenderID:        message.SenderID,
			SenderName:      message.SenderName,
			RecipientID:     message.RecipientID,
			RecipientName:   message.RecipientName,
			GiftID:          int(message.GiftID),
			GiftName:        message.GiftName,
			GiftImage:       message.GiftImage,
			GiftPrice:       message.GiftPrice,
			IsAnimated:      message.IsAnimated,
			AnimationURL:    message.AnimationURL,
			PersonalMessage: message.PersonalMessage,
			Text:            message.Text,
			SentAt:          message.SentAt,
		}
	}
	return payload
}

func newGiftTransactionPayload(record gifts.GiftTransactionRecord) giftTransactionPayload {
	return giftTransactionPayload{
		GiftTransactionID: record.GiftTransactionID,
		SenderID:          record.SenderID,
		RecipientID:       record.RecipientID,
		RecipientName:     record.RecipientName,
		GiftID:            int(record.GiftID),
		GiftName:          record.GiftName,
		GiftPrice:         record.GiftPrice,
		GiftImage:         record.GiftImage,
		Message:           record.Message,
		IsAnimated:        record.IsAnimated,
		AnimationURL:      record.AnimationURL,
		Category:          record.Category,
		Status:            string(record.Status),
		ConversationID:    record.ConversationID,
		SentAt:            record.SentAt,
		ViewedAt:          record.ViewedAt,
	}
}

func newPersonaPayload(persona personas.Persona) personaPayload {
	return personaPayload{
		PersonaID:         persona.PersonaID.String(),
		Name:              persona.Name(),
		Username:          persona.Username,
		Gender:            persona.Gender,
		Age:               persona.Age,
		Location:          persona.Location,
		Bio:               persona.Bio,
		AvatarURL:         persona.AvatarURL,
		Interests:         nonNilStrings(persona.Interests),
		PersonalityTraits: nonNilStrings(persona.PersonalityTraits),
		Languages:         nonNilStrings(persona.Languages),
		IsVerified:        persona.IsVerified,
		IsPremium:         persona.IsPremium,
		FollowingCount:    persona.FollowingCount,
		TotalChats:        persona.TotalChats,
		TotalMatches:      persona.TotalMatches,
		Preferences:       nonNilDocument(persona.Preferences),
		Goals:             nonNilDocument(persona.Goals),
		LastActiveAt:      persona.LastActiveAt,
	}
}

func newPersonaListPayload(items []personas.Persona) personaListPayload {
	payload := personaListPayload{Personas: make([]personaPayload, 0, len(items))}
	for _, persona := range items {
		payload.Personas = append(payload.Personas, newPersonaPayload(persona))
	}
	return payload
}

func newConversationPayload(conversation conversations.Conversation) conversationPayload {
	return conversationPayload{
		ConversationID: conversation.ConversationID,
		BotProfileID:   conversation.BotProfileID,
		LastMessage:    conversation.LastMessage,
		LastMessageAt:  conversation.LastMessageAt,
		UnreadCount:    conversation.MessageCount,
		HasGifts:       conversation.HasGifts,
	}
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nonNilDocument(document personas.Document) map[string]any {
	if document == nil {
		return map[string]any{}
	}
	return document
}
