package conversations

import (
	"errors"
	"time"
)

var (
	// ErrConversationNotFound indicates no conversation matched the lookup.
	ErrConversationNotFound = errors.New("conversations: conversation not found")
	// ErrInvalidParticipants indicates an empty user or bot profile id.
	ErrInvalidParticipants = errors.New("conversations: user and bot profile ids are required")
)

// Conversation is the per (user, bot profile) chat summary. MessageCount holds
// the unread messages for the user.
type Conversation struct {
	ConversationID string    `gorm:"column:conversation_id;primaryKey;size:64;not null"`
	UserID         string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_conversation_pair,priority:1"`
	BotProfileID   string    `gorm:"column:bot_profile_id;size:190;not null;uniqueIndex:idx_conversation_pair,priority:2"`
	LastMessage    string    `gorm:"column:last_message;type:text"`
	LastMessageAt  time.Time `gorm:"column:last_message_at;index"`
	MessageCount   int64     `gorm:"column:message_count;not null;default:0"`
	IsActive       bool      `gorm:"column:is_active;not null"`
	HasGifts       bool      `gorm:"column:has_gifts;not null;default:false"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// LastMessageUpdate describes the newest message shown in a conversation list.
type LastMessageUpdate struct {
	Text     string
	At       time.Time
	HasGifts bool
}
