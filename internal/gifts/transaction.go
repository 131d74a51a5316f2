package gifts

import (
	"errors"
	"time"
)

// TransactionStatus tracks a sent gift through delivery.
type TransactionStatus string

const (
	StatusSent     TransactionStatus = "sent"
	StatusReceived TransactionStatus = "received"
	StatusViewed   TransactionStatus = "viewed"
)

// CanTransitionTo reports whether next is a legal successor. Viewed is terminal.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	switch s {
	case StatusSent:
		return next == StatusReceived || next == StatusViewed
	case StatusReceived:
		return next == StatusViewed
	default:
		return false
	}
}

// Settlement describes what happened to the sender's money.
type Settlement string

const (
	SettlementNone         Settlement = ""
	SettlementCharged      Settlement = "charged"
	SettlementRefunded     Settlement = "refunded"
	SettlementRefundFailed Settlement = "refund_failed"
)

// Messages returned in SendResult.Error.
const (
	MessageGiftNotFound        = "Gift not found"
	MessageInsufficientCredits = "Insufficient credits"
	MessagePaymentFailed       = "Failed to process payment"
	MessageRecordFailed        = "Failed to record gift"

	unknownRecipientName = "Unknown"
)

var (
	// ErrRecordNotFound indicates the gift transaction does not exist.
	ErrRecordNotFound = errors.New("gifts: transaction not found")
	// ErrInvalidTransition indicates a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("gifts: invalid status transition")
	// ErrNotRecipient indicates the caller is not the gift's recipient.
	ErrNotRecipient = errors.New("gifts: caller is not the recipient")
)

// GiftTransactionRecord is the persisted fact of a sent gift. Only Status,
// ConversationID, and ViewedAt change after creation.
type GiftTransactionRecord struct {
	GiftTransactionID string            `gorm:"column:gift_transaction_id;primaryKey;size:64;not null"`
	SenderID          string            `gorm:"column:sender_id;size:190;not null;index:idx_gift_tx_sender_time,priority:1"`
	RecipientID       string            `gorm:"column:recipient_id;size:190;not null;index:idx_gift_tx_recipient_time,priority:1"`
	RecipientName     string            `gorm:"column:recipient_name;size:320"`
	GiftID            GiftID            `gorm:"column:gift_id;not null"`
	GiftName          string            `gorm:"column:gift_name;size:320"`
	GiftPrice         int64             `gorm:"column:gift_price;not null"`
	GiftImage         string            `gorm:"column:gift_image;size:1024"`
	Message           string            `gorm:"column:message;type:text"`
	SentAt            time.Time         `gorm:"column:sent_at;not null;index:idx_gift_tx_sender_time,priority:2;index:idx_gift_tx_recipient_time,priority:2"`
	IsAnimated        bool              `gorm:"column:is_animated;not null"`
	AnimationURL      string            `gorm:"column:animation_url;size:1024"`
	Category          string            `gorm:"column:category;size:64"`
	Status            TransactionStatus `gorm:"column:status;size:16;not null"`
	ConversationID    string            `gorm:"column:conversation_id;size:64;index"`
	ViewedAt          *time.Time        `gorm:"column:viewed_at"`
}

func (GiftTransactionRecord) TableName() string {
	return "gift_transactions"
}
