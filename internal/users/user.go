package users

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
var ErrInvalidUserID = errors.New("users: invalid user id")

// UserID identifies an application user. It is a distinct type so persona and
// gift identifiers cannot be passed where a user is expected.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// User is the account document that owns a credit balance.
type User struct {
	DocumentID   string    `gorm:"column:document_id;primaryKey;size:190;not null"`
	AccountID    string    `gorm:"column:account_id;size:190;index"`
	UserID       string    `gorm:"column:user_id;size:190;index"`
	DisplayName  string    `gorm:"column:display_name;size:320"`
	Email        string    `gorm:"column:email;size:320"`
	Credits      int64     `gorm:"column:credits;not null;default:0"`
	Version      int64     `gorm:"column:version;not null;default:1"`
	LastActiveAt time.Time `gorm:"column:last_active_at"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user documents.
func (User) TableName() string {
	return "users"
}

// Strategy names the lookup that located a user document.
type Strategy string

const (
	// StrategyDocumentID matches the document primary key.
	StrategyDocumentID Strategy = "document_id"
	// StrategyAccountID matches the auth-provider account id.
	StrategyAccountID Strategy = "account_id"
	// StrategyUserIDField matches the legacy user_id field.
	StrategyUserIDField Strategy = "user_id"
)

// resolutionOrder is the fixed priority used by ResolveDocument.
var resolutionOrder = []Strategy{StrategyDocumentID, StrategyAccountID, StrategyUserIDField}

// UserRef is the tagged result of resolving a caller-supplied user id.
type UserRef struct {
	Found      bool
	DocumentID string
	Strategy   Strategy
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
