package credits

import (
	"fmt"
	"strings"
	"time"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TypePurchase       TransactionType = "PURCHASE"
	TypeUsage          TransactionType = "USAGE"
	TypeBonus          TransactionType = "BONUS"
	TypeRefund         TransactionType = "REFUND"
	TypeCreditPurchase TransactionType = "CREDIT_PURCHASE"
	TypeCreditUsage    TransactionType = "CREDIT_USAGE"
	TypeCreditBonus    TransactionType = "CREDIT_BONUS"
	TypeCreditRefund   TransactionType = "CREDIT_REFUND"
)

const creditPrefix = "CREDIT_"

// ParseTransactionType validates a textual transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	candidate := TransactionType(strings.ToUpper(strings.TrimSpace(raw)))
	switch candidate {
	case TypePurchase, TypeUsage, TypeBonus, TypeRefund,
		TypeCreditPurchase, TypeCreditUsage, TypeCreditBonus, TypeCreditRefund:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// Base folds the CREDIT_* aliases onto their plain kind.
func (t TransactionType) Base() TransactionType {
	return TransactionType(strings.TrimPrefix(string(t), creditPrefix))
}

// CreditTransaction is an append-only ledger record. Amount is signed:
// positive adds credit, negative spends it.
type CreditTransaction struct {
	TransactionID string          `gorm:"column:transaction_id;primaryKey;size:64;not null"`
	UserID        string          `gorm:"column:user_id;size:190;not null;index:idx_credit_tx_user_time,priority:1"`
	Type          TransactionType `gorm:"column:type;size:32;not null"`
	Amount        int64           `gorm:"column:amount;not null"`
	Description   string          `gorm:"column:description;size:512"`
	BalanceBefore int64           `gorm:"column:balance_before;not null"`
	BalanceAfter  int64           `gorm:"column:balance_after;not null"`
	MetadataJSON  string          `gorm:"column:metadata_json;type:text"`
	CreatedAt     time.Time       `gorm:"column:created_at;not null;index:idx_credit_tx_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (CreditTransaction) TableName() string {
	return "credit_transactions"
}

// Summary aggregates a user's ledger.
type Summary struct {
	CurrentBalance  int64
	TotalPurchased  int64
	TotalUsed       int64
	LastTransaction *CreditTransaction
}

// balanceChange captures the values observed around a single balance write.
type balanceChange struct {
	Before int64
	After  int64
}
