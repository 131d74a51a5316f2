package credits

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultMaxWriteAttempts = 5
	defaultTransactionLimit = 50
	statusOK                = "ok"
	statusFailed            = "failed"
	statusInsufficient      = "insufficient"
)

var noOpLogger = zap.NewNop()

// Resolver locates user documents from caller-supplied identifiers.
type Resolver interface {
	ResolveDocument(ctx context.Context, userID users.UserID) users.UserRef
}

// LedgerConfig describes the dependencies of the credit ledger.
type LedgerConfig struct {
	Database         *gorm.DB
	Resolver         Resolver
	IDProvider       ids.Provider
	Clock            func() time.Time
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
	MaxWriteAttempts int
}

// Ledger reads and writes user credit balances and keeps the transaction log.
type Ledger struct {
	db          *gorm.DB
	resolver    Resolver
	idProvider  ids.Provider
	clock       func() time.Time
	logger      *zap.Logger
	metrics     *metrics.Metrics
	maxAttempts int
}

// NewLedger validates dependencies and constructs a Ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opLedgerNew, "missing_database", errMissingDatabase)
	}
	if cfg.Resolver == nil {
		return nil, newServiceError(opLedgerNew, "missing_resolver", errMissingResolver)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opLedgerNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	attempts := cfg.MaxWriteAttempts
	if attempts <= 0 {
		attempts = defaultMaxWriteAttempts
	}
	return &Ledger{
		db:          cfg.Database,
		resolver:    cfg.Resolver,
		idProvider:  cfg.IDProvider,
		clock:       clock,
		logger:      logger,
		metrics:     cfg.Metrics,
		maxAttempts: attempts,
	}, nil
}

// GetCurrentBalance returns the user's balance, or 0 when the user cannot be
// resolved or the read fails.
func (l *Ledger) GetCurrentBalance(ctx context.Context, userID users.UserID) int64 {
	ref := l.resolver.ResolveDocument(ctx, userID)
	if !ref.Found {
		return 0
	}
	var row users.User
	if err := l.db.WithContext(ctx).
		Select("credits").
		Where("document_id = ?", ref.DocumentID).
		Take(&row).Error; err != nil {
		l.logError(opGetBalance, "balance_read_failed", err, zap.String("user_id", userID.String()))
		return 0
	}
	if row.Credits < 0 {
		return 0
	}
	return row.Credits
}

// HasEnoughCredits reports whether a single balance read covers required.
func (l *Ledger) HasEnoughCredits(ctx context.Context, userID users.UserID, required int64) bool {
	return l.GetCurrentBalance(ctx, userID) >= required
}

// UpdateCredits applies delta to the user's balance, clamping at zero, and
// appends a transaction record. It returns the new balance. Only a missing
// user or a failed balance write is reported as an error; a failed log append
// is logged and counted but does not fail the update.
func (l *Ledger) UpdateCredits(ctx context.Context, userID users.UserID, delta int64, kind TransactionType, description string, metadata map[string]any) (int64, error) {
	return l.updateCredits(ctx, opUpdateCredits, userID, delta, kind, description, metadata, false)
}

// AddCredits credits a positive amount (purchase, bonus, refund).
func (l *Ledger) AddCredits(ctx context.Context, userID users.UserID, amount int64, kind TransactionType, description string) (int64, error) {
	if amount <= 0 {
		return 0, newServiceError(opUpdateCredits, "invalid_amount", ErrInvalidAmount)
	}
	return l.UpdateCredits(ctx, userID, amount, kind, description, nil)
}

// UseCredits debits amount when the balance covers it. It returns false, with
// no mutation, when the balance is short, including when a concurrent debit
// drains the balance between the check and the write.
func (l *Ledger) UseCredits(ctx context.Context, userID users.UserID, amount int64, description string, metadata map[string]any) (bool, error) {
	if amount <= 0 {
		return false, newServiceError(opUseCredits, "invalid_amount", ErrInvalidAmount)
	}
	if balance := l.GetCurrentBalance(ctx, userID); balance < amount {
		l.metrics.ObserveCreditUpdate(string(TypeUsage), statusInsufficient)
		return false, nil
	}

	newBalance, err := l.updateCredits(ctx, opUseCredits, userID, -amount, TypeUsage, description, metadata, true)
	if errors.Is(err, ErrInsufficientCredits) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if verified := l.GetCurrentBalance(ctx, userID); verified != newBalance {
		l.logger.Debug("balance moved after debit",
			zap.String("user_id", userID.String()),
			zap.Int64("expected", newBalance),
			zap.Int64("observed", verified))
	}
	return true, nil
}

// GetUserCredits aggregates the user's ledger. It returns a zero Summary when
// the log cannot be read.
func (l *Ledger) GetUserCredits(ctx context.Context, userID users.UserID) Summary {
	ownerID := l.ownerID(ctx, userID)

	var entries []CreditTransaction
	if err := l.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order("created_at DESC").
		Order("transaction_id DESC").
		Find(&entries).Error; err != nil {
		l.logError(opGetUserCredits, "log_read_failed", err, zap.String("user_id", userID.String()))
		return Summary{}
	}

	summary := Summary{CurrentBalance: l.GetCurrentBalance(ctx, userID)}
	for index := range entries {
		amount := entries[index].Amount
		if amount > 0 {
			summary.TotalPurchased += amount
		} else {
			summary.TotalUsed += -amount
		}
	}
	if len(entries) > 0 {
		latest := entries[0]
		summary.LastTransaction = &latest
	}
	return summary
}

// ListTransactions returns the newest transactions first, or nil on failure.
func (l *Ledger) ListTransactions(ctx context.Context, userID users.UserID, limit int) []CreditTransaction {
	if limit <= 0 {
		limit = defaultTransactionLimit
	}
	var entries []CreditTransaction
	if err := l.db.WithContext(ctx).
		Where("user_id = ?", l.ownerID(ctx, userID)).
		Order("created_at DESC").
		Order("transaction_id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		l.logError(opListTransaction, "log_read_failed", err, zap.String("user_id", userID.String()))
		return nil
	}
	return entries
}

func (l *Ledger) updateCredits(ctx context.Context, operation string, userID users.UserID, delta int64, kind TransactionType, description string, metadata map[string]any, requireFunds bool) (int64, error) {
	parsedKind, err := ParseTransactionType(string(kind))
	if err != nil {
		return 0, newServiceError(operation, "invalid_type", err)
	}

	ref := l.resolver.ResolveDocument(ctx, userID)
	if !ref.Found {
		l.logError(operation, "user_not_found", ErrUserNotFound, zap.String("user_id", userID.String()))
		l.metrics.ObserveCreditUpdate(string(parsedKind), statusFailed)
		return 0, newServiceError(operation, "user_not_found", ErrUserNotFound)
	}

	change, err := l.applyDelta(ctx, ref.DocumentID, delta, requireFunds)
	if errors.Is(err, ErrInsufficientCredits) {
		l.metrics.ObserveCreditUpdate(string(parsedKind), statusInsufficient)
		return change.After, newServiceError(operation, "insufficient_credits", err)
	}
	if err != nil {
		l.logError(operation, "balance_write_failed", err,
			zap.String("user_id", userID.String()),
			zap.String("document_id", ref.DocumentID))
		l.metrics.ObserveCreditUpdate(string(parsedKind), statusFailed)
		return 0, newServiceError(operation, "balance_write_failed", err)
	}
	l.metrics.ObserveCreditUpdate(string(parsedKind), statusOK)

	l.appendTransaction(ctx, ref.DocumentID, parsedKind, delta, description, metadata, change)
	return change.After, nil
}

// applyDelta performs a version-conditioned write, re-reading and retrying
// when another writer bumps the version first.
func (l *Ledger) applyDelta(ctx context.Context, documentID string, delta int64, requireFunds bool) (balanceChange, error) {
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		var row users.User
		err := l.db.WithContext(ctx).
			Select("credits", "version").
			Where("document_id = ?", documentID).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return balanceChange{}, ErrUserNotFound
		}
		if err != nil {
			return balanceChange{}, err
		}

		current := row.Credits
		if current < 0 {
			current = 0
		}
		if requireFunds && current+delta < 0 {
			return balanceChange{Before: current, After: current}, ErrInsufficientCredits
		}
		next := current + delta
		if next < 0 {
			next = 0
		}

		result := l.db.WithContext(ctx).
			Model(&users.User{}).
			Where("document_id = ? AND version = ?", documentID, row.Version).
			Updates(map[string]interface{}{
				"credits": next,
				"version": gorm.Expr("version + 1"),
			})
		if result.Error != nil {
			return balanceChange{}, result.Error
		}
		if result.RowsAffected == 1 {
			return balanceChange{Before: current, After: next}, nil
		}
		l.logger.Debug("balance version conflict, retrying",
			zap.String("document_id", documentID),
			zap.Int("attempt", attempt+1))
	}
	return balanceChange{}, ErrConcurrentUpdate
}

func (l *Ledger) appendTransaction(ctx context.Context, documentID string, kind TransactionType, delta int64, description string, metadata map[string]any, change balanceChange) {
	transactionID, err := l.idProvider.NewID()
	if err != nil {
		l.logError(opAppendLog, "id_generation_failed", err, zap.String("document_id", documentID))
		l.metrics.ObserveCreditLogFailure()
		return
	}
	metadataJSON := ""
	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			l.logger.Warn("transaction metadata dropped", zap.String("document_id", documentID), zap.Error(err))
		} else {
			metadataJSON = string(encoded)
		}
	}
	record := CreditTransaction{
		TransactionID: transactionID,
		UserID:        documentID,
		Type:          kind,
		Amount:        delta,
		Description:   description,
		BalanceBefore: change.Before,
		BalanceAfter:  change.After,
		MetadataJSON:  metadataJSON,
		CreatedAt:     l.clock().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&record).Error; err != nil {
		l.logError(opAppendLog, "insert_failed", err,
			zap.String("document_id", documentID),
			zap.Int64("balance_after", change.After))
		l.metrics.ObserveCreditLogFailure()
	}
}

// ownerID returns the resolved document id, falling back to the raw id so
// history written before a document existed stays visible.
func (l *Ledger) ownerID(ctx context.Context, userID users.UserID) string {
	if ref := l.resolver.ResolveDocument(ctx, userID); ref.Found {
		return ref.DocumentID
	}
	return userID.String()
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("credit ledger error", attrs...)
}
