package gifts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/credits"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/personas"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultListLimit = 50

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingCatalog    = errors.New("gift catalog is required")
	errMissingLedger     = errors.New("credit ledger is required")
	errMissingRecipients = errors.New("recipient directory is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "gifts.service.new"
	opSendGift            = "gifts.send_gift"
	opAttachConversation  = "gifts.attach_conversation"
	opTransition          = "gifts.transition"
	opListTransactions    = "gifts.list_transactions"
	opRefund              = "gifts.refund"
	sendStatusOK          = "ok"
	sendStatusNotFound    = "gift_not_found"
	sendStatusShort       = "insufficient_credits"
	sendStatusPayment     = "payment_failed"
	sendStatusRefunded    = "refunded"
	sendStatusRefundError = "refund_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Ledger is the subset of the credit ledger used to charge for gifts.
type Ledger interface {
	GetCurrentBalance(ctx context.Context, userID users.UserID) int64
	HasEnoughCredits(ctx context.Context, userID users.UserID, required int64) bool
	UseCredits(ctx context.Context, userID users.UserID, amount int64, description string, metadata map[string]any) (bool, error)
	UpdateCredits(ctx context.Context, userID users.UserID, delta int64, kind credits.TransactionType, description string, metadata map[string]any) (int64, error)
}

// RecipientDirectory resolves gift recipients.
type RecipientDirectory interface {
	GetPersona(ctx context.Context, id personas.PersonaID) (personas.Persona, error)
}

// ServiceConfig describes the dependencies of the gift transaction service.
type ServiceConfig struct {
	Database   *gorm.DB
	Catalog    *Catalog
	Ledger     Ledger
	Recipients RecipientDirectory
	IDProvider ids.Provider
	Publisher  realtime.Publisher
	Metrics    *metrics.Metrics
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service sends gifts and tracks their lifecycle.
type Service struct {
	db         *gorm.DB
	catalog    *Catalog
	ledger     Ledger
	recipients RecipientDirectory
	idProvider ids.Provider
	publisher  realtime.Publisher
	metrics    *metrics.Metrics
	clock      func() time.Time
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Catalog == nil {
		return nil, newServiceError(opServiceNew, "missing_catalog", errMissingCatalog)
	}
	if cfg.Ledger == nil {
		return nil, newServiceError(opServiceNew, "missing_ledger", errMissingLedger)
	}
	if cfg.Recipients == nil {
		return nil, newServiceError(opServiceNew, "missing_recipients", errMissingRecipients)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		catalog:    cfg.Catalog,
		ledger:     cfg.Ledger,
		recipients: cfg.Recipients,
		idProvider: idProvider,
		publisher:  cfg.Publisher,
		metrics:    cfg.Metrics,
		clock:      clock,
		logger:     logger,
	}, nil
}

// SendRequest names a gift, its sender, and its recipient.
type SendRequest struct {
	SenderID       users.UserID
	RecipientID    personas.PersonaID
	GiftID         GiftID
	Message        string
	ConversationID string
}

// SendResult reports the outcome of SendGift. Callers must check Success.
type SendResult struct {
	Success           bool
	NewBalance        int64
	GiftTransactionID string
	Record            *GiftTransactionRecord
	Gift              GiftCatalogItem
	Status            Settlement
	Error             string
}

// SendGift charges the sender for a catalog gift and records the transaction.
// It never keeps the sender's money without a record: when the record cannot
// be written the charge is refunded and the result reports failure.
func (s *Service) SendGift(ctx context.Context, request SendRequest) SendResult {
	started := time.Now()

	gift, ok := s.catalog.GetGiftByID(ctx, request.GiftID)
	if !ok {
		s.metrics.ObserveGiftSend(sendStatusNotFound, started)
		return SendResult{Error: MessageGiftNotFound}
	}

	if !s.ledger.HasEnoughCredits(ctx, request.SenderID, gift.Price) {
		s.metrics.ObserveGiftSend(sendStatusShort, started)
		return SendResult{
			NewBalance: s.ledger.GetCurrentBalance(ctx, request.SenderID),
			Gift:       gift,
			Error:      MessageInsufficientCredits,
		}
	}

	recipientName := s.recipientName(ctx, request.RecipientID)
	description := fmt.Sprintf("Sent %s to %s", gift.Name, recipientName)
	metadata := map[string]any{
		"giftId":      int(gift.ID),
		"recipientId": request.RecipientID.String(),
	}

	charged, err := s.ledger.UseCredits(ctx, request.SenderID, gift.Price, description, metadata)
	if err != nil {
		s.logError(opSendGift, "payment_failed", err,
			zap.String("sender_id", request.SenderID.String()),
			zap.Int("gift_id", int(gift.ID)))
		s.metrics.ObserveGiftSend(sendStatusPayment, started)
		return SendResult{
			NewBalance: s.ledger.GetCurrentBalance(ctx, request.SenderID),
			Gift:       gift,
			Error:      MessagePaymentFailed,
		}
	}
	if !charged {
		s.metrics.ObserveGiftSend(sendStatusShort, started)
		return SendResult{
			NewBalance: s.ledger.GetCurrentBalance(ctx, request.SenderID),
			Gift:       gift,
			Error:      MessageInsufficientCredits,
		}
	}

	record, err := s.persistRecord(ctx, request, gift, recipientName)
	if err != nil {
		s.logError(opSendGift, "record_failed", err,
			zap.String("sender_id", request.SenderID.String()),
			zap.Int("gift_id", int(gift.ID)))
		settlement := s.refund(ctx, request.SenderID, gift, description)
		status := sendStatusRefunded
		if settlement == SettlementRefundFailed {
			status = sendStatusRefundError
		}
		s.metrics.ObserveGiftSend(status, started)
		s.publish(request.SenderID, realtime.EventCreditsChanged)
		return SendResult{
			NewBalance: s.ledger.GetCurrentBalance(ctx, request.SenderID),
			Gift:       gift,
			Status:     settlement,
			Error:      MessageRecordFailed,
		}
	}

	s.metrics.ObserveGiftSend(sendStatusOK, started)
	s.publish(request.SenderID, realtime.EventCreditsChanged)
	s.publish(request.SenderID, realtime.EventGiftSent, record.GiftTransactionID)
	return SendResult{
		Success:           true,
		NewBalance:        s.ledger.GetCurrentBalance(ctx, request.SenderID),
		GiftTransactionID: record.GiftTransactionID,
		Record:            &record,
		Gift:              gift,
		Status:            SettlementCharged,
	}
}

// AttachConversation back-fills the conversation of an existing record.
func (s *Service) AttachConversation(ctx context.Context, recordID, conversationID string) error {
	result := s.db.WithContext(ctx).
		Model(&GiftTransactionRecord{}).
		Where("gift_transaction_id = ?", recordID).
		Update("conversation_id", conversationID)
	if result.Error != nil {
		s.logError(opAttachConversation, "update_failed", result.Error,
			zap.String("gift_transaction_id", recordID),
			zap.String("conversation_id", conversationID))
		return newServiceError(opAttachConversation, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opAttachConversation, "not_found", ErrRecordNotFound)
	}
	return nil
}

// GetTransaction loads a single gift record.
func (s *Service) GetTransaction(ctx context.Context, recordID string) (GiftTransactionRecord, error) {
	var record GiftTransactionRecord
	err := s.db.WithContext(ctx).Where("gift_transaction_id = ?", recordID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return GiftTransactionRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return GiftTransactionRecord{}, fmt.Errorf("gifts: load %s: %w", recordID, err)
	}
	return record, nil
}

// MarkGiftReceived moves a sent gift to received.
func (s *Service) MarkGiftReceived(ctx context.Context, recordID string) error {
	record, err := s.GetTransaction(ctx, recordID)
	if err != nil {
		return err
	}
	return s.transition(ctx, record, StatusReceived)
}

// MarkGiftViewed moves a gift to viewed on behalf of its recipient. Viewing
// an already viewed gift is a no-op.
func (s *Service) MarkGiftViewed(ctx context.Context, recordID, viewerID string) error {
	record, err := s.GetTransaction(ctx, recordID)
	if err != nil {
		return err
	}
	if record.RecipientID != viewerID {
		return ErrNotRecipient
	}
	if record.Status == StatusViewed {
		return nil
	}
	return s.transition(ctx, record, StatusViewed)
}

// ListSentGifts returns the sender's gifts, newest first.
func (s *Service) ListSentGifts(ctx context.Context, senderID users.UserID, limit int) []GiftTransactionRecord {
	return s.listBy(ctx, "sender_id", senderID.String(), limit)
}

// ListReceivedGifts returns the recipient's gifts, newest first.
func (s *Service) ListReceivedGifts(ctx context.Context, recipientID string, limit int) []GiftTransactionRecord {
	return s.listBy(ctx, "recipient_id", recipientID, limit)
}

func (s *Service) listBy(ctx context.Context, column, value string, limit int) []GiftTransactionRecord {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var records []GiftTransactionRecord
	if err := s.db.WithContext(ctx).
		Where(fmt.Sprintf("%s = ?", column), value).
		Order("sent_at DESC").
		Order("gift_transaction_id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		s.logError(opListTransactions, "query_failed", err, zap.String(column, value))
		return []GiftTransactionRecord{}
	}
	return records
}

func (s *Service) transition(ctx context.Context, record GiftTransactionRecord, next TransactionStatus) error {
	if !record.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, record.Status, next)
	}
	updates := map[string]any{"status": string(next)}
	if next == StatusViewed {
		updates["viewed_at"] = s.clock().UTC()
	}
	result := s.db.WithContext(ctx).
		Model(&GiftTransactionRecord{}).
		Where("gift_transaction_id = ? AND status = ?", record.GiftTransactionID, string(record.Status)).
		Updates(updates)
	if result.Error != nil {
		s.logError(opTransition, "update_failed", result.Error,
			zap.String("gift_transaction_id", record.GiftTransactionID),
			zap.String("next_status", string(next)))
		return newServiceError(opTransition, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: status changed concurrently", ErrInvalidTransition)
	}
	return nil
}

func (s *Service) persistRecord(ctx context.Context, request SendRequest, gift GiftCatalogItem, recipientName string) (GiftTransactionRecord, error) {
	recordID, err := s.idProvider.NewID()
	if err != nil {
		return GiftTransactionRecord{}, fmt.Errorf("generate id: %w", err)
	}
	record := GiftTransactionRecord{
		GiftTransactionID: recordID,
		SenderID:          request.SenderID.String(),
		RecipientID:       request.RecipientID.String(),
		RecipientName:     recipientName,
		GiftID:            gift.ID,
		GiftName:          gift.Name,
		GiftPrice:         gift.Price,
		GiftImage:         gift.ImageURL,
		Message:           request.Message,
		SentAt:            s.clock().UTC(),
		IsAnimated:        gift.IsAnimated,
		AnimationURL:      gift.AnimationURL,
		Category:          gift.Category,
		Status:            StatusSent,
		ConversationID:    request.ConversationID,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return GiftTransactionRecord{}, err
	}
	return record, nil
}

func (s *Service) refund(ctx context.Context, senderID users.UserID, gift GiftCatalogItem, description string) Settlement {
	_, err := s.ledger.UpdateCredits(ctx, senderID, gift.Price, credits.TypeRefund,
		"Refund: "+description,
		map[string]any{"giftId": int(gift.ID), "reason": "gift_record_failed"})
	if err != nil {
		s.logError(opRefund, "refund_failed", err,
			zap.String("sender_id", senderID.String()),
			zap.Int64("amount", gift.Price))
		return SettlementRefundFailed
	}
	s.logger.Warn("gift charge refunded",
		zap.String("sender_id", senderID.String()),
		zap.Int("gift_id", int(gift.ID)),
		zap.Int64("amount", gift.Price))
	return SettlementRefunded
}

func (s *Service) recipientName(ctx context.Context, recipientID personas.PersonaID) string {
	persona, err := s.recipients.GetPersona(ctx, recipientID)
	if err != nil {
		s.logger.Info("gift recipient lookup failed",
			zap.String("recipient_id", recipientID.String()),
			zap.Error(err))
		return unknownRecipientName
	}
	if name := persona.Name(); name != "" {
		return name
	}
	return unknownRecipientName
}

func (s *Service) publish(userID users.UserID, eventType string, resourceIDs ...string) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(realtime.Message{
		UserID:      userID.String(),
		EventType:   eventType,
		ResourceIDs: resourceIDs,
		Timestamp:   s.clock().UTC(),
	})
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("gift service error", attrs...)
}
