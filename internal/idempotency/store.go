package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxKeyLength = 190
	defaultTTL   = 24 * time.Hour

	statePending   = "pending"
	stateCompleted = "completed"
)

var (
	// ErrInvalidKey indicates an empty or oversized idempotency key.
	ErrInvalidKey = errors.New("idempotency: invalid key")
	// ErrReservationNotFound indicates the reservation expired or was abandoned.
	ErrReservationNotFound = errors.New("idempotency: reservation not found")
)

// Record stores the response produced for a (user, scope, key) triple.
type Record struct {
	ID             string    `gorm:"column:id;primaryKey;size:64;not null"`
	UserID         string    `gorm:"column:user_id;size:190;not null;uniqueIndex:ux_idempotency_user_scope_key,priority:1"`
	Scope          string    `gorm:"column:scope;size:64;not null;uniqueIndex:ux_idempotency_user_scope_key,priority:2"`
	Key            string    `gorm:"column:idempotency_key;size:190;not null;uniqueIndex:ux_idempotency_user_scope_key,priority:3"`
	State          string    `gorm:"column:state;size:16;not null"`
	ResponseStatus int       `gorm:"column:response_status;not null;default:0"`
	ResponseBody   string    `gorm:"column:response_body;type:text"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
	ExpiresAt      time.Time `gorm:"column:expires_at;not null;index"`
}

func (Record) TableName() string {
	return "idempotency_keys"
}

// Outcome classifies a Begin call.
type Outcome int

const (
	// OutcomeStarted means the caller owns the key and must Complete or Abandon it.
	OutcomeStarted Outcome = iota
	// OutcomeReplay means a stored response is available.
	OutcomeReplay
	// OutcomeInFlight means another request holds the key.
	OutcomeInFlight
)

// Reservation is the result of Begin.
type Reservation struct {
	Outcome        Outcome
	RecordID       string
	ResponseStatus int
	ResponseBody   []byte
}

// StoreConfig describes the dependencies of the idempotency store.
type StoreConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	TTL        time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Store reserves idempotency keys and remembers the responses produced under them.
type Store struct {
	db         *gorm.DB
	idProvider ids.Provider
	ttl        time.Duration
	clock      func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("idempotency: database connection required")
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:         cfg.Database,
		idProvider: idProvider,
		ttl:        ttl,
		clock:      clock,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Begin reserves key for userID within scope, or reports the stored response
// or the in-flight request already holding it. Expired keys are reusable.
func (s *Store) Begin(ctx context.Context, userID, scope, key string) (Reservation, error) {
	key = strings.TrimSpace(key)
	if key == "" || len(key) > maxKeyLength {
		return Reservation{}, ErrInvalidKey
	}
	now := s.clock().UTC()

	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND scope = ? AND idempotency_key = ? AND expires_at <= ?", userID, scope, key, now).
		Delete(&Record{}).Error; err != nil {
		return Reservation{}, fmt.Errorf("idempotency: clear expired key: %w", err)
	}

	recordID, err := s.idProvider.NewID()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: generate id: %w", err)
	}
	candidate := Record{
		ID:        recordID,
		UserID:    userID,
		Scope:     scope,
		Key:       key,
		State:     statePending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate)
	if result.Error != nil {
		return Reservation{}, fmt.Errorf("idempotency: reserve key: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return Reservation{Outcome: OutcomeStarted, RecordID: recordID}, nil
	}

	var existing Record
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND scope = ? AND idempotency_key = ?", userID, scope, key).
		Take(&existing).Error; err != nil {
		return Reservation{}, fmt.Errorf("idempotency: load key: %w", err)
	}
	if existing.State != stateCompleted {
		return Reservation{Outcome: OutcomeInFlight, RecordID: existing.ID}, nil
	}
	s.metrics.ObserveIdempotentReplay()
	return Reservation{
		Outcome:        OutcomeReplay,
		RecordID:       existing.ID,
		ResponseStatus: existing.ResponseStatus,
		ResponseBody:   []byte(existing.ResponseBody),
	}, nil
}

// Complete stores the response for a started reservation.
func (s *Store) Complete(ctx context.Context, recordID string, status int, body []byte) error {
	result := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("id = ? AND state = ?", recordID, statePending).
		Updates(map[string]any{
			"state":           stateCompleted,
			"response_status": status,
			"response_body":   string(body),
		})
	if result.Error != nil {
		return fmt.Errorf("idempotency: complete %s: %w", recordID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrReservationNotFound
	}
	return nil
}

// Abandon releases a started reservation so the client may retry.
func (s *Store) Abandon(ctx context.Context, recordID string) error {
	if err := s.db.WithContext(ctx).
		Where("id = ? AND state = ?", recordID, statePending).
		Delete(&Record{}).Error; err != nil {
		s.logger.Warn("idempotency reservation release failed", zap.String("record_id", recordID), zap.Error(err))
		return fmt.Errorf("idempotency: abandon %s: %w", recordID, err)
	}
	return nil
}

// PurgeExpired deletes expired records and reports how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Where("expires_at <= ?", s.clock().UTC()).Delete(&Record{})
	if result.Error != nil {
		return 0, fmt.Errorf("idempotency: purge: %w", result.Error)
	}
	return result.RowsAffected, nil
}
