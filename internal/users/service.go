package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates no lookup strategy located the user document.
	ErrUserNotFound = errors.New("users: user not found")
)

// ServiceConfig describes the dependencies required for user resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages user documents and resolves the identifiers callers hold.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
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
		db:     cfg.Database,
		now:    clock,
		logger: logger,
		cache:  sync.Map{},
	}, nil
}

// ResolveDocument locates the user document for an identifier whose meaning is
// ambiguous across callers. Strategies run in resolutionOrder and the first hit
// wins; a storage error on one strategy is logged and the next one is tried.
func (s *Service) ResolveDocument(ctx context.Context, userID UserID) UserRef {
	raw := normalize(userID.String())
	if raw == "" {
		return UserRef{}
	}
	for _, strategy := range resolutionOrder {
		var row User
		err := s.db.WithContext(ctx).
			Select("document_id").
			Where(fmt.Sprintf("%s = ?", strategy), raw).
			Take(&row).
			Error
		if err == nil {
			return UserRef{Found: true, DocumentID: row.DocumentID, Strategy: strategy}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("user lookup failed",
				zap.String("strategy", string(strategy)),
				zap.String("user_id", raw),
				zap.Error(err))
		}
	}
	return UserRef{}
}

// GetUser loads the resolved user document.
func (s *Service) GetUser(ctx context.Context, userID UserID) (User, error) {
	ref := s.ResolveDocument(ctx, userID)
	if !ref.Found {
		return User{}, ErrUserNotFound
	}
	var user User
	if err := s.db.WithContext(ctx).Where("document_id = ?", ref.DocumentID).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	return user, nil
}

// DisplayName returns the user's display name, reporting false when the user
// is unknown or has no name on file.
func (s *Service) DisplayName(ctx context.Context, userID UserID) (string, bool) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			s.logger.Warn("display name lookup failed", zap.String("user_id", userID.String()), zap.Error(err))
		}
		return "", false
	}
	name := normalize(user.DisplayName)
	return name, name != ""
}

// TouchLastActive records activity for the user.
func (s *Service) TouchLastActive(ctx context.Context, userID UserID) error {
	ref := s.ResolveDocument(ctx, userID)
	if !ref.Found {
		return ErrUserNotFound
	}
	return s.db.WithContext(ctx).
		Model(&User{}).
		Where("document_id = ?", ref.DocumentID).
		Update("last_active_at", s.now().UTC()).
		Error
}

// EnsureUser returns the user id for the provided session claims, creating the
// user document the first time an account is seen.
func (s *Service) EnsureUser(ctx context.Context, claims auth.SessionClaims) (UserID, error) {
	documentID, accountID := deriveIdentity(claims)
	if documentID == "" {
		return "", ErrInvalidIdentity
	}
	userID, err := NewUserID(documentID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	if cached, ok := s.cache.Load(documentID); ok {
		if cachedID, ok := cached.(UserID); ok {
			return cachedID, nil
		}
	}

	now := s.now().UTC()
	user := User{
		DocumentID:   documentID,
		AccountID:    accountID,
		UserID:       documentID,
		DisplayName:  normalize(claims.UserDisplayName),
		Email:        normalize(claims.UserEmail),
		Version:      1,
		LastActiveAt: now,
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "document_id"}}, DoNothing: true}).
		Create(&user).Error; err != nil {
		return "", err
	}

	updates := map[string]interface{}{"last_active_at": now}
	if display := normalize(claims.UserDisplayName); display != "" {
		updates["display_name"] = display
	}
	if email := normalize(claims.UserEmail); email != "" {
		updates["email"] = email
	}
	if accountID != "" {
		updates["account_id"] = accountID
	}
	if err := s.db.WithContext(ctx).
		Model(&User{}).
		Where("document_id = ?", documentID).
		Updates(updates).Error; err != nil {
		s.logger.Warn("user refresh failed", zap.String("user_id", documentID), zap.Error(err))
	}

	s.cache.Store(documentID, userID)
	return userID, nil
}

// deriveIdentity maps session claims onto (document id, account id). A
// "provider:subject" user id keeps only the subject part.
func deriveIdentity(claims auth.SessionClaims) (string, string) {
	accountID := normalize(claims.Subject)
	documentID := normalize(claims.UserID)
	if strings.Contains(documentID, ":") {
		segments := strings.SplitN(documentID, ":", 2)
		if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
			documentID = normalize(segments[1])
		}
	}
	if documentID == "" {
		documentID = accountID
	}
	return documentID, accountID
}
