package users

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestEnsureUserStripsProviderPrefix(t *testing.T) {
	service, db := newTestService(t)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "account-abc",
		},
	}
	userID, err := service.EnsureUser(context.Background(), claims)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected user id without provider prefix, got %q", userID)
	}

	// second call should hit cache and not create a duplicate record.
	userID, err = service.EnsureUser(context.Background(), claims)
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected user id to remain stable, got %q", userID)
	}

	var count int64
	if err := db.Model(&User{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one user document, got %d", count)
	}

	var stored User
	if err := db.Where("document_id = ?", "12345").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	if stored.AccountID != "account-abc" || stored.DisplayName != "Example User" {
		t.Fatalf("unexpected stored user: %#v", stored)
	}
}

func TestEnsureUserRejectsEmptyClaims(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.EnsureUser(context.Background(), auth.SessionClaims{}); err == nil {
		t.Fatalf("expected invalid identity error")
	}
}

func TestResolveDocumentFollowsPriorityOrder(t *testing.T) {
	service, db := newTestService(t)
	seed := []User{
		{DocumentID: "doc-1", AccountID: "acct-1", UserID: "legacy-1", Version: 1},
		{DocumentID: "doc-2", AccountID: "acct-2", UserID: "legacy-2", Version: 1},
		// a document whose account id collides with another document's primary key
		{DocumentID: "doc-3", AccountID: "doc-1", UserID: "legacy-3", Version: 1},
	}
	if err := db.Create(&seed).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	tests := []struct {
		name             string
		input            UserID
		expectFound      bool
		expectDocumentID string
		expectStrategy   Strategy
	}{
		{name: "document-id", input: "doc-2", expectFound: true, expectDocumentID: "doc-2", expectStrategy: StrategyDocumentID},
		{name: "document-id-wins", input: "doc-1", expectFound: true, expectDocumentID: "doc-1", expectStrategy: StrategyDocumentID},
		{name: "account-id", input: "acct-2", expectFound: true, expectDocumentID: "doc-2", expectStrategy: StrategyAccountID},
		{name: "legacy-field", input: "legacy-3", expectFound: true, expectDocumentID: "doc-3", expectStrategy: StrategyUserIDField},
		{name: "missing", input: "nobody", expectFound: false},
		{name: "blank", input: "  ", expectFound: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := service.ResolveDocument(context.Background(), tt.input)
			if ref.Found != tt.expectFound {
				t.Fatalf("found mismatch: want %v got %v", tt.expectFound, ref.Found)
			}
			if ref.DocumentID != tt.expectDocumentID {
				t.Fatalf("document id mismatch: want %q got %q", tt.expectDocumentID, ref.DocumentID)
			}
			if ref.Strategy != tt.expectStrategy {
				t.Fatalf("strategy mismatch: want %q got %q", tt.expectStrategy, ref.Strategy)
			}
		})
	}
}

func TestDisplayNameReportsMissingUsers(t *testing.T) {
	service, db := newTestService(t)
	if err := db.Create(&User{DocumentID: "doc-1", DisplayName: " Ada ", Version: 1}).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	name, ok := service.DisplayName(context.Background(), "doc-1")
	if !ok || name != "Ada" {
		t.Fatalf("expected trimmed display name, got %q (%v)", name, ok)
	}
	if _, ok := service.DisplayName(context.Background(), "ghost"); ok {
		t.Fatalf("expected unknown user to report no display name")
	}
}

func TestTouchLastActiveUpdatesTimestamp(t *testing.T) {
	service, db := newTestService(t)
	if err := db.Create(&User{DocumentID: "doc-1", Version: 1}).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := service.TouchLastActive(context.Background(), "doc-1"); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	var stored User
	if err := db.Where("document_id = ?", "doc-1").Take(&stored).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.LastActiveAt.Unix() != 1700000000 {
		t.Fatalf("unexpected last active %v", stored.LastActiveAt)
	}
	if err := service.TouchLastActive(context.Background(), "ghost"); err != ErrUserNotFound {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
