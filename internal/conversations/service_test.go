package conversations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/realtime"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	return db
}

func newTestService(t *testing.T, cfg ServiceConfig) (*Service, *gorm.DB) {
	t.Helper()
	db := cfg.Database
	if db == nil {
		db = openTestDatabase(t)
		if err := db.AutoMigrate(&Conversation{}); err != nil {
			t.Fatalf("failed to migrate conversations: %v", err)
		}
		cfg.Database = db
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func TestFindOrCreateIsLazyAndStable(t *testing.T) {
	service, _ := newTestService(t, ServiceConfig{IDProvider: ids.NewSequence("conv-1", "conv-2")})
	ctx := context.Background()

	if _, err := service.FindByPair(ctx, "user-1", "bot-1"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected no conversation yet, got %v", err)
	}
	created, isNew, err := service.FindOrCreate(ctx, "user-1", "bot-1")
	if err != nil || !isNew || created.ConversationID != "conv-1" {
		t.Fatalf("expected new conversation conv-1, got %+v new=%v err=%v", created, isNew, err)
	}
	again, isNew, err := service.FindOrCreate(ctx, "user-1", "bot-1")
	if err != nil || isNew || again.ConversationID != "conv-1" {
		t.Fatalf("expected existing conversation, got %+v new=%v err=%v", again, isNew, err)
	}
	if _, _, err := service.FindOrCreate(ctx, "user-1", " "); !errors.Is(err, ErrInvalidParticipants) {
		t.Fatalf("expected invalid participants, got %v", err)
	}
}

func TestFindOrCreateConcurrentCallersShareConversation(t *testing.T) {
	db := openTestDatabase(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Conversation{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, _ := newTestService(t, ServiceConfig{Database: db})

	var wg sync.WaitGroup
	found := make([]string, 8)
	for i := range found {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			conversation, _, err := service.FindOrCreate(context.Background(), "user-1", "bot-1")
			if err != nil {
				t.Errorf("find or create failed: %v", err)
				return
			}
			found[index] = conversation.ConversationID
		}(i)
	}
	wg.Wait()
	for _, id := range found {
		if id != found[0] {
			t.Fatalf("expected one conversation id, got %v", found)
		}
	}
	var count int64
	db.Model(&Conversation{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected one stored conversation, got %d", count)
	}
}

func TestUpdateLastMessageSetsHasGifts(t *testing.T) {
	stamp := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	service, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	conversation, _, err := service.FindOrCreate(ctx, "user-1", "bot-1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := service.UpdateLastMessage(ctx, conversation.ConversationID, LastMessageUpdate{Text: "Sent a Red Rose", At: stamp, HasGifts: true}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	updated, err := service.Get(ctx, conversation.ConversationID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if updated.LastMessage != "Sent a Red Rose" || !updated.HasGifts || !updated.LastMessageAt.Equal(stamp) {
		t.Fatalf("unexpected conversation %+v", updated)
	}
	if err := service.UpdateLastMessage(ctx, "missing", LastMessageUpdate{Text: "x"}); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateLastMessageFallsBackWithoutHasGifts(t *testing.T) {
	db := openTestDatabase(t)
	legacySchema := `CREATE TABLE conversations (
		conversation_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		bot_profile_id TEXT NOT NULL,
		last_message TEXT,
		last_message_at DATETIME,
		message_count INTEGER NOT NULL DEFAULT 0,
		is_active NUMERIC NOT NULL DEFAULT 1,
		created_at DATETIME,
		updated_at DATETIME
	)`
	if err := db.Exec(legacySchema).Error; err != nil {
		t.Fatalf("failed to create legacy table: %v", err)
	}
	if err := db.Exec("INSERT INTO conversations (conversation_id, user_id, bot_profile_id, message_count) VALUES (?, ?, ?, ?)", "conv-1", "user-1", "bot-1", 0).Error; err != nil {
		t.Fatalf("failed to seed conversation: %v", err)
	}
	core, logs := observer.New(zapcore.WarnLevel)
	service, _ := newTestService(t, ServiceConfig{Database: db, Logger: zap.New(core)})

	if err := service.UpdateLastMessage(context.Background(), "conv-1", LastMessageUpdate{Text: "gift!", HasGifts: true}); err != nil {
		t.Fatalf("expected fallback update to succeed, got %v", err)
	}
	var lastMessage string
	if err := db.Raw("SELECT last_message FROM conversations WHERE conversation_id = ?", "conv-1").Scan(&lastMessage).Error; err != nil {
		t.Fatalf("failed to read back: %v", err)
	}
	if lastMessage != "gift!" {
		t.Fatalf("expected last message to be stored, got %q", lastMessage)
	}
	if logs.FilterMessage("conversation update rejected, retrying without has_gifts").Len() != 1 {
		t.Fatalf("expected fallback to be logged")
	}
}

func TestUnreadCountSumsPositiveCounters(t *testing.T) {
	service, db := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	rows := []Conversation{
		{ConversationID: "c1", UserID: "user-1", BotProfileID: "bot-1", MessageCount: 3},
		{ConversationID: "c2", UserID: "user-1", BotProfileID: "bot-2", MessageCount: 2},
		{ConversationID: "c3", UserID: "user-1", BotProfileID: "bot-3", MessageCount: -4},
		{ConversationID: "c4", UserID: "user-2", BotProfileID: "bot-1", MessageCount: 9},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("failed to seed conversations: %v", err)
	}

	if total := service.GetTotalUnreadCount(ctx, "user-1"); total != 5 {
		t.Fatalf("expected 5 unread, got %d", total)
	}
	if total := service.GetTotalUnreadCount(ctx, "nobody"); total != 0 {
		t.Fatalf("expected 0 unread, got %d", total)
	}

	if err := service.RecordIncomingMessage(ctx, "c1", "hello"); err != nil {
		t.Fatalf("record message failed: %v", err)
	}
	if total := service.GetTotalUnreadCount(ctx, "user-1"); total != 6 {
		t.Fatalf("expected 6 unread after message, got %d", total)
	}
	if err := service.MarkRead(ctx, "user-1", "c1"); err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	if total := service.GetTotalUnreadCount(ctx, "user-1"); total != 2 {
		t.Fatalf("expected 2 unread after read, got %d", total)
	}
	if err := service.MarkRead(ctx, "user-2", "c1"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected another user's conversation to be hidden, got %v", err)
	}
}

func TestUnreadCountFailureReturnsZero(t *testing.T) {
	service, db := newTestService(t, ServiceConfig{})
	if err := db.Migrator().DropTable(&Conversation{}); err != nil {
		t.Fatalf("failed to drop table: %v", err)
	}
	if total := service.GetTotalUnreadCount(context.Background(), "user-1"); total != 0 {
		t.Fatalf("expected 0 on failure, got %d", total)
	}
	if list := service.ListForUser(context.Background(), "user-1", 10); len(list) != 0 {
		t.Fatalf("expected empty list on failure")
	}
}

func TestListForUserOrdersByRecency(t *testing.T) {
	service, db := newTestService(t, ServiceConfig{})
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []Conversation{
		{ConversationID: "old", UserID: "user-1", BotProfileID: "bot-1", LastMessageAt: base},
		{ConversationID: "new", UserID: "user-1", BotProfileID: "bot-2", LastMessageAt: base.Add(time.Hour)},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("failed to seed conversations: %v", err)
	}
	list := service.ListForUser(context.Background(), "user-1", 10)
	if len(list) != 2 || list[0].ConversationID != "new" {
		t.Fatalf("expected newest first, got %+v", list)
	}
}

func waitForCount(t *testing.T, counts <-chan int64, want int64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got, ok := <-counts:
			if !ok {
				t.Fatalf("count stream closed before %d arrived", want)
			}
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for count %d", want)
		}
	}
}

func TestSubscribeUnreadPushesOnChange(t *testing.T) {
	hub := realtime.NewDispatcher(realtime.DispatcherConfig{})
	service, db := newTestService(t, ServiceConfig{Hub: hub})
	if err := db.Create(&Conversation{ConversationID: "c1", UserID: "user-1", BotProfileID: "bot-1", MessageCount: 1}).Error; err != nil {
		t.Fatalf("failed to seed conversation: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counts, stop := service.SubscribeUnread(ctx, "user-1")
	waitForCount(t, counts, 1)

	if err := service.RecordIncomingMessage(ctx, "c1", "ping"); err != nil {
		t.Fatalf("record message failed: %v", err)
	}
	waitForCount(t, counts, 2)

	hub.Publish(realtime.Message{UserID: "user-1", EventType: realtime.EventCreditsChanged})
	if err := service.MarkRead(ctx, "user-1", "c1"); err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	waitForCount(t, counts, 0)

	stop()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-counts:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("expected count stream to close after stop")
		}
	}
}

func TestSubscribeUnreadEmptyUser(t *testing.T) {
	service, _ := newTestService(t, ServiceConfig{})
	counts, stop := service.SubscribeUnread(context.Background(), "")
	defer stop()
	if _, ok := <-counts; ok {
		t.Fatalf("expected closed stream for empty user")
	}
}
