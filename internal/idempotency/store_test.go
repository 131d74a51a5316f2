package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/metrics"
	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func newTestStore(t *testing.T, clock *manualClock, collectors *metrics.Metrics) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewStore(StoreConfig{
		Database: db,
		TTL:      time.Hour,
		Clock:    clock.Now,
		Metrics:  collectors,
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

func TestBeginCompleteReplay(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	collectors := metrics.New("test")
	store := newTestStore(t, clock, collectors)
	ctx := context.Background()

	first, err := store.Begin(ctx, "user-1", "gifts.send", "key-1")
	if err != nil || first.Outcome != OutcomeStarted {
		t.Fatalf("expected started, got %+v err=%v", first, err)
	}

	inFlight, err := store.Begin(ctx, "user-1", "gifts.send", "key-1")
	if err != nil || inFlight.Outcome != OutcomeInFlight {
		t.Fatalf("expected in flight, got %+v err=%v", inFlight, err)
	}

	if err := store.Complete(ctx, first.RecordID, 200, []byte(`{"success":true}`)); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	replay, err := store.Begin(ctx, "user-1", "gifts.send", "key-1")
	if err != nil || replay.Outcome != OutcomeReplay {
		t.Fatalf("expected replay, got %+v err=%v", replay, err)
	}
	if replay.ResponseStatus != 200 || string(replay.ResponseBody) != `{"success":true}` {
		t.Fatalf("unexpected stored response %+v", replay)
	}
	if got := testutil.ToFloat64(collectors.IdempotentReplays); got != 1 {
		t.Fatalf("expected one replay counted, got %v", got)
	}

	other, err := store.Begin(ctx, "user-2", "gifts.send", "key-1")
	if err != nil || other.Outcome != OutcomeStarted {
		t.Fatalf("expected keys to be scoped per user, got %+v err=%v", other, err)
	}
}

func TestBeginReusesExpiredKeys(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	store := newTestStore(t, clock, nil)
	ctx := context.Background()

	first, _ := store.Begin(ctx, "user-1", "gifts.send", "key-1")
	if err := store.Complete(ctx, first.RecordID, 200, []byte("{}")); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	clock.now = clock.now.Add(2 * time.Hour)

	again, err := store.Begin(ctx, "user-1", "gifts.send", "key-1")
	if err != nil || again.Outcome != OutcomeStarted {
		t.Fatalf("expected expired key to restart, got %+v err=%v", again, err)
	}
}

func TestAbandonReleasesKey(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	store := newTestStore(t, clock, nil)
	ctx := context.Background()

	first, _ := store.Begin(ctx, "user-1", "gifts.send", "key-1")
	if err := store.Abandon(ctx, first.RecordID); err != nil {
		t.Fatalf("abandon failed: %v", err)
	}
	if err := store.Complete(ctx, first.RecordID, 200, nil); !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("expected abandoned reservation to be gone, got %v", err)
	}
	retry, err := store.Begin(ctx, "user-1", "gifts.send", "key-1")
	if err != nil || retry.Outcome != OutcomeStarted {
		t.Fatalf("expected retry to start, got %+v err=%v", retry, err)
	}
}

func TestBeginRejectsInvalidKeys(t *testing.T) {
	store := newTestStore(t, &manualClock{now: time.Unix(1700000000, 0)}, nil)
	for _, key := range []string{"", "   ", strings.Repeat("k", maxKeyLength+1)} {
		if _, err := store.Begin(context.Background(), "user-1", "gifts.send", key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected invalid key error for %q, got %v", key, err)
		}
	}
}

func TestPurgeExpired(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	store := newTestStore(t, clock, nil)
	ctx := context.Background()
	store.Begin(ctx, "user-1", "gifts.send", "a")
	store.Begin(ctx, "user-1", "gifts.send", "b")
	clock.now = clock.now.Add(30 * time.Minute)
	store.Begin(ctx, "user-1", "gifts.send", "c")
	clock.now = clock.now.Add(45 * time.Minute)

	purged, err := store.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 2 {
		t.Fatalf("expected 2 purged, got %d", purged)
	}
}
