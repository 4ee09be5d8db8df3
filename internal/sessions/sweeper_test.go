package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

func seedSession(t *testing.T, store *storage.Store, updatedAt time.Time) *models.Session {
	t.Helper()
	session := &models.Session{UserID: "user-1", CreatedAt: updatedAt}
	if err := store.Sessions.Create(context.Background(), session); err != nil {
		t.Fatalf("create: %v", err)
	}
	return session
}

func TestSweepEndsIdleSessions(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()

	stale := seedSession(t, store, time.Now().Add(-2*time.Hour))
	fresh := seedSession(t, store, time.Now())

	cfg := config.SessionConfig{IdleTimeout: time.Hour, ExpirySchedule: "@every 1m"}
	sweeper := NewSweeper(cfg, store.Sessions, NewTurnLocker(0), nil)

	ended, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if ended != 1 {
		t.Fatalf("ended = %d, want 1", ended)
	}

	got, _ := store.Sessions.Get(ctx, stale.ID)
	if got.Status != models.SessionEnded {
		t.Errorf("stale session status = %q", got.Status)
	}
	got, _ = store.Sessions.Get(ctx, fresh.ID)
	if got.Status != models.SessionActive {
		t.Errorf("fresh session status = %q", got.Status)
	}
}

func TestSweepSkipsBusySessions(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()

	busy := seedSession(t, store, time.Now().Add(-2*time.Hour))
	locker := NewTurnLocker(0)
	release, _ := locker.TryAcquire(busy.ID)
	defer release()

	cfg := config.SessionConfig{IdleTimeout: time.Hour, ExpirySchedule: "@every 1m"}
	ended, err := NewSweeper(cfg, store.Sessions, locker, nil).SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if ended != 0 {
		t.Errorf("ended = %d, want 0", ended)
	}

	got, _ := store.Sessions.Get(ctx, busy.ID)
	if got.Status != models.SessionActive {
		t.Errorf("busy session status = %q", got.Status)
	}
}

func TestSweeperDisabledWithoutTimeout(t *testing.T) {
	store := storage.NewMemStore()
	sweeper := NewSweeper(config.SessionConfig{}, store.Sessions, nil, nil)
	if err := sweeper.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	sweeper.Stop()
}
