package cache_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tronraffle/config"
	"tronraffle/internal/domain/model"
	"tronraffle/internal/infrastructure/cache"
)

func TestRedisRepository(t *testing.T) {
	cfg := config.LoadConfig()
	repo := cache.NewRedisRepository(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	ctx := context.Background()
	if err := repo.Ping(ctx); err != nil {
		t.Skipf("Skipping Redis test - no instance at %s: %v", cfg.RedisAddr, err)
	}

	// Unique per run so reruns do not see earlier marks.
	txID := fmt.Sprintf("test-tx-%d", time.Now().UnixNano())

	seen, err := repo.IsProcessed(ctx, txID)
	if err != nil {
		t.Fatalf("Failed to check processed: %v", err)
	}
	if seen {
		t.Fatal("Fresh transaction must not be processed")
	}

	// SETNX: the first mark wins, a replay reports false.
	first, err := repo.MarkProcessed(ctx, txID)
	if err != nil {
		t.Fatalf("Failed to mark processed: %v", err)
	}
	if !first {
		t.Fatal("First mark must return true")
	}
	second, err := repo.MarkProcessed(ctx, txID)
	if err != nil {
		t.Fatalf("Failed to mark processed twice: %v", err)
	}
	if second {
		t.Fatal("Second mark must return false")
	}

	seen, err = repo.IsProcessed(ctx, txID)
	if err != nil {
		t.Fatalf("Failed to check processed: %v", err)
	}
	if !seen {
		t.Fatal("Marked transaction must be reported processed")
	}
}

func TestRedisStatusCache(t *testing.T) {
	cfg := config.LoadConfig()
	repo := cache.NewRedisRepository(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	ctx := context.Background()
	if err := repo.Ping(ctx); err != nil {
		t.Skipf("Skipping Redis test - no instance at %s: %v", cfg.RedisAddr, err)
	}

	chatID := fmt.Sprintf("test-chat-%d", time.Now().UnixNano())

	missing, err := repo.GetStatus(ctx, chatID)
	if err != nil {
		t.Fatalf("Failed to read missing status: %v", err)
	}
	if missing != nil {
		t.Fatal("Missing status must be nil, not an error")
	}

	report := &model.StatusReport{
		Exists:       true,
		Phase:        model.PhaseOpen,
		Participants: 3,
		Confirmed:    2,
		Pool:         decimal.RequireFromString("2.5"),
	}
	if err := repo.SaveStatus(ctx, chatID, report); err != nil {
		t.Fatalf("Failed to save status: %v", err)
	}

	got, err := repo.GetStatus(ctx, chatID)
	if err != nil {
		t.Fatalf("Failed to get status: %v", err)
	}
	if got == nil {
		t.Fatal("Retrieved status is nil")
	}
	if got.Participants != report.Participants || got.Phase != report.Phase {
		t.Errorf("Expected %d participants in %s, got %d in %s",
			report.Participants, report.Phase, got.Participants, got.Phase)
	}
	if !got.Pool.Equal(report.Pool) {
		t.Errorf("Expected pool %s, got %s", report.Pool, got.Pool)
	}
}
