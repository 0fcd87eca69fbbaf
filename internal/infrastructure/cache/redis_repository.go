package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"tronraffle/internal/domain/model"
	"tronraffle/internal/domain/repository"
)

// RedisRepository implements the ProcessedTransferSet and StatusCache
// interfaces using Redis as the backend. The processed set is durable enough
// to survive restarts (no TTL); the status cache is a best-effort snapshot.
type RedisRepository struct {
	client *redis.Client
}

func NewRedisRepository(addr, password string, db int) *RedisRepository {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisRepository{client: client}
}

// Ensure RedisRepository implements the required interfaces
var _ repository.ProcessedTransferSet = (*RedisRepository)(nil)
var _ repository.StatusCache = (*RedisRepository)(nil)

func transferKey(txID string) string {
	return fmt.Sprintf("transfer:processed:%s", txID)
}

// IsProcessed reports whether the transfer ID is in the processed set.
func (r *RedisRepository) IsProcessed(ctx context.Context, txID string) (bool, error) {
	n, err := r.client.Exists(ctx, transferKey(txID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed adds the transfer ID to the processed set. SETNX keeps the
// mark race-free: false means another worker got there first.
func (r *RedisRepository) MarkProcessed(ctx context.Context, txID string) (bool, error) {
	return r.client.SetNX(ctx, transferKey(txID), 1, 0).Result()
}

// SaveStatus stores the latest status snapshot for a chat.
func (r *RedisRepository) SaveStatus(ctx context.Context, chatID string, report *model.StatusReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	key := fmt.Sprintf("raffle:status:%s", chatID)
	return r.client.Set(ctx, key, data, 0).Err()
}

// GetStatus retrieves the cached status snapshot, nil when absent.
func (r *RedisRepository) GetStatus(ctx context.Context, chatID string) (*model.StatusReport, error) {
	key := fmt.Sprintf("raffle:status:%s", chatID)
	data, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var report model.StatusReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return &report, nil
}

// Ping checks connectivity at bootstrap.
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
