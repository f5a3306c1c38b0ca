package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rollsync/rollsync/internal/models"
)

const attendanceKeyPrefix = "attendance:"

type RedisRecordCache struct {
	client *redis.Client
}

func NewRedisRecordCache(client *redis.Client) *RedisRecordCache {
	return &RedisRecordCache{client: client}
}

func (c *RedisRecordCache) Get(ctx context.Context, key models.RecordKey) (*models.AttendanceRecord, error) {
	data, err := c.client.Get(ctx, attendanceKey(key)).Result()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record from cache: %w", err)
	}

	var record models.AttendanceRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached record: %w", err)
	}
	return &record, nil
}

func (c *RedisRecordCache) Set(ctx context.Context, record *models.AttendanceRecord, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if err := c.client.Set(ctx, attendanceKey(record.Key()), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set record in cache: %w", err)
	}
	return nil
}

func (c *RedisRecordCache) Delete(ctx context.Context, key models.RecordKey) error {
	if err := c.client.Del(ctx, attendanceKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete record from cache: %w", err)
	}
	return nil
}

// Helper: build Redis key for a canonical record
func attendanceKey(key models.RecordKey) string {
	return attendanceKeyPrefix + key.String()
}
