// Package ratelimit provides sliding-window rate limiting over Redis
// with an in-memory fallback for single-instance deployments.
// This package is internal and should not be imported by external projects.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 🗄️ 滑动窗口存储
// =============================================================================

// Store 滑动窗口计数存储
type Store interface {
	// IncrementAndCheck 清理过期成员、统计窗口内数量，未超限时记录本次请求。
	// 返回记录后的窗口内计数。
	IncrementAndCheck(ctx context.Context, key string, window time.Duration, limit int) (count int, allowed bool, err error)

	// ResetTime 返回窗口内最旧请求的过期时刻；窗口为空时返回零值
	ResetTime(ctx context.Context, key string, window time.Duration) (time.Time, error)
}

// SelectStore 启动时选择滑动窗口存储
//
// 优先分布式存储以保证跨进程计数正确；Redis 探活失败时退回
// 进程内存储，限流继续生效但只覆盖单实例。
func SelectStore(ctx context.Context, client *redis.Client, logger *zap.Logger) Store {
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, using in-memory rate limit store",
			zap.Error(err))
		return NewMemoryStore()
	}
	return NewRedisStore(client)
}

// RedisStore 基于 Redis ZSET 的滑动窗口
//
// 成员为纳秒时间戳加随机后缀，score 为秒级时间戳。
// pipeline 依次执行 ZRemRangeByScore / ZCard，命中限额时不写入。
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 创建 Redis 滑动窗口存储
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) IncrementAndCheck(ctx context.Context, key string, window time.Duration, limit int) (int, bool, error) {
	now := time.Now()
	cutoff := now.Add(-window)

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", formatScore(cutoff))
	cardCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, fmt.Errorf("rate limit window check for %s: %w", key, err)
	}

	count := int(cardCmd.Val())
	if count >= limit {
		return count, false, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()
	pipe = s.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: scoreOf(now), Member: member})
	pipe.Expire(ctx, key, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return count, false, fmt.Errorf("rate limit window record for %s: %w", key, err)
	}

	return count + 1, true, nil
}

func (s *RedisStore) ResetTime(ctx context.Context, key string, window time.Duration) (time.Time, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("rate limit oldest entry for %s: %w", key, err)
	}
	if len(zs) == 0 {
		return time.Time{}, nil
	}
	oldest := time.Unix(0, int64(zs[0].Score*float64(time.Second)))
	return oldest.Add(window), nil
}

func scoreOf(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func formatScore(t time.Time) string {
	return strconv.FormatFloat(scoreOf(t), 'f', 9, 64)
}

// MemoryStore 进程内滑动窗口，Redis 不可用或未配置时使用
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryStore 创建内存滑动窗口存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]time.Time)}
}

func (s *MemoryStore) IncrementAndCheck(_ context.Context, key string, window time.Duration, limit int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)

	entries := s.windows[key]
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		s.windows[key] = kept
		return len(kept), false, nil
	}

	kept = append(kept, now)
	s.windows[key] = kept
	return len(kept), true, nil
}

func (s *MemoryStore) ResetTime(_ context.Context, key string, window time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.windows[key]
	if len(entries) == 0 {
		return time.Time{}, nil
	}
	return entries[0].Add(window), nil
}
