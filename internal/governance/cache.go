package governance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ventureval/ventureval/internal/pricing"
)

// =============================================================================
// 💾 预估缓存
// =============================================================================

// EstimateCache 按请求 ID 缓存准入时的成本预估
//
// 结算阶段在拿不到实际 token 用量时回退到这里的预估值。
// 缓存尽力而为：Redis 故障只记日志，不影响准入。
type EstimateCache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewEstimateCache 创建预估缓存
func NewEstimateCache(client *redis.Client, logger *zap.Logger) *EstimateCache {
	return &EstimateCache{
		client: client,
		logger: logger.With(zap.String("component", "estimate_cache")),
		ttl:    48 * time.Hour,
	}
}

func (c *EstimateCache) key(requestID string) string {
	return "cost_est:" + requestID
}

// Put 写入一次请求的预估
func (c *EstimateCache) Put(ctx context.Context, requestID string, est pricing.Estimate) {
	data, err := json.Marshal(est)
	if err != nil {
		c.logger.Error("marshal estimate failed", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.key(requestID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("cache estimate failed", zap.String("request_id", requestID), zap.Error(err))
	}
}

// Get 读取一次请求的预估
func (c *EstimateCache) Get(ctx context.Context, requestID string) (pricing.Estimate, bool) {
	data, err := c.client.Get(ctx, c.key(requestID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("load cached estimate failed", zap.String("request_id", requestID), zap.Error(err))
		}
		return pricing.Estimate{}, false
	}

	var est pricing.Estimate
	if err := json.Unmarshal(data, &est); err != nil {
		c.logger.Warn("decode cached estimate failed", zap.String("request_id", requestID), zap.Error(err))
		return pricing.Estimate{}, false
	}
	return est, true
}
