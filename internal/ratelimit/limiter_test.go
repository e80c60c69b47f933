package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func setupRedisLimiter(t *testing.T, config Config) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLimiter(NewRedisStore(client), config, zap.NewNop())
}

func TestLimiter_IPRuleExhaustion(t *testing.T) {
	config := DefaultConfig()
	config.IPRules = []Rule{{Requests: 60, Window: time.Minute}}
	config.SessionRules = nil
	config.GlobalRules = nil
	limiter := setupRedisLimiter(t, config)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		res := limiter.Check(ctx, "10.0.0.1", "", "/api/evaluate")
		require.True(t, res.Allowed, "request %d should pass", i+1)
		assert.Equal(t, 60-i-1, res.Remaining)
	}

	// 第 61 次被拒
	res := limiter.Check(ctx, "10.0.0.1", "", "/api/evaluate")
	assert.False(t, res.Allowed)
	assert.Equal(t, ScopeIP, res.Scope)
	assert.Equal(t, 0, res.Remaining)
	assert.GreaterOrEqual(t, res.RetryAfter(), 1)

	// 其他 IP 不受影响
	other := limiter.Check(ctx, "10.0.0.2", "", "/api/evaluate")
	assert.True(t, other.Allowed)
}

func TestLimiter_SessionScopeIsolated(t *testing.T) {
	config := DefaultConfig()
	config.IPRules = nil
	config.GlobalRules = nil
	config.SessionRules = []Rule{{Requests: 2, Window: time.Hour}}
	limiter := setupRedisLimiter(t, config)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.True(t, limiter.Check(ctx, "10.0.0.1", "session-a", "/api/evaluate").Allowed)
	}
	assert.False(t, limiter.Check(ctx, "10.0.0.1", "session-a", "/api/evaluate").Allowed)

	// 同 IP 不同会话不受影响
	assert.True(t, limiter.Check(ctx, "10.0.0.1", "session-b", "/api/evaluate").Allowed)
}

func TestLimiter_EndpointOverride(t *testing.T) {
	config := DefaultConfig()
	config.SessionRules = nil
	config.GlobalRules = nil
	config.IPRules = []Rule{{Requests: 100, Window: time.Minute}}
	config.EndpointOverrides = map[string]map[Scope][]Rule{
		"/api/evaluate": {ScopeIP: {{Requests: 1, Window: time.Minute}}},
	}
	limiter := setupRedisLimiter(t, config)
	ctx := context.Background()

	require.True(t, limiter.Check(ctx, "10.0.0.1", "", "/api/evaluate").Allowed)
	assert.False(t, limiter.Check(ctx, "10.0.0.1", "", "/api/evaluate").Allowed)

	// 未覆盖的端点走默认规则
	assert.True(t, limiter.Check(ctx, "10.0.0.1", "", "/api/other").Allowed)
}

func TestLimiter_SessionRulesGovernedOnly(t *testing.T) {
	config := DefaultConfig()
	config.IPRules = nil
	config.GlobalRules = nil
	config.SessionRules = []Rule{{Requests: 1, Window: time.Hour}}
	config.GovernedPrefixes = []string{"/api/evaluate"}
	limiter := setupRedisLimiter(t, config)
	ctx := context.Background()

	// 非受治理端点不消耗会话额度
	for i := 0; i < 5; i++ {
		require.True(t, limiter.Check(ctx, "10.0.0.1", "session-a", "/api/cost/summary").Allowed)
	}

	require.True(t, limiter.Check(ctx, "10.0.0.1", "session-a", "/api/evaluate").Allowed)
	denied := limiter.Check(ctx, "10.0.0.1", "session-a", "/api/evaluate")
	assert.False(t, denied.Allowed)
	assert.Equal(t, ScopeSession, denied.Scope)
}

func TestLimiter_IPRulesCoverAllEndpoints(t *testing.T) {
	config := DefaultConfig()
	config.IPRules = []Rule{{Requests: 1, Window: time.Minute}}
	config.SessionRules = nil
	config.GlobalRules = nil
	config.EndpointOverrides = nil
	config.GovernedPrefixes = []string{"/api/evaluate"}
	limiter := setupRedisLimiter(t, config)
	ctx := context.Background()

	// IP 维度在非受治理端点同样生效
	require.True(t, limiter.Check(ctx, "10.0.0.1", "", "/api/cost/summary").Allowed)
	denied := limiter.Check(ctx, "10.0.0.1", "", "/api/cost/summary")
	assert.False(t, denied.Allowed)
	assert.Equal(t, ScopeIP, denied.Scope)
}

func TestDefaultConfig_HealthOverride(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(), DefaultConfig(), zap.NewNop())

	// 健康检查的 IP 规则比默认宽松
	health := limiter.rulesFor(ScopeIP, "/health")
	require.Len(t, health, 1)
	assert.Greater(t, health[0].Requests, DefaultConfig().IPRules[0].Requests)
}

func TestSelectStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := SelectStore(context.Background(), client, zap.NewNop())
	_, isRedis := store.(*RedisStore)
	assert.True(t, isRedis)

	// Redis 不可达时退回进程内存储
	mr.Close()
	store = SelectStore(context.Background(), client, zap.NewNop())
	_, isMemory := store.(*MemoryStore)
	assert.True(t, isMemory)
}

func TestLimiter_ResultHeaders(t *testing.T) {
	config := DefaultConfig()
	config.SessionRules = nil
	config.GlobalRules = nil
	config.IPRules = []Rule{{Requests: 1, Window: time.Minute}}
	limiter := setupRedisLimiter(t, config)
	ctx := context.Background()

	ok := limiter.Check(ctx, "10.0.0.1", "", "/api/evaluate")
	h := ok.Headers()
	assert.Equal(t, "1", h["X-RateLimit-Limit"])
	assert.Equal(t, "0", h["X-RateLimit-Remaining"])
	assert.NotContains(t, h, "Retry-After")

	denied := limiter.Check(ctx, "10.0.0.1", "", "/api/evaluate")
	h = denied.Headers()
	assert.Contains(t, h, "Retry-After")
	assert.Contains(t, h, "X-RateLimit-Reset")
}

// failingStore 模拟存储故障
type failingStore struct{}

func (failingStore) IncrementAndCheck(context.Context, string, time.Duration, int) (int, bool, error) {
	return 0, false, assert.AnError
}

func (failingStore) ResetTime(context.Context, string, time.Duration) (time.Time, error) {
	return time.Time{}, assert.AnError
}

func TestLimiter_StoreFailureFailsOpen(t *testing.T) {
	limiter := NewLimiter(failingStore{}, DefaultConfig(), zap.NewNop())

	res := limiter.Check(context.Background(), "10.0.0.1", "session-a", "/api/evaluate")
	assert.True(t, res.Allowed)
	assert.True(t, res.Degraded)
}

func TestLimiter_GovernedAndBypass(t *testing.T) {
	config := DefaultConfig()
	config.AdminBypassTokens = []string{"ops-override"}
	limiter := NewLimiter(NewMemoryStore(), config, zap.NewNop())

	assert.True(t, limiter.Governed("/api/evaluate"))
	assert.False(t, limiter.Governed("/health"))
	assert.True(t, limiter.Bypass("ops-override"))
	assert.False(t, limiter.Bypass("guess"))
	assert.False(t, limiter.Bypass(""))
}

func TestMemoryStore_SlidingWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, allowed, err := store.IncrementAndCheck(ctx, "k", 100*time.Millisecond, 3)
		require.NoError(t, err)
		require.True(t, allowed)
	}
	_, allowed, err := store.IncrementAndCheck(ctx, "k", 100*time.Millisecond, 3)
	require.NoError(t, err)
	assert.False(t, allowed)

	// 窗口滑过后恢复
	time.Sleep(120 * time.Millisecond)
	_, allowed, err = store.IncrementAndCheck(ctx, "k", 100*time.Millisecond, 3)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMemoryStore_NeverExceedsLimit(t *testing.T) {
	// 任意调用序列下窗口内计数都不会超过限额
	rapid.Check(t, func(t *rapid.T) {
		store := NewMemoryStore()
		ctx := context.Background()
		limit := rapid.IntRange(1, 20).Draw(t, "limit")
		calls := rapid.IntRange(1, 100).Draw(t, "calls")

		granted := 0
		for i := 0; i < calls; i++ {
			count, allowed, err := store.IncrementAndCheck(ctx, "k", time.Hour, limit)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if allowed {
				granted++
			}
			if count > limit {
				t.Fatalf("count %d exceeds limit %d", count, limit)
			}
		}
		if granted > limit {
			t.Fatalf("granted %d exceeds limit %d", granted, limit)
		}
	})
}

func TestHashSessionKey(t *testing.T) {
	// 摘要稳定且不泄露原始键
	a := hashSessionKey("tok-secret-1")
	b := hashSessionKey("tok-secret-1")
	c := hashSessionKey("tok-secret-2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
	assert.NotContains(t, a, "secret")
	assert.Empty(t, hashSessionKey(""))
}
