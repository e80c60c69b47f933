package ratelimit

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🚦 限流器
// =============================================================================

// Rule 单条限流规则
type Rule struct {
	Requests int           `json:"requests" yaml:"requests"`
	Window   time.Duration `json:"window" yaml:"window"`
}

// Scope 限流维度
type Scope string

const (
	ScopeIP      Scope = "ip"
	ScopeSession Scope = "session"
	ScopeGlobal  Scope = "global"
)

// Config 限流配置
type Config struct {
	// Redis key 前缀
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// 各维度默认规则，按序全部通过才放行
	IPRules      []Rule `json:"ip_rules" yaml:"ip_rules"`
	SessionRules []Rule `json:"session_rules" yaml:"session_rules"`
	GlobalRules  []Rule `json:"global_rules" yaml:"global_rules"`

	// 端点级覆盖（按维度），命中时替换该维度的默认规则
	EndpointOverrides map[string]map[Scope][]Rule `json:"endpoint_overrides" yaml:"endpoint_overrides"`

	// 受限流治理的路径前缀；为空表示全部受限
	GovernedPrefixes []string `json:"governed_prefixes" yaml:"governed_prefixes"`

	// 携带这些 token 的请求跳过限流
	AdminBypassTokens []string `json:"admin_bypass_tokens" yaml:"admin_bypass_tokens"`
}

// DefaultConfig 返回默认限流配置
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "ventureval:rate_limit",
		IPRules: []Rule{
			{Requests: 60, Window: time.Minute},
			{Requests: 1000, Window: time.Hour},
		},
		SessionRules: []Rule{
			{Requests: 20, Window: time.Hour},
			{Requests: 100, Window: 24 * time.Hour},
		},
		GlobalRules: []Rule{
			{Requests: 1000, Window: time.Minute},
		},
		// 健康检查被探针高频轮询，IP 维度放宽
		EndpointOverrides: map[string]map[Scope][]Rule{
			"/health": {
				ScopeIP: {{Requests: 600, Window: time.Minute}},
			},
		},
		GovernedPrefixes: []string{"/api/evaluate"},
	}
}

// Result 限流判定结果
type Result struct {
	Allowed bool `json:"allowed"`

	// 命中的维度与规则（拒绝时）
	Scope Scope `json:"scope,omitempty"`
	Rule  Rule  `json:"rule,omitempty"`

	// 最严格规则下的余量
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`

	// 存储故障放行时为 true
	Degraded bool `json:"degraded,omitempty"`
}

// RetryAfter 返回重试等待秒数，最少 1 秒
func (r Result) RetryAfter() int {
	secs := int(math.Ceil(time.Until(r.ResetAt).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Headers 返回标准限流响应头
func (r Result) Headers() map[string]string {
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
	}
	if !r.ResetAt.IsZero() {
		h["X-RateLimit-Reset"] = strconv.FormatInt(r.ResetAt.Unix(), 10)
	}
	if !r.Allowed {
		h["Retry-After"] = strconv.Itoa(r.RetryAfter())
	}
	return h
}

// Limiter 多维度滑动窗口限流器
//
// 判定顺序：IP → Session → Global，全部通过才放行。
// IP 与 Global 维度对所有端点生效，Session 维度只在受治理端点参与。
// 存储故障时放行并标记 Degraded（限流失效优于全站不可用）。
type Limiter struct {
	store  Store
	config Config
	logger *zap.Logger
}

// NewLimiter 创建限流器
func NewLimiter(store Store, config Config, logger *zap.Logger) *Limiter {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "ventureval:rate_limit"
	}
	return &Limiter{
		store:  store,
		config: config,
		logger: logger.With(zap.String("component", "rate_limiter")),
	}
}

// Governed 报告路径是否受限流治理
func (l *Limiter) Governed(path string) bool {
	if len(l.config.GovernedPrefixes) == 0 {
		return true
	}
	for _, prefix := range l.config.GovernedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Bypass 报告 token 是否为管理员直通 token
func (l *Limiter) Bypass(token string) bool {
	if token == "" {
		return false
	}
	for _, t := range l.config.AdminBypassTokens {
		if t == token {
			return true
		}
	}
	return false
}

// Check 对一次请求做全部维度的限流判定
func (l *Limiter) Check(ctx context.Context, ip, sessionKey, endpoint string) Result {
	type scopeCheck struct {
		scope Scope
		key   string
		rules []Rule
	}

	checks := []scopeCheck{
		{ScopeIP, ip, l.rulesFor(ScopeIP, endpoint)},
	}
	if l.Governed(endpoint) {
		checks = append(checks, scopeCheck{ScopeSession, hashSessionKey(sessionKey), l.rulesFor(ScopeSession, endpoint)})
	}
	checks = append(checks, scopeCheck{ScopeGlobal, "all", l.rulesFor(ScopeGlobal, endpoint)})

	result := Result{Allowed: true, Remaining: math.MaxInt32}
	for _, c := range checks {
		if c.key == "" {
			continue
		}
		for _, rule := range c.rules {
			key := l.storageKey(c.scope, c.key, endpoint, rule.Window)

			count, allowed, err := l.store.IncrementAndCheck(ctx, key, rule.Window, rule.Requests)
			if err != nil {
				// fail-open：存储故障不拦截流量
				l.logger.Warn("rate limit store unavailable, allowing request",
					zap.String("scope", string(c.scope)),
					zap.String("endpoint", endpoint),
					zap.Error(err))
				result.Degraded = true
				continue
			}

			resetAt, rerr := l.store.ResetTime(ctx, key, rule.Window)
			if rerr != nil {
				resetAt = time.Now().Add(rule.Window)
			}

			if !allowed {
				return Result{
					Allowed:   false,
					Scope:     c.scope,
					Rule:      rule,
					Limit:     rule.Requests,
					Remaining: 0,
					ResetAt:   resetAt,
				}
			}

			if remaining := rule.Requests - count; remaining < result.Remaining {
				result.Remaining = remaining
				result.Limit = rule.Requests
				result.ResetAt = resetAt
			}
		}
	}

	if result.Remaining == math.MaxInt32 {
		result.Remaining = 0
	}
	return result
}

func (l *Limiter) rulesFor(scope Scope, endpoint string) []Rule {
	if overrides, ok := l.config.EndpointOverrides[endpoint]; ok {
		if rules, ok := overrides[scope]; ok {
			return rules
		}
	}
	switch scope {
	case ScopeIP:
		return l.config.IPRules
	case ScopeSession:
		return l.config.SessionRules
	case ScopeGlobal:
		return l.config.GlobalRules
	}
	return nil
}

// storageKey 组合维度、主体、端点和窗口长度，规则之间互不干扰
func (l *Limiter) storageKey(scope Scope, key, endpoint string, window time.Duration) string {
	return fmt.Sprintf("%s:%s:%s:%s:%ds", l.config.KeyPrefix, scope, key, endpoint, int(window.Seconds()))
}

// hashSessionKey 会话键只以摘要形式进入存储
func hashSessionKey(sessionKey string) string {
	if sessionKey == "" {
		return ""
	}
	sum := md5.Sum([]byte(sessionKey))
	return hex.EncodeToString(sum[:])
}
