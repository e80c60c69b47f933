package governance

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ventureval/ventureval/internal/budget"
	"github.com/ventureval/ventureval/internal/metrics"
	"github.com/ventureval/ventureval/internal/pricing"
	"github.com/ventureval/ventureval/internal/ratelimit"
	"github.com/ventureval/ventureval/internal/reqctx"
)

// =============================================================================
// 🛂 治理中间件
// =============================================================================

// 请求头
const (
	HeaderRequestID  = "x-request-id"
	HeaderUserID     = "x-user-id"
	HeaderTenantID   = "x-tenant-id"
	HeaderSessionKey = "x-session-key"
	HeaderAdminToken = "x-admin-token"
	HeaderModel      = "x-model"
)

// 响应头
const (
	HeaderEstimatedCost   = "X-Estimated-Cost-USD"
	HeaderEstimatedTokens = "X-Estimated-Tokens"
	HeaderModelUsed       = "X-Model-Used"
	HeaderCostNote        = "X-Cost-Note"
	HeaderBudgetExceeded  = "X-Budget-Exceeded"

	// 预算拒绝响应上的预估成本头
	HeaderEstimatedCostDenied = "X-Estimated-Cost"
)

// 默认模型
const defaultModel = "gpt-3.5-turbo"

// 请求体读取上限，防止预估阶段吃掉超大 body
const maxBodyBytes = 1 << 20

// denialEntry 单个失败类别的对外响应
type denialEntry struct {
	status int
	label  string
	code   string
}

// denialPolicy 类别到 HTTP 响应的策略表
//
// 只有 fail-closed 的类别会出现在这里：无预算对调用方等同预算
// 超限；预估失败放行，不在表内。
var denialPolicy = map[Kind]denialEntry{
	KindRateLimited:    {http.StatusTooManyRequests, "Rate limit exceeded", "RATE_LIMIT_EXCEEDED"},
	KindBudgetExceeded: {http.StatusTooManyRequests, "Budget exceeded", "BUDGET_EXCEEDED"},
	KindNoBudget:       {http.StatusTooManyRequests, "Budget exceeded", "BUDGET_EXCEEDED"},
	KindStorage:        {http.StatusServiceUnavailable, "Budget check unavailable", "BUDGET_CHECK_FAILED"},
}

// Extractor 从请求体提取待预估文本与模型名
type Extractor func(body []byte) (text, model string)

// DefaultExtractor 识别常见 JSON 字段
func DefaultExtractor(body []byte) (string, string) {
	var payload struct {
		Idea     string `json:"idea"`
		IdeaText string `json:"idea_text"`
		Text     string `json:"text"`
		Input    string `json:"input"`
		Model    string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ""
	}

	for _, text := range []string{payload.Idea, payload.IdeaText, payload.Text, payload.Input} {
		if text != "" {
			return text, payload.Model
		}
	}
	return "", payload.Model
}

// Middleware 治理中间件
//
// 所有请求先过关联 ID 注入与限流（IP 与全局维度全站生效，会话
// 维度只在受治理端点计数）；受治理的 POST 请求再过成本预估与
// 预算准入。预估失败放行（fail-open），预算存储故障拒绝
// （fail-closed）。拒绝的请求不产生任何计费事件。
type Middleware struct {
	limiter   *ratelimit.Limiter
	estimator *pricing.Estimator
	budgets   *budget.Ledger
	cache     *EstimateCache
	collector *metrics.Collector
	extractor Extractor
	logger    *zap.Logger
}

// NewMiddleware 创建治理中间件
func NewMiddleware(
	limiter *ratelimit.Limiter,
	estimator *pricing.Estimator,
	budgets *budget.Ledger,
	cache *EstimateCache,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Middleware {
	return &Middleware{
		limiter:   limiter,
		estimator: estimator,
		budgets:   budgets,
		cache:     cache,
		collector: collector,
		extractor: DefaultExtractor,
		logger:    logger.With(zap.String("component", "governance")),
	}
}

// SetExtractor 覆盖请求体解析逻辑
func (m *Middleware) SetExtractor(ex Extractor) {
	m.extractor = ex
}

// Wrap 将治理逻辑套在下游 handler 外层
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 关联 ID：缺失时生成，所有响应都回显
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)

		snap := reqctx.Snapshot{
			RequestID: requestID,
			UserID:    r.Header.Get(HeaderUserID),
			TenantID:  r.Header.Get(HeaderTenantID),
		}
		r = r.WithContext(reqctx.NewContext(r.Context(), snap))

		if m.limiter.Bypass(r.Header.Get(HeaderAdminToken)) {
			m.logger.Info("admin bypass",
				zap.String("request_id", requestID),
				zap.String("path", r.URL.Path))
			next.ServeHTTP(w, r)
			return
		}

		if gerr := m.checkRateLimit(w, r, requestID); gerr != nil {
			m.deny(w, gerr)
			return
		}

		// 预算准入只套在受治理的变更型端点
		if r.Method == http.MethodPost && m.limiter.Governed(r.URL.Path) {
			if gerr := m.checkBudget(w, r, requestID, snap.UserID); gerr != nil {
				m.deny(w, gerr)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// checkRateLimit 限流判定；拒绝时返回类别化错误
func (m *Middleware) checkRateLimit(w http.ResponseWriter, r *http.Request, requestID string) *Error {
	sessionKey := r.Header.Get(HeaderSessionKey)
	if sessionKey == "" {
		sessionKey = r.Header.Get("Authorization")
	}

	result := m.limiter.Check(r.Context(), clientIP(r), sessionKey, r.URL.Path)
	for k, v := range result.Headers() {
		w.Header().Set(k, v)
	}

	if result.Degraded {
		m.collector.RecordDegraded("rate_limit")
	}

	if result.Allowed {
		return nil
	}

	m.collector.RecordAdmission("rate_limited")
	m.collector.RecordRateLimitDenied(string(result.Scope), r.URL.Path)
	m.logger.Warn("rate limit exceeded",
		zap.String("request_id", requestID),
		zap.String("scope", string(result.Scope)),
		zap.String("path", r.URL.Path))

	message := fmt.Sprintf("Too many requests. Limit: %d per %s. Try again in %d seconds.",
		result.Rule.Requests, result.Rule.Window, result.RetryAfter())
	return NewError(KindRateLimited, message, nil).
		WithDetails(map[string]any{"retry_after": result.RetryAfter()})
}

// checkBudget 预估 + 预算准入；拒绝时返回类别化错误
func (m *Middleware) checkBudget(w http.ResponseWriter, r *http.Request, requestID, userID string) *Error {
	est, estErr := m.estimateRequest(r, requestID)
	if estErr != nil {
		// 预估失败放行：预估保护的是预算，不是正确性
		m.collector.RecordDegraded("estimation")
		m.collector.RecordAdmission("allowed")
		m.logger.Warn("estimation unavailable, admitting without budget check",
			zap.String("request_id", requestID),
			zap.Error(estErr))
		return nil
	}

	w.Header().Set(HeaderEstimatedCost, fmt.Sprintf("%.6f", est.TotalCostUSD))
	w.Header().Set(HeaderEstimatedTokens, strconv.Itoa(est.TotalTokens))
	w.Header().Set(HeaderModelUsed, est.Model)
	if est.Unpriced {
		w.Header().Set(HeaderCostNote, "model not priced, estimate is zero")
	}
	m.collector.RecordEstimate(est.Model, est.TotalCostUSD)

	decision, err := m.budgets.CanAfford(r.Context(), userID, est.TotalCostUSD)
	switch {
	case errors.Is(err, budget.ErrNoBudget):
		m.collector.RecordAdmission("no_budget")
		m.logger.Warn("request without budget row denied",
			zap.String("request_id", requestID),
			zap.String("user_id", userID))
		m.setBudgetDeniedHeaders(w, est)
		return NewError(KindNoBudget,
			"No budget configured for this user. Contact your administrator.", err).
			WithDetails(map[string]any{
				"estimated_cost": est.TotalCostUSD,
				"suggestion":     "Ask an administrator to provision a budget tier for this user.",
			})

	case err != nil:
		// 存储故障 fail-closed：预算层失明时不放钱出门
		m.collector.RecordAdmission("error")
		m.logger.Error("budget check failed",
			zap.String("request_id", requestID),
			zap.String("user_id", userID),
			zap.Error(err))
		return NewError(KindStorage, "Unable to verify budget. Please retry shortly.", err)

	case !decision.Allowed:
		m.collector.RecordAdmission("budget_exceeded")
		m.collector.RecordBudgetDenied(string(decision.Period))
		m.logger.Warn("budget exceeded",
			zap.String("request_id", requestID),
			zap.String("user_id", userID),
			zap.String("period", string(decision.Period)),
			zap.Float64("estimated_cost", est.TotalCostUSD))
		m.setBudgetDeniedHeaders(w, est)
		return NewError(KindBudgetExceeded, decision.Reason, nil).
			WithDetails(map[string]any{
				"estimated_cost": est.TotalCostUSD,
				"suggestion":     "Try a shorter idea description or a cheaper model.",
			})
	}

	m.cache.Put(r.Context(), requestID, est)
	m.collector.RecordAdmission("allowed")
	return nil
}

// setBudgetDeniedHeaders 预算类拒绝共用的响应头
func (m *Middleware) setBudgetDeniedHeaders(w http.ResponseWriter, est pricing.Estimate) {
	w.Header().Set(HeaderBudgetExceeded, "true")
	w.Header().Set(HeaderEstimatedCostDenied, fmt.Sprintf("%.6f", est.TotalCostUSD))
}

// deny 按策略表把类别化错误写成拒绝响应
func (m *Middleware) deny(w http.ResponseWriter, gerr *Error) {
	policy, ok := denialPolicy[KindOf(gerr)]
	if !ok {
		policy = denialEntry{http.StatusInternalServerError, "Internal error", "INTERNAL_ERROR"}
	}

	body := map[string]any{
		"error":      policy.label,
		"message":    gerr.Message,
		"error_code": policy.code,
	}
	for k, v := range gerr.Details {
		body[k] = v
	}
	writeJSON(w, policy.status, body)
}

// estimateRequest 读取请求体做预估，并原样放回 body 供下游消费
func (m *Middleware) estimateRequest(r *http.Request, requestID string) (pricing.Estimate, *Error) {
	if r.Body == nil {
		return pricing.Estimate{}, NewError(KindEstimation, "request has no body", nil)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return pricing.Estimate{}, NewError(KindEstimation, "read request body failed", err)
	}

	text, model := m.extractor(body)
	if text == "" {
		return pricing.Estimate{}, NewError(KindEstimation, "no estimable text in request", nil)
	}
	if model == "" {
		model = r.Header.Get(HeaderModel)
	}
	if model == "" {
		model = defaultModel
	}

	return m.estimator.EstimateCost(text, model), nil
}

// clientIP 取真实客户端 IP，优先代理头
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
