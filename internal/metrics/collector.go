// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
//
// 持有独立的 Registry，多个实例（含测试）互不冲突。
type Collector struct {
	registry *prometheus.Registry

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 治理准入指标
	admissionTotal  *prometheus.CounterVec
	rateLimitDenied *prometheus.CounterVec
	budgetDenied    *prometheus.CounterVec
	degradedTotal   *prometheus.CounterVec

	// 成本指标
	estimatedCost *prometheus.CounterVec
	actualCost    *prometheus.CounterVec
	tokensUsed    *prometheus.CounterVec

	// 工作流指标
	stageExecutionsTotal   *prometheus.CounterVec
	stageExecutionDuration *prometheus.HistogramVec

	// 事件与预警指标
	eventsPublished *prometheus.CounterVec
	budgetAlerts    *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 治理准入指标
	c.admissionTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_total",
			Help:      "Total number of governance admission decisions",
		},
		[]string{"decision"}, // allowed, rate_limited, budget_exceeded, no_budget, error
	)

	c.rateLimitDenied = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denied_total",
			Help:      "Total number of requests denied by rate limiting",
		},
		[]string{"scope", "endpoint"},
	)

	c.budgetDenied = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_denied_total",
			Help:      "Total number of requests denied by budget enforcement",
		},
		[]string{"period"},
	)

	c.degradedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_checks_total",
			Help:      "Total number of governance checks that degraded to fail-open",
		},
		[]string{"check"}, // rate_limit, estimation
	)

	// 成本指标
	c.estimatedCost = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "estimated_cost_usd_total",
			Help:      "Total pre-flight estimated cost in USD",
		},
		[]string{"model"},
	)

	c.actualCost = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actual_cost_usd_total",
			Help:      "Total settled cost in USD",
		},
		[]string{"model"},
	)

	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"model", "type"}, // type: prompt, completion
	)

	// 工作流指标
	c.stageExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_executions_total",
			Help:      "Total number of workflow stage executions",
		},
		[]string{"graph_node", "status"},
	)

	c.stageExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_execution_duration_seconds",
			Help:      "Workflow stage execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"graph_node"},
	)

	// 事件与预警指标
	c.eventsPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of execution events published",
		},
		[]string{"type"},
	)

	c.budgetAlerts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_alerts_total",
			Help:      "Total number of budget threshold alerts",
		},
		[]string{"period", "threshold"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// Handler 返回 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层 Registry（测试用）
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🚦 治理准入指标记录
// =============================================================================

// RecordAdmission 记录一次准入判定
func (c *Collector) RecordAdmission(decision string) {
	c.admissionTotal.WithLabelValues(decision).Inc()
}

// RecordRateLimitDenied 记录限流拒绝
func (c *Collector) RecordRateLimitDenied(scope, endpoint string) {
	c.rateLimitDenied.WithLabelValues(scope, endpoint).Inc()
}

// RecordBudgetDenied 记录预算拒绝
func (c *Collector) RecordBudgetDenied(period string) {
	c.budgetDenied.WithLabelValues(period).Inc()
}

// RecordDegraded 记录降级放行
func (c *Collector) RecordDegraded(check string) {
	c.degradedTotal.WithLabelValues(check).Inc()
}

// =============================================================================
// 💰 成本指标记录
// =============================================================================

// RecordEstimate 记录预估成本
func (c *Collector) RecordEstimate(model string, costUSD float64) {
	c.estimatedCost.WithLabelValues(model).Add(costUSD)
}

// RecordActualCost 记录实际成本与 token 用量
func (c *Collector) RecordActualCost(model string, costUSD float64, promptTokens, completionTokens int) {
	c.actualCost.WithLabelValues(model).Add(costUSD)
	c.tokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	c.tokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

// =============================================================================
// 🧩 工作流指标记录
// =============================================================================

// RecordStageExecution 记录工作流阶段执行
func (c *Collector) RecordStageExecution(graphNode, status string, duration time.Duration) {
	c.stageExecutionsTotal.WithLabelValues(graphNode, status).Inc()
	c.stageExecutionDuration.WithLabelValues(graphNode).Observe(duration.Seconds())
}

// =============================================================================
// 📡 事件与预警指标记录
// =============================================================================

// RecordEventPublished 记录事件发布
func (c *Collector) RecordEventPublished(eventType string) {
	c.eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordBudgetAlert 记录预算预警
func (c *Collector) RecordBudgetAlert(period, threshold string) {
	c.budgetAlerts.WithLabelValues(period, threshold).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
