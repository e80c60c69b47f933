package api

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ventureval/ventureval/api/handlers"
	"github.com/ventureval/ventureval/internal/budget"
	"github.com/ventureval/ventureval/internal/costledger"
	"github.com/ventureval/ventureval/internal/events"
	"github.com/ventureval/ventureval/internal/governance"
	"github.com/ventureval/ventureval/internal/metrics"
	"github.com/ventureval/ventureval/workflow"
)

// =============================================================================
// 🧭 路由装配
// =============================================================================

// RouterDeps 路由依赖
type RouterDeps struct {
	Engine     *workflow.Engine
	Broker     *events.Broker
	Costs      *costledger.Ledger
	Budgets    *budget.Ledger
	Governance *governance.Middleware
	Collector  *metrics.Collector
	Logger     *zap.Logger

	// 版本信息，/version 返回
	Version   string
	BuildTime string
	GitCommit string

	// 健康检查，按名字注册
	HealthChecks []handlers.HealthCheck
}

// NewRouter 装配完整的 HTTP 路由
//
// 治理中间件套在业务路由外层，指标采集再套最外层，
// 被限流/预算拒绝的请求同样计入 HTTP 指标。
func NewRouter(deps RouterDeps) http.Handler {
	mux := http.NewServeMux()

	evaluate := handlers.NewEvaluateHandler(deps.Engine, deps.Logger)
	eventsH := handlers.NewEventsHandler(deps.Broker, deps.Logger)
	cost := handlers.NewCostHandler(deps.Costs, deps.Budgets, deps.Logger)
	health := handlers.NewHealthHandler(deps.Logger)
	for _, check := range deps.HealthChecks {
		health.RegisterCheck(check)
	}

	mux.HandleFunc("POST /api/evaluate", evaluate.HandleEvaluate)
	mux.HandleFunc("GET /api/events/{request_id}", eventsH.HandleStream)

	mux.HandleFunc("GET /api/cost/summary", cost.HandleSummary)
	mux.HandleFunc("GET /api/cost/requests/{request_id}", cost.HandleRequestEvents)
	mux.HandleFunc("GET /api/cost/requests/{request_id}/by", cost.HandleGroupBy)
	mux.HandleFunc("GET /api/budget/{user_id}", cost.HandleGetBudget)
	mux.HandleFunc("PUT /api/budget/{user_id}", cost.HandleProvisionBudget)

	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(deps.Version, deps.BuildTime, deps.GitCommit))

	if deps.Collector != nil {
		mux.Handle("GET /metrics", deps.Collector.Handler())
	}

	var handler http.Handler = mux
	if deps.Governance != nil {
		handler = deps.Governance.Wrap(handler)
	}
	if deps.Collector != nil {
		handler = metricsMiddleware(deps.Collector, handler)
	}
	return handler
}

// metricsMiddleware 记录每个请求的方法、路由与时延
func metricsMiddleware(collector *metrics.Collector, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := handlers.NewResponseWriter(w)
		start := time.Now()
		next.ServeHTTP(rw, r)
		collector.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), rw.StatusCode, time.Since(start))
	})
}

// routeLabel 取路径前两段作为指标标签，避免请求 ID 撑爆基数
func routeLabel(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(parts) >= 2 && parts[1] != "" {
		return "/" + parts[0] + "/" + parts[1]
	}
	return "/" + parts[0]
}
