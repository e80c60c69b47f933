package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ventureval/ventureval/api"
	"github.com/ventureval/ventureval/api/handlers"
	"github.com/ventureval/ventureval/config"
	"github.com/ventureval/ventureval/internal/budget"
	"github.com/ventureval/ventureval/internal/costledger"
	"github.com/ventureval/ventureval/internal/database"
	"github.com/ventureval/ventureval/internal/events"
	"github.com/ventureval/ventureval/internal/governance"
	"github.com/ventureval/ventureval/internal/metrics"
	"github.com/ventureval/ventureval/internal/pricing"
	"github.com/ventureval/ventureval/internal/ratelimit"
	"github.com/ventureval/ventureval/internal/server"
	"github.com/ventureval/ventureval/workflow"
)

// =============================================================================
// 🏗️ 应用装配
// =============================================================================

// App 组装好的完整应用
type App struct {
	cfg     *config.Config
	pool    *database.PoolManager
	client  *redis.Client
	manager *server.Manager
	watcher *config.ReloadWatcher
	cancel  context.CancelFunc
	logger  *zap.Logger
}

// newApp 装配全部组件
func newApp(cfg *config.Config, loader *config.Loader, configPath string, logger *zap.Logger) (*App, error) {
	// 数据库与表结构
	pool, err := database.Open(cfg.DatabaseOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	budgets := budget.NewLedger(pool.DB(), logger)
	costs := costledger.NewLedger(pool.DB(), logger)
	if err := budgets.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrate budget tables: %w", err)
	}
	if err := costs.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrate cost tables: %w", err)
	}

	// Redis：限流、事件流与预估缓存共用一个客户端
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})

	collector := metrics.NewCollector("ventureval", logger)
	estimator := pricing.NewEstimator(pricing.NewTable(), pricing.NewTokenCounter(logger), logger)
	broker := events.NewBroker(client, logger)
	cache := governance.NewEstimateCache(client, logger)

	// Redis 探活失败时退回进程内限流存储
	store := ratelimit.SelectStore(context.Background(), client, logger)
	if !cfg.RateLimit.Enabled {
		logger.Warn("rate limiting disabled by config")
	}
	limiter := ratelimit.NewLimiter(store, cfg.RateLimitRules(), logger)

	// 预算告警进指标与日志
	budgets.OnAlert(func(alert budget.Alert) {
		collector.RecordBudgetAlert(string(alert.Period), fmt.Sprintf("%.0f%%", alert.Threshold*100))
		logger.Warn("budget threshold crossed",
			zap.String("user_id", alert.UserID),
			zap.String("period", string(alert.Period)),
			zap.Float64("threshold", alert.Threshold),
			zap.Float64("spent_usd", alert.SpentUSD),
			zap.Float64("limit_usd", alert.LimitUSD))
	})

	registry := workflow.NewRegistry()
	workflow.RegisterBuiltinStages(registry)
	engine := workflow.NewEngine(registry, costs, budgets, estimator, broker, collector,
		cfg.EngineOptions(), logger)
	engine.SetEstimateSource(cache)

	var gov *governance.Middleware
	if cfg.RateLimit.Enabled {
		gov = governance.NewMiddleware(limiter, estimator, budgets, cache, collector, logger)
	}

	handler := api.NewRouter(api.RouterDeps{
		Engine:     engine,
		Broker:     broker,
		Costs:      costs,
		Budgets:    budgets,
		Governance: gov,
		Collector:  collector,
		Logger:     logger,
		Version:    Version,
		BuildTime:  BuildTime,
		GitCommit:  GitCommit,
		HealthChecks: []handlers.HealthCheck{
			handlers.NewPingCheck("database", pool.Ping),
			handlers.NewPingCheck("redis", func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			}),
		},
	})

	manager := server.NewManager(handler, serverOptions(cfg), logger)

	app := &App{
		cfg:     cfg,
		pool:    pool,
		client:  client,
		manager: manager,
		logger:  logger,
	}

	// 配置文件监听：变更记录日志，涉及端口/存储的改动需重启生效
	if configPath != "" {
		app.watcher = config.NewReloadWatcher(loader, configPath, cfg, logger)
		app.watcher.OnReload(func(oldCfg, newCfg *config.Config) {
			logger.Info("config file changed; restart required for server, database and rate limit changes")
		})
	}

	return app, nil
}

// serverOptions 转换服务器配置
func serverOptions(cfg *config.Config) server.Config {
	sc := server.DefaultConfig()
	sc.Addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	if cfg.Server.ReadTimeout > 0 {
		sc.ReadTimeout = cfg.Server.ReadTimeout
	}
	sc.WriteTimeout = cfg.Server.WriteTimeout
	if cfg.Server.ShutdownTimeout > 0 {
		sc.ShutdownTimeout = cfg.Server.ShutdownTimeout
	}
	return sc
}

// Start 启动 HTTP 服务与配置监听
func (a *App) Start() error {
	if err := a.manager.Start(); err != nil {
		return err
	}
	if a.watcher != nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		if err := a.watcher.Start(ctx); err != nil {
			a.logger.Warn("config watcher failed to start", zap.Error(err))
		}
	}
	a.logger.Info("VentureVal listening", zap.String("addr", a.manager.Addr()))
	return nil
}

// WaitForShutdown 阻塞到收到退出信号并优雅关闭
func (a *App) WaitForShutdown() {
	a.manager.WaitForShutdown()
}

// Close 释放数据库与 Redis 连接
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if err := a.client.Close(); err != nil {
		a.logger.Warn("redis close failed", zap.Error(err))
	}
	if err := a.pool.Close(); err != nil {
		a.logger.Warn("database close failed", zap.Error(err))
	}
}
