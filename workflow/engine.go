package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ventureval/ventureval/internal/budget"
	"github.com/ventureval/ventureval/internal/costledger"
	"github.com/ventureval/ventureval/internal/events"
	"github.com/ventureval/ventureval/internal/metrics"
	"github.com/ventureval/ventureval/internal/pricing"
	"github.com/ventureval/ventureval/internal/reqctx"
)

// =============================================================================
// ⚙️ 评估流水线引擎
// =============================================================================

// 流水线阶段
const (
	StageMarket  = "market_node"
	StageFinance = "finance_node"
	StageProduct = "product_node"
	StageSummary = "summary_node"
)

// 阶段对应的 Agent 名
var stageAgents = map[string]string{
	StageMarket:  "Market Analyst",
	StageFinance: "Financial Advisor",
	StageProduct: "Product Manager",
	StageSummary: "Startup Advisor",
}

// ErrRetryable 阶段产出不可用但值得重试
var ErrRetryable = errors.New("stage output not usable")

// Sanitizer 阶段产出净化钩子（脱敏、截断等）
type Sanitizer func(stage, text string) string

// EstimateSource 按请求 ID 提供准入阶段缓存的成本预估
//
// 阶段既不报用量也没有可计数文本时，结算回退到这里。
type EstimateSource interface {
	Get(ctx context.Context, requestID string) (pricing.Estimate, bool)
}

// Config 引擎配置
type Config struct {
	// 默认模型
	Model string `yaml:"model" json:"model"`

	// 市场阶段最大尝试次数
	MaxMarketAttempts int `yaml:"max_market_attempts" json:"max_market_attempts"`
}

// DefaultConfig 返回默认引擎配置
func DefaultConfig() Config {
	return Config{
		Model:             "gpt-3.5-turbo",
		MaxMarketAttempts: 3,
	}
}

// StageResult 单个阶段的执行结果
type StageResult struct {
	Stage    string         `json:"stage"`
	Agent    string         `json:"agent"`
	Text     string         `json:"text"`
	Fields   map[string]any `json:"fields,omitempty"`
	CostUSD  float64        `json:"cost_usd"`
	Tokens   int            `json:"tokens"`
	Duration time.Duration  `json:"duration_ms"`
	Attempts int            `json:"attempts"`
}

// Result 一次完整评估的结果
type Result struct {
	RequestID    string                 `json:"request_id"`
	Stages       map[string]StageResult `json:"stages"`
	Summary      string                 `json:"summary"`
	TotalCostUSD float64                `json:"total_cost_usd"`
	TotalTokens  int                    `json:"total_tokens"`
	StartedAt    time.Time              `json:"started_at"`
	FinishedAt   time.Time              `json:"finished_at"`
}

// Engine 评估流水线引擎
//
// 市场分析先行（失败最多重试到配置上限），财务与产品分析并行，
// 最后汇总。每个阶段结束后立即结算：写成本事件、累加预算、
// 发布 finished 事件。结算失败不回滚已完成的调用。
type Engine struct {
	registry  *Registry
	costs     *costledger.Ledger
	budgets   *budget.Ledger
	estimator *pricing.Estimator
	broker    *events.Broker
	collector *metrics.Collector
	sanitize  Sanitizer
	estimates EstimateSource
	config    Config
	logger    *zap.Logger
}

// NewEngine 创建评估引擎
func NewEngine(
	registry *Registry,
	costs *costledger.Ledger,
	budgets *budget.Ledger,
	estimator *pricing.Estimator,
	broker *events.Broker,
	collector *metrics.Collector,
	config Config,
	logger *zap.Logger,
) *Engine {
	if config.Model == "" {
		config.Model = "gpt-3.5-turbo"
	}
	if config.MaxMarketAttempts <= 0 {
		config.MaxMarketAttempts = 3
	}
	return &Engine{
		registry:  registry,
		costs:     costs,
		budgets:   budgets,
		estimator: estimator,
		broker:    broker,
		collector: collector,
		config:    config,
		logger:    logger.With(zap.String("component", "workflow_engine")),
	}
}

// SetSanitizer 设置产出净化钩子
func (e *Engine) SetSanitizer(s Sanitizer) {
	e.sanitize = s
}

// SetEstimateSource 设置准入预估的回退来源
func (e *Engine) SetEstimateSource(s EstimateSource) {
	e.estimates = s
}

// Run 执行一次完整评估
func (e *Engine) Run(ctx context.Context, ideaText, model string) (*Result, error) {
	if model == "" {
		model = e.config.Model
	}

	snap := reqctx.FromContext(ctx)
	requestID := snap.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
		snap = snap.Merge(reqctx.Snapshot{RequestID: requestID})
	}

	// 嵌套调用不重复发请求级事件
	topLevel := !snap.InFlight
	ctx = reqctx.NewContext(ctx, snap.WithInFlight())

	result := &Result{
		RequestID: requestID,
		Stages:    make(map[string]StageResult),
		StartedAt: time.Now().UTC(),
	}

	if topLevel {
		// 请求级事件对共享同一个调用 ID
		rootInvocation := uuid.NewString()
		e.publish(ctx, events.Event{
			Type:         events.TypeStarted,
			InvocationID: rootInvocation,
			RequestID:    requestID,
			Payload:      map[string]any{"model": model},
		})
		defer func() {
			result.FinishedAt = time.Now().UTC()
			e.publish(ctx, events.Event{
				Type:         events.TypeFinished,
				InvocationID: rootInvocation,
				RequestID:    requestID,
				Payload: map[string]any{
					"total_cost_usd": result.TotalCostUSD,
					"total_tokens":   result.TotalTokens,
				},
			})
			e.broker.Complete(ctx, requestID, map[string]any{
				"total_cost_usd": result.TotalCostUSD,
			})
		}()
	}

	// 市场分析先行，产出不可用时重试
	market, err := e.runMarket(ctx, ideaText, model)
	if err != nil {
		return result, err
	}
	e.mergeStage(result, market)

	// 财务与产品并行，各自从市场产出出发
	upstream := map[string]string{StageMarket: market.Text}
	var finance, product StageResult

	// 显式捕获快照：兄弟阶段各自派生，互不可见
	parentSnap := reqctx.FromContext(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stageCtx := reqctx.NewContext(gctx, parentSnap)
		var err error
		finance, err = e.invokeStage(stageCtx, StageFinance, Input{
			Text: ideaText, Model: model, Upstream: upstream,
		})
		return err
	})
	g.Go(func() error {
		stageCtx := reqctx.NewContext(gctx, parentSnap)
		var err error
		product, err = e.invokeStage(stageCtx, StageProduct, Input{
			Text: ideaText, Model: model, Upstream: upstream,
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return result, err
	}
	e.mergeStage(result, finance)
	e.mergeStage(result, product)

	// 汇总
	summary, err := e.invokeStage(ctx, StageSummary, Input{
		Text:  ideaText,
		Model: model,
		Upstream: map[string]string{
			StageMarket:  market.Text,
			StageFinance: finance.Text,
			StageProduct: product.Text,
		},
	})
	if err != nil {
		return result, err
	}
	e.mergeStage(result, summary)
	result.Summary = summary.Text
	result.FinishedAt = time.Now().UTC()

	return result, nil
}

// runMarket 市场阶段，重试到配置上限
func (e *Engine) runMarket(ctx context.Context, ideaText, model string) (StageResult, error) {
	var lastErr error
	for attempt := 1; attempt <= e.config.MaxMarketAttempts; attempt++ {
		res, err := e.invokeStage(ctx, StageMarket, Input{Text: ideaText, Model: model})
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		lastErr = err
		if !errors.Is(err, ErrRetryable) {
			return res, err
		}
		e.logger.Warn("market stage retrying",
			zap.String("request_id", reqctx.FromContext(ctx).RequestID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return StageResult{Stage: StageMarket}, fmt.Errorf("market stage failed after %d attempts: %w",
		e.config.MaxMarketAttempts, lastErr)
}

// invokeStage 执行单个阶段并立即结算
func (e *Engine) invokeStage(ctx context.Context, stage string, in Input) (StageResult, error) {
	agent := stageAgents[stage]
	snap := reqctx.FromContext(ctx).WithNode(stage, agent)
	ctx = reqctx.NewContext(ctx, snap)

	invocationID := uuid.NewString()
	e.publish(ctx, events.Event{
		Type:         events.TypeStarted,
		InvocationID: invocationID,
		RequestID:    snap.RequestID,
		Agent:        agent,
		GraphNode:    stage,
	})

	inv, err := e.registry.Get(StageKey{Stage: stage})
	if err != nil {
		e.publishError(ctx, invocationID, stage, err)
		return StageResult{Stage: stage}, err
	}

	start := time.Now()
	out, err := inv.Run(ctx, in)
	duration := time.Since(start)

	if err != nil {
		e.collector.RecordStageExecution(stage, "error", duration)
		e.publishError(ctx, invocationID, stage, err)
		return StageResult{Stage: stage, Agent: agent, Duration: duration}, err
	}

	if e.sanitize != nil {
		out.Text = e.sanitize(stage, out.Text)
	}

	model := out.Model
	if model == "" {
		model = in.Model
	}

	costUSD, tokens := e.settle(ctx, snap, stage, model, in, out)

	e.collector.RecordStageExecution(stage, "success", duration)
	e.publish(ctx, events.Event{
		Type:         events.TypeFinished,
		InvocationID: invocationID,
		RequestID:    snap.RequestID,
		Agent:        agent,
		GraphNode:    stage,
		Payload: map[string]any{
			"cost_usd": costUSD,
			"tokens":   tokens,
		},
	})

	return StageResult{
		Stage:    stage,
		Agent:    agent,
		Text:     out.Text,
		Fields:   out.Fields,
		CostUSD:  costUSD,
		Tokens:   tokens,
		Duration: duration,
		Attempts: 1,
	}, nil
}

// settle 结算一个阶段：成本事件、预算累加、指标
//
// 拿不到实际用量时按输入/输出文本回退估算；连文本都没有时退到
// 准入阶段缓存的预估。结算失败只记日志，已完成的调用不回滚。
func (e *Engine) settle(ctx context.Context, snap reqctx.Snapshot, stage, model string, in Input, out Output) (float64, int) {
	usage := costledger.Usage{
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		TotalTokens:      out.Usage.TotalTokens,
	}
	note := ""
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 && usage.TotalTokens == 0 {
		usage.PromptTokens = e.estimator.CountTokens(in.Text, model)
		usage.CompletionTokens = e.estimator.CountTokens(out.Text, model)
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		note = "usage_estimated"
	}
	if usage.TotalTokens == 0 && e.estimates != nil {
		if est, ok := e.estimates.Get(ctx, snap.RequestID); ok {
			usage.PromptTokens = est.InputTokens
			usage.CompletionTokens = est.OutputTokens
			usage.TotalTokens = est.TotalTokens
			note = "usage_from_estimate"
		}
	}

	costUSD, priced := e.estimator.ActualCost(model, usage.PromptTokens, usage.CompletionTokens)
	if !priced {
		e.logger.Warn("model not priced, recording zero cost",
			zap.String("request_id", snap.RequestID),
			zap.String("model", model))
	}

	_, err := e.costs.Record(ctx, costledger.CostEvent{
		RequestID:       snap.RequestID,
		UserID:          snap.UserID,
		TenantID:        snap.TenantID,
		GraphNodeID:     stage,
		AgentID:         snap.AgentID,
		PromptID:        snap.PromptID,
		Model:           model,
		CostSnapshotUSD: costUSD,
		Success:         true,
		Note:            note,
	}, usage)
	if err != nil {
		e.logger.Error("cost event write failed",
			zap.String("request_id", snap.RequestID),
			zap.String("stage", stage),
			zap.Error(err))
	}

	if snap.UserID != "" && costUSD > 0 {
		if err := e.budgets.ApplySpend(ctx, snap.UserID, costUSD); err != nil {
			e.logger.Error("budget settlement failed",
				zap.String("request_id", snap.RequestID),
				zap.String("user_id", snap.UserID),
				zap.Error(err))
		}
	}

	e.collector.RecordActualCost(model, costUSD, usage.PromptTokens, usage.CompletionTokens)
	return costUSD, usage.TotalTokens
}

func (e *Engine) mergeStage(result *Result, sr StageResult) {
	result.Stages[sr.Stage] = sr
	result.TotalCostUSD += sr.CostUSD
	result.TotalTokens += sr.Tokens
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	e.broker.Publish(ctx, ev)
	e.collector.RecordEventPublished(ev.Type)
}

func (e *Engine) publishError(ctx context.Context, invocationID, stage string, err error) {
	snap := reqctx.FromContext(ctx)
	e.publish(ctx, events.Event{
		Type:         events.TypeError,
		InvocationID: invocationID,
		RequestID:    snap.RequestID,
		Agent:        stageAgents[stage],
		GraphNode:    stage,
		Error:        err.Error(),
	})
}
