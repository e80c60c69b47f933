package pricing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEstimator(t *testing.T) *Estimator {
	t.Helper()
	logger := zap.NewNop()
	return NewEstimator(NewTable(), NewTokenCounter(logger), logger)
}

func TestTable_GetPrefixMatch(t *testing.T) {
	table := NewTable()

	// 精确匹配
	p, ok := table.Get("gpt-4")
	require.True(t, ok)
	assert.Equal(t, 0.03, p.InputPer1K)

	// 版本化模型名落到最长前缀
	p, ok = table.Get("gpt-4o-2024-05-13")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o", p.Model)

	_, ok = table.Get("claude-3-opus")
	assert.False(t, ok)
}

func TestTable_Cost(t *testing.T) {
	table := NewTable()

	cost, ok := table.Cost("gpt-3.5-turbo", 1000, 1000)
	require.True(t, ok)
	assert.InDelta(t, 0.0015+0.002, cost, 1e-9)

	_, ok = table.Cost("unknown-model", 100, 100)
	assert.False(t, ok)
}

func TestTokenCounter_Deterministic(t *testing.T) {
	counter := NewTokenCounter(zap.NewNop())

	text := "Evaluate this startup idea: a subscription service for plants."
	first := counter.Count(text, "gpt-4")
	second := counter.Count(text, "gpt-4")

	assert.Equal(t, first, second)
	assert.Greater(t, first, 0)
	assert.Equal(t, 0, counter.Count("", "gpt-4"))
}

func TestTokenCounter_CountBatch(t *testing.T) {
	counter := NewTokenCounter(zap.NewNop())

	counts := counter.CountBatch([]string{"one", "two words here", ""}, "gpt-3.5-turbo")
	require.Len(t, counts, 3)
	assert.Greater(t, counts[1], counts[0])
	assert.Equal(t, 0, counts[2])
}

func TestEstimateCost_PricedModel(t *testing.T) {
	est := newTestEstimator(t).EstimateCost("Analyze the market for this idea in detail.", "gpt-4")

	assert.False(t, est.Unpriced)
	assert.Greater(t, est.InputTokens, 0)
	assert.Greater(t, est.OutputTokens, 0)
	assert.Equal(t, est.InputTokens+est.OutputTokens, est.TotalTokens)
	assert.Greater(t, est.TotalCostUSD, 0.0)
	assert.InDelta(t, est.InputCostUSD+est.OutputCost, est.TotalCostUSD, 1e-9)
}

func TestEstimateCost_UnpricedModelIsZero(t *testing.T) {
	// 未定价模型不报错：零成本 + Unpriced 标记
	est := newTestEstimator(t).EstimateCost("some prompt", "llama-70b-local")

	assert.True(t, est.Unpriced)
	assert.Zero(t, est.TotalCostUSD)
	assert.Greater(t, est.InputTokens, 0)
}

func TestEstimateResponseTokens_Bounds(t *testing.T) {
	e := newTestEstimator(t)

	// 极短输入也至少预估 50 tokens 输出
	short := e.EstimateCost("hi", "gpt-3.5-turbo")
	assert.GreaterOrEqual(t, short.OutputTokens, 50)

	// 超长输入的输出预估不会超过 2000
	long := e.EstimateCost(strings.Repeat("analyze the comprehensive detailed breakdown ", 500), "gpt-4")
	assert.LessOrEqual(t, long.OutputTokens, 2000)
	assert.LessOrEqual(t, float64(long.OutputTokens), float64(long.InputTokens)*3.0)
}

func TestEstimateResponseTokens_ComplexityCues(t *testing.T) {
	e := newTestEstimator(t)

	// 同一模型下，复杂提示词的输出预估高于简短提示词
	verbose := e.EstimateCost("Please analyze and provide a comprehensive detailed breakdown of the market opportunity", "gpt-3.5-turbo")
	terse := e.EstimateCost("Briefly give a quick simple summary of the market opportunity please thanks", "gpt-3.5-turbo")

	ratioVerbose := float64(verbose.OutputTokens) / float64(verbose.InputTokens)
	ratioTerse := float64(terse.OutputTokens) / float64(terse.InputTokens)
	assert.Greater(t, ratioVerbose, ratioTerse)
}

func TestActualCost_MatchesEstimateForSameUsage(t *testing.T) {
	e := newTestEstimator(t)

	est := e.EstimateWithOutput("describe the plan", "gpt-4", 300)
	actual, ok := e.ActualCost("gpt-4", est.InputTokens, 300)

	require.True(t, ok)
	assert.InDelta(t, est.TotalCostUSD, actual, 1e-6)

	_, ok = e.ActualCost("unknown-model", 100, 100)
	assert.False(t, ok)
}

func TestRecommendModel(t *testing.T) {
	e := newTestEstimator(t)

	// 预算充裕时推荐预算内最贵的模型
	rich := e.RecommendModel("evaluate this idea", 10.0, 500)
	require.NotEmpty(t, rich.RecommendedModel)
	assert.Greater(t, rich.AffordableCount, 1)
	for _, opt := range rich.Options {
		if opt.WithinBudget {
			assert.LessOrEqual(t, opt.TotalCostUSD, rich.RecommendedCost)
		}
	}

	// 预算为零时没有可推荐模型
	broke := e.RecommendModel("evaluate this idea", 0.0, 500)
	assert.Empty(t, broke.RecommendedModel)
	assert.Zero(t, broke.AffordableCount)
	assert.NotEmpty(t, broke.Reason)
}

func TestValidateContext(t *testing.T) {
	e := newTestEstimator(t)

	v := e.ValidateContext("a short pitch", "gpt-4")
	assert.True(t, v.Valid)
	assert.Equal(t, "optimal", v.Status)

	// 超出 gpt-3.5-turbo 的 4096 上下文
	huge := strings.Repeat("market analysis for the startup idea ", 2000)
	v = e.ValidateContext(huge, "gpt-3.5-turbo")
	assert.False(t, v.Valid)
	assert.Equal(t, "too_long", v.Status)

	v = e.ValidateContext("anything", "no-such-model")
	assert.False(t, v.Valid)
	assert.Equal(t, "unknown_model", v.Status)
}
