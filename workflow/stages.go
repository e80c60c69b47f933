package workflow

import (
	"context"
	"fmt"
	"strings"
)

// =============================================================================
// 🧠 内置阶段实现
// =============================================================================

// RegisterBuiltinStages 注册内置的规则型阶段实现
//
// 不依赖外部模型服务，基于想法文本产出结构化分析。
// 接入真实模型时按 StageKey 覆盖注册即可，引擎与结算
// 逻辑不感知实现差异。
func RegisterBuiltinStages(r *Registry) {
	r.Register(StageKey{Stage: StageMarket}, InvocableFunc(marketStage))
	r.Register(StageKey{Stage: StageFinance}, InvocableFunc(financeStage))
	r.Register(StageKey{Stage: StageProduct}, InvocableFunc(productStage))
	r.Register(StageKey{Stage: StageSummary}, InvocableFunc(summaryStage))
}

func marketStage(ctx context.Context, in Input) (Output, error) {
	idea := strings.TrimSpace(in.Text)
	if idea == "" {
		return Output{}, fmt.Errorf("empty idea text: %w", ErrRetryable)
	}

	audience := "general consumers"
	if strings.Contains(strings.ToLower(idea), "b2b") || strings.Contains(strings.ToLower(idea), "enterprise") {
		audience = "business customers"
	}

	text := fmt.Sprintf(
		"Market analysis: the idea (%s) targets %s. "+
			"Adoption depends on differentiation from incumbents and a clear acquisition channel. "+
			"Recommend validating demand with a landing-page test before committing build resources.",
		truncate(idea, 120), audience)

	return Output{
		Text: text,
		Fields: map[string]any{
			"audience": audience,
		},
	}, nil
}

func financeStage(ctx context.Context, in Input) (Output, error) {
	market := in.Upstream[StageMarket]
	text := fmt.Sprintf(
		"Financial assessment: assuming a lean launch, expect 6-12 months to first revenue. "+
			"Primary cost drivers are customer acquisition and infrastructure. "+
			"Market context considered: %s",
		truncate(market, 160))
	return Output{Text: text}, nil
}

func productStage(ctx context.Context, in Input) (Output, error) {
	text := fmt.Sprintf(
		"Product assessment: start with a single-feature MVP derived from the core promise of %q. "+
			"Defer platform work until retention is proven.",
		truncate(strings.TrimSpace(in.Text), 100))
	return Output{Text: text}, nil
}

func summaryStage(ctx context.Context, in Input) (Output, error) {
	var b strings.Builder
	b.WriteString("Overall evaluation:\n")
	for _, stage := range []string{StageMarket, StageFinance, StageProduct} {
		if out := in.Upstream[stage]; out != "" {
			fmt.Fprintf(&b, "- %s: %s\n", stage, truncate(out, 200))
		}
	}
	b.WriteString("Verdict: promising with caveats; validate demand before scaling.")
	return Output{Text: b.String()}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
