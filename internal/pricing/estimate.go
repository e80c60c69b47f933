package pricing

import (
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 📐 成本估算器
// =============================================================================

// Estimate 一次请求的成本预估明细
type Estimate struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"estimated_output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	InputCostUSD float64 `json:"input_cost_usd"`
	OutputCost   float64 `json:"output_cost_usd"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Model        string  `json:"model"`

	// Unpriced 表示模型缺少价格信息；此时成本为零而非报错
	Unpriced bool `json:"unpriced,omitempty"`

	EstimatedAt time.Time `json:"estimated_at"`
}

// complexityCues 输出长度启发式的提示词权重
var complexityCues = map[string]float64{
	"analyze":       0.6,
	"breakdown":     0.5,
	"comprehensive": 0.7,
	"detailed":      0.4,
	"explain":       0.3,
	"compare":       0.4,
	"evaluate":      0.5,
	"summary":       -0.2,
	"briefly":       -0.3,
	"quick":         -0.2,
	"simple":        -0.2,
}

// modelResponseFactors 不同模型的回复冗长程度系数
var modelResponseFactors = map[string]float64{
	"gpt-4":         1.3,
	"gpt-4-turbo":   1.2,
	"gpt-4-32k":     1.4,
	"gpt-4o":        1.2,
	"gpt-4o-mini":   1.0,
	"gpt-3.5-turbo": 1.0,
}

// Estimator 预估执行成本并计算实际成本
type Estimator struct {
	table   *Table
	counter *TokenCounter
	logger  *zap.Logger
}

// NewEstimator 创建成本估算器
func NewEstimator(table *Table, counter *TokenCounter, logger *zap.Logger) *Estimator {
	return &Estimator{
		table:   table,
		counter: counter,
		logger:  logger.With(zap.String("component", "cost_estimator")),
	}
}

// CountTokens 返回文本的确定性 token 计数
func (e *Estimator) CountTokens(text, model string) int {
	return e.counter.Count(text, model)
}

// EstimateCost 预估一次请求的成本，输出长度由启发式推导
func (e *Estimator) EstimateCost(inputText, model string) Estimate {
	inputTokens := e.counter.Count(inputText, model)
	outputTokens := e.estimateResponseTokens(inputText, inputTokens, model)
	return e.EstimateWithOutput(inputText, model, outputTokens)
}

// EstimateWithOutput 用给定的输出 token 数预估成本
func (e *Estimator) EstimateWithOutput(inputText, model string, outputTokens int) Estimate {
	inputTokens := e.counter.Count(inputText, model)

	est := Estimate{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		Model:        model,
		EstimatedAt:  time.Now().UTC(),
	}

	p, ok := e.table.Get(model)
	if !ok {
		// 缺价格不阻断调用方：零成本 + 标记
		est.Unpriced = true
		e.logger.Warn("no pricing for model, returning unpriced estimate",
			zap.String("model", model))
		return est
	}

	est.InputCostUSD = round6(float64(inputTokens) / 1000 * p.InputPer1K)
	est.OutputCost = round6(float64(outputTokens) / 1000 * p.OutputPer1K)
	est.TotalCostUSD = round6(est.InputCostUSD + est.OutputCost)
	return est
}

// ActualCost 按实际 token 用量计算成本；模型未定价时返回 (0, false)
func (e *Estimator) ActualCost(model string, promptTokens, completionTokens int) (float64, bool) {
	cost, ok := e.table.Cost(model, promptTokens, completionTokens)
	if !ok {
		return 0, false
	}
	return round6(cost), true
}

// estimateResponseTokens 估算回复长度
//
// 输入长度、复杂度提示词、问号数量和模型冗长系数共同决定基准值，
// 最终收敛到 [max(50, 0.2x), min(2000, 3.0x)] 区间，防止病态输入
// 产生失控的预估。
func (e *Estimator) estimateResponseTokens(inputText string, inputTokens int, model string) int {
	complexity := 1.0

	if inputTokens > 500 {
		complexity += 0.5
	} else if inputTokens > 200 {
		complexity += 0.2
	}

	lower := strings.ToLower(inputText)
	for cue, weight := range complexityCues {
		if strings.Contains(lower, cue) {
			complexity += weight
		}
	}

	if strings.Count(inputText, "?") > 1 {
		complexity += 0.2
	}

	complexity = clamp(complexity, 0.5, 2.5)

	factor := 1.0
	for prefix, f := range modelResponseFactors {
		if strings.HasPrefix(model, prefix) {
			factor = f
		}
	}

	base := float64(inputTokens) * complexity * factor
	minResp := math.Max(50, float64(inputTokens)*0.2)
	maxResp := math.Min(2000, float64(inputTokens)*3.0)
	if maxResp < minResp {
		maxResp = minResp
	}

	return int(clamp(base, minResp, maxResp))
}

// =============================================================================
// 🧭 模型推荐与上下文校验
// =============================================================================

// ModelOption 预算内模型比较项
type ModelOption struct {
	Model        string  `json:"model"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	WithinBudget bool    `json:"within_budget"`
	MaxTokens    int     `json:"max_tokens"`
}

// Recommendation 预算约束下的模型推荐
type Recommendation struct {
	RecommendedModel string        `json:"recommended_model"`
	RecommendedCost  float64       `json:"recommended_cost"`
	BudgetUSD        float64       `json:"budget_usd"`
	InputTokens      int           `json:"input_tokens"`
	Options          []ModelOption `json:"all_options"`
	AffordableCount  int           `json:"affordable_count"`
	Reason           string        `json:"reason"`
}

// RecommendModel 在预算内推荐质量最高的模型（价高视为质优）
func (e *Estimator) RecommendModel(inputText string, budgetUSD float64, outputTokens int) Recommendation {
	inputTokens := e.counter.Count(inputText, "gpt-3.5-turbo")

	var options []ModelOption
	for _, name := range e.table.Models() {
		p, _ := e.table.Get(name)
		if inputTokens > p.RecommendedMaxInput {
			continue
		}
		cost, _ := e.table.Cost(name, inputTokens, outputTokens)
		options = append(options, ModelOption{
			Model:        name,
			TotalCostUSD: round6(cost),
			WithinBudget: cost <= budgetUSD,
			MaxTokens:    p.MaxTokens,
		})
	}
	sort.Slice(options, func(i, j int) bool { return options[i].TotalCostUSD < options[j].TotalCostUSD })

	rec := Recommendation{
		BudgetUSD:   budgetUSD,
		InputTokens: inputTokens,
		Options:     options,
	}
	for _, opt := range options {
		if opt.WithinBudget {
			rec.AffordableCount++
			// 价格升序遍历，留下的是预算内最贵的
			rec.RecommendedModel = opt.Model
			rec.RecommendedCost = opt.TotalCostUSD
		}
	}
	switch {
	case rec.RecommendedModel == "" && len(options) > 0:
		rec.Reason = "No models fit within budget. Consider increasing budget or reducing input length."
	case rec.RecommendedModel == "":
		rec.Reason = "Input exceeds the context limits of all priced models."
	default:
		rec.Reason = "Highest quality model within budget."
	}
	return rec
}

// ContextValidation 上下文长度校验结果
type ContextValidation struct {
	Valid               bool   `json:"valid"`
	Status              string `json:"status"` // optimal / acceptable / too_long
	Reason              string `json:"reason"`
	TokenCount          int    `json:"token_count"`
	MaxTokens           int    `json:"max_tokens"`
	RecommendedMaxInput int    `json:"recommended_max_input"`
}

// ValidateContext 校验文本是否适合模型的上下文窗口
func (e *Estimator) ValidateContext(text, model string) ContextValidation {
	count := e.counter.Count(text, model)

	p, ok := e.table.Get(model)
	if !ok {
		return ContextValidation{
			Valid:      false,
			Status:     "unknown_model",
			Reason:     "unknown model: " + model,
			TokenCount: count,
		}
	}

	v := ContextValidation{
		TokenCount:          count,
		MaxTokens:           p.MaxTokens,
		RecommendedMaxInput: p.RecommendedMaxInput,
	}
	switch {
	case count <= p.RecommendedMaxInput:
		v.Valid = true
		v.Status = "optimal"
		v.Reason = "text fits comfortably within recommended limit"
	case count <= p.MaxTokens:
		v.Valid = true
		v.Status = "acceptable"
		v.Reason = "text fits but leaves little room for response"
	default:
		v.Status = "too_long"
		v.Reason = "text exceeds the model's maximum context length"
	}
	return v
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
