// Package pricing provides token counting and pre-flight cost estimation.
// This package is internal and should not be imported by external projects.
package pricing

import "sync"

// =============================================================================
// 💲 模型价格表
// =============================================================================

// ModelPrice 单个模型的价格信息（USD / 1K tokens）
type ModelPrice struct {
	Model string `json:"model" yaml:"model"`

	// 输入价格
	InputPer1K float64 `json:"input_per_1k" yaml:"input_per_1k"`

	// 输出价格
	OutputPer1K float64 `json:"output_per_1k" yaml:"output_per_1k"`

	// 最大上下文长度
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"`

	// 推荐最大输入长度（为输出留余量）
	RecommendedMaxInput int `json:"recommended_max_input" yaml:"recommended_max_input"`
}

// Table 线程安全的价格表
type Table struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice
}

// NewTable 创建价格表并加载默认价格
func NewTable() *Table {
	t := &Table{prices: make(map[string]ModelPrice)}
	t.loadDefaults()
	return t
}

// loadDefaults 加载默认价格（可由配置或数据库覆盖）
func (t *Table) loadDefaults() {
	defaults := []ModelPrice{
		{Model: "gpt-3.5-turbo", InputPer1K: 0.0015, OutputPer1K: 0.002, MaxTokens: 4096, RecommendedMaxInput: 3000},
		{Model: "gpt-3.5-turbo-0125", InputPer1K: 0.0005, OutputPer1K: 0.0015, MaxTokens: 4096, RecommendedMaxInput: 3000},
		{Model: "gpt-3.5-turbo-16k", InputPer1K: 0.003, OutputPer1K: 0.004, MaxTokens: 16384, RecommendedMaxInput: 12000},
		{Model: "gpt-4", InputPer1K: 0.03, OutputPer1K: 0.06, MaxTokens: 8192, RecommendedMaxInput: 6000},
		{Model: "gpt-4-32k", InputPer1K: 0.06, OutputPer1K: 0.12, MaxTokens: 32768, RecommendedMaxInput: 24000},
		{Model: "gpt-4-turbo-preview", InputPer1K: 0.01, OutputPer1K: 0.03, MaxTokens: 128000, RecommendedMaxInput: 100000},
		{Model: "gpt-4o", InputPer1K: 0.005, OutputPer1K: 0.015, MaxTokens: 128000, RecommendedMaxInput: 100000},
		{Model: "gpt-4o-mini", InputPer1K: 0.00015, OutputPer1K: 0.0006, MaxTokens: 128000, RecommendedMaxInput: 100000},
	}
	for _, p := range defaults {
		t.Set(p)
	}
}

// Set 设置模型价格
func (t *Table) Set(p ModelPrice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[p.Model] = p
}

// Get 获取模型价格（精确匹配优先，其次前缀匹配）
func (t *Table) Get(model string) (ModelPrice, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.prices[model]; ok {
		return p, true
	}

	// 前缀匹配，取最长前缀（如 "gpt-4o-2024-05-13" 匹配 "gpt-4o"）
	var best ModelPrice
	bestLen := 0
	for prefix, p := range t.prices {
		if len(model) > len(prefix) && model[:len(prefix)] == prefix && len(prefix) > bestLen {
			best = p
			bestLen = len(prefix)
		}
	}
	if bestLen > 0 {
		return best, true
	}
	return ModelPrice{}, false
}

// Models 返回已定价的模型名列表
func (t *Table) Models() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.prices))
	for name := range t.prices {
		names = append(names, name)
	}
	return names
}

// Cost 按 token 数计算成本；模型未定价时返回 (0, false)
func (t *Table) Cost(model string, promptTokens, completionTokens int) (float64, bool) {
	p, ok := t.Get(model)
	if !ok {
		return 0, false
	}
	inputCost := float64(promptTokens) / 1000 * p.InputPer1K
	outputCost := float64(completionTokens) / 1000 * p.OutputPer1K
	return inputCost + outputCost, true
}
