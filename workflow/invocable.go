// Package workflow runs the staged startup-idea evaluation pipeline with
// per-stage cost settlement and event emission.
package workflow

import (
	"context"
	"fmt"
	"sync"
)

// =============================================================================
// 🧩 受治理调用单元
// =============================================================================

// Input 一次受治理调用的输入
type Input struct {
	// 待处理文本
	Text string

	// 模型名
	Model string

	// 上游阶段的产出，按阶段名索引
	Upstream map[string]string
}

// Usage 一次调用的 token 用量；只有 TotalTokens 时由账本拆分
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Output 一次受治理调用的产出
type Output struct {
	// 产出文本
	Text string

	// 结构化附加产出
	Fields map[string]any

	// token 用量，交给成本账本结算
	Usage Usage

	// 实际使用的模型（为空时沿用 Input.Model）
	Model string
}

// Invocable 可被治理调用的执行单元
//
// Run 的实现从 ctx 读取身份快照；不得跨调用保留可变状态。
type Invocable interface {
	Run(ctx context.Context, in Input) (Output, error)
}

// InvocableFunc 函数适配器
type InvocableFunc func(ctx context.Context, in Input) (Output, error)

// Run 实现 Invocable
func (f InvocableFunc) Run(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

// =============================================================================
// 🗂️ 阶段注册表
// =============================================================================

// StageKey 注册表键：阶段名 + 提示词 ID
type StageKey struct {
	Stage    string
	PromptID string
}

func (k StageKey) String() string {
	if k.PromptID == "" {
		return k.Stage
	}
	return k.Stage + "/" + k.PromptID
}

// Registry 按类型化键管理 Invocable，支持惰性构建
//
// 同一个键的构建只发生一次，后续取到同一实例。
type Registry struct {
	mu       sync.Mutex
	entries  map[StageKey]Invocable
	builders map[StageKey]func() Invocable
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[StageKey]Invocable),
		builders: make(map[StageKey]func() Invocable),
	}
}

// Register 直接注册一个实例
func (r *Registry) Register(key StageKey, inv Invocable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = inv
}

// RegisterBuilder 注册惰性构建器，首次 Get 时构建
func (r *Registry) RegisterBuilder(key StageKey, build func() Invocable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[key] = build
}

// Get 取出实例；有构建器时惰性构建并缓存
func (r *Registry) Get(key StageKey) (Invocable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inv, ok := r.entries[key]; ok {
		return inv, nil
	}
	if build, ok := r.builders[key]; ok {
		inv := build()
		r.entries[key] = inv
		return inv, nil
	}
	return nil, fmt.Errorf("no invocable registered for %s", key)
}

// Keys 返回所有已注册的键（含未构建的）
func (r *Registry) Keys() []StageKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[StageKey]struct{}, len(r.entries)+len(r.builders))
	for k := range r.entries {
		seen[k] = struct{}{}
	}
	for k := range r.builders {
		seen[k] = struct{}{}
	}
	keys := make([]StageKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	return keys
}
