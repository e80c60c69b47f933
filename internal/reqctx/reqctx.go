// Package reqctx provides request-scoped identity propagation.
// This package is internal and should not be imported by external projects.
package reqctx

import "context"

// contextKey 用于在 context 中存储快照的键类型
type contextKey struct{}

var snapshotKey contextKey

// Snapshot 请求级身份快照（不可变，写时复制）
//
// 每次修改都产生新的快照，兄弟 goroutine 永远不会观察到
// 彼此进行中的修改。缺失快照等价于空快照。
type Snapshot struct {
	// 请求 ID（对外关联键，对应 x-request-id）
	RequestID string

	// 用户 ID
	UserID string

	// 租户 ID
	TenantID string

	// 当前工作流节点 ID
	GraphNodeID string

	// 当前 Agent ID
	AgentID string

	// 提示词 ID
	PromptID string

	// InFlight 表示当前请求已有顶层受治理调用在执行中。
	// 嵌套调用据此抑制重复的 started/finished 事件。
	InFlight bool

	// 附加键值（浅拷贝传播）
	extra map[string]string
}

// FromContext 返回 context 中的快照；不存在时返回空快照
func FromContext(ctx context.Context) Snapshot {
	if ctx == nil {
		return Snapshot{}
	}
	if s, ok := ctx.Value(snapshotKey).(Snapshot); ok {
		return s
	}
	return Snapshot{}
}

// NewContext 将快照安装到 context 中
//
// 跨 goroutine 边界时必须由调用方显式捕获快照并在对端重新安装，
// 快照不会随 goroutine 自动继承。
func NewContext(ctx context.Context, s Snapshot) context.Context {
	return context.WithValue(ctx, snapshotKey, s)
}

// Merge 返回合并了 partial 中非零字段的新快照（读-合并-写）
func (s Snapshot) Merge(partial Snapshot) Snapshot {
	out := s.clone()
	if partial.RequestID != "" {
		out.RequestID = partial.RequestID
	}
	if partial.UserID != "" {
		out.UserID = partial.UserID
	}
	if partial.TenantID != "" {
		out.TenantID = partial.TenantID
	}
	if partial.GraphNodeID != "" {
		out.GraphNodeID = partial.GraphNodeID
	}
	if partial.AgentID != "" {
		out.AgentID = partial.AgentID
	}
	if partial.PromptID != "" {
		out.PromptID = partial.PromptID
	}
	if partial.InFlight {
		out.InFlight = true
	}
	for k, v := range partial.extra {
		out.extra[k] = v
	}
	return out
}

// WithNode 返回设置了节点与 Agent 的新快照
func (s Snapshot) WithNode(graphNodeID, agentID string) Snapshot {
	out := s.clone()
	out.GraphNodeID = graphNodeID
	out.AgentID = agentID
	return out
}

// WithInFlight 返回标记了顶层调用进行中的新快照
func (s Snapshot) WithInFlight() Snapshot {
	out := s.clone()
	out.InFlight = true
	return out
}

// WithValue 返回附加了任意键值的新快照
func (s Snapshot) WithValue(key, value string) Snapshot {
	out := s.clone()
	out.extra[key] = value
	return out
}

// Value 返回附加键值；不存在时返回空串
func (s Snapshot) Value(key string) string {
	return s.extra[key]
}

// IsZero 报告快照是否为空
func (s Snapshot) IsZero() bool {
	return s.RequestID == "" && s.UserID == "" && s.TenantID == "" &&
		s.GraphNodeID == "" && s.AgentID == "" && s.PromptID == "" &&
		!s.InFlight && len(s.extra) == 0
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.extra = make(map[string]string, len(s.extra)+1)
	for k, v := range s.extra {
		out.extra[k] = v
	}
	return out
}
