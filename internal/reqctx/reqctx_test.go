package reqctx

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext_Empty(t *testing.T) {
	// 缺失快照等价于空快照
	s := FromContext(context.Background())
	assert.True(t, s.IsZero())

	s = FromContext(nil)
	assert.True(t, s.IsZero())
}

func TestNewContext_RoundTrip(t *testing.T) {
	ctx := NewContext(context.Background(), Snapshot{
		RequestID: "req-1",
		UserID:    "user-1",
		TenantID:  "tenant-1",
	})

	s := FromContext(ctx)
	assert.Equal(t, "req-1", s.RequestID)
	assert.Equal(t, "user-1", s.UserID)
	assert.Equal(t, "tenant-1", s.TenantID)
}

func TestSnapshot_MergeDoesNotMutateOriginal(t *testing.T) {
	base := Snapshot{RequestID: "req-1", UserID: "user-1"}
	merged := base.Merge(Snapshot{UserID: "user-2", GraphNodeID: "market_node"})

	assert.Equal(t, "user-2", merged.UserID)
	assert.Equal(t, "market_node", merged.GraphNodeID)
	assert.Equal(t, "req-1", merged.RequestID)

	// 原快照不受影响
	assert.Equal(t, "user-1", base.UserID)
	assert.Empty(t, base.GraphNodeID)
}

func TestSnapshot_WithNode(t *testing.T) {
	base := Snapshot{RequestID: "req-1"}
	staged := base.WithNode("finance_node", "Financial Advisor")

	assert.Equal(t, "finance_node", staged.GraphNodeID)
	assert.Equal(t, "Financial Advisor", staged.AgentID)
	assert.Empty(t, base.GraphNodeID)
}

func TestSnapshot_ExtraValuesCopyOnWrite(t *testing.T) {
	base := Snapshot{}.WithValue("prompt_bundle", "v3")
	child := base.WithValue("prompt_bundle", "v4")

	assert.Equal(t, "v3", base.Value("prompt_bundle"))
	assert.Equal(t, "v4", child.Value("prompt_bundle"))
	assert.Empty(t, base.Value("missing"))
}

func TestSnapshot_SiblingGoroutinesIsolated(t *testing.T) {
	// 兄弟操作各自派生快照，互不可见
	root := NewContext(context.Background(), Snapshot{RequestID: "req-1"})

	var wg sync.WaitGroup
	results := make([]string, 2)
	nodes := []string{"market_node", "finance_node"}

	for i, node := range nodes {
		wg.Add(1)
		// 显式捕获快照并在 goroutine 内重新安装
		snap := FromContext(root)
		go func(i int, node string, snap Snapshot) {
			defer wg.Done()
			ctx := NewContext(context.Background(), snap.WithNode(node, "agent"))
			results[i] = FromContext(ctx).GraphNodeID
		}(i, node, snap)
	}
	wg.Wait()

	require.Equal(t, "market_node", results[0])
	require.Equal(t, "finance_node", results[1])
	// 根上下文保持不变
	assert.Empty(t, FromContext(root).GraphNodeID)
}

func TestSnapshot_InFlightSuppression(t *testing.T) {
	top := Snapshot{RequestID: "req-1"}
	assert.False(t, top.InFlight)

	nested := top.WithInFlight()
	assert.True(t, nested.InFlight)
	assert.False(t, top.InFlight)
}
