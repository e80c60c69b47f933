// Package costledger records actual LLM spend as an append-only event stream.
// This package is internal and should not be imported by external projects.
package costledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 🧾 成本事件账本
// =============================================================================

// NoteEstimatedSplit 标记 prompt/completion 比例为估算值
const NoteEstimatedSplit = "estimated_split"

// NoteNonBillable 标记事件不计入消费合计
const NoteNonBillable = "non_billable"

// CostEvent 一条成本事件（只追加，落库后不再修改）
type CostEvent struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	RequestID   string `gorm:"index;size:64" json:"request_id"`
	UserID      string `gorm:"index;size:128" json:"user_id"`
	TenantID    string `gorm:"index;size:128" json:"tenant_id,omitempty"`
	GraphNodeID string `gorm:"index;size:128" json:"graph_node_id,omitempty"`
	AgentID     string `gorm:"size:128" json:"agent_id,omitempty"`
	ToolID      string `gorm:"size:128" json:"tool_id,omitempty"`
	PromptID    string `gorm:"size:128" json:"prompt_id,omitempty"`

	Provider         string `gorm:"size:64" json:"provider,omitempty"`
	Model            string `gorm:"size:64" json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`

	// 写入时刻按价格表计算的成本，后续调价不影响历史行
	CostSnapshotUSD float64 `gorm:"column:cost_snapshot_usd" json:"cost_snapshot_usd"`

	// 调用是否成功结束；失败的调用也计费
	Success bool `json:"success"`

	// 命中缓存的调用，用量来自缓存而非模型
	Cached bool `json:"cached"`

	Note string `gorm:"size:64" json:"note,omitempty"`
}

// TableName 指定表名
func (CostEvent) TableName() string {
	return "cost_events"
}

// Usage 一次模型调用的 token 用量
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Ledger 成本事件账本
type Ledger struct {
	db          *gorm.DB
	nonBillable []string
	logger      *zap.Logger
}

// NewLedger 创建成本账本
func NewLedger(db *gorm.DB, logger *zap.Logger) *Ledger {
	return &Ledger{
		db:          db,
		nonBillable: []string{NoteNonBillable},
		logger:      logger.With(zap.String("component", "cost_ledger")),
	}
}

// SetNonBillableNotes 覆盖不计入消费合计的 note 集合
//
// 命中的事件仍出现在明细里，只是从合计与聚合中剔除。
func (l *Ledger) SetNonBillableNotes(notes ...string) {
	l.nonBillable = notes
}

// AutoMigrate 建表
func (l *Ledger) AutoMigrate() error {
	return l.db.AutoMigrate(&CostEvent{})
}

// Record 追加一条成本事件
//
// 只有总 token 数时按 85/15 拆分 prompt/completion 并标注
// estimated_split。事件写入后不可变。
func (l *Ledger) Record(ctx context.Context, ev CostEvent, usage Usage) (*CostEvent, error) {
	ev.PromptTokens = usage.PromptTokens
	ev.CompletionTokens = usage.CompletionTokens
	ev.TotalTokens = usage.TotalTokens

	if ev.TotalTokens == 0 {
		ev.TotalTokens = ev.PromptTokens + ev.CompletionTokens
	}
	if ev.PromptTokens == 0 && ev.CompletionTokens == 0 && ev.TotalTokens > 0 {
		ev.PromptTokens = int(float64(ev.TotalTokens) * 0.85)
		ev.CompletionTokens = ev.TotalTokens - ev.PromptTokens
		if ev.Note == "" {
			ev.Note = NoteEstimatedSplit
		}
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	if err := l.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return nil, fmt.Errorf("append cost event for request %s: %w", ev.RequestID, err)
	}

	l.logger.Debug("cost event recorded",
		zap.String("request_id", ev.RequestID),
		zap.String("graph_node_id", ev.GraphNodeID),
		zap.String("model", ev.Model),
		zap.Float64("cost_usd", ev.CostSnapshotUSD))
	return &ev, nil
}

// Events 返回一次请求的全部成本事件，按时间升序
func (l *Ledger) Events(ctx context.Context, requestID string) ([]CostEvent, error) {
	var events []CostEvent
	err := l.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("load cost events for request %s: %w", requestID, err)
	}
	return events, nil
}

// TotalSpent 返回用户最近 days 天的计费合计（不含非计费 note）
func (l *Ledger) TotalSpent(ctx context.Context, userID string, days int) (float64, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)

	var total float64
	err := l.billable(l.db.WithContext(ctx).Model(&CostEvent{})).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Select("COALESCE(SUM(cost_snapshot_usd), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum spend for %s: %w", userID, err)
	}
	return total, nil
}

// billable 剔除非计费事件
func (l *Ledger) billable(q *gorm.DB) *gorm.DB {
	if len(l.nonBillable) == 0 {
		return q
	}
	return q.Where("note NOT IN ?", l.nonBillable)
}

// GroupTotal 按维度聚合的一行
type GroupTotal struct {
	Key         string  `json:"key"`
	CostUSD     float64 `json:"cost_usd"`
	TotalTokens int     `json:"total_tokens"`
	EventCount  int     `json:"event_count"`
}

// groupColumns 允许聚合的维度；白名单防止拼接任意列名
var groupColumns = map[string]string{
	"graph_node_id": "graph_node_id",
	"agent_id":      "agent_id",
	"tool_id":       "tool_id",
	"provider":      "provider",
	"model":         "model",
	"prompt_id":     "prompt_id",
	"user_id":       "user_id",
}

// GroupBy 按维度聚合一次请求的成本（不含非计费 note）
func (l *Ledger) GroupBy(ctx context.Context, requestID, dimension string) ([]GroupTotal, error) {
	column, ok := groupColumns[dimension]
	if !ok {
		return nil, fmt.Errorf("unsupported group dimension %q", dimension)
	}

	var rows []GroupTotal
	err := l.billable(l.db.WithContext(ctx).Model(&CostEvent{})).
		Select(column+" AS key, SUM(cost_snapshot_usd) AS cost_usd, SUM(total_tokens) AS total_tokens, COUNT(*) AS event_count").
		Where("request_id = ?", requestID).
		Group(column).
		Order("cost_usd DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("group cost events for request %s by %s: %w", requestID, dimension, err)
	}
	return rows, nil
}
