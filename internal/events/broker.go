// Package events streams per-request execution events over Redis pub/sub.
// This package is internal and should not be imported by external projects.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 📡 事件广播
// =============================================================================

// 事件类型
const (
	TypeStarted  = "started"
	TypeFinished = "finished"
	TypeError    = "error"

	// TypeComplete 整个请求结束，订阅流据此收尾
	TypeComplete = "complete"

	// TypeClose 广播端关闭的哨兵
	TypeClose = "close"
)

// Event 一条执行事件
type Event struct {
	Type         string         `json:"type"`
	InvocationID string         `json:"invocation_id,omitempty"`
	RequestID    string         `json:"request_id"`
	Agent        string         `json:"agent,omitempty"`
	GraphNode    string         `json:"graph_node,omitempty"`
	Timestamp    time.Time      `json:"ts"`
	Payload      map[string]any `json:"payload,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// terminal 报告事件是否终结订阅流
func (e Event) terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeClose
}

// Broker Redis pub/sub 事件广播器
//
// 每个请求一个频道。发布尽力而为：订阅方缺席或 Redis 故障
// 都不影响请求执行，只记日志。
type Broker struct {
	client *redis.Client
	logger *zap.Logger

	// 频道名前缀
	prefix string
}

// NewBroker 创建事件广播器
func NewBroker(client *redis.Client, logger *zap.Logger) *Broker {
	return &Broker{
		client: client,
		logger: logger.With(zap.String("component", "event_broker")),
		prefix: "events:",
	}
}

func (b *Broker) channel(requestID string) string {
	return b.prefix + requestID
}

// Publish 发布一条事件（尽力而为，失败只记日志）
func (b *Broker) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("marshal event failed",
			zap.String("request_id", ev.RequestID),
			zap.String("type", ev.Type),
			zap.Error(err))
		return
	}

	if err := b.client.Publish(ctx, b.channel(ev.RequestID), data).Err(); err != nil {
		b.logger.Warn("publish event failed",
			zap.String("request_id", ev.RequestID),
			zap.String("type", ev.Type),
			zap.Error(err))
	}
}

// Complete 发布请求结束事件
func (b *Broker) Complete(ctx context.Context, requestID string, payload map[string]any) {
	b.Publish(ctx, Event{Type: TypeComplete, RequestID: requestID, Payload: payload})
}

// Subscribe 订阅一个请求的事件流
//
// 返回的 channel 在收到终结事件、ctx 取消或连接断开时关闭。
// 终结事件本身也会送达订阅方。
func (b *Broker) Subscribe(ctx context.Context, requestID string) (<-chan Event, error) {
	sub := b.client.Subscribe(ctx, b.channel(requestID))

	// 确认订阅已建立，避免丢失紧随其后的事件
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe events for request %s: %w", requestID, err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("drop malformed event",
						zap.String("request_id", requestID),
						zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.terminal() {
					return
				}
			}
		}
	}()

	return out, nil
}

// Close 向频道广播关闭哨兵，通知所有订阅方收尾
func (b *Broker) Close(ctx context.Context, requestID string) {
	b.Publish(ctx, Event{Type: TypeClose, RequestID: requestID})
}
