package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ventureval/ventureval/internal/reqctx"
	"github.com/ventureval/ventureval/workflow"
)

// =============================================================================
// 🚀 评估接口 Handler
// =============================================================================

// 异步评估的后台执行上限
const asyncRunTimeout = 10 * time.Minute

// EvaluateRequest 评估请求
type EvaluateRequest struct {
	// 待评估的创业想法
	Idea string `json:"idea"`

	// 模型名，空时用服务端默认
	Model string `json:"model,omitempty"`

	// 异步模式：立即返回 202，结果通过事件流获取
	Async bool `json:"async,omitempty"`
}

// EvaluateAccepted 异步评估的受理响应
type EvaluateAccepted struct {
	RequestID string `json:"request_id"`
	EventsURL string `json:"events_url"`
}

// EvaluateHandler 评估接口处理器
type EvaluateHandler struct {
	engine *workflow.Engine
	logger *zap.Logger
}

// NewEvaluateHandler 创建评估处理器
func NewEvaluateHandler(engine *workflow.Engine, logger *zap.Logger) *EvaluateHandler {
	return &EvaluateHandler{
		engine: engine,
		logger: logger,
	}
}

// HandleEvaluate 处理评估请求
// @Summary 评估创业想法
// @Description 运行完整评估流水线；async=true 时立即受理并通过事件流跟踪
// @Tags 评估
// @Accept json
// @Produce json
// @Param request body EvaluateRequest true "评估请求"
// @Success 200 {object} Response "评估结果"
// @Success 202 {object} Response "异步受理"
// @Failure 400 {object} Response "无效请求"
// @Failure 500 {object} Response "内部错误"
// @Router /api/evaluate [post]
func (h *EvaluateHandler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}
	if req.Idea == "" {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "idea is required", h.logger)
		return
	}

	snap := reqctx.FromContext(r.Context())

	if req.Async {
		// 快照显式捕获：请求结束后 goroutine 继续执行
		go func(snap reqctx.Snapshot) {
			ctx, cancel := context.WithTimeout(context.Background(), asyncRunTimeout)
			defer cancel()
			ctx = reqctx.NewContext(ctx, snap)

			if _, err := h.engine.Run(ctx, req.Idea, req.Model); err != nil {
				h.logger.Error("async evaluation failed",
					zap.String("request_id", snap.RequestID),
					zap.Error(err))
			}
		}(snap)

		WriteJSON(w, http.StatusAccepted, Response{
			Success: true,
			Data: EvaluateAccepted{
				RequestID: snap.RequestID,
				EventsURL: "/api/events/" + snap.RequestID,
			},
			Timestamp: time.Now(),
			RequestID: snap.RequestID,
		})
		return
	}

	result, err := h.engine.Run(r.Context(), req.Idea, req.Model)
	if err != nil {
		h.logger.Error("evaluation failed",
			zap.String("request_id", snap.RequestID),
			zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "EVALUATION_FAILED", err.Error(), h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      result,
		Timestamp: time.Now(),
		RequestID: snap.RequestID,
	})
}
