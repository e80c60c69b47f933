package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ventureval/ventureval/internal/events"
)

// =============================================================================
// 📡 事件流接口 Handler
// =============================================================================

// EventsHandler 按请求 ID 推送执行事件流（NDJSON）
type EventsHandler struct {
	broker *events.Broker
	logger *zap.Logger
}

// NewEventsHandler 创建事件流处理器
func NewEventsHandler(broker *events.Broker, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		broker: broker,
		logger: logger,
	}
}

// HandleStream 处理事件流订阅
// @Summary 订阅评估事件流
// @Description 以 NDJSON 推送一次请求的执行事件，complete 事件后结束
// @Tags 事件
// @Produce application/x-ndjson
// @Param request_id path string true "请求 ID"
// @Success 200 {string} string "NDJSON 事件流"
// @Failure 400 {object} Response "缺少请求 ID"
// @Failure 500 {object} Response "订阅失败"
// @Router /api/events/{request_id} [get]
func (h *EventsHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	if requestID == "" {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "request_id is required", h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED",
			"response writer does not support streaming", h.logger)
		return
	}

	stream, err := h.broker.Subscribe(r.Context(), requestID)
	if err != nil {
		h.logger.Error("event subscription failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "SUBSCRIBE_FAILED", "unable to subscribe to events", h.logger)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			// 客户端断开，订阅随 ctx 收尾
			return
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				h.logger.Debug("event stream write failed, client gone",
					zap.String("request_id", requestID),
					zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}
