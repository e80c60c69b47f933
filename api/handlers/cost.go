package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ventureval/ventureval/internal/budget"
	"github.com/ventureval/ventureval/internal/costledger"
)

// =============================================================================
// 🧾 成本与预算接口 Handler
// =============================================================================

// 消费合计的默认回看窗口（天）
const defaultSpendDays = 30

// CostHandler 成本查询与预算管理处理器
type CostHandler struct {
	costs   *costledger.Ledger
	budgets *budget.Ledger
	logger  *zap.Logger
}

// NewCostHandler 创建成本处理器
func NewCostHandler(costs *costledger.Ledger, budgets *budget.Ledger, logger *zap.Logger) *CostHandler {
	return &CostHandler{
		costs:   costs,
		budgets: budgets,
		logger:  logger,
	}
}

// SpendSummary 消费合计响应
type SpendSummary struct {
	UserID   string  `json:"user_id"`
	Days     int     `json:"days"`
	TotalUSD float64 `json:"total_usd"`
}

// HandleSummary 处理消费合计查询
// @Summary 用户消费合计
// @Description 返回用户最近 N 天的计费消费合计
// @Tags 成本
// @Produce json
// @Param user_id query string true "用户 ID"
// @Param days query int false "回看天数，默认 30"
// @Success 200 {object} Response "消费合计"
// @Failure 400 {object} Response "缺少用户 ID"
// @Router /api/cost/summary [get]
func (h *CostHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required", h.logger)
		return
	}

	days := defaultSpendDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "days must be a positive integer", h.logger)
			return
		}
		days = parsed
	}

	total, err := h.costs.TotalSpent(r.Context(), userID, days)
	if err != nil {
		h.logger.Error("spend summary failed", zap.String("user_id", userID), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "unable to compute spend", h.logger)
		return
	}

	WriteSuccess(w, SpendSummary{UserID: userID, Days: days, TotalUSD: total})
}

// HandleRequestEvents 处理单次请求的成本事件查询
// @Summary 请求成本明细
// @Description 返回一次请求的全部成本事件，按时间升序
// @Tags 成本
// @Produce json
// @Param request_id path string true "请求 ID"
// @Success 200 {object} Response "成本事件列表"
// @Router /api/cost/requests/{request_id} [get]
func (h *CostHandler) HandleRequestEvents(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	if requestID == "" {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "request_id is required", h.logger)
		return
	}

	evs, err := h.costs.Events(r.Context(), requestID)
	if err != nil {
		h.logger.Error("cost events query failed", zap.String("request_id", requestID), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "unable to load cost events", h.logger)
		return
	}

	WriteSuccess(w, evs)
}

// HandleGroupBy 处理按维度聚合的成本查询
// @Summary 请求成本聚合
// @Description 按维度（默认 graph_node_id）聚合一次请求的成本
// @Tags 成本
// @Produce json
// @Param request_id path string true "请求 ID"
// @Param dimension query string false "聚合维度：graph_node_id/agent_id/tool_id/provider/model/prompt_id/user_id"
// @Success 200 {object} Response "聚合结果"
// @Failure 400 {object} Response "不支持的维度"
// @Router /api/cost/requests/{request_id}/by [get]
func (h *CostHandler) HandleGroupBy(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	if requestID == "" {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "request_id is required", h.logger)
		return
	}

	dimension := r.URL.Query().Get("dimension")
	if dimension == "" {
		dimension = "graph_node_id"
	}

	rows, err := h.costs.GroupBy(r.Context(), requestID, dimension)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), h.logger)
		return
	}

	WriteSuccess(w, rows)
}

// HandleGetBudget 处理预算查询
// @Summary 用户预算
// @Description 返回用户当前各周期的限额与消费
// @Tags 预算
// @Produce json
// @Param user_id path string true "用户 ID"
// @Success 200 {object} Response "预算状态"
// @Failure 404 {object} Response "未配置预算"
// @Router /api/budget/{user_id} [get]
func (h *CostHandler) HandleGetBudget(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required", h.logger)
		return
	}

	b, err := h.budgets.Get(r.Context(), userID)
	if errors.Is(err, budget.ErrNoBudget) {
		WriteError(w, http.StatusNotFound, "NO_BUDGET", "no budget configured for user", h.logger)
		return
	}
	if err != nil {
		h.logger.Error("budget query failed", zap.String("user_id", userID), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "unable to load budget", h.logger)
		return
	}

	WriteSuccess(w, b)
}

// ProvisionRequest 预算开通请求
type ProvisionRequest struct {
	Tier string `json:"tier"`
}

// HandleProvisionBudget 处理预算开通/调整
// @Summary 开通或调整用户预算
// @Description 按层级默认限额创建预算；已存在时更新层级与限额
// @Tags 预算
// @Accept json
// @Produce json
// @Param user_id path string true "用户 ID"
// @Param request body ProvisionRequest true "层级"
// @Success 200 {object} Response "预算状态"
// @Failure 400 {object} Response "无效层级"
// @Router /api/budget/{user_id} [put]
func (h *CostHandler) HandleProvisionBudget(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required", h.logger)
		return
	}

	var req ProvisionRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}

	b, err := h.budgets.Provision(r.Context(), userID, budget.Tier(req.Tier))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), h.logger)
		return
	}

	h.logger.Info("budget provisioned",
		zap.String("user_id", userID),
		zap.String("tier", req.Tier))
	WriteSuccess(w, b)
}
