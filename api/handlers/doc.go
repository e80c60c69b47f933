// Copyright (c) VentureVal Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 VentureVal HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 VentureVal 所有 HTTP 端点的请求处理逻辑，
包括评估流水线触发、事件流订阅、成本与预算查询以及统一的
响应/错误处理。所有 Handler 均遵循标准 net/http 接口，
通过 Swagger 注解生成 API 文档。

# 核心类型

  - EvaluateHandler  — 评估触发，支持同步与异步（202 + 事件流）两种模式
  - EventsHandler    — 按请求 ID 订阅执行事件流（NDJSON）
  - CostHandler      — 成本明细、聚合、消费合计与预算管理
  - HealthHandler    — 服务健康检查（/health, /ready, /version）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（严格模式，拒绝未知字段）
  - NDJSON 流式输出：EventsHandler.HandleStream 随事件逐条 Flush
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
