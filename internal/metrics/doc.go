// 版权所有 2026 VentureVal Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的治理层指标采集能力，覆盖
HTTP、准入判定、成本、工作流与事件五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标。每个 Collector
持有独立的 Registry，多实例（含并行测试）互不冲突；Handler()
直接返回 /metrics 端点的 http.Handler。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数与耗时，按 method/path/status 分组，
    状态码归类为 2xx/3xx/4xx/5xx。
  - 准入指标：准入判定计数、限流拒绝、预算拒绝与降级放行计数。
  - 成本指标：预估成本、实际成本与 Token 用量，按 model 分组。
  - 工作流指标：阶段执行计数与耗时，按 graph_node 分组。
  - 事件指标：事件发布计数与预算预警计数。
*/
package metrics
