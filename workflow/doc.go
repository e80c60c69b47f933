// Copyright (c) VentureVal Authors.
// Licensed under the MIT License.

/*
Package workflow 实现分阶段的创业想法评估流水线。

# 概述

workflow 包驱动四个分析阶段：市场分析先行（产出不可用时重试），
财务与产品分析基于市场产出并行执行，最后汇总成整体评估。
每个阶段是一个受治理的调用单元（Invocable），执行完立即结算：
按实际 token 用量写成本事件、累加用户预算、发布执行事件。

# 核心类型

  - Invocable — 可被治理调用的执行单元接口
  - Registry  — 按 StageKey（阶段 + 提示词版本）管理实现，支持惰性构建
  - Engine    — 流水线引擎：编排、重试、并行、结算与事件发布
  - Result    — 一次完整评估的产出与费用合计

# 事件语义

请求级 started/finished 事件每个外部请求只发一对，嵌套调用
通过身份快照里的进行中标记抑制重复；阶段级事件每次阶段
执行各发一对，错误时发 error 事件。complete 事件收尾订阅流。

# 并发

并行阶段各自持有父快照的派生副本，兄弟阶段互不可见。
跨 goroutine 边界的快照传递由引擎显式完成。
*/
package workflow
