// Copyright (c) VentureVal Authors.
// Licensed under the MIT License.

/*
Package main 提供 VentureVal 服务端程序入口。

# 概述

cmd/ventureval 是 VentureVal 的可执行入口，提供 HTTP API 服务、
数据库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置文件
加载、结构化日志（zap）与 Prometheus 指标采集。

# 核心类型

  - App — 组装好的完整应用：数据库、Redis、治理中间件、流水线引擎与 HTTP 服务

# 主要能力

  - 子命令：serve（启动服务）、migrate（数据库迁移）、version、health
  - 治理链：关联 ID → 限流 → 成本预估 → 预算准入，套在 /api/evaluate 外层
  - 事件流：/api/events/{request_id} 以 NDJSON 推送执行事件
  - 配置监听：文件变更记录日志，提示需重启的字段
  - 优雅关闭：信号监听 → 停止监听器 → 关闭 HTTP → 释放连接
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
