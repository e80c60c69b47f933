// Copyright (c) VentureVal Authors.
// Licensed under the MIT License.

/*
Package config 提供 VentureVal 的统一配置加载与热更新。

# 概述

config 包定义服务的完整配置结构，按「默认值 → YAML 文件 →
环境变量」的优先级加载，并提供轮询式的配置文件监听器，
变更后重载并通知回调。

# 核心类型

  - Config        — 完整配置（Server、Redis、Database、RateLimit、Engine、Log）
  - Loader        — Builder 模式加载器，支持环境变量前缀与验证器
  - ReloadWatcher — 配置文件监听器，变更后重载并触发回调

# 环境变量

环境变量按「前缀_段_字段」命名，默认前缀 VENTUREVAL：

	VENTUREVAL_SERVER_HTTP_PORT=9090
	VENTUREVAL_DATABASE_DRIVER=postgres
	VENTUREVAL_RATE_LIMIT_IP_PER_MINUTE=120

# 组件转换

Config 提供 DatabaseOptions / RateLimitRules / EngineOptions
方法，把文件层配置转换为各组件自己的配置结构。
*/
package config
