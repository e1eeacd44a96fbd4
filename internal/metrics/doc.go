// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的网关指标采集能力，覆盖
HTTP 边缘层与密钥分配/会话/路由/隐私四大业务维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 密钥分配指标：按 provider/model/status 分组的选中次数计数。
  - 会话指标：当前活跃会话数 Gauge。
  - 路由指标：Decoy 派发计数、Dispatch 耗时 Histogram
    （按 provider/model/mode 分组，mode 区分 regular 与 temporal_mix）。
  - 隐私指标：隐私管道记录的混淆映射创建次数，按是否检测到 PII 分组。
*/
package metrics
