// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的运行时指标采集能力，覆盖
恢复策略、调度器、Agent 状态、子 Agent、缓存与数据库。

# 核心类型

  - Collector：指标收集器，通过 promauto.With 注册到调用方给定的
    Registerer。所有记录方法对 nil 接收者安全。

# 主要能力

  - 恢复指标：每次尝试的错误类别、最终结果与总耗时、熔断器状态 Gauge。
  - 调度指标：节点结果与耗时、运行中节点数、整次运行结果。
  - Agent 指标：状态转换计数、检查点 save/load/delete 计数。
  - 子 Agent 指标：按 agent 与状态分组的任务计数与耗时。
  - 缓存与数据库指标：命中/未命中、连接池 open/idle。
*/
package metrics
