// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package subagent 提供子 Agent 管理器，按依赖关系并发运行一批子 Agent 任务。

# 核心类型

  - Manager：组合 workflow.Scheduler、recovery.Policy 与 agent.AgentFactory。
    Agent 实例按名称缓存在管理器内部。
  - Task / TaskResult：任务声明与结构化结果，状态为
    completed、failed、timeout、cancelled、blocked 之一。
  - Callbacks：OnStart、OnComplete、OnError 任务回调。

# 行为

  - 依赖任务的输出通过 ChatOptions.Context 传给下游任务。
  - 失败任务的下游从不启动，结果标记为 blocked。
  - 单任务超时按每次尝试计算，超时归类为 timeout 并交由恢复策略决定是否重试。
  - Cancel / CancelAll 为协作式取消：进行中的调用结束后结果被丢弃并报告 cancelled。
  - SpawnRate 通过 golang.org/x/time/rate 限制 Agent 调用速率。
  - 默认不抛出任务失败；PropagateErrors 为 true 时返回首个 *TaskError。
*/
package subagent
