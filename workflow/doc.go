// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供依赖图（DAG）调度引擎。

# 概述

workflow 包把声明了依赖关系的节点解析为可并发执行的波次，并以
MaxConcurrent 为上限通过准入信号量调度执行。子 Agent 编排与计划步骤
执行都基于该调度器。

# 核心接口与类型

  - Graph：基于下标的邻接结构，构建时完成空 ID、重复 ID、未知依赖与环检测
  - Node：节点声明（ID、Payload、DependsOn、Run、Timeout、CacheKey）
  - Scheduler：调度器，Start 返回 Run，Orchestrate 为 Start + Wait
  - Run：单次运行句柄（Wait / Cancel / CancelNode / Running / Status）
  - RunResult：各节点结果、完成顺序、未解析节点、取消标记
  - ResultCache：节点结果缓存（MemoryResultCache / RedisResultCache）

# 执行语义

  - 节点仅在全部依赖 completed 后才进入 ready。
  - 失败或取消的节点不会主动级联：其下游永远不会 ready，运行结束时
    列入 RunResult.Unresolved（饥饿，而非异常传播）。
  - 单次尝试超时通过 recovery.RaceTimeout 实现，超时错误满足
    errors.Is(err, recovery.ErrTimeout)，可交由 recovery.Policy 决定是否重试。
  - 取消是协作式的：运行中的节点在调用返回后报告 cancelled，结果被丢弃。
  - 环与未知依赖在任何节点执行前即被拒绝；运行期若出现无法推进的情况
    返回 ErrNoProgress，不会空转。
*/
package workflow
