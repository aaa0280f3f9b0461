// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 agentcore 编排内核的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 recovery、workflow、agent
等上层模块提供统一的错误契约与上下文传播工具，避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误，含 Retryable 标记与 Cause 链
  - 错误码分为四族：调度错误、操作错误、策略错误、状态错误

# 主要能力

  - Context 传播：WithTraceID / WithRunID / WithSessionID / WithAgentID / WithTaskID
  - 错误工具链：NewError / AsError / IsErrorCode / IsRetryable / GetErrorCode
*/
package types
