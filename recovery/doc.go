// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 recovery 为可失败操作提供错误分类、退避重试、熔断与恢复回调。

# 核心类型

  - Policy：恢复策略。Execute 在策略下运行操作，按
    MaxRetries+1 次尝试循环，每次尝试前检查总时间预算与熔断器。
  - BackoffConfig / Delay：none、fixed、linear、exponential、
    fibonacci、custom 六种退避策略，支持对称抖动与上限裁剪。
  - Classifier / RuleClassifier：将错误映射为 ErrorCategory。
    分类与可重试性相互独立，后者由 Config 中的规则单独判定。
  - Hooks：OnError、BeforeRetry、AfterRetry、OnExhausted、
    OnRecovered 五个回调，调用顺序见 Hooks 文档。
  - Action：OnError 返回的处理动作，skip 与 fallback 产生结果，
    abort、escalate、checkpoint_restore 以类型化错误终止。

# 检查点恢复

策略本身不访问存储。checkpoint_restore 动作以
*CheckpointRestoreError 终止 Execute，由持有状态机的调用方
（agent.Session）读取检查点、重入检查点状态并重跑未完成的步骤。

# 超时

RaceTimeout 让单次尝试与定时器赛跑，超时产生 *TimeoutError，
分类为 timeout 并参与重试判定。在途调用不会被强制终止。
*/
package recovery
