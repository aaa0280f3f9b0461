// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 agent 提供 Agent 生命周期状态机、检查点与会话执行。

# 状态机

StateMachine 维护 idle → planning → executing → completed 主线，
executing 可回到 planning（重新规划）或进入 waiting_for_input，
非终态可转入 failed / cancelled。completed、failed、cancelled 为终态，
不再接受任何转换。每次转换都经过 CanTransition 校验，
非法转换返回 *TransitionError（errors.Is(err, ErrInvalidTransition)）。

进入检查点状态（默认 waiting_for_input）前先写入 Checkpoint；
写入失败或未配置 CheckpointStorage 时拒绝转换，状态保持不变。
Resume 从检查点重新进入其记录的状态（而不是 idle），
Archive 在终态写入一次最终快照。

# 会话

Session 组合 Planner、AgentLike、ToolRegistry、workflow.Scheduler 与
recovery.Policy：规划生成 Plan，步骤按依赖并发执行；
工具或 Agent 返回 RequestInput 时会话进入 waiting_for_input，
调用方通过 ProvideInput 继续；恢复策略返回 checkpoint_restore 动作时，
会话从检查点恢复并重跑未完成的步骤。

# 存储

CheckpointStorage 的内存、文件、Redis 与 SQL 实现位于 agent/persistence。
*/
package agent
