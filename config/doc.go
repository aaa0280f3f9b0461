// Package config 提供 AgentCore 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → AGENTCORE_* 环境变量 → 验证器 的顺序加载，
// 覆盖日志、遥测、指标、Redis、数据库、检查点存储、调度器、
// 恢复策略、熔断器、子 Agent 与会话。
package config
