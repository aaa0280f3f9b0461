// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供 Agent 检查点的持久化存储实现。

# 核心接口

  - Store: 在 agent.CheckpointStorage（Save / Load / Delete）之上
    增加按会话列出检查点的 List，以及 Close 和 Ping 健康检查。
  - Latest: 返回会话最新的检查点，用于进程重启后恢复。

检查点以 JSON 形式保存，读出的对象与存储互不共享。
Load 在检查点不存在时返回 ErrNotFound（即 agent.ErrCheckpointNotFound）。

# 后端实现

  - Memory: 内存实现，适合开发与测试，重启后数据丢失。
  - File: 每个检查点一个 JSON 文件，先写临时文件再 rename，适合单节点部署。
  - Redis: 数据键 + 按创建时间排序的会话 Sorted Set，支持 TTL，
    适合分布式部署。
  - SQL: 基于 GORM（postgres / mysql / sqlite），写入经 PoolManager 事务，
    可选 recovery.Policy 重试事务冲突。

# 使用方式

通过工厂函数按配置创建存储实例：

	store, err := persistence.NewStore(cfg.Checkpoint, persistence.Backends{
	    Redis: redisClient,
	    Pool:  pool,
	})
*/
package persistence
