// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接与连接池管理，支撑 SQL 检查点存储。

# 核心类型

  - Open / Dialector：按驱动名（postgres、mysql、sqlite）选择 GORM 方言
    并建立连接，sqlite 使用纯 Go 的 glebarez 驱动。
  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 等生命周期方法。
  - PoolConfig：最大空闲连接数、最大打开连接数、生命周期与健康检查间隔。

# 主要能力

  - 健康检查：后台定时探活，上报 open/idle 连接数指标。
  - 事务管理：WithTransaction 单次执行；WithTransactionRetry 在
    recovery.Policy 下执行，TransactionRetryConfig 只重试死锁、
    序列化失败与连接中断等冲突类错误。
*/
package database
