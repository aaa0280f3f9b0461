// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的缓存管理能力，支撑调度器的节点结果缓存。

# 核心类型

  - Manager：缓存管理器，持有 Redis 客户端，提供带键前缀的
    Get/Set/Delete/Exists 以及 GetJSON/SetJSON 便捷序列化方法。
    既可自建连接（NewManager），也可复用已有客户端（NewManagerFromClient）。
  - Config：地址、密码、键前缀、默认 TTL、连接池与健康检查间隔。

# 主要能力

  - 健康检查：后台定时 Ping，Close 时停止。
  - 指标：可选 metrics.Collector 记录命中与未命中。
  - 错误语义：ErrCacheMiss 哨兵错误与 IsCacheMiss 判断函数。
*/
package cache
