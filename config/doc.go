// Package config 提供 ConvoKeeper 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序合并，最后执行验证器。
// 环境变量键由前缀与各级 env tag 拼接而成，例如
// CONVOKEEPER_STORE_PRIMARY_REDIS_HOST。
//
// 运行期间只有日志级别支持热更新（FileWatcher + LogLevelReloader），
// 其余配置修改后需重启服务。
package config
