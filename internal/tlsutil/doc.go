// Package tlsutil 集中出站连接的 TLS 设置：模型服务的 HTTP 客户端与
// 启用 TLS 的 Redis 存储。最低 TLS 1.2，TLS 1.2 下只允许 AEAD 套件。
package tlsutil
