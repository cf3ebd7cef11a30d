// Package byor 组装单进程键值服务：真实套接字、平台 poller、内存存储与事件循环。
//
// 各组件可单独使用：poller 提供水平触发的就绪通知，protocol 提供长度前缀的帧编解码，
// server 提供事件循环，kv 提供 get/set/del 命令。
package byor
