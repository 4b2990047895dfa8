// Package redis 把对话记录保存在 Redis list 中，最新的记录位于列表头部，
// 列表长度被裁剪到固定上限。
package redis
