// Package config 负责加载演示程序的配置文件（YAML 或 JSON），补齐默认值，
// 并允许通过环境变量覆盖大模型凭证。
package config
