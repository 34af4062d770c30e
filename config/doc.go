// Package config 提供 ExtractFlow 的配置管理功能。
//
// 包含配置加载（默认值 → YAML → EXTRACTFLOW_* 环境变量）、校验，
// 以及基于文件轮询的运行时重载（Reloader），用于在不重启服务的情况下
// 调整日志级别与抽取默认参数。
package config
