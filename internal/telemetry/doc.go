// Package telemetry 初始化 OpenTelemetry。启用时通过 OTLP/gRPC 导出抽取与上游调用的
// span 和指标；禁用时安装 noop provider，structured 包照常创建 span 但不产生任何网络流量。
package telemetry
