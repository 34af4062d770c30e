/*
包 server 管理 ExtractFlow 的 HTTP 监听生命周期：抽取 API 与 Prometheus
指标端点各自对应一个 Manager。

  - Start/StartTLS 非阻塞启动；StartTLS 使用 tlsutil 的加固配置。
  - Run 阻塞到 ctx 结束或服务异常退出，然后在 ShutdownTimeout 内优雅关闭。
  - RunAll 用 errgroup 同时运行多个 Manager，任一退出即关闭全部。

信号处理交给调用方（signal.NotifyContext），本包只认 context。
*/
package server
