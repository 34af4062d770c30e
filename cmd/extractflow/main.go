// =============================================================================
// ExtractFlow 主入口
// =============================================================================
// 完整服务入口点，包含 HTTP 抽取服务、命令行抽取、健康检查、Prometheus 指标
//
// 使用方法:
//
//	extractflow serve                                    # 启动服务
//	extractflow serve --config config.yaml               # 指定配置文件
//	extractflow extract --schema user.json < input.txt   # 单次抽取
//	extractflow extract --schema users.json --stream record --input in.txt
//	extractflow version                                  # 显示版本信息
//	extractflow health                                   # 健康检查
// =============================================================================

// @title ExtractFlow API
// @version 1.0.0
// @description ExtractFlow turns LLM output into schema-validated values, with corrective retries and incremental streaming.

// @contact.name ExtractFlow Team
// @contact.url https://github.com/BaSui01/extractflow

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
// @description API key for authentication

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/extractflow/config"
	"github.com/BaSui01/extractflow/internal/tlsutil"
	"github.com/BaSui01/extractflow/llm/factory"
	"github.com/BaSui01/extractflow/structured"
	"github.com/BaSui01/extractflow/types"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "extract":
		os.Exit(runExtract(os.Args[2:], os.Stdin, os.Stdout, os.Stderr))
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// loadConfig 加载并校验配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, level := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting ExtractFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := NewServer(cfg, *configPath, logger, level)
	if err := srv.Run(ctx); err != nil {
		logger.Fatal("Server stopped with error", zap.Error(err))
	}

	logger.Info("ExtractFlow stopped")
}

// =============================================================================
// 🧪 extract 命令
// =============================================================================

// runExtract 读取一段文本，按给定 JSON Schema 抽取并把结果写到 stdout。
// 返回进程退出码：0 成功，1 校验失败或上游错误，2 用法错误。
func runExtract(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	schemaPath := fs.String("schema", "", "Path to a JSON Schema document (required)")
	schemaName := fs.String("name", "extract", "Schema name shown to the model")
	inputPath := fs.String("input", "", "Input text file (default: stdin)")
	system := fs.String("system", "", "Optional system prompt")
	modeFlag := fs.String("mode", "", "Rendering mode: tools, json_schema, json (default from config)")
	retries := fs.Int("retries", -1, "Corrective retries (default from config; must be 0 when streaming)")
	streamFlag := fs.String("stream", "off", "Streaming: off, record, partial")
	provider := fs.String("provider", "", "Provider name (default from config)")
	model := fs.String("model", "", "Model override")
	timeout := fs.Duration("timeout", 0, "Overall timeout (default from config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *schemaPath == "" {
		fmt.Fprintln(stderr, "extract: --schema is required")
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "extract: %v\n", err)
		return 2
	}
	logger, _ := initLogger(config.LogConfig{Level: "warn", Format: "console", OutputPaths: []string{"stderr"}})
	defer func() { _ = logger.Sync() }()

	doc, err := os.ReadFile(*schemaPath)
	if err != nil {
		fmt.Fprintf(stderr, "extract: read schema: %v\n", err)
		return 2
	}
	schema, err := structured.ParseDynamicSchema(*schemaName, doc)
	if err != nil {
		fmt.Fprintf(stderr, "extract: %v\n", err)
		return 2
	}
	text, err := readInput(*inputPath, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "extract: read input: %v\n", err)
		return 2
	}

	mode, err := structured.ParseMode(firstNonEmpty(*modeFlag, cfg.Extract.Mode))
	if err != nil {
		fmt.Fprintf(stderr, "extract: %v\n", err)
		return 2
	}
	stream, err := structured.ParseStreamMode(*streamFlag)
	if err != nil {
		fmt.Fprintf(stderr, "extract: %v\n", err)
		return 2
	}
	maxRetries := *retries
	if maxRetries < 0 {
		maxRetries = 0
		if stream == structured.StreamOff {
			maxRetries = cfg.Extract.MaxRetries
		}
	}

	reg, err := factory.NewRegistryFromConfig(cfg.LLM.ProviderConfigs(), cfg.LLM.DefaultProvider, nil, logger)
	if err != nil {
		fmt.Fprintf(stderr, "extract: %v\n", err)
		return 1
	}
	p, err := reg.Resolve(*provider)
	if err != nil {
		fmt.Fprintf(stderr, "extract: %v\n", err)
		return 1
	}
	client, err := structured.NewClient(p,
		structured.WithLogger(logger),
		structured.WithDefaultModel(cfg.LLM.Model),
	)
	if err != nil {
		fmt.Fprintf(stderr, "extract: %v\n", err)
		return 1
	}

	msgs := make([]types.Message, 0, 2)
	if *system != "" {
		msgs = append(msgs, types.NewSystemMessage(*system))
	}
	msgs = append(msgs, types.NewUserMessage(text))
	req := structured.Request[any]{
		Model:      *model,
		Schema:     schema,
		Messages:   msgs,
		Stream:     stream,
		MaxRetries: maxRetries,
		Mode:       mode,
	}

	d := *timeout
	if d <= 0 {
		d = cfg.Extract.RequestTimeout
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	switch stream {
	case structured.StreamOff:
		return extractOnce(ctx, client, req, stdout, stderr)
	case structured.StreamRecord:
		records, err := schema.Records()
		if err != nil {
			fmt.Fprintf(stderr, "extract: %v\n", err)
			return 2
		}
		s, err := structured.ChatCompletionRecords(ctx, client, structured.Request[[]any]{
			Model: req.Model, Schema: records, Messages: req.Messages, Stream: stream, Mode: req.Mode,
		})
		if err != nil {
			fmt.Fprintf(stderr, "extract: %v\n", err)
			return 1
		}
		return printStream(s, stdout, stderr)
	default:
		s, err := structured.ChatCompletionStream(ctx, client, req)
		if err != nil {
			fmt.Fprintf(stderr, "extract: %v\n", err)
			return 1
		}
		return printStream(s, stdout, stderr)
	}
}

func extractOnce(ctx context.Context, client *structured.Client, req structured.Request[any], stdout, stderr io.Writer) int {
	res, err := structured.ChatCompletion(ctx, client, req)
	if err != nil {
		fmt.Fprintf(stderr, "extract: %v\n", err)
		return 1
	}
	if !res.OK() {
		fmt.Fprintf(stderr, "extract: validation failed after %d attempt(s):\n", res.Attempts)
		for _, line := range res.Errors.Lines() {
			fmt.Fprintf(stderr, "  %s\n", line)
		}
		return 1
	}
	out, err := gojson.MarshalIndent(res.Value, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "extract: encode result: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}

// printStream 每个结果输出一行 NDJSON：{"kind":..., "index":..., "value":...}
func printStream(s *structured.Stream[any], stdout, stderr io.Writer) int {
	defer s.Close()
	enc := gojson.NewEncoder(stdout)
	code := 0
	for s.Next() {
		r := s.Current()
		line := map[string]any{"kind": r.Kind.String(), "index": r.Index, "value": r.Value}
		if r.Kind == structured.KindError {
			line["errors"] = r.Errors.Lines()
			code = 1
		}
		if err := enc.Encode(line); err != nil {
			fmt.Fprintf(stderr, "extract: %v\n", err)
			return 1
		}
	}
	if err := s.Err(); err != nil {
		fmt.Fprintf(stderr, "extract: stream failed: %v\n", err)
		return 1
	}
	return code
}

func readInput(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("input is empty")
	}
	return text, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	path := fs.String("path", "/health", "Endpoint to probe (/health or /ready)")
	_ = fs.Parse(args)

	client := tlsutil.SecureHTTPClient(5 * time.Second)
	resp, err := client.Get(strings.TrimRight(*addr, "/") + *path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("ExtractFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`ExtractFlow - structured extraction from LLM output

Usage:
  extractflow <command> [options]

Commands:
  serve     Start the ExtractFlow HTTP server
  extract   Run one extraction against the configured provider
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Options for 'extract':
  --schema <path>   JSON Schema document (required)
  --input <path>    Input text (default: stdin)
  --mode <mode>     tools | json_schema | json
  --retries <n>     Corrective retries (non-streaming only)
  --stream <mode>   off | record | partial

Examples:
  extractflow serve --config /etc/extractflow/config.yaml
  extractflow extract --schema user.json --retries 2 < bio.txt
  extractflow extract --schema users.json --stream record --input people.txt
  extractflow health --addr http://localhost:8080 --path /ready
  extractflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// parseLevel 解析日志级别，未知值回退到 info
func parseLevel(s string) zapcore.Level {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// initLogger 构建 logger，返回的 AtomicLevel 供配置重载调整级别
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       cfg.Format == "console",
		Encoding:          "json",
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger, level
}
