// =============================================================================
// ModelFlow 主入口
// =============================================================================
// 命令行入口，用于本地验证配置与发起一次模型调用
//
// 使用方法:
//
//	modelflow chat --prompt "你好"                # 发起一次文本调用
//	modelflow chat --config config.yaml --stream  # 指定配置并流式输出
//	modelflow chat --voice https://.../a.mp3      # 携带语音输入
//	modelflow validate --config config.yaml       # 校验配置文件
//	modelflow version                             # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nexlearn/modelflow/config"
	"github.com/nexlearn/modelflow/dispatch"
	"github.com/nexlearn/modelflow/dispatch/providers"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "chat":
		runChat(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 💬 chat 命令
// =============================================================================

func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	prompt := fs.String("prompt", "", "User prompt to send")
	voiceURL := fs.String("voice", "", "URL of a voice attachment")
	identity := fs.String("identity", "local", "Caller identity for config resolution")
	stream := fs.Bool("stream", false, "Stream the response")
	fs.Parse(args)

	if *prompt == "" && *voiceURL == "" {
		fmt.Fprintln(os.Stderr, "chat requires --prompt or --voice")
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Log)
	defer logger.Sync()

	resolver := config.NewResolver(cfg, logger)
	registry := dispatch.NewRegistry(logger)
	providers.RegisterDefaults(registry, resolver, providers.Settings{
		AudioTimeout:   cfg.Audio.Timeout,
		AudioRateLimit: cfg.Audio.RateLimit,
		Retry:          cfg.Retry.ToPolicy(),
	}, logger)
	router := dispatch.NewRouter(registry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	capability := dispatch.CapabilityText
	if *voiceURL != "" {
		capability = dispatch.CapabilityVoice
	}

	modelCfg, err := resolver.Resolve(ctx, *identity, capability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "No usable model: %v\n", err)
		os.Exit(1)
	}

	var messages []dispatch.Message
	if *prompt != "" {
		messages = append(messages, dispatch.Text(dispatch.RoleUser, *prompt))
	}

	events, err := router.Dispatch(ctx, dispatch.CallRequest{
		Config:   modelCfg,
		Messages: messages,
		Stream:   *stream,
		Identity: *identity,
		VoiceURL: *voiceURL,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Dispatch failed: %v\n", err)
		os.Exit(1)
	}

	exitCode := 0
	for ev := range events {
		switch ev.Type {
		case dispatch.EventText:
			fmt.Print(ev.Content)
		case dispatch.EventTranscription:
			fmt.Fprintf(os.Stderr, "[transcript] %s\n", ev.Transcript)
		case dispatch.EventToolStart:
			fmt.Fprintf(os.Stderr, "[tool] %s %s\n", ev.ToolName, ev.ToolArguments)
		case dispatch.EventStreamInterrupted:
			fmt.Fprintf(os.Stderr, "\n[interrupted after %d chars] %s\n", ev.PartialContentLength, ev.Message)
			exitCode = 1
		case dispatch.EventError:
			fmt.Fprintf(os.Stderr, "\n[error] %s\n", ev.Message)
			exitCode = 1
		case dispatch.EventDone:
			fmt.Println()
		}
	}
	os.Exit(exitCode)
}

// =============================================================================
// ✅ validate 命令
// =============================================================================

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Config OK: %d shared models, %d user catalogs\n", len(cfg.Models), len(cfg.UserModels))
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	return loader.Load()
}

// =============================================================================
// ℹ️ version / usage
// =============================================================================

func printVersion() {
	fmt.Printf("ModelFlow %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
}

func printUsage() {
	fmt.Println(`ModelFlow - provider-agnostic model dispatch

Usage:
  modelflow chat --prompt "..." [--config path] [--stream] [--voice url]
  modelflow validate [--config path]
  modelflow version`)
}
