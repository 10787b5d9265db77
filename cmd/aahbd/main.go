package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"AAHB-Assistant/internal/agent"
	"AAHB-Assistant/internal/agent/knowledge"
	"AAHB-Assistant/internal/agent/personality"
	"AAHB-Assistant/internal/agent/planning"
	"AAHB-Assistant/internal/api"
	"AAHB-Assistant/internal/bridge"
	"AAHB-Assistant/internal/config"
	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/llm"
	"AAHB-Assistant/internal/llm/anthropic"
	"AAHB-Assistant/internal/llm/command"
	"AAHB-Assistant/internal/llm/openai"
	"AAHB-Assistant/internal/mcpserver"
	"AAHB-Assistant/internal/observability/alerting"
	"AAHB-Assistant/internal/observability/metrics"
	"AAHB-Assistant/internal/orchestrator"
	"AAHB-Assistant/internal/storage"
	"AAHB-Assistant/pkg/logger"
)

// main 是 AAHB 消息总线守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		log.Fatalf("aahbd 运行失败: %v", err)
	}
}

func run(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("aahbd", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", os.Getenv("AAHB_CONFIG"), "YAML 配置文件路径")
	logLevel := flags.String("log-level", "", "覆盖配置中的日志级别 (debug|info|warn|error)")
	mcpStdio := flags.Bool("mcp-stdio", false, "同时通过标准输入输出提供 MCP 工具服务")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *mcpStdio {
		// 标准输出留给 MCP 协议。
		cfg.Logging.OutputPaths = stdoutFree(cfg.Logging.OutputPaths)
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	mainLog := logger.Named("aahbd")

	archive, err := storage.Open(ctx, cfg.Archive)
	if err != nil {
		return err
	}
	if archive != nil {
		defer func() {
			if err := archive.Close(); err != nil {
				mainLog.Warn("关闭归档失败", slog.Any("error", err))
			}
		}()
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithAuditLogger(logger.Audit()),
		orchestrator.WithMaxHops(cfg.Orchestrator.MaxHops),
		orchestrator.WithHandlerTimeout(cfg.Orchestrator.HandlerTimeout),
	}
	if archive != nil {
		opts = append(opts, orchestrator.WithArchiver(archive, cfg.Archive.Buffer))
	}
	var (
		collector *metrics.Collector
		observer  orchestrator.Observer
	)
	if cfg.Metrics.Enabled {
		collector = metrics.New(cfg.Metrics.Runtime)
		observer = collector
	}
	watcher := buildWatcher(cfg, observer)
	if watcher != nil {
		observer = watcher
	}
	if observer != nil {
		opts = append(opts, orchestrator.WithObserver(observer))
	}
	bus := orchestrator.New(opts...)

	generator, err := createLLMClient(cfg)
	if err != nil {
		return err
	}
	agents, err := buildAgents(cfg, generator)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if err := bus.RegisterAgent(ctx, a); err != nil {
			return err
		}
	}

	br, err := bridge.Open(cfg.Bridge, bridge.WithLogger(logger.Named("bridge")))
	if err != nil {
		return err
	}
	if br != nil {
		defer func() {
			if err := br.Close(); err != nil {
				mainLog.Warn("关闭桥接失败", slog.Any("error", err))
			}
		}()
		for _, name := range cfg.Bridge.Remote {
			remote := bridge.NewRemoteAgent(name, br, bridge.WithLogger(logger.Named("bridge")))
			if err := bus.Register(remote.Name(), remote); err != nil {
				return err
			}
		}
	}

	if err := bus.Start(); err != nil {
		return err
	}
	defer func() {
		if err := bus.Stop(); err != nil {
			mainLog.Warn("停止编排器失败", slog.Any("error", err))
		}
	}()
	mainLog.Info("消息总线已启动",
		slog.Any("destinations", bus.Destinations()),
		slog.String("bridge", cfg.Bridge.Driver),
		slog.String("archive", cfg.Archive.Driver))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)

	serverOpts := []api.Option{api.WithLogger(logger.Named("api"))}
	if archive != nil {
		serverOpts = append(serverOpts, api.WithArchive(archive))
	}
	if collector != nil && cfg.Metrics.Address == "" {
		serverOpts = append(serverOpts, api.WithMetrics(collector))
	}
	server := api.NewServer(cfg.Server.Address, bus, serverOpts...)
	group.Go(func() error {
		return server.Start(groupCtx)
	})

	if collector != nil && cfg.Metrics.Address != "" {
		group.Go(func() error {
			return collector.StartServer(groupCtx, cfg.Metrics.Address)
		})
	}

	if watcher != nil {
		group.Go(func() error {
			return watcher.Run(groupCtx)
		})
	}

	if *mcpStdio {
		var mcpOpts []mcpserver.Option
		if archive != nil {
			mcpOpts = append(mcpOpts, mcpserver.WithArchive(archive))
		}
		tools := mcpserver.New(bus, append(mcpOpts, mcpserver.WithLogger(logger.Named("mcpserver")))...)
		group.Go(func() error {
			// 客户端关闭输入即退出整个进程。
			defer cancel()
			return tools.Serve(groupCtx, os.Stdin, os.Stdout)
		})
	}

	if br != nil {
		group.Go(func() error {
			err := br.Consume(groupCtx, cfg.Bridge.Workers, bridge.RouteTo(bus))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}
	mainLog.Info("收到退出信号，正在关闭", slog.Int("pending", bus.Pending()))
	return nil
}

// createLLMClient 在 provider 为 none 时返回 nil，智能体退回模板输出。
func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "none":
		return nil, nil
	case "openai":
		client, err := openai.NewClient(cfg.LLM.OpenAI)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "anthropic":
		client, err := anthropic.NewClient(cfg.LLM.Anthropic)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "command":
		client, err := command.NewClient(cfg.LLM.Command)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

// stdoutFree 把 stdout 输出改写为 stderr。
func stdoutFree(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if strings.EqualFold(p, "stdout") {
			p = "stderr"
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		out = append(out, "stderr")
	}
	return out
}

// buildWatcher 在启用告警时包装指标观察者。
func buildWatcher(cfg *config.Config, next orchestrator.Observer) *alerting.Watcher {
	if !cfg.Alerting.Enabled {
		return nil
	}
	var notifiers []alerting.Notifier
	if cfg.Alerting.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: alerting.NewWebhook(cfg.Alerting.DingTalkWebhook, nil),
		})
	}
	if cfg.Alerting.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewWebhook(cfg.Alerting.SlackWebhook, nil).SlackSender(),
			ChannelID: cfg.Alerting.SlackChannel,
		})
	}
	return alerting.NewWatcher(alerting.NewFanout(notifiers...),
		alerting.WithNext(next),
		alerting.WithBuffer(cfg.Alerting.Buffer),
		alerting.WithMinSeverity(xerrors.Severity(cfg.Alerting.MinSeverity)),
		alerting.WithLogger(logger.Named("alerting")))
}

func buildAgents(cfg *config.Config, generator llm.Client) ([]agent.Agent, error) {
	agents := make([]agent.Agent, 0, len(cfg.Agents.Enabled))
	for _, name := range cfg.Agents.Enabled {
		base := []agent.Option{agent.WithLogger(logger.Named(name))}
		switch name {
		case planning.Name:
			agents = append(agents, planning.New(base))
		case knowledge.Name:
			var opts []knowledge.Option
			if cfg.Knowledge.Source != "" {
				opts = append(opts, knowledge.WithSource(cfg.Knowledge.Source, cfg.Knowledge.MaxResults))
			}
			if generator != nil {
				opts = append(opts, knowledge.WithGenerator(generator))
			}
			agents = append(agents, knowledge.New(base, opts...))
		case personality.Name:
			var opts []personality.Option
			if cfg.Agents.Persona != "" {
				opts = append(opts, personality.WithPersona(cfg.Agents.Persona))
			}
			if generator != nil {
				opts = append(opts, personality.WithWriter(generator))
			}
			agents = append(agents, personality.New(base, opts...))
		default:
			return nil, fmt.Errorf("未知的智能体: %s", name)
		}
	}
	return agents, nil
}
