package mcpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"AAHB-Assistant/internal/orchestrator"
	"AAHB-Assistant/internal/storage"
	"AAHB-Assistant/pkg/logger"
)

// Version 在构建时通过 ldflags 注入。
var Version = "dev"

const instructions = `AAHB routes MCP envelopes between assistant agents.
Use aahb_destinations to see which agents are available, aahb_send to queue a
request for one of them, and aahb_history to read the replies of a conversation.`

// Server 将编排器包装成 MCP 工具服务。
type Server struct {
	mcp    *server.MCPServer
	logger *slog.Logger
}

// Option 定义可选配置。
type Option func(*settings)

type settings struct {
	archive storage.Archive
	logger  *slog.Logger
}

// WithArchive 让 aahb_history 在内存缺失时查询归档。
func WithArchive(archive storage.Archive) Option {
	return func(s *settings) {
		s.archive = archive
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// New 注册全部工具并返回服务。
func New(bus *orchestrator.Orchestrator, opts ...Option) *Server {
	cfg := settings{logger: logger.Named("mcpserver")}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	s := server.NewMCPServer(
		"aahb",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	send := NewSendTool(bus)
	s.AddTool(send.Definition(), send.Handle)

	history := NewHistoryTool(bus, cfg.archive)
	s.AddTool(history.Definition(), history.Handle)

	destinations := NewDestinationsTool(bus)
	s.AddTool(destinations.Definition(), destinations.Handle)

	return &Server{mcp: s, logger: cfg.logger}
}

// MCP 返回底层服务，便于嵌入其他传输方式。
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// Serve 在给定的读写流上提供 stdio 传输，直到上下文取消或输入结束。
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("MCP stdio 服务已启动")
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
