package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/mcp"
	"AAHB-Assistant/pkg/logger"
)

const (
	// CodeInitFailed 表示智能体初始化失败，注册随之失败。
	CodeInitFailed xerrors.Code = "AGENT_INIT_FAILED"
	// CodeInvalidRequest 表示请求载荷缺少智能体需要的字段。
	CodeInvalidRequest xerrors.Code = "INVALID_REQUEST"
	// CodeProcessingFailed 表示智能体自身处理失败。
	CodeProcessingFailed xerrors.Code = "AGENT_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeInitFailed, xerrors.Attributes{
		Message:   "agent initialization failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
	})
	xerrors.Register(CodeInvalidRequest, xerrors.Attributes{
		Message:  "invalid agent request",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeProcessingFailed, xerrors.Attributes{
		Message:  "agent processing failed",
		Severity: xerrors.SeverityWarning,
	})
}

// Agent 是挂接到总线上的处理能力。编排器只依赖这个接口。
type Agent interface {
	// Name 返回注册用的目的地标识。
	Name() string
	// Initialize 加载智能体所需资源，失败时不会被注册。
	Initialize(ctx context.Context) error
	// Process 处理一条信封，可返回发往其它智能体或原始来源的新信封。
	Process(ctx context.Context, env mcp.Envelope) (*mcp.Envelope, error)
}

// Base 为具体智能体提供名称、日志与信封构造工具。
type Base struct {
	name   string
	logger *slog.Logger

	once    sync.Once
	initErr error
}

// Option 定义 Base 的可选配置。
type Option func(*Base)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(b *Base) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBase 创建 Base。
func NewBase(name string, opts ...Option) *Base {
	b := &Base{name: name}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.logger == nil {
		b.logger = logger.Named("agent." + name)
	}
	return b
}

// Name 返回智能体名称。
func (b *Base) Name() string { return b.name }

// Logger 返回带组件名的日志器。
func (b *Base) Logger() *slog.Logger { return b.logger }

// InitOnce 只执行一次加载函数，之后返回首次的结果。
func (b *Base) InitOnce(load func() error) error {
	b.once.Do(func() {
		b.logger.Info("初始化智能体", slog.String("agent", b.name))
		if load != nil {
			b.initErr = load()
		}
		if b.initErr != nil {
			b.initErr = xerrors.Wrap(CodeInitFailed, b.initErr, fmt.Sprintf("智能体 %s 初始化失败", b.name))
			return
		}
		b.logger.Info("智能体初始化完成", slog.String("agent", b.name))
	})
	return b.initErr
}

// Respond 构造发回请求来源的响应信封。
func (b *Base) Respond(original mcp.Envelope, payload mcp.Payload) *mcp.Envelope {
	reply := mcp.Reply(original, b.name, payload)
	b.logger.Debug("发送响应",
		slog.String("destination", reply.Header.Destination),
		slog.String("context_id", reply.Header.ContextID))
	return &reply
}

// Reject 构造发回请求来源的错误信封。
func (b *Base) Reject(original mcp.Envelope, code xerrors.Code, message string) *mcp.Envelope {
	failure := mcp.Failure(original, b.name, code, message)
	b.logger.Warn("拒绝请求",
		slog.String("destination", failure.Header.Destination),
		slog.String("context_id", failure.Header.ContextID),
		slog.String("error_code", string(code)),
		slog.String("error", message))
	return &failure
}
