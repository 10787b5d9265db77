package bridge

import (
	"context"
	"log/slog"
	"strings"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/mcp"
	"AAHB-Assistant/pkg/logger"
)

// CodeBridgeClosed 表示桥接已关闭。
const CodeBridgeClosed xerrors.Code = "BRIDGE_CLOSED"

// ErrClosed 在向已关闭的桥接发布时返回。
var ErrClosed = xerrors.New(CodeBridgeClosed, "bridge closed")

func init() {
	xerrors.Register(CodeBridgeClosed, xerrors.Attributes{
		Message:  "bridge closed",
		Severity: xerrors.SeverityInfo,
	})
}

// Handler 处理从外部收到的信封。返回错误时桥接会尝试重新投递。
type Handler func(ctx context.Context, env mcp.Envelope) error

// Producer 负责向外部队列发布信封。
type Producer interface {
	Publish(ctx context.Context, env mcp.Envelope) error
	Close() error
}

// Consumer 负责从外部队列消费信封，阻塞直到 ctx 取消或出现致命错误。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Bridge 同时具备生产者与消费者能力。
type Bridge interface {
	Producer
	Consumer
}

// Router 是接收信封的一方，通常是编排器。
type Router interface {
	Route(env mcp.Envelope) error
}

// RouteTo 将外部信封交给 Router。
func RouteTo(r Router) Handler {
	return func(_ context.Context, env mcp.Envelope) error {
		return r.Route(env)
	}
}

// Option 定义桥接的可选配置。
type Option func(*options)

type options struct {
	logger        *slog.Logger
	compressAbove int
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCompression 对超过 minBytes 的消息体使用 zstd 压缩，0 表示关闭。
// 消费端总能识别压缩与未压缩的消息体。
func WithCompression(minBytes int) Option {
	return func(o *options) {
		if minBytes > 0 {
			o.compressAbove = minBytes
		}
	}
}

func buildOptions(name string, opts []Option) options {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = logger.Named("bridge." + name)
	}
	return o
}

// deliver 解码一条外部消息并交给 handler。解码失败的消息被记录并丢弃，返回 false 与 nil。
// 返回的 error 来自 handler。
func deliver(ctx context.Context, log *slog.Logger, body []byte, handler Handler) (bool, error) {
	env, err := decodeBody(body)
	if err != nil {
		log.Warn("丢弃无法解析的外部消息", slog.Int("bytes", len(body)), slog.Any("error", err))
		return false, nil
	}
	if err := handler(ctx, env); err != nil {
		log.Error("外部信封处理失败",
			slog.String("message_id", env.Header.MessageID),
			slog.String("destination", env.Header.Destination),
			slog.Any("error", err))
		return true, err
	}
	return true, nil
}

// Config 描述桥接驱动与各后端参数。
type Config struct {
	Driver  string `yaml:"driver"`
	Workers int    `yaml:"workers"`

	// CompressAbove 大于 0 时，超过该字节数的消息体以 zstd 压缩发布。
	CompressAbove int `yaml:"compress_above"`

	Memory   MemoryConfig   `yaml:"memory"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`

	// Remote 列出位于其它进程、需要经由桥接转发的目的地。
	Remote []string `yaml:"remote"`
}

// MemoryConfig 描述内存桥接。
type MemoryConfig struct {
	Size int `yaml:"size"`
}

// Open 根据驱动名创建桥接。driver 为空或 none 时返回 nil。
func Open(cfg Config, opts ...Option) (Bridge, error) {
	opts = append([]Option{WithCompression(cfg.CompressAbove)}, opts...)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryBridge(cfg.Memory.Size, opts...), nil
	case "redis":
		return NewRedisBridge(cfg.Redis, opts...)
	case "rabbitmq":
		return NewRabbitMQBridge(cfg.RabbitMQ, opts...)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unsupported bridge driver "+cfg.Driver)
	}
}
