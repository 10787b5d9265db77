package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"AAHB-Assistant/internal/mcp"
)

// DefaultMaxHops 是处理器派生信封的默认层数上限。
const DefaultMaxHops = 32

// defaultArchiveBuffer 是归档通道的默认容量。
const defaultArchiveBuffer = 256

// Outcome 描述一次分发的结果。
type Outcome string

const (
	OutcomeDelivered          Outcome = "delivered"
	OutcomeUnknownDestination Outcome = "unknown_destination"
	OutcomeHandlerFailure     Outcome = "handler_failure"
	OutcomeHopLimit           Outcome = "hop_limit"
)

// Observer 接收分发事件，用于指标采集。实现必须是并发安全的。
type Observer interface {
	ObserveDispatch(env mcp.Envelope, outcome Outcome, elapsed time.Duration)
	ObserveQueueDepth(depth int)
}

// Archiver 接收进入会话历史的每条信封，用于持久化。
type Archiver interface {
	Save(ctx context.Context, env mcp.Envelope) error
}

// Option 定义编排器的可选配置。
type Option func(*Orchestrator)

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAuditLogger 指定记录分发结果的审计日志。
func WithAuditLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.audit = logger
		}
	}
}

// WithHandlerTimeout 为每次处理器调用设置超时，0 表示不限制。
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout < 0 {
			timeout = 0
		}
		o.handlerTimeout = timeout
	}
}

// WithMaxHops 设置派生信封的层数上限。
func WithMaxHops(hops int) Option {
	return func(o *Orchestrator) {
		if hops > 0 {
			o.maxHops = hops
		}
	}
}

// WithObserver 配置指标观察者。
func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) {
		if observer != nil {
			o.observer = observer
		}
	}
}

// WithArchiver 配置会话归档，buffer 为异步写入通道容量。
func WithArchiver(archiver Archiver, buffer int) Option {
	return func(o *Orchestrator) {
		o.archiver = archiver
		if buffer > 0 {
			o.archiveBuffer = buffer
		}
	}
}

type nopObserver struct{}

func (nopObserver) ObserveDispatch(mcp.Envelope, Outcome, time.Duration) {}

func (nopObserver) ObserveQueueDepth(int) {}
