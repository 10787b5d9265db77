package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/mcp"
	"AAHB-Assistant/internal/orchestrator"
	"AAHB-Assistant/pkg/logger"
)

const (
	defaultBuffer        = 64
	defaultNotifyTimeout = 10 * time.Second
)

var outcomeCodes = map[orchestrator.Outcome]xerrors.Code{
	orchestrator.OutcomeUnknownDestination: orchestrator.CodeUnknownDestination,
	orchestrator.OutcomeHandlerFailure:     orchestrator.CodeHandlerFailure,
	orchestrator.OutcomeHopLimit:           orchestrator.CodeHopLimitExceeded,
}

var severityRank = map[xerrors.Severity]int{
	xerrors.SeverityInfo:     0,
	xerrors.SeverityWarning:  1,
	xerrors.SeverityCritical: 2,
}

// Watcher 把分发失败转换成告警事件，异步交给 Dispatcher。
// 它实现 orchestrator.Observer，并把所有观测转发给 next。
type Watcher struct {
	next        orchestrator.Observer
	dispatcher  Dispatcher
	minSeverity xerrors.Severity
	events      chan Event
	logger      *slog.Logger
	now         func() time.Time
}

// Option 定义 Watcher 的可选配置。
type Option func(*Watcher)

// WithNext 指定被包装的观察者，通常是指标采集器。
func WithNext(next orchestrator.Observer) Option {
	return func(w *Watcher) {
		w.next = next
	}
}

// WithMinSeverity 只对不低于该级别的错误码告警。
func WithMinSeverity(sev xerrors.Severity) Option {
	return func(w *Watcher) {
		if _, ok := severityRank[sev]; ok {
			w.minSeverity = sev
		}
	}
}

// WithBuffer 设置待发送事件的缓冲大小，满时丢弃新事件。
func WithBuffer(size int) Option {
	return func(w *Watcher) {
		if size > 0 {
			w.events = make(chan Event, size)
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher 创建 Watcher。
func NewWatcher(dispatcher Dispatcher, opts ...Option) *Watcher {
	w := &Watcher{
		dispatcher:  dispatcher,
		minSeverity: xerrors.SeverityInfo,
		events:      make(chan Event, defaultBuffer),
		logger:      logger.Named("alerting"),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// ObserveDispatch 实现 orchestrator.Observer。
func (w *Watcher) ObserveDispatch(env mcp.Envelope, outcome orchestrator.Outcome, elapsed time.Duration) {
	if w.next != nil {
		w.next.ObserveDispatch(env, outcome, elapsed)
	}
	code, ok := outcomeCodes[outcome]
	if !ok {
		return
	}
	severity := xerrors.AttributesOf(code).Severity
	if severityRank[severity] < severityRank[w.minSeverity] {
		return
	}

	event := Event{
		Code:        code,
		Message:     fmt.Sprintf("dispatch to %s ended with %s", env.Header.Destination, outcome),
		Severity:    severity,
		ContextID:   env.Header.ContextID,
		MessageID:   env.Header.MessageID,
		Source:      env.Header.Source,
		Destination: env.Header.Destination,
		Metadata: map[string]string{
			"message_type": string(env.Header.MessageType),
			"hop_count":    strconv.Itoa(env.Header.HopCount),
			"elapsed":      elapsed.String(),
		},
		OccurredAt: w.now(),
	}
	select {
	case w.events <- event:
	default:
		w.logger.Warn("告警队列已满，丢弃事件",
			slog.String("code", string(code)),
			slog.String("message_id", env.Header.MessageID))
	}
}

// ObserveQueueDepth 实现 orchestrator.Observer。
func (w *Watcher) ObserveQueueDepth(depth int) {
	if w.next != nil {
		w.next.ObserveQueueDepth(depth)
	}
}

// Run 发送缓冲中的事件，直到 ctx 取消。
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-w.events:
			notifyCtx, cancel := context.WithTimeout(ctx, defaultNotifyTimeout)
			if err := w.dispatcher.Notify(notifyCtx, event); err != nil {
				w.logger.Error("发送告警失败",
					slog.String("code", string(event.Code)),
					slog.String("context_id", event.ContextID),
					slog.Any("error", err))
			}
			cancel()
		}
	}
}

var _ orchestrator.Observer = (*Watcher)(nil)
