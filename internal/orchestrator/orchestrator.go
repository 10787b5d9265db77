package orchestrator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"AAHB-Assistant/internal/agent"
	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/mcp"
	"AAHB-Assistant/pkg/logger"
)

// State 是编排器的生命周期状态：Idle → Running → Stopped。
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Orchestrator 拥有注册表、上下文存储与分发队列，并运行唯一的分发循环。
type Orchestrator struct {
	registry *Registry
	contexts *ContextStore
	queue    *DispatchQueue

	logger         *slog.Logger
	audit          *slog.Logger
	observer       Observer
	handlerTimeout time.Duration
	maxHops        int

	archiver      Archiver
	archiveBuffer int
	archiveCh     chan mcp.Envelope
	archiveDone   chan struct{}

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	// abandoned 记录超时后仍在运行的处理器调用。
	abandoned sync.WaitGroup
}

// New 构造处于 Idle 状态的编排器。
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		contexts:      NewContextStore(),
		queue:         NewDispatchQueue(),
		observer:      nopObserver{},
		maxHops:       DefaultMaxHops,
		archiveBuffer: defaultArchiveBuffer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.logger == nil {
		o.logger = logger.Named("orchestrator")
	}
	if o.audit == nil {
		o.audit = o.logger
	}
	o.registry = NewRegistry(o.logger)
	return o
}

// Register 将处理器注册到目的地，重复注册会替换旧处理器。
func (o *Orchestrator) Register(destination string, handler Handler) error {
	return o.registry.Register(destination, handler)
}

// RegisterAgent 初始化智能体并以其名称注册。初始化失败时不注册。
func (o *Orchestrator) RegisterAgent(ctx context.Context, a agent.Agent) error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	if err := a.Initialize(ctx); err != nil {
		if xerrors.CodeOf(err) == agent.CodeInitFailed {
			return err
		}
		return xerrors.Wrap(agent.CodeInitFailed, err, fmt.Sprintf("智能体 %s 初始化失败", a.Name()))
	}
	return o.Register(a.Name(), HandlerFunc(a.Process))
}

// Destinations 返回已注册的目的地。
func (o *Orchestrator) Destinations() []string {
	return o.registry.Destinations()
}

// Route 将信封放入分发队列，是唯一的外部写入口，可在任意协程（包括处理器内部）调用。
// 停止后返回 ORCHESTRATOR_STOPPED。
func (o *Orchestrator) Route(env mcp.Envelope) error {
	if err := env.Header.Validate(); err != nil {
		return err
	}
	if err := o.queue.Push(env.Clone()); err != nil {
		return xerrors.Wrap(CodeOrchestratorStopped, err, "orchestrator stopped")
	}
	o.observer.ObserveQueueDepth(o.queue.Len())
	return nil
}

// History 返回会话历史快照，未知会话返回 nil。
func (o *Orchestrator) History(contextID string) []mcp.Envelope {
	history, _ := o.contexts.Get(contextID)
	return history
}

// Contexts 暴露只读查询之外的会话状态管理。
func (o *Orchestrator) Contexts() *ContextStore {
	return o.contexts
}

// State 返回当前生命周期状态。
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Pending 返回排队中的信封数量。
func (o *Orchestrator) Pending() int {
	return o.queue.Len()
}

// Start 启动分发循环。运行中重复调用不做任何事，停止后调用返回 ALREADY_STOPPED。
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case StateRunning:
		return nil
	case StateStopped:
		return ErrAlreadyStopped
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	if o.archiver != nil {
		o.archiveCh = make(chan mcp.Envelope, o.archiveBuffer)
		o.archiveDone = make(chan struct{})
		go o.runArchiver()
	}
	o.state = StateRunning
	go o.run(ctx)

	o.logger.Info("编排器已启动", slog.Int("pending", o.queue.Len()))
	return nil
}

// Stop 关闭队列并等待分发循环退出，包括正在执行以及超时后被放弃的处理器调用。
// 仍在排队的信封会被丢弃并记录数量。重复调用不做任何事。
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	previous := o.state
	if previous == StateStopped {
		o.mu.Unlock()
		return nil
	}
	o.state = StateStopped
	discarded := o.queue.Close()
	cancel, done := o.cancel, o.done
	o.mu.Unlock()

	if previous == StateRunning {
		cancel()
		<-done
		o.abandoned.Wait()
		if o.archiveCh != nil {
			close(o.archiveCh)
			<-o.archiveDone
		}
	}

	if discarded > 0 {
		o.logger.Warn("停止时丢弃排队中的信封", slog.Int("discarded", discarded))
	}
	o.logger.Info("编排器已停止")
	return nil
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)
	for {
		env, err := o.queue.Pop(ctx)
		if err != nil {
			return
		}
		o.observer.ObserveQueueDepth(o.queue.Len())
		o.dispatch(ctx, env)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, env mcp.Envelope) {
	start := time.Now()
	header := env.Header
	attrs := []any{
		slog.String("message_id", header.MessageID),
		slog.String("context_id", header.ContextID),
		slog.String("source", header.Source),
		slog.String("destination", header.Destination),
		slog.String("message_type", string(header.MessageType)),
	}

	o.contexts.Append(header.ContextID, env)
	o.archive(env)

	if header.HopCount > o.maxHops {
		o.logger.Warn("超过派生层数上限，信封不再投递",
			append(attrs, slog.Int("hop_count", header.HopCount), slog.Int("max_hops", o.maxHops))...)
		o.finish(env, OutcomeHopLimit, start, attrs)
		return
	}

	handler, ok := o.registry.Lookup(header.Destination)
	if !ok {
		err := xerrors.New(CodeUnknownDestination, fmt.Sprintf("agent %s not found", Normalize(header.Destination)))
		if header.MessageType == mcp.TypeRequest {
			o.logger.Error("目的地未注册", append(attrs, slog.Any("error", err))...)
			o.fail(env, CodeUnknownDestination, err)
		} else {
			o.logger.Error("信封无法投递，来源未注册为目的地", append(attrs, slog.Any("error", err))...)
		}
		o.finish(env, OutcomeUnknownDestination, start, attrs)
		return
	}

	o.logger.Debug("投递信封", attrs...)
	reply, err := o.invoke(ctx, handler, env)
	if err != nil {
		o.logger.Error("处理器执行失败", append(attrs, slog.Any("error", err))...)
		if header.MessageType == mcp.TypeError {
			o.logger.Error("错误信封处理失败，不再回传", attrs...)
		} else {
			o.fail(env, CodeHandlerFailure, err)
		}
		o.finish(env, OutcomeHandlerFailure, start, attrs)
		return
	}

	if reply != nil {
		followUp := reply.Clone()
		if followUp.Header.HopCount <= header.HopCount {
			followUp.Header.HopCount = header.HopCount + 1
		}
		if routeErr := o.Route(followUp); routeErr != nil {
			o.logger.Error("后续信封路由失败",
				append(attrs, slog.String("follow_up_id", followUp.Header.MessageID), slog.Any("error", routeErr))...)
		}
	}
	o.finish(env, OutcomeDelivered, start, attrs)
}

// invoke 调用处理器，panic 会被转换为错误。配置了超时时，超时后放弃等待结果，
// 但编排器停止时仍会等待调用返回。
func (o *Orchestrator) invoke(ctx context.Context, handler Handler, env mcp.Envelope) (*mcp.Envelope, error) {
	if o.handlerTimeout <= 0 {
		return call(ctx, handler, env)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.handlerTimeout)
	defer cancel()

	type result struct {
		reply *mcp.Envelope
		err   error
	}
	results := make(chan result, 1)
	o.abandoned.Add(1)
	go func() {
		defer o.abandoned.Done()
		reply, err := call(callCtx, handler, env)
		results <- result{reply: reply, err: err}
	}()

	var res result
	select {
	case res = <-results:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			res = <-results
			return res.reply, res.err
		}
	}
	if ctx.Err() == nil && stdErrors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, callCtx.Err(),
			fmt.Sprintf("handler for %s exceeded %s", Normalize(env.Header.Destination), o.handlerTimeout))
	}
	return res.reply, res.err
}

func call(ctx context.Context, handler Handler, env mcp.Envelope) (reply *mcp.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, env.Clone())
}

// fail 合成错误信封发回原始来源。
func (o *Orchestrator) fail(env mcp.Envelope, code xerrors.Code, cause error) {
	failure := mcp.Failure(env, env.Header.Destination, code, xerrors.MessageOf(cause))
	if causeCode := xerrors.CodeOf(cause); causeCode != code && causeCode != xerrors.CodeUnknown {
		failure.Payload["cause"] = mcp.String(string(causeCode))
	}
	if err := o.Route(failure); err != nil {
		o.logger.Error("错误信封路由失败",
			slog.String("context_id", env.Header.ContextID),
			slog.String("destination", failure.Header.Destination),
			slog.String("error_code", string(code)),
			slog.Any("error", err))
	}
}

func (o *Orchestrator) finish(env mcp.Envelope, outcome Outcome, start time.Time, attrs []any) {
	elapsed := time.Since(start)
	o.observer.ObserveDispatch(env, outcome, elapsed)
	o.audit.Info("分发完成", append(attrs, slog.String("outcome", string(outcome)), slog.Duration("elapsed", elapsed))...)
}

func (o *Orchestrator) archive(env mcp.Envelope) {
	if o.archiveCh == nil {
		return
	}
	select {
	case o.archiveCh <- env:
	default:
		o.logger.Warn("归档通道已满，跳过归档",
			slog.String("message_id", env.Header.MessageID),
			slog.String("context_id", env.Header.ContextID))
	}
}

func (o *Orchestrator) runArchiver() {
	defer close(o.archiveDone)
	for env := range o.archiveCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.archiver.Save(ctx, env); err != nil {
			o.logger.Error("归档信封失败",
				slog.String("message_id", env.Header.MessageID),
				slog.String("context_id", env.Header.ContextID),
				slog.Any("error", err))
		}
		cancel()
	}
}
