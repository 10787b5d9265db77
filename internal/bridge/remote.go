package bridge

import (
	"context"
	"log/slog"

	"AAHB-Assistant/internal/mcp"
)

// RemoteAgent 把发往某个目的地的信封转发给 Producer，使智能体可以运行在其它进程中。
// 远端的回复经由 Consumer 重新进入编排器。
type RemoteAgent struct {
	name     string
	producer Producer
	logger   *slog.Logger
}

// NewRemoteAgent 创建远端智能体代理。
func NewRemoteAgent(name string, producer Producer, opts ...Option) *RemoteAgent {
	o := buildOptions("remote", opts)
	return &RemoteAgent{name: name, producer: producer, logger: o.logger.With(slog.String("agent", name))}
}

// Name 返回代理的目的地。
func (r *RemoteAgent) Name() string { return r.name }

// Handle 发布信封，不产生本地回复。发布失败由编排器转换为处理失败。
func (r *RemoteAgent) Handle(ctx context.Context, env mcp.Envelope) (*mcp.Envelope, error) {
	if err := r.producer.Publish(ctx, env); err != nil {
		return nil, err
	}
	r.logger.Debug("信封已转发至远端",
		slog.String("message_id", env.Header.MessageID),
		slog.String("context_id", env.Header.ContextID))
	return nil, nil
}
