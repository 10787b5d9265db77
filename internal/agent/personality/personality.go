// Package personality 为其它智能体的原始回答加上统一的人设语气。
package personality

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"AAHB-Assistant/internal/agent"
	"AAHB-Assistant/internal/llm"
	"AAHB-Assistant/internal/mcp"
)

// Name 是人设智能体的注册名。
const Name = "personality_agent"

// DefaultPersona 是默认的人设描述。
const DefaultPersona = "helpful, witty, and slightly sarcastic AI assistant"

const noContext = "No additional context"

// Agent 改写原始回答。
type Agent struct {
	*agent.Base
	persona string
	writer  llm.Client
}

// Option 定义人设智能体的可选配置。
type Option func(*Agent)

// WithPersona 覆盖默认人设。
func WithPersona(persona string) Option {
	return func(a *Agent) {
		if p := strings.TrimSpace(persona); p != "" {
			a.persona = p
		}
	}
}

// WithWriter 使用大模型改写回答，未配置时使用本地模板。
func WithWriter(client llm.Client) Option {
	return func(a *Agent) {
		a.writer = client
	}
}

// New 创建人设智能体。
func New(base []agent.Option, opts ...Option) *Agent {
	a := &Agent{Base: agent.NewBase(Name, base...), persona: DefaultPersona}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Persona 返回当前人设。
func (a *Agent) Persona() string { return a.persona }

// Initialize 实现 agent.Agent。
func (a *Agent) Initialize(context.Context) error {
	return a.InitOnce(func() error {
		mode := "template"
		if a.writer != nil {
			mode = "llm"
		}
		a.Logger().Info("人设智能体已就绪", slog.String("mode", mode))
		return nil
	})
}

// Process 实现 agent.Agent。
func (a *Agent) Process(ctx context.Context, env mcp.Envelope) (*mcp.Envelope, error) {
	if err := a.Initialize(ctx); err != nil {
		return nil, err
	}

	raw, _ := env.Payload.String("raw_response")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return a.Reject(env, agent.CodeInvalidRequest, "No response content provided"), nil
	}

	userContext := noContext
	if extra, ok := env.Payload.Map("context"); ok {
		if v, ok := extra.String("user_context"); ok && strings.TrimSpace(v) != "" {
			userContext = strings.TrimSpace(v)
		}
	}

	final, err := a.apply(ctx, raw, userContext)
	if err != nil {
		return a.Reject(env, agent.CodeProcessingFailed, "Personality application failed: "+err.Error()), nil
	}

	a.Logger().Info("处理人设请求", slog.String("context_id", env.Header.ContextID))
	return a.Respond(env, mcp.Payload{
		"final_response": mcp.String(final),
		"persona":        mcp.String(a.persona),
	}), nil
}

func (a *Agent) apply(ctx context.Context, raw, userContext string) (string, error) {
	if a.writer == nil {
		return render(raw, userContext), nil
	}
	resp, err := a.writer.Generate(ctx, llm.Request{
		Instruction: fmt.Sprintf("Rewrite the user's text in the style of a %s. "+
			"Keep the core information but make it more engaging and personality-driven.", a.persona),
		Context: userContext,
		Content: raw,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// render 是没有大模型时的本地改写。
func render(raw, userContext string) string {
	if userContext == noContext {
		return "Well, here's the deal: " + raw
	}
	return fmt.Sprintf("Since you asked about %s, here's the deal: %s", userContext, raw)
}

var _ agent.Agent = (*Agent)(nil)
