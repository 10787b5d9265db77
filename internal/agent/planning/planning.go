// Package planning 提供将目标拆解为执行步骤的智能体。
package planning

import (
	"context"
	"log/slog"
	"strings"

	"AAHB-Assistant/internal/agent"
	"AAHB-Assistant/internal/mcp"
)

// Name 是规划智能体的注册名。
const Name = "planning_agent"

// Step 描述计划中的一步，Duration 单位为分钟。
type Step struct {
	Number   int
	Action   string
	Duration int
}

// Planner 将目标与约束转换为步骤列表。
type Planner interface {
	Plan(ctx context.Context, goal string, constraints mcp.Payload) ([]Step, error)
}

// PlannerFunc 允许普通函数作为 Planner。
type PlannerFunc func(ctx context.Context, goal string, constraints mcp.Payload) ([]Step, error)

// Plan 实现 Planner。
func (f PlannerFunc) Plan(ctx context.Context, goal string, constraints mcp.Payload) ([]Step, error) {
	return f(ctx, goal, constraints)
}

// TemplatePlanner 为任意目标返回固定的五步模板。
var TemplatePlanner Planner = PlannerFunc(func(context.Context, string, mcp.Payload) ([]Step, error) {
	return []Step{
		{Number: 1, Action: "Analyze goal", Duration: 5},
		{Number: 2, Action: "Gather resources", Duration: 10},
		{Number: 3, Action: "Execute primary task", Duration: 30},
		{Number: 4, Action: "Verify results", Duration: 10},
		{Number: 5, Action: "Report completion", Duration: 5},
	}, nil
})

// Agent 处理规划请求。
type Agent struct {
	*agent.Base
	planner Planner
}

// Option 定义规划智能体的可选配置。
type Option func(*Agent)

// WithPlanner 替换默认的模板规划器。
func WithPlanner(p Planner) Option {
	return func(a *Agent) {
		if p != nil {
			a.planner = p
		}
	}
}

// New 创建规划智能体。
func New(base []agent.Option, opts ...Option) *Agent {
	a := &Agent{Base: agent.NewBase(Name, base...), planner: TemplatePlanner}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Initialize 实现 agent.Agent。
func (a *Agent) Initialize(context.Context) error {
	return a.InitOnce(func() error {
		a.Logger().Info("规划模型已加载（模拟）")
		return nil
	})
}

// Process 实现 agent.Agent。
func (a *Agent) Process(ctx context.Context, env mcp.Envelope) (*mcp.Envelope, error) {
	if err := a.Initialize(ctx); err != nil {
		return nil, err
	}

	goal, _ := env.Payload.String("goal")
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return a.Reject(env, agent.CodeInvalidRequest, "No goal provided"), nil
	}
	constraints, _ := env.Payload.Map("constraints")

	a.Logger().Info("处理规划请求",
		slog.String("context_id", env.Header.ContextID),
		slog.String("goal", goal))

	steps, err := a.planner.Plan(ctx, goal, constraints)
	if err != nil {
		return a.Reject(env, agent.CodeProcessingFailed, "Planning failed: "+err.Error()), nil
	}

	plan := make([]mcp.Value, 0, len(steps))
	total := 0
	for _, step := range steps {
		total += step.Duration
		plan = append(plan, mcp.Map(map[string]mcp.Value{
			"step":     mcp.Int(step.Number),
			"action":   mcp.String(step.Action),
			"duration": mcp.Int(step.Duration),
		}))
	}

	return a.Respond(env, mcp.Payload{
		"plan":               mcp.List(plan...),
		"steps":              mcp.Int(len(steps)),
		"estimated_duration": mcp.Int(total),
	}), nil
}

var _ agent.Agent = (*Agent)(nil)
