// Package knowledge 提供基于静态知识库的问答智能体。
package knowledge

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"AAHB-Assistant/internal/agent"
	"AAHB-Assistant/internal/llm"
	"AAHB-Assistant/internal/mcp"
)

// Name 是知识智能体的注册名。
const Name = "knowledge_agent"

const answerInstruction = "Answer the question using only the supplied knowledge. Be concise."

const noAnswer = "I could not find anything relevant in the knowledge base."

// Agent 检索知识库并生成回答。
type Agent struct {
	*agent.Base
	path       string
	maxResults int
	retriever  Retriever
	generator  llm.Client
}

// Option 定义知识智能体的可选配置。
type Option func(*Agent)

// WithSource 指定知识库 JSON 文件，初始化时加载。
func WithSource(path string, maxResults int) Option {
	return func(a *Agent) {
		a.path = path
		a.maxResults = maxResults
	}
}

// WithRetriever 直接提供检索器，跳过文件加载。
func WithRetriever(r Retriever) Option {
	return func(a *Agent) {
		a.retriever = r
	}
}

// WithGenerator 使用大模型根据检索结果组织回答。
func WithGenerator(client llm.Client) Option {
	return func(a *Agent) {
		a.generator = client
	}
}

// New 创建知识智能体。
func New(base []agent.Option, opts ...Option) *Agent {
	a := &Agent{Base: agent.NewBase(Name, base...)}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Initialize 加载知识库。未配置文件也未提供检索器时使用空知识库。
func (a *Agent) Initialize(context.Context) error {
	return a.InitOnce(func() error {
		if a.retriever != nil {
			return nil
		}
		if strings.TrimSpace(a.path) == "" {
			a.retriever = NewStaticStore(nil, a.maxResults)
			a.Logger().Warn("未配置知识库文件，使用空知识库")
			return nil
		}
		store, err := LoadStaticStore(a.path, a.maxResults)
		if err != nil {
			return err
		}
		a.retriever = store
		a.Logger().Info("知识库已加载", slog.String("path", a.path), slog.Int("entries", store.Len()))
		return nil
	})
}

// Process 实现 agent.Agent。
func (a *Agent) Process(ctx context.Context, env mcp.Envelope) (*mcp.Envelope, error) {
	if err := a.Initialize(ctx); err != nil {
		return nil, err
	}

	query, _ := env.Payload.String("query")
	query = strings.TrimSpace(query)
	if query == "" {
		return a.Reject(env, agent.CodeInvalidRequest, "No query provided"), nil
	}

	start := time.Now()
	snippets := a.retriever.Query(query)
	answer, err := a.answer(ctx, query, snippets)
	if err != nil {
		return a.Reject(env, agent.CodeProcessingFailed, "Knowledge query failed: "+err.Error()), nil
	}
	elapsed := time.Since(start)

	sources := make([]mcp.Value, 0, len(snippets))
	for _, snippet := range snippets {
		source := snippet.Source
		if source == "" {
			source = snippet.Title
		}
		sources = append(sources, mcp.String(source))
	}

	a.Logger().Info("处理知识查询",
		slog.String("context_id", env.Header.ContextID),
		slog.Int("matches", len(snippets)),
		slog.Duration("elapsed", elapsed))

	return a.Respond(env, mcp.Payload{
		"answer":          mcp.String(answer),
		"sources":         mcp.List(sources...),
		"processing_time": mcp.Number(elapsed.Seconds()),
	}), nil
}

func (a *Agent) answer(ctx context.Context, query string, snippets []Snippet) (string, error) {
	if len(snippets) == 0 {
		return noAnswer, nil
	}
	if a.generator == nil {
		parts := make([]string, 0, len(snippets))
		for _, snippet := range snippets {
			parts = append(parts, strings.TrimSpace(snippet.Content))
		}
		return strings.Join(parts, " "), nil
	}

	cards := make([]llm.KnowledgeCard, 0, len(snippets))
	for _, snippet := range snippets {
		cards = append(cards, llm.KnowledgeCard{Title: snippet.Title, Content: snippet.Content})
	}
	resp, err := a.generator.Generate(ctx, llm.Request{
		Instruction: answerInstruction,
		Content:     query,
		Knowledge:   cards,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

var _ agent.Agent = (*Agent)(nil)
