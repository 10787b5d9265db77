package llm

import "context"

// Request 描述一次文本生成任务。
type Request struct {
	// Instruction 作为系统提示，描述生成风格。
	Instruction string
	// Context 为补充信息，例如用户上下文。
	Context string
	// Content 是需要处理的主体文本。
	Content string
	// Knowledge 提供可引用的知识切片。
	Knowledge []KnowledgeCard
}

// Response 是大模型生成的文本。
type Response struct {
	Text string
}

// KnowledgeCard 表示提供给大模型的知识切片。
type KnowledgeCard struct {
	Title   string
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
