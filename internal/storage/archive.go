package storage

import (
	"context"
	"sync"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/mcp"
)

// Archive 持久化会话历史。同一 message_id 重复写入会被忽略。
type Archive interface {
	Save(ctx context.Context, env mcp.Envelope) error
	// List 返回会话最近的 limit 条信封，按写入顺序排列；limit<=0 时返回全部。
	List(ctx context.Context, contextID string, limit int) ([]mcp.Envelope, error)
	Close() error
}

// MemoryArchive 在内存中保存会话历史。
type MemoryArchive struct {
	mu       sync.RWMutex
	contexts map[string][]mcp.Envelope
	seen     map[string]struct{}
}

// NewMemoryArchive 创建空的内存归档。
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		contexts: make(map[string][]mcp.Envelope),
		seen:     make(map[string]struct{}),
	}
}

// Save 实现 Archive。
func (m *MemoryArchive) Save(_ context.Context, env mcp.Envelope) error {
	if env.Header.MessageID == "" || env.Header.ContextID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "归档信封缺少 message_id 或 context_id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.add(env.Clone())
	return nil
}

func (m *MemoryArchive) add(env mcp.Envelope) {
	if _, ok := m.seen[env.Header.MessageID]; ok {
		return
	}
	m.seen[env.Header.MessageID] = struct{}{}
	m.contexts[env.Header.ContextID] = append(m.contexts[env.Header.ContextID], env)
}

// List 实现 Archive。
func (m *MemoryArchive) List(_ context.Context, contextID string, limit int) ([]mcp.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.contexts[contextID]
	if limit > 0 && limit < len(history) {
		history = history[len(history)-limit:]
	}
	out := make([]mcp.Envelope, len(history))
	for i, env := range history {
		out[i] = env.Clone()
	}
	return out, nil
}

// Close 实现 Archive。
func (m *MemoryArchive) Close() error { return nil }

var _ Archive = (*MemoryArchive)(nil)
