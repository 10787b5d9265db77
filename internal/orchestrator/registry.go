package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/mcp"
)

// Handler 处理一条信封，可返回一条需要继续路由的新信封。
type Handler interface {
	Handle(ctx context.Context, env mcp.Envelope) (*mcp.Envelope, error)
}

// HandlerFunc 允许普通函数作为 Handler。
type HandlerFunc func(ctx context.Context, env mcp.Envelope) (*mcp.Envelope, error)

// Handle 实现 Handler。
func (f HandlerFunc) Handle(ctx context.Context, env mcp.Envelope) (*mcp.Envelope, error) {
	return f(ctx, env)
}

// Normalize 将目的地标识统一为小写，注册与路由共用。
func Normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Registry 维护目的地到处理器的映射。
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewRegistry 创建空注册表。
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{handlers: make(map[string]Handler), logger: logger}
}

// Register 注册或替换处理器，替换时只记录日志。
func (r *Registry) Register(id string, handler Handler) error {
	key := Normalize(id)
	if key == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "destination id 不能为空")
	}
	if handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "handler 不能为空")
	}

	r.mu.Lock()
	_, replaced := r.handlers[key]
	r.handlers[key] = handler
	r.mu.Unlock()

	if replaced {
		r.logger.Warn("替换已注册的处理器", slog.String("destination", key))
	} else {
		r.logger.Info("注册处理器", slog.String("destination", key))
	}
	return nil
}

// Lookup 查找处理器，未知目的地返回 false。
func (r *Registry) Lookup(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[Normalize(id)]
	return handler, ok
}

// Destinations 返回已注册的目的地（已归一化，按字母排序）。
func (r *Registry) Destinations() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
