package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/mcp"
	"AAHB-Assistant/internal/observability/metrics"
	"AAHB-Assistant/internal/orchestrator"
	"AAHB-Assistant/internal/storage"
	"AAHB-Assistant/pkg/logger"
)

// maxBodyBytes 限制单个信封请求体大小。
const maxBodyBytes = 1 << 20

// Server 负责暴露 REST 接口，供外部系统向总线投递信封并查询会话。
type Server struct {
	addr    string
	bus     *orchestrator.Orchestrator
	archive storage.Archive
	metrics *metrics.Collector
	logger  *slog.Logger
}

// Option 定义服务的可选配置。
type Option func(*Server)

// WithArchive 在内存中找不到会话时回退到归档查询。
func WithArchive(archive storage.Archive) Option {
	return func(s *Server) {
		s.archive = archive
	}
}

// WithMetrics 挂载 /metrics 并记录请求指标。
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Server) {
		s.metrics = collector
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, bus *orchestrator.Orchestrator, opts ...Option) *Server {
	s := &Server{addr: addr, bus: bus, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/messages", s.instrument("messages", s.handleSubmit))
	mux.Handle("GET /api/v1/contexts/{id}", s.instrument("contexts", s.handleContext))
	mux.Handle("GET /healthz", s.instrument("healthz", s.handleHealth))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

type submitResponse struct {
	MessageID string `json:"message_id"`
	ContextID string `json:"context_id"`
}

type errorResponse struct {
	Error string       `json:"error"`
	Code  xerrors.Code `json:"code"`
}

type contextResponse struct {
	ContextID string            `json:"context_id"`
	State     string            `json:"state"`
	Archived  bool              `json:"archived,omitempty"`
	History   []json.RawMessage `json:"history"`
}

type healthResponse struct {
	State        string   `json:"state"`
	Pending      int      `json:"pending"`
	Destinations []string `json:"destinations"`
}

// handleSubmit 解析 JSON 信封并交给编排器。
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体过大"))
		return
	}
	env, err := mcp.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.bus.Route(env); err != nil {
		status := http.StatusInternalServerError
		switch xerrors.CodeOf(err) {
		case orchestrator.CodeOrchestratorStopped:
			status = http.StatusServiceUnavailable
		case mcp.CodeMalformedEnvelope:
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		MessageID: env.Header.MessageID,
		ContextID: env.Header.ContextID,
	})
}

// handleContext 返回会话历史，可通过 limit 截取最近的若干条。
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	resp := contextResponse{ContextID: id}
	history, ok := s.bus.Contexts().Get(id)
	if ok {
		state, _ := s.bus.Contexts().State(id)
		resp.State = string(state)
		if limit > 0 && len(history) > limit {
			history = history[len(history)-limit:]
		}
	} else if s.archive != nil {
		archived, err := s.archive.List(r.Context(), id, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if len(archived) > 0 {
			ok = true
			history = archived
			resp.Archived = true
		}
	}
	if !ok {
		writeError(w, http.StatusNotFound, xerrors.New(xerrors.CodeNotFound, "context not found"))
		return
	}

	resp.History = make([]json.RawMessage, 0, len(history))
	for _, env := range history {
		raw, err := mcp.Encode(env)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp.History = append(resp.History, raw)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.bus.State()
	status := http.StatusOK
	if state != orchestrator.StateRunning {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, healthResponse{
		State:        state.String(),
		Pending:      s.bus.Pending(),
		Destinations: s.bus.Destinations(),
	})
}

// instrument 记录请求耗时与状态码。
func (s *Server) instrument(name string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
		}
		if rec.status >= http.StatusInternalServerError {
			s.logger.Error("请求处理失败",
				slog.String("handler", name),
				slog.Int("status", rec.status))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: xerrors.MessageOf(err), Code: xerrors.CodeOf(err)})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
