package orchestrator

import (
	"sort"
	"sync"

	"AAHB-Assistant/internal/mcp"
)

// ContextState 描述会话的生命周期状态，核心只使用 ACTIVE。
type ContextState string

const StateActive ContextState = "ACTIVE"

type contextRecord struct {
	mu      sync.Mutex
	state   ContextState
	history []mcp.Envelope
}

// ContextStore 按 context_id 记录会话历史。记录在首次出现时创建，核心从不删除。
type ContextStore struct {
	mu      sync.RWMutex
	records map[string]*contextRecord
}

// NewContextStore 创建空的上下文存储。
func NewContextStore() *ContextStore {
	return &ContextStore{records: make(map[string]*contextRecord)}
}

// Touch 确保记录存在，新记录状态为 ACTIVE。
func (s *ContextStore) Touch(contextID string) {
	s.record(contextID)
}

func (s *ContextStore) record(contextID string) *contextRecord {
	s.mu.RLock()
	rec, ok := s.records[contextID]
	s.mu.RUnlock()
	if ok {
		return rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok = s.records[contextID]; ok {
		return rec
	}
	rec = &contextRecord{state: StateActive}
	s.records[contextID] = rec
	return rec
}

// Append 按到达顺序追加信封，返回追加后的历史长度。
func (s *ContextStore) Append(contextID string, env mcp.Envelope) int {
	rec := s.record(contextID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.history = append(rec.history, env)
	return len(rec.history)
}

// Get 返回历史快照，调用方修改返回值不会影响存储。
func (s *ContextStore) Get(contextID string) ([]mcp.Envelope, bool) {
	s.mu.RLock()
	rec, ok := s.records[contextID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	snapshot := make([]mcp.Envelope, len(rec.history))
	for i, env := range rec.history {
		snapshot[i] = env.Clone()
	}
	return snapshot, true
}

// State 返回会话状态。
func (s *ContextStore) State(contextID string) (ContextState, bool) {
	s.mu.RLock()
	rec, ok := s.records[contextID]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state, true
}

// SetState 更新会话状态，供外部生命周期管理使用。
func (s *ContextStore) SetState(contextID string, state ContextState) {
	rec := s.record(contextID)
	rec.mu.Lock()
	rec.state = state
	rec.mu.Unlock()
}

// IDs 返回已知的 context_id，按字母排序。
func (s *ContextStore) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
