package knowledge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	xerrors "AAHB-Assistant/internal/errors"

	"github.com/tidwall/jsonc"
)

// Snippet 描述知识库中的一条知识。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Source   string   `json:"source"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
}

// Retriever 定义知识检索接口。
type Retriever interface {
	Query(query string) []Snippet
}

// StaticStore 通过加载 JSON 文件提供静态知识检索能力。
type StaticStore struct {
	items      []Snippet
	maxResults int
}

// NewStaticStore 创建静态知识库实例。
func NewStaticStore(items []Snippet, maxResults int) *StaticStore {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticStore{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticStore 从 JSON 或 JSONC 文件加载知识条目。
func LoadStaticStore(path string, maxResults int) (*StaticStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析知识库路径失败")
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "读取知识库文件失败")
	}

	// 允许注释与尾随逗号。
	var entries []Snippet
	if err := json.Unmarshal(jsonc.ToJSON(data), &entries); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析知识库文件失败")
	}

	return NewStaticStore(entries, maxResults), nil
}

// Len 返回知识条目数量。
func (s *StaticStore) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// Query 按关键词与标签匹配查询语句，返回至多 maxResults 条结果。
func (s *StaticStore) Query(query string) []Snippet {
	if s == nil {
		return nil
	}

	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	results := make([]Snippet, 0, s.maxResults)
	for _, item := range s.items {
		if matches(item, query) {
			results = append(results, item)
			if len(results) >= s.maxResults {
				break
			}
		}
	}
	return results
}

func matches(snippet Snippet, query string) bool {
	for _, term := range append(append([]string(nil), snippet.Keywords...), snippet.Tags...) {
		normalized := strings.ToLower(strings.TrimSpace(term))
		if normalized == "" {
			continue
		}
		if strings.Contains(query, normalized) {
			return true
		}
	}
	return false
}

var _ Retriever = (*StaticStore)(nil)
