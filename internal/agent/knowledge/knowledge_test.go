package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"AAHB-Assistant/internal/agent"
	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/llm"
	"AAHB-Assistant/internal/mcp"
	"AAHB-Assistant/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `[
  {"title": "Pasta", "content": "Salt the water generously.", "source": "cookbook.md", "keywords": ["pasta", "boil"]},
  {"title": "Coffee", "content": "Use water just off the boil.", "keywords": ["coffee"], "tags": ["brew"]},
  {"title": "Untagged", "content": "Never matches."}
]`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "knowledge.json")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	return path
}

func base() []agent.Option {
	return []agent.Option{agent.WithLogger(logger.Discard())}
}

func TestStaticStoreQuery(t *testing.T) {
	store, err := LoadStaticStore(writeSample(t), 5)
	require.NoError(t, err)
	assert.Equal(t, 3, store.Len())

	got := store.Query("How long should I BOIL pasta?")
	require.Len(t, got, 1)
	assert.Equal(t, "Pasta", got[0].Title)

	got = store.Query("best brew ratio")
	require.Len(t, got, 1)
	assert.Equal(t, "Coffee", got[0].Title)

	assert.Empty(t, store.Query("   "))
	assert.Empty(t, store.Query("quantum physics"))
}

func TestStaticStoreLimitsResults(t *testing.T) {
	store := NewStaticStore([]Snippet{
		{Title: "a", Keywords: []string{"x"}},
		{Title: "b", Keywords: []string{"x"}},
	}, 1)
	assert.Len(t, store.Query("x"), 1)
}

func TestLoadStaticStoreErrors(t *testing.T) {
	_, err := LoadStaticStore("", 3)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = LoadStaticStore(filepath.Join(t.TempDir(), "missing.json"), 3)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestLoadStaticStoreAcceptsComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.jsonc")
	content := `[
  // kitchen notes
  {"title": "Tea", "content": "Steep for three minutes.", "keywords": ["tea"],},
]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	store, err := LoadStaticStore(path, 3)
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())
	assert.Equal(t, "Tea", store.Query("green tea")[0].Title)

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
	_, err = LoadStaticStore(path, 3)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestProcessAnswersFromKnowledge(t *testing.T) {
	a := New(base(), WithSource(writeSample(t), 3))
	require.NoError(t, a.Initialize(context.Background()))

	env, err := mcp.New("vision_agent", Name, "ctx-k", mcp.Payload{"query": mcp.String("pasta tips")})
	require.NoError(t, err)
	reply, err := a.Process(context.Background(), env)
	require.NoError(t, err)
	require.NotNil(t, reply)

	assert.Equal(t, mcp.TypeResponse, reply.Header.MessageType)
	assert.Equal(t, "vision_agent", reply.Header.Destination)
	answer, _ := reply.Payload.String("answer")
	assert.Equal(t, "Salt the water generously.", answer)
	sources, _ := reply.Payload["sources"].AsList()
	require.Len(t, sources, 1)
	src, _ := sources[0].AsString()
	assert.Equal(t, "cookbook.md", src)
	_, ok := reply.Payload.Number("processing_time")
	assert.True(t, ok)
}

type stubGenerator struct {
	req llm.Request
}

func (s *stubGenerator) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.req = req
	return &llm.Response{Text: "generated"}, nil
}

func TestProcessUsesGenerator(t *testing.T) {
	gen := &stubGenerator{}
	a := New(base(), WithRetriever(NewStaticStore([]Snippet{{Title: "Coffee", Content: "hot", Keywords: []string{"coffee"}}}, 3)), WithGenerator(gen))

	env, err := mcp.New("user", Name, "ctx-k", mcp.Payload{"query": mcp.String("coffee?")})
	require.NoError(t, err)
	reply, err := a.Process(context.Background(), env)
	require.NoError(t, err)

	answer, _ := reply.Payload.String("answer")
	assert.Equal(t, "generated", answer)
	assert.Equal(t, "coffee?", gen.req.Content)
	require.Len(t, gen.req.Knowledge, 1)
	assert.Equal(t, "Coffee", gen.req.Knowledge[0].Title)
}

func TestProcessRejectsMissingQuery(t *testing.T) {
	a := New(base())
	env, err := mcp.New("user", Name, "ctx-k", nil)
	require.NoError(t, err)

	reply, err := a.Process(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, mcp.TypeError, reply.Header.MessageType)
	msg, _ := reply.Payload.String("error")
	assert.Equal(t, "No query provided", msg)
}

func TestInitializeFailsOnMissingFile(t *testing.T) {
	a := New(base(), WithSource(filepath.Join(t.TempDir(), "nope.json"), 3))
	err := a.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, agent.CodeInitFailed, xerrors.CodeOf(err))
}
