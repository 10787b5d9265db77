package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"AAHB-Assistant/internal/mcp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queued(t *testing.T, label string, kind mcp.MessageType) mcp.Envelope {
	t.Helper()
	env, err := mcp.New("a", "b", "ctx", mcp.Payload{"label": mcp.String(label)}, mcp.WithType(kind))
	require.NoError(t, err)
	return env
}

func TestQueueOrdersByClassThenSequence(t *testing.T) {
	q := NewDispatchQueue()
	require.NoError(t, q.Push(queued(t, "e1", mcp.TypeError)))
	require.NoError(t, q.Push(queued(t, "r1", mcp.TypeRequest)))
	require.NoError(t, q.Push(queued(t, "p1", mcp.TypeResponse)))
	require.NoError(t, q.Push(queued(t, "r2", mcp.TypeRequest)))
	require.NoError(t, q.Push(queued(t, "e2", mcp.TypeError)))

	ctx := context.Background()
	var got []string
	for q.Len() > 0 {
		env, err := q.Pop(ctx)
		require.NoError(t, err)
		label, _ := env.Payload.String("label")
		got = append(got, label)
	}
	assert.Equal(t, []string{"r1", "r2", "e1", "p1", "e2"}, got)
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewDispatchQueue()
	popped := make(chan mcp.Envelope, 1)
	go func() {
		env, err := q.Pop(context.Background())
		if err == nil {
			popped <- env
		}
	}()

	select {
	case <-popped:
		t.Fatal("pop returned before push")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Push(queued(t, "late", mcp.TypeRequest)))
	select {
	case env := <-popped:
		label, _ := env.Payload.String("label")
		assert.Equal(t, "late", label)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake up")
	}
}

func TestQueuePopHonoursContext(t *testing.T) {
	q := NewDispatchQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueClose(t *testing.T) {
	q := NewDispatchQueue()
	require.NoError(t, q.Push(queued(t, "a", mcp.TypeRequest)))
	require.NoError(t, q.Push(queued(t, "b", mcp.TypeResponse)))

	waiter := make(chan error, 1)
	blocked := NewDispatchQueue()
	go func() {
		_, err := blocked.Pop(context.Background())
		waiter <- err
	}()

	assert.Equal(t, 2, q.Close())
	assert.Equal(t, 0, q.Close())
	assert.True(t, errors.Is(q.Push(queued(t, "c", mcp.TypeRequest)), ErrQueueClosed))
	_, err := q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)

	blocked.Close()
	select {
	case err := <-waiter:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not release blocked pop")
	}
}
