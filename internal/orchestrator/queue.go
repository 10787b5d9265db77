package orchestrator

import (
	"container/heap"
	"context"
	"sync"

	"AAHB-Assistant/internal/mcp"
)

type queueItem struct {
	class int
	seq   uint64
	env   mcp.Envelope
}

type envelopeHeap []queueItem

func (h envelopeHeap) Len() int { return len(h) }

func (h envelopeHeap) Less(i, j int) bool {
	if h[i].class != h[j].class {
		return h[i].class < h[j].class
	}
	return h[i].seq < h[j].seq
}

func (h envelopeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *envelopeHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *envelopeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = queueItem{}
	*h = old[:n-1]
	return item
}

// priorityClass 请求优先于其它类型。
func priorityClass(t mcp.MessageType) int {
	if t == mcp.TypeRequest {
		return 0
	}
	return 1
}

// DispatchQueue 是并发安全的优先队列，按 (类别, 入队序号) 排序。
type DispatchQueue struct {
	mu     sync.Mutex
	items  envelopeHeap
	seq    uint64
	closed bool
	ready  chan struct{}
	done   chan struct{}
}

// NewDispatchQueue 创建空队列。
func NewDispatchQueue() *DispatchQueue {
	return &DispatchQueue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push 入队，不会阻塞。队列关闭后返回 ErrQueueClosed。
func (q *DispatchQueue) Push(env mcp.Envelope) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.seq++
	heap.Push(&q.items, queueItem{class: priorityClass(env.Header.MessageType), seq: q.seq, env: env})
	q.mu.Unlock()
	q.signal()
	return nil
}

// Pop 取出优先级最高的信封；队列为空时阻塞，直到有新信封、ctx 取消或队列关闭。
func (q *DispatchQueue) Pop(ctx context.Context) (mcp.Envelope, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return mcp.Envelope{}, ErrQueueClosed
		}
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(queueItem)
			remaining := q.items.Len()
			q.mu.Unlock()
			if remaining > 0 {
				q.signal()
			}
			return item.env, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return mcp.Envelope{}, ctx.Err()
		case <-q.done:
			return mcp.Envelope{}, ErrQueueClosed
		case <-q.ready:
		}
	}
}

// Len 返回排队中的信封数量。
func (q *DispatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close 关闭队列并丢弃仍在排队的信封，返回丢弃数量。重复调用返回 0。
func (q *DispatchQueue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	q.closed = true
	discarded := q.items.Len()
	q.items = nil
	close(q.done)
	return discarded
}

func (q *DispatchQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
