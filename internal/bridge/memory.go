package bridge

import (
	"context"
	"log/slog"
	"sync"

	"AAHB-Assistant/internal/mcp"
)

// MemoryBridge 使用 channel 模拟外部队列，消息以二进制编码传递，主要用于测试与单进程部署。
type MemoryBridge struct {
	ch     chan []byte
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger

	compressAbove int
}

// NewMemoryBridge 创建一个内存桥接。
func NewMemoryBridge(size int, opts ...Option) *MemoryBridge {
	if size <= 0 {
		size = 64
	}
	o := buildOptions("memory", opts)
	return &MemoryBridge{ch: make(chan []byte, size), logger: o.logger, compressAbove: o.compressAbove}
}

// Publish 编码信封并投递。
func (b *MemoryBridge) Publish(ctx context.Context, env mcp.Envelope) error {
	body, _, err := encodeBody(env, b.compressAbove)
	if err != nil {
		return err
	}
	return b.PublishRaw(ctx, body)
}

// PublishRaw 投递已编码的消息体。
func (b *MemoryBridge) PublishRaw(ctx context.Context, body []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- body:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费消息，处理失败的信封只记录日志。
func (b *MemoryBridge) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case body, ok := <-b.ch:
					if !ok {
						return
					}
					_, _ = deliver(ctx, b.logger, body, handler)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存桥接。
func (b *MemoryBridge) Close() error {
	b.mu.Lock()
	if !b.closed {
		close(b.ch)
		b.closed = true
	}
	b.mu.Unlock()
	return nil
}

var _ Bridge = (*MemoryBridge)(nil)
