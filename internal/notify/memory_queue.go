package notify

import (
	"context"
	"sync"

	xerrors "SparkLLM-Demo/internal/errors"
)

// MemoryQueue 是进程内的带缓冲队列。Close 之后已入队的通知仍会被消费完。
type MemoryQueue struct {
	mu     sync.Mutex
	ch     chan Completion
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列，非正数时使用 64。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Completion, size)}
}

func (q *MemoryQueue) Publish(ctx context.Context, c Completion) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "memory queue closed")
	}
	select {
	case q.ch <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 在队列关闭且排空后返回 nil，ctx 结束时返回 ctx.Err()。
func (q *MemoryQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	return pump(ctx, workers, func(ctx context.Context) (Completion, bool, error) {
		select {
		case c, ok := <-q.ch:
			return c, ok, nil
		case <-ctx.Done():
			return Completion{}, false, ctx.Err()
		}
	}, handler)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
