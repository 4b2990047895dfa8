package notify

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Relay 把发布与进程内消费绑在同一个队列上：后台协程持续消费，
// Close 关闭队列后等待消费者退出。
type Relay struct {
	queue Queue
	group *errgroup.Group
}

// StartRelay 启动 workers 个消费协程，ctx 结束时消费随之停止。
func StartRelay(ctx context.Context, queue Queue, workers int, handler Handler) *Relay {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Consume(gctx, workers, handler)
	})
	return &Relay{queue: queue, group: g}
}

func (r *Relay) Publish(ctx context.Context, c Completion) error {
	return r.queue.Publish(ctx, c)
}

// Close 关闭队列并等待消费者处理完已取到的通知。
func (r *Relay) Close() error {
	err := r.queue.Close()
	if werr := r.group.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
		err = errors.Join(err, werr)
	}
	return err
}
