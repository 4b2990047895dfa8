// Package notify 在请求结束时发布完成通知，供外部消费者订阅。
// 提供内存、Redis list 与 RabbitMQ 三种实现。
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"golang.org/x/sync/errgroup"

	xerrors "SparkLLM-Demo/internal/errors"
	"SparkLLM-Demo/pkg/logger"
)

// Completion 是一次请求结束后发布的消息。
type Completion struct {
	RequestID   string `json:"request_id"`
	SessionID   string `json:"session_id"`
	Mode        string `json:"mode"`
	Status      string `json:"status"`
	ErrorCode   int    `json:"error_code,omitempty"`
	TotalTokens int    `json:"total_tokens"`
	LatencyMS   int64  `json:"latency_ms"`
	CreatedAt   int64  `json:"created_at"`
}

// Handler 处理一条完成通知。返回的错误只记录日志，不会中止消费。
type Handler func(ctx context.Context, c Completion) error

// Publisher 负责投递通知。
type Publisher interface {
	Publish(ctx context.Context, c Completion) error
	Close() error
}

// Consumer 负责消费通知。
type Consumer interface {
	Consume(ctx context.Context, workers int, handler Handler) error
	Close() error
}

// Queue 同时具备发布与消费能力。
type Queue interface {
	Publisher
	Consumer
}

// Discard 丢弃所有通知，用于未配置通知驱动的场景。
type Discard struct{}

func (Discard) Publish(context.Context, Completion) error { return nil }

func (Discard) Close() error { return nil }

// source 取出下一条通知。ok 为 false 表示来源已耗尽。
type source func(ctx context.Context) (c Completion, ok bool, err error)

// pump 启动 workers 个协程从 next 取通知并交给 handler。
// 任一协程返回错误时其余协程随之退出，所有来源耗尽时返回 nil。
func pump(ctx context.Context, workers int, next source, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	log := logger.Named("notify")
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				c, ok, err := next(gctx)
				if err != nil || !ok {
					return err
				}
				if err := handler(gctx, c); err != nil {
					log.Warn("completion handler failed",
						slog.String("request_id", c.RequestID),
						slog.Any("error", err),
					)
				}
			}
		})
	}
	return g.Wait()
}

func encode(c Completion) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化完成通知失败")
	}
	return data, nil
}

func decode(data []byte) (Completion, error) {
	var c Completion
	if err := json.Unmarshal(data, &c); err != nil {
		return c, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析完成通知失败")
	}
	return c, nil
}

// dropMalformed 记录无法解析的消息。
func dropMalformed(driver string, err error) {
	logger.Named("notify").Warn("malformed completion dropped",
		slog.String("driver", driver),
		slog.Any("error", err),
	)
}
