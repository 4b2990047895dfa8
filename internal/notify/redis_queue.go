package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "SparkLLM-Demo/internal/errors"
)

// RedisQueueConfig 描述 Redis list 队列。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 以 LPUSH 发布、BRPOP 消费，先进先出。
type RedisQueue struct {
	client *redis.Client
	key    string
	wait   time.Duration
	closed atomic.Bool
}

// NewRedisQueue 连接 Redis 并确认可用。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "connect redis")
	}
	return newRedisQueue(client, cfg.Queue, cfg.BlockWait), nil
}

func newRedisQueue(client *redis.Client, key string, wait time.Duration) *RedisQueue {
	if key == "" {
		key = "sparkdemo:completions"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, key: key, wait: wait}
}

func (q *RedisQueue) Publish(ctx context.Context, c Completion) error {
	data, err := encode(c)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "publish completion",
			xerrors.WithMetadata("request_id", c.RequestID))
	}
	return nil
}

// Consume 持续阻塞读取，直到 ctx 结束、队列被关闭或 Redis 返回不可恢复的错误。
// 关闭后返回 nil，尚未取出的通知留在 list 中。
func (q *RedisQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	return pump(ctx, workers, q.next, handler)
}

func (q *RedisQueue) next(ctx context.Context) (Completion, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Completion{}, false, err
		}
		if q.closed.Load() {
			return Completion{}, false, nil
		}
		values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case ctx.Err() != nil:
			return Completion{}, false, ctx.Err()
		case q.closed.Load():
			return Completion{}, false, nil
		case err != nil:
			return Completion{}, false, xerrors.Wrap(xerrors.CodeQueueFailure, err, "brpop")
		case len(values) != 2:
			continue
		}
		c, err := decode([]byte(values[1]))
		if err != nil {
			dropMalformed("redis", err)
			continue
		}
		return c, true, nil
	}
}

func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil || q.closed.Swap(true) {
		return nil
	}
	return q.client.Close()
}
