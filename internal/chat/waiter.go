package chat

import (
	"context"
	"log/slog"
	"time"

	"SparkLLM-Demo/pkg/logger"
)

const (
	DefaultMaxTurns     = 10
	DefaultPollInterval = time.Second
)

// WaitStatus 是等待的结果。
type WaitStatus int

const (
	Completed WaitStatus = iota
	TimedOut
)

func (s WaitStatus) String() string {
	if s == TimedOut {
		return "timed_out"
	}
	return "completed"
}

// Waiter 阻塞调用方直到请求完成，最多等待 MaxTurns 个 PollInterval。
// 完成信号到达时立即返回，PollInterval 只用于划分轮次与进度日志。
type Waiter struct {
	MaxTurns     int
	PollInterval time.Duration
	logger       *slog.Logger
}

// NewWaiter 创建等待器，非正数参数使用默认值（10 轮 × 1s）。
func NewWaiter(maxTurns int, pollInterval time.Duration) *Waiter {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Waiter{
		MaxTurns:     maxTurns,
		PollInterval: pollInterval,
		logger:       logger.Named("chat.waiter"),
	}
}

// Bound 返回最长等待时间。
func (w *Waiter) Bound() time.Duration {
	return time.Duration(w.MaxTurns) * w.PollInterval
}

// Await 等待 p 完成。超时或 ctx 结束时放弃该请求，之后到达的回调不会再写入 p。
func (w *Waiter) Await(ctx context.Context, p *Pending) WaitStatus {
	select {
	case <-p.Done():
		return w.settle(p)
	default:
	}

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	turns := 0
	for {
		select {
		case <-p.Done():
			return w.settle(p)
		case <-ctx.Done():
			return w.giveUp(p, "context done")
		case <-ticker.C:
			turns++
			if turns >= w.MaxTurns {
				return w.giveUp(p, "wait bound exceeded")
			}
			w.logger.Debug("still waiting",
				slog.String("request_id", p.ID()),
				slog.Int("turn", turns),
				slog.Int("max_turns", w.MaxTurns),
			)
		}
	}
}

func (w *Waiter) settle(p *Pending) WaitStatus {
	if p.Completed() {
		return Completed
	}
	return TimedOut
}

func (w *Waiter) giveUp(p *Pending, reason string) WaitStatus {
	if !p.abandon() {
		return Completed
	}
	w.logger.Warn("request abandoned",
		slog.String("request_id", p.ID()),
		slog.String("reason", reason),
		slog.Duration("bound", w.Bound()),
	)
	return TimedOut
}

// AwaitCompletion 以给定轮数与间隔等待请求完成。
func AwaitCompletion(ctx context.Context, p *Pending, maxTurns int, pollInterval time.Duration) WaitStatus {
	return NewWaiter(maxTurns, pollInterval).Await(ctx, p)
}
