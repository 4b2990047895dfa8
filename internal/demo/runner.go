// Package demo 按配置依次发起同步与异步对话，并把每次请求的结果落库、发布通知、
// 计入指标与审计日志。每种调用方式使用独立的会话，结束后显式销毁。
// 单个请求失败不会中断后续请求，致命错误会终止整个流程。
package demo

import (
	"context"
	"log/slog"
	"time"

	"SparkLLM-Demo/internal/chat"
	"SparkLLM-Demo/internal/console"
	xerrors "SparkLLM-Demo/internal/errors"
	"SparkLLM-Demo/internal/notify"
	"SparkLLM-Demo/internal/observability/metrics"
	"SparkLLM-Demo/internal/sdk"
	"SparkLLM-Demo/internal/transcript"
	"SparkLLM-Demo/pkg/logger"
)

// Session 是 Runner 使用的会话，*sdk.Session 满足该接口。
type Session interface {
	chat.Session
	ID() string
	Destroy() error
}

// SessionFactory 为每种调用方式创建一个新会话。
type SessionFactory func() (Session, error)

// Runner 驱动一轮演示。
type Runner struct {
	open      SessionFactory
	chatOpts  []chat.Option
	backend   string
	store     transcript.Store
	publisher notify.Publisher
	metrics   *metrics.Recorder
	printer   *console.Printer
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Runner)

// WithStore 指定对话记录存储。
func WithStore(store transcript.Store) Option {
	return func(r *Runner) {
		r.store = store
	}
}

// WithPublisher 指定完成通知的发布者。
func WithPublisher(p notify.Publisher) Option {
	return func(r *Runner) {
		r.publisher = p
	}
}

// WithMetrics 指定指标记录器。
func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithDispatcherOptions 指定为每个会话创建 Dispatcher 时使用的选项。
func WithDispatcherOptions(opts ...chat.Option) Option {
	return func(r *Runner) {
		r.chatOpts = append(r.chatOpts, opts...)
	}
}

// WithPrinter 指定控制台输出。
func WithPrinter(p *console.Printer) Option {
	return func(r *Runner) {
		r.printer = p
	}
}

// New 创建 Runner。
func New(open SessionFactory, backend string, opts ...Option) (*Runner, error) {
	if open == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "session factory is required")
	}
	r := &Runner{
		open:    open,
		backend: backend,
		logger:  logger.Named("demo"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.store == nil {
		r.store = transcript.NewMemoryStore()
	}
	if r.publisher == nil {
		r.publisher = notify.Discard{}
	}
	return r, nil
}

// Summary 汇总一轮演示的结果。
type Summary struct {
	Succeeded int
	Failed    int
	TimedOut  int
	Rejected  int
	Outcomes  []chat.Outcome
}

// Total 返回已结束的请求数。
func (s Summary) Total() int {
	return len(s.Outcomes)
}

// Run 对每种调用方式依次发送全部提问。
func (r *Runner) Run(ctx context.Context, prompts []string, modes []chat.Mode) (Summary, error) {
	var summary Summary
	for _, mode := range modes {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := r.runMode(ctx, mode, prompts, &summary); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// runMode 开启一个会话发送全部提问，返回前销毁该会话。
func (r *Runner) runMode(ctx context.Context, mode chat.Mode, prompts []string, summary *Summary) (err error) {
	session, err := r.open()
	if err != nil {
		return err
	}
	sessionID := session.ID()
	log := r.logger.With(slog.String("session_id", sessionID), slog.String("mode", mode.String()))
	defer func() {
		derr := session.Destroy()
		switch {
		case derr == nil:
			log.Debug("session destroyed")
		case xerrors.CodeOf(derr) == sdk.CodeSessionDestroy:
		default:
			log.Warn("destroy session failed", slog.Any("error", derr))
			if err == nil {
				err = derr
			}
		}
	}()

	dispatcher, err := chat.NewDispatcher(session, r.chatOpts...)
	if err != nil {
		return err
	}
	if r.printer != nil {
		r.printer.Section(sectionTitle(mode))
	}
	for _, prompt := range prompts {
		if err := ctx.Err(); err != nil {
			return err
		}
		out := dispatcher.Ask(ctx, prompt, mode)
		summary.add(out)
		r.record(ctx, sessionID, out)

		if err := out.Err(); err != nil && stops(err) {
			log.Error("demo aborted", slog.Any("error", err), slog.String("request_id", out.ID))
			return err
		}
	}
	return nil
}

func (s *Summary) add(out chat.Outcome) {
	s.Outcomes = append(s.Outcomes, out)
	switch {
	case out.OK():
		s.Succeeded++
	case out.TimedOut:
		s.TimedOut++
	case !out.Submitted:
		s.Rejected++
	default:
		s.Failed++
	}
}

// record 依次把结果写入各个下游。下游失败只记日志。
func (r *Runner) record(ctx context.Context, sessionID string, out chat.Outcome) {
	if r.printer != nil {
		r.printer.Outcome(out)
	}

	rec := transcript.FromOutcome(sessionID, r.backend, out)
	log := r.logger.With(slog.String("request_id", out.ID), slog.String("mode", rec.Mode))
	if err := out.Err(); err != nil {
		log.Log(ctx, xerrors.SeverityOf(err).Level(), "request failed", slog.Any("error", err))
	}

	if err := r.store.Save(ctx, rec); err != nil {
		log.Warn("save transcript failed", slog.Any("error", err))
	}

	if err := r.publisher.Publish(ctx, notify.Completion{
		RequestID:   rec.ID,
		SessionID:   rec.SessionID,
		Mode:        rec.Mode,
		Status:      rec.Status,
		ErrorCode:   rec.ErrorCode,
		TotalTokens: rec.TotalTokens,
		LatencyMS:   rec.LatencyMS,
		CreatedAt:   time.Now().Unix(),
	}); err != nil {
		log.Warn("publish completion failed", slog.Any("error", err))
	}

	r.metrics.Observe(metrics.Observation{
		Backend:          r.backend,
		Mode:             rec.Mode,
		Status:           rec.Status,
		Latency:          out.Latency,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
	})

	attrs := []any{
		slog.String("request_id", rec.ID),
		slog.String("session_id", rec.SessionID),
		slog.String("backend", rec.Backend),
		slog.String("mode", rec.Mode),
		slog.String("status", rec.Status),
		slog.Int("total_tokens", rec.TotalTokens),
		slog.Int64("latency_ms", rec.LatencyMS),
	}
	if rec.ErrorCode != 0 {
		attrs = append(attrs, slog.Int("error_code", rec.ErrorCode), slog.String("error_message", rec.ErrorMessage))
	}
	logger.Audit().Info("request finished", attrs...)
}

// stops 报告错误是否应终止演示：致命错误或会话已销毁。
func stops(err error) bool {
	return !chat.IsFailure(err) || xerrors.CodeOf(err) == sdk.CodeSessionDestroy
}

func sectionTitle(mode chat.Mode) string {
	if mode == chat.ModeAsync {
		return "异步调用"
	}
	return "同步调用"
}

// ParseModes 把配置中的调用方式转换为 chat.Mode。
func ParseModes(names []string) ([]chat.Mode, error) {
	modes := make([]chat.Mode, 0, len(names))
	for _, name := range names {
		switch name {
		case "sync":
			modes = append(modes, chat.ModeSync)
		case "async":
			modes = append(modes, chat.ModeAsync)
		default:
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown mode: "+name)
		}
	}
	return modes, nil
}
