// Package chat 是调用方与 sdk 门面之间的协调层：Dispatcher 按调用选择同步或异步路径，
// Sink 接收异步回调，Waiter 阻塞等待单个请求完成。每个请求拥有独立的 Pending，
// 不存在跨请求共享的完成标志。
package chat

import (
	"context"
	"errors"
	"log/slog"

	xerrors "SparkLLM-Demo/internal/errors"
	"SparkLLM-Demo/internal/sdk"
	"SparkLLM-Demo/pkg/logger"
)

const (
	CodeSubmissionFailed xerrors.Code = "SUBMISSION_FAILED"
	CodeLLMRuntime       xerrors.Code = "LLM_RUNTIME_FAILURE"
	CodeRequestInFlight  xerrors.Code = "REQUEST_IN_FLIGHT"
)

func init() {
	xerrors.Register(CodeSubmissionFailed, xerrors.Attributes{
		Message:  "async request was not accepted",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeLLMRuntime, xerrors.Attributes{
		Message:  "llm request failed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeRequestInFlight, xerrors.Attributes{
		Message:  "another request is still in flight",
		Severity: xerrors.SeverityInfo,
	})
}

// Session 是 Dispatcher 依赖的门面能力，*sdk.Session 满足该接口。
type Session interface {
	Run(ctx context.Context, input string) *sdk.SyncOutput
	ARun(ctx context.Context, input string, usrCtx any) int
	RegisterCallbacks(cb sdk.Callbacks) error
}

// Dispatcher 把请求分派到同步或异步路径。
type Dispatcher struct {
	session Session
	sink    *Sink
	waiter  *Waiter
	logger  *slog.Logger
}

// Option 定义可选配置。
type Option func(*Dispatcher)

// WithWaiter 替换默认等待器。
func WithWaiter(w *Waiter) Option {
	return func(d *Dispatcher) {
		if w != nil {
			d.waiter = w
		}
	}
}

// WithSink 替换默认回调接收器。
func WithSink(s *Sink) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.sink = s
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher 创建分派器并把 Sink 注册为会话的回调。
func NewDispatcher(session Session, opts ...Option) (*Dispatcher, error) {
	if session == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "session is required")
	}
	d := &Dispatcher{
		session: session,
		logger:  logger.Named("chat"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.sink == nil {
		d.sink = NewSink()
	}
	if d.waiter == nil {
		d.waiter = NewWaiter(DefaultMaxTurns, DefaultPollInterval)
	}
	if err := session.RegisterCallbacks(d.sink); err != nil {
		return nil, err
	}
	return d, nil
}

// Waiter 返回使用中的等待器。
func (d *Dispatcher) Waiter() *Waiter {
	return d.waiter
}

// Dispatch 提交一次请求并返回其上下文。同步请求返回时已经完成；
// 异步请求提交失败时同样已经完成，等待方不会阻塞。
func (d *Dispatcher) Dispatch(ctx context.Context, input string, mode Mode) *Pending {
	p := newPending(input, mode)
	log := d.logger.With(slog.String("request_id", p.ID()), slog.String("mode", mode.String()))

	if mode == ModeSync {
		out := d.session.Run(ctx, input)
		if out == nil {
			out = &sdk.SyncOutput{ErrCode: sdk.CodeBackendFailure, ErrMsg: "nil sync output"}
		}
		if !isAdmissionFailure(out.ErrCode) {
			p.markSubmitted()
		}
		if out.ErrCode != sdk.CodeOK {
			log.Warn("sync request failed", slog.Int("code", out.ErrCode), slog.String("msg", out.ErrMsg))
			p.fail(&sdk.Error{Code: out.ErrCode, Msg: out.ErrMsg})
			return p
		}
		p.addFragment(sdk.Result{
			Status:  sdk.StatusFinal,
			Role:    out.Role,
			Content: out.Content,
			SID:     out.SID,
			Usage:   out.Usage,
		})
		return p
	}

	if code := d.session.ARun(ctx, input, p); code != sdk.CodeOK {
		log.Warn("async submission rejected", slog.Int("code", code))
		p.fail(&sdk.Error{Code: code, Msg: submissionMessage(code)})
		return p
	}
	p.markSubmitted()
	log.Debug("async request submitted")
	return p
}

// Ask 提交请求并等待其结束。异步请求超时后会取消在途调用。
func (d *Dispatcher) Ask(ctx context.Context, input string, mode Mode) Outcome {
	p := d.Dispatch(ctx, input, mode)
	if mode == ModeAsync && d.waiter.Await(ctx, p) == TimedOut {
		d.abort(p)
	}
	return p.Outcome()
}

// Aborter 由能取消在途请求的会话实现，*sdk.Session 满足该接口。
type Aborter interface {
	Abort() bool
}

// abort 在放弃请求后释放会话，使下一次提交不会因请求在途而被拒绝。
func (d *Dispatcher) abort(p *Pending) {
	a, ok := d.session.(Aborter)
	if !ok {
		return
	}
	if a.Abort() {
		d.logger.Info("abandoned request canceled", slog.String("request_id", p.ID()))
	}
}

func isAdmissionFailure(code int) bool {
	switch code {
	case sdk.CodeNotInitialized, sdk.CodeSessionClosed, sdk.CodeNoCallbacks,
		sdk.CodeRequestInFlight, sdk.CodeEmptyInput:
		return true
	}
	return false
}

func submissionMessage(code int) string {
	switch code {
	case sdk.CodeSessionClosed:
		return "session destroyed"
	case sdk.CodeNoCallbacks:
		return "no callbacks registered"
	case sdk.CodeRequestInFlight:
		return "another request is in flight"
	case sdk.CodeEmptyInput:
		return "input is empty"
	case sdk.CodeNotInitialized:
		return "sdk not initialized"
	default:
		return "submission failed"
	}
}

// IsFailure 报告错误是否属于请求级失败，驱动程序遇到此类错误应继续下一轮。
func IsFailure(err error) bool {
	if err == nil {
		return false
	}
	var coded *xerrors.Error
	if !errors.As(err, &coded) {
		return false
	}
	return !coded.Fatal()
}
