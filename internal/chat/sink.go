package chat

import (
	"log/slog"

	"SparkLLM-Demo/internal/sdk"
	"SparkLLM-Demo/pkg/logger"
)

// Listener 观察经过 Sink 的回调，用于控制台输出等展示。只会收到被接受的回调。
type Listener interface {
	Fragment(p *Pending, r sdk.Result)
	Event(p *Pending, e sdk.Event)
	Error(p *Pending, err *sdk.Error)
}

// Sink 实现 sdk.Callbacks，把回调写入对应的 Pending。
// 已放弃或不属于本包的上下文产生的回调会被记录后丢弃。
type Sink struct {
	listener Listener
	logger   *slog.Logger
}

// SinkOption 定义可选配置。
type SinkOption func(*Sink)

// WithListener 注册回调观察者。
func WithListener(l Listener) SinkOption {
	return func(s *Sink) {
		s.listener = l
	}
}

// WithSinkLogger 指定日志输出。
func WithSinkLogger(l *slog.Logger) SinkOption {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSink 创建回调接收器。
func NewSink(opts ...SinkOption) *Sink {
	s := &Sink{logger: logger.Named("chat.sink")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Sink) OnResult(result sdk.Result, usrCtx any) {
	p := s.pending(usrCtx, "result")
	if p == nil {
		return
	}
	if !p.addFragment(result) {
		s.logger.Warn("late fragment dropped",
			slog.String("request_id", p.ID()),
			slog.String("status", result.Status.String()),
		)
		return
	}
	if s.listener != nil {
		s.listener.Fragment(p, result)
	}
}

func (s *Sink) OnEvent(event sdk.Event, usrCtx any) {
	p := s.pending(usrCtx, "event")
	if p == nil {
		return
	}
	s.logger.Info("llm event",
		slog.String("request_id", p.ID()),
		slog.Int("event_id", event.ID),
		slog.String("msg", event.Msg),
	)
	if s.listener != nil {
		s.listener.Event(p, event)
	}
}

func (s *Sink) OnError(err *sdk.Error, usrCtx any) {
	p := s.pending(usrCtx, "error")
	if p == nil {
		return
	}
	if err == nil {
		err = &sdk.Error{Code: sdk.CodeBackendFailure, Msg: "nil error reported"}
	}
	if !p.fail(err) {
		s.logger.Warn("late error dropped",
			slog.String("request_id", p.ID()),
			slog.Int("code", err.Code),
		)
		return
	}
	if s.listener != nil {
		s.listener.Error(p, err)
	}
}

func (s *Sink) pending(usrCtx any, kind string) *Pending {
	p, ok := usrCtx.(*Pending)
	if !ok || p == nil {
		s.logger.Warn("callback with unknown request context dropped", slog.String("kind", kind))
		return nil
	}
	return p
}
