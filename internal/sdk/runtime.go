package sdk

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	xerrors "SparkLLM-Demo/internal/errors"
	"SparkLLM-Demo/internal/memory"
	"SparkLLM-Demo/pkg/logger"
)

// State 是门面生命周期状态。
type State int

const (
	StateUninitialized State = iota
	StateConfigured
	StateSessionActive
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfigured:
		return "configured"
	case StateSessionActive:
		return "session_active"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Runtime 对应供应商 SDK 的进程级状态：Init 之后才能创建会话，Uninit 释放全部资源。
type Runtime struct {
	mu       sync.Mutex
	opener   Opener
	backend  Backend
	sessions map[*Session]struct{}
	logger   *slog.Logger
}

// RuntimeOption 定义可选配置。
type RuntimeOption func(*Runtime)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRuntime 创建处于 Uninitialized 状态的门面。
func NewRuntime(opener Opener, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		opener:   opener,
		sessions: make(map[*Session]struct{}),
		logger:   logger.Named("sdk"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// State 返回全局状态（Uninitialized 或 Configured）。
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backend == nil {
		return StateUninitialized
	}
	return StateConfigured
}

// Init 使用凭证完成全局初始化。凭证缺失或格式错误时返回 CONFIG_INVALID。
func (r *Runtime) Init(creds Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.backend != nil {
		return xerrors.New(CodeLifecycle, "sdk already initialized")
	}
	if r.opener == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "no llm backend configured")
	}
	backend, err := r.opener(creds)
	if err != nil {
		return xerrors.Wrap(CodeConfigInvalid, err, "")
	}
	if backend == nil {
		return xerrors.New(CodeConfigInvalid, "backend opener returned nil")
	}
	r.backend = backend
	r.logger.Info("sdk initialized", slog.String("backend", backend.Name()))
	return nil
}

// CreateSession 以指定记忆策略创建会话。配置非法时返回 SESSION_INVALID，调用方不得继续。
func (r *Runtime) CreateSession(cfg LLMConfig, policy memory.Policy) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.backend == nil {
		return nil, xerrors.New(CodeLifecycle, "sdk not initialized, call Init first")
	}
	if err := r.backend.Validate(cfg); err != nil {
		return nil, xerrors.Wrap(CodeSessionInvalid, err, "invalid llm config")
	}
	conv, err := memory.New(policy)
	if err != nil {
		return nil, xerrors.Wrap(CodeSessionInvalid, err, "invalid memory policy")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      uuid.NewString(),
		runtime: r,
		backend: r.backend,
		cfg:     cfg,
		conv:    conv,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.logger = r.logger.With(slog.String("session_id", s.id))
	r.sessions[s] = struct{}{}
	s.logger.Info("session created",
		slog.String("domain", cfg.Domain),
		slog.String("memory", policy.String()),
	)
	return s, nil
}

// Uninit 销毁所有仍然存活的会话并释放 Backend。未初始化时为空操作。
func (r *Runtime) Uninit() error {
	r.mu.Lock()
	backend := r.backend
	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	if backend == nil {
		return nil
	}
	for _, s := range sessions {
		if err := s.Destroy(); err != nil && xerrors.CodeOf(err) != CodeSessionDestroy {
			r.logger.Warn("destroy session on uninit failed", slog.Any("error", err))
		}
	}

	r.mu.Lock()
	r.backend = nil
	r.mu.Unlock()

	r.logger.Info("sdk uninitialized")
	return backend.Close()
}

func (r *Runtime) forget(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
}

// Session 是一个有界记忆的对话上下文。同一时刻只允许一个请求在途。
type Session struct {
	id      string
	runtime *Runtime
	backend Backend
	cfg     LLMConfig
	conv    *memory.Conversation
	logger  *slog.Logger

	mu        sync.Mutex
	callbacks Callbacks
	destroyed bool
	inflight  *call

	busy   atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ID 返回会话标识。
func (s *Session) ID() string {
	return s.id
}

// State 返回 SessionActive 或 Destroyed。
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return StateDestroyed
	}
	return StateSessionActive
}

// Memory 返回会话历史。
func (s *Session) Memory() *memory.Conversation {
	return s.conv
}

// RegisterCallbacks 注册异步结果回调，必须在第一次 ARun 之前调用。
func (s *Session) RegisterCallbacks(cb Callbacks) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return xerrors.New(CodeSessionDestroy, "")
	}
	s.callbacks = cb
	return nil
}

// Run 同步调用，阻塞直至得到完整结果或错误。
func (s *Session) Run(ctx context.Context, input string) *SyncOutput {
	s.mu.Lock()
	code, msg := s.admitLocked(input)
	s.mu.Unlock()
	if code != CodeOK {
		return &SyncOutput{ErrCode: code, ErrMsg: msg}
	}
	defer s.wg.Done()
	defer s.busy.Store(false)

	runCtx, cancel := s.requestContext(ctx)
	defer cancel()

	var acc accumulator
	err := s.backend.Chat(runCtx, s.request(input), StreamHandler{
		OnResult: func(r Result) { acc.add(r) },
		OnEvent: func(e Event) {
			s.logger.Debug("sync event", slog.Int("event_id", e.ID), slog.String("msg", e.Msg))
		},
	})

	final, failure := acc.conclude(err)
	if failure == nil && acc.text() == "" {
		failure = &Error{Code: CodeIncomplete, Msg: "empty completion"}
	}
	if failure != nil {
		s.logger.Warn("sync request failed", slog.Int("code", failure.Code), slog.String("msg", failure.Msg))
		return &SyncOutput{ErrCode: failure.Code, ErrMsg: failure.Msg}
	}
	s.conv.Record(input, acc.text())
	return &SyncOutput{
		Role:    final.Role,
		Content: acc.text(),
		SID:     final.SID,
		Usage:   final.Usage,
	}
}

// ARun 异步调用，立即返回提交状态。返回非零时不会有任何回调。
// usrCtx 会在每次回调中原样交回。
func (s *Session) ARun(ctx context.Context, input string, usrCtx any) int {
	s.mu.Lock()
	cb := s.callbacks
	code := CodeNoCallbacks
	if cb != nil || s.destroyed {
		code, _ = s.admitLocked(input)
	}
	if code != CodeOK {
		s.mu.Unlock()
		return code
	}
	runCtx, cancel := s.requestContext(context.WithoutCancel(ctx))
	c := &call{cancel: cancel, done: make(chan struct{})}
	s.inflight = c
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.finish(c)
		s.stream(runCtx, input, cb, usrCtx)
	}()
	return CodeOK
}

// call 是一个在途的异步请求。
type call struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Session) finish(c *call) {
	c.cancel()
	s.mu.Lock()
	if s.inflight == c {
		s.inflight = nil
	}
	s.mu.Unlock()
	close(c.done)
}

// Abort 取消在途的异步请求并等待它释放会话，返回是否确有请求被取消。
// 被取消的请求仍会收到一次 OnError。不得在回调内部调用。
func (s *Session) Abort() bool {
	s.mu.Lock()
	c := s.inflight
	s.mu.Unlock()
	if c == nil {
		return false
	}
	c.cancel()
	<-c.done
	s.logger.Info("in-flight request aborted")
	return true
}

func (s *Session) stream(ctx context.Context, input string, cb Callbacks, usrCtx any) {
	var (
		acc  accumulator
		done bool
	)
	err := s.backend.Chat(ctx, s.request(input), StreamHandler{
		OnResult: func(r Result) {
			if done {
				s.logger.Warn("result after final dropped", slog.String("status", r.Status.String()))
				return
			}
			acc.add(r)
			if !r.Final() {
				cb.OnResult(r, usrCtx)
				return
			}
			done = true
			s.conv.Record(input, acc.text())
			s.busy.Store(false)
			cb.OnResult(*acc.final, usrCtx)
		},
		OnEvent: func(e Event) {
			if !done {
				cb.OnEvent(e, usrCtx)
			}
		},
	})
	if done {
		if err != nil {
			s.logger.Debug("backend error after final result ignored", slog.Any("error", err))
		}
		return
	}
	_, failure := acc.conclude(err)
	s.busy.Store(false)
	cb.OnError(failure, usrCtx)
}

// Destroy 销毁会话，并等待在途的异步请求结束。重复调用返回 SESSION_DESTROYED。
// 不得在回调内部调用。
func (s *Session) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return xerrors.New(CodeSessionDestroy, "")
	}
	s.destroyed = true
	s.callbacks = nil
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.conv.Reset()
	s.runtime.forget(s)
	s.logger.Info("session destroyed")
	return nil
}

// admitLocked 在持有 s.mu 时检查请求能否被受理；受理成功后 wg 已计数。
func (s *Session) admitLocked(input string) (int, string) {
	if s.destroyed {
		return CodeSessionClosed, "session destroyed"
	}
	if strings.TrimSpace(input) == "" {
		return CodeEmptyInput, "input is empty"
	}
	if !s.busy.CompareAndSwap(false, true) {
		return CodeRequestInFlight, "another request is in flight"
	}
	s.wg.Add(1)
	return CodeOK, ""
}

func (s *Session) request(input string) ChatRequest {
	return ChatRequest{
		ID:       uuid.NewString(),
		Config:   s.cfg,
		Messages: s.conv.Messages(input),
	}
}

// requestContext 派生请求上下文：会话销毁时取消，并应用配置的超时。
func (s *Session) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if s.cfg.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, s.cfg.Timeout)
		prev := cancel
		cancel = func() {
			timeoutCancel()
			prev()
		}
	}
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// accumulator 收集一次请求的分片。Backend 在单个 goroutine 内顺序上报，
// 因此无需加锁；conclude 在 Chat 返回后调用。
type accumulator struct {
	builder strings.Builder
	role    string
	final   *Result
}

func (a *accumulator) add(r Result) {
	if a.final != nil {
		return
	}
	a.builder.WriteString(r.Content)
	if r.Role != "" {
		a.role = r.Role
	}
	if r.Final() {
		cp := r
		if cp.Role == "" {
			cp.Role = a.role
		}
		if cp.Role == "" {
			cp.Role = memory.RoleAssistant
		}
		a.final = &cp
	}
}

func (a *accumulator) text() string {
	return a.builder.String()
}

func (a *accumulator) conclude(err error) (*Result, *Error) {
	if a.final != nil {
		return a.final, nil
	}
	if err == nil {
		return nil, &Error{Code: CodeIncomplete, Msg: "stream ended without a final result"}
	}
	var vendor *Error
	if stdErrors.As(err, &vendor) {
		return nil, vendor
	}
	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return nil, &Error{Code: CodeCanceled, Msg: err.Error()}
	}
	return nil, &Error{Code: CodeBackendFailure, Msg: err.Error()}
}
