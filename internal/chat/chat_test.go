package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "SparkLLM-Demo/internal/errors"
	"SparkLLM-Demo/internal/memory"
	"SparkLLM-Demo/internal/sdk"
	"SparkLLM-Demo/internal/sdk/mock"
)

func newMockSession(t *testing.T, backend *mock.Backend) *sdk.Session {
	t.Helper()
	rt := sdk.NewRuntime(backend.Opener(false))
	if err := rt.Init(sdk.Credentials{}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = rt.Uninit() })
	session, err := rt.CreateSession(sdk.LLMConfig{Domain: "4.0Ultra"}, memory.Window(5))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

type recordingListener struct {
	mu        sync.Mutex
	fragments []string
	events    int
	errors    int
}

func (l *recordingListener) Fragment(_ *Pending, r sdk.Result) {
	l.mu.Lock()
	l.fragments = append(l.fragments, r.Content)
	l.mu.Unlock()
}

func (l *recordingListener) Event(*Pending, sdk.Event) {
	l.mu.Lock()
	l.events++
	l.mu.Unlock()
}

func (l *recordingListener) Error(*Pending, *sdk.Error) {
	l.mu.Lock()
	l.errors++
	l.mu.Unlock()
}

func TestAsyncFragmentsAccumulate(t *testing.T) {
	backend := mock.New()
	backend.On("A", mock.Fragments(sdk.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8}, "Hel", "lo", "!"))
	listener := &recordingListener{}
	d, err := NewDispatcher(newMockSession(t, backend),
		WithSink(NewSink(WithListener(listener))),
		WithWaiter(NewWaiter(10, 100*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	out := d.Ask(context.Background(), "A", ModeAsync)
	if !out.OK() || !out.Completed || out.TimedOut {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Content != "Hello!" || out.Fragments != 3 {
		t.Fatalf("unexpected content %q (%d fragments)", out.Content, out.Fragments)
	}
	if out.Usage.TotalTokens != 8 || !out.Usage.Consistent() {
		t.Fatalf("unexpected usage: %+v", out.Usage)
	}
	if out.Err() != nil {
		t.Fatalf("successful outcome must not carry an error: %v", out.Err())
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if strings.Join(listener.fragments, "|") != "Hel|lo|!" {
		t.Fatalf("fragments out of order: %v", listener.fragments)
	}
}

func TestSyncErrorDoesNotStopNextRequest(t *testing.T) {
	backend := mock.New()
	backend.On("q1", mock.Failure(1, "quota exceeded"))
	d, err := NewDispatcher(newMockSession(t, backend))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	first := d.Ask(context.Background(), "q1", ModeSync)
	if first.OK() || first.Failure == nil || first.Failure.Code != 1 || first.Failure.Msg != "quota exceeded" {
		t.Fatalf("unexpected outcome: %+v", first)
	}
	if xerrors.CodeOf(first.Err()) != CodeLLMRuntime || !IsFailure(first.Err()) {
		t.Fatalf("expected a non-fatal runtime failure, got %v", first.Err())
	}

	second := d.Ask(context.Background(), "q2", ModeSync)
	if !second.OK() || second.Content == "" || second.Role == "" {
		t.Fatalf("sync success must carry content and role: %+v", second)
	}
}

type fakeSession struct {
	mu        sync.Mutex
	code      int
	callbacks sdk.Callbacks
	lastCtx   any
}

func (f *fakeSession) Run(context.Context, string) *sdk.SyncOutput {
	return &sdk.SyncOutput{ErrCode: f.code, ErrMsg: "rejected"}
}

func (f *fakeSession) ARun(_ context.Context, _ string, usrCtx any) int {
	f.mu.Lock()
	f.lastCtx = usrCtx
	f.mu.Unlock()
	return f.code
}

func (f *fakeSession) RegisterCallbacks(cb sdk.Callbacks) error {
	f.callbacks = cb
	return nil
}

func TestAsyncSubmissionFailureDoesNotBlock(t *testing.T) {
	session := &fakeSession{code: sdk.CodeRequestInFlight}
	d, err := NewDispatcher(session, WithWaiter(NewWaiter(10, time.Second)))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	start := time.Now()
	out := d.Ask(context.Background(), "A", ModeAsync)
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("waiter blocked on a rejected submission")
	}
	if !out.Completed || out.Submitted || out.TimedOut {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if xerrors.CodeOf(out.Err()) != CodeRequestInFlight {
		t.Fatalf("unexpected error code: %v", out.Err())
	}

	session.code = 7
	if got := xerrors.CodeOf(d.Ask(context.Background(), "A", ModeAsync).Err()); got != CodeSubmissionFailed {
		t.Fatalf("expected SUBMISSION_FAILED, got %s", got)
	}
}

func TestWaiterTimeoutDropsLateCallbacks(t *testing.T) {
	session := &fakeSession{code: sdk.CodeOK}
	d, err := NewDispatcher(session, WithWaiter(NewWaiter(3, 10*time.Millisecond)))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	p := d.Dispatch(context.Background(), "slow", ModeAsync)
	if status := d.Waiter().Await(context.Background(), p); status != TimedOut {
		t.Fatalf("expected timeout, got %s", status)
	}

	session.callbacks.OnResult(sdk.Result{Status: sdk.StatusFinal, Content: "late"}, p)
	session.callbacks.OnError(&sdk.Error{Code: 1, Msg: "late"}, p)

	out := p.Outcome()
	if !out.TimedOut || out.Completed || out.Content != "" || out.Failure != nil {
		t.Fatalf("late callbacks must not change an abandoned request: %+v", out)
	}
	if xerrors.CodeOf(out.Err()) != xerrors.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %v", out.Err())
	}

	next := d.Dispatch(context.Background(), "next", ModeAsync)
	session.callbacks.OnResult(sdk.Result{Status: sdk.StatusFinal, Content: "fresh"}, next)
	if status := d.Waiter().Await(context.Background(), next); status != Completed {
		t.Fatalf("next request must complete independently, got %s", status)
	}
	if next.Outcome().Content != "fresh" {
		t.Fatalf("unexpected content for next request: %q", next.Outcome().Content)
	}
}

func TestWaiterHonoursContext(t *testing.T) {
	p := newPending("x", ModeAsync)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if status := AwaitCompletion(ctx, p, 100, time.Second); status != TimedOut {
		t.Fatalf("expected abandonment on cancel, got %s", status)
	}
}

func TestWaiterDefaults(t *testing.T) {
	w := NewWaiter(0, 0)
	if w.MaxTurns != 10 || w.PollInterval != time.Second || w.Bound() != 10*time.Second {
		t.Fatalf("unexpected defaults: %+v bound=%s", w, w.Bound())
	}
}

func TestSinkExactlyOneTerminal(t *testing.T) {
	sink := NewSink()
	p := newPending("x", ModeAsync)

	sink.OnResult(sdk.Result{Status: sdk.StatusFinal, Content: "ok", Usage: sdk.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}}, p)
	sink.OnError(&sdk.Error{Code: 3, Msg: "after final"}, p)
	sink.OnResult(sdk.Result{Status: sdk.StatusFinal, Content: "again"}, p)

	select {
	case <-p.Done():
	default:
		t.Fatalf("final fragment must signal completion")
	}
	out := p.Outcome()
	if out.Content != "ok" || out.Failure != nil || out.Fragments != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	// 不属于本包的上下文被丢弃，不会 panic。
	sink.OnResult(sdk.Result{Content: "stray"}, 42)
	sink.OnEvent(sdk.Event{ID: 1}, nil)
	sink.OnError(&sdk.Error{Code: 1}, "ctx")
}

func TestConcurrentCallbacksConcatenateInOrder(t *testing.T) {
	sink := NewSink()
	p := newPending("x", ModeAsync)
	parts := make([]string, 50)
	for i := range parts {
		parts[i] = fmt.Sprintf("<%d>", i)
	}

	go func() {
		for i, part := range parts {
			status := sdk.StatusContinue
			if i == len(parts)-1 {
				status = sdk.StatusFinal
			}
			sink.OnResult(sdk.Result{Status: status, Content: part}, p)
		}
	}()

	if status := AwaitCompletion(context.Background(), p, 10, 100*time.Millisecond); status != Completed {
		t.Fatalf("expected completion, got %s", status)
	}
	if got := p.Outcome().Content; got != strings.Join(parts, "") {
		t.Fatalf("content is not the in-order concatenation: %q", got)
	}
}

func TestDestroyedSessionMapsToSessionDestroyed(t *testing.T) {
	backend := mock.New()
	session := newMockSession(t, backend)
	d, err := NewDispatcher(session)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if err := session.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	for _, mode := range []Mode{ModeSync, ModeAsync} {
		out := d.Ask(context.Background(), "hi", mode)
		if xerrors.CodeOf(out.Err()) != sdk.CodeSessionDestroy {
			t.Fatalf("%s: expected SESSION_DESTROYED, got %v", mode, out.Err())
		}
	}
	if _, err := NewDispatcher(session); xerrors.CodeOf(err) != sdk.CodeSessionDestroy {
		t.Fatalf("registering callbacks on a destroyed session must fail, got %v", err)
	}
}

func TestTimedOutRequestDoesNotBlockNextTurn(t *testing.T) {
	backend := mock.New()
	slow := sdk.Result{Status: sdk.StatusFinal, Role: "assistant", Content: "too late"}
	backend.On("A", mock.Reply{Steps: []mock.Step{{Delay: 300 * time.Millisecond}, {Result: &slow}}})
	backend.On("B", mock.Fragments(sdk.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}, "fine"))
	session := newMockSession(t, backend)
	d, err := NewDispatcher(session, WithWaiter(NewWaiter(2, 20*time.Millisecond)))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	first := d.Ask(context.Background(), "A", ModeAsync)
	if !first.TimedOut || xerrors.CodeOf(first.Err()) != xerrors.CodeTimeout {
		t.Fatalf("expected A to time out: %+v", first)
	}

	second := d.Ask(context.Background(), "B", ModeAsync)
	if !second.Submitted || !second.OK() || second.Content != "fine" {
		t.Fatalf("B must be sent and answered after A timed out: %+v (%v)", second, second.Err())
	}
	if turns := session.Memory().Turns(); turns != 1 {
		t.Fatalf("only the answered turn belongs in memory, got %d turns", turns)
	}
}
