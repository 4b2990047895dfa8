package demo

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"SparkLLM-Demo/internal/chat"
	"SparkLLM-Demo/internal/console"
	xerrors "SparkLLM-Demo/internal/errors"
	"SparkLLM-Demo/internal/memory"
	"SparkLLM-Demo/internal/notify"
	"SparkLLM-Demo/internal/observability/metrics"
	"SparkLLM-Demo/internal/sdk"
	"SparkLLM-Demo/internal/sdk/mock"
	"SparkLLM-Demo/internal/transcript"
)

type fixture struct {
	runtime  *sdk.Runtime
	sessions []*sdk.Session
	runner   *Runner
	store    *transcript.MemoryStore
	queue    *notify.MemoryQueue
	metrics  *metrics.Recorder
	output   *bytes.Buffer
	// wrap 为空时直接交出新会话。
	wrap func(*sdk.Session) Session
}

func newFixture(t *testing.T, backend *mock.Backend) *fixture {
	t.Helper()
	rt := sdk.NewRuntime(backend.Opener(false))
	if err := rt.Init(sdk.Credentials{}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = rt.Uninit() })

	f := &fixture{
		runtime: rt,
		store:   transcript.NewMemoryStore(),
		queue:   notify.NewMemoryQueue(16),
		metrics: metrics.NewRecorder(),
		output:  &bytes.Buffer{},
	}
	open := func() (Session, error) {
		session, err := rt.CreateSession(sdk.LLMConfig{Domain: "4.0Ultra"}, memory.Window(5))
		if err != nil {
			return nil, err
		}
		f.sessions = append(f.sessions, session)
		if f.wrap != nil {
			return f.wrap(session), nil
		}
		return session, nil
	}
	printer := console.New(f.output)
	var err error
	f.runner, err = New(open, "mock",
		WithDispatcherOptions(
			chat.WithSink(chat.NewSink(chat.WithListener(printer))),
			chat.WithWaiter(chat.NewWaiter(10, 50*time.Millisecond)),
		),
		WithStore(f.store),
		WithPublisher(f.queue),
		WithMetrics(f.metrics),
		WithPrinter(printer),
	)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return f
}

// destroyedOnRegister 在注册回调后立即销毁会话，模拟被外部提前销毁的会话。
type destroyedOnRegister struct {
	*sdk.Session
}

func (s destroyedOnRegister) RegisterCallbacks(cb sdk.Callbacks) error {
	if err := s.Session.RegisterCallbacks(cb); err != nil {
		return err
	}
	return s.Session.Destroy()
}

func TestRunContinuesAfterRequestFailure(t *testing.T) {
	backend := mock.New()
	backend.On("q1", mock.Failure(1, "quota exceeded"))
	f := newFixture(t, backend)

	summary, err := f.runner.Run(context.Background(), []string{"q1", "q2"}, []chat.Mode{chat.ModeSync, chat.ModeAsync})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Total() != 4 || summary.Failed != 2 || summary.Succeeded != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	records, err := f.store.ListLatest(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected 4 transcripts, got %d", len(records))
	}
	if len(f.sessions) != 2 {
		t.Fatalf("expected one session per mode, got %d", len(f.sessions))
	}
	ids := map[string]bool{f.sessions[0].ID(): true, f.sessions[1].ID(): true}
	statuses := map[string]int{}
	for _, r := range records {
		statuses[r.Status]++
		if !ids[r.SessionID] || r.Backend != "mock" {
			t.Fatalf("unexpected record: %+v", r)
		}
	}
	if statuses[transcript.StatusFailed] != 2 || statuses[transcript.StatusOK] != 2 {
		t.Fatalf("unexpected statuses: %v", statuses)
	}

	series, err := testutil.GatherAndCount(f.metrics.Registry(), "sparkdemo_requests_total")
	if err != nil || series != 4 {
		t.Fatalf("expected 4 request series, got %d (%v)", series, err)
	}

	_ = f.queue.Close()
	published := 0
	_ = f.queue.Consume(context.Background(), 1, func(context.Context, notify.Completion) error {
		published++
		return nil
	})
	if published != 4 {
		t.Fatalf("expected 4 completions, got %d", published)
	}

	out := f.output.String()
	for _, want := range []string{"同步调用", "异步调用", "sync output: 1:quota exceeded"} {
		if !strings.Contains(out, want) {
			t.Fatalf("console output missing %q:\n%s", want, out)
		}
	}
}

func TestRunUsesOneSessionPerMode(t *testing.T) {
	backend := mock.New()
	f := newFixture(t, backend)

	summary, err := f.runner.Run(context.Background(), []string{"a", "b"}, []chat.Mode{chat.ModeSync, chat.ModeAsync})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Succeeded != 4 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(f.sessions) != 2 || f.sessions[0].ID() == f.sessions[1].ID() {
		t.Fatalf("expected two distinct sessions, got %d", len(f.sessions))
	}
	for i, session := range f.sessions {
		if session.State() != sdk.StateDestroyed {
			t.Fatalf("session %d left in state %v after run", i, session.State())
		}
	}

	calls := backend.Calls()
	if len(calls) != 4 {
		t.Fatalf("expected 4 backend calls, got %d", len(calls))
	}
	if n := len(calls[1].Messages); n != 3 {
		t.Fatalf("second sync turn should carry one turn of history, got %d messages", n)
	}
	if n := len(calls[2].Messages); n != 1 {
		t.Fatalf("first async turn must not see sync history, got %d messages", n)
	}
}

func TestRunStopsOnDestroyedSession(t *testing.T) {
	f := newFixture(t, mock.New())
	f.wrap = func(s *sdk.Session) Session { return destroyedOnRegister{s} }

	summary, err := f.runner.Run(context.Background(), []string{"a", "b"}, []chat.Mode{chat.ModeSync, chat.ModeAsync})
	if xerrors.CodeOf(err) != sdk.CodeSessionDestroy {
		t.Fatalf("expected SESSION_DESTROYED, got %v", err)
	}
	if summary.Total() != 1 || summary.Rejected != 1 || len(f.sessions) != 1 {
		t.Fatalf("runner must stop after the first rejection: %+v", summary)
	}
}

func TestRunHonoursCanceledContext(t *testing.T) {
	f := newFixture(t, mock.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := f.runner.Run(ctx, []string{"a"}, []chat.Mode{chat.ModeSync})
	if err != context.Canceled || summary.Total() != 0 || len(f.sessions) != 0 {
		t.Fatalf("expected cancellation before any request, got %v (%+v)", err, summary)
	}
}

func TestParseModes(t *testing.T) {
	modes, err := ParseModes([]string{"sync", "async"})
	if err != nil || len(modes) != 2 || modes[0] != chat.ModeSync || modes[1] != chat.ModeAsync {
		t.Fatalf("unexpected modes %v (%v)", modes, err)
	}
	if _, err := ParseModes([]string{"batch"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestNewRequiresSessionFactory(t *testing.T) {
	if _, err := New(nil, "mock"); err == nil {
		t.Fatalf("expected error without session factory")
	}
}
