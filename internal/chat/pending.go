package chat

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "SparkLLM-Demo/internal/errors"
	"SparkLLM-Demo/internal/sdk"
)

// Mode 决定请求走同步还是异步路径。
type Mode int

const (
	ModeSync Mode = iota
	ModeAsync
)

func (m Mode) String() string {
	if m == ModeAsync {
		return "async"
	}
	return "sync"
}

// Pending 是一次请求的上下文，作为 usrCtx 随 ARun 传入并在回调中原样交回。
// 完成信号是只关闭一次的 done 通道，分片在锁内累积。
type Pending struct {
	id      string
	input   string
	mode    Mode
	started time.Time

	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	builder   strings.Builder
	fragments int
	role      string
	sid       string
	usage     sdk.Usage
	final     bool
	failure   *sdk.Error
	submitted bool
	abandoned bool
	finished  time.Time
}

func newPending(input string, mode Mode) *Pending {
	return &Pending{
		id:      uuid.NewString(),
		input:   input,
		mode:    mode,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

// ID 返回请求标识。
func (p *Pending) ID() string { return p.id }

// Input 返回请求文本。
func (p *Pending) Input() string { return p.input }

// Done 在请求得到终止事件（或被放弃）后关闭。
func (p *Pending) Done() <-chan struct{} { return p.done }

// Completed 报告是否已记录终止事件。
func (p *Pending) Completed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.final || p.failure != nil
}

// addFragment 追加一个分片，final 分片同时记录 usage 并发出完成信号。
// 请求已结束或已被放弃时返回 false。
func (p *Pending) addFragment(r sdk.Result) bool {
	p.mu.Lock()
	if p.abandoned || p.final || p.failure != nil {
		p.mu.Unlock()
		return false
	}
	p.builder.WriteString(r.Content)
	p.fragments++
	if r.Role != "" {
		p.role = r.Role
	}
	if r.SID != "" {
		p.sid = r.SID
	}
	if r.Final() {
		p.final = true
		p.usage = r.Usage
		p.finished = time.Now()
	}
	final := p.final
	p.mu.Unlock()

	if final {
		p.signal()
	}
	return true
}

// fail 记录终止错误并发出完成信号。
func (p *Pending) fail(err *sdk.Error) bool {
	p.mu.Lock()
	if p.abandoned || p.final || p.failure != nil {
		p.mu.Unlock()
		return false
	}
	p.failure = err
	p.finished = time.Now()
	p.mu.Unlock()

	p.signal()
	return true
}

// abandon 在等待超时后调用，之后到达的回调一律丢弃。
// 返回 false 表示终止事件已经先一步到达。
func (p *Pending) abandon() bool {
	p.mu.Lock()
	if p.final || p.failure != nil {
		p.mu.Unlock()
		return false
	}
	p.abandoned = true
	p.finished = time.Now()
	p.mu.Unlock()

	p.signal()
	return true
}

func (p *Pending) markSubmitted() {
	p.mu.Lock()
	p.submitted = true
	p.mu.Unlock()
}

func (p *Pending) signal() {
	p.once.Do(func() { close(p.done) })
}

// Outcome 返回请求当前的快照。应在 Done 关闭后调用。
func (p *Pending) Outcome() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	o := Outcome{
		ID:        p.id,
		Input:     p.input,
		Mode:      p.mode,
		Submitted: p.submitted,
		Completed: p.final || p.failure != nil,
		TimedOut:  p.abandoned,
		Role:      p.role,
		Content:   p.builder.String(),
		SID:       p.sid,
		Usage:     p.usage,
		Fragments: p.fragments,
		Failure:   p.failure,
		StartedAt: p.started,
	}
	if !p.finished.IsZero() {
		o.Latency = p.finished.Sub(p.started)
	}
	return o
}

// Outcome 是请求结束后的结果。Failure 非空或 TimedOut 为真时 Content 无意义。
type Outcome struct {
	ID        string
	Input     string
	Mode      Mode
	Submitted bool
	Completed bool
	TimedOut  bool
	Role      string
	Content   string
	SID       string
	Usage     sdk.Usage
	Fragments int
	Failure   *sdk.Error
	StartedAt time.Time
	Latency   time.Duration
}

// OK 报告请求是否成功得到完整结果。
func (o Outcome) OK() bool {
	return o.Completed && o.Failure == nil && !o.TimedOut
}

// Err 把失败映射为统一错误码，成功时返回 nil。
func (o Outcome) Err() error {
	switch {
	case o.TimedOut:
		return xerrors.New(xerrors.CodeTimeout, "request abandoned after wait timeout",
			xerrors.WithMetadata("request_id", o.ID))
	case o.Failure == nil && o.Completed:
		return nil
	case o.Failure == nil:
		return xerrors.New(CodeLLMRuntime, "request did not complete", xerrors.WithMetadata("request_id", o.ID))
	}

	code := CodeLLMRuntime
	if !o.Submitted {
		switch o.Failure.Code {
		case sdk.CodeRequestInFlight:
			code = CodeRequestInFlight
		case sdk.CodeSessionClosed:
			code = sdk.CodeSessionDestroy
		default:
			code = CodeSubmissionFailed
		}
	}
	return xerrors.Wrap(code, o.Failure, "",
		xerrors.WithMetadata("request_id", o.ID),
		xerrors.WithMetadata("llm_code", strconv.Itoa(o.Failure.Code)),
	)
}
