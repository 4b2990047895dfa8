// Package mock 提供可编排的 Backend，用于测试以及无网络环境下的演示。
package mock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"SparkLLM-Demo/internal/memory"
	"SparkLLM-Demo/internal/sdk"
)

// Step 是回复中的一个动作：上报分片、上报事件或等待。
type Step struct {
	Result *sdk.Result
	Event  *sdk.Event
	Delay  time.Duration
}

// Reply 是针对某个输入的完整回复脚本。Err 在所有 Step 执行完后返回。
type Reply struct {
	Steps []Step
	Err   error
}

// Fragments 生成若干 partial 分片加一个 final 分片，usage 按传入值填写。
func Fragments(usage sdk.Usage, parts ...string) Reply {
	steps := make([]Step, 0, len(parts))
	for i, part := range parts {
		r := sdk.Result{Status: sdk.StatusContinue, Role: memory.RoleAssistant, Content: part}
		if i == 0 {
			r.Status = sdk.StatusFirst
		}
		if i == len(parts)-1 {
			r.Status = sdk.StatusFinal
			r.Usage = usage
		}
		steps = append(steps, Step{Result: &r})
	}
	return Reply{Steps: steps}
}

// Failure 生成一个直接以错误结束的回复。
func Failure(code int, msg string) Reply {
	return Reply{Err: &sdk.Error{Code: code, Msg: msg}}
}

// Backend 按用户输入匹配预设脚本，未匹配时使用回显脚本。
type Backend struct {
	mu          sync.Mutex
	replies     map[string][]Reply
	calls       []sdk.ChatRequest
	validateErr error
	closed      bool
	chunk       int
}

// Option 定义可选配置。
type Option func(*Backend)

// WithValidateError 让 Validate 返回指定错误，用于模拟会话创建失败。
func WithValidateError(err error) Option {
	return func(b *Backend) {
		b.validateErr = err
	}
}

// WithChunkSize 设置回显脚本每个分片的字符数。
func WithChunkSize(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.chunk = n
		}
	}
}

// New 创建 mock Backend。
func New(opts ...Option) *Backend {
	b := &Backend{replies: make(map[string][]Reply), chunk: 4}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// On 为输入追加一个回复；同一输入的多个回复按调用顺序依次消费，最后一个会被重复使用。
func (b *Backend) On(input string, reply Reply) *Backend {
	b.mu.Lock()
	b.replies[input] = append(b.replies[input], reply)
	b.mu.Unlock()
	return b
}

// Opener 返回一个 sdk.Opener。requireCreds 为真时要求三项凭证齐全。
func (b *Backend) Opener(requireCreds bool) sdk.Opener {
	return func(creds sdk.Credentials) (sdk.Backend, error) {
		if requireCreds {
			if err := sdk.RequireCredentials(creds, "app_id", "api_key", "api_secret"); err != nil {
				return nil, err
			}
		}
		b.mu.Lock()
		b.closed = false
		b.mu.Unlock()
		return b, nil
	}
}

// Calls 返回所有收到的请求副本。
func (b *Backend) Calls() []sdk.ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sdk.ChatRequest(nil), b.calls...)
}

// Closed 报告 Close 是否已被调用。
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) Name() string { return "mock" }

func (b *Backend) Validate(cfg sdk.LLMConfig) error {
	if b.validateErr != nil {
		return b.validateErr
	}
	if strings.TrimSpace(cfg.Domain) == "" {
		return errors.New("domain is required")
	}
	return nil
}

func (b *Backend) Chat(ctx context.Context, req sdk.ChatRequest, handler sdk.StreamHandler) error {
	if len(req.Messages) == 0 {
		return errors.New("no messages")
	}
	input := req.Messages[len(req.Messages)-1].Content
	reply := b.next(req, input)

	for _, step := range reply.Steps {
		if step.Delay > 0 {
			timer := time.NewTimer(step.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if step.Event != nil && handler.OnEvent != nil {
			handler.OnEvent(*step.Event)
		}
		if step.Result != nil && handler.OnResult != nil {
			r := *step.Result
			if r.SID == "" {
				r.SID = req.ID
			}
			handler.OnResult(r)
		}
	}
	return reply.Err
}

func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) next(req sdk.ChatRequest, input string) Reply {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, req)

	queue := b.replies[input]
	switch len(queue) {
	case 0:
		return b.echo(req, input)
	case 1:
		return queue[0]
	default:
		b.replies[input] = queue[1:]
		return queue[0]
	}
}

// echo 把输入按 chunk 个字符切成分片回传，usage 使用估算值。
func (b *Backend) echo(req sdk.ChatRequest, input string) Reply {
	content := []rune("echo: " + input)
	var parts []string
	for len(content) > 0 {
		n := b.chunk
		if n > len(content) {
			n = len(content)
		}
		parts = append(parts, string(content[:n]))
		content = content[n:]
	}
	prompt := 0
	for _, m := range req.Messages {
		prompt += memory.EstimateTokens(m.Content)
	}
	completion := memory.EstimateTokens("echo: " + input)
	return Fragments(sdk.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}, parts...)
}
