// Package sdk 定义了大模型能力的门面：全局初始化、会话创建、同步与异步调用、
// 回调注册与销毁。具体的网络协议由 Backend 实现（spark、openai、ollama、mock），
// 门面本身负责生命周期状态机、会话记忆以及“每个请求恰好一个终止事件”的保证。
package sdk

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "SparkLLM-Demo/internal/errors"
	"SparkLLM-Demo/internal/memory"
)

// Credentials 是应用身份凭证。
type Credentials struct {
	AppID     string `json:"app_id" yaml:"app_id"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	APISecret string `json:"api_secret" yaml:"api_secret"`
}

// LLMConfig 描述会话使用的模型参数。
type LLMConfig struct {
	Domain      string        `json:"domain" yaml:"domain"`
	URL         string        `json:"url" yaml:"url"`
	Temperature float64       `json:"temperature" yaml:"temperature"`
	MaxTokens   int           `json:"max_tokens" yaml:"max_tokens"`
	Timeout     time.Duration `json:"-" yaml:"-"`
}

// Status 是结果分片的状态，取值与供应商协议保持一致。
type Status int

const (
	StatusFirst    Status = 0
	StatusContinue Status = 1
	StatusFinal    Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusFirst:
		return "first"
	case StatusContinue:
		return "partial"
	case StatusFinal:
		return "final"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Usage 是最终分片携带的 token 统计。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Consistent 检查 total = prompt + completion。
func (u Usage) Consistent() bool {
	return u.TotalTokens == u.PromptTokens+u.CompletionTokens
}

// Result 是一次请求的结果分片。
type Result struct {
	Status  Status
	Role    string
	Content string
	SID     string
	Usage   Usage
}

// Final 判断是否为最后一个分片。
func (r Result) Final() bool {
	return r.Status == StatusFinal
}

// Event 是不影响请求完成状态的通知。
type Event struct {
	ID  int
	Msg string
}

// Error 是请求的终止错误。
type Error struct {
	Code int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm error %d: %s", e.Code, e.Msg)
}

// SyncOutput 是同步调用的返回值；ErrCode 非零时 Role/Content 无意义。
type SyncOutput struct {
	ErrCode int
	ErrMsg  string
	Role    string
	Content string
	SID     string
	Usage   Usage
}

// Callbacks 接收异步调用的结果。usrCtx 为 ARun 传入的请求上下文，原样交回。
// 实现必须允许在与发起调用不同的 goroutine 中被调用。
type Callbacks interface {
	OnResult(result Result, usrCtx any)
	OnEvent(event Event, usrCtx any)
	OnError(err *Error, usrCtx any)
}

// 门面自身产生的错误码，与供应商返回的错误码区间分开。
const (
	CodeOK              = 0
	CodeNotInitialized  = 18000
	CodeSessionClosed   = 18001
	CodeNoCallbacks     = 18002
	CodeRequestInFlight = 18003
	CodeEmptyInput      = 18004
	CodeIncomplete      = 18005
	CodeCanceled        = 18006
	CodeBackendFailure  = 18100
)

// StreamHandler 由门面提供给 Backend，用于逐个上报分片与事件。
type StreamHandler struct {
	OnResult func(Result)
	OnEvent  func(Event)
}

// ChatRequest 是门面交给 Backend 的一次请求。
type ChatRequest struct {
	ID       string
	Config   LLMConfig
	Messages []memory.Message
}

// Backend 把一次对话发送到具体的大模型服务。Chat 必须按顺序上报分片，
// 并以 Status 为 StatusFinal 的分片结束；返回的 *Error 表示服务端拒绝。
type Backend interface {
	Name() string
	Validate(cfg LLMConfig) error
	Chat(ctx context.Context, req ChatRequest, handler StreamHandler) error
	Close() error
}

// Opener 使用凭证创建 Backend，凭证缺失或格式错误时返回错误。
type Opener func(creds Credentials) (Backend, error)

const (
	CodeConfigInvalid   xerrors.Code = "CONFIG_INVALID"
	CodeSessionInvalid  xerrors.Code = "SESSION_INVALID"
	CodeSessionDestroy  xerrors.Code = "SESSION_DESTROYED"
	CodeLifecycle       xerrors.Code = "LIFECYCLE_VIOLATION"
	CodeBackendNotFound xerrors.Code = "BACKEND_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeConfigInvalid, xerrors.Attributes{
		Message:  "invalid or missing sdk credentials",
		Severity: xerrors.SeverityCritical,
		Fatal:    true,
	})
	xerrors.Register(CodeSessionInvalid, xerrors.Attributes{
		Message:  "session could not be created",
		Severity: xerrors.SeverityCritical,
		Fatal:    true,
	})
	xerrors.Register(CodeSessionDestroy, xerrors.Attributes{
		Message:  "session already destroyed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeLifecycle, xerrors.Attributes{
		Message:  "operation not allowed in current state",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeBackendNotFound, xerrors.Attributes{
		Message:  "unknown llm provider",
		Severity: xerrors.SeverityCritical,
		Fatal:    true,
	})
}

// RequireCredentials 校验 Opener 需要的字段均非空。
func RequireCredentials(creds Credentials, fields ...string) error {
	var missing []string
	for _, field := range fields {
		var value string
		switch field {
		case "app_id":
			value = creds.AppID
		case "api_key":
			value = creds.APIKey
		case "api_secret":
			value = creds.APISecret
		}
		if strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing credentials: %s", strings.Join(missing, ", "))
	}
	return nil
}
