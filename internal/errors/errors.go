// Package errors 定义带错误码的统一错误类型。各业务包在 init 中登记自己的错误码，
// 登记信息决定默认描述、日志级别以及驱动程序是否需要中止。
package errors

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Code 是统一错误码。
type Code string

// Severity 描述错误的严重程度。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Level 把严重程度映射为日志级别。
func (s Severity) Level() slog.Level {
	switch s {
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Attributes 是错误码的登记信息。
type Attributes struct {
	Message  string
	Severity Severity
	// Fatal 为真时整个演示流程终止，而不只是当前请求失败。
	Fatal bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

var registry = struct {
	sync.RWMutex
	codes map[Code]Attributes
}{
	codes: map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeInitializationFailure: {Message: "component not initialized", Severity: SeverityCritical, Fatal: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityWarning},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityWarning},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning},
	},
}

// Register 登记错误码，重复登记以最后一次为准。
func Register(code Code, attr Attributes) {
	registry.Lock()
	registry.codes[code] = attr
	registry.Unlock()
}

// AttributesOf 返回登记信息，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registry.RLock()
	defer registry.RUnlock()
	if attr, ok := registry.codes[code]; ok {
		return attr
	}
	return registry.codes[CodeUnknown]
}

// Error 携带错误码、描述、原因与附加字段。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加一个字段，例如请求 ID 或供应商的原始错误码。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, 2)
		}
		e.metadata[key] = value
	}
}

// New 创建错误。message 为空时使用登记的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 以 cause 为原因创建错误。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 使 errors.Is 按错误码匹配。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含错误码与原因的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加字段的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
}

func (e *Error) Severity() Severity {
	return AttributesOf(e.Code()).Severity
}

func (e *Error) Fatal() bool {
	return e != nil && AttributesOf(e.code).Fatal
}

// LogValue 让 slog 以分组形式输出错误码、描述、附加字段与原因。
func (e *Error) LogValue() slog.Value {
	if e == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("code", string(e.code)),
		slog.String("message", e.message),
	}
	keys := make([]string, 0, len(e.metadata))
	for k := range e.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, e.metadata[k]))
	}
	if e.cause != nil {
		attrs = append(attrs, slog.String("cause", e.cause.Error()))
	}
	return slog.GroupValue(attrs...)
}

// From 从错误链中取出 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误链中第一个 *Error 的错误码。
func CodeOf(err error) Code {
	e, _ := From(err)
	return e.Code()
}

// IsFatal 报告 err 是否需要终止整个流程。
func IsFatal(err error) bool {
	e, _ := From(err)
	return e.Fatal()
}

// SeverityOf 返回错误的严重程度，未携带错误码的错误按 UNKNOWN 处理。
func SeverityOf(err error) Severity {
	e, _ := From(err)
	return e.Severity()
}
