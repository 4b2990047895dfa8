// Package transcript 定义对话记录及其存储接口。每个结束的请求（成功、失败、
// 超时或提交被拒）都会生成一条 Record。
package transcript

import (
	"context"
	"time"

	"SparkLLM-Demo/internal/chat"
)

// 记录状态。
const (
	StatusOK       = "ok"
	StatusFailed   = "failed"
	StatusTimeout  = "timeout"
	StatusRejected = "rejected"
)

// Record 表示一次请求的落库结构。
type Record struct {
	ID               string `json:"id"`
	SessionID        string `json:"session_id"`
	Backend          string `json:"backend"`
	Mode             string `json:"mode"`
	Input            string `json:"input"`
	Role             string `json:"role"`
	Content          string `json:"content"`
	SID              string `json:"sid"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	ErrorCode        int    `json:"error_code"`
	ErrorMessage     string `json:"error_message"`
	Status           string `json:"status"`
	LatencyMS        int64  `json:"latency_ms"`
	CreatedAt        int64  `json:"created_at"`
}

// Store 抽象对话记录的持久化接口。
type Store interface {
	Save(ctx context.Context, record Record) error
	ListLatest(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// FromOutcome 把请求结果转换为记录。
func FromOutcome(sessionID, backend string, o chat.Outcome) Record {
	r := Record{
		ID:        o.ID,
		SessionID: sessionID,
		Backend:   backend,
		Mode:      o.Mode.String(),
		Input:     o.Input,
		LatencyMS: o.Latency.Milliseconds(),
		CreatedAt: o.StartedAt.Unix(),
	}
	if o.StartedAt.IsZero() {
		r.CreatedAt = time.Now().Unix()
	}
	switch {
	case o.TimedOut:
		r.Status = StatusTimeout
	case o.Failure != nil:
		r.Status = StatusFailed
		if !o.Submitted {
			r.Status = StatusRejected
		}
		r.ErrorCode = o.Failure.Code
		r.ErrorMessage = o.Failure.Msg
	default:
		r.Status = StatusOK
		r.Role = o.Role
		r.Content = o.Content
		r.SID = o.SID
		r.PromptTokens = o.Usage.PromptTokens
		r.CompletionTokens = o.Usage.CompletionTokens
		r.TotalTokens = o.Usage.TotalTokens
	}
	return r
}
