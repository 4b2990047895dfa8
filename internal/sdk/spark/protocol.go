package spark

import (
	"strings"

	"SparkLLM-Demo/internal/memory"
	"SparkLLM-Demo/internal/sdk"
)

type requestFrame struct {
	Header    requestHeader    `json:"header"`
	Parameter requestParameter `json:"parameter"`
	Payload   requestPayload   `json:"payload"`
}

type requestHeader struct {
	AppID string `json:"app_id"`
	UID   string `json:"uid,omitempty"`
}

type requestParameter struct {
	Chat chatParameter `json:"chat"`
}

type chatParameter struct {
	Domain      string  `json:"domain"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

type requestPayload struct {
	Message messageBody `json:"message"`
}

type messageBody struct {
	Text []textItem `json:"text"`
}

type textItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Index   int    `json:"index,omitempty"`
}

type responseFrame struct {
	Header struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		SID     string `json:"sid"`
		Status  int    `json:"status"`
	} `json:"header"`
	Payload struct {
		Choices struct {
			Status int        `json:"status"`
			Seq    int        `json:"seq"`
			Text   []textItem `json:"text"`
		} `json:"choices"`
		Usage *struct {
			Text sdk.Usage `json:"text"`
		} `json:"usage,omitempty"`
	} `json:"payload"`
}

func newRequestFrame(appID string, req sdk.ChatRequest) requestFrame {
	text := make([]textItem, 0, len(req.Messages))
	for _, m := range req.Messages {
		text = append(text, textItem{Role: m.Role, Content: m.Content})
	}
	return requestFrame{
		Header: requestHeader{
			AppID: appID,
			UID:   strings.ReplaceAll(req.ID, "-", ""),
		},
		Parameter: requestParameter{Chat: chatParameter{
			Domain:      req.Config.Domain,
			Temperature: req.Config.Temperature,
			MaxTokens:   req.Config.MaxTokens,
		}},
		Payload: requestPayload{Message: messageBody{Text: text}},
	}
}

// result 把一帧响应转换为分片。choices.status 与 header.status 取较大者，
// 服务端在最后一帧上两者均为 2。
func (f responseFrame) result() sdk.Result {
	status := f.Payload.Choices.Status
	if f.Header.Status > status {
		status = f.Header.Status
	}
	var (
		builder strings.Builder
		role    string
	)
	for _, item := range f.Payload.Choices.Text {
		builder.WriteString(item.Content)
		if role == "" {
			role = item.Role
		}
	}
	if role == "" {
		role = memory.RoleAssistant
	}
	r := sdk.Result{
		Status:  sdk.Status(status),
		Role:    role,
		Content: builder.String(),
		SID:     f.Header.SID,
	}
	if f.Payload.Usage != nil {
		r.Usage = f.Payload.Usage.Text
	}
	return r
}
