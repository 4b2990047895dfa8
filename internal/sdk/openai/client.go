// Package openai 通过 OpenAI 兼容的 Chat Completions 流式接口实现 sdk.Backend，
// 可用于 OpenAI、DeepSeek 或自建的兼容服务。
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"SparkLLM-Demo/internal/memory"
	"SparkLLM-Demo/internal/sdk"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 90 * time.Second
)

// Config 描述了调用兼容接口所需的信息。
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// Client 以流式方式调用 Chat Completions。
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{apiKey: apiKey, baseURL: baseURL, httpClient: httpClient}, nil
}

// Opener 返回供 sdk.Runtime 使用的构造函数，使用凭证中的 api_key。
// baseURL 为空时使用官方地址；会话配置中的 URL 优先。
func Opener(baseURL string, httpClient *http.Client) sdk.Opener {
	return func(creds sdk.Credentials) (sdk.Backend, error) {
		return NewClient(Config{APIKey: creds.APIKey, BaseURL: baseURL, HTTPClient: httpClient})
	}
}

func (c *Client) Name() string { return "openai" }

// Validate 检查模型名与接口地址。Domain 作为模型名，为空时使用默认模型。
func (c *Client) Validate(cfg sdk.LLMConfig) error {
	if raw := strings.TrimSpace(cfg.URL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse openai base url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("openai base url must use http or https, got %q", u.Scheme)
		}
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return fmt.Errorf("temperature %.2f out of range [0,2]", cfg.Temperature)
	}
	return nil
}

// Chat 发起流式请求。每个增量在收到下一个增量后才上报，最后一个增量作为 final 分片，
// 并携带服务端返回的 usage（未返回时按估算值填写）。
func (c *Client) Chat(ctx context.Context, req sdk.ChatRequest, handler sdk.StreamHandler) error {
	stream, err := c.client(req.Config).CreateChatCompletionStream(ctx, c.buildRequest(req))
	if err != nil {
		return translate(err)
	}
	defer stream.Close()

	var (
		pending *sdk.Result
		sent    int
		role    string
		usage   *goopenai.Usage
		text    strings.Builder
	)
	emit := func(r sdk.Result) {
		if sent == 0 && r.Status == sdk.StatusContinue {
			r.Status = sdk.StatusFirst
		}
		sent++
		if handler.OnResult != nil {
			handler.OnResult(r)
		}
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return translate(err)
		}
		if resp.Usage != nil {
			usage = resp.Usage
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Role != "" {
				role = choice.Delta.Role
			}
			if choice.Delta.Content == "" {
				continue
			}
			text.WriteString(choice.Delta.Content)
			if pending != nil {
				emit(*pending)
			}
			pending = &sdk.Result{
				Status:  sdk.StatusContinue,
				Role:    role,
				Content: choice.Delta.Content,
				SID:     resp.ID,
			}
		}
	}

	final := sdk.Result{Status: sdk.StatusFinal, Role: role}
	if pending != nil {
		final = *pending
		final.Status = sdk.StatusFinal
	}
	if final.Role == "" {
		final.Role = memory.RoleAssistant
	}
	final.Usage = usageOf(usage, req.Messages, text.String())
	emit(final)
	return nil
}

func (c *Client) Close() error {
	return nil
}

func (c *Client) client(cfg sdk.LLMConfig) *goopenai.Client {
	config := goopenai.DefaultConfig(c.apiKey)
	config.BaseURL = c.baseURL
	if raw := strings.TrimRight(strings.TrimSpace(cfg.URL), "/"); raw != "" {
		config.BaseURL = raw
	}
	config.HTTPClient = c.httpClient
	return goopenai.NewClientWithConfig(config)
}

func (c *Client) buildRequest(req sdk.ChatRequest) goopenai.ChatCompletionRequest {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	model := strings.TrimSpace(req.Config.Domain)
	if model == "" {
		model = defaultModelName
	}
	return goopenai.ChatCompletionRequest{
		Model:         model,
		Messages:      messages,
		Temperature:   float32(req.Config.Temperature),
		MaxTokens:     req.Config.MaxTokens,
		Stream:        true,
		StreamOptions: &goopenai.StreamOptions{IncludeUsage: true},
		User:          req.ID,
	}
}

func usageOf(u *goopenai.Usage, messages []memory.Message, completion string) sdk.Usage {
	if u != nil {
		return sdk.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.PromptTokens + u.CompletionTokens,
		}
	}
	prompt := 0
	for _, m := range messages {
		prompt += memory.EstimateTokens(m.Content)
	}
	out := memory.EstimateTokens(completion)
	return sdk.Usage{PromptTokens: prompt, CompletionTokens: out, TotalTokens: prompt + out}
}

// translate 把接口返回的错误转换为带错误码的 *sdk.Error，网络错误原样返回。
func translate(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &sdk.Error{Code: apiErr.HTTPStatusCode, Msg: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		msg := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &sdk.Error{Code: reqErr.HTTPStatusCode, Msg: msg}
	}
	return err
}
