// Package ollama 把本地 Ollama 服务接入 sdk.Backend。Generate 接口一次返回完整回复，
// 因此每个请求只上报一个 final 分片。
package ollama

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/JexSrs/go-ollama"

	"SparkLLM-Demo/internal/memory"
	"SparkLLM-Demo/internal/sdk"
	"SparkLLM-Demo/pkg/logger"
)

const (
	DefaultHost   = "http://127.0.0.1:11434"
	DefaultModel  = "qwen2.5:7b"
	defaultSystem = "You are a helpful assistant."
)

// Client 实现 sdk.Backend。
type Client struct {
	host   url.URL
	system string
	logger *slog.Logger
}

// Option 定义可选配置。
type Option func(*Client)

// WithSystem 设置系统提示词。
func WithSystem(prompt string) Option {
	return func(c *Client) {
		if p := strings.TrimSpace(prompt); p != "" {
			c.system = p
		}
	}
}

// New 创建客户端，host 为空时使用本机默认地址。
func New(host string, opts ...Option) (*Client, error) {
	u, err := parseHost(host)
	if err != nil {
		return nil, err
	}
	c := &Client{host: *u, system: defaultSystem, logger: logger.Named("ollama")}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Opener 返回供 sdk.Runtime 使用的构造函数。本地服务不需要凭证。
func Opener(host string, opts ...Option) sdk.Opener {
	return func(sdk.Credentials) (sdk.Backend, error) {
		return New(host, opts...)
	}
}

func (c *Client) Name() string { return "ollama" }

func (c *Client) Validate(cfg sdk.LLMConfig) error {
	if strings.TrimSpace(cfg.URL) != "" {
		if _, err := parseHost(cfg.URL); err != nil {
			return err
		}
	}
	return nil
}

// Chat 调用 Generate。go-ollama 不接受 context，调用放在独立 goroutine 中，
// ctx 结束时立即返回，迟到的结果被丢弃。
func (c *Client) Chat(ctx context.Context, req sdk.ChatRequest, handler sdk.StreamHandler) error {
	host := c.host
	if strings.TrimSpace(req.Config.URL) != "" {
		u, err := parseHost(req.Config.URL)
		if err != nil {
			return err
		}
		host = *u
	}
	model := strings.TrimSpace(req.Config.Domain)
	if model == "" {
		model = DefaultModel
	}
	prompt := renderPrompt(req.Messages)

	type outcome struct {
		text string
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		text, err := c.generate(host, model, prompt)
		ch <- outcome{text: text, err: err}
	}()

	var out outcome
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out = <-ch:
	}
	if out.err != nil {
		return out.err
	}

	promptTokens := memory.EstimateTokens(prompt)
	completion := memory.EstimateTokens(out.text)
	if handler.OnResult != nil {
		handler.OnResult(sdk.Result{
			Status:  sdk.StatusFinal,
			Role:    memory.RoleAssistant,
			Content: out.text,
			SID:     req.ID,
			Usage: sdk.Usage{
				PromptTokens:     promptTokens,
				CompletionTokens: completion,
				TotalTokens:      promptTokens + completion,
			},
		})
	}
	return nil
}

func (c *Client) Close() error {
	return nil
}

func (c *Client) generate(host url.URL, model, prompt string) (string, error) {
	client := ollama.New(host)
	res, err := client.Generate(
		client.Generate.WithModel(model),
		client.Generate.WithSystem(c.system),
		client.Generate.WithPrompt(prompt),
	)
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	if !res.Done {
		return "", errors.New("ollama response not finished")
	}
	text := strings.TrimSpace(res.Response)
	if text == "" {
		return "", errors.New("ollama returned an empty response")
	}
	c.logger.Debug("ollama response received", slog.String("model", model), slog.Int("chars", len(text)))
	return text, nil
}

// renderPrompt 把历史拼成纯文本对话，Generate 只接受单个 prompt。
func renderPrompt(messages []memory.Message) string {
	if len(messages) == 1 {
		return messages[0].Content
	}
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString(memory.RoleAssistant)
	b.WriteString(": ")
	return b.String()
}

func parseHost(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = DefaultHost
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("ollama url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("ollama url has no host")
	}
	return u, nil
}
