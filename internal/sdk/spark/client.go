// Package spark 通过 WebSocket 接入星火大模型对话接口。每次请求建立一条
// 独立连接：签名握手、发送请求帧、读取流式响应直至 status=2 的最后一帧。
package spark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"SparkLLM-Demo/internal/memory"
	"SparkLLM-Demo/internal/sdk"
	"SparkLLM-Demo/pkg/logger"
)

// 连接建立后上报的事件编号。
const EventConnected = 1

const defaultHandshakeTimeout = 10 * time.Second

// Client 实现 sdk.Backend。
type Client struct {
	creds  sdk.Credentials
	dialer *websocket.Dialer
	now    func() time.Time
	logger *slog.Logger
}

// Option 定义可选配置。
type Option func(*Client)

// WithDialer 替换默认的 websocket.Dialer。
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithClock 替换签名使用的时钟。
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Open 校验凭证并创建客户端。app_id、api_key、api_secret 缺一不可。
func Open(creds sdk.Credentials, opts ...Option) (*Client, error) {
	if err := sdk.RequireCredentials(creds, "app_id", "api_key", "api_secret"); err != nil {
		return nil, err
	}
	c := &Client{
		creds: creds,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		now:    time.Now,
		logger: logger.Named("spark"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Opener 返回供 sdk.Runtime 使用的构造函数。
func Opener(opts ...Option) sdk.Opener {
	return func(creds sdk.Credentials) (sdk.Backend, error) {
		return Open(creds, opts...)
	}
}

func (c *Client) Name() string { return "spark" }

// Validate 检查 domain 与接口地址。
func (c *Client) Validate(cfg sdk.LLMConfig) error {
	if strings.TrimSpace(cfg.Domain) == "" {
		return errors.New("spark domain is required")
	}
	u, err := url.Parse(NormalizeURL(cfg.URL))
	if err != nil {
		return fmt.Errorf("parse spark url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("spark url must use ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("spark url has no host")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 1 {
		return fmt.Errorf("temperature %.2f out of range [0,1]", cfg.Temperature)
	}
	if cfg.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative")
	}
	return nil
}

// Chat 建立连接并把响应逐帧交给 handler。服务端返回非零 code 时以 *sdk.Error 结束。
func (c *Client) Chat(ctx context.Context, req sdk.ChatRequest, handler sdk.StreamHandler) error {
	signed, err := SignURL(NormalizeURL(req.Config.URL), c.creds.APIKey, c.creds.APISecret, c.now())
	if err != nil {
		return err
	}

	conn, resp, err := c.dialer.DialContext(ctx, signed, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("spark handshake failed with http %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial spark: %w", err)
	}
	defer conn.Close()

	frame, err := json.Marshal(newRequestFrame(c.creds.AppID, req))
	if err != nil {
		return fmt.Errorf("encode spark request: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send spark request: %w", err)
	}
	if handler.OnEvent != nil {
		handler.OnEvent(sdk.Event{ID: EventConnected, Msg: "request sent"})
	}

	done := make(chan struct{})
	g := new(errgroup.Group)
	g.Go(func() error {
		defer close(done)
		return c.readLoop(conn, req, handler)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
		return nil
	})
	err = g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		return ctxErr
	}
	return err
}

// readLoop 读取响应帧直至最后一帧。最后一帧不带 usage 时按文本估算。
func (c *Client) readLoop(conn *websocket.Conn, req sdk.ChatRequest, handler sdk.StreamHandler) error {
	var completion strings.Builder
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read spark frame: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var frame responseFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return fmt.Errorf("decode spark frame: %w", err)
		}
		if frame.Header.Code != 0 {
			c.logger.Warn("spark returned error",
				slog.String("request_id", req.ID),
				slog.String("sid", frame.Header.SID),
				slog.Int("code", frame.Header.Code),
			)
			return &sdk.Error{Code: frame.Header.Code, Msg: frame.Header.Message}
		}
		result := frame.result()
		completion.WriteString(result.Content)
		if result.Final() && result.Usage == (sdk.Usage{}) {
			result.Usage = estimateUsage(req.Messages, completion.String())
			c.logger.Debug("spark final frame without usage, estimated",
				slog.String("request_id", req.ID),
				slog.Int("total_tokens", result.Usage.TotalTokens),
			)
		}
		if handler.OnResult != nil {
			handler.OnResult(result)
		}
		if result.Final() {
			return nil
		}
	}
}

func estimateUsage(messages []memory.Message, completion string) sdk.Usage {
	prompt := 0
	for _, m := range messages {
		prompt += memory.EstimateTokens(m.Content)
	}
	out := memory.EstimateTokens(completion)
	return sdk.Usage{PromptTokens: prompt, CompletionTokens: out, TotalTokens: prompt + out}
}

// Close 无需释放资源，连接随请求结束关闭。
func (c *Client) Close() error {
	return nil
}
