// Package memory 保存会话内的历史轮次，并按会话创建时选定的策略裁剪。
package memory

import (
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// Kind 标识记忆策略。
type Kind string

const (
	// KindWindow 仅保留最近 N 轮对话。
	KindWindow Kind = "window"
	// KindToken 保留估算 token 数不超过上限的最近若干轮对话。
	KindToken Kind = "token"
)

const (
	defaultWindowSize = 5
	defaultMaxTokens  = 500
)

// Policy 描述会话的记忆策略。
type Policy struct {
	Kind      Kind `json:"kind" yaml:"kind"`
	Size      int  `json:"size,omitempty" yaml:"size,omitempty"`
	MaxTokens int  `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Window 返回保留最近 n 轮对话的策略。
func Window(n int) Policy {
	return Policy{Kind: KindWindow, Size: n}
}

// TokenBudget 返回按 token 预算保留历史的策略。
func TokenBudget(maxTokens int) Policy {
	return Policy{Kind: KindToken, MaxTokens: maxTokens}
}

// Default 与原厂示例一致：窗口大小为 5。
func Default() Policy {
	return Window(defaultWindowSize)
}

// Validate 检查策略参数是否可用。
func (p Policy) Validate() error {
	switch p.Kind {
	case KindWindow:
		if p.Size <= 0 {
			return fmt.Errorf("window memory size must be positive, got %d", p.Size)
		}
	case KindToken:
		if p.MaxTokens <= 0 {
			return fmt.Errorf("token memory budget must be positive, got %d", p.MaxTokens)
		}
	default:
		return fmt.Errorf("unknown memory policy %q", p.Kind)
	}
	return nil
}

func (p Policy) String() string {
	switch p.Kind {
	case KindWindow:
		return fmt.Sprintf("windowed(%d)", p.Size)
	case KindToken:
		return fmt.Sprintf("tokenBudget(%d)", p.MaxTokens)
	default:
		return string(p.Kind)
	}
}

// Message 是发往模型的一条对话消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type turn struct {
	question string
	answer   string
	tokens   int
}

// Conversation 是一个会话的历史记录，可被多个 goroutine 并发访问。
type Conversation struct {
	mu     sync.Mutex
	policy Policy
	turns  []turn
	total  int
}

// New 按策略创建会话记忆。
func New(policy Policy) (*Conversation, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Conversation{policy: policy}, nil
}

// Policy 返回创建时使用的策略。
func (c *Conversation) Policy() Policy {
	return c.policy
}

// Record 追加一轮完整的问答，随后按策略裁剪。
func (c *Conversation) Record(question, answer string) {
	t := turn{
		question: question,
		answer:   answer,
		tokens:   EstimateTokens(question) + EstimateTokens(answer),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, t)
	c.total += t.tokens
	c.trim()
}

func (c *Conversation) trim() {
	switch c.policy.Kind {
	case KindWindow:
		for len(c.turns) > c.policy.Size {
			c.drop()
		}
	case KindToken:
		for len(c.turns) > 0 && c.total > c.policy.MaxTokens {
			c.drop()
		}
	}
}

func (c *Conversation) drop() {
	c.total -= c.turns[0].tokens
	c.turns = c.turns[1:]
}

// Messages 返回历史消息并在末尾追加本轮的用户输入。
func (c *Conversation) Messages(input string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	messages := make([]Message, 0, len(c.turns)*2+1)
	for _, t := range c.turns {
		messages = append(messages,
			Message{Role: RoleUser, Content: t.question},
			Message{Role: RoleAssistant, Content: t.answer},
		)
	}
	return append(messages, Message{Role: RoleUser, Content: input})
}

// Turns 返回当前保留的轮数。
func (c *Conversation) Turns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Tokens 返回当前保留历史的估算 token 数。
func (c *Conversation) Tokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Reset 清空历史。
func (c *Conversation) Reset() {
	c.mu.Lock()
	c.turns = nil
	c.total = 0
	c.mu.Unlock()
}

// EstimateTokens 粗略估算 token 数：每个汉字计 1 个，其余字符约 4 个计 1 个。
func EstimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	han := 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			han++
		}
	}
	rest := utf8.RuneCountInString(text) - han
	return han + (rest+3)/4
}
