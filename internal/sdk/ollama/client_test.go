package ollama

import (
	"context"
	"strings"
	"testing"
	"time"

	"SparkLLM-Demo/internal/memory"
	"SparkLLM-Demo/internal/sdk"
)

func TestNewValidatesHost(t *testing.T) {
	if _, err := New("ftp://localhost"); err == nil {
		t.Fatalf("expected error for non-http host")
	}
	c, err := New("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.host.String() != DefaultHost {
		t.Fatalf("unexpected default host %s", c.host.String())
	}
	if err := c.Validate(sdk.LLMConfig{URL: "http://"}); err == nil {
		t.Fatalf("expected error for url without host")
	}
	if err := c.Validate(sdk.LLMConfig{Domain: "llama3"}); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestRenderPrompt(t *testing.T) {
	if got := renderPrompt([]memory.Message{{Role: memory.RoleUser, Content: "hi"}}); got != "hi" {
		t.Fatalf("single message must pass through, got %q", got)
	}
	got := renderPrompt([]memory.Message{
		{Role: memory.RoleUser, Content: "你好用英语怎么说？"},
		{Role: memory.RoleAssistant, Content: "Hello"},
		{Role: memory.RoleUser, Content: "那日语呢？"},
	})
	if !strings.HasPrefix(got, "user: 你好用英语怎么说？\nassistant: Hello\n") || !strings.HasSuffix(got, "assistant: ") {
		t.Fatalf("unexpected prompt %q", got)
	}
}

func TestChatHonoursCanceledContext(t *testing.T) {
	// 不可路由地址，Generate 不会很快返回；ctx 已取消时 Chat 必须立即结束。
	c, err := New("http://10.255.255.1:11434")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err = c.Chat(ctx, sdk.ChatRequest{Messages: []memory.Message{{Role: memory.RoleUser, Content: "hi"}}}, sdk.StreamHandler{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("chat did not return promptly")
	}
}
