package memory

import (
	"fmt"
	"testing"
)

func TestWindowKeepsLastTurns(t *testing.T) {
	conv, err := New(Window(2))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 1; i <= 3; i++ {
		conv.Record(fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}

	msgs := conv.Messages("q4")
	if len(msgs) != 5 {
		t.Fatalf("expected 2 turns + input, got %d messages", len(msgs))
	}
	if msgs[0].Content != "q2" || msgs[3].Content != "a3" {
		t.Fatalf("unexpected history: %+v", msgs)
	}
	if last := msgs[len(msgs)-1]; last.Role != RoleUser || last.Content != "q4" {
		t.Fatalf("input must be appended last, got %+v", last)
	}
}

func TestTokenBudgetDropsOldest(t *testing.T) {
	conv, err := New(TokenBudget(10))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	conv.Record("你好用英语怎么说？", "Hello")
	conv.Record("那日语呢？", "こんにちは")

	if conv.Tokens() > 10 {
		t.Fatalf("budget exceeded: %d", conv.Tokens())
	}
	if conv.Turns() != 1 {
		t.Fatalf("expected only the newest turn to survive, got %d", conv.Turns())
	}
	msgs := conv.Messages("next")
	if msgs[0].Content != "那日语呢？" {
		t.Fatalf("unexpected surviving turn: %+v", msgs[0])
	}
}

func TestTokenBudgetDropsOversizedTurn(t *testing.T) {
	conv, _ := New(TokenBudget(2))
	conv.Record("这是一个很长的问题", "answer")
	if conv.Turns() != 0 || conv.Tokens() != 0 {
		t.Fatalf("oversized turn must not be kept: turns=%d tokens=%d", conv.Turns(), conv.Tokens())
	}
}

func TestPolicyValidate(t *testing.T) {
	cases := []struct {
		policy Policy
		ok     bool
	}{
		{Window(5), true},
		{TokenBudget(500), true},
		{Window(0), false},
		{TokenBudget(-1), false},
		{Policy{Kind: "lru"}, false},
	}
	for _, tc := range cases {
		err := tc.policy.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("policy %s: unexpected validation result %v", tc.policy, err)
		}
	}
	if Default().String() != "windowed(5)" {
		t.Fatalf("unexpected default policy %s", Default())
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens("你好"); got != 2 {
		t.Fatalf("expected 2 tokens for two han runes, got %d", got)
	}
	if got := EstimateTokens("Hello!"); got != 2 {
		t.Fatalf("expected 2 tokens for six latin runes, got %d", got)
	}
	if got := EstimateTokens("   "); got != 0 {
		t.Fatalf("blank text must be 0 tokens, got %d", got)
	}
}
