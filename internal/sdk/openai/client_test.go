package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"SparkLLM-Demo/internal/memory"
	"SparkLLM-Demo/internal/sdk"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
	c, err := NewClient(Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Validate(sdk.LLMConfig{URL: "ftp://example.com"}); err == nil {
		t.Fatalf("expected error for non-http base url")
	}
	if err := c.Validate(sdk.LLMConfig{Domain: "gpt-4o-mini", Temperature: 0.5}); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func streamServer(t *testing.T, captured *map[string]any, chunks ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test" {
			http.Error(w, "bad auth "+got, http.StatusUnauthorized)
			return
		}
		if captured != nil {
			_ = json.NewDecoder(r.Body).Decode(captured)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func delta(role, content string) string {
	return fmt.Sprintf(`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":%q,"content":%q}}]}`, role, content)
}

func TestChatStreamsDeltas(t *testing.T) {
	var body map[string]any
	srv := streamServer(t, &body,
		delta("assistant", "Hel"),
		delta("", "lo"),
		delta("", "!"),
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"m","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`,
	)
	defer srv.Close()

	c, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/v1", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	var got []sdk.Result
	err = c.Chat(context.Background(), sdk.ChatRequest{
		ID:       "req-1",
		Config:   sdk.LLMConfig{Domain: "deepseek-chat"},
		Messages: []memory.Message{{Role: memory.RoleUser, Content: "A"}},
	}, sdk.StreamHandler{OnResult: func(r sdk.Result) { got = append(got, r) }})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(got))
	}
	if got[0].Status != sdk.StatusFirst || got[1].Status != sdk.StatusContinue || !got[2].Final() {
		t.Fatalf("unexpected statuses: %v %v %v", got[0].Status, got[1].Status, got[2].Status)
	}
	var text strings.Builder
	for _, r := range got {
		text.WriteString(r.Content)
	}
	if text.String() != "Hello!" {
		t.Fatalf("unexpected text %q", text.String())
	}
	if u := got[2].Usage; u.TotalTokens != 8 || !u.Consistent() {
		t.Fatalf("unexpected usage: %+v", u)
	}
	if body["model"] != "deepseek-chat" || body["stream"] != true {
		t.Fatalf("unexpected request body: %v", body)
	}
}

func TestChatEstimatesUsageWhenMissing(t *testing.T) {
	srv := streamServer(t, nil, delta("assistant", "ok"))
	defer srv.Close()

	c, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/v1", HTTPClient: srv.Client()})
	var final sdk.Result
	err := c.Chat(context.Background(), sdk.ChatRequest{
		Messages: []memory.Message{{Role: memory.RoleUser, Content: "你好"}},
	}, sdk.StreamHandler{OnResult: func(r sdk.Result) { final = r }})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !final.Final() || final.Usage.PromptTokens != 2 || !final.Usage.Consistent() {
		t.Fatalf("unexpected final fragment: %+v", final)
	}
}

func TestChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded","type":"insufficient_quota","code":"insufficient_quota"}}`))
	}))
	defer srv.Close()

	c, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/v1", HTTPClient: srv.Client()})
	err := c.Chat(context.Background(), sdk.ChatRequest{
		Messages: []memory.Message{{Role: memory.RoleUser, Content: "hi"}},
	}, sdk.StreamHandler{})

	var sdkErr *sdk.Error
	if !asSDKError(err, &sdkErr) {
		t.Fatalf("expected *sdk.Error, got %T %v", err, err)
	}
	if sdkErr.Code != http.StatusTooManyRequests || sdkErr.Msg != "quota exceeded" {
		t.Fatalf("unexpected error: %+v", sdkErr)
	}
}

func asSDKError(err error, target **sdk.Error) bool {
	e, ok := err.(*sdk.Error)
	if ok {
		*target = e
	}
	return ok
}
