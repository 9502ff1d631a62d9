package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/doppel/pkg/doppel/prompt"
	"github.com/jholhewres/doppel/pkg/doppel/store"
)

func completionResponse(content string) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func testClient(baseURL string, maxRetries int) *Client {
	return NewClient(Config{
		BaseURL:      baseURL,
		APIKey:       "test-key",
		Params:       Params{Model: "gpt-4o-mini", Temperature: 0.8, MaxTokens: 150},
		MaxRetries:   maxRetries,
		RetryBackoff: time.Millisecond,
	}, nil)
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want ErrorKind
	}{
		{400, ErrorConfig},
		{401, ErrorConfig},
		{403, ErrorConfig},
		{404, ErrorConfig},
		{422, ErrorConfig},
		{429, ErrorRateLimited},
		{500, ErrorTransient},
		{502, ErrorTransient},
		{503, ErrorTransient},
	}
	for _, tt := range tests {
		if got := classifyStatus(tt.code); got != tt.want {
			t.Errorf("classifyStatus(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestPromptMessages(t *testing.T) {
	p := prompt.Prompt{
		StyleInstructions: "be yourself",
		HistoryTurns: []prompt.Turn{
			{Direction: store.DirectionIn, Text: "hi"},
			{Direction: store.DirectionOut, Text: "hello"},
		},
		NewMessage: "how are you",
	}

	msgs := promptMessages(p)
	want := []chatMessage{
		{Role: "system", Content: "be yourself"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "how are you"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}

func TestPromptMessagesEmptyHistory(t *testing.T) {
	p := prompt.Prompt{StyleInstructions: "style", NewMessage: "first"}
	msgs := promptMessages(p)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
}

func TestGenerateSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing auth header, got %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("model = %q", req.Model)
		}
		w.Write([]byte(completionResponse("  I'm good!  ")))
	}))
	defer server.Close()

	c := testClient(server.URL, 0)
	reply, err := c.Generate(context.Background(), prompt.Prompt{NewMessage: "how are you"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if reply != "I'm good!" {
		t.Errorf("reply = %q, want trimmed content", reply)
	}
}

func TestGenerateRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":{"message":"upstream hiccup"}}`, http.StatusBadGateway)
			return
		}
		w.Write([]byte(completionResponse("recovered")))
	}))
	defer server.Close()

	c := testClient(server.URL, 3)
	reply, err := c.Generate(context.Background(), prompt.Prompt{NewMessage: "hi"})
	if err != nil {
		t.Fatalf("Generate failed after retries: %v", err)
	}
	if reply != "recovered" {
		t.Errorf("reply = %q", reply)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestGenerateDoesNotRetryConfigErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	c := testClient(server.URL, 5)
	_, err := c.Generate(context.Background(), prompt.Prompt{NewMessage: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsConfigError(err) {
		t.Errorf("expected config error, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("config error must not be retried, got %d calls", got)
	}
}

func TestGenerateExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := testClient(server.URL, 2)
	_, err := c.Generate(context.Background(), prompt.Prompt{NewMessage: "hi"})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if IsConfigError(err) {
		t.Error("transient failure misclassified as config error")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 calls (1 + 2 retries), got %d", got)
	}
}

func TestGenerateEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	c := testClient(server.URL, 0)
	_, err := c.Generate(context.Background(), prompt.Prompt{NewMessage: "hi"})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestGenerateContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(Config{
		BaseURL:      server.URL,
		MaxRetries:   10,
		RetryBackoff: time.Hour, // cancellation must interrupt the backoff wait
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Generate(ctx, prompt.Prompt{NewMessage: "hi"})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Generate did not return after cancellation")
	}
}
