package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/taskpilot/pkg/models"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(ClientConfig{
		BaseURL:        server.URL + "/v1",
		APIKey:         "test-key",
		Model:          "test-model",
		RetryBaseDelay: time.Millisecond,
	}, nil, nil)
	return client, server
}

func completionBody(content string) string {
	return fmt.Sprintf(`{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"model": "test-model",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
	}`, content)
}

func errorBody(message string) string {
	return fmt.Sprintf(`{"error": {"message": %q, "type": "invalid_request_error"}}`, message)
}

func TestChatSuccess(t *testing.T) {
	var requests int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s, want /v1/chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("hello"))
	}))

	resp, err := client.Chat(context.Background(), &Request{
		System:   "you are a test",
		Messages: []models.Message{models.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "hello" {
		t.Errorf("content = %q, want hello", resp.Message.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 16 {
		t.Errorf("usage = %+v, want total 16", resp.Usage)
	}
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestChatRetriesServerErrors(t *testing.T) {
	var requests int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, errorBody("upstream exploded"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("recovered"))
	}))

	resp, err := client.Chat(context.Background(), &Request{
		Messages: []models.Message{models.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "recovered" {
		t.Errorf("content = %q, want recovered", resp.Message.Content)
	}
	if n := atomic.LoadInt32(&requests); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestChatDoesNotRetryClientErrors(t *testing.T) {
	var requests int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, errorBody("bad request shape"))
	}))

	_, err := client.Chat(context.Background(), &Request{
		Messages: []models.Message{models.UserMessage("hi")},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("requests = %d, want 1 (no retries on 4xx)", n)
	}
}

func TestChatClassifiesContextLength(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, errorBody("This model's maximum context length is 8192 tokens"))
	}))

	_, err := client.Chat(context.Background(), &Request{
		Messages: []models.Message{models.UserMessage("hi")},
	})
	var cle *ContextLengthError
	if !errors.As(err, &cle) {
		t.Fatalf("error = %v, want *ContextLengthError", err)
	}
}

func TestChatClassifiesQuota(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, errorBody("insufficient balance"))
	}))

	_, err := client.Chat(context.Background(), &Request{
		Messages: []models.Message{models.UserMessage("hi")},
	})
	var qe *QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("error = %v, want *QuotaExceededError", err)
	}
}

func TestChatAbort(t *testing.T) {
	started := make(chan struct{})
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches for client disconnect;
		// otherwise r.Context() is never cancelled and Cleanup deadlocks.
		io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}))

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Chat(context.Background(), &Request{
			Messages: []models.Message{models.UserMessage("hi")},
		})
		errCh <- err
	}()

	<-started
	client.Abort()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrRequestCancelled) {
			t.Errorf("error = %v, want ErrRequestCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("aborted request did not return")
	}
}

func TestChatStream(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		}
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))

	var received []string
	doneCalls := 0
	resp, err := client.ChatStream(context.Background(), &Request{
		Messages: []models.Message{models.UserMessage("hi")},
	}, func(chunk string, done bool) {
		if done {
			doneCalls++
			return
		}
		received = append(received, chunk)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Message.Content != "Hello" {
		t.Errorf("content = %q, want Hello", resp.Message.Content)
	}
	if len(received) != 2 || received[0] != "Hel" || received[1] != "lo" {
		t.Errorf("chunks = %v", received)
	}
	if doneCalls != 1 {
		t.Errorf("done callbacks = %d, want exactly 1", doneCalls)
	}
}

func TestChatStreamAccumulatesToolCalls(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"echo","arguments":"{\"te"}}]}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"xt\":\"hi\"}"}}]}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		}
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))

	resp, err := client.ChatStream(context.Background(), &Request{
		Messages: []models.Message{models.UserMessage("hi")},
	}, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "echo" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments != `{"text":"hi"}` {
		t.Errorf("arguments = %q, want assembled JSON", tc.Arguments)
	}
}
