package completion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"aichatserver/internal/chat"
	"aichatserver/pkg/config"

	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Temperature float64 `json:"temperature"`
}

func testConfig(baseURL string, systemPrompt string) *config.Config {
	return &config.Config{
		CompletionAPIKey:  "test-key",
		CompletionBaseURL: baseURL,
		CompletionModel:   "test-model",
		CompletionTimeout: 2 * time.Second,
		SystemPrompt:      systemPrompt,
	}
}

func completionBody(content string) string {
	return `{"id":"cmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":` +
		mustJSON(content) + `}}]}`
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestCompleteReplaysHistoryInOrder(t *testing.T) {
	var captured capturedRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionBody("  Sure, here is an idea.  ")))
	}))
	defer ts.Close()

	svc := NewService(testConfig(ts.URL+"/v1", "You are a helpful assistant."))

	history := []chat.Message{
		{Role: chat.RoleUser, Content: "Hello"},
		{Role: chat.RoleAssistant, Content: "Hi, how can I help?"},
	}

	reply, err := svc.Complete(context.Background(), history, "Plan my trip")
	require.NoError(t, err)
	require.Equal(t, "Sure, here is an idea.", reply)

	require.Equal(t, "test-model", captured.Model)
	require.Len(t, captured.Messages, 4)
	require.Equal(t, "system", captured.Messages[0].Role)
	require.Equal(t, "You are a helpful assistant.", captured.Messages[0].Content)
	require.Equal(t, "user", captured.Messages[1].Role)
	require.Equal(t, "Hello", captured.Messages[1].Content)
	require.Equal(t, "assistant", captured.Messages[2].Role)
	require.Equal(t, "user", captured.Messages[3].Role)
	require.Equal(t, "Plan my trip", captured.Messages[3].Content)
}

func TestCompleteWithoutSystemPrompt(t *testing.T) {
	var captured capturedRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionBody("ok")))
	}))
	defer ts.Close()

	svc := NewService(testConfig(ts.URL+"/v1", ""))

	_, err := svc.Complete(context.Background(), nil, "Hello")
	require.NoError(t, err)
	require.Len(t, captured.Messages, 1)
	require.Equal(t, "user", captured.Messages[0].Role)
}

func TestCompleteUpstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"upstream exploded","type":"server_error"}}`))
	}))
	defer ts.Close()

	svc := NewService(testConfig(ts.URL+"/v1", ""))

	_, err := svc.Complete(context.Background(), nil, "Hello")
	require.Error(t, err)

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
}

func TestCompleteMalformedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("this is not json"))
	}))
	defer ts.Close()

	svc := NewService(testConfig(ts.URL+"/v1", ""))

	_, err := svc.Complete(context.Background(), nil, "Hello")
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
}

func TestCompleteEmptyChoices(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","choices":[]}`))
	}))
	defer ts.Close()

	svc := NewService(testConfig(ts.URL+"/v1", ""))

	_, err := svc.Complete(context.Background(), nil, "Hello")
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, err.Error(), "no choices")
}

func TestCompleteEmptyContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionBody("   ")))
	}))
	defer ts.Close()

	svc := NewService(testConfig(ts.URL+"/v1", ""))

	_, err := svc.Complete(context.Background(), nil, "Hello")
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, err.Error(), "no content")
}

func TestCompleteTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(completionBody("too late")))
	}))
	defer ts.Close()

	cfg := testConfig(ts.URL+"/v1", "")
	cfg.CompletionTimeout = 50 * time.Millisecond
	svc := NewService(cfg)

	start := time.Now()
	_, err := svc.Complete(context.Background(), nil, "Hello")
	require.Error(t, err)
	require.Less(t, time.Since(start), 250*time.Millisecond)

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
}
