package openai_compat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"agentmux/internal/providers"
)

func TestBuildPayloadChatCompletions(t *testing.T) {
	c := New(Config{BaseURL: "https://api.x.ai/v1", Endpoint: "chat_completions"})

	body, endpoint, err := c.buildPayload(providers.ChatRequest{
		Model:        "grok-beta",
		SystemPrompt: "You are concise",
		UserPrompt:   "hello",
		History: []providers.Turn{
			{Role: providers.RoleUser, Content: "earlier question"},
			{Role: providers.RoleAssistant, Content: "earlier answer"},
		},
		MaxTokens:   123,
		Temperature: 0.4,
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.x.ai/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Model != "grok-beta" {
		t.Fatalf("expected model grok-beta, got %q", payload.Model)
	}
	if len(payload.Messages) != 4 {
		t.Fatalf("expected system+history+user messages, got %d", len(payload.Messages))
	}
	if payload.Messages[0].Role != "system" {
		t.Fatalf("expected system message first, got %q", payload.Messages[0].Role)
	}
	if payload.Messages[2].Content != "earlier answer" {
		t.Fatalf("history out of order: %+v", payload.Messages)
	}
	if payload.Messages[3].Content != "hello" {
		t.Fatalf("expected current prompt last, got %q", payload.Messages[3].Content)
	}
}

func TestBuildPayloadResponsesEndpoint(t *testing.T) {
	c := New(Config{BaseURL: "https://api.openai.com/v1", Endpoint: "responses"})

	body, endpoint, err := c.buildPayload(providers.ChatRequest{Model: "gpt-4.1", UserPrompt: "hello"})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.openai.com/v1/responses" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if _, ok := payload["input"]; !ok {
		t.Fatalf("input missing in responses payload")
	}
}

func TestBuildPayloadExtraBody(t *testing.T) {
	c := New(Config{
		BaseURL:   "https://api.openai.com/v1",
		ExtraBody: map[string]any{"top_p": 0.9, "model": "never-wins"},
	})

	body, _, err := c.buildPayload(providers.ChatRequest{Model: "gpt-4o-mini", UserPrompt: "hello"})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["top_p"] != 0.9 {
		t.Fatalf("extra field not merged: %#v", payload["top_p"])
	}
	if payload["model"] != "gpt-4o-mini" {
		t.Fatalf("extra field overrode model: %#v", payload["model"])
	}
}

func TestChatRetriesTemporaryFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"pong"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 2, BackoffBase: time.Millisecond})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{Model: "m", UserPrompt: "ping"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "pong" {
		t.Fatalf("expected pong, got %q", resp.Text)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestChatDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 3, BackoffBase: time.Millisecond})
	if _, err := c.Chat(context.Background(), providers.ChatRequest{Model: "m", UserPrompt: "ping"}); err == nil {
		t.Fatalf("expected error for 401 response")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single call, got %d", got)
	}
}
