package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"agentmux/internal/providers"
)

func TestChatAgainstCompatibleEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		var payload struct {
			Model    string `json:"model"`
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		if err := json.Unmarshal(b, &payload); err != nil {
			t.Errorf("request body not json: %v", err)
		}
		if payload.Model != "llama3.1:8b" {
			t.Errorf("expected configured model, got %q", payload.Model)
		}
		if len(payload.Messages) != 3 {
			t.Errorf("expected system+history+user, got %d messages", len(payload.Messages))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Model: "llama3.1:8b"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		SystemPrompt: "be brief",
		History:      []providers.Turn{{Role: providers.RoleUser, Content: "earlier"}},
		UserPrompt:   "ping",
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "pong" {
		t.Fatalf("expected pong, got %q", resp.Text)
	}
}

func TestNewDefaultsBaseURL(t *testing.T) {
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if c.llm == nil {
		t.Fatalf("expected constructed llm client")
	}
}
