package providers

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one prior exchange in a conversation, oldest first.
type Turn struct {
	Role    string
	Content string
}

type ChatRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	History      []Turn
	MaxTokens    int
	Temperature  float64
	AllowTools   bool
}

type ChatResponse struct {
	Text string
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}
