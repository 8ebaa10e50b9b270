// Package ollama talks to a local Ollama daemon through its
// OpenAI-compatible endpoint.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"agentmux/internal/providers"
)

const defaultBaseURL = "http://localhost:11434/v1"

type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

type Client struct {
	llm *openai.LLM
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	// The client insists on a token even though local daemons ignore it.
	if cfg.APIKey == "" {
		cfg.APIKey = "ollama"
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithBaseURL(cfg.BaseURL),
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, openai.WithHTTPClient(cfg.HTTPClient))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("build ollama client: %w", err)
	}
	return &Client{llm: llm}, nil
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	callOpts := []llms.CallOption{}
	if req.Model != "" {
		callOpts = append(callOpts, llms.WithModel(req.Model))
	}
	if req.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(req.Temperature))
	}

	if strings.TrimSpace(req.SystemPrompt) == "" && len(req.History) == 0 {
		text, err := llms.GenerateFromSinglePrompt(ctx, c.llm, req.UserPrompt, callOpts...)
		if err != nil {
			return providers.ChatResponse{}, fmt.Errorf("ollama completion: %w", err)
		}
		return providers.ChatResponse{Text: text}, nil
	}

	messages := []llms.MessageContent{}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, llms.TextParts(schema.ChatMessageTypeSystem, req.SystemPrompt))
	}
	for _, turn := range req.History {
		messages = append(messages, llms.TextParts(roleToMessageType(turn.Role), turn.Content))
	}
	messages = append(messages, llms.TextParts(schema.ChatMessageTypeHuman, req.UserPrompt))

	resp, err := c.llm.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("ollama completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return providers.ChatResponse{}, fmt.Errorf("empty completion from ollama")
	}
	return providers.ChatResponse{Text: resp.Choices[0].Content}, nil
}

func roleToMessageType(role string) schema.ChatMessageType {
	switch role {
	case providers.RoleAssistant:
		return schema.ChatMessageTypeAI
	case providers.RoleSystem:
		return schema.ChatMessageTypeSystem
	default:
		return schema.ChatMessageTypeHuman
	}
}
