// Package registry builds provider clients from stored configuration.
package registry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"agentmux/internal/providers"
	"agentmux/internal/providers/anthropic_messages"
	"agentmux/internal/providers/custom_http"
	"agentmux/internal/providers/ollama"
	"agentmux/internal/providers/openai_compat"
)

type BuildOptions struct {
	Kind        string
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	Config      map[string]any
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// Kinds lists the canonical provider kinds Build accepts.
func Kinds() []string {
	return []string{"openai_compat", "anthropic_messages", "ollama", "custom_http"}
}

// Supported reports whether Build recognizes the kind, aliases included.
func Supported(kind string) bool {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "openai_compat", "openai-compatible", "openai",
		"anthropic_messages", "anthropic", "claude",
		"ollama", "local",
		"custom_http", "custom-http", "custom":
		return true
	}
	return false
}

func Build(opts BuildOptions) (providers.Provider, error) {
	if opts.Config == nil {
		opts.Config = map[string]any{}
	}
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "openai_compat", "openai-compatible", "openai":
		endpoint := stringOpt(opts.Config, "endpoint", "chat_completions")
		var extra map[string]any
		if m, ok := opts.Config["extra_body"].(map[string]any); ok {
			extra = m
		}
		return openai_compat.New(openai_compat.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Headers:     opts.Headers,
			Endpoint:    endpoint,
			ExtraBody:   extra,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case "anthropic_messages", "anthropic", "claude":
		return anthropic_messages.New(anthropic_messages.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Version:     stringOpt(opts.Config, "version", ""),
			Headers:     opts.Headers,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case "ollama", "local":
		return ollama.New(ollama.Config{
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			Model:      stringOpt(opts.Config, "model", ""),
			HTTPClient: opts.HTTPClient,
		})

	case "custom_http", "custom-http", "custom":
		return custom_http.New(custom_http.Config{
			URL:          opts.BaseURL,
			APIKey:       opts.APIKey,
			Headers:      opts.Headers,
			BodyTemplate: stringOpt(opts.Config, "body_template", ""),
			ResponsePath: stringOpt(opts.Config, "response_path", ""),
			Method:       stringOpt(opts.Config, "method", "POST"),
			HTTPClient:   opts.HTTPClient,
			MaxRetries:   opts.MaxRetries,
			BackoffBase:  opts.BackoffBase,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

func stringOpt(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
