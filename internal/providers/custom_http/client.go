package custom_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/tidwall/gjson"

	"agentmux/internal/providers"
)

// fallbackPaths covers the response shapes local inference servers
// commonly return when no response_path is configured.
var fallbackPaths = []string{
	"text",
	"response",
	"answer",
	"output_text",
	"choices.0.message.content",
	"choices.0.text",
	"output.0.content.0.text",
}

type Config struct {
	URL          string
	APIKey       string
	Headers      map[string]string
	BodyTemplate string
	ResponsePath string
	Method       string
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	body, err := c.renderBody(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		text, retry, err := c.callOnce(ctx, body)
		if err == nil {
			return providers.ChatResponse{Text: text}, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return providers.ChatResponse{}, ctx.Err()
		case <-time.After(c.cfg.BackoffBase * (1 << attempt)):
		}
	}

	return providers.ChatResponse{}, lastErr
}

func (c *Client) renderBody(req providers.ChatRequest) ([]byte, error) {
	if strings.TrimSpace(c.cfg.BodyTemplate) == "" {
		history := make([]map[string]string, 0, len(req.History))
		for _, turn := range req.History {
			history = append(history, map[string]string{"role": turn.Role, "content": turn.Content})
		}
		payload := map[string]any{
			"model":         req.Model,
			"system_prompt": req.SystemPrompt,
			"prompt":        req.UserPrompt,
			"history":       history,
			"max_tokens":    req.MaxTokens,
			"temperature":   req.Temperature,
			"allow_tools":   req.AllowTools,
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal custom payload: %w", err)
		}
		return b, nil
	}

	tpl, err := template.New("custom_http_body").Option("missingkey=zero").Parse(c.cfg.BodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, map[string]any{
		"Model":        req.Model,
		"SystemPrompt": req.SystemPrompt,
		"UserPrompt":   req.UserPrompt,
		"History":      req.History,
		"MaxTokens":    req.MaxTokens,
		"Temperature":  req.Temperature,
		"AllowTools":   req.AllowTools,
		"APIKey":       c.cfg.APIKey,
	}); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Client) callOnce(ctx context.Context, body []byte) (text string, retry bool, err error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return "", false, fmt.Errorf("custom http url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("build custom request: %w", err)
	}
	if len(c.cfg.Headers) == 0 {
		req.Header.Set("Content-Type", "application/json")
	} else {
		for k, v := range c.cfg.Headers {
			req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
		}
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("custom request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", false, fmt.Errorf("read custom response: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", true, fmt.Errorf("custom provider temporary status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", false, fmt.Errorf("custom provider status %d", resp.StatusCode)
	}

	text, err = extractText(b, c.cfg.ResponsePath)
	if err != nil {
		return "", false, err
	}
	return text, false, nil
}

func extractText(body []byte, responsePath string) (string, error) {
	if !gjson.ValidBytes(body) {
		trimmed := strings.TrimSpace(string(body))
		if trimmed != "" {
			return trimmed, nil
		}
		return "", fmt.Errorf("custom response is empty")
	}

	res := gjson.ParseBytes(body)
	if path := strings.TrimSpace(responsePath); path != "" {
		v := res.Get(path)
		if !v.Exists() || strings.TrimSpace(v.String()) == "" {
			return "", fmt.Errorf("custom response has nothing at %q", path)
		}
		return v.String(), nil
	}

	for _, path := range fallbackPaths {
		if v := res.Get(path); v.Exists() && strings.TrimSpace(v.String()) != "" {
			return v.String(), nil
		}
	}

	// A bare JSON string is a valid reply on its own.
	if res.Type == gjson.String && strings.TrimSpace(res.String()) != "" {
		return res.String(), nil
	}

	return "", fmt.Errorf("custom response does not contain text field")
}
