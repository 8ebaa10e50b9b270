package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"agentmux/internal/tokens"
)

// httpClient serves the http_request builtin; response bodies are capped below.
var httpClient = &http.Client{Timeout: 15 * time.Second}

func init() {
	MustRegister(Definition{
		Name:           "get_datetime",
		Description:    "Return the current date and time, optionally in a named timezone",
		EnabledDefault: true,
		Args:           map[string]string{"timezone": "IANA timezone name, defaults to UTC"},
	}, getDatetime)

	MustRegister(Definition{
		Name:           "http_request",
		Description:    "Perform an HTTP request and return status and body",
		EnabledDefault: false,
		Args: map[string]string{
			"url":    "target URL, http or https only",
			"method": "HTTP method, defaults to GET",
			"body":   "request body to send",
		},
	}, httpRequest)

	MustRegister(Definition{
		Name:           "json_query",
		Description:    "Extract a value from a JSON document by path",
		EnabledDefault: true,
		Args: map[string]string{
			"json": "JSON document, as a string or inline value",
			"path": "dot path into the document, e.g. items.0.name",
		},
	}, jsonQuery)

	MustRegister(Definition{
		Name:           "count_tokens",
		Description:    "Estimate how many model tokens a text consumes",
		EnabledDefault: true,
		Args: map[string]string{
			"text":  "text to measure",
			"model": "model name used to pick the encoding, defaults to gpt-4",
		},
	}, countTokens)
}

func getDatetime(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("decode get_datetime args: %w", err)
		}
	}
	loc := time.UTC
	if in.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(in.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", in.Timezone)
		}
	}
	now := time.Now().In(loc)
	return json.Marshal(map[string]any{
		"datetime": now.Format(time.RFC3339),
		"unix":     now.Unix(),
		"timezone": loc.String(),
	})
}

func httpRequest(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		URL     string            `json:"url"`
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode http_request args: %w", err)
	}
	if !strings.HasPrefix(in.URL, "http://") && !strings.HasPrefix(in.URL, "https://") {
		return nil, fmt.Errorf("url must use http or https")
	}
	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, in.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return json.Marshal(map[string]any{
		"status": resp.StatusCode,
		"body":   string(b),
	})
}

func jsonQuery(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		JSON json.RawMessage `json:"json"`
		Path string          `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode json_query args: %w", err)
	}
	if in.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	doc := in.JSON
	// A string argument holds the document itself.
	var asString string
	if err := json.Unmarshal(in.JSON, &asString); err == nil {
		doc = json.RawMessage(asString)
	}
	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("json argument is not a valid document")
	}

	v := gjson.GetBytes(doc, in.Path)
	if !v.Exists() {
		return nil, fmt.Errorf("nothing at path %q", in.Path)
	}
	return json.Marshal(map[string]any{"result": json.RawMessage(v.Raw)})
}

func countTokens(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Text  string `json:"text"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode count_tokens args: %w", err)
	}
	if in.Model == "" {
		in.Model = "gpt-4"
	}
	return json.Marshal(map[string]any{"tokens": tokens.Estimate(in.Model, in.Text)})
}
