// Package engine executes agent interactions: chat, instruct, command
// runs and the queued task/chain runs the worker drains.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"agentmux/internal/commands"
	"agentmux/internal/crypto"
	"agentmux/internal/metrics"
	"agentmux/internal/policy"
	"agentmux/internal/prompts"
	"agentmux/internal/providers"
	"agentmux/internal/providers/registry"
	"agentmux/internal/queue"
	"agentmux/internal/storage"
	"agentmux/internal/tokens"
)

var (
	ErrCommandDisabled = errors.New("command is disabled for this agent")
	ErrCommandBlocked  = errors.New("command blocked by policy")
	ErrProviderFailure = errors.New("provider call failed")
	ErrRunCancelled    = errors.New("run cancelled")
	ErrAgentRequired   = errors.New("run has no agent")
	ErrChainTooDeep    = errors.New("chain nesting too deep")
	ErrQueueRequired   = errors.New("queue is not configured")
)

// BuildFunc constructs a provider client; tests swap in fakes.
type BuildFunc func(registry.BuildOptions) (providers.Provider, error)

type Config struct {
	Store    *storage.Store
	Crypto   *crypto.Manager
	Commands *commands.Registry
	Policy   *policy.Engine
	Notifier *queue.Notifier
	Jobs     *queue.StreamQueue
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger

	HTTPClient        *http.Client
	ProviderTimeout   time.Duration
	ProviderRetries   int
	ProviderBackoff   time.Duration
	MaxContextTokens  int
	TaskMaxIterations int
	ChainMaxDepth     int

	BuildProvider BuildFunc
}

type Engine struct {
	store    *storage.Store
	secrets  *crypto.Manager
	registry *commands.Registry
	policy   *policy.Engine
	notifier *queue.Notifier
	jobs     *queue.StreamQueue
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	httpClient        *http.Client
	providerTimeout   time.Duration
	providerRetries   int
	providerBackoff   time.Duration
	maxContextTokens  int
	taskMaxIterations int
	chainMaxDepth     int

	build BuildFunc
}

func New(cfg Config) *Engine {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 60 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.ProviderTimeout}
	}
	if cfg.ProviderBackoff <= 0 {
		cfg.ProviderBackoff = 400 * time.Millisecond
	}
	if cfg.ProviderRetries < 0 {
		cfg.ProviderRetries = 0
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 4096
	}
	if cfg.TaskMaxIterations <= 0 {
		cfg.TaskMaxIterations = 10
	}
	if cfg.ChainMaxDepth <= 0 {
		cfg.ChainMaxDepth = 3
	}
	if cfg.Commands == nil {
		cfg.Commands = commands.DefaultRegistry
	}
	if cfg.BuildProvider == nil {
		cfg.BuildProvider = registry.Build
	}
	return &Engine{
		store:             cfg.Store,
		secrets:           cfg.Crypto,
		registry:          cfg.Commands,
		policy:            cfg.Policy,
		notifier:          cfg.Notifier,
		jobs:              cfg.Jobs,
		metrics:           m,
		logger:            cfg.Logger,
		httpClient:        cfg.HTTPClient,
		providerTimeout:   cfg.ProviderTimeout,
		providerRetries:   cfg.ProviderRetries,
		providerBackoff:   cfg.ProviderBackoff,
		maxContextTokens:  cfg.MaxContextTokens,
		taskMaxIterations: cfg.TaskMaxIterations,
		chainMaxDepth:     cfg.ChainMaxDepth,
		build:             cfg.BuildProvider,
	}
}

type ChatResult struct {
	ConversationID string
	Reply          string
}

// Chat appends the user turn to a conversation, calls the agent's
// provider with as much history as the token budget allows, and stores
// the reply as the assistant turn.
func (e *Engine) Chat(ctx context.Context, agentName, conversationName, userInput string) (ChatResult, error) {
	ap, err := e.store.GetAgentByName(ctx, agentName)
	if err != nil {
		return ChatResult{}, err
	}
	if strings.TrimSpace(conversationName) == "" {
		conversationName = "default"
	}
	conv, err := e.store.EnsureConversation(ctx, ap.ID, conversationName)
	if err != nil {
		return ChatResult{}, err
	}

	past, err := e.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return ChatResult{}, err
	}
	history := e.trimHistory(past, ap.Model, userInput, ap.SystemPrompt)

	userMsg, err := e.store.AppendMessage(ctx, storage.Message{
		ConversationID: conv.ID,
		Role:           storage.RoleUser,
		Content:        userInput,
		Tokens:         tokens.Estimate(ap.Model, userInput),
	})
	if err != nil {
		return ChatResult{}, err
	}
	e.publishMessage(ctx, conv.ID, ap.Name, userMsg)

	text, err := e.complete(ctx, ap, ap.SystemPrompt, userInput, history)
	if err != nil {
		return ChatResult{}, err
	}

	replyMsg, err := e.store.AppendMessage(ctx, storage.Message{
		ConversationID: conv.ID,
		Role:           storage.RoleAssistant,
		Content:        text,
		Tokens:         tokens.Estimate(ap.Model, text),
	})
	if err != nil {
		return ChatResult{}, err
	}
	e.publishMessage(ctx, conv.ID, ap.Name, replyMsg)
	e.metrics.ChatCompletions.Inc()

	return ChatResult{ConversationID: conv.ID, Reply: text}, nil
}

// Instruct is a one-shot completion through the stored Instruct template,
// with no conversation state.
func (e *Engine) Instruct(ctx context.Context, agentName, userInput string) (string, error) {
	return e.RunPrompt(ctx, agentName, "Instruct", map[string]string{"user_input": userInput})
}

// RunPrompt renders a stored prompt template and completes it with the
// agent's provider.
func (e *Engine) RunPrompt(ctx context.Context, agentName, promptName string, args map[string]string) (string, error) {
	ap, err := e.store.GetAgentByName(ctx, agentName)
	if err != nil {
		return "", err
	}
	return e.runPromptForAgent(ctx, ap, promptName, args)
}

func (e *Engine) runPromptForAgent(ctx context.Context, ap storage.AgentWithProvider, promptName string, args map[string]string) (string, error) {
	if args == nil {
		args = map[string]string{}
	}
	if _, ok := args["agent_name"]; !ok {
		args["agent_name"] = ap.Name
	}
	rendered, err := e.renderStoredPrompt(ctx, promptName, args)
	if err != nil {
		return "", err
	}
	text, err := e.complete(ctx, ap, ap.SystemPrompt, rendered, nil)
	if err != nil {
		return "", err
	}
	e.metrics.ChatCompletions.Inc()
	return text, nil
}

func (e *Engine) renderStoredPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	p, err := e.store.GetPromptByName(ctx, name)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
		// Seed templates survive deletion of their database rows.
		for _, tpl := range prompts.Defaults() {
			if tpl.Name == name {
				return prompts.Render(tpl.Content, args)
			}
		}
		return "", err
	}
	return prompts.Render(p.Content, args)
}

// ExecuteCommand runs a registry command on behalf of an agent after the
// enablement and policy gates pass.
func (e *Engine) ExecuteCommand(ctx context.Context, agentName, commandName string, rawArgs json.RawMessage) (json.RawMessage, error) {
	ap, err := e.store.GetAgentByName(ctx, agentName)
	if err != nil {
		return nil, err
	}
	return e.executeCommandForAgent(ctx, ap, commandName, rawArgs)
}

func (e *Engine) executeCommandForAgent(ctx context.Context, ap storage.AgentWithProvider, commandName string, rawArgs json.RawMessage) (json.RawMessage, error) {
	if _, err := e.store.GetCommandByName(ctx, commandName); err != nil {
		return nil, err
	}
	enabled, err := e.store.AgentCommandEnabled(ctx, ap.ID, commandName)
	if err != nil {
		return nil, err
	}
	if !enabled {
		e.metrics.CommandsBlocked.Inc()
		return nil, ErrCommandDisabled
	}

	argsMap := map[string]any{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &argsMap); err != nil {
			return nil, fmt.Errorf("parse command args: %w", err)
		}
	}
	if e.policy != nil {
		allowed, err := e.policy.Allowed(ctx, commandName, ap.Name, argsMap)
		if err != nil {
			return nil, err
		}
		if !allowed {
			e.metrics.CommandsBlocked.Inc()
			return nil, ErrCommandBlocked
		}
	}

	out, err := e.registry.Execute(ctx, commandName, rawArgs)
	if err != nil {
		return nil, err
	}
	e.metrics.CommandsExecuted.Inc()

	if auditErr := e.store.LogAction(ctx, storage.AuditEntry{
		Actor:      ap.Name,
		Action:     "command.execute",
		Entity:     commandName,
		DetailJSON: string(rawArgs),
	}); auditErr != nil {
		e.logger.Error().Err(auditErr).Str("command", commandName).Msg("failed to audit command execution")
	}
	return out, nil
}

// complete resolves the agent's provider and performs one chat call.
func (e *Engine) complete(ctx context.Context, ap storage.AgentWithProvider, systemPrompt, userPrompt string, history []providers.Turn) (string, error) {
	p, err := e.providerFor(ap)
	if err != nil {
		return "", err
	}

	cctx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	defer cancel()

	e.metrics.ProviderCalls.WithLabelValues(ap.Provider.Kind).Inc()
	resp, err := p.Chat(cctx, providers.ChatRequest{
		Model:        ap.Model,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		History:      history,
		MaxTokens:    ap.MaxTokens,
		Temperature:  ap.Temperature,
	})
	if err != nil {
		e.metrics.ProviderErrors.WithLabelValues(ap.Provider.Kind).Inc()
		return "", fmt.Errorf("%w: %s", ErrProviderFailure, err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (e *Engine) providerFor(ap storage.AgentWithProvider) (providers.Provider, error) {
	apiKey, err := e.decryptOptional(ap.Provider.EncAPIKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key: %w", err)
	}

	providerCfg := map[string]any{}
	if raw := strings.TrimSpace(ap.Provider.ConfigJSON); raw != "" {
		if err := json.Unmarshal([]byte(raw), &providerCfg); err != nil {
			return nil, fmt.Errorf("parse provider config: %w", err)
		}
	}
	headers := map[string]string{}
	if rawHeaders, ok := providerCfg["headers"].(map[string]any); ok {
		for k, v := range rawHeaders {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	// Agent settings may carry a per-agent key that overrides the
	// provider-level one.
	if settings, err := e.agentSettings(ap.Agent); err != nil {
		return nil, err
	} else if v := settings["API_KEY"]; v != "" && v != crypto.Redacted {
		apiKey = v
	}

	return e.build(registry.BuildOptions{
		Kind:        ap.Provider.Kind,
		BaseURL:     ap.Provider.BaseURL,
		APIKey:      apiKey,
		Headers:     headers,
		Config:      providerCfg,
		HTTPClient:  e.httpClient,
		MaxRetries:  e.providerRetries,
		BackoffBase: e.providerBackoff,
	})
}

func (e *Engine) agentSettings(a storage.Agent) (map[string]string, error) {
	settings := map[string]string{}
	if raw := strings.TrimSpace(a.SettingsJSON); raw != "" {
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			return nil, fmt.Errorf("parse agent settings: %w", err)
		}
	}
	if e.secrets == nil {
		return settings, nil
	}
	opened, err := e.secrets.OpenSettings(settings)
	if err != nil {
		return nil, fmt.Errorf("open agent settings: %w", err)
	}
	return opened, nil
}

func (e *Engine) decryptOptional(raw *string) (string, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return "", nil
	}
	if e.secrets == nil {
		return "", fmt.Errorf("encrypted value present but crypto manager is not configured")
	}
	return e.secrets.UnmarshalEncryptedString(*raw)
}

// trimHistory keeps the newest conversation turns that fit the context
// budget once the system prompt and the pending input are accounted for.
func (e *Engine) trimHistory(msgs []storage.Message, model, pendingInput, systemPrompt string) []providers.Turn {
	budget := e.maxContextTokens
	budget -= tokens.Estimate(model, systemPrompt)
	budget -= tokens.Estimate(model, pendingInput)
	if budget <= 0 || len(msgs) == 0 {
		return nil
	}

	kept := make([]providers.Turn, 0, len(msgs))
	used := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == storage.RoleSystem {
			continue
		}
		cost := m.Tokens
		if cost <= 0 {
			cost = tokens.Estimate(model, m.Content)
		}
		if used+cost > budget {
			break
		}
		used += cost

		role := providers.RoleAssistant
		if m.Role == storage.RoleUser {
			role = providers.RoleUser
		}
		kept = append(kept, providers.Turn{Role: role, Content: m.Content})
	}

	// Oldest first for the provider payload.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

func (e *Engine) publishMessage(ctx context.Context, conversationID, agentName string, m storage.Message) {
	err := e.notifier.Publish(ctx, queue.Event{
		Type:           queue.EventMessageAdded,
		ConversationID: conversationID,
		Agent:          agentName,
		Role:           m.Role,
		Content:        m.Content,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to publish message event")
	}
}
