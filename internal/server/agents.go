package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"agentmux/internal/storage"
)

type agentRequest struct {
	AgentName    string            `json:"agent_name"`
	Provider     string            `json:"provider"`
	Model        string            `json:"model"`
	SystemPrompt string            `json:"system_prompt"`
	MaxTokens    int               `json:"max_tokens"`
	Temperature  float64           `json:"temperature"`
	Settings     map[string]string `json:"settings"`
}

type agentPatchRequest struct {
	NewName      *string           `json:"new_name"`
	Provider     *string           `json:"provider"`
	Model        *string           `json:"model"`
	SystemPrompt *string           `json:"system_prompt"`
	MaxTokens    *int              `json:"max_tokens"`
	Temperature  *float64          `json:"temperature"`
	Settings     map[string]string `json:"settings"`
}

// GET /api/agent
func (s *Server) listAgents(c echo.Context) error {
	ctx := c.Request().Context()
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return s.mapError(c, err, "agent")
	}

	out := make([]map[string]any, len(agents))
	for i, ap := range agents {
		out[i] = map[string]any{
			"name":     ap.Name,
			"provider": ap.Provider.Name,
			"model":    ap.Model,
			"status":   s.agentBusy(c, ap.ID),
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"agents": out})
}

// agentBusy reports whether the agent's latest task run is still active.
func (s *Server) agentBusy(c echo.Context, agentID int64) bool {
	run, err := s.store.LatestRunForAgent(c.Request().Context(), agentID, storage.RunKindTask)
	if err != nil {
		return false
	}
	return run.State == storage.RunStatePending || run.State == storage.RunStateRunning
}

// POST /api/agent
func (s *Server) createAgent(c echo.Context) error {
	ctx := c.Request().Context()
	var req agentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if !namePattern.MatchString(req.AgentName) {
		return badRequest(c, "invalid agent name")
	}
	if req.Provider == "" {
		return badRequest(c, "provider is required")
	}

	provider, err := s.store.GetProviderByName(ctx, req.Provider)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return badRequest(c, "provider not found")
		}
		return s.mapError(c, err, "provider")
	}

	settingsJSON, err := s.sealSettingsJSON(req.Settings)
	if err != nil {
		return s.mapError(c, err, "agent")
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 1024
	}

	if _, err := s.store.CreateAgent(ctx, storage.Agent{
		Name:         req.AgentName,
		ProviderID:   provider.ID,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		SettingsJSON: settingsJSON,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	}); err != nil {
		return s.mapError(c, err, "agent")
	}
	s.audit(c, "agent.create", req.AgentName)

	ap, err := s.store.GetAgentByName(ctx, req.AgentName)
	if err != nil {
		return s.mapError(c, err, "agent")
	}
	return c.JSON(http.StatusCreated, agentView(ap, false))
}

// GET /api/agent/:name
func (s *Server) getAgent(c echo.Context) error {
	ap, err := s.store.GetAgentByName(c.Request().Context(), c.Param("name"))
	if err != nil {
		return s.mapError(c, err, "agent")
	}
	return c.JSON(http.StatusOK, agentView(ap, s.agentBusy(c, ap.ID)))
}

// PUT /api/agent/:name
//
// Full update: settings are replaced wholesale; empty provider/model
// keep their current values.
func (s *Server) updateAgent(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")

	var req agentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	ap, err := s.store.GetAgentByName(ctx, name)
	if err != nil {
		return s.mapError(c, err, "agent")
	}

	providerID := ap.ProviderID
	if req.Provider != "" && req.Provider != ap.Provider.Name {
		provider, err := s.store.GetProviderByName(ctx, req.Provider)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return badRequest(c, "provider not found")
			}
			return s.mapError(c, err, "provider")
		}
		providerID = provider.ID
	}
	model := ap.Model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := ap.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	settingsJSON := ap.SettingsJSON
	if req.Settings != nil {
		settingsJSON, err = s.sealSettingsJSON(req.Settings)
		if err != nil {
			return s.mapError(c, err, "agent")
		}
	}

	if err := s.store.UpdateAgent(ctx, storage.Agent{
		Name:         name,
		ProviderID:   providerID,
		Model:        model,
		SystemPrompt: req.SystemPrompt,
		SettingsJSON: settingsJSON,
		MaxTokens:    maxTokens,
		Temperature:  req.Temperature,
	}); err != nil {
		return s.mapError(c, err, "agent")
	}
	s.audit(c, "agent.update", name)

	updated, err := s.store.GetAgentByName(ctx, name)
	if err != nil {
		return s.mapError(c, err, "agent")
	}
	return c.JSON(http.StatusOK, agentView(updated, s.agentBusy(c, updated.ID)))
}

// PATCH /api/agent/:name
//
// Partial update; {new_name} renames. Settings given here are merged
// into the stored map rather than replacing it.
func (s *Server) patchAgent(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")

	var req agentPatchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	ap, err := s.store.GetAgentByName(ctx, name)
	if err != nil {
		return s.mapError(c, err, "agent")
	}

	providerID := ap.ProviderID
	if req.Provider != nil {
		provider, err := s.store.GetProviderByName(ctx, *req.Provider)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return badRequest(c, "provider not found")
			}
			return s.mapError(c, err, "provider")
		}
		providerID = provider.ID
	}
	model := ap.Model
	if req.Model != nil {
		model = *req.Model
	}
	systemPrompt := ap.SystemPrompt
	if req.SystemPrompt != nil {
		systemPrompt = *req.SystemPrompt
	}
	maxTokens := ap.MaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	temperature := ap.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	settingsJSON := ap.SettingsJSON
	if req.Settings != nil {
		merged := settingsFromJSON(ap.SettingsJSON)
		for k, v := range req.Settings {
			merged[k] = v
		}
		settingsJSON, err = s.sealSettingsJSON(merged)
		if err != nil {
			return s.mapError(c, err, "agent")
		}
	}

	if err := s.store.UpdateAgent(ctx, storage.Agent{
		Name:         name,
		ProviderID:   providerID,
		Model:        model,
		SystemPrompt: systemPrompt,
		SettingsJSON: settingsJSON,
		MaxTokens:    maxTokens,
		Temperature:  temperature,
	}); err != nil {
		return s.mapError(c, err, "agent")
	}

	finalName := name
	if req.NewName != nil && *req.NewName != name {
		if !namePattern.MatchString(*req.NewName) {
			return badRequest(c, "invalid agent name")
		}
		if err := s.store.RenameAgent(ctx, name, *req.NewName); err != nil {
			return s.mapError(c, err, "agent")
		}
		finalName = *req.NewName
	}
	s.audit(c, "agent.update", finalName)

	updated, err := s.store.GetAgentByName(ctx, finalName)
	if err != nil {
		return s.mapError(c, err, "agent")
	}
	return c.JSON(http.StatusOK, agentView(updated, s.agentBusy(c, updated.ID)))
}

// DELETE /api/agent/:name
func (s *Server) deleteAgent(c echo.Context) error {
	name := c.Param("name")
	if err := s.store.DeleteAgentByName(c.Request().Context(), name); err != nil {
		return s.mapError(c, err, "agent")
	}
	s.audit(c, "agent.delete", name)
	return c.JSON(http.StatusOK, map[string]string{"message": "agent deleted"})
}

// GET /api/agent/:name/command
func (s *Server) listAgentCommands(c echo.Context) error {
	ctx := c.Request().Context()
	ap, err := s.store.GetAgentByName(ctx, c.Param("name"))
	if err != nil {
		return s.mapError(c, err, "agent")
	}
	toggles, err := s.store.ListAgentCommands(ctx, ap.ID)
	if err != nil {
		return s.mapError(c, err, "command")
	}

	out := make(map[string]bool, len(toggles))
	for _, t := range toggles {
		out[t.Name] = t.Enabled
	}
	return c.JSON(http.StatusOK, map[string]any{"commands": out})
}

// PATCH /api/agent/:name/command
func (s *Server) toggleAgentCommand(c echo.Context) error {
	ctx := c.Request().Context()
	var req struct {
		CommandName string `json:"command_name"`
		Enable      bool   `json:"enable"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.CommandName == "" {
		return badRequest(c, "command_name is required")
	}

	ap, err := s.store.GetAgentByName(ctx, c.Param("name"))
	if err != nil {
		return s.mapError(c, err, "agent")
	}

	if req.CommandName == "*" {
		err = s.store.SetAllAgentCommands(ctx, ap.ID, req.Enable)
	} else {
		err = s.store.SetAgentCommand(ctx, ap.ID, req.CommandName, req.Enable)
	}
	if err != nil {
		return s.mapError(c, err, "command")
	}
	s.audit(c, "agent.command", ap.Name)
	return s.listAgentCommands(c)
}

// POST /api/agent/:name/command
func (s *Server) executeAgentCommand(c echo.Context) error {
	var req struct {
		CommandName string          `json:"command_name"`
		CommandArgs json.RawMessage `json:"command_args"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.CommandName == "" {
		return badRequest(c, "command_name is required")
	}

	out, err := s.engine.ExecuteCommand(c.Request().Context(), c.Param("name"), req.CommandName, req.CommandArgs)
	if err != nil {
		return s.mapError(c, err, "command")
	}
	return c.JSON(http.StatusOK, map[string]any{"output": out})
}

// POST /api/agent/:name/chat
func (s *Server) agentChat(c echo.Context) error {
	name := c.Param("name")
	var req struct {
		Prompt       string `json:"prompt"`
		Conversation string `json:"conversation"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Prompt == "" {
		return badRequest(c, "prompt is required")
	}

	if limited, err := s.enforceRateLimit(c, name); limited || err != nil {
		if limited {
			return err
		}
		return s.mapError(c, err, "agent")
	}
	if dup, err := s.enforceIdempotency(c); dup || err != nil {
		if dup {
			return err
		}
		return s.mapError(c, err, "agent")
	}

	res, err := s.engine.Chat(c.Request().Context(), name, req.Conversation, req.Prompt)
	if err != nil {
		return s.mapError(c, err, "agent")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"response":        res.Reply,
		"conversation_id": res.ConversationID,
	})
}

// POST /api/agent/:name/instruct
func (s *Server) agentInstruct(c echo.Context) error {
	name := c.Param("name")
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Prompt == "" {
		return badRequest(c, "prompt is required")
	}

	if limited, err := s.enforceRateLimit(c, name); limited || err != nil {
		if limited {
			return err
		}
		return s.mapError(c, err, "agent")
	}

	out, err := s.engine.Instruct(c.Request().Context(), name, req.Prompt)
	if err != nil {
		return s.mapError(c, err, "agent")
	}
	return c.JSON(http.StatusOK, map[string]any{"response": out})
}

// POST /api/agent/:name/task
func (s *Server) startAgentTask(c echo.Context) error {
	name := c.Param("name")
	var req struct {
		Objective string `json:"objective"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Objective == "" {
		return badRequest(c, "objective is required")
	}

	if limited, err := s.enforceRateLimit(c, name); limited || err != nil {
		if limited {
			return err
		}
		return s.mapError(c, err, "agent")
	}
	if dup, err := s.enforceIdempotency(c); dup || err != nil {
		if dup {
			return err
		}
		return s.mapError(c, err, "agent")
	}

	run, err := s.engine.StartTask(c.Request().Context(), name, req.Objective)
	if err != nil {
		return s.mapError(c, err, "agent")
	}
	s.audit(c, "task.start", name)
	return c.JSON(http.StatusAccepted, map[string]any{"run_id": run.ID, "state": run.State})
}

// GET /api/agent/:name/task
func (s *Server) latestAgentTask(c echo.Context) error {
	ctx := c.Request().Context()
	ap, err := s.store.GetAgentByName(ctx, c.Param("name"))
	if err != nil {
		return s.mapError(c, err, "agent")
	}
	run, err := s.store.LatestRunForAgent(ctx, ap.ID, storage.RunKindTask)
	if err != nil {
		return s.mapError(c, err, "task run")
	}
	steps, err := s.store.ListRunSteps(ctx, run.ID)
	if err != nil {
		return s.mapError(c, err, "task run")
	}
	return c.JSON(http.StatusOK, runView(run, steps))
}

// DELETE /api/agent/:name/task
func (s *Server) cancelAgentTask(c echo.Context) error {
	ctx := c.Request().Context()
	ap, err := s.store.GetAgentByName(ctx, c.Param("name"))
	if err != nil {
		return s.mapError(c, err, "agent")
	}
	run, err := s.store.LatestRunForAgent(ctx, ap.ID, storage.RunKindTask)
	if err != nil {
		return s.mapError(c, err, "task run")
	}
	if run.State != storage.RunStatePending && run.State != storage.RunStateRunning {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no active task run"})
	}

	if err := s.engine.Cancel(ctx, run.ID); err != nil {
		return s.mapError(c, err, "task run")
	}
	s.audit(c, "task.cancel", ap.Name)
	return c.JSON(http.StatusAccepted, map[string]any{"run_id": run.ID, "message": "cancellation requested"})
}

func (s *Server) sealSettingsJSON(settings map[string]string) (string, error) {
	if settings == nil {
		settings = map[string]string{}
	}
	if s.secrets != nil {
		sealed, err := s.secrets.SealSettings(settings)
		if err != nil {
			return "", err
		}
		settings = sealed
	}
	b, err := json.Marshal(settings)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// audit writes a best-effort audit row for a mutation.
func (s *Server) audit(c echo.Context, action, entity string) {
	err := s.store.LogAction(c.Request().Context(), storage.AuditEntry{
		Actor:  "api",
		Action: action,
		Entity: entity,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("failed to write audit row")
	}
}
