package server

import (
	"encoding/json"

	"agentmux/internal/crypto"
	"agentmux/internal/storage"
)

func settingsFromJSON(raw string) map[string]string {
	settings := map[string]string{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &settings)
	}
	return settings
}

func configFromJSON(raw string) map[string]any {
	cfg := map[string]any{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &cfg)
	}
	return cfg
}

func argsFromJSON(raw string) map[string]any {
	return configFromJSON(raw)
}

func agentView(ap storage.AgentWithProvider, busy bool) map[string]any {
	return map[string]any{
		"name":          ap.Name,
		"provider":      ap.Provider.Name,
		"model":         ap.Model,
		"system_prompt": ap.SystemPrompt,
		"max_tokens":    ap.MaxTokens,
		"temperature":   ap.Temperature,
		"settings":      crypto.RedactSettings(settingsFromJSON(ap.SettingsJSON)),
		"status":        busy,
		"created_at":    ap.CreatedAt,
		"updated_at":    ap.UpdatedAt,
	}
}

func providerView(p storage.Provider) map[string]any {
	apiKey := ""
	if p.EncAPIKey != nil && *p.EncAPIKey != "" {
		apiKey = crypto.Redacted
	}
	return map[string]any{
		"name":       p.Name,
		"kind":       p.Kind,
		"base_url":   p.BaseURL,
		"api_key":    apiKey,
		"config":     configFromJSON(p.ConfigJSON),
		"created_at": p.CreatedAt,
		"updated_at": p.UpdatedAt,
	}
}

func chainStepView(st storage.ChainStep) map[string]any {
	return map[string]any{
		"step_number": st.StepNumber,
		"agent_name":  st.AgentName,
		"step_type":   st.StepType,
		"target":      st.Target,
		"args":        argsFromJSON(st.ArgsJSON),
	}
}

func chainView(detail storage.ChainDetail) map[string]any {
	steps := make([]map[string]any, len(detail.Steps))
	for i, st := range detail.Steps {
		steps[i] = chainStepView(st)
	}
	return map[string]any{
		"name":        detail.Name,
		"description": detail.Description,
		"steps":       steps,
	}
}

func runView(run storage.Run, steps []storage.RunStep) map[string]any {
	stepViews := make([]map[string]any, len(steps))
	for i, st := range steps {
		stepViews[i] = map[string]any{
			"step_number": st.StepNumber,
			"name":        st.Name,
			"state":       st.State,
			"output":      st.Output,
			"error":       st.Error,
			"started_at":  st.StartedAt,
			"finished_at": st.FinishedAt,
		}
	}
	return map[string]any{
		"run_id":      run.ID,
		"kind":        run.Kind,
		"state":       run.State,
		"input":       run.Input,
		"output":      run.Output,
		"error":       run.Error,
		"created_at":  run.CreatedAt,
		"started_at":  run.StartedAt,
		"finished_at": run.FinishedAt,
		"steps":       stepViews,
	}
}

func conversationView(cv storage.Conversation) map[string]any {
	return map[string]any{
		"id":         cv.ID,
		"agent_id":   cv.AgentID,
		"name":       cv.Name,
		"created_at": cv.CreatedAt,
		"updated_at": cv.UpdatedAt,
	}
}

func messageView(m storage.Message) map[string]any {
	return map[string]any{
		"id":         m.ID,
		"role":       m.Role,
		"content":    m.Content,
		"tokens":     m.Tokens,
		"created_at": m.CreatedAt,
	}
}
