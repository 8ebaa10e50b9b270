package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"agentmux/internal/prompts"
	"agentmux/internal/storage"
)

// GET /api/prompt
func (s *Server) listPrompts(c echo.Context) error {
	all, err := s.store.ListPrompts(c.Request().Context())
	if err != nil {
		return s.mapError(c, err, "prompt")
	}

	out := make([]map[string]any, len(all))
	for i, p := range all {
		out[i] = map[string]any{"name": p.Name, "description": p.Description}
	}
	return c.JSON(http.StatusOK, map[string]any{"prompts": out})
}

// POST /api/prompt
func (s *Server) createPrompt(c echo.Context) error {
	var req struct {
		PromptName  string `json:"prompt_name"`
		Prompt      string `json:"prompt"`
		Description string `json:"description"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if !namePattern.MatchString(req.PromptName) {
		return badRequest(c, "invalid prompt name")
	}
	if req.Prompt == "" {
		return badRequest(c, "prompt is required")
	}

	if _, err := s.store.CreatePrompt(c.Request().Context(), storage.Prompt{
		Name:        req.PromptName,
		Content:     req.Prompt,
		Description: req.Description,
	}); err != nil {
		return s.mapError(c, err, "prompt")
	}
	s.audit(c, "prompt.create", req.PromptName)

	p, err := s.store.GetPromptByName(c.Request().Context(), req.PromptName)
	if err != nil {
		return s.mapError(c, err, "prompt")
	}
	return c.JSON(http.StatusCreated, promptResponse(p))
}

// GET /api/prompt/:name
func (s *Server) getPrompt(c echo.Context) error {
	p, err := s.store.GetPromptByName(c.Request().Context(), c.Param("name"))
	if err != nil {
		return s.mapError(c, err, "prompt")
	}
	return c.JSON(http.StatusOK, promptResponse(p))
}

// PUT /api/prompt/:name
func (s *Server) updatePrompt(c echo.Context) error {
	name := c.Param("name")
	var req struct {
		NewName     string `json:"new_name"`
		Prompt      string `json:"prompt"`
		Description string `json:"description"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.NewName != "" && !namePattern.MatchString(req.NewName) {
		return badRequest(c, "invalid prompt name")
	}
	if req.Prompt == "" {
		return badRequest(c, "prompt is required")
	}

	if err := s.store.UpdatePrompt(c.Request().Context(), name, req.NewName, req.Prompt, req.Description); err != nil {
		return s.mapError(c, err, "prompt")
	}
	finalName := name
	if req.NewName != "" {
		finalName = req.NewName
	}
	s.audit(c, "prompt.update", finalName)

	p, err := s.store.GetPromptByName(c.Request().Context(), finalName)
	if err != nil {
		return s.mapError(c, err, "prompt")
	}
	return c.JSON(http.StatusOK, promptResponse(p))
}

// DELETE /api/prompt/:name
func (s *Server) deletePrompt(c echo.Context) error {
	name := c.Param("name")
	if err := s.store.DeletePromptByName(c.Request().Context(), name); err != nil {
		return s.mapError(c, err, "prompt")
	}
	s.audit(c, "prompt.delete", name)
	return c.JSON(http.StatusOK, map[string]string{"message": "prompt deleted"})
}

// GET /api/prompt/:name/args
func (s *Server) getPromptArgs(c echo.Context) error {
	p, err := s.store.GetPromptByName(c.Request().Context(), c.Param("name"))
	if err != nil {
		return s.mapError(c, err, "prompt")
	}
	return c.JSON(http.StatusOK, map[string]any{"args": prompts.ExtractArgs(p.Content)})
}

func promptResponse(p storage.Prompt) map[string]any {
	return map[string]any{
		"name":        p.Name,
		"content":     p.Content,
		"description": p.Description,
		"created_at":  p.CreatedAt,
		"updated_at":  p.UpdatedAt,
	}
}
