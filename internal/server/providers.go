package server

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"agentmux/internal/crypto"
	"agentmux/internal/providers/registry"
	"agentmux/internal/storage"
)

type providerRequest struct {
	ProviderName string         `json:"provider_name"`
	Kind         string         `json:"kind"`
	BaseURL      string         `json:"base_url"`
	APIKey       string         `json:"api_key"`
	Config       map[string]any `json:"config"`
}

type providerPatchRequest struct {
	Kind    *string        `json:"kind"`
	BaseURL *string        `json:"base_url"`
	APIKey  *string        `json:"api_key"`
	Config  map[string]any `json:"config"`
}

// GET /api/provider
func (s *Server) listProviders(c echo.Context) error {
	all, err := s.store.ListProviders(c.Request().Context())
	if err != nil {
		return s.mapError(c, err, "provider")
	}

	out := make([]map[string]any, len(all))
	for i, p := range all {
		out[i] = providerView(p)
	}
	return c.JSON(http.StatusOK, map[string]any{"providers": out})
}

// POST /api/provider
func (s *Server) createProvider(c echo.Context) error {
	var req providerRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if !namePattern.MatchString(req.ProviderName) {
		return badRequest(c, "invalid provider name")
	}
	if !registry.Supported(req.Kind) {
		return badRequest(c, "unsupported provider kind")
	}

	p := storage.Provider{
		Name:    req.ProviderName,
		Kind:    req.Kind,
		BaseURL: req.BaseURL,
	}
	if req.APIKey != "" {
		sealed, err := s.sealAPIKey(req.APIKey)
		if err != nil {
			return s.mapError(c, err, "provider")
		}
		p.EncAPIKey = &sealed
	}
	if req.Config != nil {
		b, err := json.Marshal(req.Config)
		if err != nil {
			return badRequest(c, "invalid config")
		}
		p.ConfigJSON = string(b)
	}

	if _, err := s.store.CreateProvider(c.Request().Context(), p); err != nil {
		return s.mapError(c, err, "provider")
	}
	s.audit(c, "provider.create", req.ProviderName)

	created, err := s.store.GetProviderByName(c.Request().Context(), req.ProviderName)
	if err != nil {
		return s.mapError(c, err, "provider")
	}
	return c.JSON(http.StatusCreated, providerView(created))
}

// GET /api/provider/:name
func (s *Server) getProvider(c echo.Context) error {
	p, err := s.store.GetProviderByName(c.Request().Context(), c.Param("name"))
	if err != nil {
		return s.mapError(c, err, "provider")
	}
	return c.JSON(http.StatusOK, providerView(p))
}

// PUT /api/provider/:name
//
// Full update. An absent, empty or redacted api_key keeps the stored
// key, so clients can echo back what GET returned.
func (s *Server) updateProvider(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")

	var req providerRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	p, err := s.store.GetProviderByName(ctx, name)
	if err != nil {
		return s.mapError(c, err, "provider")
	}
	if req.Kind != "" {
		if !registry.Supported(req.Kind) {
			return badRequest(c, "unsupported provider kind")
		}
		p.Kind = req.Kind
	}
	if req.BaseURL != "" {
		p.BaseURL = req.BaseURL
	}
	p.EncAPIKey = nil
	if req.APIKey != "" && req.APIKey != crypto.Redacted {
		sealed, err := s.sealAPIKey(req.APIKey)
		if err != nil {
			return s.mapError(c, err, "provider")
		}
		p.EncAPIKey = &sealed
	}
	if req.Config != nil {
		b, err := json.Marshal(req.Config)
		if err != nil {
			return badRequest(c, "invalid config")
		}
		p.ConfigJSON = string(b)
	}

	if err := s.store.UpdateProvider(ctx, p); err != nil {
		return s.mapError(c, err, "provider")
	}
	s.audit(c, "provider.update", name)

	updated, err := s.store.GetProviderByName(ctx, name)
	if err != nil {
		return s.mapError(c, err, "provider")
	}
	return c.JSON(http.StatusOK, providerView(updated))
}

// PATCH /api/provider/:name
//
// Partial update; config entries are merged into the stored map.
func (s *Server) patchProvider(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")

	var req providerPatchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	p, err := s.store.GetProviderByName(ctx, name)
	if err != nil {
		return s.mapError(c, err, "provider")
	}
	if req.Kind != nil {
		if !registry.Supported(*req.Kind) {
			return badRequest(c, "unsupported provider kind")
		}
		p.Kind = *req.Kind
	}
	if req.BaseURL != nil {
		p.BaseURL = *req.BaseURL
	}
	p.EncAPIKey = nil
	if req.APIKey != nil && *req.APIKey != "" && *req.APIKey != crypto.Redacted {
		sealed, err := s.sealAPIKey(*req.APIKey)
		if err != nil {
			return s.mapError(c, err, "provider")
		}
		p.EncAPIKey = &sealed
	}
	if req.Config != nil {
		merged := configFromJSON(p.ConfigJSON)
		for k, v := range req.Config {
			merged[k] = v
		}
		b, err := json.Marshal(merged)
		if err != nil {
			return badRequest(c, "invalid config")
		}
		p.ConfigJSON = string(b)
	}

	if err := s.store.UpdateProvider(ctx, p); err != nil {
		return s.mapError(c, err, "provider")
	}
	s.audit(c, "provider.update", name)

	updated, err := s.store.GetProviderByName(ctx, name)
	if err != nil {
		return s.mapError(c, err, "provider")
	}
	return c.JSON(http.StatusOK, providerView(updated))
}

// DELETE /api/provider/:name
func (s *Server) deleteProvider(c echo.Context) error {
	name := c.Param("name")
	if err := s.store.DeleteProviderByName(c.Request().Context(), name); err != nil {
		return s.mapError(c, err, "provider")
	}
	s.audit(c, "provider.delete", name)
	return c.JSON(http.StatusOK, map[string]string{"message": "provider deleted"})
}

// sealAPIKey encrypts a key for storage when a key manager is
// configured; without one the value is stored as given.
func (s *Server) sealAPIKey(apiKey string) (string, error) {
	if s.secrets == nil {
		return apiKey, nil
	}
	return s.secrets.MarshalEncryptedString(apiKey)
}
