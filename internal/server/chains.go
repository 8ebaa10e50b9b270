package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"agentmux/internal/queue"
	"agentmux/internal/storage"
)

type chainStepRequest struct {
	StepNumber int            `json:"step_number"`
	AgentName  string         `json:"agent_name"`
	StepType   string         `json:"step_type"`
	Target     string         `json:"target"`
	Args       map[string]any `json:"args"`
}

// GET /api/chain
func (s *Server) listChains(c echo.Context) error {
	chains, err := s.store.ListChains(c.Request().Context())
	if err != nil {
		return s.mapError(c, err, "chain")
	}

	out := make([]map[string]any, len(chains))
	for i, ch := range chains {
		out[i] = map[string]any{"name": ch.Name, "description": ch.Description}
	}
	return c.JSON(http.StatusOK, map[string]any{"chains": out})
}

// POST /api/chain
func (s *Server) createChain(c echo.Context) error {
	var req struct {
		ChainName   string `json:"chain_name"`
		Description string `json:"description"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if !namePattern.MatchString(req.ChainName) {
		return badRequest(c, "invalid chain name")
	}

	if _, err := s.store.CreateChain(c.Request().Context(), req.ChainName, req.Description); err != nil {
		return s.mapError(c, err, "chain")
	}
	s.audit(c, "chain.create", req.ChainName)
	return c.JSON(http.StatusCreated, map[string]any{"name": req.ChainName, "description": req.Description})
}

// GET /api/chain/:name
func (s *Server) getChain(c echo.Context) error {
	detail, err := s.store.GetChainDetail(c.Request().Context(), c.Param("name"))
	if err != nil {
		return s.mapError(c, err, "chain")
	}
	return c.JSON(http.StatusOK, chainView(detail))
}

// PUT /api/chain/:name
func (s *Server) updateChain(c echo.Context) error {
	name := c.Param("name")
	var req struct {
		NewName     string `json:"new_name"`
		Description string `json:"description"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.NewName != "" && !namePattern.MatchString(req.NewName) {
		return badRequest(c, "invalid chain name")
	}

	if err := s.store.UpdateChain(c.Request().Context(), name, req.NewName, req.Description); err != nil {
		return s.mapError(c, err, "chain")
	}
	finalName := name
	if req.NewName != "" {
		finalName = req.NewName
	}
	s.audit(c, "chain.update", finalName)

	detail, err := s.store.GetChainDetail(c.Request().Context(), finalName)
	if err != nil {
		return s.mapError(c, err, "chain")
	}
	return c.JSON(http.StatusOK, chainView(detail))
}

// DELETE /api/chain/:name
func (s *Server) deleteChain(c echo.Context) error {
	name := c.Param("name")
	if err := s.store.DeleteChainByName(c.Request().Context(), name); err != nil {
		return s.mapError(c, err, "chain")
	}
	s.audit(c, "chain.delete", name)
	return c.JSON(http.StatusOK, map[string]string{"message": "chain deleted"})
}

// resolveStep turns a step request into a storage row, resolving the
// optional agent name.
func (s *Server) resolveStep(c echo.Context, chainID int64, req chainStepRequest) (storage.ChainStep, error) {
	switch req.StepType {
	case storage.StepTypePrompt, storage.StepTypeCommand, storage.StepTypeChain:
	default:
		return storage.ChainStep{}, fmt.Errorf("invalid step type %q", req.StepType)
	}
	if req.Target == "" {
		return storage.ChainStep{}, errors.New("target is required")
	}

	st := storage.ChainStep{
		ChainID:    chainID,
		StepNumber: req.StepNumber,
		StepType:   req.StepType,
		Target:     req.Target,
	}
	if req.AgentName != "" {
		ap, err := s.store.GetAgentByName(c.Request().Context(), req.AgentName)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return storage.ChainStep{}, errors.New("agent not found")
			}
			return storage.ChainStep{}, err
		}
		st.AgentID = &ap.ID
	}
	if req.Args != nil {
		b, err := json.Marshal(req.Args)
		if err != nil {
			return storage.ChainStep{}, err
		}
		st.ArgsJSON = string(b)
	}
	return st, nil
}

// POST /api/chain/:name/step
func (s *Server) addChainStep(c echo.Context) error {
	ctx := c.Request().Context()
	ch, err := s.store.GetChainByName(ctx, c.Param("name"))
	if err != nil {
		return s.mapError(c, err, "chain")
	}

	var req chainStepRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.StepNumber < 1 {
		return badRequest(c, "step_number must be >= 1")
	}
	st, err := s.resolveStep(c, ch.ID, req)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if err := s.store.AddChainStep(ctx, st); err != nil {
		return s.mapError(c, err, "chain step")
	}
	s.audit(c, "chain.step.add", ch.Name)

	detail, err := s.store.GetChainDetail(ctx, ch.Name)
	if err != nil {
		return s.mapError(c, err, "chain")
	}
	return c.JSON(http.StatusCreated, chainView(detail))
}

// PUT /api/chain/:name/step/:number
func (s *Server) updateChainStep(c echo.Context) error {
	ctx := c.Request().Context()
	ch, err := s.store.GetChainByName(ctx, c.Param("name"))
	if err != nil {
		return s.mapError(c, err, "chain")
	}
	number, err := parseStepNumber(c.Param("number"))
	if err != nil {
		return badRequest(c, err.Error())
	}

	var req chainStepRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	st, err := s.resolveStep(c, ch.ID, req)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if err := s.store.UpdateChainStep(ctx, ch.ID, number, st); err != nil {
		return s.mapError(c, err, "chain step")
	}
	s.audit(c, "chain.step.update", ch.Name)

	detail, err := s.store.GetChainDetail(ctx, ch.Name)
	if err != nil {
		return s.mapError(c, err, "chain")
	}
	return c.JSON(http.StatusOK, chainView(detail))
}

// DELETE /api/chain/:name/step/:number
func (s *Server) deleteChainStep(c echo.Context) error {
	ctx := c.Request().Context()
	ch, err := s.store.GetChainByName(ctx, c.Param("name"))
	if err != nil {
		return s.mapError(c, err, "chain")
	}
	number, err := parseStepNumber(c.Param("number"))
	if err != nil {
		return badRequest(c, err.Error())
	}

	if err := s.store.DeleteChainStep(ctx, ch.ID, number); err != nil {
		return s.mapError(c, err, "chain step")
	}
	s.audit(c, "chain.step.delete", ch.Name)
	return c.JSON(http.StatusOK, map[string]string{"message": "chain step deleted"})
}

// PATCH /api/chain/:name/step/move
func (s *Server) moveChainStep(c echo.Context) error {
	ctx := c.Request().Context()
	ch, err := s.store.GetChainByName(ctx, c.Param("name"))
	if err != nil {
		return s.mapError(c, err, "chain")
	}

	var req struct {
		OldStepNumber int `json:"old_step_number"`
		NewStepNumber int `json:"new_step_number"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if err := s.store.MoveChainStep(ctx, ch.ID, req.OldStepNumber, req.NewStepNumber); err != nil {
		return s.mapError(c, err, "chain step")
	}
	s.audit(c, "chain.step.move", ch.Name)

	detail, err := s.store.GetChainDetail(ctx, ch.Name)
	if err != nil {
		return s.mapError(c, err, "chain")
	}
	return c.JSON(http.StatusOK, chainView(detail))
}

// POST /api/chain/:name/run
func (s *Server) runChain(c echo.Context) error {
	name := c.Param("name")
	var req struct {
		UserInput     string `json:"user_input"`
		AgentOverride string `json:"agent_override"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if limited, err := s.enforceRateLimit(c, name); limited || err != nil {
		if limited {
			return err
		}
		return s.mapError(c, err, "chain")
	}
	if dup, err := s.enforceIdempotency(c); dup || err != nil {
		if dup {
			return err
		}
		return s.mapError(c, err, "chain")
	}

	run, err := s.engine.StartChain(c.Request().Context(), name, req.UserInput, req.AgentOverride)
	if err != nil {
		return s.mapError(c, err, "chain")
	}
	s.audit(c, "chain.run", name)
	return c.JSON(http.StatusAccepted, map[string]any{"run_id": run.ID, "state": run.State})
}

// chainRun loads the run named in the URL and checks it belongs to the
// chain named in the URL.
func (s *Server) chainRun(c echo.Context) (storage.Run, error) {
	ctx := c.Request().Context()
	ch, err := s.store.GetChainByName(ctx, c.Param("name"))
	if err != nil {
		return storage.Run{}, err
	}
	run, err := s.store.GetRun(ctx, c.Param("id"))
	if err != nil {
		return storage.Run{}, err
	}
	if run.ChainID == nil || *run.ChainID != ch.ID {
		return storage.Run{}, storage.ErrNotFound
	}
	return run, nil
}

// GET /api/chain/:name/run/:id
func (s *Server) getChainRun(c echo.Context) error {
	run, err := s.chainRun(c)
	if err != nil {
		return s.mapError(c, err, "run")
	}
	steps, err := s.store.ListRunSteps(c.Request().Context(), run.ID)
	if err != nil {
		return s.mapError(c, err, "run")
	}
	return c.JSON(http.StatusOK, runView(run, steps))
}

// GET /api/chain/:name/run/:id/events
//
// Streams run events as server-sent events until the run reaches a
// terminal state or the client disconnects.
func (s *Server) streamRunEvents(c echo.Context) error {
	if s.notifier == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "event streaming unavailable"})
	}
	run, err := s.chainRun(c)
	if err != nil {
		return s.mapError(c, err, "run")
	}

	ctx := c.Request().Context()
	sub := s.notifier.SubscribeRun(ctx, run.ID)
	defer sub.Close()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Re-read after subscribing so nothing lands between snapshot and
	// subscription.
	run, err = s.store.GetRun(ctx, run.ID)
	if err != nil {
		return nil
	}
	snapshot := runStateEvent(run)
	if err := writeSSE(w, snapshot); err != nil {
		return nil
	}
	if terminalEvent(snapshot.Type) {
		return nil
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := queue.DecodeEvent(msg.Payload)
			if err != nil {
				s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("dropping undecodable event")
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return nil
			}
			if terminalEvent(ev.Type) {
				return nil
			}
		}
	}
}

func writeSSE(w *echo.Response, ev queue.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// runStateEvent maps the stored run state onto the event a subscriber
// would have seen last.
func runStateEvent(run storage.Run) queue.Event {
	ev := queue.Event{RunID: run.ID, At: time.Now().UTC()}
	switch run.State {
	case storage.RunStateRunning:
		ev.Type = queue.EventRunStarted
	case storage.RunStateCompleted:
		ev.Type = queue.EventRunCompleted
		ev.Content = run.Output
	case storage.RunStateFailed:
		ev.Type = queue.EventRunFailed
		ev.Content = run.Error
	case storage.RunStateCancelled:
		ev.Type = queue.EventRunCancelled
	default:
		ev.Type = queue.EventRunQueued
	}
	return ev
}

func terminalEvent(eventType string) bool {
	switch eventType {
	case queue.EventRunCompleted, queue.EventRunFailed, queue.EventRunCancelled:
		return true
	}
	return false
}

func parseStepNumber(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid step number %q", raw)
	}
	return n, nil
}
