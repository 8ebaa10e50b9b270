package server

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// GET /api/conversation
func (s *Server) listConversations(c echo.Context) error {
	all, err := s.store.ListConversations(c.Request().Context())
	if err != nil {
		return s.mapError(c, err, "conversation")
	}

	out := make([]map[string]any, len(all))
	for i, conv := range all {
		out[i] = conversationView(conv)
	}
	return c.JSON(http.StatusOK, map[string]any{"conversations": out})
}

// POST /api/conversation
func (s *Server) createConversation(c echo.Context) error {
	ctx := c.Request().Context()
	var req struct {
		AgentName        string `json:"agent_name"`
		ConversationName string `json:"conversation_name"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.ConversationName == "" {
		req.ConversationName = "default"
	}

	ap, err := s.store.GetAgentByName(ctx, req.AgentName)
	if err != nil {
		return s.mapError(c, err, "agent")
	}

	conv, err := s.store.EnsureConversation(ctx, ap.ID, req.ConversationName)
	if err != nil {
		return s.mapError(c, err, "conversation")
	}
	return c.JSON(http.StatusCreated, conversationView(conv))
}

// GET /api/conversation/:id
func (s *Server) getConversation(c echo.Context) error {
	ctx := c.Request().Context()
	conv, err := s.store.GetConversation(ctx, c.Param("id"))
	if err != nil {
		return s.mapError(c, err, "conversation")
	}
	msgs, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return s.mapError(c, err, "conversation")
	}

	out := make([]map[string]any, len(msgs))
	for i, m := range msgs {
		out[i] = messageView(m)
	}
	resp := conversationView(conv)
	resp["messages"] = out
	return c.JSON(http.StatusOK, resp)
}

// DELETE /api/conversation/:id
func (s *Server) deleteConversation(c echo.Context) error {
	id := c.Param("id")
	if err := s.store.DeleteConversation(c.Request().Context(), id); err != nil {
		return s.mapError(c, err, "conversation")
	}
	s.audit(c, "conversation.delete", id)
	return c.JSON(http.StatusOK, map[string]string{"message": "conversation deleted"})
}

// GET /api/conversation/:id/stream
//
// Upgrades to a websocket and relays message events for the
// conversation until the client hangs up.
func (s *Server) streamConversation(c echo.Context) error {
	if s.notifier == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "event streaming unavailable"})
	}
	ctx := c.Request().Context()
	conv, err := s.store.GetConversation(ctx, c.Param("id"))
	if err != nil {
		return s.mapError(c, err, "conversation")
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return badRequest(c, "websocket upgrade failed")
	}
	defer conn.Close()

	sub := s.notifier.SubscribeConversation(ctx, conv.ID)
	defer sub.Close()

	// Drain client frames so we notice the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return nil
			}
		}
	}
}
