package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// requireAPIKey checks Authorization: Bearer or X-API-Key against the
// configured key. An empty configured key disables auth entirely.
func (s *Server) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.apiKey == "" {
			return next(c)
		}

		key := c.Request().Header.Get("X-API-Key")
		if key == "" {
			auth := c.Request().Header.Get("Authorization")
			if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
				key = after
			}
		}
		if key != s.apiKey {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		return next(c)
	}
}

func (s *Server) requestMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		status := c.Response().Status
		if err != nil {
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
		}
		s.metrics.RequestsTotal.WithLabelValues(c.Request().Method, strconv.Itoa(status)).Inc()
		return err
	}
}

// enforceRateLimit applies the hourly budget for a scope. When it
// returns limited=true the 429 response has already been written and
// the returned error is the write result.
func (s *Server) enforceRateLimit(c echo.Context, scope string) (limited bool, err error) {
	if s.limiter == nil {
		return false, nil
	}
	allowed, _, resetAt, err := s.limiter.Allow(c.Request().Context(), scope, time.Now())
	if err != nil {
		return false, err
	}
	if allowed {
		return false, nil
	}

	s.metrics.RateLimited.Inc()
	retry := int(time.Until(resetAt).Seconds())
	if retry < 1 {
		retry = 1
	}
	c.Response().Header().Set("Retry-After", strconv.Itoa(retry))
	return true, c.JSON(http.StatusTooManyRequests, map[string]any{
		"error":       "rate limit exceeded",
		"retry_after": retry,
	})
}

// enforceIdempotency rejects a request whose Idempotency-Key has been
// seen before. Requests without the header always pass.
func (s *Server) enforceIdempotency(c echo.Context) (duplicate bool, err error) {
	if s.dedup == nil {
		return false, nil
	}
	token := strings.TrimSpace(c.Request().Header.Get("Idempotency-Key"))
	if token == "" {
		return false, nil
	}
	first, err := s.dedup.MarkFirst(c.Request().Context(), token)
	if err != nil {
		return false, err
	}
	if first {
		return false, nil
	}
	return true, c.JSON(http.StatusConflict, map[string]string{"error": "duplicate request"})
}
