package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/bus"
)

// handleEvents streams a project's event feed over SSE. Heartbeats
// arrive on the same subscription and are written as SSE comments so
// proxies keep the connection open without clients seeing fake events.
func (s *Server) handleEvents(c echo.Context) error {
	projectID := c.Param("id")
	ctx := c.Request().Context()

	sub, err := s.deps.Bus.Subscribe(ctx, projectID)
	if err != nil {
		return s.domainError(c, err)
	}
	defer sub.Close()

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if ev.Type == bus.EventHeartbeat {
				fmt.Fprintf(c.Response(), ": heartbeat\n\n")
				c.Response().Flush()
				continue
			}

			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn(ctx, "dropping unencodable event",
					zap.String("project_id", projectID),
					zap.Error(err))
				continue
			}
			fmt.Fprintf(c.Response(), "event: %s\n", ev.Type)
			fmt.Fprintf(c.Response(), "data: %s\n\n", data)
			c.Response().Flush()

		case <-ctx.Done():
			// Client disconnected.
			return nil
		}
	}
}
