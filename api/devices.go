package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

// handleListDevices serves the current Device set (spec.md §6).
func (s *Server) handleListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, s.tracker.Snapshot())
}

// handleDeviceEvents streams `event: devices` / full-set payloads over SSE
// (spec.md §6). Each event is the complete current set, so a late joiner
// is correct from the first event it receives.
func (s *Server) handleDeviceEvents(c *gin.Context) {
	id, ch := s.tracker.Subscribe()
	defer s.tracker.Unsubscribe(id)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	sse.Encode(c.Writer, sse.Event{Event: "devices", Data: s.tracker.Snapshot()})
	c.Writer.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			sse.Encode(c.Writer, sse.Event{Event: "devices", Data: snap})
			c.Writer.Flush()
		case <-ticker.C:
			sse.Encode(c.Writer, sse.Event{Event: "devices", Data: s.tracker.Snapshot()})
			c.Writer.Flush()
		}
	}
}
