package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"corestream/config"
	"corestream/models"
)

const (
	streamWriteWait = 10 * time.Second
	streamPongWait  = 60 * time.Second
	streamPingEvery = (streamPongWait * 9) / 10
)

var streamUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 2 * 1024 * 1024,
}

// handleStream upgrades to the stream wire protocol of spec.md §6: binary
// Annex-B H264Units only, server to client, with a late-join GOP prefill
// delivered by broadcast.Hub.Subscribe before the first live unit.
func (s *Server) handleStream(c *gin.Context) {
	serial := c.Param("serial")

	worker, err := s.registry.GetOrCreateWorker(c.Request.Context(), serial, config.Preset("default"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse(err.Error()))
		return
	}

	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("stream websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub := worker.Subscribe(ctx)
	defer worker.Unsubscribe(sub.ID)

	go streamReadDrain(conn, cancel)

	ticker := time.NewTicker(streamPingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(streamWriteWait))
			return
		case unit, ok := <-sub.Queue:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, unit.Bytes); err != nil {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
					time.Now().Add(streamWriteWait))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// streamReadDrain discards client->server messages (ignored per spec.md
// §6) and cancels ctx once the client disconnects.
func streamReadDrain(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(1 << 10)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
