package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dchest/uniuri"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/spf13/afero"

	"corestream/capturehistory"
	"corestream/config"
	"corestream/models"
)

var snapshotUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 256 * 1024,
}

type captureControlMessage struct {
	Type    string `json:"type"`
	Format  string `json:"format"`
	Quality int    `json:"quality"`
	Save    bool   `json:"save"`
}

type captureResultMessage struct {
	Type       string  `json:"type"`
	CaptureID  string  `json:"capture_id"`
	Serial     string  `json:"serial"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	CapturedAt string  `json:"captured_at"`
	Path       *string `json:"path"`
	Bytes      int     `json:"bytes"`
}

type captureErrorMessage struct {
	Type      string  `json:"type"`
	Code      string  `json:"code"`
	Message   string  `json:"message"`
	CaptureID *string `json:"capture_id"`
}

// handleSnapshot upgrades to the snapshot wire protocol of spec.md §6: one
// attach for the connection's lifetime, one capture request/response pair
// per client "capture" message.
func (s *Server) handleSnapshot(c *gin.Context) {
	serial := c.Param("serial")

	pipeline, err := s.registry.GetOrCreateSnapshot(c.Request.Context(), serial, config.Preset("default"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse(err.Error()))
		return
	}

	conn, err := snapshotUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("snapshot websocket upgrade failed")
		return
	}
	defer conn.Close()

	attachCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handle, err := pipeline.Attach(attachCtx)
	if err != nil {
		s.log.WithError(err).Warn("snapshot pipeline attach failed")
		return
	}
	defer pipeline.Detach(handle)

	conn.SetReadLimit(1 << 16)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg captureControlMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "capture" {
			continue
		}
		s.handleCaptureRequest(c.Request.Context(), conn, pipeline, serial, msg)
	}
}

type capturer interface {
	Capture(ctx context.Context, req models.CaptureRequest) (models.CaptureResult, []byte, error)
}

func (s *Server) handleCaptureRequest(ctx context.Context, conn *websocket.Conn, pipeline capturer, serial string, msg captureControlMessage) {
	quality := msg.Quality
	if quality <= 0 {
		quality = s.cfg.CaptureJPEGQualityDefault
	}

	result, jpegBytes, err := pipeline.Capture(ctx, models.CaptureRequest{Quality: quality, SaveToDisk: msg.Save})
	if err != nil {
		code := "internal_error"
		if ce, ok := err.(*models.CoreError); ok {
			code = string(ce.Kind)
		}
		_ = conn.WriteJSON(captureErrorMessage{Type: "error", Code: code, Message: err.Error()})
		return
	}

	if msg.Save {
		path, writeErr := s.saveCaptureToDisk(serial, result.CaptureID, jpegBytes)
		if writeErr != nil {
			s.log.WithError(writeErr).Warn("failed to save capture to disk")
		} else {
			result.Path = &path
		}
	}

	if s.history != nil {
		if err := s.history.Insert(ctx, capturehistory.ForResult(result)); err != nil {
			s.log.WithError(err).Warn("failed to persist capture history record")
		}
	}

	capturedAt := result.CapturedAt.UTC().Format(time.RFC3339)
	_ = conn.WriteJSON(captureResultMessage{
		Type: "capture_result", CaptureID: result.CaptureID, Serial: result.Serial,
		Width: result.Width, Height: result.Height, CapturedAt: capturedAt,
		Path: result.Path, Bytes: result.Bytes,
	})
	_ = conn.WriteMessage(websocket.BinaryMessage, jpegBytes)
}

// saveCaptureToDisk writes {capture_output_dir}/{serial}/{ts}_{capture_id}.jpg
// atomically: write to a sibling temp file, then rename. uniuri provides
// the temp-file suffix so concurrent captures for the same device never
// collide on the intermediate name. Routed through config.Fs (afero) so
// the same filesystem abstraction backs both config loading and capture
// persistence, and so tests can swap in an in-memory fs.
func (s *Server) saveCaptureToDisk(serial, captureID string, jpegBytes []byte) (string, error) {
	dir := filepath.Join(s.cfg.CaptureOutputDir, serial)
	if err := config.Fs.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	ts := time.Now().UTC().Format("20060102T150405Z")
	finalPath := filepath.Join(dir, fmt.Sprintf("%s_%s.jpg", ts, captureID))
	tmpPath := finalPath + ".tmp-" + uniuri.NewLen(8)

	if err := afero.WriteFile(config.Fs, tmpPath, jpegBytes, 0644); err != nil {
		return "", err
	}
	if err := config.Fs.Rename(tmpPath, finalPath); err != nil {
		_ = config.Fs.Remove(tmpPath)
		return "", err
	}
	return finalPath, nil
}
