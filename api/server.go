// Package api implements the external boundary adapters from spec §4.8:
// the stream and snapshot WebSocket endpoints, the device REST/SSE
// endpoints, and the ambient metrics/health endpoints. Grounded on the
// teacher's gin-based routes.go/websocket.go for the CORS middleware and
// upgrader conventions, generalized from device-scoped "subscribe"
// messages on one shared socket to one socket per device per spec.md §6.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"corestream/capturehistory"
	"corestream/config"
	"corestream/devicetracker"
	"corestream/registry"
)

// Server wires the Session Registry, Device Tracker, and capture history
// store to HTTP.
type Server struct {
	registry *registry.Registry
	tracker  *devicetracker.Tracker
	history  *capturehistory.Store
	cfg      config.Config
	log      *logrus.Entry
}

func NewServer(reg *registry.Registry, tracker *devicetracker.Tracker, history *capturehistory.Store, cfg config.Config, log *logrus.Entry) *Server {
	return &Server{registry: reg, tracker: tracker, history: history, cfg: cfg, log: log}
}

// Router builds the gin engine with every route from spec.md §6 plus the
// AMBIENT /metrics and /health endpoints.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", s.handleMetrics)
	router.GET("/devices", s.handleListDevices)
	router.GET("/devices/events", s.handleDeviceEvents)
	router.GET("/stream/:serial", s.handleStream)
	router.GET("/snapshot/:serial", s.handleSnapshot)

	return router
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}
