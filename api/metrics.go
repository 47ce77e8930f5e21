package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"corestream/metrics"
)

// handleMetrics refreshes every device's gauges from the registry then
// serves the standard Prometheus exposition format.
func (s *Server) handleMetrics(c *gin.Context) {
	metrics.ObserveAll(s.registry.Snapshot())
	promhttp.Handler().ServeHTTP(c.Writer, c.Request)
}
